//go:build e2e_btrfs

package e2e

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshotInfo struct {
	Name string `json:"name"`
}

type transferInfo struct {
	Snapshot string   `json:"snapshot"`
	Parents  []string `json:"parents"`
	Bytes    int64    `json:"bytes"`
}

type listOutput struct {
	Subvolumes []struct {
		Subvolume    string         `json:"subvolume"`
		Source       []snapshotInfo `json:"source"`
		Destination  []snapshotInfo `json:"destination"`
		LastTransfer *transferInfo  `json:"last_transfer"`
	} `json:"subvolumes"`
}

func TestBackupAndRestore(t *testing.T) {
	h := newHost(t)
	home := h.path("home")
	snapshots := h.path("snapshots")
	backup := h.path("backup")
	cfgPath := h.path("brb.yaml")
	var fullBytes int64

	t.Run("PrepareData", func(t *testing.T) {
		h.mustExec(t, "btrfs subvolume create "+home)
		h.mustExec(t, "mkdir -p "+snapshots+" "+backup)
		h.writeFile(t, filepath.Join(home, "root"), "test-string-to-read-from-snapshot")
		h.mustExec(t, "dd if=/dev/urandom of="+home+"/random.bin bs=1M count=2")
		h.writeFile(t, cfgPath, jobConfig(h.path("state"), "home", snapshots, backup, home, "", nil, nil))
	})

	t.Run("FullBackup", func(t *testing.T) {
		h.mustBrb(t, "backup --config "+cfgPath+" --job home")

		out := h.mustBrb(t, "list --config "+cfgPath+" --job home")
		var list listOutput
		require.NoError(t, json.Unmarshal([]byte(extractJSON(out)), &list))
		require.Len(t, list.Subvolumes, 1)
		sv := list.Subvolumes[0]
		assert.Len(t, sv.Source, 1)
		assert.Len(t, sv.Destination, 1)
		require.NotNil(t, sv.LastTransfer)
		assert.Empty(t, sv.LastTransfer.Parents)
		fullBytes = sv.LastTransfer.Bytes
	})

	t.Run("UnchangedBackupIsIdempotent", func(t *testing.T) {
		h.mustBrb(t, "backup --config "+cfgPath+" --job home")
		out := h.mustExec(t, "ls "+backup)
		assert.Len(t, strings.Fields(out), 1)
	})

	t.Run("IncrementalBackup", func(t *testing.T) {
		h.writeFile(t, filepath.Join(home, "new.txt"), "incremental")
		h.mustExec(t, "sleep 1")
		h.mustBrb(t, "backup --config "+cfgPath+" --job home")

		out := h.mustBrb(t, "list --config "+cfgPath+" --job home")
		var list listOutput
		require.NoError(t, json.Unmarshal([]byte(extractJSON(out)), &list))
		sv := list.Subvolumes[0]
		assert.Len(t, sv.Destination, 2)
		require.NotNil(t, sv.LastTransfer)
		assert.Len(t, sv.LastTransfer.Parents, 1)
		assert.Less(t, sv.LastTransfer.Bytes, fullBytes)
	})

	t.Run("Diff", func(t *testing.T) {
		first := strings.Fields(h.mustExec(t, "ls "+snapshots))[0]
		out := h.mustBrb(t, "diff -s "+home+" --snapshot "+first+" "+snapshots)
		assert.Contains(t, out, "new.txt")
	})

	t.Run("Restore", func(t *testing.T) {
		h.mustExec(t, "btrfs subvolume delete "+home)
		h.mustExec(t, "btrfs subvolume delete "+snapshots+"/*")

		h.mustBrb(t, "restore -s "+home+" "+backup+" "+snapshots)

		data, err := os.ReadFile(filepath.Join(home, "root"))
		require.NoError(t, err)
		assert.Equal(t, "test-string-to-read-from-snapshot", string(data))
		data, err = os.ReadFile(filepath.Join(home, "new.txt"))
		require.NoError(t, err)
		assert.Equal(t, "incremental", string(data))
	})

	t.Run("RestoreRefusesExistingTarget", func(t *testing.T) {
		out, err := h.brb("restore -s " + home + " " + backup + " " + snapshots)
		require.Error(t, err)
		assert.Contains(t, out, "a directory with this name exists")
	})
}

func TestFileRepository(t *testing.T) {
	h := newHost(t)
	home := h.path("home")
	snapshots := h.path("snapshots")
	files := h.path("files")

	h.mustExec(t, "btrfs subvolume create "+home)
	h.mustExec(t, "mkdir -p "+snapshots+" "+files)
	h.writeFile(t, filepath.Join(home, "root"), "test-string-to-read-from-snapshot")

	h.mustBrb(t, "backup -s "+home+
		" --send-filter 'gzip --stdout --fast'"+
		" --recv-filter 'dd of={file}'"+
		" --snapshot-ext btrfs.gz "+snapshots+" "+files)
	h.writeFile(t, filepath.Join(home, "more"), "data")
	h.mustExec(t, "sleep 1")
	h.mustBrb(t, "backup -s "+home+
		" --send-filter 'gzip --stdout --fast'"+
		" --recv-filter 'dd of={file}'"+
		" --snapshot-ext btrfs.gz "+snapshots+" "+files)

	out := h.mustExec(t, "ls "+files)
	require.Len(t, strings.Fields(out), 2)

	h.mustExec(t, "btrfs subvolume delete "+home)
	h.mustExec(t, "btrfs subvolume delete "+snapshots+"/*")

	h.mustBrb(t, "restore -s "+home+" --join"+
		" --send-filter 'cat {file}'"+
		" --send-filter 'gzip --decompress'"+
		" --snapshot-ext btrfs.gz "+files+" "+snapshots)

	data, err := os.ReadFile(filepath.Join(home, "more"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}
