package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"brb/internal/btrfstest"
	"brb/internal/execute"
	"brb/internal/naming"
	"brb/internal/repository"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testHost = naming.Host{NodeName: "backuphost", SysName: "linux", Machine: "x86_64"}

type recorder struct {
	transfers []Transfer
}

func (r *recorder) Record(_ context.Context, t Transfer) error {
	r.transfers = append(r.transfers, t)
	return nil
}

type env struct {
	t        *testing.T
	ctx      context.Context
	machine  *btrfstest.Machine
	clock    *testclock.Clock
	recorder *recorder
	engine   *Engine
	srcFS    string
	dstFS    string
	home     string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	tmp, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	e := &env{
		t:        t,
		ctx:      context.Background(),
		machine:  btrfstest.New(),
		clock:    testclock.NewClock(time.Date(2015, 1, 5, 22, 34, 0, 0, time.UTC)),
		recorder: &recorder{},
		srcFS:    filepath.Join(tmp, "a"),
		dstFS:    filepath.Join(tmp, "b"),
	}
	require.NoError(t, os.MkdirAll(e.srcFS, 0o755))
	require.NoError(t, os.MkdirAll(e.dstFS, 0o755))
	e.machine.Mount(e.srcFS)
	e.machine.Mount(e.dstFS)
	e.home = filepath.Join(e.srcFS, "home")
	require.NoError(t, e.machine.CreateSubvolume(e.home))
	e.engine = New(Config{
		Namer:    naming.NewNamer(testHost, e.clock),
		Runner:   e.machine,
		Recorder: e.recorder,
	})
	return e
}

func (e *env) native(dir string, opts ...func(*repository.Spec)) *repository.Native {
	e.t.Helper()
	require.NoError(e.t, os.MkdirAll(dir, 0o755))
	s := repository.Spec{Dir: dir, Runner: e.machine, ReadStderr: true, Host: testHost}
	for _, o := range opts {
		o(&s)
	}
	n, err := repository.NewNative(e.ctx, s)
	require.NoError(e.t, err)
	return n
}

func (e *env) file(dir string, filters ...execute.Command) *repository.File {
	e.t.Helper()
	require.NoError(e.t, os.MkdirAll(dir, 0o755))
	f, err := repository.NewFile(repository.Spec{Dir: dir, Extension: "bin", Filters: filters, Host: testHost, ReadStderr: true})
	require.NoError(e.t, err)
	return f
}

func (e *env) names(repo repository.Repository) []string {
	e.t.Helper()
	idx, err := repo.Snapshots(e.ctx)
	require.NoError(e.t, err)
	return idx.Names()
}

func (e *env) write(name, data string) {
	e.t.Helper()
	require.NoError(e.t, e.machine.WriteFile(e.home, name, data))
}

func (e *env) base() string {
	return naming.BaseName(testHost, e.home)
}

func TestSyncCreatesAndDeploys(t *testing.T) {
	e := newEnv(t)
	e.write("root", "test-string-to-read-from-snapshot")
	src := e.native(filepath.Join(e.srcFS, "snapshots"))
	dst := e.native(filepath.Join(e.dstFS, "backup"))

	require.NoError(t, e.engine.Sync(e.ctx, []string{e.home}, src, dst, SyncOptions{}))

	want := []string{e.base() + "-2015-01-05_22:34:00"}
	assert.Equal(t, want, e.names(src))
	assert.Equal(t, want, e.names(dst))

	sv, ok := e.machine.Subvolume(dst.Path(want[0]))
	require.True(t, ok)
	assert.True(t, sv.ReadOnly)
	assert.Equal(t, "test-string-to-read-from-snapshot", sv.Files["root"].Data)

	require.Len(t, e.recorder.transfers, 1)
	tr := e.recorder.transfers[0]
	assert.Equal(t, e.home, tr.Subvolume)
	assert.Equal(t, want[0], tr.Snapshot)
	assert.Empty(t, tr.Parents)
	assert.Equal(t, src.Path(), tr.Source)
	assert.Equal(t, dst.Path(), tr.Destination)
	assert.Positive(t, tr.Bytes)
	assert.Len(t, tr.Blake3, 64)
}

func TestSyncIsIdempotent(t *testing.T) {
	e := newEnv(t)
	e.write("root", "data")
	src := e.native(filepath.Join(e.srcFS, "snapshots"))
	dst := e.native(filepath.Join(e.dstFS, "backup"))

	require.NoError(t, e.engine.Sync(e.ctx, []string{e.home}, src, dst, SyncOptions{}))
	e.clock.Advance(time.Hour)
	require.NoError(t, e.engine.Sync(e.ctx, []string{e.home}, src, dst, SyncOptions{}))

	assert.Len(t, e.names(src), 1)
	assert.Len(t, e.names(dst), 1)
	assert.Len(t, e.machine.Pipelines, 1)
}

func TestSyncIncremental(t *testing.T) {
	e := newEnv(t)
	e.write("big", strings.Repeat("x", 64*1024))
	src := e.native(filepath.Join(e.srcFS, "snapshots"))
	dst := e.native(filepath.Join(e.dstFS, "backup"))

	require.NoError(t, e.engine.Sync(e.ctx, []string{e.home}, src, dst, SyncOptions{}))
	e.write("small", "y")
	e.clock.Advance(time.Minute)
	require.NoError(t, e.engine.Sync(e.ctx, []string{e.home}, src, dst, SyncOptions{}))

	names := e.names(src)
	require.Len(t, names, 2)
	assert.Equal(t, names, e.names(dst))

	require.Len(t, e.recorder.transfers, 2)
	full, incremental := e.recorder.transfers[0], e.recorder.transfers[1]
	assert.Equal(t, []string{names[0]}, incremental.Parents)
	assert.Less(t, incremental.Bytes, full.Bytes)

	send := e.machine.Pipelines[1][0][0]
	assert.Equal(t, execute.Command{"btrfs", "send", "-c", src.Path(names[0]), src.Path(names[1])}, send)

	sv, ok := e.machine.Subvolume(dst.Path(names[1]))
	require.True(t, ok)
	assert.Equal(t, "y", sv.Files["small"].Data)
	assert.Len(t, sv.Files["big"].Data, 64*1024)
}

func TestSyncUniqueNameWithinSameSecond(t *testing.T) {
	e := newEnv(t)
	e.write("a", "1")
	src := e.native(filepath.Join(e.srcFS, "snapshots"))
	dst := e.native(filepath.Join(e.dstFS, "backup"))

	require.NoError(t, e.engine.Sync(e.ctx, []string{e.home}, src, dst, SyncOptions{}))
	e.write("a", "2")
	require.NoError(t, e.engine.Sync(e.ctx, []string{e.home}, src, dst, SyncOptions{}))
	e.write("a", "3")
	require.NoError(t, e.engine.Sync(e.ctx, []string{e.home}, src, dst, SyncOptions{}))

	base := e.base() + "-2015-01-05_22:34:00"
	assert.Equal(t, []string{base, base + "-1", base + "-2"}, e.names(src))
}

func TestSyncRedeploysLostSnapshot(t *testing.T) {
	e := newEnv(t)
	e.write("a", "1")
	src := e.native(filepath.Join(e.srcFS, "snapshots"))
	dst := e.native(filepath.Join(e.dstFS, "backup"))

	require.NoError(t, e.engine.Sync(e.ctx, []string{e.home}, src, dst, SyncOptions{}))
	name := e.names(dst)[0]
	require.NoError(t, dst.Delete(e.ctx, name))

	require.NoError(t, e.engine.Sync(e.ctx, []string{e.home}, src, dst, SyncOptions{}))
	assert.Equal(t, []string{name}, e.names(dst))
	assert.Len(t, e.names(src), 1)
	assert.Empty(t, e.recorder.transfers[1].Parents)
}

func TestSyncContinuesAfterFailedSubvolume(t *testing.T) {
	e := newEnv(t)
	e.write("a", "1")
	src := e.native(filepath.Join(e.srcFS, "snapshots"))
	dst := e.native(filepath.Join(e.dstFS, "backup"))
	missing := filepath.Join(e.srcFS, "missing")

	err := e.engine.Sync(e.ctx, []string{missing, e.home}, src, dst, SyncOptions{Purge: true})
	require.Error(t, err)
	var execErr *execute.Error
	require.True(t, errors.As(err, &execErr))
	assert.Contains(t, execErr.Stderr, "error accessing")

	assert.Len(t, e.names(dst), 1)
	for _, c := range e.machine.Calls {
		assert.NotEqual(t, "delete", c[len(c)-2])
	}
}

func TestSyncStderrCapturedOnlyWhenBothSidesAgree(t *testing.T) {
	tests := []struct {
		name       string
		dstStderr  bool
		wantStderr string
	}{
		{name: "both read stderr", dstStderr: true, wantStderr: "ERROR: receive failed"},
		{name: "destination ignores stderr", dstStderr: false, wantStderr: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.write("a", "1")
			src := e.native(filepath.Join(e.srcFS, "snapshots"))
			dst := e.native(filepath.Join(e.dstFS, "backup"), func(s *repository.Spec) { s.ReadStderr = tt.dstStderr })
			e.machine.Fail("receive", "ERROR: receive failed")

			err := e.engine.Sync(e.ctx, []string{e.home}, src, dst, SyncOptions{})
			var execErr *execute.Error
			require.True(t, errors.As(err, &execErr))
			assert.Equal(t, tt.wantStderr, execErr.Stderr)
			assert.Empty(t, e.recorder.transfers)
		})
	}
}

func TestSyncRemoteDestination(t *testing.T) {
	e := newEnv(t)
	e.write("a", "1")
	e.machine.StripRemote("ssh", "backup-host")
	src := e.native(filepath.Join(e.srcFS, "snapshots"), func(s *repository.Spec) {
		s.Filters = []execute.Command{{"gzip"}}
	})
	dst := e.native(filepath.Join(e.dstFS, "backup"), func(s *repository.Spec) {
		s.RemoteCmd = execute.Command{"ssh", "backup-host"}
		s.Filters = []execute.Command{{"gzip", "-d"}}
	})

	require.NoError(t, e.engine.Sync(e.ctx, []string{e.home}, src, dst, SyncOptions{}))

	stages := e.machine.Pipelines[0]
	require.Len(t, stages, 4)
	assert.Equal(t, execute.Command{"gzip"}, stages[1][0])
	assert.Equal(t, execute.Command{"gzip", "-d"}, stages[2][0])
	assert.Equal(t, execute.Command{"ssh", "backup-host", "btrfs", "receive", dst.Path()}, stages[3][0])
	assert.Len(t, e.names(dst), 1)
}

func TestSyncThenRestoreThroughFileRepository(t *testing.T) {
	e := newEnv(t)
	e.write("root", "test-string-to-read-from-snapshot")
	src := e.native(filepath.Join(e.srcFS, "snapshots"))
	backupDir := filepath.Join(e.dstFS, "files")
	backup := e.file(backupDir, execute.Command{"gzip"}, execute.Command{"dd", "of={file}"})

	require.NoError(t, e.engine.Sync(e.ctx, []string{e.home}, src, backup, SyncOptions{}))
	e.write("second", "more")
	e.clock.Advance(time.Minute)
	require.NoError(t, e.engine.Sync(e.ctx, []string{e.home}, src, backup, SyncOptions{}))

	names := e.names(backup)
	require.Len(t, names, 2)
	assert.Equal(t, []string{names[0]}, e.recorder.transfers[1].Parents)
	for _, n := range names {
		_, err := os.Stat(backup.FilePath(n))
		assert.NoError(t, err)
	}

	// lose the subvolume and its snapshots
	for _, n := range e.names(src) {
		require.NoError(t, src.Delete(e.ctx, n))
	}
	_, err := e.machine.Run(e.ctx, execute.Command{"btrfs", "subvolume", "delete", e.home}, execute.Options{})
	require.NoError(t, err)

	restoreFrom := e.file(backupDir, execute.Command{"cat", "{file}"}, execute.Command{"gzip", "-d"})
	target := e.native(filepath.Join(e.srcFS, "restored"))
	require.NoError(t, e.engine.Restore(e.ctx, []string{e.home}, restoreFrom, target, false))

	sv, ok := e.machine.Subvolume(e.home)
	require.True(t, ok)
	assert.False(t, sv.ReadOnly)
	assert.Equal(t, "test-string-to-read-from-snapshot", sv.Files["root"].Data)
	assert.Equal(t, "more", sv.Files["second"].Data)
	assert.Equal(t, []string{names[0], names[1]}, e.names(target))

	send := e.machine.Pipelines[len(e.machine.Pipelines)-1][0][0]
	assert.Equal(t, execute.Command{"cat", backup.FilePath(names[0]), backup.FilePath(names[1])}, send)
}

func TestRestoreNative(t *testing.T) {
	e := newEnv(t)
	e.write("root", "data")
	src := e.native(filepath.Join(e.srcFS, "snapshots"))
	dst := e.native(filepath.Join(e.dstFS, "backup"))
	require.NoError(t, e.engine.Sync(e.ctx, []string{e.home}, src, dst, SyncOptions{}))

	_, err := e.machine.Run(e.ctx, execute.Command{"btrfs", "subvolume", "delete", e.home}, execute.Options{})
	require.NoError(t, err)

	// restore from the backup back into the source snapshot repository
	require.NoError(t, e.engine.Restore(e.ctx, []string{e.home}, dst, src, false))
	sv, ok := e.machine.Subvolume(e.home)
	require.True(t, ok)
	assert.Equal(t, "data", sv.Files["root"].Data)
	// the snapshot was still present in src, so nothing was transferred
	assert.Len(t, e.machine.Pipelines, 1)
}

func TestRestoreErrors(t *testing.T) {
	e := newEnv(t)
	e.write("root", "data")
	src := e.native(filepath.Join(e.srcFS, "snapshots"))
	dst := e.native(filepath.Join(e.dstFS, "backup"))
	require.NoError(t, e.engine.Sync(e.ctx, []string{e.home}, src, dst, SyncOptions{}))

	t.Run("directory exists", func(t *testing.T) {
		err := e.engine.Restore(e.ctx, []string{e.home}, dst, src, false)
		require.ErrorIs(t, err, ErrExists)
		assert.Contains(t, err.Error(), "a directory with this name exists")
	})

	t.Run("file exists", func(t *testing.T) {
		path := filepath.Join(e.srcFS, "plainfile")
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
		err := e.engine.Restore(e.ctx, []string{path}, dst, src, false)
		// no snapshot exists for it either; the lookup comes first
		assert.ErrorIs(t, err, ErrNoSnapshot)
	})

	t.Run("no snapshot", func(t *testing.T) {
		err := e.engine.Restore(e.ctx, []string{filepath.Join(e.srcFS, "other")}, dst, src, false)
		require.ErrorIs(t, err, ErrNoSnapshot)
		assert.Contains(t, err.Error(), dst.Path())
	})

	t.Run("file destination needs snapshots only", func(t *testing.T) {
		files := e.file(filepath.Join(e.dstFS, "files"), execute.Command{"dd", "of={file}"})
		err := e.engine.Restore(e.ctx, []string{e.home}, dst, files, false)
		assert.ErrorIs(t, err, repository.ErrNotNative)
	})
}

func TestRestoreExistingNonDirectory(t *testing.T) {
	e := newEnv(t)
	e.write("root", "data")
	src := e.native(filepath.Join(e.srcFS, "snapshots"))
	dst := e.native(filepath.Join(e.dstFS, "backup"))
	require.NoError(t, e.engine.Sync(e.ctx, []string{e.home}, src, dst, SyncOptions{}))

	_, err := e.machine.Run(e.ctx, execute.Command{"btrfs", "subvolume", "delete", e.home}, execute.Options{})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(e.home, []byte("in the way"), 0o644))

	err = e.engine.Restore(e.ctx, []string{e.home}, dst, src, false)
	require.ErrorIs(t, err, ErrExists)
	assert.Contains(t, err.Error(), "it exists and it is not a directory")
}

func TestRestoreSnapshotsOnly(t *testing.T) {
	e := newEnv(t)
	e.write("root", "data")
	src := e.native(filepath.Join(e.srcFS, "snapshots"))
	dst := e.native(filepath.Join(e.dstFS, "backup"))
	require.NoError(t, e.engine.Sync(e.ctx, []string{e.home}, src, dst, SyncOptions{}))

	files := e.file(filepath.Join(e.dstFS, "files"), execute.Command{"dd", "of={file}"})
	require.NoError(t, e.engine.Restore(e.ctx, []string{e.home}, dst, files, true))

	assert.Equal(t, e.names(dst), e.names(files))
	_, ok := e.machine.Subvolume(e.home)
	assert.True(t, ok)
}
