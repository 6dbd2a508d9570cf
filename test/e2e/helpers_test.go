//go:build e2e_btrfs

package e2e

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// The suite needs root and a mounted btrfs file system:
//
//	BRB_E2E_DIR=/mnt/btrfs go test -tags e2e_btrfs ./test/e2e/
const dirEnv = "BRB_E2E_DIR"

type host struct {
	bin  string
	root string
}

func newHost(t *testing.T) *host {
	t.Helper()
	dir := os.Getenv(dirEnv)
	if dir == "" {
		t.Skipf("%s is not set", dirEnv)
	}
	root, err := os.MkdirTemp(dir, "brb-e2e-*")
	require.NoError(t, err)
	h := &host{bin: buildBinary(t), root: root}
	t.Cleanup(h.cleanup)
	return h
}

func (h *host) path(parts ...string) string {
	return filepath.Join(append([]string{h.root}, parts...)...)
}

func (h *host) execWithTimeout(command string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func (h *host) exec(command string) (string, error) {
	return h.execWithTimeout(command, 2*time.Minute)
}

func (h *host) mustExec(t *testing.T, command string) string {
	t.Helper()
	out, err := h.exec(command)
	require.NoError(t, err, "command failed: %s\noutput: %s", command, out)
	return out
}

func (h *host) brb(args string) (string, error) {
	return h.execWithTimeout(h.bin+" "+args, 5*time.Minute)
}

func (h *host) mustBrb(t *testing.T, args string) string {
	t.Helper()
	out, err := h.brb(args)
	require.NoError(t, err, "brb command failed: %s\noutput: %s", args, out)
	return out
}

func (h *host) writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// cleanup deletes every subvolume below the test root before removing it.
func (h *host) cleanup() {
	out, _ := h.exec("btrfs subvolume list -o --sort=-path " + h.root)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		rel := fields[len(fields)-1]
		if i := strings.Index(rel, filepath.Base(h.root)+"/"); i >= 0 {
			h.exec("btrfs subvolume delete " + filepath.Join(filepath.Dir(h.root), rel[i:]))
		}
	}
	for _, sv := range []string{"home", "restored"} {
		h.exec("btrfs subvolume delete " + h.path(sv))
	}
	os.RemoveAll(h.root)
}

func buildBinary(t *testing.T) string {
	t.Helper()
	binary := filepath.Join(t.TempDir(), "brb")
	cmd := exec.Command("go", "build", "-o", binary, "./../../cmd/brb")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "build failed: %s", string(out))
	return binary
}

// extractJSON extracts a JSON document from mixed output (slog lines + JSON).
func extractJSON(output string) string {
	start := strings.IndexAny(output, "{[")
	end := strings.LastIndexAny(output, "}]")
	if start >= 0 && end > start {
		return output[start : end+1]
	}
	return output
}

func jobConfig(baseDir, name, source, destination, subvolume, ext string, sendFilters, recvFilters []string) string {
	quote := func(filters []string) string {
		q := make([]string, len(filters))
		for i, f := range filters {
			q[i] = fmt.Sprintf("%q", f)
		}
		return "[" + strings.Join(q, ", ") + "]"
	}
	return fmt.Sprintf(`base_dir: %s
jobs:
  - name: %s
    source: %s
    destination: %s
    subvolumes: [%s]
    keep_for: 1w
    send_filters: %s
    recv_filters: %s
    snapshot_ext: %q
    enabled: true
`, baseDir, name, source, destination, subvolume, quote(sendFilters), quote(recvFilters), ext)
}
