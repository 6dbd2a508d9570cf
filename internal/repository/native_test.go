package repository

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"brb/internal/btrfstest"
	"brb/internal/execute"
	"brb/internal/snapshot"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	machine *btrfstest.Machine
	root    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	m := btrfstest.New()
	m.Mount(root)
	return &fixture{machine: m, root: root}
}

func (f *fixture) dir(t *testing.T, parts ...string) string {
	t.Helper()
	dir := filepath.Join(append([]string{f.root}, parts...)...)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return dir
}

func (f *fixture) native(t *testing.T, dir string, opts ...func(*Spec)) *Native {
	t.Helper()
	s := Spec{Dir: dir, Runner: f.machine, ReadStderr: true}
	for _, o := range opts {
		o(&s)
	}
	n, err := NewNative(context.Background(), s)
	require.NoError(t, err)
	return n
}

func TestNewNativeFindsRoot(t *testing.T) {
	f := newFixture(t)
	dir := f.dir(t, "backups", "daily")

	n := f.native(t, dir)
	assert.Equal(t, f.root, n.Root())
	assert.Equal(t, dir+"/", n.Path())
	assert.Equal(t, dir+"/snap", n.Path("snap"))
}

func TestNewNativeMissingDirectory(t *testing.T) {
	f := newFixture(t)
	_, err := NewNative(context.Background(), Spec{Dir: filepath.Join(f.root, "missing"), Runner: f.machine})
	assert.ErrorIs(t, err, ErrDirNotFound)
}

func TestNewNativeOutsideBtrfs(t *testing.T) {
	f := newFixture(t)
	outside, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	_, err = NewNative(context.Background(), Spec{Dir: outside, Runner: f.machine})
	assert.ErrorIs(t, err, ErrRootNotFound)
}

func TestNativeRemoteCommand(t *testing.T) {
	f := newFixture(t)
	f.machine.StripRemote("ssh", "backup-host")
	dir := f.dir(t, "snapshots")

	n := f.native(t, dir, func(s *Spec) { s.RemoteCmd = execute.Command{"ssh", "backup-host"} })
	assert.Equal(t, execute.Command{"ssh", "backup-host", "btrfs", "subvolume", "show", dir}, f.machine.Calls[0])
	assert.Equal(t, execute.Command{"ssh", "backup-host", "ls"}, n.Command(execute.Command{"ls"}))
}

func TestNativeSnapshots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	home := filepath.Join(f.root, "home")
	require.NoError(t, f.machine.CreateSubvolume(home))
	repoDir := f.dir(t, "snapshots")
	otherDir := f.dir(t, "elsewhere")

	n := f.native(t, repoDir)
	other := f.native(t, otherDir)

	require.NoError(t, n.CreateSnapshot(ctx, home, "h-home-2020-01-02_00:00:00"))
	require.NoError(t, n.CreateSnapshot(ctx, home, "h-home-2020-01-01_00:00:00"))
	require.NoError(t, other.CreateSnapshot(ctx, home, "h-home-2020-01-01_12:00:00"))

	idx, err := n.Snapshots(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"h-home-2020-01-01_00:00:00", "h-home-2020-01-02_00:00:00"}, idx.Names())
	for _, s := range idx {
		_, ok := s.Generation()
		assert.True(t, ok)
	}

	require.NoError(t, n.Delete(ctx, "h-home-2020-01-01_00:00:00"))
	idx, err = n.Snapshots(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"h-home-2020-01-02_00:00:00"}, idx.Names())
}

func TestNativeSnapshotsEmpty(t *testing.T) {
	f := newFixture(t)
	n := f.native(t, f.dir(t, "snapshots"))

	idx, err := n.Snapshots(context.Background())
	require.NoError(t, err)
	assert.Empty(t, idx)
}

func TestNativeChangedAndDiff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	home := filepath.Join(f.root, "home")
	require.NoError(t, f.machine.CreateSubvolume(home))
	require.NoError(t, f.machine.WriteFile(home, "notes.txt", "v1"))
	n := f.native(t, f.dir(t, "snapshots"))

	require.NoError(t, n.CreateSnapshot(ctx, home, "snap"))
	idx, err := n.Snapshots(ctx)
	require.NoError(t, err)
	snap, ok := idx.ByName("snap")
	require.True(t, ok)

	changed, err := n.Changed(ctx, snap, home)
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, f.machine.WriteFile(home, "todo.txt", "new"))
	changed, err = n.Changed(ctx, snap, home)
	require.NoError(t, err)
	assert.True(t, changed)

	files, err := n.Diff(ctx, "snap", home)
	require.NoError(t, err)
	assert.Equal(t, []string{"todo.txt"}, files)

	_, err = n.Diff(ctx, "missing", home)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestNativeChangedWithoutGeneration(t *testing.T) {
	f := newFixture(t)
	n := f.native(t, f.dir(t, "snapshots"))

	_, err := n.Changed(context.Background(), snapshot.New("snap"), "/home")
	assert.ErrorIs(t, err, ErrNoGeneration)
}

func TestNativeMakeWritable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	home := filepath.Join(f.root, "home")
	require.NoError(t, f.machine.CreateSubvolume(home))
	require.NoError(t, f.machine.WriteFile(home, "file", "data"))
	n := f.native(t, f.dir(t, "snapshots"))
	require.NoError(t, n.CreateSnapshot(ctx, home, "snap"))

	target := filepath.Join(f.root, "restored")
	require.NoError(t, n.MakeWritable(ctx, "snap", target))

	sv, ok := f.machine.Subvolume(target)
	require.True(t, ok)
	assert.False(t, sv.ReadOnly)
	assert.Equal(t, "data", sv.Files["file"].Data)
}

func TestNativeFlush(t *testing.T) {
	f := newFixture(t)
	n := f.native(t, f.dir(t, "snapshots"))

	require.NoError(t, n.Flush(context.Background()))
	assert.Equal(t, execute.Command{"btrfs", "filesystem", "sync", f.root}, f.machine.Calls[len(f.machine.Calls)-1])
}

func TestNativeParents(t *testing.T) {
	n := &Native{}
	known := snapshot.Index{snapshot.New("h-home-1"), snapshot.New("h-home-2"), snapshot.New("h-root-1"), snapshot.New("h-home-3")}
	dst := snapshot.Index{snapshot.New("h-home-1"), snapshot.New("h-root-1"), snapshot.New("h-home-2")}

	assert.Equal(t, []string{"h-home-1", "h-home-2"}, n.Parents("h-home-3", "h-home", known, dst))
	assert.Empty(t, n.Parents("h-home-3", "h-var", known, dst))
}

func TestNativePipelines(t *testing.T) {
	f := newFixture(t)
	dir := f.dir(t, "snapshots")
	n := f.native(t, dir, func(s *Spec) {
		s.Filters = []execute.Command{{"gzip", "-d"}}
		s.Tool = "/sbin/btrfs"
	})

	send, err := n.SendPipeline("snap", []string{"p1", "p2"})
	require.NoError(t, err)
	assert.Equal(t, []execute.Stage{
		{{"/sbin/btrfs", "send", "-c", dir + "/p1", "-c", dir + "/p2", dir + "/snap"}},
		{{"gzip", "-d"}},
	}, send)

	recv, err := n.RecvPipeline("snap")
	require.NoError(t, err)
	assert.Equal(t, []execute.Stage{
		{{"gzip", "-d"}},
		{{"/sbin/btrfs", "receive", dir + "/"}},
	}, recv)
}
