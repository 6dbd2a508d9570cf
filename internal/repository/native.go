package repository

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"brb/internal/btrfs"
	"brb/internal/execute"
	"brb/internal/snapshot"
)

// Native is a directory on a btrfs file system holding read-only snapshot
// subvolumes.
type Native struct {
	base
	root   string
	tool   btrfs.Tool
	runner execute.Runner
}

// NewNative opens dir and locates the root of the btrfs file system holding it.
func NewNative(ctx context.Context, s Spec) (*Native, error) {
	b, err := newBase(s)
	if err != nil {
		return nil, err
	}
	if err := b.checkLocalDir(); err != nil {
		return nil, err
	}
	runner := s.Runner
	if runner == nil {
		runner = execute.Exec{}
	}
	n := &Native{base: b, tool: s.Tool, runner: runner}
	if n.root, err = n.findRoot(ctx); err != nil {
		return nil, err
	}
	slog.Debug("Opened native repository", "dir", n.dir, "root", n.root)
	return n, nil
}

func (n *Native) findRoot(ctx context.Context) (string, error) {
	dir := filepath.Clean(n.dir)
	for {
		out, err := n.output(ctx, n.tool.Show(dir))
		if err != nil {
			return "", fmt.Errorf("%w for directory %s: %w", ErrRootNotFound, n.dir, err)
		}
		if btrfs.IsRoot(out) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w for directory %s", ErrRootNotFound, n.dir)
		}
		dir = parent
	}
}

func (n *Native) run(ctx context.Context, args execute.Command) error {
	_, err := n.runner.Run(ctx, n.Command(args), execute.Options{ReadStderr: n.readStderr})
	return err
}

func (n *Native) output(ctx context.Context, args execute.Command) (string, error) {
	res, err := n.runner.Run(ctx, n.Command(args), execute.Options{ReadStdout: true, ReadStderr: n.readStderr})
	if err != nil {
		return "", err
	}
	return string(res.Stdout), nil
}

// Root is the mount point of the btrfs file system holding the repository.
func (n *Native) Root() string {
	return n.root
}

// Snapshots lists the read-only subvolumes directly managed in the
// repository directory. btrfs also reports subvolumes elsewhere on the file
// system; those are dropped.
func (n *Native) Snapshots(ctx context.Context) (snapshot.Index, error) {
	out, err := n.output(ctx, n.tool.List(n.dir))
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots in %s: %w", n.dir, err)
	}
	listed, err := snapshot.ParseListing(out)
	if err != nil {
		return nil, err
	}
	var idx snapshot.Index
	for _, s := range listed {
		abs := filepath.Join(n.root, s.Path())
		if !strings.HasPrefix(abs, n.dir) {
			continue
		}
		gen, _ := s.Generation()
		idx = append(idx, snapshot.WithGeneration(abs[len(n.dir):], gen))
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return idx[i].Path() < idx[j].Path()
	})
	return idx, nil
}

func (n *Native) Flush(ctx context.Context) error {
	if err := n.run(ctx, n.tool.Sync(n.root)); err != nil {
		return fmt.Errorf("failed to sync file system %s: %w", n.root, err)
	}
	return nil
}

func (n *Native) CreateSnapshot(ctx context.Context, subvolume, name string) error {
	if err := n.run(ctx, n.tool.Snapshot(subvolume, n.Path(name), false)); err != nil {
		return fmt.Errorf("failed to snapshot %s: %w", subvolume, err)
	}
	return nil
}

func (n *Native) Delete(ctx context.Context, name string) error {
	if err := n.run(ctx, n.tool.Delete(n.Path(name))); err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", name, err)
	}
	return nil
}

// MakeWritable creates a writable snapshot of name at target.
func (n *Native) MakeWritable(ctx context.Context, name, target string) error {
	if err := n.run(ctx, n.tool.Snapshot(n.Path(name), target, true)); err != nil {
		return fmt.Errorf("failed to create subvolume %s from %s: %w", target, name, err)
	}
	return nil
}

// Changed reports whether subvolume was modified after snap was taken.
func (n *Native) Changed(ctx context.Context, snap snapshot.Snapshot, subvolume string) (bool, error) {
	changes, err := n.changes(ctx, snap, subvolume)
	if err != nil {
		return false, err
	}
	return len(changes) > 0, nil
}

// Diff returns the files of subvolume modified after snapshot name.
func (n *Native) Diff(ctx context.Context, name, subvolume string) ([]string, error) {
	idx, err := n.Snapshots(ctx)
	if err != nil {
		return nil, err
	}
	snap, ok := idx.ByName(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrSnapshotNotFound, name, n.dir)
	}
	changes, err := n.changes(ctx, snap, subvolume)
	if err != nil {
		return nil, err
	}
	return btrfs.ChangedFiles(changes), nil
}

func (n *Native) changes(ctx context.Context, snap snapshot.Snapshot, subvolume string) ([]btrfs.Change, error) {
	gen, ok := snap.Generation()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoGeneration, snap.Path())
	}
	out, err := n.output(ctx, n.tool.FindNew(subvolume, gen+1))
	if err != nil {
		return nil, fmt.Errorf("failed to find changes in %s: %w", subvolume, err)
	}
	return btrfs.ParseFindNew(out)
}

// Parents returns the snapshots of base known on both sides.
func (n *Native) Parents(name, base string, known, dst snapshot.Index) []string {
	var parents []string
	for _, s := range known.Common(dst).ForBase(base) {
		if s.Path() != name {
			parents = append(parents, s.Path())
		}
	}
	return parents
}

func (n *Native) SendPipeline(name string, parents []string) ([]execute.Stage, error) {
	paths := make([]string, len(parents))
	for i, p := range parents {
		paths[i] = n.Path(p)
	}
	cmds := append([]execute.Command{n.Command(n.tool.Send(n.Path(name), paths...))}, n.filters...)
	return execute.Stages(cmds...), nil
}

func (n *Native) RecvPipeline(name string) ([]execute.Stage, error) {
	cmds := append(append([]execute.Command{}, n.filters...), n.Command(n.tool.Receive(n.dir)))
	return execute.Stages(cmds...), nil
}
