// Package repository models directories holding snapshots, either as btrfs
// subvolumes (Native) or as serialized stream files (File).
package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"brb/internal/btrfs"
	"brb/internal/execute"
	"brb/internal/naming"
	"brb/internal/snapshot"
	"brb/internal/util"
)

var (
	ErrDirNotFound      = errors.New("directory not found")
	ErrRootNotFound     = errors.New("root of btrfs file system not found")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrNoGeneration     = errors.New("snapshot has no generation")
	ErrInvalidExtension = errors.New("invalid snapshot extension")
	ErrFilterRequired   = errors.New("file repository requires a filter")
	ErrNotNative        = errors.New("operation requires a native btrfs repository")
	ErrRemoteFile       = errors.New("file repository cannot be behind a remote command")
)

// Repository is the capability set the sync engine needs from either side of
// a transfer.
type Repository interface {
	Snapshots(ctx context.Context) (snapshot.Index, error)
	// Path joins components onto the repository directory.
	Path(components ...string) string
	// Command prefixes args with the remote command, if any.
	Command(args execute.Command) execute.Command
	// Parents returns the names of the snapshots to send name against.
	Parents(name, base string, known, dst snapshot.Index) []string
	SendPipeline(name string, parents []string) ([]execute.Stage, error)
	RecvPipeline(name string) ([]execute.Stage, error)
	ReadStderr() bool
}

// Flusher is implemented by repositories whose pending writes must reach
// disk before a snapshot is serialized.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Spec describes a repository to open.
type Spec struct {
	Dir string
	// Extension selects a file repository when set. It must not start with a dot.
	Extension string
	Filters   []execute.Command
	RemoteCmd execute.Command
	// Join sends the snapshot files of a file repository through one copy of
	// the first filter each instead of one command taking all of them.
	Join       bool
	ReadStderr bool
	Tool       btrfs.Tool
	Host       naming.Host
	Runner     execute.Runner
}

func Open(ctx context.Context, s Spec) (Repository, error) {
	if s.Extension != "" {
		return NewFile(s)
	}
	return NewNative(ctx, s)
}

type base struct {
	dir        string
	filters    []execute.Command
	remote     execute.Command
	readStderr bool
}

func newBase(s Spec) (base, error) {
	resolve := util.RealPath
	if len(s.RemoteCmd) > 0 {
		resolve = filepath.Abs
	}
	dir, err := resolve(s.Dir)
	if err != nil {
		return base{}, fmt.Errorf("failed to resolve %s: %w", s.Dir, err)
	}
	if !strings.HasSuffix(dir, string(filepath.Separator)) {
		dir += string(filepath.Separator)
	}
	return base{
		dir:        dir,
		filters:    s.Filters,
		remote:     s.RemoteCmd,
		readStderr: s.ReadStderr,
	}, nil
}

// checkLocalDir verifies a directory that is not behind a remote command.
func (b *base) checkLocalDir() error {
	if len(b.remote) > 0 {
		return nil
	}
	info, err := os.Stat(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrDirNotFound, b.dir)
		}
		return fmt.Errorf("failed to inspect %s: %w", b.dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrDirNotFound, b.dir)
	}
	return nil
}

func (b *base) Path(components ...string) string {
	if len(components) == 0 {
		return b.dir
	}
	return filepath.Join(append([]string{b.dir}, components...)...)
}

func (b *base) Command(args execute.Command) execute.Command {
	cmd := make(execute.Command, 0, len(b.remote)+len(args))
	cmd = append(cmd, b.remote...)
	return append(cmd, args...)
}

func (b *base) ReadStderr() bool {
	return b.readStderr
}

func (b *base) String() string {
	return b.dir
}
