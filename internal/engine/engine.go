// Package engine keeps snapshots of subvolumes synchronized between two
// repositories and restores subvolumes from them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"brb/internal/execute"
	"brb/internal/naming"
	"brb/internal/repository"
	"brb/internal/snapshot"
	"brb/internal/util"

	"github.com/dustin/go-humanize"
)

var (
	ErrNoSnapshot = errors.New("no snapshot to restore found")
	ErrExists     = errors.New("restore target exists")
)

// Transfer describes one snapshot successfully deployed to a destination.
type Transfer struct {
	Subvolume   string
	Snapshot    string
	Parents     []string
	Source      string
	Destination string
	Bytes       int64
	Blake3      string
	Time        time.Time
}

// Recorder is told about every completed transfer.
type Recorder interface {
	Record(ctx context.Context, t Transfer) error
}

type Config struct {
	Namer    *naming.Namer
	Runner   execute.Runner
	Recorder Recorder
}

type Engine struct {
	namer    *naming.Namer
	runner   execute.Runner
	recorder Recorder
}

func New(cfg Config) *Engine {
	runner := cfg.Runner
	if runner == nil {
		runner = execute.Exec{}
	}
	return &Engine{namer: cfg.Namer, runner: runner, recorder: cfg.Recorder}
}

type SyncOptions struct {
	// Purge removes source snapshots older than KeepFor once every
	// subvolume has been synchronized.
	Purge   bool
	KeepFor time.Duration
}

// Sync makes sure a current snapshot of every subvolume exists in src and
// has been deployed to dst. A failing subvolume does not stop the others;
// all failures are returned together and the purge is skipped.
func (e *Engine) Sync(ctx context.Context, subvolumes []string, src *repository.Native, dst repository.Repository, opts SyncOptions) error {
	var errs []error
	for _, subvolume := range subvolumes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.syncOne(ctx, subvolume, src, dst); err != nil {
			slog.Error("Subvolume sync failed", "subvolume", subvolume, "error", err)
			errs = append(errs, fmt.Errorf("subvolume %s: %w", subvolume, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if opts.Purge {
		return e.Purge(ctx, src, subvolumes, opts.KeepFor)
	}
	return nil
}

func (e *Engine) syncOne(ctx context.Context, subvolume string, src *repository.Native, dst repository.Repository) error {
	subvolume, err := util.RealPath(subvolume)
	if err != nil {
		return fmt.Errorf("failed to resolve subvolume: %w", err)
	}
	snaps, err := src.Snapshots(ctx)
	if err != nil {
		return err
	}
	name, previous, err := e.findOrCreate(ctx, subvolume, src, snaps)
	if err != nil {
		return err
	}
	return e.deploy(ctx, subvolume, name, previous, src, dst, snaps)
}

// findOrCreate returns the snapshot to deploy for subvolume together with
// the most recent snapshot that existed before. A new snapshot is taken when
// there is none or the subvolume changed since the last one.
func (e *Engine) findOrCreate(ctx context.Context, subvolume string, src *repository.Native, snaps snapshot.Index) (string, string, error) {
	base := e.namer.Base(subvolume)
	recent, ok := snaps.MostRecent(base)
	if ok {
		changed, err := src.Changed(ctx, recent, subvolume)
		if err != nil {
			return "", "", err
		}
		if !changed {
			slog.Info("Subvolume unchanged, reusing snapshot", "subvolume", subvolume, "snapshot", recent.Path())
			return recent.Path(), recent.Path(), nil
		}
	}

	name := e.namer.Next(subvolume, snaps)
	if err := src.CreateSnapshot(ctx, subvolume, name); err != nil {
		return "", "", err
	}
	slog.Info("Snapshot created", "subvolume", subvolume, "snapshot", name)
	return name, recent.Path(), nil
}

// deploy transfers snapshot name from src to dst unless the snapshot was
// reused and dst already holds it.
func (e *Engine) deploy(ctx context.Context, subvolume, name, previous string, src, dst repository.Repository, known snapshot.Index) error {
	var parents []string
	if previous != "" {
		dstSnaps, err := dst.Snapshots(ctx)
		if err != nil {
			return err
		}
		if name == previous && dstSnaps.Contains(name) {
			slog.Info("Snapshot already deployed", "snapshot", name, "destination", dst.Path())
			return nil
		}
		parents = src.Parents(name, e.namer.Base(subvolume), known, dstSnaps)
	}

	if f, ok := src.(repository.Flusher); ok {
		if err := f.Flush(ctx); err != nil {
			return err
		}
	}

	send, err := src.SendPipeline(name, parents)
	if err != nil {
		return err
	}
	recv, err := dst.RecvPipeline(name)
	if err != nil {
		return err
	}
	stages := append(append([]execute.Stage{}, send...), recv...)

	slog.Info("Deploying snapshot", "snapshot", name, "parents", parents, "destination", dst.Path())
	res, err := e.runner.Pipeline(ctx, stages, execute.Options{
		ReadStderr: src.ReadStderr() && dst.ReadStderr(),
		Tap:        len(send),
	})
	if err != nil {
		return fmt.Errorf("failed to deploy snapshot %s: %w", name, err)
	}
	slog.Info("Snapshot deployed", "snapshot", name, "size", humanize.Bytes(uint64(res.Bytes)), "blake3", res.Blake3)

	if e.recorder == nil {
		return nil
	}
	t := Transfer{
		Subvolume:   subvolume,
		Snapshot:    name,
		Parents:     parents,
		Source:      src.Path(),
		Destination: dst.Path(),
		Bytes:       res.Bytes,
		Blake3:      res.Blake3,
		Time:        e.namer.Now(),
	}
	if err := e.recorder.Record(ctx, t); err != nil {
		return fmt.Errorf("failed to record transfer of %s: %w", name, err)
	}
	return nil
}

// Restore deploys the most recent snapshot of every subvolume from src to
// dst and, unless snapshotsOnly is set, recreates the subvolume from it.
func (e *Engine) Restore(ctx context.Context, subvolumes []string, src, dst repository.Repository, snapshotsOnly bool) error {
	target, native := dst.(*repository.Native)
	if !snapshotsOnly && !native {
		return fmt.Errorf("cannot restore subvolumes into %s: %w", dst.Path(), repository.ErrNotNative)
	}
	snaps, err := src.Snapshots(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, subvolume := range subvolumes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.restoreOne(ctx, subvolume, src, dst, target, snaps, snapshotsOnly); err != nil {
			slog.Error("Subvolume restore failed", "subvolume", subvolume, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) restoreOne(ctx context.Context, subvolume string, src, dst repository.Repository, target *repository.Native, snaps snapshot.Index, snapshotsOnly bool) error {
	subvolume, err := util.RealPath(subvolume)
	if err != nil {
		return fmt.Errorf("failed to resolve subvolume %s: %w", subvolume, err)
	}
	recent, ok := snaps.MostRecent(e.namer.Base(subvolume))
	if !ok {
		return fmt.Errorf("%w for subvolume %q in %q", ErrNoSnapshot, subvolume, src.Path())
	}
	if !snapshotsOnly {
		if info, err := os.Stat(subvolume); err == nil {
			if info.IsDir() {
				return fmt.Errorf("%w: cannot restore subvolume %q: a directory with this name exists", ErrExists, subvolume)
			}
			return fmt.Errorf("%w: cannot restore subvolume %q: it exists and it is not a directory", ErrExists, subvolume)
		}
	}

	name := recent.Path()
	if err := e.deploy(ctx, subvolume, name, name, src, dst, snaps); err != nil {
		return err
	}
	if snapshotsOnly {
		return nil
	}
	if err := target.MakeWritable(ctx, name, subvolume); err != nil {
		return err
	}
	slog.Info("Subvolume restored", "subvolume", subvolume, "snapshot", name)
	return nil
}
