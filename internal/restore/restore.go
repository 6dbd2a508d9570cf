package restore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"brb/internal/engine"
	"brb/internal/job"
	"brb/internal/lock"
	"brb/internal/mirror"
	"brb/internal/remote"
	"brb/internal/repository"
	"brb/internal/util"
)

type Options struct {
	BaseDir       string
	Job           *job.Job
	Env           *job.Env
	SnapshotsOnly bool
	// Fetch downloads missing snapshot files of a file source before the
	// restore. Nil disables fetching.
	Fetch    remote.Backend
	LogLevel slog.Level
}

// Item is the snapshot a restore would deploy for one subvolume.
type Item struct {
	Subvolume string `json:"subvolume"`
	Snapshot  string `json:"snapshot"`
	Source    string `json:"source"`
}

func Run(ctx context.Context, opts Options) error {
	j := opts.Job
	if len(j.Subvolumes) == 0 {
		return fmt.Errorf("at least one subvolume must be specified")
	}
	if err := j.CheckRestore(opts.SnapshotsOnly); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("restore cancelled before start: %w", ctx.Err())
	}

	if err := util.SetupDirectories(opts.BaseDir, util.RunDir(opts.BaseDir)); err != nil {
		return err
	}
	logger, logFile, err := util.SetupLogging(util.LogPath(opts.BaseDir, opts.Env.Clock.Now()), opts.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logFile.Close()
	slog.SetDefault(logger)
	slog.Info("Restore started", "source", j.Src.Dir, "destination", j.Dst.Dir,
		"subvolumes", strings.Join(j.Subvolumes, ","), "snapshotsOnly", opts.SnapshotsOnly)

	l, err := lock.Acquire(util.LockPath(opts.BaseDir, j.Dst.Dir), j.Dst.Dir, "restore")
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if err := l.Release(); err != nil {
			slog.Warn("Failed to release lock", "error", err)
		}
	}()

	src, dst, err := open(ctx, opts)
	if err != nil {
		return err
	}

	if opts.Fetch != nil {
		if err := fetch(ctx, src, opts.Fetch); err != nil {
			return err
		}
	}

	if err := opts.Env.Engine(nil).Restore(ctx, j.Subvolumes, src, dst, opts.SnapshotsOnly); err != nil {
		slog.Error("Restore failed", "error", err)
		return err
	}
	slog.Info("Restore completed")
	return nil
}

// Plan returns the snapshots Run would restore without touching anything.
func Plan(ctx context.Context, opts Options) ([]Item, error) {
	j := opts.Job
	src, err := opts.Env.Open(ctx, j, j.Src)
	if err != nil {
		return nil, fmt.Errorf("failed to open source repository: %w", err)
	}
	snaps, err := src.Snapshots(ctx)
	if err != nil {
		return nil, err
	}
	namer := opts.Env.Namer()
	items := make([]Item, 0, len(j.Subvolumes))
	for _, subvolume := range j.Subvolumes {
		subvolume, err := util.RealPath(subvolume)
		if err != nil {
			return nil, err
		}
		recent, ok := snaps.MostRecent(namer.Base(subvolume))
		if !ok {
			return nil, fmt.Errorf("%w for subvolume %q in %q", engine.ErrNoSnapshot, subvolume, src.Path())
		}
		items = append(items, Item{Subvolume: subvolume, Snapshot: recent.Path(), Source: src.Path()})
	}
	return items, nil
}

func open(ctx context.Context, opts Options) (repository.Repository, repository.Repository, error) {
	j := opts.Job
	src, err := opts.Env.Open(ctx, j, j.Src)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open source repository: %w", err)
	}
	dst, err := opts.Env.Open(ctx, j, j.Dst)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open destination repository: %w", err)
	}
	return src, dst, nil
}

func fetch(ctx context.Context, src repository.Repository, backend remote.Backend) error {
	file, ok := src.(*repository.File)
	if !ok {
		slog.Warn("Fetch skipped, source is not a file repository", "source", src.Path())
		return nil
	}
	res, err := mirror.New(file, backend, 0).Pull(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch snapshots: %w", err)
	}
	slog.Info("Fetch completed", "downloaded", len(res.Downloaded), "skipped", len(res.Skipped))
	return nil
}
