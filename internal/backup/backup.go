package backup

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"brb/internal/engine"
	"brb/internal/job"
	"brb/internal/journal"
	"brb/internal/lock"
	"brb/internal/mirror"
	"brb/internal/remote"
	"brb/internal/repository"
	"brb/internal/util"
)

type Options struct {
	BaseDir string
	Job     *job.Job
	Env     *job.Env
	// Mirror receives the snapshot files of a file destination once the
	// backup succeeded. Nil disables mirroring.
	Mirror   remote.Backend
	LogLevel slog.Level
}

func Run(ctx context.Context, opts Options) error {
	j := opts.Job
	if len(j.Subvolumes) == 0 {
		return fmt.Errorf("at least one subvolume must be specified")
	}
	if err := j.CheckBackup(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("backup cancelled before start: %w", ctx.Err())
	}

	if err := util.SetupDirectories(opts.BaseDir, util.RunDir(opts.BaseDir), util.JournalDir(opts.BaseDir)); err != nil {
		return err
	}

	logger, logFile, err := util.SetupLogging(util.LogPath(opts.BaseDir, opts.Env.Clock.Now()), opts.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logFile.Close()
	slog.SetDefault(logger)
	slog.Info("Backup started", "job", j.Name, "source", j.Src.Dir, "destination", j.Dst.Dir,
		"subvolumes", strings.Join(j.Subvolumes, ","))

	l, err := lock.Acquire(util.LockPath(opts.BaseDir, j.Src.Dir), j.Src.Dir, "backup")
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if err := l.Release(); err != nil {
			slog.Warn("Failed to release lock", "error", err)
		}
	}()

	src, err := opts.Env.OpenNative(ctx, j, j.Src)
	if err != nil {
		return fmt.Errorf("failed to open source repository: %w", err)
	}
	dst, err := opts.Env.Open(ctx, j, j.Dst)
	if err != nil {
		return fmt.Errorf("failed to open destination repository: %w", err)
	}

	e := opts.Env.Engine(journal.NewStore(util.JournalDir(opts.BaseDir)))
	syncErr := e.Sync(ctx, j.Subvolumes, src, dst, engine.SyncOptions{
		Purge:   j.KeepFor > 0,
		KeepFor: j.KeepFor,
	})
	if syncErr != nil {
		slog.Error("Backup failed", "job", j.Name, "error", syncErr)
		return syncErr
	}

	if opts.Mirror != nil {
		if err := push(ctx, dst, opts.Mirror); err != nil {
			return err
		}
	}

	slog.Info("Backup completed", "job", j.Name)
	return nil
}

func push(ctx context.Context, dst repository.Repository, backend remote.Backend) error {
	file, ok := dst.(*repository.File)
	if !ok {
		slog.Warn("Mirroring skipped, destination is not a file repository", "destination", dst.Path())
		return nil
	}
	res, err := mirror.New(file, backend, 0).Push(ctx)
	if err != nil {
		return fmt.Errorf("failed to mirror snapshots: %w", err)
	}
	slog.Info("Mirror completed", "uploaded", len(res.Uploaded), "skipped", len(res.Skipped))
	return nil
}
