package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"brb/internal/repository"
	"brb/internal/util"
)

// Purge deletes snapshots of the subvolumes older than keepFor from repo.
// The most recent snapshot of each subvolume is always kept.
func (e *Engine) Purge(ctx context.Context, repo *repository.Native, subvolumes []string, keepFor time.Duration) error {
	snaps, err := repo.Snapshots(ctx)
	if err != nil {
		return err
	}
	now := e.namer.Now()
	for _, subvolume := range subvolumes {
		subvolume, err := util.RealPath(subvolume)
		if err != nil {
			return fmt.Errorf("failed to resolve subvolume: %w", err)
		}
		matching := snaps.ForBase(e.namer.Base(subvolume))
		if len(matching) == 0 {
			continue
		}
		for _, s := range matching[:len(matching)-1] {
			created, err := e.namer.Created(subvolume, s.Path())
			if err != nil {
				slog.Warn("Skipping snapshot with unreadable timestamp", "snapshot", s.Path(), "error", err)
				continue
			}
			if !created.Add(keepFor).Before(now) {
				continue
			}
			if err := repo.Delete(ctx, s.Path()); err != nil {
				return err
			}
			slog.Info("Snapshot purged", "snapshot", s.Path(), "created", created.Format(time.RFC3339))
		}
	}
	return nil
}
