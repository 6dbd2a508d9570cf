package main

import (
	"context"
	"fmt"
	"log/slog"

	"brb/internal/lock"
	"brb/internal/util"

	"github.com/urfave/cli/v3"
)

func purgeCommand() *cli.Command {
	return &cli.Command{
		Name:      "purge",
		Usage:     "Delete snapshots older than the retention period, keeping the newest of each subvolume",
		ArgsUsage: "[repo]",
		Flags: append(configFlags(),
			&cli.StringSliceFlag{
				Name:    "subvolume",
				Aliases: []string{"s"},
				Usage:   "subvolume whose snapshots to purge; can be given multiple times",
			},
			&cli.StringFlag{
				Name:  "keep-for",
				Usage: "retention period, e.g. 12H, 3d, 2w, 6m, 1y",
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runPurge(ctx, cmd)
		},
	}
}

func runPurge(ctx context.Context, cmd *cli.Command) error {
	consoleLogging(cmd)
	s, err := loadSetup(cmd, false, 1)
	if err != nil {
		return err
	}
	if s.job.KeepFor <= 0 {
		return fmt.Errorf("a retention period is required (--keep-for or keep_for)")
	}
	if len(s.job.Subvolumes) == 0 {
		return fmt.Errorf("at least one subvolume must be specified")
	}
	if err := requireTool(s.env); err != nil {
		return err
	}
	if err := util.SetupDirectories(util.RunDir(s.cfg.BaseDir)); err != nil {
		return err
	}
	l, err := lock.Acquire(util.LockPath(s.cfg.BaseDir, s.job.Src.Dir), s.job.Src.Dir, "purge")
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if err := l.Release(); err != nil {
			slog.Warn("Failed to release lock", "error", err)
		}
	}()

	repo, err := s.env.OpenNative(ctx, s.job, s.job.Src)
	if err != nil {
		return err
	}
	return s.env.Engine(nil).Purge(ctx, repo, s.job.Subvolumes, s.job.KeepFor)
}
