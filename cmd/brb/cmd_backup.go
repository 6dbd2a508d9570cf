package main

import (
	"context"

	"brb/internal/backup"

	"github.com/urfave/cli/v3"
)

func backupCommand() *cli.Command {
	flags := append(configFlags(), repositoryFlags(false)...)
	flags = append(flags,
		&cli.StringFlag{
			Name: "keep-for",
			Usage: "delete source snapshots older than this after the backup, " +
				"e.g. 12H, 3d, 2w, 6m, 1y (S, M, H, d, w, m = 4w, y = 52w)",
		},
		&cli.BoolFlag{
			Name:  "mirror",
			Usage: "upload the snapshot files of a file destination to S3 afterwards",
		},
	)
	return &cli.Command{
		Name:      "backup",
		Usage:     "Backup one or more subvolumes",
		ArgsUsage: "[source-repo destination-repo]",
		Flags:     flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runBackup(ctx, cmd)
		},
	}
}

func runBackup(ctx context.Context, cmd *cli.Command) error {
	s, err := loadSetup(cmd, false, 2)
	if err != nil {
		return err
	}
	if err := requireTool(s.env); err != nil {
		return err
	}
	backend, err := mirrorBackend(ctx, cmd, s.cfg, "mirror")
	if err != nil {
		return err
	}
	return backup.Run(ctx, backup.Options{
		BaseDir:  s.cfg.BaseDir,
		Job:      s.job,
		Env:      s.env,
		Mirror:   backend,
		LogLevel: logLevel(cmd),
	})
}
