package main

import (
	"context"
	"encoding/json"
	"os"

	"brb/internal/restore"

	"github.com/urfave/cli/v3"
)

func restoreCommand() *cli.Command {
	flags := append(configFlags(), repositoryFlags(true)...)
	flags = append(flags,
		&cli.BoolFlag{
			Name:  "snapshots-only",
			Usage: "restore only the snapshots, not the subvolumes themselves",
		},
		&cli.BoolFlag{
			Name:  "join",
			Usage: "run the first send filter once per snapshot file instead of passing all files to one invocation",
		},
		&cli.BoolFlag{
			Name:  "fetch",
			Usage: "download missing snapshot files of a file source from S3 first",
		},
		&cli.BoolFlag{
			Name:  "dry-run",
			Usage: "show what would be restored without actually restoring",
		},
	)
	return &cli.Command{
		Name:      "restore",
		Usage:     "Restore subvolumes or snapshots from a repository",
		ArgsUsage: "[source-repo destination-repo]",
		Flags:     flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runRestore(ctx, cmd)
		},
	}
}

func runRestore(ctx context.Context, cmd *cli.Command) error {
	s, err := loadSetup(cmd, true, 2)
	if err != nil {
		return err
	}
	s.job.Join = cmd.Bool("join")
	opts := restore.Options{
		BaseDir:       s.cfg.BaseDir,
		Job:           s.job,
		Env:           s.env,
		SnapshotsOnly: cmd.Bool("snapshots-only"),
		LogLevel:      logLevel(cmd),
	}

	if cmd.Bool("dry-run") {
		consoleLogging(cmd)
		items, err := restore.Plan(ctx, opts)
		if err != nil {
			return err
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(items)
	}

	if err := requireTool(s.env); err != nil {
		return err
	}
	if opts.Fetch, err = mirrorBackend(ctx, cmd, s.cfg, "fetch"); err != nil {
		return err
	}
	return restore.Run(ctx, opts)
}
