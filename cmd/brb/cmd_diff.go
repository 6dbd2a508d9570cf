package main

import (
	"context"
	"fmt"
	"os"

	"brb/internal/util"

	"github.com/urfave/cli/v3"
)

func diffCommand() *cli.Command {
	return &cli.Command{
		Name:      "diff",
		Usage:     "List the files of a subvolume changed since a snapshot",
		ArgsUsage: "[repo]",
		Flags: append(configFlags(),
			&cli.StringSliceFlag{
				Name:     "subvolume",
				Aliases:  []string{"s"},
				Usage:    "subvolume to compare",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "snapshot",
				Usage: "snapshot to compare against (default: the most recent one of the subvolume)",
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runDiff(ctx, cmd)
		},
	}
}

func runDiff(ctx context.Context, cmd *cli.Command) error {
	consoleLogging(cmd)
	s, err := loadSetup(cmd, false, 1)
	if err != nil {
		return err
	}
	if len(s.job.Subvolumes) != 1 {
		return fmt.Errorf("exactly one subvolume must be specified")
	}
	if err := requireTool(s.env); err != nil {
		return err
	}
	repo, err := s.env.OpenNative(ctx, s.job, s.job.Src)
	if err != nil {
		return err
	}

	subvolume, err := util.RealPath(s.job.Subvolumes[0])
	if err != nil {
		return err
	}
	name := cmd.String("snapshot")
	if name == "" {
		snaps, err := repo.Snapshots(ctx)
		if err != nil {
			return err
		}
		recent, ok := snaps.MostRecent(s.env.Namer().Base(subvolume))
		if !ok {
			return fmt.Errorf("no snapshot of %s in %s", subvolume, repo.Path())
		}
		name = recent.Path()
	}

	files, err := repo.Diff(ctx, name, subvolume)
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Fprintln(os.Stdout, f)
	}
	return nil
}
