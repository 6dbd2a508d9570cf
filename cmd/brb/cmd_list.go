package main

import (
	"context"
	"os"

	"brb/internal/list"

	"github.com/urfave/cli/v3"
)

func listCommand() *cli.Command {
	flags := append(configFlags(), repositoryFlags(false)...)
	return &cli.Command{
		Name:      "list",
		Usage:     "List the snapshots of both repositories and the last transfers as JSON",
		ArgsUsage: "[source-repo destination-repo]",
		Flags:     flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			consoleLogging(cmd)
			s, err := loadSetup(cmd, false, 2)
			if err != nil {
				return err
			}
			return list.Run(ctx, list.Options{BaseDir: s.cfg.BaseDir, Job: s.job, Env: s.env}, os.Stdout)
		},
	}
}
