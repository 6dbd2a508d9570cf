package main

import (
	"context"
	"fmt"
	"os"

	"brb/internal/check"
	"brb/internal/config"
	"brb/internal/job"

	"github.com/urfave/cli/v3"
)

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Verify the configuration, the btrfs binary, every enabled job and S3 access",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to configuration yaml file",
				Value: "brb_config.yaml",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "log debug messages to the console",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			consoleLogging(cmd)
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			env, err := job.LocalEnv(cfg.Btrfs)
			if err != nil {
				return err
			}
			return check.Run(ctx, check.Options{Config: cfg, Env: env, Backend: newBackend}, os.Stdout)
		},
	}
}
