package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"brb/internal/mirror"
	"brb/internal/repository"

	"github.com/urfave/cli/v3"
)

func mirrorCommand() *cli.Command {
	return &cli.Command{
		Name:  "mirror",
		Usage: "Copy the snapshot files of a job's file destination to or from S3",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to configuration yaml file",
				Value: "brb_config.yaml",
			},
			&cli.StringFlag{
				Name:     "job",
				Usage:    "name of the configured job",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "pull",
				Usage: "download missing files instead of uploading",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "number of parallel transfers",
				Value: 4,
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "log debug messages to the console",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runMirror(ctx, cmd)
		},
	}
}

func runMirror(ctx context.Context, cmd *cli.Command) error {
	consoleLogging(cmd)
	s, err := loadSetup(cmd, false, 2)
	if err != nil {
		return err
	}
	if !s.cfg.S3.Enabled {
		return fmt.Errorf("s3 is not enabled in the config")
	}
	repo, err := s.env.Open(ctx, s.job, s.job.Dst)
	if err != nil {
		return err
	}
	file, ok := repo.(*repository.File)
	if !ok {
		return fmt.Errorf("destination %s is not a file repository (snapshot_ext is not set)", repo.Path())
	}
	backend, err := newBackend(ctx, s.cfg.S3, s.cfg.S3RetryAttempts())
	if err != nil {
		return fmt.Errorf("failed to initialize S3 backend: %w", err)
	}
	if err := backend.VerifyCredentials(ctx); err != nil {
		return fmt.Errorf("AWS credentials verification failed: %w", err)
	}

	m := mirror.New(file, backend, int(cmd.Int("workers")))
	var res *mirror.Result
	if cmd.Bool("pull") {
		res, err = m.Pull(ctx)
	} else {
		res, err = m.Push(ctx)
	}
	if res != nil {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if encErr := encoder.Encode(res); encErr != nil {
			return encErr
		}
	}
	return err
}
