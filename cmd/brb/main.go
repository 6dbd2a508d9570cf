package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"brb/internal/check"
	"brb/internal/execute"

	"github.com/urfave/cli/v3"
)

const (
	exitToolNotFound = 1
	exitExecution    = 2
	exitFailure      = 3
	exitInterrupted  = 130
)

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "brb",
		Usage:   "Btrfs Remote Backup: a simple and fast btrfs-based backup tool",
		Version: "0.1.0",
		// filter commands may contain commas
		DisableSliceFlagSeparator: true,
		Commands: []*cli.Command{
			backupCommand(),
			restoreCommand(),
			purgeCommand(),
			listCommand(),
			diffCommand(),
			checkCommand(),
			mirrorCommand(),
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		code := exitCode(ctx, err)
		if code == exitInterrupted {
			fmt.Fprintln(os.Stderr, "\n⚠ Interrupted by user")
		} else {
			slog.Error("CLI error", "error", err)
		}
		os.Exit(code)
	}
}

func exitCode(ctx context.Context, err error) int {
	var execErr *execute.Error
	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return exitInterrupted
	case errors.Is(err, check.ErrToolNotFound):
		return exitToolNotFound
	case errors.As(err, &execErr):
		return exitExecution
	default:
		return exitFailure
	}
}
