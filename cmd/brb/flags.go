package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"brb/internal/check"
	"brb/internal/config"
	"brb/internal/filter"
	"brb/internal/job"
	"brb/internal/logging"
	"brb/internal/remote"
	"brb/internal/util"

	"github.com/urfave/cli/v3"
)

const defaultBaseDir = "/var/lib/brb"

func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "path to configuration yaml file",
			Value: "brb_config.yaml",
		},
		&cli.StringFlag{
			Name:  "job",
			Usage: "name of the configured job; without it the repositories are taken from the arguments",
		},
		&cli.StringFlag{
			Name:  "base-dir",
			Usage: "directory for logs, locks and the transfer journal",
			Value: defaultBaseDir,
		},
		&cli.StringFlag{
			Name:  "btrfs",
			Usage: "path to the btrfs binary",
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "log debug messages to the console",
		},
	}
}

func repositoryFlags(restore bool) []cli.Flag {
	extUsage := "extension of the snapshot files to create; the last receive filter must contain {file}"
	if restore {
		extUsage = "extension of the snapshot files to read; the first send filter must contain {file}"
	}
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "subvolume",
			Aliases: []string{"s"},
			Usage:   "subvolume to include; can be given multiple times",
		},
		&cli.StringSliceFlag{
			Name:  "send-filter",
			Usage: "filter command applied when sending; can be given multiple times",
		},
		&cli.StringSliceFlag{
			Name:  "recv-filter",
			Usage: "filter command applied when receiving; can be given multiple times",
		},
		&cli.StringFlag{
			Name:  "snapshot-ext",
			Usage: extUsage,
		},
		&cli.StringFlag{
			Name:  "remote-cmd",
			Usage: `command running btrfs on the destination host, e.g. "/usr/bin/ssh server"`,
		},
		&cli.BoolFlag{
			Name:  "no-read-stderr",
			Usage: "do not read stderr of the commands; helps with remote commands leaving children behind",
		},
		&cli.BoolFlag{
			Name:  "reverse",
			Usage: "swap the source and destination repositories as well as the send and receive filters",
		},
	}
}

func logLevel(cmd *cli.Command) slog.Level {
	if cmd.Bool("debug") {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// consoleLogging is used by the commands that do not write a log file.
func consoleLogging(cmd *cli.Command) {
	slog.SetDefault(logging.NewConsoleLogger(logLevel(cmd)))
}

// setup is what every command works with: the effective configuration, the
// job to run and the environment to run it in.
type setup struct {
	cfg *config.Config
	job *job.Job
	env *job.Env
}

// loadSetup builds the job either from the configuration (--job) or from
// the two repository arguments and the flags. A restore reverses the
// configured job, so the backup destination becomes the restore source.
func loadSetup(cmd *cli.Command, restore bool, repos int) (*setup, error) {
	var (
		cfg *config.Config
		j   *job.Job
		err error
	)
	if name := cmd.String("job"); name != "" {
		if cfg, err = config.Load(cmd.String("config")); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		c, err := cfg.FindJob(name)
		if err != nil {
			return nil, err
		}
		if !c.Enabled && !restore {
			return nil, fmt.Errorf("job is disabled: %s", name)
		}
		if j, err = job.FromConfig(c); err != nil {
			return nil, err
		}
		if restore {
			j.Reverse()
		}
		if err := applyOverrides(cmd, j); err != nil {
			return nil, err
		}
		if cmd.Bool("reverse") {
			j.Reverse()
		}
		if cmd.IsSet("base-dir") {
			cfg.BaseDir = cmd.String("base-dir")
		}
	} else {
		cfg = &config.Config{BaseDir: cmd.String("base-dir")}
		if j, err = jobFromArgs(cmd, restore, repos); err != nil {
			return nil, err
		}
	}
	if cmd.IsSet("btrfs") {
		cfg.Btrfs = cmd.String("btrfs")
	}

	env, err := job.LocalEnv(cfg.Btrfs)
	if err != nil {
		return nil, err
	}
	return &setup{cfg: cfg, job: j, env: env}, nil
}

func applyOverrides(cmd *cli.Command, j *job.Job) error {
	for _, name := range []string{"snapshot-ext", "remote-cmd"} {
		if cmd.IsSet(name) {
			return fmt.Errorf("--%s cannot be combined with --job", name)
		}
	}
	if cmd.IsSet("subvolume") {
		j.Subvolumes = cmd.StringSlice("subvolume")
	}
	if cmd.IsSet("send-filter") {
		send, err := filter.Parse(cmd.StringSlice("send-filter"))
		if err != nil {
			return err
		}
		j.Src.Filters = send
	}
	if cmd.IsSet("recv-filter") {
		recv, err := filter.Parse(cmd.StringSlice("recv-filter"))
		if err != nil {
			return err
		}
		j.Dst.Filters = recv
	}
	if cmd.Bool("no-read-stderr") {
		j.ReadStderr = false
	}
	if cmd.IsSet("keep-for") {
		keep, err := util.ParseDuration(cmd.String("keep-for"))
		if err != nil {
			return err
		}
		j.KeepFor = keep
	}
	return nil
}

// jobFromArgs builds a job from "<source-repo> [destination-repo]". The
// remote command always applies to the destination, the snapshot extension
// to the destination of a backup and the source of a restore.
func jobFromArgs(cmd *cli.Command, restore bool, repos int) (*job.Job, error) {
	if cmd.Args().Len() != repos {
		if repos == 1 {
			return nil, fmt.Errorf("expected <repo> or --job")
		}
		return nil, fmt.Errorf("expected <source-repo> <destination-repo> or --job")
	}
	send, err := filter.Parse(cmd.StringSlice("send-filter"))
	if err != nil {
		return nil, err
	}
	recv, err := filter.Parse(cmd.StringSlice("recv-filter"))
	if err != nil {
		return nil, err
	}
	src := job.Side{Dir: cmd.Args().Get(0), Filters: send}
	dst := job.Side{Dir: cmd.Args().Get(repos - 1), Filters: recv}
	if cmd.Bool("reverse") {
		src.Dir, dst.Dir = dst.Dir, src.Dir
		src.Filters, dst.Filters = dst.Filters, src.Filters
	}
	if rc := cmd.String("remote-cmd"); rc != "" {
		if dst.RemoteCmd, err = filter.ParseOne(rc); err != nil {
			return nil, err
		}
	}
	if ext := cmd.String("snapshot-ext"); ext != "" {
		if restore {
			src.Extension = ext
		} else {
			dst.Extension = ext
		}
	}

	j := &job.Job{
		Src:        src,
		Dst:        dst,
		Subvolumes: cmd.StringSlice("subvolume"),
		ReadStderr: !cmd.Bool("no-read-stderr"),
	}
	if cmd.IsSet("keep-for") {
		if j.KeepFor, err = util.ParseDuration(cmd.String("keep-for")); err != nil {
			return nil, err
		}
	}
	return j, nil
}

// requireTool fails early when the btrfs binary cannot be found locally.
func requireTool(env *job.Env) error {
	if _, err := exec.LookPath(env.Tool.String()); err != nil {
		return fmt.Errorf("%w: %s", check.ErrToolNotFound, env.Tool)
	}
	return nil
}

func newBackend(ctx context.Context, s3 config.S3Config, retries int) (remote.Backend, error) {
	return remote.NewS3(ctx, remote.Options{
		Bucket:       s3.Bucket,
		Region:       s3.Region,
		Prefix:       s3.Prefix,
		Endpoint:     s3.Endpoint,
		StorageClass: s3.StorageClass,
		MaxAttempts:  retries,
	})
}

// mirrorBackend returns the S3 backend when the configuration enables it and
// the command asked for it.
func mirrorBackend(ctx context.Context, cmd *cli.Command, cfg *config.Config, flag string) (remote.Backend, error) {
	if !cmd.Bool(flag) {
		return nil, nil
	}
	if !cfg.S3.Enabled {
		return nil, fmt.Errorf("--%s requires s3 to be enabled in the config", flag)
	}
	backend, err := newBackend(ctx, cfg.S3, cfg.S3RetryAttempts())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 backend: %w", err)
	}
	if err := backend.VerifyCredentials(ctx); err != nil {
		return nil, fmt.Errorf("AWS credentials verification failed: %w", err)
	}
	return backend, nil
}
