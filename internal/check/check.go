package check

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"brb/internal/config"
	"brb/internal/job"
	"brb/internal/lock"
	"brb/internal/remote"
	"brb/internal/util"
)

var ErrToolNotFound = errors.New("btrfs binary not found")

// Backends creates the S3 backend of a configuration.
type Backends func(ctx context.Context, s3 config.S3Config, retries int) (remote.Backend, error)

type Options struct {
	Config *config.Config
	Env    *job.Env
	// LookPath defaults to exec.LookPath.
	LookPath func(file string) (string, error)
	Backend  Backends
}

// Run verifies that the btrfs binary exists, that every enabled job's
// repositories can be opened and that the S3 bucket is reachable. Progress
// is reported on w.
func Run(ctx context.Context, opts Options, w io.Writer) error {
	cfg := opts.Config
	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	fmt.Fprintln(w, "config: OK")

	tool := opts.Env.Tool.String()
	path, err := lookPath(tool)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrToolNotFound, tool, err)
	}
	fmt.Fprintf(w, "btrfs %s: OK\n", path)

	for i := range cfg.Jobs {
		c := &cfg.Jobs[i]
		if !c.Enabled {
			fmt.Fprintf(w, "job %s: skipped (disabled)\n", c.Name)
			continue
		}
		j, err := job.FromConfig(c)
		if err != nil {
			return fmt.Errorf("job %s: %w", c.Name, err)
		}
		if err := j.CheckBackup(); err != nil {
			return fmt.Errorf("job %s: %w", c.Name, err)
		}
		src, err := opts.Env.OpenNative(ctx, j, j.Src)
		if err != nil {
			return fmt.Errorf("job %s source: %w", c.Name, err)
		}
		fmt.Fprintf(w, "job %s source %s (root %s): OK\n", c.Name, src.Path(), src.Root())
		owner, err := lock.Read(util.LockPath(cfg.BaseDir, j.Src.Dir))
		if err != nil {
			return fmt.Errorf("job %s lock: %w", c.Name, err)
		}
		if owner != nil {
			fmt.Fprintf(w, "job %s: locked by pid %d (%s since %s)\n", c.Name, owner.Pid, owner.Command, owner.StartedAt.Format(time.RFC3339))
		}
		dst, err := opts.Env.Open(ctx, j, j.Dst)
		if err != nil {
			return fmt.Errorf("job %s destination: %w", c.Name, err)
		}
		if _, err := dst.Snapshots(ctx); err != nil {
			return fmt.Errorf("job %s destination: %w", c.Name, err)
		}
		fmt.Fprintf(w, "job %s destination %s: OK\n", c.Name, dst.Path())
	}

	if cfg.S3.Enabled && opts.Backend != nil {
		if err := remote.CheckStorageClass(cfg.S3.StorageClass); err != nil {
			fmt.Fprintf(w, "S3 storage class: WARNING: %v\n", err)
		}
		backend, err := opts.Backend(ctx, cfg.S3, cfg.S3RetryAttempts())
		if err != nil {
			return fmt.Errorf("S3 init: %w", err)
		}
		if err := backend.VerifyCredentials(ctx); err != nil {
			return fmt.Errorf("S3 credentials: %w", err)
		}
		fmt.Fprintf(w, "S3 bucket %s: OK\n", cfg.S3.Bucket)
	}

	fmt.Fprintln(w, "all checks passed")
	return nil
}
