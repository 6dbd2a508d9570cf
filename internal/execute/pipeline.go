package execute

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"brb/internal/digest"
)

// Pipeline connects the stages through OS pipes and waits for all of them.
// Any failing command cancels the remaining ones and fails the pipeline.
func (Exec) Pipeline(ctx context.Context, stages []Stage, opts Options) (*Result, error) {
	if err := validate(stages, opts); err != nil {
		return nil, err
	}
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slog.Debug("Running pipeline", "pipeline", Describe(stages))

	n := len(stages)
	readers := make([]*os.File, n)
	writers := make([]*os.File, n)
	for i := 0; i < n-1; i++ {
		pr, pw, err := os.Pipe()
		if err != nil {
			for j := 0; j < n; j++ {
				if readers[j] != nil {
					readers[j].Close()
				}
				if writers[j] != nil {
					writers[j].Close()
				}
			}
			return nil, fmt.Errorf("failed to create pipe: %w", err)
		}
		writers[i] = pw
		readers[i+1] = pr
	}

	stream := digest.NewStream()
	var stdout bytes.Buffer
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i, stage := range stages {
		var in io.Reader
		switch {
		case i == 0:
			in = opts.Stdin
		case i == opts.Tap:
			in = io.TeeReader(readers[i], stream)
		default:
			in = readers[i]
		}
		var out io.Writer
		switch {
		case i < n-1:
			out = writers[i]
		case opts.ReadStdout:
			out = &stdout
		}

		wg.Add(1)
		go func(i int, stage Stage, in io.Reader, out io.Writer) {
			defer wg.Done()
			defer func() {
				if writers[i] != nil {
					writers[i].Close()
				}
				if readers[i] != nil {
					readers[i].Close()
				}
			}()
			for _, cmd := range stage {
				c := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
				c.Stdin = in
				c.Stdout = out
				var errBuf *bytes.Buffer
				if opts.ReadStderr {
					errBuf = &bytes.Buffer{}
					c.Stderr = errBuf
				}
				if err := c.Run(); err != nil {
					if ctx.Err() == nil {
						slog.Error("Pipeline command failed", "command", cmd.String(), "error", err)
						errs[i] = newError(cmd, err, errBuf)
					}
					cancel()
					return
				}
			}
		}(i, stage, in, out)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("pipeline %q failed: %w", Describe(stages), err)
	}
	if parent.Err() != nil {
		return nil, fmt.Errorf("pipeline %q cancelled: %w", Describe(stages), parent.Err())
	}

	res := &Result{Stdout: stdout.Bytes()}
	if opts.Tap > 0 {
		res.Bytes = stream.Bytes()
		res.Blake3 = stream.Sum()
	}
	return res, nil
}

func validate(stages []Stage, opts Options) error {
	if len(stages) == 0 {
		return fmt.Errorf("%w: no pipeline stages", ErrEmpty)
	}
	for i, stage := range stages {
		if len(stage) == 0 {
			return fmt.Errorf("%w: stage %d has no commands", ErrEmpty, i)
		}
		for _, cmd := range stage {
			if len(cmd) == 0 {
				return fmt.Errorf("%w: stage %d", ErrEmpty, i)
			}
		}
	}
	if opts.Tap < 0 || opts.Tap >= len(stages) {
		return fmt.Errorf("tap %d outside pipeline of %d stages", opts.Tap, len(stages))
	}
	return nil
}
