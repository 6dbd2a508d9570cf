// Package execute runs external commands and pipe-connected pipelines of them.
package execute

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"
)

// Command is an argv vector.
type Command []string

func (c Command) String() string {
	return shellquote.Join(c...)
}

// Stage is one step of a pipeline. A stage with more than one command is a
// spring: its commands run one after another and their combined output feeds
// the next stage.
type Stage []Command

func (s Stage) String() string {
	parts := make([]string, len(s))
	for i, c := range s {
		parts[i] = c.String()
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "{ " + strings.Join(parts, "; ") + "; }"
}

// Stages wraps each command into a stage of its own.
func Stages(cmds ...Command) []Stage {
	stages := make([]Stage, len(cmds))
	for i, c := range cmds {
		stages[i] = Stage{c}
	}
	return stages
}

func Describe(stages []Stage) string {
	parts := make([]string, len(stages))
	for i, s := range stages {
		parts[i] = s.String()
	}
	return strings.Join(parts, " | ")
}

type Options struct {
	// ReadStdout collects the standard output of the last stage.
	ReadStdout bool
	// ReadStderr collects standard error for error reports. When false it is
	// discarded, which avoids waiting on descendants that keep it open.
	ReadStderr bool
	Stdin      io.Reader
	// Tap, when positive, counts and hashes the stream entering stage Tap.
	Tap int
}

type Result struct {
	Stdout []byte
	Bytes  int64
	Blake3 string
}

type Runner interface {
	Run(ctx context.Context, cmd Command, opts Options) (*Result, error)
	Pipeline(ctx context.Context, stages []Stage, opts Options) (*Result, error)
}

var ErrEmpty = errors.New("empty command")

// Error reports a command that could not be started or exited non-zero.
type Error struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("command %q failed", e.Command)
	if e.ExitCode >= 0 {
		msg = fmt.Sprintf("%s with exit code %d", msg, e.ExitCode)
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Stderr != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Stderr)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(cmd Command, err error, stderr *bytes.Buffer) *Error {
	e := &Error{Command: cmd.String(), ExitCode: -1, Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		e.ExitCode = exitErr.ExitCode()
	}
	if stderr != nil {
		e.Stderr = strings.TrimSpace(stderr.String())
	}
	return e
}

// Exec runs commands as local processes.
type Exec struct{}

func (Exec) Run(ctx context.Context, cmd Command, opts Options) (*Result, error) {
	if len(cmd) == 0 {
		return nil, ErrEmpty
	}
	slog.Debug("Running command", "command", cmd.String())

	c := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	c.Stdin = opts.Stdin
	var stdout, stderr bytes.Buffer
	if opts.ReadStdout {
		c.Stdout = &stdout
	}
	var errBuf *bytes.Buffer
	if opts.ReadStderr {
		c.Stderr = &stderr
		errBuf = &stderr
	}
	if err := c.Run(); err != nil {
		return nil, newError(cmd, err, errBuf)
	}
	return &Result{Stdout: stdout.Bytes()}, nil
}
