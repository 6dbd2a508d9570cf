// Package job turns configured or command line jobs into opened repositories
// and a ready sync engine.
package job

import (
	"context"
	"fmt"
	"time"

	"brb/internal/btrfs"
	"brb/internal/config"
	"brb/internal/engine"
	"brb/internal/execute"
	"brb/internal/filter"
	"brb/internal/naming"
	"brb/internal/repository"

	"github.com/juju/clock"
)

// Side is one end of a transfer. The remote command and the extension stay
// with the directory they describe when a job is reversed.
type Side struct {
	Dir       string
	Filters   []execute.Command
	Extension string
	RemoteCmd execute.Command
}

type Job struct {
	Name       string
	Src        Side
	Dst        Side
	Subvolumes []string
	KeepFor    time.Duration
	ReadStderr bool
	// Join expands the {file} filter of a file repository once per file.
	Join bool
}

func FromConfig(j *config.Job) (*Job, error) {
	send, err := filter.Parse(j.SendFilters)
	if err != nil {
		return nil, fmt.Errorf("invalid send filter: %w", err)
	}
	recv, err := filter.Parse(j.RecvFilters)
	if err != nil {
		return nil, fmt.Errorf("invalid receive filter: %w", err)
	}
	var remote execute.Command
	if j.RemoteCmd != "" {
		if remote, err = filter.ParseOne(j.RemoteCmd); err != nil {
			return nil, fmt.Errorf("invalid remote command: %w", err)
		}
	}
	keep, err := j.Retention()
	if err != nil {
		return nil, err
	}
	return &Job{
		Name:       j.Name,
		Src:        Side{Dir: j.Source, Filters: send},
		Dst:        Side{Dir: j.Destination, Filters: recv, Extension: j.SnapshotExt, RemoteCmd: remote},
		Subvolumes: j.Subvolumes,
		KeepFor:    keep,
		ReadStderr: j.ReadsStderr(),
	}, nil
}

// Reverse swaps the two sides, so that a backup job describes the matching
// restore and vice versa.
func (j *Job) Reverse() {
	j.Src, j.Dst = j.Dst, j.Src
}

// CheckBackup validates the job for a backup from Src to Dst.
func (j *Job) CheckBackup() error {
	if j.Src.Extension != "" {
		return fmt.Errorf("backup source %s: %w", j.Src.Dir, repository.ErrNotNative)
	}
	if j.Dst.Extension != "" {
		if err := filter.CheckLast(j.Dst.Filters); err != nil {
			return err
		}
	}
	return nil
}

// CheckRestore validates the job for a restore from Src into Dst.
func (j *Job) CheckRestore(snapshotsOnly bool) error {
	if j.Src.Extension != "" {
		if err := filter.CheckFirst(j.Src.Filters); err != nil {
			return err
		}
	}
	if j.Dst.Extension != "" && !snapshotsOnly {
		return fmt.Errorf("restore target %s: %w", j.Dst.Dir, repository.ErrNotNative)
	}
	return nil
}

// Env holds the collaborators shared by every repository of a run.
type Env struct {
	Host   naming.Host
	Runner execute.Runner
	Clock  clock.Clock
	Tool   btrfs.Tool
}

// LocalEnv describes this machine, running real processes against the wall
// clock.
func LocalEnv(tool string) (*Env, error) {
	host, err := naming.LocalHost()
	if err != nil {
		return nil, err
	}
	if tool == "" {
		tool = btrfs.DefaultTool
	}
	return &Env{Host: host, Runner: execute.Exec{}, Clock: clock.WallClock, Tool: btrfs.Tool(tool)}, nil
}

func (e *Env) spec(s Side, j *Job) repository.Spec {
	return repository.Spec{
		Dir:        s.Dir,
		Extension:  s.Extension,
		Filters:    s.Filters,
		RemoteCmd:  s.RemoteCmd,
		Join:       j.Join,
		ReadStderr: j.ReadStderr,
		Tool:       e.Tool,
		Host:       e.Host,
		Runner:     e.Runner,
	}
}

// Open opens the repository described by s.
func (e *Env) Open(ctx context.Context, j *Job, s Side) (repository.Repository, error) {
	return repository.Open(ctx, e.spec(s, j))
}

// OpenNative opens s, which must be a btrfs repository.
func (e *Env) OpenNative(ctx context.Context, j *Job, s Side) (*repository.Native, error) {
	if s.Extension != "" {
		return nil, fmt.Errorf("%s: %w", s.Dir, repository.ErrNotNative)
	}
	return repository.NewNative(ctx, e.spec(s, j))
}

func (e *Env) Namer() *naming.Namer {
	return naming.NewNamer(e.Host, e.Clock)
}

func (e *Env) Engine(rec engine.Recorder) *engine.Engine {
	return engine.New(engine.Config{Namer: e.Namer(), Runner: e.Runner, Recorder: rec})
}
