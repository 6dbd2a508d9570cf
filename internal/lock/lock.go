// Package lock keeps two brb processes from working on the same repository.
package lock

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

var ErrLocked = errors.New("repository is locked")

// Owner is the content of a lock file.
type Owner struct {
	Pid        int       `yaml:"pid"`
	Command    string    `yaml:"command"`
	Repository string    `yaml:"repository"`
	StartedAt  time.Time `yaml:"started_at"`
}

func (o Owner) alive() bool {
	if o.Pid <= 0 {
		return false
	}
	err := unix.Kill(o.Pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

type Lock struct {
	path  string
	owner Owner
}

// Acquire creates the lock file at path on behalf of command working on
// repository. A lock left behind by a dead process is reclaimed once.
func Acquire(path, repository, command string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	l := &Lock{path: path, owner: Owner{
		Pid:        os.Getpid(),
		Command:    command,
		Repository: repository,
		StartedAt:  time.Now().UTC().Truncate(time.Second),
	}}
	data, err := yaml.Marshal(l.owner)
	if err != nil {
		return nil, err
	}

	for reclaimed := false; ; reclaimed = true {
		err := create(path, data)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("failed to write lock file %s: %w", path, err)
		}
		held, err := Read(path)
		if err != nil {
			return nil, err
		}
		if held != nil && (reclaimed || held.alive()) {
			return nil, fmt.Errorf("%w: %s held by pid %d (%s since %s)",
				ErrLocked, held.Repository, held.Pid, held.Command, held.StartedAt.Format(time.RFC3339))
		}
		if held != nil {
			slog.Warn("Reclaiming stale lock", "path", path, "pid", held.Pid, "command", held.Command)
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to remove stale lock %s: %w", path, err)
			}
		}
	}
}

func create(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// Read returns the owner recorded in the lock file at path, or nil when
// there is none.
func Read(path string) (*Owner, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var o Owner
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to parse lock file %s: %w", path, err)
	}
	return &o, nil
}

func (l *Lock) Owner() Owner {
	return l.owner
}

// Release removes the lock file. Releasing twice is not an error.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
