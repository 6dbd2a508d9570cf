// Package mirror copies the stream files of a file repository to and from
// object storage.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"brb/internal/digest"
	"brb/internal/remote"
	"brb/internal/repository"

	"github.com/dustin/go-humanize"
)

const defaultWorkers = 4

type Result struct {
	Uploaded   []string `json:"uploaded,omitempty"`
	Downloaded []string `json:"downloaded,omitempty"`
	Skipped    []string `json:"skipped,omitempty"`
}

type Mirror struct {
	repo    *repository.File
	backend remote.Backend
	workers int
}

func New(repo *repository.File, backend remote.Backend, workers int) *Mirror {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Mirror{repo: repo, backend: backend, workers: workers}
}

// Push uploads every snapshot file of the repository whose digest differs
// from the stored object.
func (m *Mirror) Push(ctx context.Context) (*Result, error) {
	snaps, err := m.repo.Snapshots(ctx)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(snaps))
	for _, s := range snaps {
		files = append(files, m.repo.FilePath(s.Path()))
	}
	changed, skipped, err := m.run(ctx, files, m.push)
	return &Result{Uploaded: changed, Skipped: skipped}, err
}

func (m *Mirror) push(ctx context.Context, local string) (bool, error) {
	key := filepath.Base(local)
	hash, err := digest.File(local)
	if err != nil {
		return false, fmt.Errorf("failed to hash %s: %w", local, err)
	}
	info, err := m.backend.Head(ctx, key)
	if err != nil {
		return false, err
	}
	if info != nil && info.Blake3 == hash {
		slog.Debug("Object up to date", "key", key)
		return false, nil
	}
	if err := m.backend.Upload(ctx, local, key, hash); err != nil {
		return false, err
	}
	if st, err := os.Stat(local); err == nil {
		slog.Info("Uploaded snapshot file", "key", key, "size", humanize.Bytes(uint64(st.Size())))
	}
	return true, nil
}

// Pull downloads every stored snapshot file with the repository's extension
// that is missing locally.
func (m *Mirror) Pull(ctx context.Context) (*Result, error) {
	keys, err := m.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, key := range keys {
		if strings.HasSuffix(key, m.repo.Extension()) {
			files = append(files, m.repo.Path(key))
		}
	}
	changed, skipped, err := m.run(ctx, files, m.pull)
	return &Result{Downloaded: changed, Skipped: skipped}, err
}

func (m *Mirror) pull(ctx context.Context, local string) (bool, error) {
	if _, err := os.Stat(local); err == nil {
		return false, nil
	}
	key := filepath.Base(local)
	info, err := m.backend.Head(ctx, key)
	if err != nil {
		return false, err
	}
	if info == nil {
		return false, fmt.Errorf("object %s vanished", key)
	}
	if err := m.backend.Download(ctx, key, local); err != nil {
		return false, err
	}
	if info.Blake3 != "" {
		hash, err := digest.File(local)
		if err != nil {
			return false, err
		}
		if hash != info.Blake3 {
			os.Remove(local)
			return false, fmt.Errorf("%w: %s", digest.ErrMismatch, key)
		}
	}
	slog.Info("Downloaded snapshot file", "key", key)
	return true, nil
}

type outcome struct {
	file    string
	changed bool
	err     error
}

// run applies fn to files on a pool of workers and returns the base names
// of the files fn changed and of those it skipped.
func (m *Mirror) run(ctx context.Context, files []string, fn func(context.Context, string) (bool, error)) ([]string, []string, error) {
	tasks := make(chan string, len(files))
	for _, f := range files {
		tasks <- f
	}
	close(tasks)

	outcomes := make(chan outcome, len(files))
	var wg sync.WaitGroup
	for range m.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range tasks {
				if ctx.Err() != nil {
					outcomes <- outcome{file: f, err: ctx.Err()}
					continue
				}
				changed, err := fn(ctx, f)
				outcomes <- outcome{file: f, changed: changed, err: err}
			}
		}()
	}
	wg.Wait()
	close(outcomes)

	var changed, skipped []string
	var errs []error
	for o := range outcomes {
		name := filepath.Base(o.file)
		switch {
		case o.err != nil:
			slog.Error("Mirror failed", "file", name, "error", o.err)
			errs = append(errs, o.err)
		case o.changed:
			changed = append(changed, name)
		default:
			skipped = append(skipped, name)
		}
	}
	sort.Strings(changed)
	sort.Strings(skipped)
	return changed, skipped, errors.Join(errs...)
}
