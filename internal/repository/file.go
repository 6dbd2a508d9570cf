package repository

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"brb/internal/execute"
	"brb/internal/filter"
	"brb/internal/pathcodec"
	"brb/internal/snapshot"
)

// File is a directory holding snapshots as serialized stream files written
// and read through the user's filters.
type File struct {
	base
	ext     string
	join    bool
	pattern *regexp.Regexp
}

func NewFile(s Spec) (*File, error) {
	if s.Extension == "" || strings.HasPrefix(s.Extension, ".") {
		return nil, fmt.Errorf("%w: %q must be non-empty and must not start with a dot", ErrInvalidExtension, s.Extension)
	}
	if len(s.Filters) == 0 {
		return nil, fmt.Errorf("%w containing %s", ErrFilterRequired, filter.FileToken)
	}
	if len(s.RemoteCmd) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrRemoteFile, s.Dir)
	}
	b, err := newBase(s)
	if err != nil {
		return nil, err
	}
	if err := b.checkLocalDir(); err != nil {
		return nil, err
	}
	ext := "." + s.Extension
	pattern := regexp.MustCompile("^" + regexp.QuoteMeta(pathcodec.Encode(s.Host.Prefix())) +
		`.+-[0-9]{4}-[0-9]{2}-[0-9]{2}_[0-9]{2}:[0-9]{2}:[0-9]{2}(-[0-9]+)?` +
		regexp.QuoteMeta(ext) + "$")
	return &File{base: b, ext: ext, join: s.Join, pattern: pattern}, nil
}

// FilePath is the stream file holding snapshot name.
func (f *File) FilePath(name string) string {
	return filepath.Join(f.dir, pathcodec.Encode(name)+f.ext)
}

func (f *File) Extension() string {
	return f.ext
}

// Snapshots scans the directory for stream files created by this host.
func (f *File) Snapshots(_ context.Context) (snapshot.Index, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.dir, err)
	}
	var idx snapshot.Index
	for _, e := range entries {
		if e.IsDir() || !f.pattern.MatchString(e.Name()) {
			continue
		}
		name, err := pathcodec.Decode(strings.TrimSuffix(e.Name(), f.ext))
		if err != nil {
			slog.Warn("Skipping undecodable snapshot file", "file", e.Name(), "error", err)
			continue
		}
		idx = append(idx, snapshot.New(name))
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return idx[i].Path() < idx[j].Path()
	})
	return idx, nil
}

// Parents returns every older stream of base, which together with the
// snapshot's own stream rebuilds it on the receiving side.
// TODO: stop at the most recent full stream once the journal records which
// streams were sent without parents.
func (f *File) Parents(name, base string, known, _ snapshot.Index) []string {
	var parents []string
	for _, s := range known.ForBase(base) {
		if s.Path() != name {
			parents = append(parents, s.Path())
		}
	}
	return parents
}

func (f *File) SendPipeline(name string, parents []string) ([]execute.Stage, error) {
	files := make([]string, 0, len(parents)+1)
	for _, p := range parents {
		files = append(files, f.FilePath(p))
	}
	files = append(files, f.FilePath(name))

	if f.join {
		spring, err := filter.Spring(f.filters[0], files)
		if err != nil {
			return nil, err
		}
		return append([]execute.Stage{spring}, execute.Stages(f.filters[1:]...)...), nil
	}
	cmds, err := filter.Replace(f.filters, files)
	if err != nil {
		return nil, err
	}
	return execute.Stages(cmds...), nil
}

func (f *File) RecvPipeline(name string) ([]execute.Stage, error) {
	cmds, err := filter.Replace(f.filters, []string{f.FilePath(name)})
	if err != nil {
		return nil, err
	}
	return execute.Stages(cmds...), nil
}

var (
	_ Repository = (*File)(nil)
	_ Repository = (*Native)(nil)
	_ Flusher    = (*Native)(nil)
)
