// Package journal keeps the record of the last transfer of every subvolume.
package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"brb/internal/engine"
	"brb/internal/pathcodec"

	"gopkg.in/yaml.v3"
)

type Entry struct {
	Datetime    int64    `yaml:"datetime" json:"datetime"`
	Subvolume   string   `yaml:"subvolume" json:"subvolume"`
	Snapshot    string   `yaml:"snapshot" json:"snapshot"`
	Parents     []string `yaml:"parents,omitempty" json:"parents,omitempty"`
	Source      string   `yaml:"source" json:"source"`
	Destination string   `yaml:"destination" json:"destination"`
	Bytes       int64    `yaml:"bytes" json:"bytes"`
	Blake3Hash  string   `yaml:"blake3_hash" json:"blake3_hash"`
}

// Store writes one YAML file per subvolume into a directory.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(subvolume string) string {
	return filepath.Join(s.dir, pathcodec.Encode(subvolume)+".yaml")
}

func (s *Store) Record(_ context.Context, t engine.Transfer) error {
	entry := &Entry{
		Datetime:    t.Time.Unix(),
		Subvolume:   t.Subvolume,
		Snapshot:    t.Snapshot,
		Parents:     t.Parents,
		Source:      t.Source,
		Destination: t.Destination,
		Bytes:       t.Bytes,
		Blake3Hash:  t.Blake3,
	}
	return Write(s.path(t.Subvolume), entry)
}

// Last returns the last transfer of subvolume, or nil if there is none.
func (s *Store) Last(subvolume string) (*Entry, error) {
	entry, err := Read(s.path(subvolume))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return entry, err
}

// All returns the last transfer of every recorded subvolume.
func (s *Store) All() ([]*Entry, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []*Entry
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".yaml") {
			continue
		}
		entry, err := Read(filepath.Join(s.dir, f.Name()))
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Subvolume < entries[j].Subvolume
	})
	return entries, nil
}

func Write(filename string, e *Entry) error {
	data, err := yaml.Marshal(e)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filename)
}

func Read(filename string) (*Entry, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := yaml.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to parse journal %s: %w", filename, err)
	}
	return &e, nil
}

var _ engine.Recorder = (*Store)(nil)
