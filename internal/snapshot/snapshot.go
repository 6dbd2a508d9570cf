// Package snapshot models the snapshots held by a repository.
package snapshot

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var ErrParse = errors.New("invalid snapshot list")

var listLine = regexp.MustCompile(`^ID [0-9]+ gen ([0-9]+) top level [0-9]+ path (.+)$`)

// Snapshot is a read-only snapshot identified by its path relative to the
// repository directory. Only snapshots listed by btrfs carry a generation.
type Snapshot struct {
	path   string
	gen    uint64
	hasGen bool
}

func New(path string) Snapshot {
	return Snapshot{path: path}
}

func WithGeneration(path string, gen uint64) Snapshot {
	return Snapshot{path: path, gen: gen, hasGen: true}
}

func (s Snapshot) Path() string {
	return s.path
}

func (s Snapshot) Generation() (uint64, bool) {
	return s.gen, s.hasGen
}

func (s Snapshot) String() string {
	if s.hasGen {
		return fmt.Sprintf("%s (gen %d)", s.path, s.gen)
	}
	return s.path
}

// Index is an ordered list of snapshots, ascending by name.
type Index []Snapshot

// ParseListing parses the output of "btrfs subvolume list". Paths are
// returned as reported, relative to the filesystem root.
func ParseListing(output string) (Index, error) {
	var idx Index
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		m := listLine.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("%w: unable to match line %q", ErrParse, line)
		}
		gen, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad generation in line %q: %v", ErrParse, line, err)
		}
		idx = append(idx, WithGeneration(m[2], gen))
	}
	return idx, nil
}

// ForBase returns the snapshots whose name starts with base, in index order.
func (idx Index) ForBase(base string) Index {
	var out Index
	for _, s := range idx {
		if strings.HasPrefix(s.path, base) {
			out = append(out, s)
		}
	}
	return out
}

func (idx Index) MostRecent(base string) (Snapshot, bool) {
	matching := idx.ForBase(base)
	if len(matching) == 0 {
		return Snapshot{}, false
	}
	return matching[len(matching)-1], true
}

func (idx Index) ByName(name string) (Snapshot, bool) {
	for _, s := range idx {
		if s.path == name {
			return s, true
		}
	}
	return Snapshot{}, false
}

func (idx Index) Contains(name string) bool {
	_, ok := idx.ByName(name)
	return ok
}

// Common returns the snapshots present by name in both indexes. Entries are
// taken from the smaller index (idx on a tie) and keep its order.
func (idx Index) Common(other Index) Index {
	small, large := idx, other
	if len(other) < len(idx) {
		small, large = other, idx
	}
	names := make(map[string]struct{}, len(large))
	for _, s := range large {
		names[s.path] = struct{}{}
	}
	var out Index
	for _, s := range small {
		if _, ok := names[s.path]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (idx Index) Names() []string {
	names := make([]string, 0, len(idx))
	for _, s := range idx {
		names = append(names, s.path)
	}
	return names
}
