// Package btrfs builds btrfs(8) command lines and parses their output.
package btrfs

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"brb/internal/execute"
)

const DefaultTool = "btrfs"

var ErrParse = errors.New("unexpected btrfs output")

var (
	findNewLine = regexp.MustCompile(`^inode [0-9]+ file offset [0-9]+ len [0-9]+ disk start [0-9]+ offset [0-9]+ gen ([0-9]+) flags [A-Z_|]+ (.+)$`)
	rootSuffix  = "is btrfs root"
	transidMark = "transid marker"
)

// Tool is the path of the btrfs binary.
type Tool string

func (t Tool) bin() string {
	if t == "" {
		return DefaultTool
	}
	return string(t)
}

func (t Tool) String() string {
	return t.bin()
}

func (t Tool) cmd(args ...string) execute.Command {
	return append(execute.Command{t.bin()}, args...)
}

func (t Tool) Create(subvolume string) execute.Command {
	return t.cmd("subvolume", "create", subvolume)
}

func (t Tool) Delete(subvolume string) execute.Command {
	return t.cmd("subvolume", "delete", subvolume)
}

func (t Tool) Show(dir string) execute.Command {
	return t.cmd("subvolume", "show", dir)
}

// Snapshot snapshots src to dst, read-only unless writable is set.
func (t Tool) Snapshot(src, dst string, writable bool) execute.Command {
	if writable {
		return t.cmd("subvolume", "snapshot", src, dst)
	}
	return t.cmd("subvolume", "snapshot", "-r", src, dst)
}

func (t Tool) Sync(fs string) execute.Command {
	return t.cmd("filesystem", "sync", fs)
}

// Send serializes snapshot; every parent is offered as a clone source.
func (t Tool) Send(snapshot string, parents ...string) execute.Command {
	cmd := t.cmd("send")
	for _, p := range parents {
		cmd = append(cmd, "-c", p)
	}
	return append(cmd, snapshot)
}

func (t Tool) Receive(dir string) execute.Command {
	return t.cmd("receive", dir)
}

// List lists read-only subvolumes below dir, sorted by path.
func (t Tool) List(dir string) execute.Command {
	return t.cmd("subvolume", "list", "--sort=path", "-r", "-o", dir)
}

func (t Tool) FindNew(subvolume string, gen uint64) execute.Command {
	return t.cmd("subvolume", "find-new", subvolume, strconv.FormatUint(gen, 10))
}

// IsRoot reports whether "btrfs subvolume show" output identifies the
// filesystem root. Ordinary directories and subvolumes print something else.
func IsRoot(output string) bool {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	return len(lines) == 1 && strings.HasSuffix(strings.TrimSpace(lines[0]), rootSuffix)
}

// Change is one extent reported by "btrfs subvolume find-new".
type Change struct {
	Gen  uint64
	Path string
}

// ParseFindNew parses find-new output, skipping the trailing transid marker.
func ParseFindNew(output string) ([]Change, error) {
	var changes []Change
	for _, line := range strings.Split(output, "\n") {
		if line == "" || strings.HasPrefix(line, transidMark) {
			continue
		}
		m := findNewLine.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("%w: unable to match find-new line %q", ErrParse, line)
		}
		gen, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad generation in %q", ErrParse, line)
		}
		changes = append(changes, Change{Gen: gen, Path: m[2]})
	}
	return changes, nil
}

// ChangedFiles returns the distinct paths of changes in order of appearance.
func ChangedFiles(changes []Change) []string {
	seen := make(map[string]bool, len(changes))
	var files []string
	for _, c := range changes {
		if !seen[c.Path] {
			seen[c.Path] = true
			files = append(files, c.Path)
		}
	}
	return files
}
