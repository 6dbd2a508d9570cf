// Package btrfstest simulates btrfs(8) and a few filter programs behind
// execute.Runner so repositories and the engine can be tested without root.
//
// Subvolumes live in memory; every subvolume also gets a real directory so
// callers inspecting the local file system see what btrfs would create.
// Filters that name files (cat, dd, tee) operate on real files.
package btrfstest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"brb/internal/digest"
	"brb/internal/execute"
)

type Subvolume struct {
	ID       uint64
	Gen      uint64
	ReadOnly bool
	Files    map[string]File
}

type File struct {
	Data string
	Gen  uint64
}

// FS is one simulated btrfs file system mounted at Root.
type FS struct {
	Root    string
	gen     uint64
	nextID  uint64
	subvols map[string]*Subvolume
}

func (fs *FS) rel(path string) string {
	r, _ := filepath.Rel(fs.Root, path)
	return r
}

// Machine dispatches commands to the file systems mounted on it.
type Machine struct {
	mu       sync.Mutex
	tool     string
	remote   []string
	fss      []*FS
	failures map[string]string

	Calls     []execute.Command
	Pipelines [][]execute.Stage
}

func New() *Machine {
	return &Machine{tool: "btrfs", failures: map[string]string{}}
}

// StripRemote removes prefix from commands starting with it, as if they had
// been forwarded to this machine.
func (m *Machine) StripRemote(prefix ...string) {
	m.remote = prefix
}

// Mount adds a file system at root. root must be an existing directory.
func (m *Machine) Mount(root string) *FS {
	m.mu.Lock()
	defer m.mu.Unlock()
	fs := &FS{Root: filepath.Clean(root), gen: 5, nextID: 256, subvols: map[string]*Subvolume{}}
	m.fss = append(m.fss, fs)
	return fs
}

// Fail makes every command whose string form contains substr exit 1 with stderr.
func (m *Machine) Fail(substr, stderr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[substr] = stderr
}

func (m *Machine) fsFor(path string) *FS {
	path = filepath.Clean(path)
	var best *FS
	for _, fs := range m.fss {
		if path == fs.Root || strings.HasPrefix(path, fs.Root+string(filepath.Separator)) {
			if best == nil || len(fs.Root) > len(best.Root) {
				best = fs
			}
		}
	}
	return best
}

// CreateSubvolume creates a writable subvolume at path.
func (m *Machine) CreateSubvolume(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.create(path, &Subvolume{Files: map[string]File{}})
}

func (m *Machine) create(path string, sv *Subvolume) error {
	path = filepath.Clean(path)
	fs := m.fsFor(path)
	if fs == nil {
		return fmt.Errorf("ERROR: not a btrfs filesystem: %s", path)
	}
	if _, ok := fs.subvols[path]; ok {
		return fmt.Errorf("ERROR: target path already exists: %s", path)
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("ERROR: target path already exists: %s", path)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	fs.gen++
	fs.nextID++
	sv.ID = fs.nextID
	sv.Gen = fs.gen
	fs.subvols[path] = sv
	return nil
}

// WriteFile writes a file into the subvolume at path.
func (m *Machine) WriteFile(subvolume, name, data string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fs, sv := m.lookup(subvolume)
	if sv == nil {
		return fmt.Errorf("no subvolume at %s", subvolume)
	}
	if sv.ReadOnly {
		return fmt.Errorf("subvolume %s is read-only", subvolume)
	}
	fs.gen++
	sv.Files[name] = File{Data: data, Gen: fs.gen}
	sv.Gen = fs.gen
	return nil
}

func (m *Machine) lookup(path string) (*FS, *Subvolume) {
	path = filepath.Clean(path)
	fs := m.fsFor(path)
	if fs == nil {
		return nil, nil
	}
	return fs, fs.subvols[path]
}

// Subvolume returns a copy of the subvolume at path.
func (m *Machine) Subvolume(path string) (Subvolume, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, sv := m.lookup(path)
	if sv == nil {
		return Subvolume{}, false
	}
	c := *sv
	c.Files = make(map[string]File, len(sv.Files))
	for k, v := range sv.Files {
		c.Files[k] = v
	}
	return c, true
}

// SubvolumesIn returns the base names of the subvolumes directly in dir.
func (m *Machine) SubvolumesIn(dir string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir = filepath.Clean(dir)
	var names []string
	for _, fs := range m.fss {
		for path := range fs.subvols {
			if filepath.Dir(path) == dir {
				names = append(names, filepath.Base(path))
			}
		}
	}
	sort.Strings(names)
	return names
}

type failure struct {
	code   int
	stderr string
}

func (f *failure) Error() string {
	return f.stderr
}

func (m *Machine) isTool(bin string) bool {
	return filepath.Base(bin) == m.tool
}

func (m *Machine) strip(cmd execute.Command) execute.Command {
	if len(m.remote) == 0 || len(cmd) < len(m.remote) {
		return cmd
	}
	for i, p := range m.remote {
		if cmd[i] != p {
			return cmd
		}
	}
	return cmd[len(m.remote):]
}

func (m *Machine) execError(cmd execute.Command, err error, opts execute.Options) error {
	e := &execute.Error{Command: cmd.String(), ExitCode: 1, Err: err}
	if f, ok := err.(*failure); ok {
		e.ExitCode = f.code
	}
	if opts.ReadStderr {
		e.Stderr = err.Error()
	}
	return e
}

func (m *Machine) injected(cmd execute.Command) error {
	s := cmd.String()
	for substr, stderr := range m.failures {
		if strings.Contains(s, substr) {
			return &failure{code: 1, stderr: stderr}
		}
	}
	return nil
}

func (m *Machine) Run(ctx context.Context, cmd execute.Command, opts execute.Options) (*execute.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.Calls = append(m.Calls, cmd)
	if err := m.injected(cmd); err != nil {
		return nil, m.execError(cmd, err, opts)
	}
	out, err := m.btrfs(m.strip(cmd))
	if err != nil {
		return nil, m.execError(cmd, err, opts)
	}
	res := &execute.Result{}
	if opts.ReadStdout {
		res.Stdout = []byte(out)
	}
	return res, nil
}

func (m *Machine) btrfs(cmd execute.Command) (string, error) {
	if len(cmd) < 2 || !m.isTool(cmd[0]) {
		return "", &failure{code: 127, stderr: fmt.Sprintf("%v: command not found", cmd)}
	}
	args := cmd[1:]
	switch {
	case len(args) == 3 && args[0] == "subvolume" && args[1] == "show":
		return m.show(args[2])
	case len(args) == 3 && args[0] == "subvolume" && args[1] == "create":
		return "", m.create(args[2], &Subvolume{Files: map[string]File{}})
	case len(args) == 3 && args[0] == "subvolume" && args[1] == "delete":
		return m.delete(args[2])
	case len(args) >= 4 && args[0] == "subvolume" && args[1] == "snapshot":
		return m.snapshot(args[2:])
	case len(args) == 6 && args[0] == "subvolume" && args[1] == "list":
		return m.list(args[5])
	case len(args) == 4 && args[0] == "subvolume" && args[1] == "find-new":
		return m.findNew(args[2], args[3])
	case len(args) == 3 && args[0] == "filesystem" && args[1] == "sync":
		if m.fsFor(args[2]) == nil {
			return "", &failure{code: 1, stderr: "ERROR: not a btrfs filesystem: " + args[2]}
		}
		return "", nil
	}
	return "", &failure{code: 1, stderr: fmt.Sprintf("unsupported btrfs invocation %v", args)}
}

func (m *Machine) show(dir string) (string, error) {
	dir = filepath.Clean(dir)
	fs := m.fsFor(dir)
	if fs == nil {
		return "", &failure{code: 1, stderr: "ERROR: not a btrfs filesystem: " + dir}
	}
	if dir == fs.Root {
		return dir + " is btrfs root\n", nil
	}
	if sv, ok := fs.subvols[dir]; ok {
		return fmt.Sprintf("%s\n\tName: \t\t\t%s\n\tSubvolume ID: \t\t%d\n\tGeneration: \t\t%d\n",
			fs.rel(dir), filepath.Base(dir), sv.ID, sv.Gen), nil
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", &failure{code: 1, stderr: "ERROR: cannot access " + dir}
	}
	return "ERROR: " + dir + " is not a subvolume\n", nil
}

func (m *Machine) delete(path string) (string, error) {
	fs, sv := m.lookup(path)
	if sv == nil {
		return "", &failure{code: 1, stderr: "ERROR: not a subvolume: " + path}
	}
	delete(fs.subvols, filepath.Clean(path))
	return "", os.RemoveAll(path)
}

func (m *Machine) snapshot(args []string) (string, error) {
	readOnly := false
	if args[0] == "-r" {
		readOnly = true
		args = args[1:]
	}
	if len(args) != 2 {
		return "", &failure{code: 1, stderr: "ERROR: bad snapshot arguments"}
	}
	srcFS, src := m.lookup(args[0])
	if src == nil {
		return "", &failure{code: 1, stderr: "ERROR: error accessing '" + args[0] + "'"}
	}
	if m.fsFor(args[1]) != srcFS {
		return "", &failure{code: 1, stderr: "ERROR: cross-device snapshot"}
	}
	files := make(map[string]File, len(src.Files))
	for k, v := range src.Files {
		files[k] = v
	}
	if err := m.create(args[1], &Subvolume{ReadOnly: readOnly, Files: files}); err != nil {
		return "", &failure{code: 1, stderr: err.Error()}
	}
	return "", nil
}

// list reports every read-only subvolume of the file system holding dir,
// including those outside dir, like "btrfs subvolume list -o" does.
func (m *Machine) list(dir string) (string, error) {
	fs := m.fsFor(dir)
	if fs == nil {
		return "", &failure{code: 1, stderr: "ERROR: not a btrfs filesystem: " + dir}
	}
	var paths []string
	for path, sv := range fs.subvols {
		if sv.ReadOnly {
			paths = append(paths, path)
		}
	}
	sort.Slice(paths, func(i, j int) bool { return fs.rel(paths[i]) < fs.rel(paths[j]) })
	var b strings.Builder
	for _, path := range paths {
		sv := fs.subvols[path]
		fmt.Fprintf(&b, "ID %d gen %d top level 5 path %s\n", sv.ID, sv.Gen, fs.rel(path))
	}
	return b.String(), nil
}

func (m *Machine) findNew(path, genArg string) (string, error) {
	fs, sv := m.lookup(path)
	if sv == nil {
		return "", &failure{code: 1, stderr: "ERROR: error accessing '" + path + "'"}
	}
	gen, err := strconv.ParseUint(genArg, 10, 64)
	if err != nil {
		return "", &failure{code: 1, stderr: "ERROR: invalid generation " + genArg}
	}
	names := make([]string, 0, len(sv.Files))
	for name, f := range sv.Files {
		if f.Gen >= gen {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	var b strings.Builder
	for i, name := range names {
		f := sv.Files[name]
		fmt.Fprintf(&b, "inode %d file offset 0 len %d disk start 0 offset 0 gen %d flags INLINE %s\n",
			257+i, len(f.Data), f.Gen, name)
	}
	fmt.Fprintf(&b, "transid marker was %d\n", fs.gen)
	return b.String(), nil
}

// stream is the simulated send stream of one snapshot.
type stream struct {
	Name    string            `json:"name"`
	Parent  string            `json:"parent,omitempty"`
	Files   map[string]string `json:"files"`
	Removed []string          `json:"removed,omitempty"`
}

// Pipeline runs the stages one after another on an in-memory buffer.
func (m *Machine) Pipeline(ctx context.Context, stages []execute.Stage, opts execute.Options) (*execute.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.Pipelines = append(m.Pipelines, stages)

	var data []byte
	if opts.Stdin != nil {
		in, err := io.ReadAll(opts.Stdin)
		if err != nil {
			return nil, err
		}
		data = in
	}
	res := &execute.Result{}
	for i, stage := range stages {
		if i == opts.Tap && i > 0 {
			s := digest.NewStream()
			_, _ = s.Write(data)
			res.Bytes = s.Bytes()
			res.Blake3 = s.Sum()
		}
		var out []byte
		for j, cmd := range stage {
			m.Calls = append(m.Calls, cmd)
			if err := m.injected(cmd); err != nil {
				return nil, fmt.Errorf("pipeline failed: %w", m.execError(cmd, err, opts))
			}
			in := data
			if j > 0 {
				in = nil
			}
			o, err := m.filter(m.strip(cmd), in)
			if err != nil {
				return nil, fmt.Errorf("pipeline failed: %w", m.execError(cmd, err, opts))
			}
			out = append(out, o...)
		}
		data = out
	}
	if opts.ReadStdout {
		res.Stdout = data
	}
	return res, nil
}

func (m *Machine) filter(cmd execute.Command, in []byte) ([]byte, error) {
	if m.isTool(cmd[0]) {
		if len(cmd) >= 3 && cmd[1] == "send" {
			return m.send(cmd[2:])
		}
		if len(cmd) == 3 && cmd[1] == "receive" {
			return nil, m.receive(cmd[2], in)
		}
		return nil, &failure{code: 1, stderr: fmt.Sprintf("unsupported btrfs pipeline command %v", cmd)}
	}
	switch cmd[0] {
	case "cat":
		if len(cmd) == 1 {
			return in, nil
		}
		var out []byte
		for _, f := range cmd[1:] {
			data, err := os.ReadFile(f)
			if err != nil {
				return nil, &failure{code: 1, stderr: "cat: " + err.Error()}
			}
			out = append(out, data...)
		}
		return out, nil
	case "tee":
		for _, f := range cmd[1:] {
			if err := os.WriteFile(f, in, 0o644); err != nil {
				return nil, &failure{code: 1, stderr: "tee: " + err.Error()}
			}
		}
		return in, nil
	case "dd":
		return dd(cmd[1:], in)
	case "gzip":
		if len(cmd) > 1 && (cmd[1] == "-d" || cmd[1] == "--decompress") {
			return gunzip(in)
		}
		return append([]byte("GZ\n"), in...), nil
	case "gunzip":
		return gunzip(in)
	}
	return nil, &failure{code: 127, stderr: cmd[0] + ": command not found"}
}

func gunzip(in []byte) ([]byte, error) {
	if !bytes.HasPrefix(in, []byte("GZ\n")) {
		return nil, &failure{code: 1, stderr: "gzip: stdin: not in gzip format"}
	}
	// concatenated members decompress to the concatenated payloads
	return bytes.ReplaceAll(in, []byte("GZ\n"), nil), nil
}

func dd(args []string, in []byte) ([]byte, error) {
	var inputs []string
	var output string
	for _, a := range args {
		switch {
		case strings.HasPrefix(a, "if="):
			inputs = append(inputs, strings.TrimPrefix(a, "if="))
		case strings.HasPrefix(a, "of="):
			output = strings.TrimPrefix(a, "of=")
		}
	}
	data := in
	if len(inputs) > 0 {
		// dd honours the last if= only
		d, err := os.ReadFile(inputs[len(inputs)-1])
		if err != nil {
			return nil, &failure{code: 1, stderr: "dd: " + err.Error()}
		}
		data = d
	}
	if output == "" {
		return data, nil
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return nil, &failure{code: 1, stderr: "dd: " + err.Error()}
	}
	return nil, nil
}

func (m *Machine) send(args []string) ([]byte, error) {
	var clones []string
	for len(args) >= 2 && args[0] == "-c" {
		clones = append(clones, args[1])
		args = args[2:]
	}
	if len(args) != 1 {
		return nil, &failure{code: 1, stderr: "ERROR: bad send arguments"}
	}
	_, sv := m.lookup(args[0])
	if sv == nil || !sv.ReadOnly {
		return nil, &failure{code: 1, stderr: "ERROR: subvolume " + args[0] + " is not read-only or missing"}
	}
	st := stream{Name: filepath.Base(args[0]), Files: map[string]string{}}

	// the newest clone source acts as parent
	var parent *Subvolume
	for _, c := range clones {
		_, p := m.lookup(c)
		if p == nil {
			return nil, &failure{code: 1, stderr: "ERROR: cannot find clone source " + c}
		}
		parent = p
		st.Parent = filepath.Base(c)
	}
	for name, f := range sv.Files {
		if parent != nil {
			if pf, ok := parent.Files[name]; ok && pf.Data == f.Data {
				continue
			}
		}
		st.Files[name] = f.Data
	}
	if parent != nil {
		for name := range parent.Files {
			if _, ok := sv.Files[name]; !ok {
				st.Removed = append(st.Removed, name)
			}
		}
		sort.Strings(st.Removed)
	}
	data, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func (m *Machine) receive(dir string, in []byte) error {
	if m.fsFor(dir) == nil {
		return &failure{code: 1, stderr: "ERROR: not a btrfs filesystem: " + dir}
	}
	dec := json.NewDecoder(bytes.NewReader(in))
	received := 0
	for {
		var st stream
		if err := dec.Decode(&st); err == io.EOF {
			break
		} else if err != nil {
			return &failure{code: 1, stderr: "ERROR: invalid send stream: " + err.Error()}
		}
		files := map[string]File{}
		if st.Parent != "" {
			_, parent := m.lookup(filepath.Join(dir, st.Parent))
			if parent == nil {
				return &failure{code: 1, stderr: "ERROR: cannot find parent subvolume " + st.Parent}
			}
			for k, v := range parent.Files {
				files[k] = v
			}
		}
		for _, name := range st.Removed {
			delete(files, name)
		}
		target := filepath.Join(dir, st.Name)
		if _, existing := m.lookup(target); existing != nil {
			// a chain of streams may replay snapshots already present
			continue
		}
		if err := m.create(target, &Subvolume{ReadOnly: true, Files: files}); err != nil {
			return &failure{code: 1, stderr: err.Error()}
		}
		fs, sv := m.lookup(target)
		for name, data := range st.Files {
			sv.Files[name] = File{Data: data, Gen: fs.gen}
		}
		received++
	}
	if received == 0 && len(bytes.TrimSpace(in)) == 0 {
		return &failure{code: 1, stderr: "ERROR: empty stream is not considered valid"}
	}
	return nil
}

var _ execute.Runner = (*Machine)(nil)
