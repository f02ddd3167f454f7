// Package scratchfile tracks the files the host writes for editors, viewers and
// the user's terminal: the code file, the rendered problem statement, and the
// per-test-case artifacts.
//
// A file is either temporary (created in the OS temp directory and deleted once
// superseded) or persistent (created in a configured directory and never
// deleted). Superseded temporary files are not removed immediately; they are
// collected in a pending-deletion set that Clean empties.
package scratchfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"cpterm/internal/logging"
)

// Role identifies what a scratch file holds.
type Role string

const (
	RoleCode     Role = "code"
	RoleProblem  Role = "problem"
	RoleTestCase Role = "testcase"
)

// Record describes one scratch file.
type Record struct {
	Role      Role
	Path      string
	Temporary bool
	Dir       string // configured directory; empty for temporary files
	Existed   bool   // persistent file was already present and was left untouched
}

// Error is a filesystem or process failure on a scratch file.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("scratch file %s %s: %v", e.Op, e.Path, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Starter launches a program without waiting for it to exit.
type Starter func(name string, args ...string) error

// Manager owns the scratch files of every role. It is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	tempDir string
	current map[Role][]*Record
	pending map[string]struct{}
	start   Starter
}

// Option configures a Manager.
type Option func(*Manager)

// WithTempDir creates temporary files in dir instead of os.TempDir().
func WithTempDir(dir string) Option {
	return func(m *Manager) { m.tempDir = dir }
}

// WithStarter replaces the function used to launch handlers.
func WithStarter(s Starter) Option {
	return func(m *Manager) { m.start = s }
}

// New creates an empty Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		current: make(map[Role][]*Record),
		pending: make(map[string]struct{}),
		start:   StartDetached,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create supersedes the files of role and creates a new one named name.
// An empty dir creates a temporary file.
func (m *Manager) Create(role Role, dir, name string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.supersedeLocked(role)
	return m.addLocked(role, dir, name)
}

// Add creates another file for role without superseding the existing ones.
func (m *Manager) Add(role Role, dir, name string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(role, dir, name)
}

// Supersede forgets the files of role, marking the temporary ones for deletion.
func (m *Manager) Supersede(role Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.supersedeLocked(role)
}

// Current returns the most recently created file of role, or nil.
func (m *Manager) Current(role Role) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.current[role]
	if len(recs) == 0 {
		return nil
	}
	r := *recs[len(recs)-1]
	return &r
}

func (m *Manager) supersedeLocked(role Role) {
	for _, r := range m.current[role] {
		if r.Temporary {
			m.pending[r.Path] = struct{}{}
			logging.Get(logging.CategoryScratch).Debug("superseded %s", r.Path)
		}
	}
	delete(m.current, role)
}

func (m *Manager) addLocked(role Role, dir, name string) (*Record, error) {
	name = SafeName(name)
	rec := &Record{Role: role, Dir: dir}

	if dir == "" {
		pattern := "cpterm_*_" + name
		if strings.HasPrefix(name, ".") {
			pattern = "cpterm_*" + name
		}
		f, err := os.CreateTemp(m.tempDir, pattern)
		if err != nil {
			return nil, &Error{Op: "create", Path: filepath.Join(m.tempDir, pattern), Err: err}
		}
		_ = f.Close()
		rec.Path = f.Name()
		rec.Temporary = true
	} else {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &Error{Op: "create", Path: dir, Err: err}
		}
		rec.Path = filepath.Join(dir, name)
		f, err := os.OpenFile(rec.Path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
		switch {
		case err == nil:
			_ = f.Close()
		case errors.Is(err, fs.ErrExist):
			rec.Existed = true
		default:
			return nil, &Error{Op: "create", Path: rec.Path, Err: err}
		}
	}

	m.current[role] = append(m.current[role], rec)
	logging.Scratch("using scratch file %s", rec.Path)
	out := *rec
	return &out, nil
}

// Write replaces the contents of the file at rec.
func (m *Manager) Write(rec *Record, content string) error {
	if err := os.WriteFile(rec.Path, []byte(content), 0644); err != nil {
		return &Error{Op: "write", Path: rec.Path, Err: err}
	}
	return nil
}

// Open launches handler with the file path, or the platform's default
// application when handler is empty. It does not wait for the program.
func (m *Manager) Open(rec *Record, handler string) error {
	name, args := handler, []string{rec.Path}
	if handler == "" {
		name, args = defaultOpener(rec.Path)
	}
	if err := m.start(name, args...); err != nil {
		logging.Get(logging.CategoryScratch).Warn("could not open %s with %q: %v", rec.Path, name, err)
		return &Error{Op: "open", Path: rec.Path, Err: err}
	}
	logging.Get(logging.CategoryScratch).Debug("opened %s with %s", rec.Path, name)
	return nil
}

// Pending returns the paths awaiting deletion, sorted.
func (m *Manager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.pending))
	for p := range m.pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Clean deletes every pending path. Failures are logged and the path stays
// pending; a file that is already gone counts as deleted.
func (m *Manager) Clean() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := range m.pending {
		err := os.Remove(p)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			logging.Get(logging.CategoryScratch).Warn("could not delete %s: %v", p, err)
			continue
		}
		delete(m.pending, p)
		logging.Get(logging.CategoryScratch).Debug("deleted %s", p)
	}
}

// Shutdown supersedes every role and cleans.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for role := range m.current {
		m.supersedeLocked(role)
	}
	m.mu.Unlock()
	m.Clean()
}

// SafeName strips path separators so name stays inside its directory.
func SafeName(name string) string {
	name = strings.NewReplacer("/", "_", "\\", "_", string(os.PathSeparator), "_").Replace(name)
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}

// StartDetached starts a program and reaps it in the background.
func StartDetached(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

func defaultOpener(path string) (string, []string) {
	switch runtime.GOOS {
	case "darwin":
		return "open", []string{path}
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", path}
	default:
		return "xdg-open", []string{path}
	}
}
