// Package watch shares one fsnotify handle across successive single-file
// registrations. Only one file is watched at a time; registering a new file
// stops the previous registration's delivery loop before the new one starts.
package watch

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"cpterm/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// ErrClosed is returned by Watch after Close.
var ErrClosed = errors.New("watch multiplexer closed")

// Error reports a failure to register a watch.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("watch %s: %v", e.Path, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Callback is invoked on the delivery goroutine each time the watched file is
// modified. It must not call Watch, Stop or Close.
type Callback func(path string)

type registration struct {
	path   string
	dir    string
	cb     Callback
	stopCh chan struct{}
	doneCh chan struct{}
	// after is the done channel of a stopped loop that outlived its join;
	// this loop reads no events until it closes.
	after <-chan struct{}
}

// Multiplexer owns the process-wide OS watch handle.
type Multiplexer struct {
	mu          sync.Mutex // guards reg, lingering and closed
	watcher     *fsnotify.Watcher
	reg         *registration
	lingering   <-chan struct{}
	stopTimeout time.Duration
	closed      bool
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithStopTimeout bounds how long replacing or stopping a registration waits
// for its delivery loop to exit.
func WithStopTimeout(d time.Duration) Option {
	return func(m *Multiplexer) { m.stopTimeout = d }
}

// New creates the OS watch handle.
func New(opts ...Option) (*Multiplexer, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	m := &Multiplexer{watcher: w, stopTimeout: 2 * time.Second}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Watch replaces the current registration with one for path. It returns once
// the new delivery loop is running; if a previous loop outlived its stop
// timeout, delivery begins when that loop exits. If the parent directory
// cannot be watched, Watch returns a *Error and nothing is watched afterwards.
func (m *Multiplexer) Watch(path string, cb Callback) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return &Error{Path: path, Err: err}
	}
	abs = filepath.Clean(abs)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	prevDir := m.stopLocked()
	dir := filepath.Dir(abs)
	if prevDir != "" && prevDir != dir {
		m.release(prevDir)
	}
	if err := m.watcher.Add(dir); err != nil {
		return &Error{Path: abs, Err: err}
	}

	reg := &registration{
		path:   abs,
		dir:    dir,
		cb:     cb,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		after:  m.lingering,
	}
	m.lingering = nil
	started := make(chan struct{})
	go m.run(reg, started)
	<-started
	m.reg = reg

	logging.Watch("watching %s", abs)
	return nil
}

// Stop ends the current registration, if any, and releases its directory.
func (m *Multiplexer) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dir := m.stopLocked(); dir != "" {
		m.release(dir)
	}
}

// Watching returns the path currently being watched, or "".
func (m *Multiplexer) Watching() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reg == nil {
		return ""
	}
	return m.reg.path
}

// Close stops any registration and releases the OS watch handle.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.stopLocked()
	return m.watcher.Close()
}

// stopLocked signals the delivery loop and joins it with a bounded wait. A
// loop that outlives the wait is remembered so the next one waits for it.
// It returns the directory the stopped registration was watching.
func (m *Multiplexer) stopLocked() string {
	reg := m.reg
	if reg == nil {
		return ""
	}
	m.reg = nil

	close(reg.stopCh)
	select {
	case <-reg.doneCh:
		logging.WatchDebug("stopped watching %s", reg.path)
	case <-time.After(m.stopTimeout):
		logging.Get(logging.CategoryWatch).Warn("watcher for %s did not stop within %v", reg.path, m.stopTimeout)
		m.lingering = reg.doneCh
	}
	return reg.dir
}

func (m *Multiplexer) release(dir string) {
	if err := m.watcher.Remove(dir); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		logging.WatchDebug("could not remove watch on %s: %v", dir, err)
	}
}

func (m *Multiplexer) run(reg *registration, started chan<- struct{}) {
	defer close(reg.doneCh)
	close(started)

	if reg.after != nil {
		select {
		case <-reg.after:
		case <-reg.stopCh:
			return
		}
	}

	for {
		// checked alone first so a stopped loop never competes for events
		select {
		case <-reg.stopCh:
			return
		default:
		}

		select {
		case <-reg.stopCh:
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				logging.WatchDebug("event channel closed")
				return
			}
			if !modified(event) || filepath.Clean(event.Name) != reg.path {
				continue
			}
			// a stop may have raced with this event
			select {
			case <-reg.stopCh:
				return
			default:
			}
			logging.WatchDebug("%s: %s", event.Op, event.Name)
			reg.cb(reg.path)

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryWatch).Error("watcher error: %v", err)
		}
	}
}

// modified reports whether event changed the file's contents. Editors that save
// by renaming a temporary file into place produce Create rather than Write.
func modified(event fsnotify.Event) bool {
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create)
}
