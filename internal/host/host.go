// Package host is the correlation core of the native messaging host.
//
// A Host owns the framed transport. Its receive loop either hands an inbound
// message to the single outstanding correlated request, or dispatches it to the
// handler registered for its type. Because the protocol carries no request IDs,
// at most one correlated request may be outstanding at a time.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"cpterm/internal/logging"
	"cpterm/internal/message"
	"cpterm/internal/transport"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrTimeout is returned by SendAwaiting when no matching reply arrives in time.
	ErrTimeout = errors.New("timed out waiting for reply")
	// ErrBusy is returned by SendAwaiting while another correlated request is outstanding.
	ErrBusy = errors.New("another request is already awaiting a reply")
)

// Predicate decides whether an inbound message is the reply being awaited.
type Predicate func(message.Message) bool

// HandlerFunc handles an inbound message that was not a correlated reply.
// Returning false stops the receive loop.
type HandlerFunc func(ctx context.Context, m message.Message) bool

// Conn is the framed stream a Host drives.
type Conn interface {
	Send(message.Message) error
	Receive() (message.Message, error)
}

type pendingRequest struct {
	match Predicate
	reply chan message.Message // capacity 1, written at most once
}

// Host runs the receive loop and correlates replies.
type Host struct {
	conn    Conn
	version string

	mu      sync.Mutex // guards pending
	pending *pendingRequest

	hmu      sync.RWMutex
	handlers map[message.Type]HandlerFunc

	shutdownMu      sync.Mutex
	shutdown        []func()
	shutdownTimeout time.Duration
}

// Option configures a Host.
type Option func(*Host)

// WithVersion sets the version announced when the loop starts.
func WithVersion(v string) Option {
	return func(h *Host) { h.version = v }
}

// WithShutdownTimeout bounds how long Run waits for shutdown hooks.
func WithShutdownTimeout(d time.Duration) Option {
	return func(h *Host) { h.shutdownTimeout = d }
}

// New creates a Host over conn.
func New(conn Conn, opts ...Option) *Host {
	h := &Host{
		conn:            conn,
		handlers:        make(map[message.Type]HandlerFunc),
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle registers fn for inbound messages of type t, replacing any previous handler.
func (h *Host) Handle(t message.Type, fn HandlerFunc) {
	h.hmu.Lock()
	defer h.hmu.Unlock()
	h.handlers[t] = fn
}

// OnShutdown registers fn to run when the receive loop ends.
func (h *Host) OnShutdown(fn func()) {
	h.shutdownMu.Lock()
	defer h.shutdownMu.Unlock()
	h.shutdown = append(h.shutdown, fn)
}

// Send writes a notification to the extension.
func (h *Host) Send(m message.Message) error {
	return h.conn.Send(m)
}

// Log pushes a LogEntry to the extension. Send failures are logged locally and
// otherwise ignored so that error reporting cannot fail in turn.
func (h *Host) Log(level, text string) {
	if err := h.conn.Send(&message.LogEntry{Level: level, Text: text}); err != nil {
		logging.HostDebug("could not deliver log entry: %v", err)
	}
}

// Errorf logs an error locally and reports it to the extension.
func (h *Host) Errorf(format string, args ...interface{}) {
	text := fmt.Sprintf(format, args...)
	logging.Get(logging.CategoryHost).Error("%s", text)
	h.Log(message.LevelError, text)
}

// Pending reports whether a correlated request is outstanding.
func (h *Host) Pending() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending != nil
}

// SendAwaiting sends Command{cmd} and blocks until an inbound message satisfying
// match arrives, timeout elapses, or ctx is done. It must not be called from a
// handler: replies are only delivered by the receive loop.
func (h *Host) SendAwaiting(ctx context.Context, cmd string, match Predicate, timeout time.Duration) (message.Message, error) {
	req := &pendingRequest{match: match, reply: make(chan message.Message, 1)}

	h.mu.Lock()
	if h.pending != nil {
		h.mu.Unlock()
		return nil, ErrBusy
	}
	h.pending = req
	if err := h.conn.Send(&message.Command{Name: cmd}); err != nil {
		h.pending = nil
		h.mu.Unlock()
		return nil, fmt.Errorf("send command %q: %w", cmd, err)
	}
	h.mu.Unlock()
	logging.HostDebug("awaiting reply to %q for up to %v", cmd, timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var cause error
	select {
	case m := <-req.reply:
		return m, nil
	case <-timer.C:
		cause = ErrTimeout
	case <-ctx.Done():
		cause = ctx.Err()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case m := <-req.reply:
		// fulfilled between expiry and taking the lock
		return m, nil
	default:
	}
	if h.pending == req {
		h.pending = nil
	}
	logging.Get(logging.CategoryHost).Warn("command %q: %v", cmd, cause)
	return nil, cause
}

// offer hands m to the outstanding request if it matches.
func (h *Host) offer(m message.Message) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending == nil || !h.pending.match(m) {
		return false
	}
	h.pending.reply <- m
	h.pending = nil
	return true
}

func (h *Host) dispatch(ctx context.Context, m message.Message) bool {
	h.hmu.RLock()
	fn, ok := h.handlers[m.Type()]
	h.hmu.RUnlock()
	if !ok {
		logging.HostDebug("ignoring %s", m.Type())
		return true
	}
	return fn(ctx, m)
}

// Run announces the host version, then receives messages until a handler stops
// the loop, the extension closes the stream or ctx is done, and finally runs the
// shutdown hooks. A nil return means a clean end of stream or stop; cancellation
// returns ctx.Err() without waiting for the pending read.
func (h *Host) Run(ctx context.Context) error {
	defer h.runShutdown()

	if err := h.conn.Send(&message.Version{Version: h.version}); err != nil {
		h.Errorf("Could not send host version\n%v", err)
	}
	logging.Host("receive loop started")

	inbox := make(chan received)
	done := make(chan struct{})
	defer close(done)
	go h.receive(inbox, done)

	for {
		var r received
		select {
		case r = <-inbox:
		case <-ctx.Done():
			logging.Host("receive loop cancelled: %v", ctx.Err())
			return ctx.Err()
		}

		if err := r.err; err != nil {
			if errors.Is(err, io.EOF) {
				logging.Host("extension closed the stream")
				return nil
			}
			var pe *transport.ProtocolError
			if errors.As(err, &pe) {
				if pe.Truncated() {
					logging.Get(logging.CategoryHost).Warn("stream closed mid-message: %v", err)
					return nil
				}
				h.Errorf("Dropped malformed message\n%v", err)
				continue
			}
			logging.Get(logging.CategoryHost).Error("receive failed: %v", err)
			return err
		}

		if h.offer(r.m) {
			logging.HostDebug("%s fulfilled the pending request", r.m.Type())
			continue
		}
		if !h.dispatch(ctx, r.m) {
			logging.Host("handler requested stop")
			return nil
		}
	}
}

type received struct {
	m   message.Message
	err error
}

// receive reads frames into inbox until a read error ends the stream or done
// is closed. A read blocked on a non-pollable descriptor outlives Run until the
// stream ends.
func (h *Host) receive(inbox chan<- received, done <-chan struct{}) {
	for {
		m, err := h.conn.Receive()
		select {
		case inbox <- received{m: m, err: err}:
		case <-done:
			return
		}
		if err != nil && !recoverable(err) {
			return
		}
	}
}

// recoverable reports whether the stream is still in sync after err.
func recoverable(err error) bool {
	var pe *transport.ProtocolError
	return errors.As(err, &pe) && !pe.Truncated()
}

func (h *Host) runShutdown() {
	h.shutdownMu.Lock()
	hooks := h.shutdown
	h.shutdown = nil
	h.shutdownMu.Unlock()

	logging.Host("Quitting gracefully")
	var g errgroup.Group
	for _, fn := range hooks {
		fn := fn
		g.Go(func() error {
			fn()
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(h.shutdownTimeout):
		logging.Get(logging.CategoryHost).Warn("shutdown hooks did not finish within %v", h.shutdownTimeout)
	}
}
