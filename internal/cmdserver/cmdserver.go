// Package cmdserver is the local control channel: a TCP listener that lets a
// terminal ask the extension to run or submit the current code and prints the
// paths of the resulting test-case artifacts.
//
// The protocol is one request line per connection and one or more response
// lines. Connections are served one at a time and only from loopback peers.
package cmdserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"cpterm/internal/host"
	"cpterm/internal/logging"
	"cpterm/internal/message"
)

// TimedOut is written when the extension does not answer in time.
const TimedOut = "timed out"

// Correlator issues a command to the extension and waits for the reply.
type Correlator interface {
	SendAwaiting(ctx context.Context, cmd string, match host.Predicate, timeout time.Duration) (message.Message, error)
}

// ResultSaver writes test results to files and returns one row of paths per case.
type ResultSaver interface {
	SaveTestResults(r *message.TestResults) ([][]string, error)
}

// Server is the control channel listener.
type Server struct {
	core Correlator
	save ResultSaver

	bind           string
	port           int
	readTimeout    time.Duration
	commandTimeout time.Duration

	mu     sync.Mutex
	ln     net.Listener
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithBind sets the listen address. It defaults to 127.0.0.1.
func WithBind(addr string) Option { return func(s *Server) { s.bind = addr } }

// WithPort sets the listen port. Zero picks a free port.
func WithPort(port int) Option { return func(s *Server) { s.port = port } }

// WithReadTimeout bounds how long a client may take to send its request line.
func WithReadTimeout(d time.Duration) Option { return func(s *Server) { s.readTimeout = d } }

// WithCommandTimeout bounds how long a request waits for the extension.
func WithCommandTimeout(d time.Duration) Option { return func(s *Server) { s.commandTimeout = d } }

// New creates a stopped Server.
func New(core Correlator, save ResultSaver, opts ...Option) *Server {
	s := &Server{
		core:           core,
		save:           save,
		bind:           "127.0.0.1",
		readTimeout:    10 * time.Second,
		commandTimeout: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the listener and serves in the background. Starting a running
// server does nothing.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}

	addr := net.JoinHostPort(s.bind, strconv.Itoa(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("command server listen on %s: %w", addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.ln, s.cancel, s.done = ln, cancel, make(chan struct{})

	go s.serve(ctx, ln, s.done)
	logging.CmdServer("listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Port returns the configured port.
func (s *Server) Port() int { return s.port }

// Stop closes the listener, abandons any request in progress, and waits for
// the accept loop to exit.
func (s *Server) Stop() {
	s.mu.Lock()
	ln, cancel, done := s.ln, s.cancel, s.done
	s.ln, s.cancel, s.done = nil, nil, nil
	s.mu.Unlock()
	if ln == nil {
		return
	}

	cancel()
	if err := ln.Close(); err != nil {
		logging.Get(logging.CategoryCmdServer).Error("couldn't stop server: %v", err)
	}
	<-done
	logging.CmdServer("stopped")
}

func (s *Server) serve(ctx context.Context, ln net.Listener, done chan<- struct{}) {
	defer close(done)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logging.Get(logging.CategoryCmdServer).Error("server terminated unexpectedly: %v", err)
			return
		}
		s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if !isLoopback(conn.RemoteAddr()) {
		logging.Get(logging.CategoryCmdServer).Warn("rejected connection from %s", conn.RemoteAddr())
		return
	}

	if s.readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		logging.Get(logging.CategoryCmdServer).Warn("could not read request: %v", err)
		return
	}
	req := strings.TrimSpace(line)
	logging.CmdServer("request %q from %s", req, conn.RemoteAddr())

	lines := s.respond(ctx, req)
	if len(lines) == 0 {
		lines = []string{""}
	}
	w := bufio.NewWriter(conn)
	for _, l := range lines {
		_, _ = w.WriteString(l)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		logging.Get(logging.CategoryCmdServer).Warn("could not write response: %v", err)
	}
}

func (s *Server) respond(ctx context.Context, req string) []string {
	switch req {
	case message.CommandRun, message.CommandSubmit:
	default:
		return []string{"unknown command: " + req}
	}

	reply, err := s.core.SendAwaiting(ctx, req, message.IsTestResults, s.commandTimeout)
	if err != nil {
		if errors.Is(err, host.ErrTimeout) {
			return []string{TimedOut}
		}
		logging.Get(logging.CategoryCmdServer).Warn("%s failed: %v", req, err)
		return []string{err.Error()}
	}

	rows, err := s.save.SaveTestResults(reply.(*message.TestResults))
	if err != nil {
		logging.Get(logging.CategoryCmdServer).Error("test cases could not be saved: %v", err)
		return []string{err.Error()}
	}
	lines := make([]string, len(rows))
	for i, row := range rows {
		lines[i] = strings.Join(row, "\t")
	}
	return lines
}

func isLoopback(addr net.Addr) bool {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.IsLoopback()
	case nil:
		return false
	}
	h, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
