package host

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cpterm/internal/message"
	"cpterm/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// extension plays the browser side of the stream.
type extension struct {
	t        *testing.T
	host     *Host
	conn     *transport.Transport
	inW      *io.PipeWriter
	outW     *io.PipeWriter
	fromHost chan message.Message
	runErr   chan error
	drained  chan struct{}
	closed   sync.Once
}

func newExtension(t *testing.T, opts ...Option) *extension {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	e := &extension{
		t:        t,
		host:     New(transport.New(inR, outW), opts...),
		conn:     transport.New(outR, inW),
		inW:      inW,
		outW:     outW,
		fromHost: make(chan message.Message, 64),
		runErr:   make(chan error, 1),
		drained:  make(chan struct{}),
	}
	go func() {
		defer close(e.drained)
		for {
			m, err := e.conn.Receive()
			if err != nil {
				return
			}
			e.fromHost <- m
		}
	}()
	t.Cleanup(e.close)
	return e
}

func (e *extension) start() {
	go func() { e.runErr <- e.host.Run(context.Background()) }()
	first := e.next()
	require.IsType(e.t, &message.Version{}, first)
}

func (e *extension) send(m message.Message) {
	e.t.Helper()
	require.NoError(e.t, e.conn.Send(m))
}

func (e *extension) next() message.Message {
	e.t.Helper()
	select {
	case m := <-e.fromHost:
		return m
	case <-time.After(2 * time.Second):
		e.t.Fatal("no message from host")
		return nil
	}
}

// close ends the stream from the extension side and waits for the host to stop.
func (e *extension) close() {
	e.closed.Do(func() {
		_ = e.inW.Close()
		select {
		case <-e.runErr:
		case <-time.After(2 * time.Second):
			e.t.Error("host did not stop after end of stream")
		}
		_ = e.outW.Close()
		<-e.drained
	})
}

func awaitPending(t *testing.T, h *Host) {
	t.Helper()
	require.Eventually(t, h.Pending, time.Second, time.Millisecond)
}

func TestRunSendsVersionFirst(t *testing.T) {
	e := newExtension(t, WithVersion("2.1.0"))
	go func() { e.runErr <- e.host.Run(context.Background()) }()

	assert.Equal(t, &message.Version{Version: "2.1.0"}, e.next())
}

func TestDispatchByType(t *testing.T) {
	e := newExtension(t)
	got := make(chan message.Message, 1)
	e.host.Handle(message.TypeNewProblem, func(_ context.Context, m message.Message) bool {
		got <- m
		return true
	})
	e.start()

	np := &message.NewProblem{Name: "A", URL: "https://example.com/a", Language: "Go"}
	e.send(&message.SetCode{Text: "unhandled"})
	e.send(np)

	select {
	case m := <-got:
		assert.Equal(t, np, m)
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
}

func TestSendAwaitingFulfilled(t *testing.T) {
	e := newExtension(t)
	e.start()

	type result struct {
		m   message.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := e.host.SendAwaiting(context.Background(), message.CommandRun, message.IsTestResults, 2*time.Second)
		done <- result{m, err}
	}()

	assert.Equal(t, &message.Command{Name: message.CommandRun}, e.next())
	reply := &message.TestResults{Cases: map[string]message.TestCase{"Case 1": {Input: "1", Output: "1", Expected: "1"}}}
	e.send(reply)

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, reply, r.m)
	assert.False(t, e.host.Pending())
}

func TestSendAwaitingRejectsSecondRequest(t *testing.T) {
	e := newExtension(t)
	e.start()

	first := make(chan error, 1)
	go func() {
		_, err := e.host.SendAwaiting(context.Background(), message.CommandRun, message.IsTestResults, 2*time.Second)
		first <- err
	}()
	awaitPending(t, e.host)
	e.next() // the first command

	start := time.Now()
	_, err := e.host.SendAwaiting(context.Background(), message.CommandSubmit, message.IsTestResults, 2*time.Second)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, e.host.Pending())

	e.send(&message.TestResults{Error: "Compile Error"})
	require.NoError(t, <-first)
}

func TestSendAwaitingTimeoutClearsSlot(t *testing.T) {
	e := newExtension(t)
	e.start()

	start := time.Now()
	_, err := e.host.SendAwaiting(context.Background(), message.CommandRun, message.IsTestResults, 100*time.Millisecond)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.False(t, e.host.Pending())
}

func TestLateReplyIsNotMatchedToNextRequest(t *testing.T) {
	e := newExtension(t)
	dispatched := make(chan message.Message, 1)
	e.host.Handle(message.TypeTestResults, func(_ context.Context, m message.Message) bool {
		dispatched <- m
		return true
	})
	e.start()

	_, err := e.host.SendAwaiting(context.Background(), message.CommandRun, message.IsTestResults, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	e.next()

	e.send(&message.TestResults{Error: "late"})
	select {
	case m := <-dispatched:
		assert.Equal(t, "late", m.(*message.TestResults).Error)
	case <-time.After(time.Second):
		t.Fatal("late reply was not dispatched")
	}

	done := make(chan message.Message, 1)
	go func() {
		m, err := e.host.SendAwaiting(context.Background(), message.CommandSubmit, message.IsTestResults, 2*time.Second)
		assert.NoError(t, err)
		done <- m
	}()
	awaitPending(t, e.host)
	e.next()
	e.send(&message.TestResults{Error: "fresh"})

	assert.Equal(t, "fresh", (<-done).(*message.TestResults).Error)
}

func TestNonMatchingMessageDispatchedWhilePending(t *testing.T) {
	e := newExtension(t)
	prefs := make(chan message.Message, 1)
	e.host.Handle(message.TypeSetPrefs, func(_ context.Context, m message.Message) bool {
		prefs <- m
		return true
	})
	e.start()

	done := make(chan error, 1)
	go func() {
		_, err := e.host.SendAwaiting(context.Background(), message.CommandRun, message.IsTestResults, 2*time.Second)
		done <- err
	}()
	awaitPending(t, e.host)
	e.next()

	e.send(&message.SetPrefs{Prefs: map[string]string{"editor": "vim"}})
	<-prefs
	assert.True(t, e.host.Pending())

	e.send(&message.TestResults{})
	require.NoError(t, <-done)
}

func TestSendAwaitingContextCancel(t *testing.T) {
	e := newExtension(t)
	e.start()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		awaitPending(t, e.host)
		cancel()
	}()
	_, err := e.host.SendAwaiting(ctx, message.CommandRun, message.IsTestResults, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, e.host.Pending())
}

type brokenConn struct{}

func (brokenConn) Send(message.Message) error          { return &transport.Error{Op: "write", Err: io.ErrClosedPipe} }
func (brokenConn) Receive() (message.Message, error) { return nil, io.EOF }

func TestSendAwaitingSendFailure(t *testing.T) {
	h := New(brokenConn{})
	_, err := h.SendAwaiting(context.Background(), message.CommandRun, message.IsTestResults, time.Second)

	var te *transport.Error
	require.ErrorAs(t, err, &te)
	assert.False(t, h.Pending())
}

func TestLogSwallowsSendFailure(t *testing.T) {
	h := New(brokenConn{})
	assert.NotPanics(t, func() { h.Log(message.LevelError, "nobody listens") })
}

func TestEndOfStreamRunsShutdownHooks(t *testing.T) {
	e := newExtension(t)
	var calls atomic.Int32
	e.host.OnShutdown(func() { calls.Add(1) })
	e.host.OnShutdown(func() { calls.Add(1) })
	e.start()

	e.close()
	assert.Equal(t, int32(2), calls.Load())
}

func TestHandlerStopEndsLoop(t *testing.T) {
	e := newExtension(t)
	e.host.Handle(message.TypeCommand, func(_ context.Context, m message.Message) bool {
		return m.(*message.Command).Name != "quit"
	})
	e.start()

	e.send(&message.Command{Name: "quit"})
	select {
	case err := <-e.runErr:
		assert.NoError(t, err)
		e.runErr <- err // let close() observe the stop
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestMalformedMessageReportedAndLoopContinues(t *testing.T) {
	e := newExtension(t)
	got := make(chan message.Message, 1)
	e.host.Handle(message.TypeSetCode, func(_ context.Context, m message.Message) bool {
		got <- m
		return true
	})
	e.start()

	// an unknown tag written as a raw frame
	raw := []byte(`{"type":"bogus"}`)
	_, err := e.inW.Write(append([]byte{byte(len(raw)), 0, 0, 0}, raw...))
	require.NoError(t, err)

	entry, ok := e.next().(*message.LogEntry)
	require.True(t, ok)
	assert.Equal(t, message.LevelError, entry.Level)

	e.send(&message.SetCode{Text: "still alive"})
	select {
	case m := <-got:
		assert.Equal(t, "still alive", m.(*message.SetCode).Text)
	case <-time.After(time.Second):
		t.Fatal("loop stopped after malformed message")
	}
}

type readErrConn struct{ brokenConn }

func (readErrConn) Send(message.Message) error { return nil }
func (readErrConn) Receive() (message.Message, error) {
	return nil, &transport.Error{Op: "read", Err: errors.New("bad descriptor")}
}

func TestTransportErrorIsFatal(t *testing.T) {
	h := New(readErrConn{})
	err := h.Run(context.Background())

	var te *transport.Error
	assert.ErrorAs(t, err, &te)
}

// stuckConn blocks in Receive until release is closed, like a read on a
// descriptor that Close cannot interrupt.
type stuckConn struct {
	release chan struct{}
}

func (stuckConn) Send(message.Message) error { return nil }
func (c stuckConn) Receive() (message.Message, error) {
	<-c.release
	return nil, io.EOF
}

func TestCancelStopsLoopWhileReceiveBlocked(t *testing.T) {
	conn := stuckConn{release: make(chan struct{})}
	defer close(conn.release)

	h := New(conn)
	var hooks atomic.Int32
	h.OnShutdown(func() { hooks.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- h.Run(ctx) }()

	cancel()
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, int32(1), hooks.Load())
}
