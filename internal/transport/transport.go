// Package transport implements the native messaging framing: each message is
// a 4-byte little-endian length followed by that many bytes of UTF-8 JSON.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"cpterm/internal/logging"
	"cpterm/internal/message"
)

const headerSize = 4

// Error is an I/O failure on the framed stream.
type Error struct {
	Op  string // "read" or "write"
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// ProtocolError reports a frame that could not be turned into a message.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "protocol error: " + e.Reason
	}
	return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Truncated reports whether the stream ended in the middle of a frame.
func (e *ProtocolError) Truncated() bool {
	return errors.Is(e.Err, io.ErrUnexpectedEOF)
}

// Transport reads and writes framed messages over a pair of byte streams.
// Send is safe for concurrent use; Receive is meant for a single reader.
type Transport struct {
	wmu sync.Mutex
	w   io.Writer

	rmu     sync.Mutex
	r       io.Reader
	maxSize uint32
}

// Option configures a Transport.
type Option func(*Transport)

// WithMaxMessageSize rejects inbound frames larger than n bytes. Zero means unlimited.
func WithMaxMessageSize(n uint32) Option {
	return func(t *Transport) { t.maxSize = n }
}

// New creates a Transport reading from r and writing to w.
func New(r io.Reader, w io.Writer, opts ...Option) *Transport {
	t := &Transport{r: r, w: w}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send serializes m and writes it as one frame. Concurrent calls never interleave.
func (t *Transport) Send(m message.Message) error {
	payload, err := message.Marshal(m)
	if err != nil {
		return err
	}
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return fmt.Errorf("message of %d bytes does not fit a frame", len(payload))
	}

	frame := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[headerSize:], payload)

	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.w.Write(frame); err != nil {
		return &Error{Op: "write", Err: err}
	}
	logging.Get(logging.CategoryTransport).Debug("-> %s (%d bytes)", m.Type(), len(payload))
	return nil
}

// Receive blocks until the next message arrives. It returns io.EOF when the
// stream ends before the first byte of a frame, a *ProtocolError for frames
// that are short, oversized, or undecodable, and an *Error for other read failures.
func (t *Transport) Receive() (message.Message, error) {
	t.rmu.Lock()
	defer t.rmu.Unlock()

	var header [headerSize]byte
	if _, err := io.ReadFull(t.r, header[:1]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, &Error{Op: "read", Err: err}
	}
	if _, err := io.ReadFull(t.r, header[1:]); err != nil {
		return nil, readFailure("short length prefix", err)
	}

	size := binary.LittleEndian.Uint32(header[:])
	if t.maxSize > 0 && size > t.maxSize {
		if _, err := io.CopyN(io.Discard, t.r, int64(size)); err != nil {
			return nil, readFailure("short payload", err)
		}
		return nil, &ProtocolError{Reason: fmt.Sprintf("message of %d bytes exceeds limit of %d", size, t.maxSize)}
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(t.r, payload); err != nil {
		return nil, readFailure("short payload", err)
	}

	m, err := message.Unmarshal(payload)
	if err != nil {
		return nil, &ProtocolError{Reason: "undecodable message", Err: err}
	}
	logging.Get(logging.CategoryTransport).Debug("<- %s (%d bytes)", m.Type(), size)
	return m, nil
}

// readFailure classifies an error that happened after a frame had started.
func readFailure(reason string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &ProtocolError{Reason: reason, Err: io.ErrUnexpectedEOF}
	}
	return &Error{Op: "read", Err: err}
}
