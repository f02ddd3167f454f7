package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"cpterm/internal/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(payload string) []byte {
	b := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(b, uint32(len(payload)))
	copy(b[4:], payload)
	return b
}

func TestReceiveCommand(t *testing.T) {
	payload := `{"type":"command","name":"run"}`
	in := bytes.NewReader(frame(payload))
	assert.Equal(t, []byte{byte(len(payload)), 0, 0, 0}, frame(payload)[:4])

	tr := New(in, io.Discard)
	m, err := tr.Receive()
	require.NoError(t, err)
	assert.Equal(t, &message.Command{Name: "run"}, m)

	_, err = tr.Receive()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReceiveEmptyStreamIsEOF(t *testing.T) {
	tr := New(bytes.NewReader(nil), io.Discard)
	_, err := tr.Receive()
	assert.Equal(t, io.EOF, err)
}

func TestReceiveShortPrefix(t *testing.T) {
	tr := New(bytes.NewReader([]byte{0x05, 0x00}), io.Discard)
	_, err := tr.Receive()

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.Truncated())
}

func TestReceiveShortPayload(t *testing.T) {
	data := frame(`{"type":"command","name":"run"}`)
	tr := New(bytes.NewReader(data[:len(data)-3]), io.Discard)
	_, err := tr.Receive()

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.Truncated())
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReceiveUnknownTagKeepsStreamInSync(t *testing.T) {
	var in bytes.Buffer
	in.Write(frame(`{"type":"keepAlive"}`))
	in.Write(frame(`{"type":"setCode","code":"x"}`))

	tr := New(&in, io.Discard)
	_, err := tr.Receive()

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.False(t, pe.Truncated())
	assert.ErrorIs(t, err, message.ErrUnknownType)

	m, err := tr.Receive()
	require.NoError(t, err)
	assert.Equal(t, &message.SetCode{Text: "x"}, m)
}

func TestReceiveOversizedFrameIsDrained(t *testing.T) {
	var in bytes.Buffer
	in.Write(frame(`{"type":"setCode","code":"` + string(bytes.Repeat([]byte("a"), 100)) + `"}`))
	in.Write(frame(`{"type":"command","name":"submit"}`))

	tr := New(&in, io.Discard, WithMaxMessageSize(64))
	_, err := tr.Receive()
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Error(), "exceeds limit")

	m, err := tr.Receive()
	require.NoError(t, err)
	assert.Equal(t, &message.Command{Name: "submit"}, m)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("bad descriptor") }

func TestReceiveReadFailure(t *testing.T) {
	tr := New(failingReader{}, io.Discard)
	_, err := tr.Receive()

	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "read", te.Op)
}

func TestSendFramesLittleEndian(t *testing.T) {
	var out bytes.Buffer
	tr := New(bytes.NewReader(nil), &out)
	require.NoError(t, tr.Send(&message.Version{Version: "1.0"}))

	data := out.Bytes()
	require.GreaterOrEqual(t, len(data), 4)
	size := binary.LittleEndian.Uint32(data[:4])
	assert.Equal(t, int(size), len(data)-4)
	assert.JSONEq(t, `{"type":"version","hostVersion":"1.0"}`, string(data[4:]))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestSendWriteFailure(t *testing.T) {
	tr := New(bytes.NewReader(nil), failingWriter{})
	err := tr.Send(&message.LogEntry{Level: message.LevelInfo, Text: "hi"})

	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "write", te.Op)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

// lockedBuffer records every Write call separately so interleaving would be visible.
type lockedBuffer struct {
	mu sync.Mutex
	bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Buffer.Write(p)
}

func TestConcurrentSendsDoNotInterleave(t *testing.T) {
	var out lockedBuffer
	sender := New(bytes.NewReader(nil), &out)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, sender.Send(&message.SetCode{Text: fmt.Sprintf("line %d", i)}))
		}(i)
	}
	wg.Wait()

	reader := New(bytes.NewReader(out.Bytes()), io.Discard)
	seen := make(map[string]bool)
	for {
		m, err := reader.Receive()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		seen[m.(*message.SetCode).Text] = true
	}
	assert.Len(t, seen, n)
}

func TestRoundTripOverPipe(t *testing.T) {
	pr, pw := io.Pipe()
	writer := New(bytes.NewReader(nil), pw)
	reader := New(pr, io.Discard)

	want := &message.NewProblem{Name: "Two Sum", Language: "Go", Code: "package main", URL: "https://example.com/p/1"}
	go func() {
		_ = writer.Send(want)
		_ = pw.Close()
	}()

	got, err := reader.Receive()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = reader.Receive()
	assert.ErrorIs(t, err, io.EOF)
}
