// Package mock provides a test double for the call.Socket interface.
//
// Tests push frames with SendSetup, SendAudio and SendText, simulate the
// client hanging up with Hangup, and inspect everything the server wrote.
//
// Example:
//
//	sock := mock.NewSocket()
//	sock.SendSetup(`{"callId":"c1","sampleRate":8000}`)
//	go ctl.Serve(ctx, sock)
//	msg := <-sock.Writes()
package mock

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/MrWong99/callbridge/internal/call"
)

// ErrClosed is returned by WriteJSON after the socket was closed.
var ErrClosed = errors.New("mock: socket closed")

// Socket is an in-memory implementation of call.Socket.
type Socket struct {
	mu sync.Mutex

	// WriteErr, if non-nil, is returned by every WriteJSON call.
	WriteErr error

	inbound chan call.Frame
	writes  chan []byte
	written [][]byte
	reasons []string
	closed  chan struct{}
	once    sync.Once
}

// NewSocket returns an open Socket with generous buffers.
func NewSocket() *Socket {
	return &Socket{
		inbound: make(chan call.Frame, 256),
		writes:  make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

// SendSetup queues a text frame containing js.
func (s *Socket) SendSetup(js string) { s.SendText(js) }

// SendText queues a text frame.
func (s *Socket) SendText(text string) {
	s.inbound <- call.Frame{Data: []byte(text)}
}

// SendAudio queues a binary frame.
func (s *Socket) SendAudio(chunk []byte) {
	s.inbound <- call.Frame{Binary: true, Data: chunk}
}

// Hangup simulates the client closing the connection.
func (s *Socket) Hangup() { s.close("hangup") }

// Read returns queued frames in order. Once the socket is closed it returns
// io.EOF.
func (s *Socket) Read(ctx context.Context) (call.Frame, error) {
	select {
	case <-s.closed:
		return call.Frame{}, io.EOF
	default:
	}
	select {
	case f := <-s.inbound:
		return f, nil
	case <-s.closed:
		return call.Frame{}, io.EOF
	case <-ctx.Done():
		return call.Frame{}, ctx.Err()
	}
}

// WriteJSON records the JSON encoding of v.
func (s *Socket) WriteJSON(_ context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	s.written = append(s.written, data)
	select {
	case s.writes <- data:
	default:
	}
	return nil
}

// Close closes the socket. Only the first reason is kept in Reasons order.
func (s *Socket) Close(reason string) error {
	s.close(reason)
	return nil
}

func (s *Socket) close(reason string) {
	s.mu.Lock()
	s.reasons = append(s.reasons, reason)
	s.mu.Unlock()
	s.once.Do(func() { close(s.closed) })
}

// Closed returns a channel that is closed once the socket is closed.
func (s *Socket) Closed() <-chan struct{} { return s.closed }

// Writes returns a channel receiving every written message as JSON.
func (s *Socket) Writes() <-chan []byte { return s.writes }

// Written returns a copy of every message written so far. Thread-safe.
func (s *Socket) Written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.written...)
}

// CloseReasons returns the reasons passed to Close and Hangup in order.
func (s *Socket) CloseReasons() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.reasons...)
}

var _ call.Socket = (*Socket)(nil)
