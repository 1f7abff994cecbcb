// Package call holds the state of active phone calls and the registry that
// maps call IDs to it.
//
// The [Registry] is the only mutable structure shared between calls. Every
// mutation that touches a call's live recognition stream or its closed flag
// happens under the registry lock, so a socket close and a late recognition
// event can never both act on the same stream.
package call

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrCallClosed is returned by [Call.Send] once the call's socket has closed.
var ErrCallClosed = errors.New("call: closed")

// Frame is one message read from a call socket.
type Frame struct {
	// Binary is true for audio frames and false for text (JSON) frames.
	Binary bool
	Data   []byte
}

// Socket is the transport connection of one call.
//
// Read is only called from the connection's own goroutine. WriteJSON and
// Close must be safe for concurrent use.
type Socket interface {
	// Read blocks until the next frame arrives or the connection fails.
	Read(ctx context.Context) (Frame, error)

	// WriteJSON encodes v as JSON and sends it as a text frame.
	WriteJSON(ctx context.Context, v any) error

	// Close closes the connection. Calling Close more than once is safe.
	Close(reason string) error
}

// Call is the state of one active phone call. All exported fields are set at
// setup and never change afterwards.
type Call struct {
	ID         string
	Session    string
	SampleRate int
	From       string
	To         string

	// FulfillParams is forwarded as the query payload of every stream.
	FulfillParams map[string]any

	Socket    Socket
	StartedAt time.Time

	closed atomic.Bool

	// stream is the live recognition stream; guarded by Registry.mu.
	stream Stream
}

// Stream is the subset of recognizer.Stream the registry needs. Declared here
// so the registry does not depend on provider packages.
type Stream interface {
	WriteAudio(chunk []byte) error
	End() error
	Destroy()
}

// Closed reports whether the call's socket has closed.
func (c *Call) Closed() bool { return c.closed.Load() }

// Send writes v to the call's socket unless the call has closed.
func (c *Call) Send(ctx context.Context, v any) error {
	if c.Closed() {
		return ErrCallClosed
	}
	return c.Socket.WriteJSON(ctx, v)
}
