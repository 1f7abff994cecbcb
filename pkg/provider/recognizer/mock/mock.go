// Package mock provides test doubles for the recognizer package interfaces.
//
// Provider records every Open call and hands out a fresh Stream per call.
// Tests drive a Stream by calling Emit and Finish, and inspect the audio it
// received and the order of End/Destroy calls.
//
// Example:
//
//	p := mock.NewProvider()
//	st, _ := p.Open(ctx, cfg)
//	s := p.Stream(0)
//	s.Emit(recognizer.Final("hello"))
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callbridge/pkg/provider/recognizer"
)

// Provider is a mock implementation of recognizer.Provider and
// recognizer.Greeter.
type Provider struct {
	mu sync.Mutex

	// SessionPrefix is prepended to the call ID by SessionPath. Defaults to
	// "proj/" when empty.
	SessionPrefix string

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// Unbound leaves streams open when the Open context is cancelled, like a
	// backend that only stops on Destroy.
	Unbound bool

	// GreetText and GreetErr are returned by Greet.
	GreetText string
	GreetErr  error

	// OpenCalls records the config of every Open call in order.
	OpenCalls []recognizer.StreamConfig

	// GreetCalls records every Greet call in order.
	GreetCalls []recognizer.GreetingRequest

	// ClosedSessions records every CloseSession call.
	ClosedSessions []string

	streams []*Stream
	opened  chan *Stream
}

// NewProvider returns a Provider whose Opened channel can buffer 64 streams.
func NewProvider() *Provider {
	return &Provider{opened: make(chan *Stream, 64)}
}

// SessionPath implements recognizer.Provider.
func (p *Provider) SessionPath(callID string) string {
	prefix := p.SessionPrefix
	if prefix == "" {
		prefix = "proj/"
	}
	return prefix + callID
}

// Open records the call and returns a new Stream bound to ctx: cancelling
// ctx closes the stream's events without recording a Destroy call, so tests
// can tell an explicit Destroy from a cancelled context.
func (p *Provider) Open(ctx context.Context, cfg recognizer.StreamConfig) (recognizer.Stream, error) {
	p.mu.Lock()
	p.OpenCalls = append(p.OpenCalls, cfg)
	if p.OpenErr != nil {
		err := p.OpenErr
		p.mu.Unlock()
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	s := NewStream()
	p.streams = append(p.streams, s)
	opened := p.opened
	unbound := p.Unbound
	p.mu.Unlock()
	if !unbound {
		context.AfterFunc(ctx, s.cancel)
	}

	if opened != nil {
		select {
		case opened <- s:
		default:
		}
	}
	return s, nil
}

// Opened returns a channel that receives every stream as it is opened. Only
// available on providers built with NewProvider.
func (p *Provider) Opened() <-chan *Stream { return p.opened }

// Greet implements recognizer.Greeter.
func (p *Provider) Greet(_ context.Context, req recognizer.GreetingRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.GreetCalls = append(p.GreetCalls, req)
	return p.GreetText, p.GreetErr
}

// CloseSession implements recognizer.SessionCloser.
func (p *Provider) CloseSession(session string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ClosedSessions = append(p.ClosedSessions, session)
}

// OpenCount returns the number of Open calls. Thread-safe.
func (p *Provider) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.OpenCalls)
}

// Stream returns the i-th opened stream or nil. Thread-safe.
func (p *Provider) Stream(i int) *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.streams) {
		return nil
	}
	return p.streams[i]
}

// StreamCount returns the number of streams handed out. Thread-safe.
func (p *Provider) StreamCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}

// Greetings returns a copy of the recorded Greet calls. Thread-safe.
func (p *Provider) Greetings() []recognizer.GreetingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]recognizer.GreetingRequest(nil), p.GreetCalls...)
}

var (
	_ recognizer.Provider      = (*Provider)(nil)
	_ recognizer.Greeter       = (*Provider)(nil)
	_ recognizer.SessionCloser = (*Provider)(nil)
)

// Stream is a mock implementation of recognizer.Stream.
type Stream struct {
	mu sync.Mutex

	// WriteErr, if non-nil, is returned by WriteAudio while the stream is live.
	WriteErr error

	events    chan recognizer.Event
	chunks    [][]byte
	calls     []string
	ended     bool
	destroyed bool
	cancelled bool
	finished  bool
}

// NewStream returns a live Stream with a 64-event buffer.
func NewStream() *Stream {
	return &Stream{events: make(chan recognizer.Event, 64)}
}

// WriteAudio records a copy of chunk. Returns recognizer.ErrStreamClosed after
// End or Destroy.
func (s *Stream) WriteAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.destroyed {
		return recognizer.ErrStreamClosed
	}
	if s.WriteErr != nil {
		return s.WriteErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.chunks = append(s.chunks, cp)
	return nil
}

// End records the call.
func (s *Stream) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "end")
	s.ended = true
	return nil
}

// Destroy records the call and closes the event channel once.
func (s *Stream) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "destroy")
	if s.destroyed {
		return
	}
	s.destroyed = true
	if !s.finished {
		s.finished = true
		close(s.events)
	}
}

func (s *Stream) cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	if !s.finished {
		s.finished = true
		close(s.events)
	}
}

// Cancelled reports whether the context the stream was opened with is done.
func (s *Stream) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Events implements recognizer.Stream.
func (s *Stream) Events() <-chan recognizer.Event { return s.events }

// Emit delivers ev to the consumer. It reports false, dropping ev, when the
// stream has already been destroyed or finished, or the buffer is full.
func (s *Stream) Emit(ev recognizer.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.finished {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// Finish closes the event channel as if the backend ended the stream.
func (s *Stream) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	close(s.events)
}

// Chunks returns a copy of the received audio chunks. Thread-safe.
func (s *Stream) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.chunks...)
}

// Calls returns the ordered list of lifecycle calls ("end", "destroy").
func (s *Stream) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Destroyed reports whether Destroy was called.
func (s *Stream) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

var _ recognizer.Stream = (*Stream)(nil)
