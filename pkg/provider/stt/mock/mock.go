// Package mock provides test doubles for the stt package.
//
// A test drives a [Session] by sending on its channels, for example
//
//	sess := mock.NewSession(8)
//	p := &mock.Provider{Session: sess}
//	sess.FinalsCh <- stt.Transcript{Text: "да", IsFinal: true, SpeechFinal: true}
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/callbridge/pkg/provider/stt"
)

// Provider is a scripted stt.Provider.
type Provider struct {
	// Session is returned by every StartStream. When nil, NewSession builds
	// one per call, and without NewSession a fresh [Session] is made.
	Session    stt.SessionHandle
	NewSession func() stt.SessionHandle

	// Err fails every StartStream.
	Err error

	mu      sync.Mutex
	configs []stt.StreamConfig
}

var _ stt.Provider = (*Provider)(nil)

func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs = append(p.configs, cfg)
	switch {
	case p.Err != nil:
		return nil, p.Err
	case p.Session != nil:
		return p.Session, nil
	case p.NewSession != nil:
		return p.NewSession(), nil
	}
	return NewSession(16), nil
}

// Configs returns the StreamConfig of every StartStream call in order.
func (p *Provider) Configs() []stt.StreamConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]stt.StreamConfig(nil), p.configs...)
}

// CallCount returns how often StartStream was called.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.configs)
}

// ErrClosed is returned by SendAudio after Close.
var ErrClosed = errors.New("mock stt: session closed")

// Session is an stt.SessionHandle whose transcripts come from the test. The
// test owns PartialsCh and FinalsCh and closes them to end the session.
type Session struct {
	PartialsCh chan stt.Transcript
	FinalsCh   chan stt.Transcript

	// SendErr fails every SendAudio.
	SendErr error

	mu       sync.Mutex
	chunks   [][]byte
	finished int
	closed   int
}

var _ stt.SessionHandle = (*Session)(nil)

// NewSession returns a Session with both channels buffered to size.
func NewSession(size int) *Session {
	return &Session{
		PartialsCh: make(chan stt.Transcript, size),
		FinalsCh:   make(chan stt.Transcript, size),
	}
}

func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed > 0 {
		return ErrClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.chunks = append(s.chunks, append([]byte(nil), chunk...))
	return nil
}

func (s *Session) Partials() <-chan stt.Transcript { return s.PartialsCh }
func (s *Session) Finals() <-chan stt.Transcript   { return s.FinalsCh }

func (s *Session) Finish() error {
	s.mu.Lock()
	s.finished++
	s.mu.Unlock()
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

// Chunks returns copies of the audio passed to SendAudio.
func (s *Session) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.chunks...)
}

// Finished returns how often Finish was called.
func (s *Session) Finished() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Closed returns how often Close was called.
func (s *Session) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
