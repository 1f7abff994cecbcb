// Package cascade provides a recognizer built from two independent backends:
// a streaming STT provider that transcribes the caller and an LLM that writes
// the reply. It is the vendor-neutral alternative to the dialogflow package.
//
// One stream covers one utterance. The STT session's end-of-speech final (or
// the session closing after End) yields an EventFinal; the LLM reply to the
// committed transcript yields the EventFulfillment. Conversation history is
// kept per session path so follow-up utterances have context, and is dropped
// by CloseSession when the call ends.
package cascade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MrWong99/callbridge/pkg/provider/llm"
	"github.com/MrWong99/callbridge/pkg/provider/recognizer"
	"github.com/MrWong99/callbridge/pkg/provider/stt"
)

const (
	defaultMaxHistory = 20
	defaultMaxTokens  = 200
)

// Option is a functional option for configuring the cascade Provider.
type Option func(*Provider)

// WithSystemPrompt sets the instruction sent before the conversation.
func WithSystemPrompt(prompt string) Option {
	return func(p *Provider) {
		p.systemPrompt = prompt
	}
}

// WithMaxHistory bounds the number of messages remembered per session.
func WithMaxHistory(n int) Option {
	return func(p *Provider) {
		p.maxHistory = n
	}
}

// WithMaxTokens caps the length of each reply.
func WithMaxTokens(n int) Option {
	return func(p *Provider) {
		p.maxTokens = n
	}
}

// Provider implements recognizer.Provider, recognizer.Greeter and
// recognizer.SessionCloser.
type Provider struct {
	stt          stt.Provider
	llm          llm.Provider
	systemPrompt string
	maxHistory   int
	maxTokens    int

	mu      sync.Mutex
	history map[string][]llm.Message
}

// New creates a cascade Provider.
func New(sttProvider stt.Provider, llmProvider llm.Provider, opts ...Option) (*Provider, error) {
	if sttProvider == nil {
		return nil, errors.New("cascade: stt provider must not be nil")
	}
	if llmProvider == nil {
		return nil, errors.New("cascade: llm provider must not be nil")
	}
	p := &Provider{
		stt:        sttProvider,
		llm:        llmProvider,
		maxHistory: defaultMaxHistory,
		maxTokens:  defaultMaxTokens,
		history:    make(map[string][]llm.Message),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// SessionPath returns the key under which the conversation of callID is kept.
func (p *Provider) SessionPath(callID string) string {
	return "sessions/" + callID
}

// Open starts an STT session for one utterance.
func (p *Provider) Open(ctx context.Context, cfg recognizer.StreamConfig) (recognizer.Stream, error) {
	if cfg.Session == "" {
		return nil, errors.New("cascade: session must not be empty")
	}
	handle, err := p.stt.StartStream(ctx, stt.StreamConfig{
		SampleRate: cfg.SampleRate,
		Channels:   1,
		Language:   cfg.Language,
	})
	if err != nil {
		return nil, fmt.Errorf("cascade: start stt: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &stream{
		p:      p,
		cfg:    cfg,
		handle: handle,
		cancel: cancel,
		events: make(chan recognizer.Event, 16),
		done:   make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

// Greet asks the LLM for an opening line prompted by req.Event.
func (p *Provider) Greet(ctx context.Context, req recognizer.GreetingRequest) (string, error) {
	if req.Event.Name == "" {
		return "", errors.New("cascade: greeting event name must not be empty")
	}
	turn := llm.Message{Role: llm.RoleUser, Content: describeEvent(req.Event)}
	return p.reply(ctx, req.Session, contextMessages(nil, req.Payload), turn)
}

// CloseSession forgets the conversation of session.
func (p *Provider) CloseSession(session string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.history, session)
}

// reply completes the conversation of session with turn and records both the
// turn and the answer.
func (p *Provider) reply(ctx context.Context, session string, extra []llm.Message, turn llm.Message) (string, error) {
	p.mu.Lock()
	msgs := append([]llm.Message(nil), p.history[session]...)
	p.mu.Unlock()
	msgs = append(msgs, extra...)
	msgs = append(msgs, turn)

	resp, err := p.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: p.systemPrompt,
		Messages:     msgs,
		MaxTokens:    p.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("cascade: complete: %w", err)
	}
	text := llm.Speakable(resp.Content)

	p.mu.Lock()
	h := append(p.history[session], turn, llm.Message{Role: llm.RoleAssistant, Content: text})
	if p.maxHistory > 0 && len(h) > p.maxHistory {
		h = h[len(h)-p.maxHistory:]
	}
	p.history[session] = h
	p.mu.Unlock()
	return text, nil
}

// historyLen reports the remembered messages of session.
func (p *Provider) historyLen(session string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.history[session])
}

// contextMessages renders the setup context and payload of a call as system
// messages.
func contextMessages(ev *recognizer.EventInput, payload map[string]any) []llm.Message {
	var out []llm.Message
	if ev != nil && ev.Name != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: "Call context: " + describeEvent(*ev)})
	}
	if len(payload) > 0 {
		if b, err := json.Marshal(payload); err == nil {
			out = append(out, llm.Message{Role: llm.RoleSystem, Content: "Call data: " + string(b)})
		}
	}
	return out
}

func describeEvent(ev recognizer.EventInput) string {
	if len(ev.Parameters) == 0 {
		return ev.Name
	}
	b, err := json.Marshal(ev.Parameters)
	if err != nil {
		return ev.Name
	}
	return ev.Name + " " + string(b)
}

// stream implements recognizer.Stream over one STT session.
type stream struct {
	p      *Provider
	cfg    recognizer.StreamConfig
	handle stt.SessionHandle
	cancel context.CancelFunc
	events chan recognizer.Event

	mu          sync.Mutex
	ended       bool
	done        chan struct{}
	destroyOnce sync.Once
}

// WriteAudio forwards chunk to the STT session.
func (s *stream) WriteAudio(chunk []byte) error {
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if ended || s.destroyed() {
		return recognizer.ErrStreamClosed
	}
	if err := s.handle.SendAudio(chunk); err != nil {
		return fmt.Errorf("cascade: send audio: %w", err)
	}
	return nil
}

// End tells the STT session that no more audio follows.
func (s *stream) End() error {
	s.mu.Lock()
	if s.ended || s.destroyed() {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	s.mu.Unlock()
	return s.handle.Finish()
}

// Destroy tears down the STT session and any pending LLM call.
func (s *stream) Destroy() {
	s.destroyOnce.Do(func() {
		close(s.done)
		s.cancel()
		_ = s.handle.Close()
	})
}

// Events implements recognizer.Stream.
func (s *stream) Events() <-chan recognizer.Event { return s.events }

func (s *stream) destroyed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *stream) run(ctx context.Context) {
	defer close(s.events)
	defer s.handle.Close()

	var parts []string
	partials, finals := s.handle.Partials(), s.handle.Finals()
	for partials != nil || finals != nil {
		select {
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if t.Text != "" && !s.emit(recognizer.Partial(t.Text)) {
				return
			}
		case t, ok := <-finals:
			// Partials queued before this final are reported first.
			var alive bool
			if partials, alive = s.drainPartials(partials); !alive {
				return
			}
			if !ok {
				finals = nil
				continue
			}
			if t.Text != "" {
				parts = append(parts, t.Text)
			}
			if t.SpeechFinal && len(parts) > 0 && s.cfg.SingleUtterance {
				s.fulfill(ctx, strings.Join(parts, " "))
				return
			}
		case <-s.done:
			return
		}
	}
	// The STT session ended, either after End or because the backend closed.
	if len(parts) > 0 {
		s.fulfill(ctx, strings.Join(parts, " "))
	}
}

// drainPartials emits the partials already queued on ch without blocking. It
// returns the channel, nil once it is closed, and false if the stream was
// destroyed meanwhile.
func (s *stream) drainPartials(ch <-chan stt.Transcript) (<-chan stt.Transcript, bool) {
	for ch != nil {
		select {
		case t, ok := <-ch:
			if !ok {
				return nil, true
			}
			if t.Text != "" && !s.emit(recognizer.Partial(t.Text)) {
				return ch, false
			}
		default:
			return ch, true
		}
	}
	return nil, true
}

// fulfill reports the final transcript and then the LLM reply.
func (s *stream) fulfill(ctx context.Context, transcript string) {
	if !s.emit(recognizer.Final(transcript)) {
		return
	}
	turn := llm.Message{Role: llm.RoleUser, Content: transcript}
	text, err := s.p.reply(ctx, s.cfg.Session, contextMessages(s.cfg.Event, s.cfg.Payload), turn)
	if err != nil {
		if !s.destroyed() {
			s.emit(recognizer.Failure(err))
		}
		return
	}
	s.emit(recognizer.Fulfillment(text))
}

// emit delivers ev unless the stream has been destroyed.
func (s *stream) emit(ev recognizer.Event) bool {
	if s.destroyed() {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

var (
	_ recognizer.Provider      = (*Provider)(nil)
	_ recognizer.Greeter       = (*Provider)(nil)
	_ recognizer.SessionCloser = (*Provider)(nil)
	_ recognizer.Stream        = (*stream)(nil)
)
