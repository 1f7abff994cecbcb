// Package dialogflow provides a recognizer backed by Dialogflow ES
// (cloud.google.com/go/dialogflow/apiv2). Each recognizer.Stream maps onto one
// StreamingDetectIntent call configured for a single utterance of 16-bit
// linear PCM; greetings use a plain DetectIntent with an event input.
package dialogflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"

	dialogflow "cloud.google.com/go/dialogflow/apiv2"
	"cloud.google.com/go/dialogflow/apiv2/dialogflowpb"
	"github.com/MrWong99/callbridge/pkg/provider/recognizer"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	defaultLanguage = "bg-BG"
	contextLifespan = 5
)

// sessionsClient is the subset of the Dialogflow SessionsClient used here.
type sessionsClient interface {
	StreamingDetectIntent(ctx context.Context, opts ...gax.CallOption) (dialogflowpb.Sessions_StreamingDetectIntentClient, error)
	DetectIntent(ctx context.Context, req *dialogflowpb.DetectIntentRequest, opts ...gax.CallOption) (*dialogflowpb.DetectIntentResponse, error)
	Close() error
}

// Option is a functional option for configuring the Dialogflow Provider.
type Option func(*Provider)

// WithLanguage sets the default language code used when a stream config does
// not carry one.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithClientOptions passes options to the Google client, typically
// credentials from gcpauth.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(p *Provider) {
		p.clientOpts = append(p.clientOpts, opts...)
	}
}

// Provider implements recognizer.Provider and recognizer.Greeter.
type Provider struct {
	client     sessionsClient
	projectID  string
	language   string
	clientOpts []option.ClientOption
}

// New creates a Provider for the agent of projectID and dials Dialogflow.
func New(ctx context.Context, projectID string, opts ...Option) (*Provider, error) {
	if projectID == "" {
		return nil, errors.New("dialogflow: projectID must not be empty")
	}
	p := &Provider{projectID: projectID, language: defaultLanguage}
	for _, o := range opts {
		o(p)
	}
	client, err := dialogflow.NewSessionsClient(ctx, p.clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("dialogflow: create sessions client: %w", err)
	}
	p.client = client
	return p, nil
}

// SessionPath returns the agent session path for callID.
func (p *Provider) SessionPath(callID string) string {
	return fmt.Sprintf("projects/%s/agent/sessions/%s", p.projectID, callID)
}

// Open starts a StreamingDetectIntent call and sends the configuration
// request. Audio follows through WriteAudio.
func (p *Provider) Open(ctx context.Context, cfg recognizer.StreamConfig) (recognizer.Stream, error) {
	first, err := p.configRequest(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	rpc, err := p.client.StreamingDetectIntent(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dialogflow: open stream: %w", err)
	}
	if err := rpc.Send(first); err != nil {
		cancel()
		return nil, fmt.Errorf("dialogflow: send config: %w", err)
	}

	s := &stream{
		rpc:    rpc,
		cancel: cancel,
		events: make(chan recognizer.Event, 16),
		done:   make(chan struct{}),
	}
	go s.recvLoop()
	return s, nil
}

// Greet runs a DetectIntent with req.Event as input and returns the
// fulfillment text of the matched intent.
func (p *Provider) Greet(ctx context.Context, req recognizer.GreetingRequest) (string, error) {
	if req.Event.Name == "" {
		return "", errors.New("dialogflow: greeting event name must not be empty")
	}
	params, err := toStruct(req.Event.Parameters)
	if err != nil {
		return "", err
	}
	payload, err := toStruct(req.Payload)
	if err != nil {
		return "", err
	}
	resp, err := p.client.DetectIntent(ctx, &dialogflowpb.DetectIntentRequest{
		Session: req.Session,
		QueryInput: &dialogflowpb.QueryInput{
			Input: &dialogflowpb.QueryInput_Event{
				Event: &dialogflowpb.EventInput{
					Name:         req.Event.Name,
					Parameters:   params,
					LanguageCode: p.lang(req.Language),
				},
			},
		},
		QueryParams: &dialogflowpb.QueryParameters{Payload: payload},
	})
	if err != nil {
		return "", fmt.Errorf("dialogflow: detect intent: %w", err)
	}
	return resp.GetQueryResult().GetFulfillmentText(), nil
}

// Close releases the underlying gRPC connection.
func (p *Provider) Close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

func (p *Provider) lang(l string) string {
	if l != "" {
		return l
	}
	return p.language
}

// configRequest builds the first message of a streaming call: the audio
// format, the fulfillment payload and, when present, the event context.
func (p *Provider) configRequest(cfg recognizer.StreamConfig) (*dialogflowpb.StreamingDetectIntentRequest, error) {
	if cfg.Session == "" {
		return nil, errors.New("dialogflow: session must not be empty")
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("dialogflow: invalid sample rate %d", cfg.SampleRate)
	}
	payload, err := toStruct(cfg.Payload)
	if err != nil {
		return nil, err
	}
	params := &dialogflowpb.QueryParameters{Payload: payload}
	if cfg.Event != nil && cfg.Event.Name != "" {
		c, err := eventContext(cfg.Session, *cfg.Event)
		if err != nil {
			return nil, err
		}
		params.Contexts = []*dialogflowpb.Context{c}
	}
	return &dialogflowpb.StreamingDetectIntentRequest{
		Session: cfg.Session,
		QueryInput: &dialogflowpb.QueryInput{
			Input: &dialogflowpb.QueryInput_AudioConfig{
				AudioConfig: &dialogflowpb.InputAudioConfig{
					AudioEncoding:   dialogflowpb.AudioEncoding_AUDIO_ENCODING_LINEAR_16,
					SampleRateHertz: int32(cfg.SampleRate),
					LanguageCode:    p.lang(cfg.Language),
					SingleUtterance: cfg.SingleUtterance,
				},
			},
		},
		QueryParams: params,
	}, nil
}

var invalidContextChars = regexp.MustCompile(`[^a-zA-Z0-9_\-%]`)

// eventContext turns the setup context of a call into an active Dialogflow
// context. The audio query input occupies the oneof an event would use, so the
// name and parameters reach the agent as a context instead.
func eventContext(session string, ev recognizer.EventInput) (*dialogflowpb.Context, error) {
	params, err := toStruct(ev.Parameters)
	if err != nil {
		return nil, err
	}
	return &dialogflowpb.Context{
		Name:          session + "/contexts/" + invalidContextChars.ReplaceAllString(ev.Name, "_"),
		LifespanCount: contextLifespan,
		Parameters:    params,
	}, nil
}

func toStruct(m map[string]any) (*structpb.Struct, error) {
	if len(m) == 0 {
		return nil, nil
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("dialogflow: encode parameters: %w", err)
	}
	return s, nil
}

// mapResponse translates one streaming response into recognizer events. A
// response can carry a recognition result or a query result, never both.
func mapResponse(resp *dialogflowpb.StreamingDetectIntentResponse) []recognizer.Event {
	if rr := resp.GetRecognitionResult(); rr != nil {
		switch {
		case rr.GetMessageType() == dialogflowpb.StreamingRecognitionResult_END_OF_SINGLE_UTTERANCE:
			return []recognizer.Event{recognizer.Final(rr.GetTranscript())}
		case rr.GetIsFinal():
			return []recognizer.Event{recognizer.Final(rr.GetTranscript())}
		case rr.GetTranscript() != "":
			return []recognizer.Event{recognizer.Partial(rr.GetTranscript())}
		}
		return nil
	}
	if qr := resp.GetQueryResult(); qr != nil {
		return []recognizer.Event{recognizer.Fulfillment(qr.GetFulfillmentText())}
	}
	return nil
}

// detectStream is the client side of a StreamingDetectIntent call.
type detectStream interface {
	Send(*dialogflowpb.StreamingDetectIntentRequest) error
	Recv() (*dialogflowpb.StreamingDetectIntentResponse, error)
	CloseSend() error
}

// stream implements recognizer.Stream over one StreamingDetectIntent call.
type stream struct {
	rpc    detectStream
	cancel context.CancelFunc
	events chan recognizer.Event

	mu        sync.Mutex
	ended     bool
	destroyed bool

	done        chan struct{}
	destroyOnce sync.Once
}

// WriteAudio sends chunk as input audio.
func (s *stream) WriteAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.destroyed {
		return recognizer.ErrStreamClosed
	}
	if err := s.rpc.Send(&dialogflowpb.StreamingDetectIntentRequest{InputAudio: chunk}); err != nil {
		return fmt.Errorf("dialogflow: send audio: %w", err)
	}
	return nil
}

// End half-closes the call so Dialogflow answers with the query result.
func (s *stream) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.destroyed {
		return nil
	}
	s.ended = true
	if err := s.rpc.CloseSend(); err != nil {
		return fmt.Errorf("dialogflow: close send: %w", err)
	}
	return nil
}

// Destroy cancels the call. Pending events are dropped.
func (s *stream) Destroy() {
	s.destroyOnce.Do(func() {
		close(s.done)
		s.cancel()
		s.mu.Lock()
		s.destroyed = true
		s.mu.Unlock()
	})
}

// Events implements recognizer.Stream.
func (s *stream) Events() <-chan recognizer.Event { return s.events }

func (s *stream) recvLoop() {
	defer close(s.events)
	defer s.cancel()
	// Dialogflow reports END_OF_SINGLE_UTTERANCE and then an is_final
	// transcript for the same utterance; only the first becomes Final.
	sawFinal := false
	for {
		resp, err := s.rpc.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || s.isDestroyed() || status.Code(err) == codes.Canceled {
				// Finished normally or torn down by Destroy.
				return
			}
			s.emit(recognizer.Failure(fmt.Errorf("dialogflow: receive: %w", err)))
			return
		}
		for _, ev := range mapResponse(resp) {
			if ev.Kind == recognizer.EventFinal {
				if sawFinal {
					continue
				}
				sawFinal = true
			}
			if !s.emit(ev) {
				return
			}
		}
	}
}

// emit delivers ev unless the stream has been destroyed.
func (s *stream) emit(ev recognizer.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *stream) isDestroyed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

var (
	_ recognizer.Provider = (*Provider)(nil)
	_ recognizer.Greeter  = (*Provider)(nil)
	_ recognizer.Stream   = (*stream)(nil)
)
