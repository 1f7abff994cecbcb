// Package deepgram transcribes call audio with the Deepgram live streaming
// API. Each [Provider.StartStream] dials one WebSocket; caller audio goes up
// as binary frames and results come back as JSON text frames.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callbridge/pkg/provider/stt"
)

const (
	liveEndpoint = "wss://api.deepgram.com/v1/listen"

	// DefaultModel is tuned for narrowband telephony audio.
	DefaultModel = "nova-2-phonecall"

	// DefaultKeepAlive is below the ten seconds of silence after which
	// Deepgram drops an idle stream.
	DefaultKeepAlive = 8 * time.Second
)

// Provider implements stt.Provider.
type Provider struct {
	apiKey       string
	endpoint     string
	model        string
	language     string
	sampleRate   int
	endpointing  int
	utteranceEnd int
	keepAlive    time.Duration
}

var _ stt.Provider = (*Provider)(nil)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the Deepgram model, for example "nova-3".
func WithModel(model string) Option { return func(p *Provider) { p.model = model } }

// WithLanguage sets the language used when a stream does not ask for one.
func WithLanguage(lang string) Option { return func(p *Provider) { p.language = lang } }

// WithSampleRate sets the rate assumed when a stream does not carry one.
func WithSampleRate(hz int) Option { return func(p *Provider) { p.sampleRate = hz } }

// WithEndpointing sets how many milliseconds of silence end a caller's turn.
// Zero leaves Deepgram's own default.
func WithEndpointing(ms int) Option { return func(p *Provider) { p.endpointing = ms } }

// WithUtteranceEnd enables Deepgram's word-gap based turn detection, which
// still fires on noisy lines where silence endpointing never triggers.
func WithUtteranceEnd(ms int) Option { return func(p *Provider) { p.utteranceEnd = ms } }

// WithKeepAlive sets how often a KeepAlive message is sent. Zero disables it.
func WithKeepAlive(d time.Duration) Option { return func(p *Provider) { p.keepAlive = d } }

// WithEndpoint replaces the live WebSocket URL.
func WithEndpoint(endpoint string) Option { return func(p *Provider) { p.endpoint = endpoint } }

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:      apiKey,
		endpoint:    liveEndpoint,
		model:       DefaultModel,
		language:    "bg",
		sampleRate:  8000,
		endpointing: 300,
		keepAlive:   DefaultKeepAlive,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// StartStream dials Deepgram and returns the running session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	target, err := p.streamURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: stream url: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Token " + p.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	return startSession(ctx, conn, p.keepAlive), nil
}

func (p *Provider) streamURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	lang, rate, channels := p.language, p.sampleRate, 1
	if cfg.Language != "" {
		lang = cfg.Language
	}
	if cfg.SampleRate > 0 {
		rate = cfg.SampleRate
	}
	if cfg.Channels > 0 {
		channels = cfg.Channels
	}

	q := url.Values{}
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("channels", strconv.Itoa(channels))
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("interim_results", "true")
	if p.endpointing > 0 {
		q.Set("endpointing", strconv.Itoa(p.endpointing))
	}
	if p.utteranceEnd > 0 {
		q.Set("utterance_end_ms", strconv.Itoa(p.utteranceEnd))
		q.Set("vad_events", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
