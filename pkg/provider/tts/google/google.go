// Package google provides a Google Cloud Text-to-Speech provider. It
// implements the tts.Provider interface by issuing one SynthesizeSpeech call
// per reply and returning the LINEAR16 audio at the caller's sample rate.
package google

import (
	"context"
	"errors"
	"fmt"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"github.com/MrWong99/callbridge/pkg/provider/tts"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
)

const defaultLanguage = "bg-BG"

// synthesizer is the subset of the Text-to-Speech client used by Provider.
type synthesizer interface {
	SynthesizeSpeech(ctx context.Context, req *texttospeechpb.SynthesizeSpeechRequest, opts ...gax.CallOption) (*texttospeechpb.SynthesizeSpeechResponse, error)
	Close() error
}

// Option is a functional option for configuring the Google Provider.
type Option func(*Provider)

// WithLanguage sets the default BCP-47 language code (e.g. "bg-BG").
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithVoice sets the default voice name (e.g. "bg-BG-Standard-A"). Empty lets
// Google pick a voice for the language and gender.
func WithVoice(name string) Option {
	return func(p *Provider) {
		p.voice = name
	}
}

// WithGender sets the SSML gender used when no voice name is configured.
func WithGender(g texttospeechpb.SsmlVoiceGender) Option {
	return func(p *Provider) {
		p.gender = g
	}
}

// WithClientOptions passes options to the underlying Google client, typically
// credentials from gcpauth.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(p *Provider) {
		p.clientOpts = append(p.clientOpts, opts...)
	}
}

// Provider implements tts.Provider backed by Google Cloud Text-to-Speech.
type Provider struct {
	client     synthesizer
	language   string
	voice      string
	gender     texttospeechpb.SsmlVoiceGender
	clientOpts []option.ClientOption
}

// New creates a Provider and dials the Text-to-Speech API.
func New(ctx context.Context, opts ...Option) (*Provider, error) {
	p := &Provider{
		language: defaultLanguage,
		gender:   texttospeechpb.SsmlVoiceGender_NEUTRAL,
	}
	for _, o := range opts {
		o(p)
	}
	client, err := texttospeech.NewClient(ctx, p.clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("google tts: create client: %w", err)
	}
	p.client = client
	return p, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	if req.Text == "" {
		return nil, errors.New("google tts: text must not be empty")
	}
	resp, err := p.client.SynthesizeSpeech(ctx, p.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("google tts: synthesize: %w", err)
	}
	return resp.GetAudioContent(), nil
}

// Close releases the underlying gRPC connection.
func (p *Provider) Close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

// buildRequest maps a tts.Request onto the Google API request, applying the
// provider defaults for language and voice.
func (p *Provider) buildRequest(req tts.Request) *texttospeechpb.SynthesizeSpeechRequest {
	lang := req.Language
	if lang == "" {
		lang = p.language
	}
	voice := req.Voice
	if voice == "" {
		voice = p.voice
	}
	return &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: req.Text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: lang,
			Name:         voice,
			SsmlGender:   p.gender,
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding:   texttospeechpb.AudioEncoding_LINEAR16,
			SampleRateHertz: int32(req.SampleRate),
		},
	}
}

var _ tts.Provider = (*Provider)(nil)
