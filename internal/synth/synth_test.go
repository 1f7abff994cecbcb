package synth

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/protocol"
	"github.com/MrWong99/callbridge/pkg/provider/tts/mock"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func TestSynthesize_PassesRequest(t *testing.T) {
	t.Parallel()

	p := mock.NewProvider([]byte{1, 2, 3})
	inv := New(p, WithLanguage("bg-BG"), WithVoice("bg-BG-Standard-A"), WithMetrics(testMetrics(t)))

	audio, err := inv.Synthesize(context.Background(), "Hello", 8000)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "\x01\x02\x03" {
		t.Errorf("audio = %v, want [1 2 3]", audio)
	}
	if len(p.Calls) != 1 {
		t.Fatalf("provider calls = %d, want 1", len(p.Calls))
	}
	req := p.Calls[0]
	if req.Text != "Hello" || req.SampleRate != 8000 {
		t.Errorf("request = %+v, want text Hello at 8000 Hz", req)
	}
	if req.Language != "bg-BG" || req.Voice != "bg-BG-Standard-A" {
		t.Errorf("language/voice = %q/%q", req.Language, req.Voice)
	}
}

func TestSetLanguage(t *testing.T) {
	t.Parallel()

	p := mock.NewProvider([]byte{1})
	inv := New(p, WithMetrics(testMetrics(t)))
	if inv.Language() != "" {
		t.Errorf("default language = %q, want empty", inv.Language())
	}
	inv.SetLanguage("en-US")
	if _, err := inv.Synthesize(context.Background(), "Hi", 8000); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got := p.Requests()[0].Language; got != "en-US" {
		t.Errorf("request language = %q, want en-US", got)
	}
}

func TestSynthesize_Error(t *testing.T) {
	t.Parallel()

	backendErr := errors.New("quota exceeded")
	p := mock.NewProvider(nil)
	p.Err = backendErr
	inv := New(p, WithMetrics(testMetrics(t)))

	_, err := inv.Synthesize(context.Background(), "Hello", 16000)
	var se *SynthesisError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *SynthesisError", err)
	}
	if !errors.Is(err, backendErr) {
		t.Errorf("error does not wrap backend error: %v", err)
	}
	if se.SampleRate != 16000 || se.Text != "Hello" {
		t.Errorf("SynthesisError = %+v", se)
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	t.Parallel()

	p := mock.NewProvider([]byte{1})
	inv := New(p, WithMetrics(testMetrics(t)))

	_, err := inv.Synthesize(context.Background(), "", 8000)
	if !errors.Is(err, ErrEmptyText) {
		t.Fatalf("error = %v, want ErrEmptyText", err)
	}
	if len(p.Calls) != 0 {
		t.Errorf("provider called %d times for empty text", len(p.Calls))
	}
}

func TestPlayAudio_RoundTrip(t *testing.T) {
	t.Parallel()

	raw := []byte{0x00, 0xff, 0x10, 0x7f, 0x80, 0x01}
	inv := New(mock.NewProvider(raw), WithMetrics(testMetrics(t)))

	msg, err := inv.PlayAudio(context.Background(), "Hello", 8000)
	if err != nil {
		t.Fatalf("PlayAudio: %v", err)
	}
	if msg.Type != protocol.TypePlayAudio {
		t.Errorf("type = %q, want %q", msg.Type, protocol.TypePlayAudio)
	}
	data, ok := msg.Data.(protocol.PlayAudioData)
	if !ok {
		t.Fatalf("data = %T, want protocol.PlayAudioData", msg.Data)
	}
	if data.SampleRate != 8000 {
		t.Errorf("sampleRate = %d, want 8000", data.SampleRate)
	}
	if data.AudioContentType != protocol.AudioContentTypeRaw {
		t.Errorf("audioContentType = %q, want raw", data.AudioContentType)
	}
	decoded, err := base64.StdEncoding.DecodeString(data.AudioContent)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(decoded) != string(raw) {
		t.Errorf("decoded = %v, want %v", decoded, raw)
	}
}

func TestPlayAudio_ContextCancelled(t *testing.T) {
	t.Parallel()

	p := mock.NewProvider([]byte{1})
	p.Block = make(chan struct{})
	inv := New(p, WithMetrics(testMetrics(t)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := inv.PlayAudio(ctx, "Hello", 8000)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}
