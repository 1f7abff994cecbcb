package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/callbridge/pkg/provider/tts"
	"github.com/coder/websocket"
)

// fakeServer mimics the ElevenLabs stream-input endpoint: it records the text
// messages it receives and answers the flush with two audio chunks.
type fakeServer struct {
	mu       sync.Mutex
	path     string
	query    url.Values
	messages []textMessage
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	f.mu.Lock()
	f.path = r.URL.Path
	f.query = r.URL.Query()
	f.mu.Unlock()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var m textMessage
		_ = json.Unmarshal(data, &m)
		f.mu.Lock()
		f.messages = append(f.messages, m)
		f.mu.Unlock()
		if m.Text != "" {
			continue
		}
		for _, chunk := range []string{"ab", "cd"} {
			b, _ := json.Marshal(audioResponse{Audio: base64.StdEncoding.EncodeToString([]byte(chunk))})
			_ = conn.Write(ctx, websocket.MessageText, b)
		}
		b, _ := json.Marshal(audioResponse{IsFinal: true})
		_ = conn.Write(ctx, websocket.MessageText, b)
		return
	}
}

func TestSynthesize_CollectsAudio(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	p, err := New("key-123", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")), WithVoice("voice-1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	audio, err := p.Synthesize(context.Background(), tts.Request{Text: "Hello", SampleRate: 16000})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "abcd" {
		t.Errorf("audio = %q, want %q", audio, "abcd")
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.path != "/v1/text-to-speech/voice-1/stream-input" {
		t.Errorf("path = %q", fake.path)
	}
	if got := fake.query.Get("output_format"); got != "pcm_16000" {
		t.Errorf("output_format = %q, want pcm_16000", got)
	}
	if len(fake.messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(fake.messages))
	}
	if fake.messages[0].XiAPIKey != "key-123" {
		t.Errorf("first message api key = %q", fake.messages[0].XiAPIKey)
	}
	if fake.messages[1].Text != "Hello " {
		t.Errorf("text message = %q, want %q", fake.messages[1].Text, "Hello ")
	}
	if fake.messages[2].Text != "" {
		t.Errorf("flush message text = %q, want empty", fake.messages[2].Text)
	}
}

func TestSynthesize_Validation(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if _, err := p.Synthesize(ctx, tts.Request{Text: "", SampleRate: 8000, Voice: "v"}); err == nil {
		t.Error("expected error for empty text")
	}
	if _, err := p.Synthesize(ctx, tts.Request{Text: "hi", SampleRate: 8000}); err == nil {
		t.Error("expected error when no voice is configured")
	}
	if _, err := p.Synthesize(ctx, tts.Request{Text: "hi", SampleRate: 12345, Voice: "v"}); err == nil {
		t.Error("expected error for unsupported sample rate")
	}
}

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestBuildURL(t *testing.T) {
	p, _ := New("key", WithModel("eleven_turbo_v2"))
	got, err := p.buildURL("voice abc", 8000)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	if !strings.HasPrefix(got, "wss://api.elevenlabs.io/v1/text-to-speech/voice%20abc/stream-input?") {
		t.Errorf("unexpected URL prefix: %s", got)
	}
	if !strings.Contains(got, "model_id=eleven_turbo_v2") {
		t.Errorf("URL missing model_id: %s", got)
	}
	if !strings.Contains(got, "output_format=pcm_8000") {
		t.Errorf("URL missing output_format: %s", got)
	}
}
