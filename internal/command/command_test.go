package command

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/callbridge/internal/call"
	callmock "github.com/MrWong99/callbridge/internal/call/mock"
	"github.com/MrWong99/callbridge/internal/observe"
)

func newHandler(t *testing.T) (*Handler, *call.Registry) {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	reg := call.NewRegistry()
	return New(reg, m), reg
}

func addCall(t *testing.T, reg *call.Registry, id string) *callmock.Socket {
	t.Helper()
	sock := callmock.NewSocket()
	if err := reg.Put(&call.Call{ID: id, SampleRate: 8000, Socket: sock}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	return sock
}

func decode(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return m
}

func TestNames(t *testing.T) {
	t.Parallel()
	h, _ := newHandler(t)

	want := []string{"disconnect", "killAudio", "playAudio", "transcription", "transfer"}
	if got := h.Names(); !slices.Equal(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}

func TestPlayAudio_AbsentCall(t *testing.T) {
	t.Parallel()
	h, reg := newHandler(t)
	other := addCall(t, reg, "c2")

	resp, err := h.PlayAudio(context.Background(), "c1", []byte{0, 1, 2}, "raw", 8000)
	if err != nil {
		t.Fatalf("PlayAudio: %v", err)
	}
	if resp.CallID != "c1" {
		t.Errorf("CallID = %q, want c1", resp.CallID)
	}
	if n := len(other.Written()); n != 0 {
		t.Errorf("writes to other call = %d, want 0", n)
	}
}

func TestPlayAudio_Forwards(t *testing.T) {
	t.Parallel()
	h, reg := newHandler(t)
	sock := addCall(t, reg, "c1")

	if _, err := h.PlayAudio(context.Background(), "c1", []byte{0, 1, 2}, "raw", 16000); err != nil {
		t.Fatalf("PlayAudio: %v", err)
	}
	written := sock.Written()
	if len(written) != 1 {
		t.Fatalf("writes = %d, want 1", len(written))
	}
	msg := decode(t, written[0])
	if msg["type"] != "playAudio" {
		t.Errorf("type = %v", msg["type"])
	}
	data := msg["data"].(map[string]any)
	if data["audioContent"] != "AAEC" || data["audioContentType"] != "raw" || data["sampleRate"].(float64) != 16000 {
		t.Errorf("data = %v", data)
	}
}

func TestDispatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		command  string
		wantType string
		wantData bool
	}{
		{"killAudio", "killAudio", false},
		{"disconnect", "disconnect", false},
		{"transfer", "transfer", true},
		{"transcription", "transcription", true},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			t.Parallel()
			h, reg := newHandler(t)
			sock := addCall(t, reg, "c1")

			resp, err := h.Dispatch(context.Background(), tt.command, Request{CallID: "c1"})
			if err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
			if resp.CallID != "c1" {
				t.Errorf("CallID = %q", resp.CallID)
			}
			written := sock.Written()
			if len(written) != 1 {
				t.Fatalf("writes = %d, want 1", len(written))
			}
			msg := decode(t, written[0])
			if msg["type"] != tt.wantType {
				t.Errorf("type = %v, want %s", msg["type"], tt.wantType)
			}
			data, hasData := msg["data"]
			if hasData != tt.wantData {
				t.Errorf("has data = %v, want %v (%s)", hasData, tt.wantData, written[0])
			}
			if tt.wantData && len(data.(map[string]any)) != 0 {
				t.Errorf("stub data = %v, want empty object", data)
			}
		})
	}
}

func TestDispatch_UnknownCommand(t *testing.T) {
	t.Parallel()
	h, _ := newHandler(t)

	_, err := h.Dispatch(context.Background(), "explode", Request{CallID: "c1"})
	if !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("err = %v, want ErrUnknownCommand", err)
	}
}

func TestDispatch_WriteFailure(t *testing.T) {
	t.Parallel()
	h, reg := newHandler(t)
	sock := addCall(t, reg, "c1")
	sock.WriteErr = errors.New("broken pipe")

	if _, err := h.KillAudio(context.Background(), "c1"); err == nil {
		t.Fatal("KillAudio succeeded, want error")
	}
}

func TestDispatch_ClosedCall(t *testing.T) {
	t.Parallel()
	h, reg := newHandler(t)
	sock := addCall(t, reg, "c1")
	c, _ := reg.Get("c1")
	reg.Close("c1")

	// The closed call may still be referenced; a late command must no-op.
	if err := reg.Put(c); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := h.Disconnect(context.Background(), "c1"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if n := len(sock.Written()); n != 0 {
		t.Errorf("writes = %d, want 0", n)
	}
}

func TestServeCommand(t *testing.T) {
	t.Parallel()
	h, reg := newHandler(t)
	sock := addCall(t, reg, "c1")

	mux := http.NewServeMux()
	h.Register(mux)

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
	}{
		{"play audio", "/commands/playAudio", `{"callId":"c1","audioContent":"AAEC","audioContentType":"raw","sampleRate":8000}`, http.StatusOK},
		{"absent call", "/commands/killAudio", `{"callId":"nope"}`, http.StatusOK},
		{"unknown command", "/commands/explode", `{"callId":"c1"}`, http.StatusNotFound},
		{"bad json", "/commands/killAudio", `{`, http.StatusBadRequest},
		{"audio not base64", "/commands/playAudio", `{"callId":"c1","audioContent":"!!! not base64 @@@","sampleRate":8000}`, http.StatusBadRequest},
		{"missing call id", "/commands/killAudio", `{}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body)
			}
		})
	}

	if n := len(sock.Written()); n != 1 {
		t.Errorf("writes = %d, want 1", n)
	}
}

func TestServeCommand_ResponseBody(t *testing.T) {
	t.Parallel()
	h, _ := newHandler(t)
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodPost, "/commands/disconnect", strings.NewReader(`{"callId":"c9"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	body := decode(t, rec.Body.Bytes())
	if body["callId"] != "c9" {
		t.Errorf("body = %v, want callId c9", body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestServeCommand_MethodNotAllowed(t *testing.T) {
	t.Parallel()
	h, _ := newHandler(t)
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/commands/playAudio", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}
