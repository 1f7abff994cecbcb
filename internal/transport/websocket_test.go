package transport

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/callbridge/internal/call"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// echoServer records every frame it reads and answers each with a JSON
// message describing it.
type echoServer struct {
	frames chan call.Frame
	done   chan error
}

func newEchoServer() *echoServer {
	return &echoServer{frames: make(chan call.Frame, 16), done: make(chan error, 1)}
}

func (e *echoServer) Serve(ctx context.Context, sock call.Socket) error {
	for {
		f, err := sock.Read(ctx)
		if err != nil {
			e.done <- err
			return nil
		}
		e.frames <- f
		if err := sock.WriteJSON(ctx, map[string]any{"binary": f.Binary, "len": len(f.Data)}); err != nil {
			e.done <- err
			return nil
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv)+"/calls", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestHandler_FramesAndReplies(t *testing.T) {
	t.Parallel()
	echo := newEchoServer()
	srv := httptest.NewServer(NewHandler(echo))
	t.Cleanup(srv.Close)

	conn := dial(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"callId":"c1","sampleRate":8000}`)); err != nil {
		t.Fatalf("Write text: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3}); err != nil {
		t.Fatalf("Write binary: %v", err)
	}

	want := []struct {
		binary bool
		n      int
	}{{false, 33}, {true, 3}}
	for i, w := range want {
		f := <-echo.frames
		if f.Binary != w.binary || len(f.Data) != w.n {
			t.Errorf("frame %d = binary %v len %d, want %v %d", i, f.Binary, len(f.Data), w.binary, w.n)
		}
		var reply map[string]any
		if err := wsjson.Read(ctx, conn, &reply); err != nil {
			t.Fatalf("read reply %d: %v", i, err)
		}
		if reply["binary"] != w.binary || reply["len"].(float64) != float64(w.n) {
			t.Errorf("reply %d = %v", i, reply)
		}
	}
}

func TestHandler_ClientCloseEndsServe(t *testing.T) {
	t.Parallel()
	echo := newEchoServer()
	h := NewHandler(echo)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	conn := dial(t, srv)
	deadline := time.Now().Add(3 * time.Second)
	for h.Active() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("socket not tracked")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "bye")

	select {
	case err := <-echo.done:
		if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
			t.Errorf("read error = %v, want normal closure", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not observe the close")
	}
	for h.Active() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("socket still tracked after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitActive(t *testing.T, h *Handler, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for h.Active() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Active = %d, want %d", h.Active(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandler_CloseAll(t *testing.T) {
	t.Parallel()
	echo := newEchoServer()
	h := NewHandler(echo)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	conn := dial(t, srv)
	waitActive(t, h, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// The client answers the close frame from its read loop.
	readErr := make(chan error, 1)
	go func() {
		_, _, err := conn.Read(ctx)
		readErr <- err
	}()

	h.CloseAll(ctx, "shutdown")

	if got := websocket.CloseStatus(<-readErr); got != websocket.StatusGoingAway {
		t.Errorf("close status = %v, want %v", got, websocket.StatusGoingAway)
	}
	if err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n := h.Active(); n != 0 {
		t.Errorf("Active after Wait = %d, want 0", n)
	}

	// New connections are refused once closed.
	late := dial(t, srv)
	_, _, err := late.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
		t.Errorf("late close status = %v, want %v", got, websocket.StatusGoingAway)
	}
}

func TestHandler_CloseAllDropsSilentPeers(t *testing.T) {
	t.Parallel()
	echo := newEchoServer()
	h := NewHandler(echo)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	// None of these clients read, so none answers the close handshake.
	conns := []*websocket.Conn{dial(t, srv), dial(t, srv), dial(t, srv)}
	waitActive(t, h, len(conns))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	h.CloseAll(ctx, "shutdown")
	if took := time.Since(start); took > time.Second {
		t.Errorf("CloseAll took %v with a 200ms deadline", took)
	}

	wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer wcancel()
	if err := h.Wait(wctx); err != nil {
		t.Fatalf("Wait after dropping sockets: %v", err)
	}
	for range conns {
		select {
		case <-echo.done:
		case <-time.After(2 * time.Second):
			t.Fatal("Serve did not return after its socket was dropped")
		}
	}

	// The going-away frame was still sent before the drop.
	_, _, err := conns[0].Read(wctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
		t.Errorf("close status = %v, want %v (err %v)", got, websocket.StatusGoingAway, err)
	}
}

func TestHandler_WaitHonoursContext(t *testing.T) {
	t.Parallel()
	h := NewHandler(newEchoServer())
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	dial(t, srv)
	deadline := time.Now().Add(3 * time.Second)
	for h.Active() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("socket not tracked")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait = %v, want DeadlineExceeded", err)
	}
}

func TestHandler_RejectsPlainHTTP(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(NewHandler(newEchoServer()))
	t.Cleanup(srv.Close)

	resp, err := srv.Client().Get(srv.URL + "/calls")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 400 {
		t.Errorf("status = %d, want a client error", resp.StatusCode)
	}
}

func TestSocket_ReadLimit(t *testing.T) {
	t.Parallel()
	echo := newEchoServer()
	srv := httptest.NewServer(NewHandler(echo, WithReadLimit(8)))
	t.Cleanup(srv.Close)

	conn := dial(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = conn.Write(ctx, websocket.MessageBinary, make([]byte, 64))

	select {
	case err := <-echo.done:
		if err == nil {
			t.Error("oversized frame accepted")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("oversized frame did not fail the read")
	}
}
