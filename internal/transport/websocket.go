// Package transport accepts call sockets over WebSocket.
//
// Each accepted connection is wrapped as a call.Socket and handed to a
// [CallServer] (the session controller) on the request goroutine. The
// [Handler] keeps track of open sockets so that shutdown can close every
// active call.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/callbridge/internal/call"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/session"
)

const (
	// defaultReadLimit bounds a single inbound frame.
	defaultReadLimit = 1 << 20

	// defaultWriteTimeout bounds a single outbound message.
	defaultWriteTimeout = 10 * time.Second
)

// CallServer runs one call on a socket until it closes.
// *session.Controller implements it.
type CallServer interface {
	Serve(ctx context.Context, sock call.Socket) error
}

// Option configures a [Handler].
type Option func(*Handler)

// WithReadLimit sets the maximum size of an inbound frame in bytes.
func WithReadLimit(n int64) Option {
	return func(h *Handler) { h.readLimit = n }
}

// WithWriteTimeout bounds every outbound message.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Handler) { h.writeTimeout = d }
}

// WithOriginPatterns sets the allowed cross-origin host patterns. Telephony
// clients rarely send an Origin header; browsers do.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.originPatterns = patterns }
}

// Handler upgrades HTTP requests to call sockets.
type Handler struct {
	srv            CallServer
	readLimit      int64
	writeTimeout   time.Duration
	originPatterns []string

	mu      sync.Mutex
	sockets map[*Socket]struct{}
	closed  bool
	served  sync.WaitGroup
}

// NewHandler returns a Handler that serves calls with srv.
func NewHandler(srv CallServer, opts ...Option) *Handler {
	h := &Handler{
		srv:          srv,
		readLimit:    defaultReadLimit,
		writeTimeout: defaultWriteTimeout,
		sockets:      make(map[*Socket]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ServeHTTP accepts the WebSocket handshake and serves the call until the
// socket closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		observe.Logger(r.Context()).Debug("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(h.readLimit)

	// Hijacked requests are not cancelled by http.Server.Shutdown; CloseAll
	// ends them instead.
	ctx, abort := context.WithCancel(context.WithoutCancel(r.Context()))
	defer abort()

	sock := &Socket{conn: conn, writeTimeout: h.writeTimeout, abort: abort}
	if !h.track(sock) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.untrack(sock)
	defer sock.Close("call ended")

	err = h.srv.Serve(ctx, sock)

	log := observe.Logger(r.Context())
	var se *session.StreamError
	switch {
	case err == nil:
	case errors.Is(err, session.ErrSetup):
		log.Debug("call rejected", "remote", r.RemoteAddr, "err", err)
	case errors.As(err, &se):
		log.Debug("call ended by stream error", "call_id", se.CallID)
	default:
		log.Debug("call ended", "err", err)
	}
}

// Active returns the number of open sockets.
func (h *Handler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sockets)
}

// CloseAll sends a going-away close frame on every open socket and rejects
// new ones. The close handshakes run concurrently. Peers that have not
// answered when ctx is done are dropped without a handshake, which also
// cancels the context their call is served with.
func (h *Handler) CloseAll(ctx context.Context, reason string) {
	h.mu.Lock()
	h.closed = true
	socks := make([]*Socket, 0, len(h.sockets))
	for s := range h.sockets {
		socks = append(socks, s)
	}
	h.mu.Unlock()
	if len(socks) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, s := range socks {
		wg.Go(func() { _ = s.closeWith(websocket.StatusGoingAway, reason) })
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("closed active call sockets", "count", len(socks))
	case <-ctx.Done():
		for _, s := range socks {
			s.abort()
		}
		slog.Warn("dropped call sockets without close handshake", "count", len(socks))
	}
}

// Wait blocks until every call accepted so far has been torn down or ctx is
// done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.served.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) track(s *Socket) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sockets[s] = struct{}{}
	h.served.Add(1)
	return true
}

func (h *Handler) untrack(s *Socket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sockets, s)
	h.served.Done()
}

// Socket adapts a WebSocket connection to call.Socket.
type Socket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	abort        context.CancelFunc
	closeOnce    sync.Once
	closeErr     error
}

// Read implements call.Socket.
func (s *Socket) Read(ctx context.Context) (call.Frame, error) {
	typ, data, err := s.conn.Read(ctx)
	if err != nil {
		return call.Frame{}, err
	}
	return call.Frame{Binary: typ == websocket.MessageBinary, Data: data}, nil
}

// WriteJSON implements call.Socket. It is safe for concurrent use.
func (s *Socket) WriteJSON(ctx context.Context, v any) error {
	if s.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.writeTimeout)
		defer cancel()
	}
	return wsjson.Write(ctx, s.conn, v)
}

// Close implements call.Socket with a normal closure.
func (s *Socket) Close(reason string) error {
	return s.closeWith(websocket.StatusNormalClosure, reason)
}

func (s *Socket) closeWith(code websocket.StatusCode, reason string) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close(code, reason)
	})
	return s.closeErr
}

var _ call.Socket = (*Socket)(nil)
