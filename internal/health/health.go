// Package health serves the liveness and readiness checks of callbridge.
//
// /healthz answers 200 while the process can serve HTTP. /readyz answers 200
// only while the server accepts calls and every [Checker] passes; once
// [Handler.Drain] has been called it answers 503 so that load balancers stop
// routing new calls during shutdown.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds every readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// can serve calls.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type result struct {
	Status      string            `json:"status"`
	ActiveCalls *int              `json:"active_calls,omitempty"`
	Checks      map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
	calls    func() int
	draining atomic.Bool
}

// Option configures a [Handler].
type Option func(*Handler)

// WithActiveCalls reports the number of live calls in /readyz responses.
func WithActiveCalls(fn func() int) Option {
	return func(h *Handler) { h.calls = fn }
}

// New creates a [Handler] evaluating checkers on each /readyz request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{checkers: append([]Checker(nil), checkers...)}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Drain marks the server as shutting down. Readiness fails from then on.
func (h *Handler) Drain() { h.draining.Store(true) }

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs all checkers concurrently and returns 200 only when every one
// passes and the handler is not draining.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := result{Status: "ok"}
	if h.calls != nil {
		n := h.calls()
		res.ActiveCalls = &n
	}
	if h.draining.Load() {
		res.Status = "draining"
		writeJSON(w, http.StatusServiceUnavailable, res)
		return
	}

	var (
		mu     sync.Mutex
		failed bool
		eg     errgroup.Group
	)
	res.Checks = make(map[string]string, len(h.checkers))
	for _, c := range h.checkers {
		eg.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			status := "ok"
			if err := c.Check(ctx); err != nil {
				status = "fail: " + err.Error()
			}
			mu.Lock()
			res.Checks[c.Name] = status
			if status != "ok" {
				failed = true
			}
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	code := http.StatusOK
	if failed {
		res.Status = "fail"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
