// Package app wires the callbridge subsystems into a running server.
//
// The App struct owns the full lifecycle: New connects the call registry,
// session controller, synthesis invoker, command handler and socket endpoint
// to the configured providers. Run serves HTTP until its context is done and
// then calls Shutdown, which drains active calls and releases provider
// clients.
//
// For testing, inject doubles via functional options (WithCallRegistry,
// WithMetrics, WithListener). Providers are always passed in by the caller.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callbridge/internal/call"
	"github.com/MrWong99/callbridge/internal/command"
	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/health"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/session"
	"github.com/MrWong99/callbridge/internal/synth"
	"github.com/MrWong99/callbridge/internal/transport"
	"github.com/MrWong99/callbridge/pkg/provider/recognizer"
	"github.com/MrWong99/callbridge/pkg/provider/tts"
)

// closeHandshakeTimeout is how long Shutdown waits for callers to answer the
// going-away close frame before dropping their sockets.
const closeHandshakeTimeout = time.Second

// Providers holds the backends a call needs. Populated by main.go via the
// config registry.
type Providers struct {
	Recognizer recognizer.Provider
	TTS        tts.Provider

	// Closers release provider clients during Shutdown, in order.
	Closers []io.Closer
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	logLevel  *slog.LevelVar
	listener  net.Listener
	watcher   *config.Watcher

	calls      *call.Registry
	synth      *synth.Invoker
	controller *session.Controller
	commands   *command.Handler
	sockets    *transport.Handler
	health     *health.Handler
	server     *http.Server

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithCallRegistry injects the call registry instead of creating an empty one.
func WithCallRegistry(r *call.Registry) Option {
	return func(a *App) { a.calls = r }
}

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel hands the app the level variable of the process logger so that
// configuration reloads can change verbosity.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithWatcher polls the config file during Run. Wire the watcher's callback
// to [App.ApplyConfig].
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithListener serves on ln instead of listening on cfg.Server.ListenAddr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// New creates an App by wiring all subsystems together.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Recognizer == nil {
		return nil, errors.New("app: recognizer provider is required")
	}
	if providers.TTS == nil {
		return nil, errors.New("app: tts provider is required")
	}

	c := *cfg
	config.ApplyDefaults(&c)
	cfg = &c

	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.calls == nil {
		a.calls = call.NewRegistry()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.synth = synth.New(providers.TTS,
		synth.WithLanguage(cfg.Session.Language),
		synth.WithVoice(cfg.Providers.TTS.Voice),
		synth.WithProviderName(cfg.Providers.TTS.Name),
		synth.WithMetrics(a.metrics),
	)

	ctl, err := session.New(session.Config{
		Registry:     a.calls,
		Recognizer:   providers.Recognizer,
		Synthesizer:  a.synth,
		Settings:     sessionSettings(cfg.Session),
		Metrics:      a.metrics,
		SetupTimeout: cfg.Session.SetupTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init session controller: %w", err)
	}
	a.controller = ctl

	a.commands = command.New(a.calls, a.metrics)
	a.sockets = transport.NewHandler(ctl, transport.WithOriginPatterns(cfg.Server.AllowedOrigins...))
	a.health = health.New(a.checkers(), health.WithActiveCalls(a.calls.Len))

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// Handler returns the HTTP surface: the call socket at /{room}, the command
// bus, health checks and Prometheus metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /"+a.cfg.Server.Room, a.sockets)
	a.commands.Register(mux)
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

// checkers builds readiness checks for providers that can report health.
func (a *App) checkers() []health.Checker {
	type checker interface {
		Check(ctx context.Context) error
	}
	var cs []health.Checker
	if c, ok := a.providers.Recognizer.(checker); ok {
		cs = append(cs, health.Checker{Name: "recognizer", Check: c.Check})
	}
	if c, ok := a.providers.TTS.(checker); ok {
		cs = append(cs, health.Checker{Name: "tts", Check: c.Check})
	}
	return cs
}

// Run serves HTTP and, when a watcher is configured, polls the config file.
// It blocks until ctx is cancelled or the server fails, then shuts down
// gracefully within cfg.Server.ShutdownTimeout.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.Shutdown(sctx)
	})

	slog.Info("callbridge listening",
		"addr", ln.Addr().String(),
		"room", "/"+a.cfg.Server.Room,
		"tls", a.cfg.Server.TLS != nil,
	)
	return g.Wait()
}

// ApplyConfig applies the hot-reloadable differences between old and new and
// logs the ones that need a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		s := sessionSettings(d.NewSession)
		a.controller.UpdateSettings(s)
		a.synth.SetLanguage(s.Language)
		slog.Info("session settings changed",
			"language", s.Language,
			"greeting_event", s.GreetingEvent,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("configuration changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// Shutdown stops accepting calls, closes active call sockets, waits for their
// teardown and releases provider clients. It respects the context deadline:
// if ctx expires, remaining steps are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_calls", a.calls.Len())
		a.health.Drain()

		// Hijacked sockets are not tracked by the HTTP server.
		closeCtx, cancel := context.WithTimeout(ctx, closeHandshakeTimeout)
		a.sockets.CloseAll(closeCtx, "server shutting down")
		cancel()
		if err := a.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("app: shutdown http server: %w", err)
			return
		}
		if err := a.sockets.Wait(ctx); err != nil {
			slog.Warn("calls still tearing down at shutdown deadline", "active_calls", a.calls.Len())
			shutdownErr = err
			return
		}

		for i, c := range a.providers.Closers {
			if err := ctx.Err(); err != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.providers.Closers)-i)
				shutdownErr = err
				return
			}
			if err := c.Close(); err != nil {
				slog.Warn("provider close error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// Calls returns the call registry.
func (a *App) Calls() *call.Registry { return a.calls }

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.controller }

func sessionSettings(s config.SessionConfig) session.Settings {
	return session.Settings{Language: s.Language, GreetingEvent: s.GreetingEvent}
}
