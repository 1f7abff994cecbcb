// Package session drives one phone call from its setup message to hangup.
//
// A [Controller] serves call sockets. For every connection it parses the setup
// message, registers the call, opens a recognition stream, forwards caller
// audio to it and reacts to the stream's events: a final edge half-closes the
// stream, a fulfillment edge destroys it, re-arms a fresh one for the next
// utterance and plays the reply back through the [Synthesizer].
//
// Every action triggered by a backend event first checks that the call is
// still registered and open; events for closed calls are dropped silently.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/callbridge/internal/call"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/protocol"
	"github.com/MrWong99/callbridge/pkg/provider/recognizer"
)

// DefaultLanguage is used when no language is configured.
const DefaultLanguage = "bg-BG"

// DefaultSetupTimeout bounds the wait for the setup message of a new socket.
const DefaultSetupTimeout = 10 * time.Second

// ErrSetup is wrapped by every error caused by a missing or unusable setup
// message, including a duplicate callId.
var ErrSetup = errors.New("session: setup failed")

// StreamError reports a recognition stream failure that ended the call.
type StreamError struct {
	CallID string
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("session: call %q: recognition stream: %v", e.CallID, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// errNoFinal is the cause of a StreamError for a stream that finished without
// ever producing a final edge.
var errNoFinal = errors.New("stream finished without a final result")

// State is the phase of one call.
type State int32

const (
	AwaitingSetup State = iota
	StreamingUtterance
	AwaitingFulfillment
	Synthesizing
	Closed
)

// String returns the state name used in logs.
func (s State) String() string {
	switch s {
	case AwaitingSetup:
		return "awaiting_setup"
	case StreamingUtterance:
		return "streaming_utterance"
	case AwaitingFulfillment:
		return "awaiting_fulfillment"
	case Synthesizing:
		return "synthesizing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Synthesizer turns reply text into a playAudio message. *synth.Invoker
// implements it.
type Synthesizer interface {
	PlayAudio(ctx context.Context, text string, sampleRate int) (protocol.Outbound, error)
}

// Settings are the hot-reloadable parts of the controller configuration.
type Settings struct {
	// Language is the BCP-47 tag passed to the recognizer. Default: "bg-BG".
	Language string

	// GreetingEvent, when set and the recognizer implements
	// recognizer.Greeter, is triggered once per call before the first stream
	// opens and its reply is played to the caller. A context in the setup
	// message takes its place.
	GreetingEvent string
}

// Config holds the dependencies of a [Controller].
type Config struct {
	Registry    *call.Registry
	Recognizer  recognizer.Provider
	Synthesizer Synthesizer
	Settings    Settings

	// Metrics defaults to observe.DefaultMetrics.
	Metrics *observe.Metrics

	// SetupTimeout defaults to DefaultSetupTimeout.
	SetupTimeout time.Duration
}

// Controller serves call sockets. It is safe for concurrent use; every call
// runs on the goroutine that invoked Serve plus the helpers it spawns.
type Controller struct {
	registry *call.Registry
	rec      recognizer.Provider
	synth    Synthesizer
	metrics  *observe.Metrics
	settings atomic.Pointer[Settings]

	setupTimeout time.Duration

	mu    sync.Mutex
	conns map[string]*conn
}

// New returns a Controller. Registry, Recognizer and Synthesizer are required.
func New(cfg Config) (*Controller, error) {
	if cfg.Registry == nil {
		return nil, errors.New("session: registry is required")
	}
	if cfg.Recognizer == nil {
		return nil, errors.New("session: recognizer is required")
	}
	if cfg.Synthesizer == nil {
		return nil, errors.New("session: synthesizer is required")
	}
	c := &Controller{
		registry: cfg.Registry,
		rec:      cfg.Recognizer,
		synth:    cfg.Synthesizer,
		metrics:  cfg.Metrics,
		conns:    make(map[string]*conn),

		setupTimeout: cfg.SetupTimeout,
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.setupTimeout <= 0 {
		c.setupTimeout = DefaultSetupTimeout
	}
	c.UpdateSettings(cfg.Settings)
	return c, nil
}

// UpdateSettings replaces the hot-reloadable settings. Calls already in
// progress keep the language they started with.
func (c *Controller) UpdateSettings(s Settings) {
	if s.Language == "" {
		s.Language = DefaultLanguage
	}
	c.settings.Store(&s)
}

// Settings returns the current settings.
func (c *Controller) Settings() Settings { return *c.settings.Load() }

// State returns the state of the active call callID. It reports false when
// no such call is being served.
func (c *Controller) State(callID string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cn, ok := c.conns[callID]
	if !ok {
		return Closed, false
	}
	return cn.State(), true
}

// conn is the controller-side state of one served call.
type conn struct {
	call     *call.Call
	ctx      context.Context
	log      *slog.Logger
	language string
	state    atomic.Int32

	// wg tracks stream consumers and synthesis goroutines.
	wg sync.WaitGroup

	// pending is a stream that produced its final edge and waits for the
	// fulfillment. It is no longer in the registry, so teardown destroys it
	// from here.
	pendingMu sync.Mutex
	pending   recognizer.Stream

	failOnce sync.Once
	failErr  error
}

func (cn *conn) State() State     { return State(cn.state.Load()) }
func (cn *conn) setState(s State) { cn.state.Store(int32(s)) }
func (cn *conn) closed() bool     { return cn.call.Closed() }
func (cn *conn) id() string       { return cn.call.ID }
func (cn *conn) sampleRate() int  { return cn.call.SampleRate }
func (cn *conn) session() string  { return cn.call.Session }

func (cn *conn) setPending(st recognizer.Stream) {
	cn.pendingMu.Lock()
	defer cn.pendingMu.Unlock()
	cn.pending = st
}

func (cn *conn) clearPending(st recognizer.Stream) {
	cn.pendingMu.Lock()
	defer cn.pendingMu.Unlock()
	if cn.pending == st {
		cn.pending = nil
	}
}

func (cn *conn) takePending() recognizer.Stream {
	cn.pendingMu.Lock()
	defer cn.pendingMu.Unlock()
	st := cn.pending
	cn.pending = nil
	return st
}

// Serve runs one call on sock until the socket closes. It returns an error
// wrapping [ErrSetup] when the setup message is unusable and a
// [*StreamError] when the recognition stream failed; a regular hangup
// returns nil. Serve closes sock before returning.
func (c *Controller) Serve(ctx context.Context, sock call.Socket) error {
	setup, err := c.readSetup(ctx, sock)
	if err != nil {
		return err
	}

	callCtx, span := observe.StartCall(ctx, setup.CallID, setup.SampleRate)
	defer span.End()
	callCtx, cancel := context.WithCancel(callCtx)
	defer cancel()

	cl := &call.Call{
		ID:            setup.CallID,
		Session:       c.rec.SessionPath(setup.CallID),
		SampleRate:    setup.SampleRate,
		From:          setup.From,
		To:            setup.To,
		FulfillParams: setup.FulfillParams,
		Socket:        sock,
		StartedAt:     time.Now(),
	}
	if err := c.registry.Put(cl); err != nil {
		return c.rejectSetup(ctx, sock, err)
	}

	settings := c.Settings()
	cn := &conn{
		call:     cl,
		ctx:      callCtx,
		log:      observe.Logger(callCtx),
		language: settings.Language,
	}
	c.track(cn)

	c.metrics.CallStarted(callCtx)
	cn.log.Info("startCall",
		"session", cl.Session,
		"sample_rate", cl.SampleRate,
		"from", cl.From,
		"to", cl.To,
	)

	// The setup context is the call's opening event. A Greeter answers it
	// before the first stream opens; otherwise it seeds that stream.
	greeting := recognizer.EventInput{Name: settings.GreetingEvent}
	var first *recognizer.EventInput
	if setup.Context != "" {
		ev := recognizer.EventInput{Name: setup.Context, Parameters: setup.ContextParams}
		if _, ok := c.rec.(recognizer.Greeter); ok {
			greeting = ev
		} else {
			first = &ev
		}
	}
	c.greet(cn, greeting)

	if err := c.openStream(cn, first); err != nil {
		c.fail(cn, err)
	}

	c.readLoop(cn)
	c.teardown(cn, cancel)
	return cn.failErr
}

// readSetup reads and validates the first message of a connection.
func (c *Controller) readSetup(ctx context.Context, sock call.Socket) (protocol.Setup, error) {
	readCtx, cancel := context.WithTimeout(ctx, c.setupTimeout)
	f, err := sock.Read(readCtx)
	cancel()
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return protocol.Setup{}, c.rejectSetup(ctx, sock, fmt.Errorf("no setup message within %v", c.setupTimeout))
		}
		_ = sock.Close("read failed")
		return protocol.Setup{}, fmt.Errorf("session: read setup: %w", err)
	}
	if f.Binary {
		return protocol.Setup{}, c.rejectSetup(ctx, sock, errors.New("first message is binary"))
	}
	setup, err := protocol.ParseSetup(f.Data)
	if err != nil {
		return protocol.Setup{}, c.rejectSetup(ctx, sock, err)
	}
	return setup, nil
}

func (c *Controller) rejectSetup(ctx context.Context, sock call.Socket, cause error) error {
	err := fmt.Errorf("%w: %w", ErrSetup, cause)
	c.metrics.RecordCallError(ctx, "setup")
	observe.Logger(ctx).Warn("rejecting call", "err", cause)
	_ = sock.Close("invalid setup")
	return err
}

// readLoop forwards caller audio until the socket fails.
func (c *Controller) readLoop(cn *conn) {
	for {
		f, err := cn.call.Socket.Read(cn.ctx)
		if err != nil {
			cn.log.Debug("socket read ended", "err", err)
			return
		}
		if !f.Binary {
			cn.log.Debug("ignoring text message after setup", "bytes", len(f.Data))
			continue
		}
		st := c.registry.Stream(cn.id())
		if st == nil {
			c.metrics.DroppedAudio.Add(cn.ctx, 1)
			continue
		}
		if err := st.WriteAudio(f.Data); err != nil {
			c.metrics.DroppedAudio.Add(cn.ctx, 1)
			if !errors.Is(err, recognizer.ErrStreamClosed) {
				cn.log.Debug("audio write failed", "err", err)
			}
		}
	}
}

// greet asks a Greeter for the reply to the opening event and plays it.
func (c *Controller) greet(cn *conn, event recognizer.EventInput) {
	g, ok := c.rec.(recognizer.Greeter)
	if event.Name == "" || !ok {
		return
	}
	text, err := g.Greet(cn.ctx, recognizer.GreetingRequest{
		Session:  cn.session(),
		Language: cn.language,
		Event:    event,
		Payload:  cn.call.FulfillParams,
	})
	if err != nil {
		cn.log.Warn("greeting failed", "event", event.Name, "err", err)
		return
	}
	c.speak(cn, text)
}

// openStream opens a new recognition stream for cn and starts consuming it.
// It returns nil without opening anything once the call has closed.
func (c *Controller) openStream(cn *conn, event *recognizer.EventInput) error {
	if cn.closed() {
		return nil
	}
	start := time.Now()
	st, err := c.rec.Open(cn.ctx, recognizer.StreamConfig{
		Session:         cn.session(),
		SampleRate:      cn.sampleRate(),
		Language:        cn.language,
		SingleUtterance: true,
		Event:           event,
		Payload:         cn.call.FulfillParams,
	})
	c.metrics.StreamOpenDuration.Record(cn.ctx, time.Since(start).Seconds())
	if err != nil {
		c.metrics.RecordStreamOpened(cn.ctx, "error")
		if cn.closed() {
			return nil
		}
		return &StreamError{CallID: cn.id(), Err: fmt.Errorf("open: %w", err)}
	}
	c.metrics.RecordStreamOpened(cn.ctx, "ok")

	prev, ok := c.registry.AttachStream(cn.id(), st)
	if !ok {
		st.Destroy()
		return nil
	}
	if prev != nil {
		prev.Destroy()
	}
	cn.setState(StreamingUtterance)
	cn.wg.Add(1)
	go func() {
		defer cn.wg.Done()
		c.consume(cn, st)
	}()
	return nil
}

// consume dispatches the events of st until it finishes.
func (c *Controller) consume(cn *conn, st recognizer.Stream) {
	defer cn.clearPending(st)
	sawFinal := false
	for ev := range st.Events() {
		if cn.closed() {
			cn.log.Debug("dropping event for closed call", "kind", ev.Kind)
			st.Destroy()
			return
		}
		switch ev.Kind {
		case recognizer.EventPartial:
			cn.log.Debug("partial result", "transcript", ev.Transcript)

		case recognizer.EventFinal:
			sawFinal = true
			c.metrics.RecordUtterance(cn.ctx, "final")
			cn.log.Debug("final result", "transcript", ev.Transcript)
			// Marked pending before the detach so teardown cannot miss it.
			cn.setPending(st)
			if !c.registry.DetachStream(cn.id(), st) {
				cn.clearPending(st)
				continue
			}
			cn.setState(AwaitingFulfillment)
			if err := st.End(); err != nil {
				cn.log.Debug("ending stream failed", "err", err)
			}

		case recognizer.EventFulfillment:
			c.metrics.RecordUtterance(cn.ctx, "fulfillment")
			cn.log.Info("fulfillment", "chars", len([]rune(ev.Text)))
			c.registry.DetachStream(cn.id(), st)
			st.Destroy()
			c.rearm(cn, ev.Text)
			return

		case recognizer.EventError:
			c.registry.DetachStream(cn.id(), st)
			st.Destroy()
			c.fail(cn, &StreamError{CallID: cn.id(), Err: ev.Err})
			return
		}
	}

	c.registry.DetachStream(cn.id(), st)
	st.Destroy()
	if cn.closed() {
		return
	}
	if !sawFinal {
		c.fail(cn, &StreamError{CallID: cn.id(), Err: errNoFinal})
		return
	}
	cn.log.Debug("stream finished without fulfillment, re-arming")
	c.rearm(cn, "")
}

// rearm plays text (if any) and opens the stream for the next utterance.
func (c *Controller) rearm(cn *conn, text string) {
	if cn.closed() {
		return
	}
	c.speak(cn, text)
	if err := c.openStream(cn, nil); err != nil {
		c.fail(cn, err)
	}
}

// speak synthesizes text asynchronously and sends it to the caller. Empty
// text is skipped.
func (c *Controller) speak(cn *conn, text string) {
	if text == "" || cn.closed() {
		return
	}
	cn.setState(Synthesizing)
	cn.wg.Add(1)
	go func() {
		defer cn.wg.Done()
		msg, err := c.synth.PlayAudio(cn.ctx, text, cn.sampleRate())
		if err != nil {
			if cn.ctx.Err() != nil {
				cn.log.Debug("synthesis cancelled", "err", err)
				return
			}
			cn.log.Warn("synthesis failed", "err", err)
			return
		}
		if err := cn.call.Send(cn.ctx, msg); err != nil {
			cn.log.Debug("dropping synthesized audio", "err", err)
		}
	}()
}

// fail notifies the client and closes its socket. Only the first failure of
// a call is reported; failures after close are ignored.
func (c *Controller) fail(cn *conn, err error) {
	if cn.closed() {
		return
	}
	cn.failOnce.Do(func() {
		cn.failErr = err
		c.metrics.RecordCallError(cn.ctx, "stream")
		cn.log.Error("recognition failed, disconnecting", "err", err)
		if err := cn.call.Send(cn.ctx, protocol.Disconnect()); err != nil {
			cn.log.Debug("sending disconnect failed", "err", err)
		}
		_ = cn.call.Socket.Close("recognition failed")
	})
}

// teardown closes the call. The live stream is ended then destroyed, a stream
// still waiting for its fulfillment is destroyed, the call leaves the registry
// and pending synthesis is cancelled. It waits for every helper goroutine of
// the call.
func (c *Controller) teardown(cn *conn, cancel context.CancelFunc) {
	_, st, _ := c.registry.Close(cn.id())
	cn.setState(Closed)
	if st != nil {
		if err := st.End(); err != nil {
			cn.log.Debug("ending stream failed", "err", err)
		}
		st.Destroy()
	}
	if p := cn.takePending(); p != nil && p != st {
		p.Destroy()
	}
	cancel()
	_ = cn.call.Socket.Close("call ended")
	cn.wg.Wait()

	if sc, ok := c.rec.(recognizer.SessionCloser); ok {
		sc.CloseSession(cn.session())
	}
	c.untrack(cn)

	dur := time.Since(cn.call.StartedAt)
	c.metrics.CallEnded(cn.ctx, dur)
	cn.log.Info("endCall", "duration", dur)
}

func (c *Controller) track(cn *conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[cn.id()] = cn
}

func (c *Controller) untrack(cn *conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conns[cn.id()] == cn {
		delete(c.conns, cn.id())
	}
}
