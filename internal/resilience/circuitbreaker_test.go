package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// fakeClock is a manually advanced clock for breaker tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// transitions records OnStateChange notifications.
type transitions struct {
	mu  sync.Mutex
	got []string
}

func (tr *transitions) record(name string, from, to State) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.got = append(tr.got, name+":"+from.String()+"->"+to.String())
}

func (tr *transitions) list() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.got...)
}

func newTestBreaker(maxFailures, halfOpenMax int) (*CircuitBreaker, *fakeClock, *transitions) {
	clk := newFakeClock()
	tr := &transitions{}
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:          "dialogflow",
		MaxFailures:   maxFailures,
		ResetTimeout:  time.Minute,
		HalfOpenMax:   halfOpenMax,
		OnStateChange: tr.record,
		Now:           clk.Now,
	})
	return cb, clk, tr
}

func fail() error    { return errTest }
func succeed() error { return nil }

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "google"})
	if cb.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", cb.maxFailures)
	}
	if cb.resetTimeout != 30*time.Second {
		t.Errorf("resetTimeout = %v, want 30s", cb.resetTimeout)
	}
	if cb.halfOpenMax != 3 {
		t.Errorf("halfOpenMax = %d, want 3", cb.halfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	cb, _, tr := newTestBreaker(3, 1)

	for range 2 {
		_ = cb.Execute(fail)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v after 2 failures, want closed", cb.State())
	}
	_ = cb.Execute(fail)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v after 3 failures, want open", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn must not run while open")
	}
	if got := tr.list(); len(got) != 1 || got[0] != "dialogflow:closed->open" {
		t.Errorf("transitions = %v", got)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	cb, _, _ := newTestBreaker(3, 1)

	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	_ = cb.Execute(succeed)
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)

	snap := cb.Snapshot()
	if snap.State != StateClosed {
		t.Errorf("state = %v, want closed", snap.State)
	}
	if snap.ConsecutiveFailures != 2 {
		t.Errorf("consecutive failures = %d, want 2", snap.ConsecutiveFailures)
	}
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		halfOpenMax     int
		trials          []func() error
		wantState       State
		wantTransitions []string
	}{
		{
			name:        "enough successes close",
			halfOpenMax: 2,
			trials:      []func() error{succeed, succeed},
			wantState:   StateClosed,
			wantTransitions: []string{
				"dialogflow:closed->open",
				"dialogflow:open->half-open",
				"dialogflow:half-open->closed",
			},
		},
		{
			name:        "one success stays half-open",
			halfOpenMax: 2,
			trials:      []func() error{succeed},
			wantState:   StateHalfOpen,
			wantTransitions: []string{
				"dialogflow:closed->open",
				"dialogflow:open->half-open",
			},
		},
		{
			name:        "failure re-opens",
			halfOpenMax: 2,
			trials:      []func() error{succeed, fail},
			wantState:   StateOpen,
			wantTransitions: []string{
				"dialogflow:closed->open",
				"dialogflow:open->half-open",
				"dialogflow:half-open->open",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cb, clk, tr := newTestBreaker(1, tt.halfOpenMax)
			_ = cb.Execute(fail)

			clk.Advance(59 * time.Second)
			if cb.State() != StateOpen {
				t.Fatalf("state = %v before reset timeout, want open", cb.State())
			}
			clk.Advance(time.Second)
			if cb.State() != StateHalfOpen {
				t.Fatalf("state = %v after reset timeout, want half-open", cb.State())
			}

			for _, p := range tt.trials {
				_ = cb.Execute(p)
			}
			if got := cb.State(); got != tt.wantState {
				t.Errorf("state = %v, want %v", got, tt.wantState)
			}
			got := tr.list()
			if len(got) != len(tt.wantTransitions) {
				t.Fatalf("transitions = %v, want %v", got, tt.wantTransitions)
			}
			for i := range got {
				if got[i] != tt.wantTransitions[i] {
					t.Errorf("transition[%d] = %q, want %q", i, got[i], tt.wantTransitions[i])
				}
			}
		})
	}
}

func TestCircuitBreaker_HalfOpenTrialBudget(t *testing.T) {
	t.Parallel()
	cb, clk, _ := newTestBreaker(1, 2)
	_ = cb.Execute(fail)
	clk.Advance(time.Minute)

	// Two trials in flight exhaust the budget; a third caller is rejected.
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(func() error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	<-started
	<-started

	if err := cb.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("third trial err = %v, want ErrCircuitOpen", err)
	}
	close(release)
	wg.Wait()

	if cb.State() != StateClosed {
		t.Errorf("state = %v after successful trials, want closed", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()
	cb, _, tr := newTestBreaker(1, 1)
	_ = cb.Execute(fail)

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v after Reset, want closed", cb.State())
	}
	if err := cb.Execute(succeed); err != nil {
		t.Errorf("unexpected error after Reset: %v", err)
	}
	if snap := cb.Snapshot(); snap.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d after Reset", snap.ConsecutiveFailures)
	}

	// Resetting a closed breaker does not notify.
	cb.Reset()
	if got := tr.list(); len(got) != 2 {
		t.Errorf("transitions = %v, want open then closed", got)
	}
}

func TestCircuitBreaker_SnapshotRecordsLastFailure(t *testing.T) {
	t.Parallel()
	cb, clk, _ := newTestBreaker(5, 1)
	at := clk.Now()
	_ = cb.Execute(fail)
	clk.Advance(time.Second)

	snap := cb.Snapshot()
	if snap.Name != "dialogflow" {
		t.Errorf("name = %q", snap.Name)
	}
	if !snap.LastFailure.Equal(at) {
		t.Errorf("last failure = %v, want %v", snap.LastFailure, at)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
