package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newGroup(cb CircuitBreakerConfig) *FallbackGroup[string] {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{CircuitBreaker: cb})
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	fg := newGroup(CircuitBreakerConfig{MaxFailures: 3})

	var called string
	err := fg.Execute(context.Background(), func(v string) error {
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "primary" {
		t.Fatalf("called = %q, want primary", called)
	}
}

func TestFallbackGroup_PrimaryFailFallbackSuccess(t *testing.T) {
	fg := newGroup(CircuitBreakerConfig{MaxFailures: 3})

	var called string
	err := fg.Execute(context.Background(), func(v string) error {
		if v == "primary" {
			return errTest
		}
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "secondary" {
		t.Fatalf("called = %q, want secondary", called)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	fg := newGroup(CircuitBreakerConfig{MaxFailures: 3})

	err := fg.Execute(context.Background(), func(v string) error {
		return errTest
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want wrapped errTest", err)
	}
}

func TestFallbackGroup_CircuitBreakerSkipsOpenProvider(t *testing.T) {
	fg := newGroup(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})

	for i := 0; i < 2; i++ {
		_ = fg.Execute(context.Background(), func(v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}

	var called string
	err := fg.Execute(context.Background(), func(v string) error {
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "secondary" {
		t.Fatalf("called = %q, want secondary (primary circuit should be open)", called)
	}
}

func TestFallbackGroup_CancelledContextStopsWalk(t *testing.T) {
	var failures []string
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
		OnFailure:      func(name string, _ error) { failures = append(failures, name) },
	})
	fg.AddFallback("secondary", "secondary")

	ctx, cancel := context.WithCancel(context.Background())
	var calls []string
	err := fg.Execute(ctx, func(v string) error {
		calls = append(calls, v)
		cancel()
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(calls) != 1 {
		t.Fatalf("calls = %v, want only primary", calls)
	}
	if len(failures) != 0 {
		t.Fatalf("OnFailure called for cancellation: %v", failures)
	}

	// The primary's breaker must still be closed.
	var called string
	_ = fg.Execute(context.Background(), func(v string) error {
		called = v
		return nil
	})
	if called != "primary" {
		t.Fatalf("called = %q, want primary", called)
	}
}

func TestFallbackGroup_OnFailure(t *testing.T) {
	var (
		mu       sync.Mutex
		failures []string
	)
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		OnFailure: func(name string, _ error) {
			mu.Lock()
			failures = append(failures, name)
			mu.Unlock()
		},
	})
	fg.AddFallback("secondary", "secondary")

	_ = fg.Execute(context.Background(), func(v string) error { return errTest })

	mu.Lock()
	defer mu.Unlock()
	if len(failures) != 2 || failures[0] != "primary" || failures[1] != "secondary" {
		t.Fatalf("failures = %v", failures)
	}
}

func TestFallbackGroup_Accessors(t *testing.T) {
	fg := newGroup(CircuitBreakerConfig{})
	if fg.Primary() != "primary" {
		t.Errorf("Primary() = %q", fg.Primary())
	}
	names := fg.Names()
	if len(names) != 2 || names[1] != "secondary" {
		t.Errorf("Names() = %v", names)
	}
	var seen int
	fg.Each(func(string, string) { seen++ })
	if seen != 2 {
		t.Errorf("Each visited %d entries", seen)
	}
}

func TestExecuteWithResult_Failover(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("twenty", 20)

	result, err := ExecuteWithResult(context.Background(), fg, func(v int) (string, error) {
		if v == 10 {
			return "", errTest
		}
		return "from-twenty", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "from-twenty" {
		t.Fatalf("result = %q, want from-twenty", result)
	}
}

func TestFallbackGroup_Check(t *testing.T) {
	fg := newGroup(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	ctx := context.Background()

	if err := fg.Check(ctx); err != nil {
		t.Fatalf("fresh group: Check = %v, want nil", err)
	}

	// Only the primary fails, so only its circuit opens.
	err := fg.Execute(ctx, func(v string) error {
		if v == "primary" {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute = %v, want the secondary to succeed", err)
	}
	if err := fg.Check(ctx); err != nil {
		t.Fatalf("one open circuit: Check = %v, want nil", err)
	}

	// The primary is skipped and the secondary fails, opening its circuit too.
	_ = fg.Execute(ctx, func(string) error { return errTest })
	if err := fg.Check(ctx); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("all open: Check = %v, want ErrAllFailed", err)
	}
}
