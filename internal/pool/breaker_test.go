package pool

import (
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// exec drives the breaker the way a lease does: allow, run, record.
func exec(b *breaker, fn func() error) error {
	probe, err := b.allow()
	if err != nil {
		return err
	}
	err = fn()
	b.record(probe, err)
	return err
}

func TestNewBreaker_Defaults(t *testing.T) {
	b := newBreaker("test", BreakerConfig{})
	if b.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", b.maxFailures)
	}
	if b.resetTimeout != 30*time.Second {
		t.Errorf("resetTimeout = %v, want 30s", b.resetTimeout)
	}
	if b.halfOpenMax != 3 {
		t.Errorf("halfOpenMax = %d, want 3", b.halfOpenMax)
	}
	if b.currentState() != breakerClosed {
		t.Errorf("initial state = %v, want closed", b.currentState())
	}
}

func TestBreaker_ClosedAllowsCalls(t *testing.T) {
	b := newBreaker("test", BreakerConfig{MaxFailures: 3})
	called := false
	err := exec(b, func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("fn was not called")
	}
}

func TestBreaker_ClosedToOpen(t *testing.T) {
	b := newBreaker("test", BreakerConfig{
		MaxFailures:  3,
		ResetTimeout: time.Hour, // long timeout so it stays open
	})

	// 3 consecutive failures should open the breaker.
	for range 3 {
		_ = exec(b, func() error { return errTest })
	}

	if b.currentState() != breakerOpen {
		t.Fatalf("state = %v, want open after 3 failures", b.currentState())
	}

	// Next call should be rejected without running fn.
	err := exec(b, func() error {
		t.Fatal("fn must not run while open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := newBreaker("test", BreakerConfig{MaxFailures: 3})

	// 2 failures, then a success — should not open.
	_ = exec(b, func() error { return errTest })
	_ = exec(b, func() error { return errTest })
	_ = exec(b, func() error { return nil })

	if b.currentState() != breakerClosed {
		t.Fatalf("state = %v, want closed (success should reset counter)", b.currentState())
	}

	// Need 3 more consecutive failures to open now.
	_ = exec(b, func() error { return errTest })
	_ = exec(b, func() error { return errTest })
	if b.currentState() != breakerClosed {
		t.Fatal("should still be closed after 2 failures post-reset")
	}
}

func TestBreaker_OpenToHalfOpen(t *testing.T) {
	b := newBreaker("test", BreakerConfig{
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  2,
	})

	// Open the breaker.
	_ = exec(b, func() error { return errTest })
	_ = exec(b, func() error { return errTest })
	if b.currentState() != breakerOpen {
		t.Fatal("expected open")
	}

	time.Sleep(15 * time.Millisecond)

	if b.currentState() != breakerHalfOpen {
		t.Fatalf("state = %v, want half-open after timeout", b.currentState())
	}
}

func TestBreaker_HalfOpenToClosed(t *testing.T) {
	b := newBreaker("test", BreakerConfig{
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  2,
	})

	// Open the breaker.
	_ = exec(b, func() error { return errTest })
	_ = exec(b, func() error { return errTest })

	time.Sleep(15 * time.Millisecond)

	// Successful probe calls should close the breaker.
	for i := range 2 {
		if err := exec(b, func() error { return nil }); err != nil {
			t.Fatalf("probe %d: unexpected error: %v", i, err)
		}
	}

	if b.currentState() != breakerClosed {
		t.Fatalf("state = %v, want closed after successful probes", b.currentState())
	}
}

func TestBreaker_HalfOpenToOpen(t *testing.T) {
	b := newBreaker("test", BreakerConfig{
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  3,
	})

	// Open the breaker.
	_ = exec(b, func() error { return errTest })
	_ = exec(b, func() error { return errTest })

	time.Sleep(15 * time.Millisecond)

	// A failure in half-open should re-open.
	if err := exec(b, func() error { return errTest }); err == nil {
		t.Fatal("expected error from failing probe")
	}

	// Should be open again (not half-open since lastFailure was just set).
	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	if s != breakerOpen {
		t.Fatalf("state = %v, want open after half-open failure", s)
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := newBreaker("test", BreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})

	// Open the breaker.
	_ = exec(b, func() error { return errTest })
	_ = exec(b, func() error { return errTest })
	if b.currentState() != breakerOpen {
		t.Fatal("expected open")
	}

	b.reset()
	if b.currentState() != breakerClosed {
		t.Fatalf("state = %v, want closed after reset", b.currentState())
	}

	if err := exec(b, func() error { return nil }); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestBreakerState_String(t *testing.T) {
	tests := []struct {
		state breakerState
		want  string
	}{
		{breakerClosed, "closed"},
		{breakerOpen, "open"},
		{breakerHalfOpen, "half-open"},
		{breakerState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("breakerState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
