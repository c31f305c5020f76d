package timer_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/asrhub/internal/timer"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestCountdownFires(t *testing.T) {
	s := timer.NewService()
	defer s.Close()

	var fired atomic.Int32
	s.StartCountdown("sess", 10*time.Millisecond, func() { fired.Add(1) })

	if !s.IsActive("sess") {
		t.Error("IsActive = false right after start")
	}
	waitFor(t, func() bool { return fired.Load() == 1 }, "countdown did not fire")
	if s.IsActive("sess") {
		t.Error("IsActive = true after firing")
	}
}

func TestStopCancels(t *testing.T) {
	s := timer.NewService()
	defer s.Close()

	var fired atomic.Int32
	s.StartCountdown("sess", 30*time.Millisecond, func() { fired.Add(1) })

	if !s.Stop("sess") {
		t.Fatal("Stop returned false for an active countdown")
	}
	if s.Stop("sess") {
		t.Error("second Stop returned true")
	}

	time.Sleep(60 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Errorf("cancelled countdown fired %d times", got)
	}
}

func TestStartReplacesExisting(t *testing.T) {
	s := timer.NewService()
	defer s.Close()

	var first, second atomic.Int32
	s.StartCountdown("sess", 20*time.Millisecond, func() { first.Add(1) })
	s.StartCountdown("sess", 40*time.Millisecond, func() { second.Add(1) })

	waitFor(t, func() bool { return second.Load() == 1 }, "replacement countdown did not fire")
	if got := first.Load(); got != 0 {
		t.Errorf("replaced countdown fired %d times", got)
	}
}

func TestReplaceExtendsDeadline(t *testing.T) {
	s := timer.NewService()
	defer s.Close()

	var fired atomic.Int32
	start := time.Now()
	s.StartCountdown("sess", 20*time.Millisecond, func() { fired.Add(1) })
	time.Sleep(10 * time.Millisecond)
	s.StartCountdown("sess", 50*time.Millisecond, func() { fired.Add(1) })

	waitFor(t, func() bool { return fired.Load() == 1 }, "extended countdown did not fire")
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("fired after %v, want at least 60ms total", elapsed)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	s := timer.NewService()
	defer s.Close()

	var a, b atomic.Int32
	s.StartCountdown("a", 10*time.Millisecond, func() { a.Add(1) })
	s.StartCountdown("b", 10*time.Millisecond, func() { b.Add(1) })

	if got := s.Len(); got != 2 {
		t.Errorf("Len = %d, want 2", got)
	}
	s.Stop("a")

	waitFor(t, func() bool { return b.Load() == 1 }, "session b countdown did not fire")
	time.Sleep(20 * time.Millisecond)
	if got := a.Load(); got != 0 {
		t.Errorf("stopped session a fired %d times", got)
	}
}

func TestCallbacksAreSerialized(t *testing.T) {
	s := timer.NewService()
	defer s.Close()

	var running atomic.Int32
	var overlapped atomic.Bool
	cb := func() {
		if running.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
	}

	var done atomic.Int32
	for i := range 5 {
		id := string(rune('a' + i))
		s.StartCountdown(id, time.Millisecond, func() {
			cb()
			done.Add(1)
		})
	}

	waitFor(t, func() bool { return done.Load() == 5 }, "not all callbacks ran")
	if overlapped.Load() {
		t.Error("callbacks overlapped, want serialized execution")
	}
}

func TestRemaining(t *testing.T) {
	s := timer.NewService()
	defer s.Close()

	if _, ok := s.Remaining("sess"); ok {
		t.Error("Remaining reported an inactive session as active")
	}

	s.StartCountdown("sess", 100*time.Millisecond, func() {})
	d, ok := s.Remaining("sess")
	if !ok {
		t.Fatal("Remaining = !ok for an active countdown")
	}
	if d <= 0 || d > 100*time.Millisecond {
		t.Errorf("Remaining = %v, want in (0, 100ms]", d)
	}
}

func TestCloseCancelsAll(t *testing.T) {
	s := timer.NewService()

	var fired atomic.Int32
	s.StartCountdown("a", 20*time.Millisecond, func() { fired.Add(1) })
	s.StartCountdown("b", 20*time.Millisecond, func() { fired.Add(1) })
	s.Close()

	time.Sleep(40 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Errorf("countdowns fired %d times after Close", got)
	}

	// Starting after Close must be a silent no-op.
	s.StartCountdown("c", time.Millisecond, func() { fired.Add(1) })
	time.Sleep(10 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Errorf("post-close countdown fired %d times", got)
	}
}
