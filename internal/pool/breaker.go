package pool

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by lease transcription calls while the pool's
// circuit breaker is open and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("provider circuit breaker is open")

// breakerState represents the operating mode of the pool's circuit breaker.
type breakerState int

const (
	// breakerClosed is the normal operating state — all calls are forwarded.
	breakerClosed breakerState = iota

	// breakerOpen indicates the breaker has tripped due to consecutive
	// failures. Calls are rejected immediately with ErrCircuitOpen until the
	// reset timeout elapses.
	breakerOpen

	// breakerHalfOpen is the probe state entered after the reset timeout. A
	// limited number of calls are allowed through; if they succeed the
	// breaker closes, otherwise it re-opens.
	breakerHalfOpen
)

// String returns the human-readable name of the state.
func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for the circuit breaker guarding
// transcription calls.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the maximum number of probe calls allowed in the
	// half-open state before the breaker decides whether to close or re-open.
	// Default: 3.
	HalfOpenMax int
}

// breaker implements the three-state circuit breaker pattern, split into an
// allow/record pair so the lease decides which call outcomes count as
// provider failures. Safe for concurrent use.
type breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu              sync.Mutex
	state           breakerState
	consecutiveFail int
	lastFailure     time.Time
	halfOpenCalls   int
	halfOpenFails   int
}

// newBreaker creates a breaker with the supplied configuration. Zero-value
// config fields are replaced with sensible defaults.
func newBreaker(name string, cfg BreakerConfig) *breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &breaker{
		name:         name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		state:        breakerClosed,
	}
}

// allow reports whether a call may proceed. In the open state it returns
// ErrCircuitOpen; in the half-open state a limited number of probe calls
// are permitted. Every nil return must be paired with exactly one record
// call carrying the returned probe flag.
func (b *breaker) allow() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if time.Since(b.lastFailure) < b.resetTimeout {
			return false, ErrCircuitOpen
		}
		// Transition to half-open.
		b.state = breakerHalfOpen
		b.halfOpenCalls = 0
		b.halfOpenFails = 0
		slog.Info("circuit breaker transitioning to half-open",
			"name", b.name)

	case breakerHalfOpen:
		if b.halfOpenCalls >= b.halfOpenMax {
			// Already exhausted the probe budget — stay open.
			return false, ErrCircuitOpen
		}
	}

	// Record that we're about to make a call (relevant for half-open
	// accounting).
	probe = b.state == breakerHalfOpen
	if probe {
		b.halfOpenCalls++
	}
	return probe, nil
}

// record books the outcome of a call permitted by allow.
func (b *breaker) record(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.recordFailure(probe)
	} else {
		b.recordSuccess(probe)
	}
}

// recordFailure handles failure accounting. Must be called with b.mu held.
func (b *breaker) recordFailure(inHalfOpen bool) {
	b.lastFailure = time.Now()

	if inHalfOpen {
		b.halfOpenFails++
		// Any failure in half-open immediately re-opens.
		b.state = breakerOpen
		b.consecutiveFail = b.maxFailures
		slog.Warn("circuit breaker re-opened from half-open",
			"name", b.name)
		return
	}

	// Closed state.
	b.consecutiveFail++
	if b.consecutiveFail >= b.maxFailures {
		b.state = breakerOpen
		slog.Warn("circuit breaker opened",
			"name", b.name,
			"consecutive_failures", b.consecutiveFail)
	}
}

// recordSuccess handles success accounting. Must be called with b.mu held.
func (b *breaker) recordSuccess(inHalfOpen bool) {
	if inHalfOpen {
		// Check if we have enough successful probes to close.
		successes := b.halfOpenCalls - b.halfOpenFails
		if successes >= b.halfOpenMax {
			b.state = breakerClosed
			b.consecutiveFail = 0
			b.halfOpenCalls = 0
			b.halfOpenFails = 0
			slog.Info("circuit breaker closed after successful probes",
				"name", b.name)
		}
		return
	}

	// Closed state — reset the consecutive failure counter on success.
	b.consecutiveFail = 0
}

// currentState returns the breaker state. If the breaker is open and the
// reset timeout has elapsed, the returned state is half-open (the actual
// transition happens on the next allow call).
func (b *breaker) currentState() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerOpen && time.Since(b.lastFailure) >= b.resetTimeout {
		return breakerHalfOpen
	}
	return b.state
}

// reset manually forces the breaker back to closed, clearing all failure
// counters.
func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = breakerClosed
	b.consecutiveFail = 0
	b.halfOpenCalls = 0
	b.halfOpenFails = 0
	slog.Info("circuit breaker manually reset", "name", b.name)
}
