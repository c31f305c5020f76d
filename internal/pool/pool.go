// Package pool provides a bounded pool of ASR provider instances handed
// out as scoped leases.
//
// Provider instances are expensive — native models hold large buffers,
// remote backends limit concurrency — so sessions never own one. A
// transcription acquires a lease, runs through it and releases it; waiting
// is FIFO and bounded by the lease timeout. Transcription calls run behind
// a circuit breaker, and an instance that fails a call is destroyed on
// release and replaced by a fresh one on a later acquisition.
//
// All types are safe for concurrent use.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/asrhub/pkg/audio"
	"github.com/MrWong99/asrhub/pkg/provider/asr"
	"github.com/jackc/puddle/v2"
)

var (
	// ErrClosed is returned by Lease after the pool has been closed.
	ErrClosed = errors.New("provider pool is closed")

	// ErrLeaseTimeout is returned when no provider became free within the
	// configured lease timeout.
	ErrLeaseTimeout = errors.New("no provider available within lease timeout")
)

// Factory constructs a fresh provider instance. It is called lazily when
// the pool grows and whenever an unhealthy instance is replaced.
type Factory func(ctx context.Context) (asr.Provider, error)

// Config holds tuning knobs for a Pool.
type Config struct {
	// Name labels the pool in log messages, typically the provider type.
	// Default: "asr".
	Name string

	// Size is the maximum number of live provider instances. Default: 2.
	Size int

	// LeaseTimeout bounds how long Lease waits for a free provider.
	// Default: 10s.
	LeaseTimeout time.Duration

	// Breaker tunes the circuit breaker guarding transcription calls.
	// Zero-value fields use the breaker defaults.
	Breaker BreakerConfig
}

// Pool is a bounded, leased pool of ASR providers.
type Pool struct {
	name         string
	leaseTimeout time.Duration
	inner        *puddle.Pool[asr.Provider]
	breaker      *breaker
}

// New creates a Pool that builds provider instances with factory.
// Instances are constructed lazily; use Warm to pre-build them.
func New(factory Factory, cfg Config) (*Pool, error) {
	if factory == nil {
		return nil, errors.New("pool: factory must not be nil")
	}
	if cfg.Name == "" {
		cfg.Name = "asr"
	}
	if cfg.Size <= 0 {
		cfg.Size = 2
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 10 * time.Second
	}

	constructor := func(ctx context.Context) (asr.Provider, error) {
		p, err := factory(ctx)
		if err != nil {
			return nil, fmt.Errorf("construct provider: %w", err)
		}
		slog.Info("provider instance created",
			"pool", cfg.Name,
			"provider", p.Name())
		return p, nil
	}
	destructor := func(p asr.Provider) {
		if err := p.Close(); err != nil {
			slog.Warn("provider close failed",
				"pool", cfg.Name,
				"provider", p.Name(),
				"error", err)
		}
	}

	inner, err := puddle.NewPool(&puddle.Config[asr.Provider]{
		Constructor: constructor,
		Destructor:  destructor,
		MaxSize:     int32(cfg.Size),
	})
	if err != nil {
		return nil, fmt.Errorf("pool: %w", err)
	}

	return &Pool{
		name:         cfg.Name,
		leaseTimeout: cfg.LeaseTimeout,
		inner:        inner,
		breaker:      newBreaker(cfg.Name, cfg.Breaker),
	}, nil
}

// Lease acquires a provider instance for exclusive use. Waiting is FIFO
// and gives up after the configured lease timeout. The caller must call
// Release on the returned lease on every exit path; WithLease does this
// automatically.
func (p *Pool) Lease(ctx context.Context, sessionID string) (*Lease, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.leaseTimeout)
	defer cancel()

	res, err := p.inner.Acquire(acquireCtx)
	if err != nil {
		switch {
		case errors.Is(err, puddle.ErrClosedPool):
			return nil, ErrClosed
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case acquireCtx.Err() != nil:
			return nil, fmt.Errorf("%w (%s)", ErrLeaseTimeout, p.leaseTimeout)
		default:
			return nil, fmt.Errorf("pool: acquire: %w", err)
		}
	}

	slog.Debug("provider leased",
		"pool", p.name,
		"session_id", sessionID,
		"provider", res.Value().Name())
	return &Lease{pool: p, res: res, sessionID: sessionID}, nil
}

// WithLease runs fn with a leased provider and guarantees release on all
// exit paths.
func (p *Pool) WithLease(ctx context.Context, sessionID string, fn func(*Lease) error) error {
	lease, err := p.Lease(ctx, sessionID)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease)
}

// Warm pre-constructs up to n idle provider instances so the first lease
// does not pay the model load time. n is clamped to the remaining pool
// capacity.
func (p *Pool) Warm(ctx context.Context, n int) error {
	stat := p.inner.Stat()
	if free := int(stat.MaxResources() - stat.TotalResources()); n > free {
		n = free
	}
	for range n {
		if err := p.inner.CreateResource(ctx); err != nil {
			return fmt.Errorf("pool: warm: %w", err)
		}
	}
	return nil
}

// Stat is a point-in-time snapshot of pool usage.
type Stat struct {
	// MaxSize is the configured maximum number of instances.
	MaxSize int

	// Total is the number of live instances (idle + leased + constructing).
	Total int

	// Leased is the number of instances currently held by a lease.
	Leased int

	// Idle is the number of instances ready for the next lease.
	Idle int

	// Constructing is the number of instances currently being built.
	Constructing int

	// EmptyAcquires counts leases that had to wait because the pool was
	// exhausted.
	EmptyAcquires int64

	// CanceledAcquires counts leases that gave up waiting.
	CanceledAcquires int64

	// BreakerState is the circuit breaker state: "closed", "open" or
	// "half-open".
	BreakerState string
}

// Stat returns a snapshot of pool usage for health checks and metrics.
func (p *Pool) Stat() Stat {
	s := p.inner.Stat()
	return Stat{
		MaxSize:          int(s.MaxResources()),
		Total:            int(s.TotalResources()),
		Leased:           int(s.AcquiredResources()),
		Idle:             int(s.IdleResources()),
		Constructing:     int(s.ConstructingResources()),
		EmptyAcquires:    s.EmptyAcquireCount(),
		CanceledAcquires: s.CanceledAcquireCount(),
		BreakerState:     p.breaker.currentState().String(),
	}
}

// ResetBreaker manually forces the circuit breaker back to closed.
func (p *Pool) ResetBreaker() {
	p.breaker.reset()
}

// Close destroys all idle provider instances and rejects future leases.
// It blocks until every outstanding lease has been released.
func (p *Pool) Close() {
	p.inner.Close()
}

// Lease is an exclusive hold on one provider instance. Transcribe and
// TranscribeFile route calls through the pool's circuit breaker and mark
// the instance unhealthy when it fails; an unhealthy instance is destroyed
// on release so the next lease gets a fresh one.
type Lease struct {
	pool      *Pool
	res       *puddle.Resource[asr.Provider]
	sessionID string

	mu        sync.Mutex
	unhealthy bool
	released  bool
}

// Provider returns the leased provider instance. The caller must not
// retain it past Release.
func (l *Lease) Provider() asr.Provider {
	return l.res.Value()
}

// Transcribe runs a transcription of raw PCM on the leased provider.
func (l *Lease) Transcribe(ctx context.Context, pcm []byte, spec audio.Spec) (*asr.Result, error) {
	var result *asr.Result
	err := l.guarded(func() error {
		r, err := l.res.Value().Transcribe(ctx, pcm, spec)
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// TranscribeFile runs a file transcription on the leased provider.
func (l *Lease) TranscribeFile(ctx context.Context, path string) (*asr.Result, error) {
	var result *asr.Result
	err := l.guarded(func() error {
		r, err := l.res.Value().TranscribeFile(ctx, path)
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MarkUnhealthy flags the leased instance for destruction on release.
func (l *Lease) MarkUnhealthy() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unhealthy = true
}

// Release returns the provider to the pool, or destroys it when it was
// marked unhealthy. Release is idempotent.
func (l *Lease) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	unhealthy := l.unhealthy
	l.mu.Unlock()

	if unhealthy {
		slog.Warn("destroying unhealthy provider",
			"pool", l.pool.name,
			"session_id", l.sessionID,
			"provider", l.res.Value().Name())
		l.res.Destroy()
		return
	}
	l.res.Release()
}

// guarded wraps a provider call with circuit breaker accounting. Caller
// cancellation still counts toward the breaker but does not condemn the
// instance: the provider is only marked unhealthy for faults of its own.
func (l *Lease) guarded(fn func() error) error {
	probe, err := l.pool.breaker.allow()
	if err != nil {
		return err
	}

	err = fn()
	l.pool.breaker.record(probe, err)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		l.MarkUnhealthy()
	}
	return err
}
