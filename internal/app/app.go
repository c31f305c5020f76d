// Package app wires all ASRHub subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context ends, and Shutdown tears
// everything down in reverse-init order.
//
// For testing, inject mock engines and provider factories via functional
// options. When an option is not provided, New creates real implementations
// through the config registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/asrhub/internal/audioq"
	"github.com/MrWong99/asrhub/internal/config"
	"github.com/MrWong99/asrhub/internal/coordinator"
	"github.com/MrWong99/asrhub/internal/health"
	"github.com/MrWong99/asrhub/internal/observe"
	"github.com/MrWong99/asrhub/internal/pool"
	"github.com/MrWong99/asrhub/internal/recording"
	"github.com/MrWong99/asrhub/internal/store"
	"github.com/MrWong99/asrhub/internal/timer"
	"github.com/MrWong99/asrhub/internal/transport"
	"github.com/MrWong99/asrhub/internal/transport/httpapi"
	"github.com/MrWong99/asrhub/internal/transport/redisbus"
	"github.com/MrWong99/asrhub/internal/transport/rtcapi"
	"github.com/MrWong99/asrhub/internal/transport/wsapi"
	"github.com/MrWong99/asrhub/pkg/provider/asr"
	"github.com/MrWong99/asrhub/pkg/provider/vad"
	"github.com/MrWong99/asrhub/pkg/provider/wake"
)

// App owns all subsystem lifetimes for one ASRHub instance.
type App struct {
	cfg      *config.Config
	registry *config.Registry

	// Subsystems — initialised in New, torn down in Shutdown.
	store   *store.Store
	queue   *audioq.Queue
	timers  *timer.Service
	rec     *recording.Service
	pool    *pool.Pool
	wakeEng wake.Engine
	vadEng  vad.Engine
	coord   *coordinator.Coordinator
	hub     *transport.Hub
	metrics *observe.Recorder
	redis   *redisbus.Bus
	rtc     *rtcapi.Server
	httpSrv *http.Server

	// injected test doubles
	asrFactory pool.Factory

	// closers run in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithASRFactory injects the provider factory instead of building one from
// the configured provider entries.
func WithASRFactory(f pool.Factory) Option {
	return func(a *App) { a.asrFactory = f }
}

// WithVADEngine injects a VAD engine instead of creating one from config.
func WithVADEngine(e vad.Engine) Option {
	return func(a *App) { a.vadEng = e }
}

// WithWakeEngine injects a wake-word engine instead of creating one from
// config.
func WithWakeEngine(e wake.Engine) Option {
	return func(a *App) { a.wakeEng = e }
}

// New creates an App by wiring all subsystems together. The registry maps
// configured provider types onto constructors; main.go registers the real
// backends, tests register mocks.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		registry: reg,
	}
	for _, o := range opts {
		o(a)
	}

	// Store and queue carry everything else; they come up first.
	a.store = store.New(store.WithReducers(
		store.SessionsReducer(cfg.Session.Expiry.Duration()),
		store.StatsReducer(),
	))
	a.closers = append(a.closers, func() error { a.store.Close(); return nil })

	a.queue = audioq.New(audioq.WithMaxHistory(cfg.MaxHistoryDuration.Duration()))

	a.timers = timer.NewService()
	a.closers = append(a.closers, func() error { a.timers.Close(); return nil })

	rec, err := recording.NewService(a.queue, recording.Config{Dir: cfg.RecordingsDir})
	if err != nil {
		a.shutdownPartial()
		return nil, fmt.Errorf("app: recording service: %w", err)
	}
	a.rec = rec
	a.closers = append(a.closers, func() error { a.rec.Close(); return nil })

	if err := a.initProviders(); err != nil {
		a.shutdownPartial()
		return nil, err
	}

	a.coord = coordinator.New(coordinator.Config{
		PreRoll:       cfg.PreRollDuration.Duration(),
		TailPadding:   cfg.TailPaddingDuration.Duration(),
		SilenceWindow: cfg.SilenceThreshold.Duration(),
		ChunkDuration: cfg.ChunkDuration.Duration(),
		VAD: vad.Config{
			SpeechThreshold:  cfg.VAD.SpeechThreshold,
			SilenceThreshold: cfg.VAD.SilenceThreshold,
			FrameSamples:     cfg.VAD.FrameSamples,
		},
		Wake: wake.Config{
			Threshold: cfg.WakeWord.Threshold,
			Cooldown:  cfg.WakeWord.Cooldown.Duration(),
		},
	}, a.store, a.queue, a.timers, a.rec, a.pool, a.wakeEng, a.vadEng)
	a.closers = append(a.closers, func() error { a.coord.Close(); return nil })

	a.hub = transport.NewHub(a.store)
	a.closers = append(a.closers, func() error { a.hub.Close(); return nil })

	a.metrics = observe.NewRecorder(a.store, observe.DefaultMetrics())
	a.closers = append(a.closers, func() error { a.metrics.Close(); return nil })

	if err := a.initTransports(ctx); err != nil {
		a.shutdownPartial()
		return nil, err
	}

	return a, nil
}

// initProviders builds the ASR pool and the detector engines through the
// registry, honouring injected test doubles.
func (a *App) initProviders() error {
	if a.asrFactory == nil {
		entries := a.cfg.Providers
		if len(entries) == 0 {
			return fmt.Errorf("app: no ASR providers configured")
		}
		reg := a.registry
		// Entries are tried in order; the first one that constructs wins.
		// Later entries act as fallbacks when a backend is unreachable.
		a.asrFactory = func(ctx context.Context) (asr.Provider, error) {
			var lastErr error
			for _, entry := range entries {
				p, err := reg.CreateASR(entry)
				if err == nil {
					slog.Info("constructed ASR provider", "name", entry.Name, "type", entry.Type)
					return p, nil
				}
				lastErr = err
				slog.Warn("ASR provider construction failed", "name", entry.Name,
					"type", entry.Type, "error", err)
			}
			return nil, fmt.Errorf("all configured providers failed: %w", lastErr)
		}
	}

	p, err := pool.New(a.asrFactory, pool.Config{
		Size:         a.cfg.Pool.Size,
		LeaseTimeout: a.cfg.Pool.LeaseTimeout.Duration(),
	})
	if err != nil {
		return fmt.Errorf("app: provider pool: %w", err)
	}
	a.pool = p
	a.closers = append(a.closers, func() error { a.pool.Close(); return nil })

	if a.vadEng == nil {
		eng, err := a.registry.CreateVAD(a.cfg.VAD)
		if err != nil {
			return fmt.Errorf("app: vad engine: %w", err)
		}
		a.vadEng = eng
	}
	if a.wakeEng == nil {
		eng, err := a.registry.CreateWake(a.cfg.WakeWord)
		if err != nil {
			return fmt.Errorf("app: wake engine: %w", err)
		}
		a.wakeEng = eng
	}
	return nil
}

// initTransports assembles the HTTP surface and the optional Redis and
// WebRTC transports.
func (a *App) initTransports(ctx context.Context) error {
	hc := health.New(a.healthCheckers()...)

	api := httpapi.New(a.store, a.hub, hc, observe.DefaultMetrics(), httpapi.Config{
		Heartbeat: a.cfg.Server.SSEHeartbeat.Duration(),
	})
	router := api.Router()

	router.Handle("/ws", wsapi.New(a.store, a.hub))

	if a.cfg.Server.WebRTC != nil {
		a.rtc = rtcapi.New(a.store, a.hub, rtcapi.Config{
			ICEServers: a.cfg.Server.WebRTC.ICEServers,
		})
		a.closers = append(a.closers, func() error { a.rtc.Close(); return nil })
		router.Handle("/api/webrtc/create_session", a.rtc)
	}

	if a.cfg.Server.Redis != nil {
		bus, err := redisbus.New(redisbus.Config{
			Addr:     a.cfg.Server.Redis.Addr,
			Password: a.cfg.Server.Redis.Password,
			DB:       a.cfg.Server.Redis.DB,
		}, a.store, a.hub)
		if err != nil {
			return fmt.Errorf("app: redis transport: %w", err)
		}
		a.redis = bus
		a.closers = append(a.closers, func() error { a.redis.Close(); return nil })
	}

	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// healthCheckers builds the readiness probes: the pool must be able to
// construct providers, and Redis must answer when configured.
func (a *App) healthCheckers() []health.Checker {
	checkers := []health.Checker{
		{
			Name: "provider_pool",
			Check: func(ctx context.Context) error {
				stat := a.pool.Stat()
				if stat.Total == 0 {
					// Cold pool: prove a provider can be built.
					return a.pool.Warm(ctx, 1)
				}
				return nil
			},
		},
	}
	if a.cfg.Server.Redis != nil {
		checkers = append(checkers, health.Checker{
			Name: "redis",
			Check: func(ctx context.Context) error {
				// The bus comes up after the checker list is built.
				if a.redis == nil {
					return errors.New("bus not started")
				}
				return a.redis.Ping(ctx)
			},
		})
	}
	return checkers
}

// Handler exposes the assembled HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.httpSrv.Handler
}

// Store exposes the action store, mainly for tests.
func (a *App) Store() *store.Store {
	return a.store
}

// Run serves HTTP until ctx is cancelled or the listener fails, then shuts
// the app down. A listener failure cancels the group, so shutdown runs on
// both paths; the first error (serve or shutdown) wins.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("asrhub listening", "addr", a.cfg.Server.ListenAddr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown stops the HTTP listener, then tears down all subsystems in
// reverse-init order. It respects the context deadline: if ctx expires
// before all closers finish, the remaining ones are skipped.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.httpSrv != nil {
			if err := a.httpSrv.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "error", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// shutdownPartial releases whatever New managed to build before failing.
func (a *App) shutdownPartial() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closer error during failed init", "index", i, "error", err)
		}
	}
	a.closers = nil
}
