// Command asrhub is the main entry point for the ASRHub speech service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrWong99/asrhub/internal/app"
	"github.com/MrWong99/asrhub/internal/config"
	"github.com/MrWong99/asrhub/internal/observe"
	"github.com/MrWong99/asrhub/pkg/provider/asr"
	asrmock "github.com/MrWong99/asrhub/pkg/provider/asr/mock"
	oaiasr "github.com/MrWong99/asrhub/pkg/provider/asr/openai"
	"github.com/MrWong99/asrhub/pkg/provider/asr/whisper"
	"github.com/MrWong99/asrhub/pkg/provider/vad"
	"github.com/MrWong99/asrhub/pkg/provider/vad/energy"
	vadmock "github.com/MrWong99/asrhub/pkg/provider/vad/mock"
	"github.com/MrWong99/asrhub/pkg/provider/vad/silero"
	"github.com/MrWong99/asrhub/pkg/provider/wake"
	wakemock "github.com/MrWong99/asrhub/pkg/provider/wake/mock"
	"github.com/MrWong99/asrhub/pkg/provider/wake/openwakeword"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "asrhub: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "asrhub: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, logLevel := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("asrhub starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "asrhub",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyConfigChange(logLevel, old, new)
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations that
// ship with ASRHub. Used for startup logging.
var builtinProviders = map[string][]string{
	"asr":      {"whisper", "whisper-native", "openai", "mock"},
	"vad":      {"silero", "energy", "mock"},
	"wakeword": {"openwakeword", "mock"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives its config section and constructs the backend from
// the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── ASR ───────────────────────────────────────────────────────────────────

	// whisper talks to a whisper-server instance over HTTP; BaseURL is the
	// server address.
	reg.RegisterASR("whisper", func(entry config.ProviderEntry) (asr.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		c, err := whisper.New(entry.BaseURL, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	})

	// whisper-native runs the model in-process; Model is the ggml file path.
	reg.RegisterASR("whisper-native", func(entry config.ProviderEntry) (asr.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		n, err := whisper.NewNative(modelPath, opts...)
		if err != nil {
			return nil, err
		}
		return n, nil
	})

	reg.RegisterASR("openai", func(entry config.ProviderEntry) (asr.Provider, error) {
		var opts []oaiasr.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaiasr.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, oaiasr.WithLanguage(lang))
		}
		p, err := oaiasr.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// mock always answers with a fixed transcript; for smoke tests only.
	reg.RegisterASR("mock", func(entry config.ProviderEntry) (asr.Provider, error) {
		text := optString(entry.Options, "text")
		if text == "" {
			text = "mock transcription"
		}
		return &asrmock.Provider{Result: &asr.Result{Text: text, Provider: "mock"}}, nil
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("silero", func(cfg config.VADConfig) (vad.Engine, error) {
		eng, err := silero.New(cfg.ModelPath)
		if err != nil {
			return nil, err
		}
		return eng, nil
	})

	reg.RegisterVAD("energy", func(cfg config.VADConfig) (vad.Engine, error) {
		return energy.New(), nil
	})

	reg.RegisterVAD("mock", func(cfg config.VADConfig) (vad.Engine, error) {
		return &vadmock.Engine{}, nil
	})

	// ── Wake word ─────────────────────────────────────────────────────────────

	reg.RegisterWake("openwakeword", func(cfg config.WakeWordConfig) (wake.Engine, error) {
		var opts []openwakeword.Option
		if cfg.Keyword != "" {
			opts = append(opts, openwakeword.WithKeyword(cfg.Keyword))
		}
		eng, err := openwakeword.New(cfg.ModelPath, cfg.MelspecPath, cfg.EmbeddingPath, opts...)
		if err != nil {
			return nil, err
		}
		return eng, nil
	})

	reg.RegisterWake("mock", func(cfg config.WakeWordConfig) (wake.Engine, error) {
		return &wakemock.Engine{KeywordName: cfg.Keyword}, nil
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          ASRHub — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	for i, entry := range cfg.Providers {
		label := fmt.Sprintf("ASR #%d", i+1)
		printProvider(label, entry.Type, entry.Model)
	}
	if len(cfg.Providers) == 0 {
		printProvider("ASR", "", "")
	}
	printProvider("VAD", cfg.VAD.Engine, "")
	printProvider("Wake word", cfg.WakeWord.Engine, cfg.WakeWord.Keyword)
	printEnabled("Redis bus", cfg.Server.Redis != nil)
	printEnabled("WebRTC", cfg.Server.WebRTC != nil)
	fmt.Printf("║  Pool size       : %-19d ║\n", cfg.Pool.Size)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

func printEnabled(kind string, on bool) {
	value := "(disabled)"
	if on {
		value = "enabled"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Config hot reload ─────────────────────────────────────────────────────────

// applyConfigChange reacts to an edited config file. The log level is applied
// live; everything else is logged so the operator knows what a restart would
// pick up.
func applyConfigChange(logLevel *slog.LevelVar, old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged {
		logLevel.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.TimingChanged {
		slog.Info("timing config changed; restart to apply")
	}
	if d.ThresholdsChanged {
		slog.Info("detector thresholds changed; restart to apply")
	}
	if d.ExpiryChanged {
		slog.Info("session expiry changed; restart to apply", "expiry", d.NewExpiry.Duration())
	}
	if d.RestartRequired {
		slog.Warn("config changes require a restart to take effect")
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
