package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Absent keys keep their default value; unknown keys
// are rejected so a typo fails loudly instead of silently falling back.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.SSEHeartbeat <= 0 {
		errs = append(errs, errors.New("server.sse_heartbeat must be positive"))
	}
	if cfg.Server.Redis != nil && cfg.Server.Redis.Addr == "" {
		errs = append(errs, errors.New("server.redis.addr is required when server.redis is set"))
	}

	// Audio timing
	if cfg.PreRollDuration < 0 {
		errs = append(errs, errors.New("pre_roll_duration must not be negative"))
	}
	if cfg.TailPaddingDuration < 0 {
		errs = append(errs, errors.New("tail_padding_duration must not be negative"))
	}
	// Zero is a valid silence threshold: the recording stops on the first
	// silence frame.
	if cfg.SilenceThreshold < 0 {
		errs = append(errs, errors.New("silence_threshold must not be negative"))
	}
	if cfg.ChunkDuration <= 0 {
		errs = append(errs, errors.New("chunk_duration must be positive"))
	}
	if cfg.MaxHistoryDuration <= 0 {
		errs = append(errs, errors.New("max_history_duration must be positive"))
	} else if cfg.MaxHistoryDuration < cfg.PreRollDuration {
		// Otherwise pre-roll audio is evicted before a recording can claim it.
		errs = append(errs, fmt.Errorf("max_history_duration %.2fs is shorter than pre_roll_duration %.2fs", cfg.MaxHistoryDuration, cfg.PreRollDuration))
	}
	if cfg.RecordingsDir == "" {
		errs = append(errs, errors.New("recordings_dir is required"))
	}

	// Pool
	if cfg.Pool.Size < 1 {
		errs = append(errs, errors.New("pool.size must be at least 1"))
	}
	if cfg.Pool.LeaseTimeout <= 0 {
		errs = append(errs, errors.New("pool.lease_timeout must be positive"))
	}

	// VAD
	switch cfg.VAD.Engine {
	case "silero":
		if cfg.VAD.ModelPath == "" {
			errs = append(errs, errors.New("vad.model_path is required when vad.engine is silero"))
		}
	case "energy", "mock":
	default:
		errs = append(errs, fmt.Errorf("vad.engine %q is invalid; valid values: silero, energy, mock", cfg.VAD.Engine))
	}
	if cfg.VAD.SpeechThreshold <= 0 || cfg.VAD.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.speech_threshold %.2f is out of range (0, 1]", cfg.VAD.SpeechThreshold))
	}
	if cfg.VAD.SilenceThreshold < 0 || cfg.VAD.SilenceThreshold > cfg.VAD.SpeechThreshold {
		errs = append(errs, fmt.Errorf("vad.silence_threshold %.2f is out of range [0, speech_threshold]", cfg.VAD.SilenceThreshold))
	}
	if cfg.VAD.FrameSamples <= 0 {
		errs = append(errs, errors.New("vad.frame_samples must be positive"))
	}

	// Wake word
	switch cfg.WakeWord.Engine {
	case "openwakeword":
		if cfg.WakeWord.MelspecPath == "" || cfg.WakeWord.EmbeddingPath == "" || cfg.WakeWord.ModelPath == "" {
			errs = append(errs, errors.New("wakeword.melspec_path, wakeword.embedding_path and wakeword.model_path are required when wakeword.engine is openwakeword"))
		}
	case "mock":
	default:
		errs = append(errs, fmt.Errorf("wakeword.engine %q is invalid; valid values: openwakeword, mock", cfg.WakeWord.Engine))
	}
	if cfg.WakeWord.Threshold <= 0 || cfg.WakeWord.Threshold > 1 {
		errs = append(errs, fmt.Errorf("wakeword.threshold %.2f is out of range (0, 1]", cfg.WakeWord.Threshold))
	}
	if cfg.WakeWord.Cooldown < 0 {
		errs = append(errs, errors.New("wakeword.cooldown must not be negative"))
	}

	// Session
	if cfg.Session.Expiry <= 0 {
		errs = append(errs, errors.New("session.expiry must be positive"))
	}

	// Providers
	if len(cfg.Providers) == 0 {
		errs = append(errs, errors.New("at least one entry is required under providers"))
	}
	namesSeen := make(map[string]int, len(cfg.Providers))
	for i, p := range cfg.Providers {
		prefix := fmt.Sprintf("providers[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[p.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers[%d]", prefix, p.Name, prev))
			}
			namesSeen[p.Name] = i
		}
		if p.Type == "" {
			errs = append(errs, fmt.Errorf("%s.type is required", prefix))
		} else {
			validateProviderType(prefix, p.Type)
		}
	}

	return errors.Join(errs...)
}

// knownProviderTypes lists the ASR backend types registered by default.
// Used by [Validate] to warn about unrecognised types; the registry is open,
// so an unknown type is not an error here.
var knownProviderTypes = []string{"whisper", "whisper-native", "openai", "mock"}

func validateProviderType(prefix, typ string) {
	if slices.Contains(knownProviderTypes, typ) {
		return
	}
	slog.Warn("unknown provider type — may be a typo or third-party provider",
		"field", prefix+".type",
		"type", typ,
		"known", knownProviderTypes,
	)
}
