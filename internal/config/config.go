// Package config provides the configuration schema, loader, and provider
// registry for the ASRHub service.
package config

import "time"

// LogLevel controls log verbosity for the ASRHub server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Seconds is a duration expressed as (possibly fractional) seconds in YAML,
// e.g. `pre_roll_duration: 1.5`.
type Seconds float64

// Duration converts s to a time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(float64(s) * float64(time.Second))
}

// Config is the root configuration structure for ASRHub.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server ServerConfig `yaml:"server"`

	// PreRollDuration is how much audio preceding the wake moment is
	// included in a recording.
	PreRollDuration Seconds `yaml:"pre_roll_duration"`

	// TailPaddingDuration is how much audio after detected silence is
	// appended to a recording.
	TailPaddingDuration Seconds `yaml:"tail_padding_duration"`

	// SilenceThreshold is how long sustained silence must last before a
	// recording is stopped. Zero stops the recording on the first silence
	// frame.
	SilenceThreshold Seconds `yaml:"silence_threshold"`

	// MaxHistoryDuration is the audio queue retention window.
	MaxHistoryDuration Seconds `yaml:"max_history_duration"`

	// ChunkDuration is the assumed play time of one ingested chunk, used
	// for queue accounting when a chunk's own length cannot be trusted.
	ChunkDuration Seconds `yaml:"chunk_duration"`

	// RecordingsDir is where finished WAV recordings are published.
	RecordingsDir string `yaml:"recordings_dir"`

	Pool      PoolConfig      `yaml:"pool"`
	VAD       VADConfig       `yaml:"vad"`
	WakeWord  WakeWordConfig  `yaml:"wakeword"`
	Session   SessionConfig   `yaml:"session"`
	Providers []ProviderEntry `yaml:"providers"`
}

// ServerConfig holds network and logging settings for the ASRHub server.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// SSEHeartbeat is the interval between SSE heartbeat events.
	SSEHeartbeat Seconds `yaml:"sse_heartbeat"`

	// Redis configures the Redis pub/sub transport. When nil, the transport
	// is disabled.
	Redis *RedisConfig `yaml:"redis"`

	// WebRTC configures the WebRTC transport. When nil, the transport is
	// disabled.
	WebRTC *WebRTCConfig `yaml:"webrtc"`
}

// RedisConfig holds connection settings for the Redis pub/sub transport.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `yaml:"addr"`

	// Password is the Redis password, if any.
	Password string `yaml:"password"`

	// DB is the Redis database number.
	DB int `yaml:"db"`
}

// WebRTCConfig holds settings for the WebRTC ingest transport.
type WebRTCConfig struct {
	// ICEServers lists STUN/TURN server URLs offered to peers.
	ICEServers []string `yaml:"ice_servers"`
}

// PoolConfig tunes the ASR provider pool.
type PoolConfig struct {
	// Size is the maximum number of live provider instances.
	Size int `yaml:"size"`

	// LeaseTimeout bounds how long a transcription waits for a free
	// provider.
	LeaseTimeout Seconds `yaml:"lease_timeout"`
}

// VADConfig selects and tunes the voice activity detector.
type VADConfig struct {
	// Engine selects the VAD backend ("silero" or "energy").
	Engine string `yaml:"engine"`

	// ModelPath is the ONNX model file for the silero engine.
	ModelPath string `yaml:"model_path"`

	// SpeechThreshold is the probability above which a frame counts as
	// speech.
	SpeechThreshold float64 `yaml:"speech_threshold"`

	// SilenceThreshold is the probability below which a frame counts as
	// silence. Must not exceed SpeechThreshold.
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// FrameSamples is the analysis window size in samples at 16 kHz.
	FrameSamples int `yaml:"frame_samples"`
}

// WakeWordConfig selects and tunes the wake-word detector.
type WakeWordConfig struct {
	// Engine selects the wake-word backend ("openwakeword").
	Engine string `yaml:"engine"`

	// Keyword is the display name of the wake word (e.g. "hey_asrhub").
	Keyword string `yaml:"keyword"`

	// MelspecPath, EmbeddingPath and ModelPath are the three ONNX models of
	// the openWakeWord chain.
	MelspecPath   string `yaml:"melspec_path"`
	EmbeddingPath string `yaml:"embedding_path"`
	ModelPath     string `yaml:"model_path"`

	// Threshold is the score at or above which a detection fires.
	Threshold float64 `yaml:"threshold"`

	// Cooldown is the minimum time between two detections, in seconds.
	Cooldown Seconds `yaml:"cooldown"`
}

// SessionConfig tunes session lifecycle handling.
type SessionConfig struct {
	// Expiry is the idle time after which a session is expired and removed.
	Expiry Seconds `yaml:"expiry"`
}

// ProviderEntry declares one ASR backend. The Type field selects the
// constructor in the [Registry]; Name labels the instance in logs.
type ProviderEntry struct {
	// Name is a human-readable label for this backend (used in logs).
	Name string `yaml:"name"`

	// Type selects the registered provider implementation
	// (e.g., "whisper", "whisper-native", "openai", "mock").
	Type string `yaml:"type"`

	// APIKey is the authentication key for hosted backends.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default endpoint. For local
	// whisper-server backends this is the server address.
	BaseURL string `yaml:"base_url"`

	// Model selects a model within the backend (e.g., "whisper-1") or a
	// model file path for native backends.
	Model string `yaml:"model"`

	// Options holds backend-specific configuration values not covered by
	// the standard fields above.
	Options map[string]any `yaml:"options"`
}

// Default returns a Config populated with the documented defaults. Loading
// decodes on top of it, so absent keys keep their default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:   ":8080",
			LogLevel:     LogInfo,
			SSEHeartbeat: 15,
		},
		PreRollDuration:     1.0,
		TailPaddingDuration: 0.3,
		SilenceThreshold:    1.0,
		MaxHistoryDuration:  30,
		ChunkDuration:       0.1,
		RecordingsDir:       "recordings",
		Pool: PoolConfig{
			Size:         2,
			LeaseTimeout: 10,
		},
		VAD: VADConfig{
			Engine:           "energy",
			SpeechThreshold:  0.5,
			SilenceThreshold: 0.35,
			FrameSamples:     512,
		},
		WakeWord: WakeWordConfig{
			Engine:    "openwakeword",
			Threshold: 0.5,
			Cooldown:  1.5,
		},
		Session: SessionConfig{
			Expiry: 300,
		},
	}
}
