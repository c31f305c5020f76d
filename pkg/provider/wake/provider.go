// Package wake defines the Engine interface for wake-word detection
// backends.
//
// A wake-word engine scores fixed-size frames of 16 kHz mono PCM against one
// trained keyword and reports a Detection when the score crosses the
// configured threshold. Like the VAD interface, engines hand out one
// stateful session per audio stream; the session owns the rolling feature
// buffers, so concurrent streams never pollute each other's scores.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package wake

import "time"

// DefaultFrameSamples is the number of 16 kHz mono samples per analysis
// frame (80 ms), matching the openWakeWord feature pipeline.
const DefaultFrameSamples = 1280

// Config holds the parameters for a wake-word session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// PCM frames passed to ProcessFrame. Only 16000 is supported by the
	// bundled engines.
	SampleRate int

	// FrameSamples is the number of samples per audio frame. ProcessFrame
	// returns an error if the supplied frame does not match this size.
	FrameSamples int

	// Threshold is the score at or above which a frame window counts as a
	// detection. Range: [0.0, 1.0]. Defaults to 0.5.
	Threshold float64

	// Cooldown is the minimum time between two detections. Scores arriving
	// inside the window are suppressed. Defaults to 1.5 s.
	Cooldown time.Duration
}

// SessionHandle represents an active wake-word session for a single audio
// stream. Each session maintains its own feature buffers and cooldown
// timer; Reset clears this state without closing the session.
//
// A SessionHandle should not be shared between goroutines unless the
// implementation explicitly guarantees concurrent safety.
type SessionHandle interface {
	// ProcessFrame analyses a single audio frame and returns any detections
	// it produced. The frame must be raw 16-bit little-endian mono PCM at
	// the SampleRate and FrameSamples configured when the session was
	// created. Most frames yield no detections; the returned slice is nil
	// or empty then.
	ProcessFrame(frame []byte) ([]Detection, error)

	// Reset clears all accumulated feature state and the cooldown timer.
	// Use this when the audio stream is interrupted or restarted so stale
	// features from the previous segment cannot trigger a detection.
	Reset()

	// Close releases all resources associated with the session. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for wake-word sessions. It is the top-level
// interface implemented by each wake-word backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// Keyword returns the name of the wake word this engine detects
	// (e.g. "hey_jarvis").
	Keyword() string

	// NewSession creates a new wake-word session with the given
	// configuration, immediately ready to accept audio frames.
	NewSession(cfg Config) (SessionHandle, error)
}
