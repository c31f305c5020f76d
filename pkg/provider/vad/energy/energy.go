// Package energy provides a dependency-free VAD engine based on frame
// energy.
//
// Each frame's root-mean-square amplitude is mapped to a pseudo speech
// probability and run through the same hysteresis state machine the model
// backed engines use. It is the fallback engine for deployments without an
// ONNX runtime and the workhorse for tests.
package energy

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/asrhub/pkg/provider/vad"
)

const (
	// defaultReferenceRMS is the RMS amplitude (in 16-bit PCM units, max
	// 32767) that maps to probability 0.5. Around 300 corresponds to
	// near-silence room noise.
	defaultReferenceRMS = 300.0

	defaultSpeechThreshold  = 0.5
	defaultSilenceThreshold = 0.35
)

// Compile-time assertion that Engine implements vad.Engine.
var _ vad.Engine = (*Engine)(nil)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithReferenceRMS sets the RMS amplitude that maps to speech probability
// 0.5. Lower values make the engine more sensitive. Defaults to 300.
func WithReferenceRMS(v float64) Option {
	return func(e *Engine) {
		if v > 0 {
			e.referenceRMS = v
		}
	}
}

// Engine implements vad.Engine with a frame-energy detector. It holds no
// model resources; sessions are cheap.
type Engine struct {
	referenceRMS float64
}

// New creates an energy VAD engine.
func New(opts ...Option) *Engine {
	e := &Engine{referenceRMS: defaultReferenceRMS}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession creates a detection session for one audio stream.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.FrameSamples <= 0 {
		cfg.FrameSamples = vad.DefaultFrameSamples
	}
	if cfg.SpeechThreshold <= 0 {
		cfg.SpeechThreshold = defaultSpeechThreshold
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = defaultSilenceThreshold
	}
	if cfg.SpeechThreshold > 1 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: invalid thresholds: speech=%v silence=%v", cfg.SpeechThreshold, cfg.SilenceThreshold)
	}
	return &session{
		cfg:          cfg,
		referenceRMS: e.referenceRMS,
	}, nil
}

// session implements vad.SessionHandle. The only per-stream state is the
// hysteresis flag.
type session struct {
	mu           sync.Mutex
	cfg          vad.Config
	referenceRMS float64
	inSpeech     bool
	closed       bool
}

// Compile-time assertion that session implements vad.SessionHandle.
var _ vad.SessionHandle = (*session)(nil)

// ProcessFrame classifies one frame of 16-bit little-endian mono PCM.
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, fmt.Errorf("energy: session is closed")
	}
	if len(frame) != s.cfg.FrameSamples*2 {
		return vad.VADEvent{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.cfg.FrameSamples*2)
	}

	p := s.probability(frame)
	ev := vad.VADEvent{Probability: p}
	switch {
	case !s.inSpeech && p >= s.cfg.SpeechThreshold:
		s.inSpeech = true
		ev.Type = vad.VADSpeechStart
	case s.inSpeech && p < s.cfg.SilenceThreshold:
		s.inSpeech = false
		ev.Type = vad.VADSpeechEnd
	case s.inSpeech:
		ev.Type = vad.VADSpeechContinue
	default:
		ev.Type = vad.VADSilence
	}
	return ev, nil
}

// probability maps the frame's RMS amplitude to a 0..1 score. An RMS equal
// to the reference maps to 0.5; the mapping is monotonic and saturating.
func (s *session) probability(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(frame[i*2 : i*2+2])))
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(n))
	return rms / (rms + s.referenceRMS)
}

// Reset clears the hysteresis state.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inSpeech = false
}

// Close marks the session unusable. Calling Close more than once is safe.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
