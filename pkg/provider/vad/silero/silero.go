// Package silero provides a VAD engine backed by the Silero VAD ONNX model.
//
// The model is loaded once through onnxruntime and shared by all sessions;
// each session keeps its own recurrent state and sample context, so several
// audio streams can be classified independently. Inference runs are
// serialized on the engine.
//
// Usage:
//
//	eng, err := silero.New("models/silero_vad.onnx")
//	handle, err := eng.NewSession(vad.Config{SampleRate: 16000, FrameSamples: 512})
//	ev, err := handle.ProcessFrame(frame)
package silero

import (
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/MrWong99/asrhub/pkg/audio"
	"github.com/MrWong99/asrhub/pkg/onnxrt"
	"github.com/MrWong99/asrhub/pkg/provider/vad"
)

const (
	// stateSize is the flattened size of the model's recurrent state tensor
	// [2, 1, 128].
	stateSize = 2 * 1 * 128

	defaultSpeechThreshold  = 0.5
	defaultSilenceThreshold = 0.35
)

// Compile-time assertion that Engine implements vad.Engine.
var _ vad.Engine = (*Engine)(nil)

// Option is a functional option for configuring an Engine.
type Option func(*engineConfig)

type engineConfig struct {
	onnxLibPath string
}

// WithONNXLibrary sets the path of the onnxruntime shared library. When
// empty, the ONNXRUNTIME_SHARED_LIBRARY_PATH environment variable and the
// loader's default search path apply.
func WithONNXLibrary(path string) Option {
	return func(c *engineConfig) { c.onnxLibPath = path }
}

// Engine implements vad.Engine using the Silero VAD ONNX model.
type Engine struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	closed  bool
}

// New creates a Silero engine from the ONNX model at modelPath.
// The caller must call Close when the engine is no longer needed.
func New(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("silero: modelPath must not be empty")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("silero: model file: %w", err)
	}

	cfg := engineConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	if err := onnxrt.Init(cfg.onnxLibPath); err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("silero: create session options: %w", err)
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(
		modelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("silero: create ONNX session: %w", err)
	}

	return &Engine{session: session}, nil
}

// NewSession creates a detection session with its own recurrent state.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.SampleRate != 8000 && cfg.SampleRate != 16000 {
		return nil, fmt.Errorf("silero: sample rate must be 8000 or 16000, got %d", cfg.SampleRate)
	}
	wantFrame := vad.DefaultFrameSamples
	contextSize := 64
	if cfg.SampleRate == 8000 {
		wantFrame = 256
		contextSize = 32
	}
	if cfg.FrameSamples == 0 {
		cfg.FrameSamples = wantFrame
	}
	if cfg.FrameSamples != wantFrame {
		return nil, fmt.Errorf("silero: frame must be %d samples at %d Hz, got %d", wantFrame, cfg.SampleRate, cfg.FrameSamples)
	}
	if cfg.SpeechThreshold <= 0 {
		cfg.SpeechThreshold = defaultSpeechThreshold
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = defaultSilenceThreshold
	}
	if cfg.SpeechThreshold > 1 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("silero: invalid thresholds: speech=%v silence=%v", cfg.SpeechThreshold, cfg.SilenceThreshold)
	}

	return &session{
		engine:  e,
		cfg:     cfg,
		state:   make([]float32, stateSize),
		context: make([]float32, contextSize),
	}, nil
}

// Close destroys the ONNX session. Sessions must not be used afterwards.
// Calling Close more than once is safe.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
	return nil
}

// infer runs one model pass. samples is the frame, state is updated in
// place. Serialized on the engine mutex.
func (e *Engine) infer(samples []float32, context []float32, state []float32, sampleRate int) (float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, errors.New("silero: engine is closed")
	}

	// The model input is [batch, context + window]: the tail of the
	// previous frame prepended to the current one.
	inputData := make([]float32, len(context)+len(samples))
	copy(inputData, context)
	copy(inputData[len(context):], samples)

	inputTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(inputData))), inputData)
	if err != nil {
		return 0, fmt.Errorf("silero: create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	stateTensor, err := ort.NewTensor(ort.NewShape(2, 1, 128), state)
	if err != nil {
		return 0, fmt.Errorf("silero: create state tensor: %w", err)
	}
	defer stateTensor.Destroy()

	srTensor, err := ort.NewTensor(ort.NewShape(1), []int64{int64(sampleRate)})
	if err != nil {
		return 0, fmt.Errorf("silero: create sr tensor: %w", err)
	}
	defer srTensor.Destroy()

	outputs := []ort.Value{nil, nil}
	if err := e.session.Run([]ort.Value{inputTensor, stateTensor, srTensor}, outputs); err != nil {
		return 0, fmt.Errorf("silero: run inference: %w", err)
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	outData := outputs[0].(*ort.Tensor[float32]).GetData()
	stateN := outputs[1].(*ort.Tensor[float32]).GetData()
	copy(state, stateN)

	if len(outData) == 0 {
		return 0, nil
	}
	return outData[0], nil
}

// session implements vad.SessionHandle with per-stream recurrent state.
type session struct {
	mu       sync.Mutex
	engine   *Engine
	cfg      vad.Config
	state    []float32 // LSTM h and c, [2, 1, 128] flattened
	context  []float32 // trailing samples of the previous frame
	inSpeech bool
	closed   bool
}

// Compile-time assertion that session implements vad.SessionHandle.
var _ vad.SessionHandle = (*session)(nil)

// ProcessFrame classifies one frame of 16-bit little-endian mono PCM.
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, errors.New("silero: session is closed")
	}
	if len(frame) != s.cfg.FrameSamples*2 {
		return vad.VADEvent{}, fmt.Errorf("silero: frame is %d bytes, want %d", len(frame), s.cfg.FrameSamples*2)
	}

	samples := audio.Int16ToFloat32(frame)
	prob, err := s.engine.infer(samples, s.context, s.state, s.cfg.SampleRate)
	if err != nil {
		return vad.VADEvent{}, err
	}

	// Keep the tail of this frame as context for the next one.
	copy(s.context, samples[len(samples)-len(s.context):])

	p := float64(prob)
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

// Reset clears the recurrent state, the sample context, and the hysteresis
// flag.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state {
		s.state[i] = 0
	}
	for i := range s.context {
		s.context[i] = 0
	}
	s.inSpeech = false
}

// Close marks the session unusable. Calling Close more than once is safe.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
