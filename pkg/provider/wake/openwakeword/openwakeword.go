// Package openwakeword implements wake-word detection using the
// openWakeWord ONNX model family.
//
// Each 80 ms audio frame passes through a three-stage pipeline:
// melspectrogram, speech embedding, keyword classifier. The
// melspectrogram and embedding models are shared across all openWakeWord
// keywords; the classifier is trained per keyword, so one Engine detects
// exactly one keyword.
package openwakeword

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/asrhub/pkg/onnxrt"
	"github.com/MrWong99/asrhub/pkg/provider/wake"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	sampleRate   = 16000
	chunkSamples = wake.DefaultFrameSamples // 80 ms @ 16 kHz

	melWindowSize = 76 // mel frames per embedding window
	melStepSize   = 8  // mel frames consumed per embedding step
	melBins       = 32 // melspectrogram output bands
	nMelFrames    = 5  // mel frames produced per chunk
	embeddingDim  = 96 // floats per embedding frame
	nEmbedFrames  = 16 // embedding frames seen by the classifier

	// scoreWindowSize is the number of trailing classifier scores to track.
	// Detection triggers on the window maximum, which tolerates the score
	// peak landing a frame early or late.
	scoreWindowSize = 5

	// recentWindow is how many of the newest embedding slots reach the
	// classifier. Older slots are zeroed at scoring time so accumulated
	// silence embeddings cannot suppress a detection.
	recentWindow = 5

	defaultThreshold = 0.5
	defaultCooldown  = 1500 * time.Millisecond
)

// boundSession couples an ONNX inference session with its pre-bound input
// and output tensors.
type boundSession struct {
	sess *ort.AdvancedSession
	in   *ort.Tensor[float32]
	out  *ort.Tensor[float32]
}

func newBoundSession(modelPath string, inShape, outShape ort.Shape) (*boundSession, error) {
	in, err := ort.NewEmptyTensor[float32](inShape)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	out, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		in.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}
	inInfo, outInfo, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		in.Destroy()
		out.Destroy()
		return nil, fmt.Errorf("inspect model: %w", err)
	}
	if len(inInfo) == 0 || len(outInfo) == 0 {
		in.Destroy()
		out.Destroy()
		return nil, errors.New("model reports no inputs or outputs")
	}
	sess, err := ort.NewAdvancedSession(
		modelPath,
		[]string{inInfo[0].Name}, []string{outInfo[0].Name},
		[]ort.Value{in}, []ort.Value{out},
		nil,
	)
	if err != nil {
		in.Destroy()
		out.Destroy()
		return nil, fmt.Errorf("create inference session: %w", err)
	}
	return &boundSession{sess: sess, in: in, out: out}, nil
}

func (b *boundSession) destroy() {
	b.sess.Destroy()
	b.in.Destroy()
	b.out.Destroy()
}

// Engine implements wake.Engine on top of the openWakeWord pipeline.
//
// The ONNX sessions use pre-bound tensors, so all inference is serialized
// through an internal mutex. Sessions created from the same Engine share
// the models but keep independent feature buffers, making them safe to
// drive from different goroutines.
type Engine struct {
	keyword string

	mu      sync.Mutex
	melspec *boundSession
	embed   *boundSession
	classif *boundSession
	closed  bool
}

type engineConfig struct {
	onnxLib string
	keyword string
}

// Option configures an Engine.
type Option func(*engineConfig)

// WithONNXLibrary sets the path of the ONNX Runtime shared library to
// load. When empty, the ONNXRUNTIME_SHARED_LIBRARY_PATH environment
// variable or the platform default is used.
func WithONNXLibrary(path string) Option {
	return func(c *engineConfig) {
		c.onnxLib = path
	}
}

// WithKeyword overrides the keyword name reported in detections. By
// default the name is derived from the classifier model filename, e.g.
// "models/hey_jarvis.onnx" reports "hey_jarvis".
func WithKeyword(name string) Option {
	return func(c *engineConfig) {
		c.keyword = name
	}
}

// New loads the openWakeWord models and prepares the inference sessions.
// wakewordModel is the per-keyword classifier; melspecModel and
// embeddingModel are the shared feature models distributed with
// openWakeWord. Call Close when done to release the ONNX resources.
func New(wakewordModel, melspecModel, embeddingModel string, opts ...Option) (*Engine, error) {
	var cfg engineConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	for _, path := range []string{wakewordModel, melspecModel, embeddingModel} {
		if path == "" {
			return nil, errors.New("openwakeword: model path must not be empty")
		}
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("openwakeword: model not accessible: %w", err)
		}
	}

	if err := onnxrt.Init(cfg.onnxLib); err != nil {
		return nil, fmt.Errorf("openwakeword: %w", err)
	}

	keyword := cfg.keyword
	if keyword == "" {
		base := filepath.Base(wakewordModel)
		keyword = strings.TrimSuffix(base, filepath.Ext(base))
	}

	melspec, err := newBoundSession(melspecModel,
		ort.NewShape(1, chunkSamples),
		ort.NewShape(1, 1, nMelFrames, melBins))
	if err != nil {
		return nil, fmt.Errorf("openwakeword: melspectrogram model: %w", err)
	}
	embed, err := newBoundSession(embeddingModel,
		ort.NewShape(1, melWindowSize, melBins, 1),
		ort.NewShape(1, 1, 1, embeddingDim))
	if err != nil {
		melspec.destroy()
		return nil, fmt.Errorf("openwakeword: embedding model: %w", err)
	}
	classif, err := newBoundSession(wakewordModel,
		ort.NewShape(1, nEmbedFrames, embeddingDim),
		ort.NewShape(1, 1))
	if err != nil {
		melspec.destroy()
		embed.destroy()
		return nil, fmt.Errorf("openwakeword: classifier model: %w", err)
	}

	return &Engine{
		keyword: keyword,
		melspec: melspec,
		embed:   embed,
		classif: classif,
	}, nil
}

// Keyword returns the name of the wake word this engine detects.
func (e *Engine) Keyword() string {
	return e.keyword
}

// NewSession creates a wake-word session with its own feature buffers.
// Only the 16 kHz sample rate and the 1280-sample frame size are
// supported; zero values select them as defaults.
func (e *Engine) NewSession(cfg wake.Config) (wake.SessionHandle, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = sampleRate
	}
	if cfg.SampleRate != sampleRate {
		return nil, fmt.Errorf("openwakeword: unsupported sample rate %d, must be %d", cfg.SampleRate, sampleRate)
	}
	if cfg.FrameSamples == 0 {
		cfg.FrameSamples = chunkSamples
	}
	if cfg.FrameSamples != chunkSamples {
		return nil, fmt.Errorf("openwakeword: frame size must be %d samples, got %d", chunkSamples, cfg.FrameSamples)
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("openwakeword: threshold %v out of range [0, 1]", cfg.Threshold)
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = defaultCooldown
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.New("openwakeword: engine is closed")
	}
	return &session{
		engine:      e,
		cfg:         cfg,
		melBuffer:   make([]float32, 0, (melWindowSize+nMelFrames)*melBins),
		embedBuffer: make([]float32, nEmbedFrames*embeddingDim),
		scores:      newScorer(cfg.Threshold, cfg.Cooldown),
	}, nil
}

// Close releases the ONNX sessions and tensors. Sessions created from
// this engine must not be used afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.melspec.destroy()
	e.embed.destroy()
	e.classif.destroy()
	return nil
}

// runMelspec feeds one chunk of raw sample amplitudes through the
// melspectrogram model and returns the scaled mel frames.
func (e *Engine) runMelspec(samples []float32) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.New("openwakeword: engine is closed")
	}
	copy(e.melspec.in.GetData(), samples)
	if err := e.melspec.sess.Run(); err != nil {
		return nil, fmt.Errorf("openwakeword: melspectrogram inference: %w", err)
	}
	melData := e.melspec.out.GetData()
	out := make([]float32, len(melData))
	for i, v := range melData {
		// Feature scaling expected by the downstream models.
		out[i] = v/10.0 + 2.0
	}
	return out, nil
}

// runEmbedding converts one window of mel frames into a speech embedding.
func (e *Engine) runEmbedding(mels []float32) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.New("openwakeword: engine is closed")
	}
	copy(e.embed.in.GetData(), mels[:melWindowSize*melBins])
	if err := e.embed.sess.Run(); err != nil {
		return nil, fmt.Errorf("openwakeword: embedding inference: %w", err)
	}
	out := make([]float32, embeddingDim)
	copy(out, e.embed.out.GetData())
	return out, nil
}

// runClassifier scores the newest embedding frames. Only the last
// recentWindow slots are passed through; older slots are zeroed so the
// classifier always sees the shape it saw right after startup.
func (e *Engine) runClassifier(embeds []float32) (float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, errors.New("openwakeword: engine is closed")
	}
	data := e.classif.in.GetData()
	pad := (nEmbedFrames - recentWindow) * embeddingDim
	for i := 0; i < pad; i++ {
		data[i] = 0
	}
	copy(data[pad:], embeds[pad:])
	if err := e.classif.sess.Run(); err != nil {
		return 0, fmt.Errorf("openwakeword: classifier inference: %w", err)
	}
	return e.classif.out.GetData()[0], nil
}

// session is a single wake-word stream. It owns the rolling mel and
// embedding buffers; model inference is delegated to the shared engine.
type session struct {
	mu     sync.Mutex
	engine *Engine
	cfg    wake.Config

	melBuffer   []float32 // rolling mel frames, melBins floats each
	embedBuffer []float32 // last nEmbedFrames embeddings, oldest first
	scores      *scorer
	closed      bool
}

func (s *session) ProcessFrame(frame []byte) ([]wake.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("openwakeword: session is closed")
	}
	want := s.cfg.FrameSamples * 2
	if len(frame) != want {
		return nil, fmt.Errorf("openwakeword: frame must be %d bytes (%d samples), got %d",
			want, s.cfg.FrameSamples, len(frame))
	}

	// The melspectrogram model expects raw int16 amplitudes, not samples
	// normalized to [-1, 1].
	samples := make([]float32, s.cfg.FrameSamples)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(frame[i*2:])))
	}

	mels, err := s.engine.runMelspec(samples)
	if err != nil {
		return nil, err
	}
	s.melBuffer = append(s.melBuffer, mels...)

	newEmbed := false
	for len(s.melBuffer) >= melWindowSize*melBins {
		embedding, err := s.engine.runEmbedding(s.melBuffer)
		if err != nil {
			return nil, err
		}

		// Sliding window: shift left, insert at the end.
		copy(s.embedBuffer, s.embedBuffer[embeddingDim:])
		copy(s.embedBuffer[(nEmbedFrames-1)*embeddingDim:], embedding)
		newEmbed = true

		// Compact instead of reslicing so the backing array cannot grow
		// without bound.
		n := copy(s.melBuffer, s.melBuffer[melStepSize*melBins:])
		s.melBuffer = s.melBuffer[:n]
	}
	if !newEmbed {
		return nil, nil
	}

	score, err := s.engine.runClassifier(s.embedBuffer)
	if err != nil {
		return nil, err
	}
	if maxScore, hit := s.scores.push(score, time.Now()); hit {
		return []wake.Detection{{Keyword: s.engine.keyword, Score: maxScore}}, nil
	}
	return nil, nil
}

// Reset flushes the mel, embedding and score buffers so features from a
// previous audio segment cannot trigger a detection after the stream
// resumes.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.melBuffer = s.melBuffer[:0]
	for i := range s.embedBuffer {
		s.embedBuffer[i] = 0
	}
	s.scores.reset()
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ensure interface compliance at compile time.
var (
	_ wake.Engine        = (*Engine)(nil)
	_ wake.SessionHandle = (*session)(nil)
)
