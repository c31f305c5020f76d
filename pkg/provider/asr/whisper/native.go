// This file contains the Native provider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/asrhub/pkg/audio"
	"github.com/MrWong99/asrhub/pkg/provider/asr"
)

// Compile-time assertion that Native satisfies asr.Provider.
var _ asr.Provider = (*Native)(nil)

// Native implements asr.Provider using whisper.cpp Go bindings (CGO),
// eliminating HTTP overhead entirely. The model is loaded once at startup
// and shared across all sessions; each inference runs in its own whisper
// context, so concurrent calls do not interfere.
type Native struct {
	model    whisperlib.Model
	language string
}

// NativeOption is a functional option for configuring a Native provider.
type NativeOption func(*Native)

// WithNativeLanguage sets the BCP-47 language code for transcription
// (e.g. "en", "de", "fr"). Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *Native) { p.language = lang }
}

// NewNative creates a Native provider that loads the whisper.cpp model from
// the given file path. The caller must call Close when the provider is no
// longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*Native, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &Native{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name identifies the backend.
func (p *Native) Name() string { return "whisper-native" }

// Transcribe converts pcm to the 16 kHz mono float32 samples whisper.cpp
// expects and runs inference on a fresh whisper context.
func (p *Native) Transcribe(ctx context.Context, pcm []byte, spec audio.Spec) (*asr.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	norm := audio.Normalizer{Target: audio.Canonical()}
	mono, err := norm.Normalize(pcm, spec)
	if err != nil {
		return nil, fmt.Errorf("whisper: normalize audio: %w", err)
	}
	samples := audio.Int16ToFloat32(mono)

	wctx, err := p.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(p.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", p.language, "error", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper: process audio: %w", err)
	}

	var (
		parts    []string
		segments []asr.Segment
	)
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		segments = append(segments, asr.Segment{
			Text:  text,
			Start: segment.Start,
			End:   segment.End,
		})
	}

	return &asr.Result{
		Text:     strings.Join(parts, " "),
		Language: p.language,
		Duration: audio.Canonical().Duration(len(mono)),
		Provider: p.Name(),
		Segments: segments,
	}, nil
}

// TranscribeFile decodes a recorded WAV file and runs it through Transcribe.
func (p *Native) TranscribeFile(ctx context.Context, path string) (*asr.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("whisper: read %q: %w", path, err)
	}
	pcm, spec, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("whisper: decode %q: %w", path, err)
	}
	return p.Transcribe(ctx, pcm, spec)
}

// Close releases the whisper model. Must be called when the provider is no
// longer needed.
func (p *Native) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}
