// Package openai provides an ASR provider backed by the OpenAI audio
// transcription API.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/asrhub/pkg/audio"
	"github.com/MrWong99/asrhub/pkg/provider/asr"
)

// Compile-time assertion that Provider implements asr.Provider.
var _ asr.Provider = (*Provider)(nil)

// Provider implements asr.Provider using the OpenAI API.
type Provider struct {
	client   oai.Client
	model    string
	language string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL  string
	language string
	timeout  time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Use this to point
// at an OpenAI-compatible server (e.g. a local faster-whisper deployment).
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithLanguage sets the ISO 639-1 language hint sent with every request
// (e.g. "en", "de"). An empty string lets the API auto-detect.
func WithLanguage(lang string) Option {
	return func(c *config) {
		c.language = lang
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI ASR Provider.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		model = string(oai.AudioModelWhisper1)
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model, language: cfg.language}, nil
}

// Name identifies the backend.
func (p *Provider) Name() string { return "openai" }

// Transcribe wraps pcm in a WAV container and submits it to the
// transcription endpoint.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, spec audio.Spec) (*asr.Result, error) {
	wav, err := audio.EncodeWAV(pcm, spec)
	if err != nil {
		return nil, fmt.Errorf("openai: encode wav: %w", err)
	}
	res, err := p.transcribe(ctx, wav, "audio.wav")
	if err != nil {
		return nil, err
	}
	res.Duration = spec.Duration(len(pcm))
	return res, nil
}

// TranscribeFile submits a recorded audio file to the transcription endpoint.
func (p *Provider) TranscribeFile(ctx context.Context, path string) (*asr.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("openai: read %q: %w", path, err)
	}
	res, err := p.transcribe(ctx, data, filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if pcm, spec, derr := audio.DecodeWAV(data); derr == nil {
		res.Duration = spec.Duration(len(pcm))
	}
	return res, nil
}

// Close is a no-op; the underlying client holds no closable resources.
func (p *Provider) Close() error { return nil }

func (p *Provider) transcribe(ctx context.Context, wav []byte, filename string) (*asr.Result, error) {
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), filename, "audio/wav"),
		Model: oai.AudioModel(p.model),
	}
	if p.language != "" {
		params.Language = oai.String(p.language)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: transcription request: %w", err)
	}

	return &asr.Result{
		Text:     resp.Text,
		Language: p.language,
		Provider: p.Name(),
	}, nil
}
