// Package whisper provides speech recognition backed by whisper.cpp.
//
// Two backends are included. Client talks to a running whisper-server binary
// (which exposes a REST API at POST /inference) and submits each utterance as
// a batch inference request. Native loads a whisper.cpp model through the CGO
// bindings and runs inference in-process, eliminating HTTP overhead entirely.
//
// Usage:
//
//	c, err := whisper.New("http://localhost:8080",
//	    whisper.WithLanguage("en"),
//	    whisper.WithModel("base.en"),
//	)
//	res, err := c.Transcribe(ctx, pcm, audio.Canonical())
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/MrWong99/asrhub/pkg/audio"
	"github.com/MrWong99/asrhub/pkg/provider/asr"
)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second
)

// Compile-time assertion that Client implements asr.Provider.
var _ asr.Provider = (*Client)(nil)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the model identifier forwarded to the whisper-server
// (e.g. "base.en", "small"). When empty the server uses whichever model it
// was started with. This is the default.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithLanguage sets the BCP-47 language code sent to the whisper-server
// (e.g. "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(c *Client) { c.language = lang }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// Client implements asr.Provider against a whisper-server HTTP endpoint.
// Multiple sessions may transcribe through one Client concurrently.
type Client struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a Client connecting to the whisper-server at serverURL
// (e.g. "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Client, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	c := &Client{
		serverURL:  serverURL,
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Name identifies the backend.
func (c *Client) Name() string { return "whisper" }

// Transcribe wraps pcm in a WAV container and submits it to the server's
// /inference endpoint.
func (c *Client) Transcribe(ctx context.Context, pcm []byte, spec audio.Spec) (*asr.Result, error) {
	wav, err := audio.EncodeWAV(pcm, spec)
	if err != nil {
		return nil, fmt.Errorf("whisper: encode wav: %w", err)
	}
	text, err := c.infer(ctx, bytes.NewReader(wav), "audio.wav")
	if err != nil {
		return nil, err
	}
	return &asr.Result{
		Text:     text,
		Language: c.language,
		Duration: spec.Duration(len(pcm)),
		Provider: c.Name(),
	}, nil
}

// TranscribeFile submits a recorded WAV file to the server's /inference
// endpoint.
func (c *Client) TranscribeFile(ctx context.Context, path string) (*asr.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("whisper: read %q: %w", path, err)
	}
	text, err := c.infer(ctx, bytes.NewReader(data), filepath.Base(path))
	if err != nil {
		return nil, err
	}
	res := &asr.Result{
		Text:     text,
		Language: c.language,
		Provider: c.Name(),
	}
	// Best effort: recover the audio duration from the container.
	if pcm, spec, derr := audio.DecodeWAV(data); derr == nil {
		res.Duration = spec.Duration(len(pcm))
	}
	return res, nil
}

// Close is a no-op; the Client holds no per-instance resources.
func (c *Client) Close() error { return nil }

// infer POSTs the audio as multipart/form-data to the /inference endpoint
// and returns the transcribed text.
func (c *Client) infer(ctx context.Context, r io.Reader, filename string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := io.Copy(fw, r); err != nil {
		return "", fmt.Errorf("whisper: write audio data: %w", err)
	}

	if c.language != "" {
		if err := mw.WriteField("language", c.language); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if c.model != "" {
		if err := mw.WriteField("model", c.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	endpoint := c.serverURL + "/inference"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return result.Text, nil
}
