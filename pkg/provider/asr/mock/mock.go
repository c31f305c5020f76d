// Package mock provides test doubles for the asr package interfaces.
//
// Use Provider to control the Result returned from transcription calls and
// to inspect which audio was submitted. Results are served from the Results
// queue in FIFO order; when the queue is empty, Result (or a default) is
// returned.
//
// Example:
//
//	p := &mock.Provider{
//	    Result: &asr.Result{Text: "TURN ON THE LIGHT"},
//	}
//	res, _ := p.Transcribe(ctx, pcm, audio.Canonical())
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/asrhub/pkg/audio"
	"github.com/MrWong99/asrhub/pkg/provider/asr"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// PCM is a copy of the audio bytes passed to Transcribe.
	PCM []byte
	// Spec is the audio format passed to Transcribe.
	Spec audio.Spec
}

// TranscribeFileCall records a single invocation of Provider.TranscribeFile.
type TranscribeFileCall struct {
	// Path is the file path passed to TranscribeFile.
	Path string
}

// Provider is a mock implementation of asr.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock" when empty.
	ProviderName string

	// Result is returned by Transcribe and TranscribeFile when the Results
	// queue is empty. If nil as well, a Result with empty text is returned.
	Result *asr.Result

	// Results, when non-empty, is consumed front to back: each transcription
	// call pops and returns the next entry.
	Results []*asr.Result

	// Err, if non-nil, is returned as the error from every transcription
	// call.
	Err error

	// Delay, if non-zero, makes every transcription call sleep (or abort on
	// ctx) before returning. Useful for exercising lease timeouts.
	Delay func(ctx context.Context) error

	// --- Call records ---

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall

	// TranscribeFileCalls records every call to TranscribeFile in order.
	TranscribeFileCalls []TranscribeFileCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Compile-time assertion that Provider implements asr.Provider.
var _ asr.Provider = (*Provider)(nil)

// Name returns ProviderName or "mock".
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ProviderName != "" {
		return p.ProviderName
	}
	return "mock"
}

// Transcribe records the call and returns the next queued result.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, spec audio.Spec) (*asr.Result, error) {
	p.mu.Lock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{PCM: cp, Spec: spec})
	delay := p.Delay
	p.mu.Unlock()

	if delay != nil {
		if err := delay(ctx); err != nil {
			return nil, err
		}
	}
	return p.next()
}

// TranscribeFile records the call and returns the next queued result.
func (p *Provider) TranscribeFile(ctx context.Context, path string) (*asr.Result, error) {
	p.mu.Lock()
	p.TranscribeFileCalls = append(p.TranscribeFileCalls, TranscribeFileCall{Path: path})
	delay := p.Delay
	p.mu.Unlock()

	if delay != nil {
		if err := delay(ctx); err != nil {
			return nil, err
		}
	}
	return p.next()
}

// Close records the call and returns nil.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CloseCallCount++
	return nil
}

// TranscribeCallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) TranscribeCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TranscribeCalls)
}

// ResetCalls clears all recorded calls. Thread-safe.
func (p *Provider) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
	p.TranscribeFileCalls = nil
	p.CloseCallCount = 0
}

func (p *Provider) next() (*asr.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	if len(p.Results) > 0 {
		res := p.Results[0]
		p.Results = p.Results[1:]
		return res, nil
	}
	if p.Result != nil {
		cp := *p.Result
		return &cp, nil
	}
	return &asr.Result{Provider: "mock"}, nil
}
