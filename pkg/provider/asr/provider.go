// Package asr defines the Provider interface for speech recognition backends.
//
// An ASR provider wraps a transcription engine (a local whisper.cpp server,
// the whisper.cpp CGO bindings, or a hosted API such as OpenAI) and exposes a
// uniform batch interface: hand it PCM audio or a recorded file, get back a
// Result. Providers that can transcribe continuously implement StreamProvider
// in addition; everything else can be adapted with NewBufferedStream, which
// segments a continuous feed into utterances and runs each through the batch
// path.
//
// Implementations must be safe for concurrent use. Several sessions may
// transcribe through the same provider instance at once.
package asr

import (
	"context"

	"github.com/MrWong99/asrhub/pkg/audio"
)

// Provider is the abstraction over any speech recognition backend.
type Provider interface {
	// Name identifies the backend (e.g. "whisper", "openai"). It is used in
	// logs and carried on every Result.
	Name() string

	// Transcribe runs recognition over a complete utterance of raw PCM audio
	// described by spec. It blocks until the backend returns or ctx is done.
	Transcribe(ctx context.Context, pcm []byte, spec audio.Spec) (*Result, error)

	// TranscribeFile runs recognition over a recorded audio file (WAV). It
	// blocks until the backend returns or ctx is done.
	TranscribeFile(ctx context.Context, path string) (*Result, error)

	// Close releases backend resources (loaded models, connections). Calling
	// Close more than once is safe.
	Close() error
}

// Stream is an open continuous recognition session. Callers feed PCM audio
// with SendAudio and receive committed utterances on Results.
//
// Callers must call Close when the stream is no longer needed; afterwards the
// Results channel is closed. All methods must be safe for concurrent use.
type Stream interface {
	// SendAudio delivers a chunk of raw PCM audio matching the spec the
	// stream was opened with. Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Results returns a read-only channel emitting one Result per committed
	// utterance. The channel is closed when the stream ends.
	Results() <-chan Result

	// Close flushes any buffered audio through a final recognition pass and
	// releases the stream. Calling Close more than once is safe.
	Close() error
}

// StreamProvider is implemented by providers with native continuous
// recognition support.
type StreamProvider interface {
	Provider

	// StartStream opens a continuous recognition session for audio in the
	// given format. The returned Stream is ready to accept audio immediately.
	StartStream(ctx context.Context, spec audio.Spec) (Stream, error)
}

// OpenStream returns a continuous recognition stream for any provider. If p
// implements StreamProvider its native stream is used; otherwise the batch
// path is adapted with NewBufferedStream using the supplied options.
func OpenStream(ctx context.Context, p Provider, spec audio.Spec, opts ...StreamOption) (Stream, error) {
	if sp, ok := p.(StreamProvider); ok {
		return sp.StartStream(ctx, spec)
	}
	return NewBufferedStream(ctx, p, spec, opts...)
}
