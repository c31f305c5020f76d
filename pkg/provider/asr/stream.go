package asr

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/asrhub/pkg/audio"
)

// Defaults for the buffered stream's utterance segmentation.
const (
	// defaultRMSFloor is the root-mean-square energy level (in 16-bit PCM
	// units) below which audio is considered silent. The maximum possible
	// value for 16-bit audio is 32767; 300 corresponds to near-silence.
	defaultRMSFloor = 300.0

	// defaultSilenceHold is the consecutive-silence duration that commits the
	// accumulated speech buffer as one utterance.
	defaultSilenceHold = 500 * time.Millisecond

	// defaultMaxUtterance caps how much audio may accumulate before a commit
	// is forced regardless of silence. Prevents unbounded memory growth
	// during continuous speech.
	defaultMaxUtterance = 10 * time.Second
)

// StreamOption is a functional option for NewBufferedStream.
type StreamOption func(*streamConfig)

type streamConfig struct {
	rmsFloor     float64
	silenceHold  time.Duration
	maxUtterance time.Duration
}

// WithRMSFloor sets the energy level below which a chunk counts as silence.
func WithRMSFloor(v float64) StreamOption {
	return func(c *streamConfig) {
		if v > 0 {
			c.rmsFloor = v
		}
	}
}

// WithSilenceHold sets the consecutive-silence duration that commits the
// buffered speech as one utterance. Shorter values produce more responsive
// results at the cost of potentially splitting utterances.
func WithSilenceHold(d time.Duration) StreamOption {
	return func(c *streamConfig) {
		if d > 0 {
			c.silenceHold = d
		}
	}
}

// WithMaxUtterance sets the maximum buffered audio duration before a commit
// is forced regardless of silence.
func WithMaxUtterance(d time.Duration) StreamOption {
	return func(c *streamConfig) {
		if d > 0 {
			c.maxUtterance = d
		}
	}
}

// bufferedStream adapts a batch Provider into a Stream. Incoming PCM is
// buffered and segmented with an energy-based silence detector; each
// committed utterance runs through Provider.Transcribe. All mutable buffer
// state is confined to the processLoop goroutine.
type bufferedStream struct {
	provider Provider
	spec     audio.Spec
	cfg      streamConfig

	audioCh chan []byte
	results chan Result

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Compile-time assertion that bufferedStream implements Stream.
var _ Stream = (*bufferedStream)(nil)

// NewBufferedStream wraps a batch provider in a Stream. spec describes the
// PCM delivered via SendAudio and must be 16-bit signed little-endian; the
// energy detector does not understand other sample formats.
func NewBufferedStream(ctx context.Context, p Provider, spec audio.Spec, opts ...StreamOption) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("asr: context already cancelled: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("asr: invalid spec: %w", err)
	}
	if spec.Format != audio.FormatS16LE {
		return nil, fmt.Errorf("asr: buffered stream requires s16le audio, got %s", spec.Format)
	}

	cfg := streamConfig{
		rmsFloor:     defaultRMSFloor,
		silenceHold:  defaultSilenceHold,
		maxUtterance: defaultMaxUtterance,
	}
	for _, o := range opts {
		o(&cfg)
	}

	s := &bufferedStream{
		provider: p,
		spec:     spec,
		cfg:      cfg,
		audioCh:  make(chan []byte, 256),
		results:  make(chan Result, 64),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.processLoop(ctx)
	return s, nil
}

// SendAudio queues a chunk of raw PCM audio for silence analysis and
// buffering. Calling SendAudio after Close returns an error.
func (s *bufferedStream) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("asr: stream is closed")
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return errors.New("asr: stream is closed")
	}
}

// Results returns the channel emitting one Result per committed utterance.
// The channel is closed when the stream ends.
func (s *bufferedStream) Results() <-chan Result { return s.results }

// Close flushes any buffered speech through a final recognition pass, closes
// the Results channel, and releases the stream. Calling Close more than once
// is safe and returns nil.
func (s *bufferedStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// processLoop is the single goroutine responsible for silence detection,
// audio buffering, and recognition dispatch.
func (s *bufferedStream) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.results)

	var (
		buffer    []byte        // accumulated PCM for the current utterance
		hadSpeech bool          // true once any high-energy chunk has been buffered
		silence   time.Duration // consecutive silence accumulated after speech
	)

	maxBytes := s.spec.BytesFor(s.cfg.maxUtterance)

	doFlush := func(flushCtx context.Context) {
		if len(buffer) == 0 || !hadSpeech {
			buffer = nil
			hadSpeech = false
			silence = 0
			return
		}

		pcm := buffer
		buffer = nil
		hadSpeech = false
		silence = 0

		res, err := s.provider.Transcribe(flushCtx, pcm, s.spec)
		if err != nil {
			slog.Warn("asr stream transcription failed", "provider", s.provider.Name(), "error", err)
			return
		}
		if res == nil || res.Text == "" {
			return
		}

		// Non-blocking send: the channel is buffered. If it is somehow full
		// we skip rather than deadlock during shutdown.
		select {
		case s.results <- *res:
		default:
		}
	}

	// flushWithTimeout performs a final flush on a fresh background context
	// with a generous timeout, independent of the caller-supplied ctx which
	// may already be cancelled.
	flushWithTimeout := func() {
		fc, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		doFlush(fc)
	}

	for {
		select {
		case <-ctx.Done():
			flushWithTimeout()
			return

		case <-s.done:
			flushWithTimeout()
			return

		case chunk := <-s.audioCh:
			if rms(chunk) < s.cfg.rmsFloor {
				// Silent chunk: only relevant once speech has started.
				// Leading silence before any speech is discarded.
				if hadSpeech {
					silence += s.spec.Duration(len(chunk))
					buffer = append(buffer, chunk...)
					if silence >= s.cfg.silenceHold {
						doFlush(ctx)
					}
				}
			} else {
				hadSpeech = true
				silence = 0
				buffer = append(buffer, chunk...)
				if maxBytes > 0 && len(buffer) >= maxBytes {
					doFlush(ctx)
				}
			}
		}
	}
}

// rms returns the root-mean-square energy of a 16-bit signed little-endian
// PCM buffer, expressed in PCM sample units (0 to 32767). Returns 0 for
// buffers shorter than one sample.
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
