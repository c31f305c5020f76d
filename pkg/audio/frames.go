package audio

import (
	"fmt"
	"time"
)

// FrameMode selects how a Framer carves buffered PCM into frames.
type FrameMode string

const (
	// FrameFixed emits consecutive non-overlapping frames of FrameSamples.
	FrameFixed FrameMode = "fixed"
	// FrameSliding emits frames of FrameSamples advancing by StepSamples,
	// preserving overlap between consecutive frames.
	FrameSliding FrameMode = "sliding"
	// FrameDynamic accumulates until MaxDuration worth of audio is buffered
	// (or Flush is called) and emits the whole accumulation as one frame.
	FrameDynamic FrameMode = "dynamic"
)

// IsValid reports whether m is a recognized frame mode.
func (m FrameMode) IsValid() bool {
	switch m {
	case FrameFixed, FrameSliding, FrameDynamic:
		return true
	}
	return false
}

// FramerConfig configures a Framer. FrameSamples and StepSamples are in
// sample frames of Spec; durations are wall time of audio.
type FramerConfig struct {
	Mode FrameMode

	// Spec of the buffered stream. Zero value means Canonical().
	Spec Spec

	// FrameSamples is the emitted frame length for fixed and sliding modes.
	FrameSamples int

	// StepSamples is the sliding-mode advance. Defaults to FrameSamples.
	StepSamples int

	// MinDuration is the smallest accumulation dynamic mode will emit on
	// Flush. Zero means any non-empty accumulation flushes.
	MinDuration time.Duration

	// MaxDuration forces a dynamic-mode emission once that much audio is
	// buffered. Zero means only Flush emits.
	MaxDuration time.Duration

	// PadFinal zero-pads the fixed-mode remainder on Flush instead of
	// dropping it.
	PadFinal bool

	// MaxBuffered caps the internal buffer; oldest bytes are dropped on
	// overflow. Defaults to 10s of audio.
	MaxBuffered time.Duration
}

// Framer slices a byte stream of PCM into detector-sized frames. Not safe
// for concurrent use; each detector worker owns its own Framer.
type Framer struct {
	mode       FrameMode
	spec       Spec
	frameBytes int
	stepBytes  int
	minBytes   int
	maxBytes   int
	capBytes   int
	padFinal   bool

	buf     []byte
	dropped int
}

// NewFramer validates cfg and returns a ready Framer.
func NewFramer(cfg FramerConfig) (*Framer, error) {
	spec := cfg.Spec
	if spec == (Spec{}) {
		spec = Canonical()
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("framer: %w", err)
	}
	if !cfg.Mode.IsValid() {
		return nil, fmt.Errorf("framer: unknown mode %q", cfg.Mode)
	}

	f := &Framer{
		mode:     cfg.Mode,
		spec:     spec,
		padFinal: cfg.PadFinal,
	}
	fb := spec.FrameBytes()

	switch cfg.Mode {
	case FrameFixed, FrameSliding:
		if cfg.FrameSamples <= 0 {
			return nil, fmt.Errorf("framer: frame size must be positive, got %d", cfg.FrameSamples)
		}
		f.frameBytes = cfg.FrameSamples * fb
		step := cfg.StepSamples
		if step == 0 {
			step = cfg.FrameSamples
		}
		if cfg.Mode == FrameSliding && (step <= 0 || step > cfg.FrameSamples) {
			return nil, fmt.Errorf("framer: sliding step must be in (0, %d], got %d", cfg.FrameSamples, step)
		}
		f.stepBytes = step * fb
	case FrameDynamic:
		if cfg.MinDuration < 0 || cfg.MaxDuration < 0 {
			return nil, fmt.Errorf("framer: negative duration bounds")
		}
		if cfg.MinDuration > 0 && cfg.MaxDuration > 0 && cfg.MaxDuration < cfg.MinDuration {
			return nil, fmt.Errorf("framer: max duration %v below min %v", cfg.MaxDuration, cfg.MinDuration)
		}
		f.minBytes = spec.BytesFor(cfg.MinDuration)
		f.maxBytes = spec.BytesFor(cfg.MaxDuration)
	}

	maxBuffered := cfg.MaxBuffered
	if maxBuffered == 0 {
		maxBuffered = 10 * time.Second
	}
	f.capBytes = spec.BytesFor(maxBuffered)
	if f.capBytes < f.maxBytes {
		f.capBytes = f.maxBytes
	}
	if f.capBytes < f.frameBytes {
		f.capBytes = f.frameBytes
	}

	return f, nil
}

// Write appends pcm to the buffer, dropping the oldest bytes if the cap is
// exceeded. Emission happens on Frames/Flush, never here.
func (f *Framer) Write(pcm []byte) {
	f.buf = append(f.buf, pcm...)
	if over := len(f.buf) - f.capBytes; over > 0 {
		// Keep the drop aligned to whole sample frames.
		fb := f.spec.FrameBytes()
		over += (fb - over%fb) % fb
		if over > len(f.buf) {
			over = len(f.buf)
		}
		f.buf = f.buf[over:]
		f.dropped += over
	}
}

// Frames returns every frame currently extractable under the configured
// mode and consumes the underlying bytes (minus sliding overlap). Returned
// slices are copies and safe to retain.
func (f *Framer) Frames() [][]byte {
	var out [][]byte
	switch f.mode {
	case FrameFixed:
		for len(f.buf) >= f.frameBytes {
			out = append(out, f.take(f.frameBytes, f.frameBytes))
		}
	case FrameSliding:
		for len(f.buf) >= f.frameBytes {
			out = append(out, f.take(f.frameBytes, f.stepBytes))
		}
	case FrameDynamic:
		if f.maxBytes > 0 && len(f.buf) >= f.maxBytes {
			out = append(out, f.take(f.maxBytes, f.maxBytes))
		}
	}
	return out
}

// Flush emits the final boundary frame. Fixed mode pads or drops the
// remainder per PadFinal; sliding drops any partial window; dynamic emits
// the accumulation if it reaches MinDuration. The buffer is empty afterwards.
func (f *Framer) Flush() [][]byte {
	var out [][]byte
	switch f.mode {
	case FrameFixed:
		out = f.Frames()
		if len(f.buf) > 0 && f.padFinal {
			frame := make([]byte, f.frameBytes)
			copy(frame, f.buf)
			out = append(out, frame)
		}
	case FrameSliding:
		out = f.Frames()
	case FrameDynamic:
		if len(f.buf) > 0 && len(f.buf) >= f.minBytes {
			frame := make([]byte, len(f.buf))
			copy(frame, f.buf)
			out = append(out, frame)
		}
	}
	f.buf = f.buf[:0]
	return out
}

// Buffered returns the number of bytes awaiting emission.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Dropped returns the total bytes discarded by overflow since creation.
func (f *Framer) Dropped() int {
	return f.dropped
}

// Reset discards all buffered bytes without emitting.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
}

// take copies n leading bytes out of the buffer and advances it by adv.
func (f *Framer) take(n, adv int) []byte {
	frame := make([]byte, n)
	copy(frame, f.buf[:n])
	f.buf = f.buf[adv:]
	return frame
}
