package audio

import (
	"fmt"
	"time"
)

// SampleFormat identifies the on-wire encoding of PCM samples.
type SampleFormat string

const (
	// FormatS16LE is signed 16-bit little-endian PCM, the pipeline's
	// canonical encoding.
	FormatS16LE SampleFormat = "s16le"
	// FormatS32LE is signed 32-bit little-endian PCM.
	FormatS32LE SampleFormat = "s32le"
	// FormatF32LE is 32-bit IEEE float PCM in [-1, 1].
	FormatF32LE SampleFormat = "f32le"
)

// IsValid reports whether f is a recognized sample format.
func (f SampleFormat) IsValid() bool {
	switch f {
	case FormatS16LE, FormatS32LE, FormatF32LE:
		return true
	}
	return false
}

// BytesPerSample returns the per-sample byte width, or 0 for unknown formats.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case FormatS16LE:
		return 2
	case FormatS32LE, FormatF32LE:
		return 4
	}
	return 0
}

// ParseSampleFormat maps transport-level format names onto SampleFormat.
// Clients send a few historical aliases ("int16", "pcm") that all mean s16le.
func ParseSampleFormat(s string) (SampleFormat, error) {
	switch s {
	case "", "s16le", "int16", "pcm", "pcm_s16le":
		return FormatS16LE, nil
	case "s32le", "int32":
		return FormatS32LE, nil
	case "f32le", "float32":
		return FormatF32LE, nil
	}
	return "", fmt.Errorf("unknown sample format %q", s)
}

// Spec describes a PCM stream: rate, channel count and sample encoding.
type Spec struct {
	SampleRate int
	Channels   int
	Format     SampleFormat
}

// Canonical returns the pipeline-internal format all ingested audio is
// normalized to before it reaches the queue: 16 kHz mono s16le.
func Canonical() Spec {
	return Spec{SampleRate: 16000, Channels: 1, Format: FormatS16LE}
}

// Validate checks that the spec describes a stream the pipeline can handle.
func (s Spec) Validate() error {
	if s.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", s.SampleRate)
	}
	if s.Channels != 1 && s.Channels != 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", s.Channels)
	}
	if !s.Format.IsValid() {
		return fmt.Errorf("unknown sample format %q", s.Format)
	}
	return nil
}

// FrameBytes returns the byte width of one interleaved sample frame.
func (s Spec) FrameBytes() int {
	return s.Format.BytesPerSample() * s.Channels
}

// BytesPerSecond returns the stream's data rate.
func (s Spec) BytesPerSecond() int {
	return s.FrameBytes() * s.SampleRate
}

// Duration returns the play time of n bytes of PCM in this spec.
func (s Spec) Duration(n int) time.Duration {
	bps := s.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// BytesFor returns the byte count covering d of audio, rounded down to a
// whole sample frame.
func (s Spec) BytesFor(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	n := int(int64(s.BytesPerSecond()) * int64(d) / int64(time.Second))
	fb := s.FrameBytes()
	if fb > 0 {
		n -= n % fb
	}
	return n
}

// Samples returns the number of sample frames contained in n bytes.
func (s Spec) Samples(n int) int {
	fb := s.FrameBytes()
	if fb <= 0 {
		return 0
	}
	return n / fb
}

// String renders the spec in the form "16000Hz mono s16le".
func (s Spec) String() string {
	ch := "mono"
	switch {
	case s.Channels == 2:
		ch = "stereo"
	case s.Channels > 2:
		ch = fmt.Sprintf("%dch", s.Channels)
	}
	return fmt.Sprintf("%dHz %s %s", s.SampleRate, ch, s.Format)
}
