package audio_test

import (
	"testing"
	"time"

	"github.com/MrWong99/asrhub/pkg/audio"
)

func TestNewFramer_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     audio.FramerConfig
		wantErr bool
	}{
		{"fixed ok", audio.FramerConfig{Mode: audio.FrameFixed, FrameSamples: 512}, false},
		{"fixed zero frame", audio.FramerConfig{Mode: audio.FrameFixed}, true},
		{"sliding ok", audio.FramerConfig{Mode: audio.FrameSliding, FrameSamples: 512, StepSamples: 256}, false},
		{"sliding step too large", audio.FramerConfig{Mode: audio.FrameSliding, FrameSamples: 512, StepSamples: 513}, true},
		{"sliding default step", audio.FramerConfig{Mode: audio.FrameSliding, FrameSamples: 512}, false},
		{"dynamic ok", audio.FramerConfig{Mode: audio.FrameDynamic, MinDuration: 100 * time.Millisecond, MaxDuration: 2 * time.Second}, false},
		{"dynamic max below min", audio.FramerConfig{Mode: audio.FrameDynamic, MinDuration: time.Second, MaxDuration: 100 * time.Millisecond}, true},
		{"unknown mode", audio.FramerConfig{Mode: "windowed", FrameSamples: 10}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := audio.NewFramer(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewFramer() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFramer_Fixed(t *testing.T) {
	f, err := audio.NewFramer(audio.FramerConfig{Mode: audio.FrameFixed, FrameSamples: 4})
	if err != nil {
		t.Fatalf("NewFramer() error = %v", err)
	}

	f.Write(samplesToBytes([]int16{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}))
	frames := f.Frames()
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	first := bytesToSamples(frames[0])
	if first[0] != 1 || first[3] != 4 {
		t.Errorf("frame 0 = %v, want [1 2 3 4]", first)
	}
	second := bytesToSamples(frames[1])
	if second[0] != 5 || second[3] != 8 {
		t.Errorf("frame 1 = %v, want [5 6 7 8]", second)
	}
	if f.Buffered() != 4 {
		t.Errorf("buffered = %d bytes, want 4", f.Buffered())
	}

	// Remainder is dropped without PadFinal.
	if rest := f.Flush(); len(rest) != 0 {
		t.Errorf("Flush() returned %d frames, want 0", len(rest))
	}
	if f.Buffered() != 0 {
		t.Errorf("buffered after flush = %d, want 0", f.Buffered())
	}
}

func TestFramer_FixedPadFinal(t *testing.T) {
	f, err := audio.NewFramer(audio.FramerConfig{Mode: audio.FrameFixed, FrameSamples: 4, PadFinal: true})
	if err != nil {
		t.Fatalf("NewFramer() error = %v", err)
	}

	f.Write(samplesToBytes([]int16{1, 2, 3, 4, 5, 6}))
	frames := f.Flush()
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames (1 full + 1 padded), got %d", len(frames))
	}
	padded := bytesToSamples(frames[1])
	want := []int16{5, 6, 0, 0}
	for i := range want {
		if padded[i] != want[i] {
			t.Errorf("padded frame sample %d: got %d, want %d", i, padded[i], want[i])
		}
	}
}

func TestFramer_Sliding(t *testing.T) {
	f, err := audio.NewFramer(audio.FramerConfig{Mode: audio.FrameSliding, FrameSamples: 4, StepSamples: 2})
	if err != nil {
		t.Fatalf("NewFramer() error = %v", err)
	}

	f.Write(samplesToBytes([]int16{1, 2, 3, 4, 5, 6, 7, 8}))
	frames := f.Frames()
	if len(frames) != 3 {
		t.Fatalf("expected 3 overlapping frames, got %d", len(frames))
	}
	starts := []int16{1, 3, 5}
	for i, frame := range frames {
		got := bytesToSamples(frame)
		if len(got) != 4 {
			t.Fatalf("frame %d length = %d samples, want 4", i, len(got))
		}
		if got[0] != starts[i] {
			t.Errorf("frame %d starts at %d, want %d", i, got[0], starts[i])
		}
	}
}

func TestFramer_SlidingFramesAreCopies(t *testing.T) {
	f, err := audio.NewFramer(audio.FramerConfig{Mode: audio.FrameSliding, FrameSamples: 2, StepSamples: 1})
	if err != nil {
		t.Fatalf("NewFramer() error = %v", err)
	}
	f.Write(samplesToBytes([]int16{1, 2, 3}))
	frames := f.Frames()
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	// Mutating one frame must not affect the other (overlap shares source bytes).
	frames[0][2] = 0xFF
	if got := bytesToSamples(frames[1])[0]; got != 2 {
		t.Errorf("frame 1 sample 0 = %d after mutating frame 0, want 2", got)
	}
}

func TestFramer_Dynamic(t *testing.T) {
	f, err := audio.NewFramer(audio.FramerConfig{
		Mode:        audio.FrameDynamic,
		MinDuration: 100 * time.Millisecond,
		MaxDuration: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewFramer() error = %v", err)
	}

	// Canonical spec: 32000 bytes/s, so max boundary = 6400 bytes.
	f.Write(make([]byte, 7000))
	frames := f.Frames()
	if len(frames) != 1 {
		t.Fatalf("expected 1 boundary emission, got %d", len(frames))
	}
	if len(frames[0]) != 6400 {
		t.Errorf("boundary frame = %d bytes, want 6400", len(frames[0]))
	}

	// Remaining 600 bytes are below the 3200-byte minimum: flush drops them.
	if rest := f.Flush(); len(rest) != 0 {
		t.Errorf("Flush() returned %d frames, want 0", len(rest))
	}
}

func TestFramer_DynamicFlushAboveMin(t *testing.T) {
	f, err := audio.NewFramer(audio.FramerConfig{
		Mode:        audio.FrameDynamic,
		MinDuration: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewFramer() error = %v", err)
	}

	f.Write(make([]byte, 4000))
	if frames := f.Frames(); len(frames) != 0 {
		t.Fatalf("no max boundary configured, Frames() should emit nothing, got %d", len(frames))
	}
	frames := f.Flush()
	if len(frames) != 1 {
		t.Fatalf("expected 1 flush emission, got %d", len(frames))
	}
	if len(frames[0]) != 4000 {
		t.Errorf("flush frame = %d bytes, want 4000", len(frames[0]))
	}
}

func TestFramer_OverflowDropsOldest(t *testing.T) {
	f, err := audio.NewFramer(audio.FramerConfig{
		Mode:         audio.FrameFixed,
		FrameSamples: 4,
		MaxBuffered:  time.Nanosecond, // raised internally to one frame
	})
	if err != nil {
		t.Fatalf("NewFramer() error = %v", err)
	}

	f.Write(samplesToBytes([]int16{1, 2, 3, 4, 5, 6}))
	if f.Dropped() != 4 {
		t.Errorf("Dropped() = %d bytes, want 4", f.Dropped())
	}
	frames := f.Frames()
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	got := bytesToSamples(frames[0])
	want := []int16{3, 4, 5, 6}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestFramer_Reset(t *testing.T) {
	f, err := audio.NewFramer(audio.FramerConfig{Mode: audio.FrameFixed, FrameSamples: 2})
	if err != nil {
		t.Fatalf("NewFramer() error = %v", err)
	}
	f.Write(samplesToBytes([]int16{1, 2, 3}))
	f.Reset()
	if f.Buffered() != 0 {
		t.Errorf("buffered after reset = %d, want 0", f.Buffered())
	}
	if frames := f.Frames(); len(frames) != 0 {
		t.Errorf("Frames() after reset returned %d frames, want 0", len(frames))
	}
}
