package audio_test

import (
	"testing"
	"time"

	"github.com/MrWong99/asrhub/pkg/audio"
)

func TestParseSampleFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    audio.SampleFormat
		wantErr bool
	}{
		{"", audio.FormatS16LE, false},
		{"s16le", audio.FormatS16LE, false},
		{"int16", audio.FormatS16LE, false},
		{"pcm", audio.FormatS16LE, false},
		{"int32", audio.FormatS32LE, false},
		{"float32", audio.FormatF32LE, false},
		{"f32le", audio.FormatF32LE, false},
		{"mp3", "", true},
	}
	for _, tt := range tests {
		got, err := audio.ParseSampleFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSampleFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSampleFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    audio.Spec
		wantErr bool
	}{
		{"canonical", audio.Canonical(), false},
		{"stereo 48k", audio.Spec{SampleRate: 48000, Channels: 2, Format: audio.FormatS16LE}, false},
		{"zero rate", audio.Spec{SampleRate: 0, Channels: 1, Format: audio.FormatS16LE}, true},
		{"five channels", audio.Spec{SampleRate: 16000, Channels: 5, Format: audio.FormatS16LE}, true},
		{"bad format", audio.Spec{SampleRate: 16000, Channels: 1, Format: "mp3"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSpecDuration(t *testing.T) {
	spec := audio.Canonical()
	// 16000 Hz mono s16le = 32000 bytes/s, so 3200 bytes = 100ms.
	if got := spec.Duration(3200); got != 100*time.Millisecond {
		t.Errorf("Duration(3200) = %v, want 100ms", got)
	}
	if got := spec.BytesFor(100 * time.Millisecond); got != 3200 {
		t.Errorf("BytesFor(100ms) = %d, want 3200", got)
	}
	if got := spec.Samples(3200); got != 1600 {
		t.Errorf("Samples(3200) = %d, want 1600", got)
	}
}

func TestSpecBytesForAlignment(t *testing.T) {
	spec := audio.Spec{SampleRate: 48000, Channels: 2, Format: audio.FormatS16LE}
	got := spec.BytesFor(33 * time.Millisecond)
	if got%spec.FrameBytes() != 0 {
		t.Errorf("BytesFor() = %d, not aligned to %d-byte frames", got, spec.FrameBytes())
	}
}

func TestSpecString(t *testing.T) {
	spec := audio.Spec{SampleRate: 48000, Channels: 2, Format: audio.FormatS16LE}
	if got, want := spec.String(), "48000Hz stereo s16le"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got, want := audio.Canonical().String(), "16000Hz mono s16le"; got != want {
		t.Errorf("Canonical().String() = %q, want %q", got, want)
	}
}
