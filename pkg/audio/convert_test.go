package audio_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/MrWong99/asrhub/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func floatsToBytes(samples []float32) []byte {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return buf
}

func TestMonoToStereo(t *testing.T) {
	mono := samplesToBytes([]int16{100, 200, 300})
	stereo := audio.MonoToStereo(mono)
	got := bytesToSamples(stereo)
	want := []int16{100, 100, 200, 200, 300, 300}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono(t *testing.T) {
	// Two stereo frames: L=100,R=200 and L=-100,R=-200
	stereo := samplesToBytes([]int16{100, 200, -100, -200})
	mono := audio.StereoToMono(stereo)
	got := bytesToSamples(mono)
	want := []int16{150, -150}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono_Clamping(t *testing.T) {
	// Two max-positive samples should clamp to 32767 (not overflow).
	stereo := samplesToBytes([]int16{32767, 32767})
	mono := audio.StereoToMono(stereo)
	got := bytesToSamples(mono)
	if len(got) != 1 {
		t.Fatalf("length mismatch: got %d, want 1", len(got))
	}
	if got[0] != 32767 {
		t.Errorf("got %d, want 32767", got[0])
	}
}

func TestResampleMono16_SameRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 48000, 48000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	// 2 samples at 16kHz → 6 samples at 48kHz (3x)
	pcm := samplesToBytes([]int16{1000, 2000})
	out := audio.ResampleMono16(pcm, 16000, 48000)
	got := bytesToSamples(out)
	if len(got) != 6 {
		t.Fatalf("expected 6 samples, got %d", len(got))
	}
	// First output sample should equal first source sample.
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	// Last output sample should be close to last source sample.
	last := got[len(got)-1]
	if last < 1800 || last > 2200 {
		t.Errorf("last sample: got %d, want close to 2000", last)
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	// 6 samples at 48kHz → 2 samples at 16kHz (1/3x)
	pcm := samplesToBytes([]int16{100, 200, 300, 400, 500, 600})
	out := audio.ResampleMono16(pcm, 48000, 16000)
	got := bytesToSamples(out)
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
}

func TestResampleStereo16(t *testing.T) {
	// 2 stereo frames at 16kHz → 6 stereo frames (12 samples) at 48kHz
	pcm := samplesToBytes([]int16{100, 200, 300, 400})
	out := audio.ResampleStereo16(pcm, 16000, 48000)
	got := bytesToSamples(out)
	if len(got) != 12 {
		t.Fatalf("expected 12 samples, got %d", len(got))
	}
}

func TestResampleMono16_ZeroRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200})
	// Zero srcRate should return input unchanged.
	out := audio.ResampleMono16(pcm, 0, 48000)
	if len(out) != len(pcm) {
		t.Errorf("expected unchanged output for zero srcRate, got len %d", len(out))
	}
	// Zero dstRate should return input unchanged.
	out = audio.ResampleMono16(pcm, 48000, 0)
	if len(out) != len(pcm) {
		t.Errorf("expected unchanged output for zero dstRate, got len %d", len(out))
	}
	// Negative rates should return input unchanged.
	out = audio.ResampleMono16(pcm, -1, 48000)
	if len(out) != len(pcm) {
		t.Errorf("expected unchanged output for negative srcRate, got len %d", len(out))
	}
}

func TestNormalizer_NoOp(t *testing.T) {
	norm := audio.Normalizer{Target: audio.Canonical()}
	pcm := samplesToBytes([]int16{100, 200})
	out, err := norm.Normalize(pcm, audio.Canonical())
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	// Same slice — pointer equality check.
	if &out[0] != &pcm[0] {
		t.Error("expected same slice (zero allocation) for matching spec")
	}
}

func TestNormalizer_StereoDownmix(t *testing.T) {
	norm := audio.Normalizer{Target: audio.Canonical()}
	src := audio.Spec{SampleRate: 16000, Channels: 2, Format: audio.FormatS16LE}
	out, err := norm.Normalize(samplesToBytes([]int16{100, 200, -100, -200}), src)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	got := bytesToSamples(out)
	want := []int16{150, -150}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestNormalizer_ResampleAndDownmix(t *testing.T) {
	// 48000 Hz stereo → 16000 Hz mono: output should be 1/6 the sample count.
	norm := audio.Normalizer{Target: audio.Canonical()}
	src := audio.Spec{SampleRate: 48000, Channels: 2, Format: audio.FormatS16LE}

	in := make([]int16, 0, 96)
	for range 48 {
		in = append(in, 1000, 1000)
	}
	out, err := norm.Normalize(samplesToBytes(in), src)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	got := bytesToSamples(out)
	if len(got) != 16 {
		t.Fatalf("expected 16 mono samples, got %d", len(got))
	}
	for i, s := range got {
		if s < 990 || s > 1010 {
			t.Errorf("sample %d: got %d, want close to 1000", i, s)
		}
	}
}

func TestNormalizer_Float32Input(t *testing.T) {
	norm := audio.Normalizer{Target: audio.Canonical()}
	src := audio.Spec{SampleRate: 16000, Channels: 1, Format: audio.FormatF32LE}
	out, err := norm.Normalize(floatsToBytes([]float32{0.5, -0.5, 2.0}), src)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	got := bytesToSamples(out)
	if len(got) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(got))
	}
	if got[0] != 16383 {
		t.Errorf("sample 0: got %d, want 16383", got[0])
	}
	if got[1] != -16383 {
		t.Errorf("sample 1: got %d, want -16383", got[1])
	}
	// Out-of-range float clamps to full scale.
	if got[2] != 32767 {
		t.Errorf("sample 2: got %d, want 32767", got[2])
	}
}

func TestNormalizer_MisalignedPayload(t *testing.T) {
	norm := audio.Normalizer{Target: audio.Canonical()}
	src := audio.Spec{SampleRate: 16000, Channels: 1, Format: audio.FormatS16LE}
	if _, err := norm.Normalize([]byte{1, 2, 3}, src); err == nil {
		t.Fatal("expected error for misaligned payload, got nil")
	}
}

func TestNormalizer_InvalidSpec(t *testing.T) {
	norm := audio.Normalizer{Target: audio.Canonical()}
	src := audio.Spec{SampleRate: 0, Channels: 1, Format: audio.FormatS16LE}
	if _, err := norm.Normalize(samplesToBytes([]int16{1}), src); err == nil {
		t.Fatal("expected error for invalid spec, got nil")
	}
}

func TestInt16Float32RoundTrip(t *testing.T) {
	in := []int16{0, 100, -100, 32767, -32768}
	floats := audio.Int16ToFloat32(samplesToBytes(in))
	if len(floats) != len(in) {
		t.Fatalf("expected %d floats, got %d", len(in), len(floats))
	}
	back := bytesToSamples(audio.Float32ToInt16(floats))
	for i := range in {
		diff := int(in[i]) - int(back[i])
		if diff < -2 || diff > 2 {
			t.Errorf("sample %d: got %d after round trip, want within 2 of %d", i, back[i], in[i])
		}
	}
}

func TestMonoToStereo_OddLengthInput(t *testing.T) {
	// Odd-length input should not produce trailing zero bytes.
	// 5 bytes = 2 complete samples + 1 trailing byte.
	pcm := []byte{0x64, 0x00, 0xC8, 0x00, 0xFF} // 100, 200, then junk byte
	stereo := audio.MonoToStereo(pcm)
	if len(stereo) != 8 {
		t.Fatalf("expected 8 bytes for 2 complete mono samples, got %d", len(stereo))
	}
	got := bytesToSamples(stereo)
	want := []int16{100, 100, 200, 200}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}
