package audio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Normalizer converts raw PCM to a target spec. It logs a warning on the
// first format mismatch and validates data alignment. Create one per stream;
// not designed for shared use across goroutines.
type Normalizer struct {
	Target Spec

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Normalize converts pcm from src to the target spec. If the source already
// matches the target, the input slice is returned unchanged (zero
// allocation). Conversion order: sample format first, then resample, then
// channel convert, so the resamplers only ever see int16 data and never
// resample stereo when the target is mono.
func (n *Normalizer) Normalize(pcm []byte, src Spec) ([]byte, error) {
	if err := src.Validate(); err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	if len(pcm)%src.FrameBytes() != 0 {
		n.warnedCorrupt.Do(func() {
			slog.Warn("audio normalizer: misaligned PCM payload, dropping chunk",
				"bytes", len(pcm),
				"spec", src.String(),
			)
		})
		return nil, fmt.Errorf("normalize: %d bytes not aligned to %d-byte frames", len(pcm), src.FrameBytes())
	}

	// Fast path: source matches target.
	if src == n.Target {
		return pcm, nil
	}

	n.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", src.String(),
			"to", n.Target.String(),
		)
	})

	cur := src

	// Step 1: bring samples to the target encoding.
	if cur.Format != n.Target.Format {
		if n.Target.Format != FormatS16LE {
			return nil, fmt.Errorf("normalize: unsupported target format %q", n.Target.Format)
		}
		switch cur.Format {
		case FormatS32LE:
			pcm = s32leToS16LE(pcm)
		case FormatF32LE:
			pcm = f32leToS16LE(pcm)
		}
		cur.Format = FormatS16LE
	}

	// Step 2: resample.
	if cur.SampleRate != n.Target.SampleRate {
		if cur.Channels == 1 {
			pcm = ResampleMono16(pcm, cur.SampleRate, n.Target.SampleRate)
		} else {
			pcm = ResampleStereo16(pcm, cur.SampleRate, n.Target.SampleRate)
		}
		cur.SampleRate = n.Target.SampleRate
	}

	// Step 3: channel conversion.
	if cur.Channels != n.Target.Channels {
		if cur.Channels == 1 && n.Target.Channels == 2 {
			pcm = MonoToStereo(pcm)
		} else if cur.Channels == 2 && n.Target.Channels == 1 {
			pcm = StereoToMono(pcm)
		}
		cur.Channels = n.Target.Channels
	}

	return pcm, nil
}

// s32leToS16LE narrows 32-bit samples by taking the high 16 bits.
func s32leToS16LE(pcm []byte) []byte {
	samples := len(pcm) / 4
	out := make([]byte, samples*2)
	for i := range samples {
		v := int32(uint32(pcm[i*4]) | uint32(pcm[i*4+1])<<8 | uint32(pcm[i*4+2])<<16 | uint32(pcm[i*4+3])<<24)
		s := int16(v >> 16)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// f32leToS16LE scales float samples in [-1, 1] to int16, clamping out-of-range
// values.
func f32leToS16LE(pcm []byte) []byte {
	samples := len(pcm) / 4
	out := make([]byte, samples*2)
	for i := range samples {
		bits := uint32(pcm[i*4]) | uint32(pcm[i*4+1])<<8 | uint32(pcm[i*4+2])<<16 | uint32(pcm[i*4+3])<<24
		f := math.Float32frombits(bits)
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		s := int16(f * 32767)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// Int16ToFloat32 converts little-endian int16 PCM to float32 samples in
// [-1, 1], the representation the detector models consume.
func Int16ToFloat32(pcm []byte) []float32 {
	samples := len(pcm) / 2
	out := make([]float32, samples)
	for i := range samples {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float32ToInt16 converts float32 samples in [-1, 1] back to little-endian
// int16 PCM, clamping out-of-range values.
func Float32ToInt16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		s := int16(f * 32767)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
// Input must be little-endian int16 PCM (2 bytes per sample).
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	// Each stereo frame is 4 bytes (2 bytes L + 2 bytes R).
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		lSample := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rSample := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (lSample + rSample) / 2

		// Clamp to int16 range.
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// ResampleStereo16 resamples 16-bit stereo PCM from srcRate to dstRate using
// linear interpolation. Each stereo frame is 4 bytes (L+R interleaved).
// If srcRate == dstRate, the input is returned unchanged.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 4 {
		return pcm
	}
	srcFrames := len(pcm) / 4
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*4)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		// Left channel
		l0 := int16(pcm[srcIdx*4]) | int16(pcm[srcIdx*4+1])<<8
		// Right channel
		r0 := int16(pcm[srcIdx*4+2]) | int16(pcm[srcIdx*4+3])<<8

		var l1, r1 int16
		if srcIdx+1 < srcFrames {
			l1 = int16(pcm[(srcIdx+1)*4]) | int16(pcm[(srcIdx+1)*4+1])<<8
			r1 = int16(pcm[(srcIdx+1)*4+2]) | int16(pcm[(srcIdx+1)*4+3])<<8
		} else {
			l1 = l0
			r1 = r0
		}

		lInterp := int16(float64(l0)*(1-frac) + float64(l1)*frac)
		rInterp := int16(float64(r0)*(1-frac) + float64(r1)*frac)

		out[i*4] = byte(lInterp)
		out[i*4+1] = byte(lInterp >> 8)
		out[i*4+2] = byte(rInterp)
		out[i*4+3] = byte(rInterp >> 8)
	}
	return out
}
