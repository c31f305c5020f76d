package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// WAVHeaderSize is the byte length of the canonical RIFF/fmt/data header
// this package writes.
const WAVHeaderSize = 44

// WAVHeader builds a 44-byte RIFF header for a PCM stream of dataLen payload
// bytes. Incremental writers emit it with dataLen 0 and patch it again once
// the final payload size is known.
func WAVHeader(spec Spec, dataLen int) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, WAVHeaderSize))

	bitsPerSample := spec.Format.BytesPerSample() * 8
	byteRate := spec.BytesPerSecond()
	blockAlign := spec.FrameBytes()

	audioFormat := uint16(1) // PCM
	if spec.Format == FormatF32LE {
		audioFormat = 3 // IEEE float
	}

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, audioFormat)
	binary.Write(buf, binary.LittleEndian, uint16(spec.Channels))
	binary.Write(buf, binary.LittleEndian, uint32(spec.SampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(dataLen))

	return buf.Bytes()
}

// EncodeWAV wraps raw PCM in a complete WAV file image.
func EncodeWAV(pcm []byte, spec Spec) ([]byte, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("encode wav: %w", err)
	}
	out := make([]byte, 0, WAVHeaderSize+len(pcm))
	out = append(out, WAVHeader(spec, len(pcm))...)
	out = append(out, pcm...)
	return out, nil
}

// DecodeWAV parses a WAV file image and returns the raw PCM payload and its
// spec. Only uncompressed PCM (int16/int32) and IEEE float are accepted;
// unknown chunks are skipped.
func DecodeWAV(data []byte) ([]byte, Spec, error) {
	var spec Spec

	if len(data) < WAVHeaderSize {
		return nil, spec, fmt.Errorf("decode wav: %d bytes is too short", len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, spec, fmt.Errorf("decode wav: missing RIFF/WAVE signature")
	}

	var pcm []byte
	sawFmt := false

	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if body+size > len(data) {
			size = len(data) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, spec, fmt.Errorf("decode wav: fmt chunk too short (%d bytes)", size)
			}
			audioFormat := binary.LittleEndian.Uint16(data[body : body+2])
			spec.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			spec.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits := binary.LittleEndian.Uint16(data[body+14 : body+16])

			switch {
			case audioFormat == 1 && bits == 16:
				spec.Format = FormatS16LE
			case audioFormat == 1 && bits == 32:
				spec.Format = FormatS32LE
			case audioFormat == 3 && bits == 32:
				spec.Format = FormatF32LE
			default:
				return nil, spec, fmt.Errorf("decode wav: unsupported encoding (format %d, %d bits)", audioFormat, bits)
			}
			sawFmt = true
		case "data":
			pcm = data[body : body+size]
		}

		// Chunks are word-aligned.
		pos = body + size
		if size%2 == 1 {
			pos++
		}
	}

	if !sawFmt {
		return nil, spec, fmt.Errorf("decode wav: no fmt chunk")
	}
	if pcm == nil {
		return nil, spec, fmt.Errorf("decode wav: no data chunk")
	}
	if err := spec.Validate(); err != nil {
		return nil, spec, fmt.Errorf("decode wav: %w", err)
	}
	return pcm, spec, nil
}
