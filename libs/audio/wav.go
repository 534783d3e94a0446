package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const wavHeaderSize = 44

// ErrNotWAV is returned by DecodeWAV for input without a RIFF/WAVE header.
var ErrNotWAV = errors.New("not a RIFF/WAVE container")

// EncodeWAV wraps mono 16-bit PCM in a canonical 44-byte WAV header.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	const channels = 1
	const bitsPerSample = 16
	dataSize := len(pcm) - len(pcm)%BytesPerSample
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	wav := make([]byte, wavHeaderSize+dataSize)
	copy(wav[0:4], "RIFF")
	binary.LittleEndian.PutUint32(wav[4:8], uint32(36+dataSize)) //nolint:gosec // bounded by buffer size
	copy(wav[8:12], "WAVE")

	copy(wav[12:16], "fmt ")
	binary.LittleEndian.PutUint32(wav[16:20], 16)
	binary.LittleEndian.PutUint16(wav[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(wav[22:24], channels)
	binary.LittleEndian.PutUint32(wav[24:28], uint32(sampleRate)) //nolint:gosec // sample rates are small
	binary.LittleEndian.PutUint32(wav[28:32], uint32(byteRate))   //nolint:gosec // sample rates are small
	binary.LittleEndian.PutUint16(wav[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(wav[34:36], bitsPerSample)

	copy(wav[36:40], "data")
	binary.LittleEndian.PutUint32(wav[40:44], uint32(dataSize)) //nolint:gosec // bounded by buffer size
	copy(wav[44:], pcm[:dataSize])
	return wav
}

// DecodeWAV extracts PCM from a 16-bit PCM WAV container, walking the chunk
// list so that LIST/fact chunks are skipped. Stereo input is mixed to mono.
// It returns the mono PCM and its sample rate.
func DecodeWAV(data []byte) ([]byte, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, ErrNotWAV
	}

	var (
		channels, bits int
		rate           int
		haveFmt        bool
	)
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		end := body + size
		if end > len(data) {
			// streamed WAVs often carry a placeholder size
			end = len(data)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, 0, fmt.Errorf("short fmt chunk: %d bytes", end-body)
			}
			format := binary.LittleEndian.Uint16(data[body:])
			if format != 1 {
				return nil, 0, fmt.Errorf("unsupported wav format %d", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			rate = int(binary.LittleEndian.Uint32(data[body+4:]))
			bits = int(binary.LittleEndian.Uint16(data[body+14:]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, 0, errors.New("data chunk before fmt chunk")
			}
			if bits != 16 {
				return nil, 0, fmt.Errorf("unsupported bits per sample %d", bits)
			}
			return toMono(data[body:end], channels), rate, nil
		}

		off = end + size%2
	}
	return nil, 0, errors.New("wav has no data chunk")
}

func toMono(pcm []byte, channels int) []byte {
	if channels <= 1 {
		out := make([]byte, len(pcm)-len(pcm)%BytesPerSample)
		copy(out, pcm)
		return out
	}
	frame := channels * BytesPerSample
	n := len(pcm) / frame
	out := make([]byte, n*BytesPerSample)
	for i := 0; i < n; i++ {
		var sum int
		for c := 0; c < channels; c++ {
			sum += int(sampleAt(pcm, i*channels+c))
		}
		putSample(out, i, int16(sum/channels)) //nolint:gosec // average stays within int16
	}
	return out
}
