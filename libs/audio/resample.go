// Package audio holds the PCM helpers shared by the bridge: sample-rate
// conversion between the telephony and model sides, loudness measurement,
// WAV containers and frame re-chunking.
//
// All buffers are 16-bit signed little-endian mono PCM.
package audio

import (
	"encoding/binary"
	"math"
)

// Sample rates used on each side of the bridge.
const (
	NarrowbandRate = 8000  // telephony media stream
	WidebandRate   = 24000 // conversational backend
)

// BytesPerSample is the size of one 16-bit PCM sample.
const BytesPerSample = 2

// SampleCount returns the number of whole samples in pcm. A trailing odd byte
// is ignored.
func SampleCount(pcm []byte) int {
	return len(pcm) / BytesPerSample
}

// Upsample converts pcm from fromRate to the higher toRate using linear
// interpolation. The output holds floor(n*toRate/fromRate) samples.
func Upsample(pcm []byte, fromRate, toRate int) []byte {
	n := SampleCount(pcm)
	if n == 0 || fromRate <= 0 || toRate <= 0 {
		return []byte{}
	}
	outN := n * toRate / fromRate
	out := make([]byte, outN*BytesPerSample)
	step := float64(fromRate) / float64(toRate)

	for i := 0; i < outN; i++ {
		pos := float64(i) * step
		lo := int(pos)
		if lo > n-1 {
			lo = n - 1
		}
		hi := lo + 1
		if hi > n-1 {
			hi = n - 1
		}
		frac := pos - float64(lo)
		s0 := float64(sampleAt(pcm, lo))
		s1 := float64(sampleAt(pcm, hi))
		putSample(out, i, clamp16(math.Round(s0+(s1-s0)*frac)))
	}
	return out
}

// Downsample converts pcm from fromRate to the lower toRate by nearest
// neighbour selection. The output holds floor(n*toRate/fromRate) samples.
func Downsample(pcm []byte, fromRate, toRate int) []byte {
	n := SampleCount(pcm)
	if n == 0 || fromRate <= 0 || toRate <= 0 {
		return []byte{}
	}
	outN := n * toRate / fromRate
	out := make([]byte, outN*BytesPerSample)

	for i := 0; i < outN; i++ {
		src := i * fromRate / toRate
		if src > n-1 {
			src = n - 1
		}
		putSample(out, i, sampleAt(pcm, src))
	}
	return out
}

// NarrowToWide converts a telephony frame to the model's rate.
func NarrowToWide(pcm []byte) []byte { return Upsample(pcm, NarrowbandRate, WidebandRate) }

// WideToNarrow converts model audio to the telephony rate.
func WideToNarrow(pcm []byte) []byte { return Downsample(pcm, WidebandRate, NarrowbandRate) }

func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:])) //nolint:gosec // PCM16 reinterpretation
}

func putSample(pcm []byte, i int, s int16) {
	binary.LittleEndian.PutUint16(pcm[i*BytesPerSample:], uint16(s)) //nolint:gosec // PCM16 reinterpretation
}

func clamp16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
