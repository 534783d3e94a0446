package audio

import "math"

// RMS returns the root-mean-square amplitude of pcm in raw sample units
// (0..32768). An empty buffer has RMS 0.
func RMS(pcm []byte) float64 {
	n := SampleCount(pcm)
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(sampleAt(pcm, i))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Silence returns a zeroed buffer holding ms milliseconds of audio at rate.
func Silence(rate, ms int) []byte {
	return make([]byte, rate*ms/1000*BytesPerSample)
}

// DurationBytes is the byte length of ms milliseconds of audio at rate.
func DurationBytes(rate, ms int) int {
	return rate * ms / 1000 * BytesPerSample
}
