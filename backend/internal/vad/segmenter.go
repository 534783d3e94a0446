// Package vad endpoints a live wideband stream into utterances using frame
// energy against a fixed threshold.
package vad

import (
	"time"

	"github.com/jacky-htg/hospital-voice-bridge/libs/audio"
	"github.com/jacky-htg/hospital-voice-bridge/libs/config"
)

// State of the segmenter.
type State int

const (
	// Idle means no speech has been heard in the current utterance.
	Idle State = iota
	// Speaking means the last frame was speech.
	Speaking
	// TrailingSilence means speech was heard and the silence timer is running.
	TrailingSilence
	// Finalizing means an utterance is out for transcription; input is dropped.
	Finalizing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Speaking:
		return "speaking"
	case TrailingSilence:
		return "trailing_silence"
	case Finalizing:
		return "finalizing"
	}
	return "unknown"
}

// Segmenter is not safe for concurrent use; the owning session serializes access.
type Segmenter struct {
	threshold      float64
	silenceTimeout time.Duration
	minBytes       int
	maxBytes       int
	preRollBytes   int
	now            func() time.Time

	buf          []byte
	hadSpeech    bool
	silenceStart time.Time
	held         bool
}

// New builds a segmenter for wideband audio at sampleRate. now may be nil.
func New(cfg config.VADConfig, sampleRate int, now func() time.Time) *Segmenter {
	if now == nil {
		now = time.Now
	}
	s := &Segmenter{
		threshold:      cfg.SpeechThreshold,
		silenceTimeout: cfg.SilenceTimeout,
		minBytes:       audio.DurationBytes(sampleRate, int(cfg.MinUtterance/time.Millisecond)),
		preRollBytes:   audio.DurationBytes(sampleRate, int(cfg.PreRoll/time.Millisecond)),
		now:            now,
	}
	if cfg.MaxUtterance > 0 {
		s.maxBytes = audio.DurationBytes(sampleRate, int(cfg.MaxUtterance/time.Millisecond))
	}
	return s
}

// Push feeds one wideband frame. When the frame completes an utterance the
// accumulated audio is returned and the segmenter holds its gate until
// Release is called.
func (s *Segmenter) Push(frame []byte) []byte {
	if s.held {
		return nil
	}
	now := s.now()
	s.buf = append(s.buf, frame...)

	if audio.RMS(frame) >= s.threshold {
		s.hadSpeech = true
		s.silenceStart = time.Time{}
		if s.maxBytes > 0 && len(s.buf) >= s.maxBytes {
			return s.finalize()
		}
		return nil
	}

	if s.silenceStart.IsZero() {
		s.silenceStart = now
	}
	if !s.hadSpeech {
		s.trimPreRoll()
		return nil
	}
	if len(s.buf) >= s.minBytes && now.Sub(s.silenceStart) >= s.silenceTimeout {
		return s.finalize()
	}
	if s.maxBytes > 0 && len(s.buf) >= s.maxBytes {
		return s.finalize()
	}
	return nil
}

func (s *Segmenter) finalize() []byte {
	out := s.buf
	s.buf = nil
	s.hadSpeech = false
	s.silenceStart = time.Time{}
	s.held = true
	return out
}

// trimPreRoll keeps only the most recent pre-roll window while no speech has been heard.
func (s *Segmenter) trimPreRoll() {
	excess := len(s.buf) - s.preRollBytes
	if excess <= 0 {
		return
	}
	excess += excess % audio.BytesPerSample
	if excess >= len(s.buf) {
		s.buf = s.buf[:0]
		return
	}
	s.buf = append(s.buf[:0], s.buf[excess:]...)
}

// Release reopens the gate after the utterance has been handled, whatever the outcome.
func (s *Segmenter) Release() {
	s.held = false
}

// Reset discards all buffered audio and returns to Idle.
func (s *Segmenter) Reset() {
	s.buf = nil
	s.hadSpeech = false
	s.silenceStart = time.Time{}
	s.held = false
}

func (s *Segmenter) State() State {
	switch {
	case s.held:
		return Finalizing
	case !s.hadSpeech:
		return Idle
	case s.silenceStart.IsZero():
		return Speaking
	default:
		return TrailingSilence
	}
}

// Speaking reports whether the caller is currently talking.
func (s *Segmenter) Speaking() bool { return s.State() == Speaking }

// Buffered is the number of bytes accumulated for the current utterance.
func (s *Segmenter) Buffered() int { return len(s.buf) }
