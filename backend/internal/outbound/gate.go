// Package outbound queues bot audio for the telephony leg and drops it when
// the caller talks over it.
package outbound

import (
	"encoding/base64"
	"fmt"
)

// Frame is one transport-sized chunk of narrowband audio.
type Frame struct {
	StreamID string
	Payload  string // base64 PCM
}

// Sender delivers frames to the telephony transport.
type Sender interface {
	SendMedia(streamID, payload string) error
	// SendClear asks the carrier to drop audio it has already buffered.
	SendClear(streamID string) error
}

// Gate is the per-call outbound FIFO. Not safe for concurrent use.
type Gate struct {
	frameBytes int

	queue     []Frame
	partial   []byte
	partialID string
	// delivered is set once audio reached the carrier since the last clear.
	delivered bool
}

func NewGate(frameBytes int) *Gate {
	if frameBytes <= 0 || frameBytes%2 != 0 {
		panic(fmt.Sprintf("outbound: invalid frame size %d", frameBytes))
	}
	return &Gate{frameBytes: frameBytes}
}

// Enqueue splits narrowband pcm into frames tagged with streamID. A trailing
// partial frame is carried until more audio or FlushRemainder.
func (g *Gate) Enqueue(streamID string, pcm []byte) {
	if len(g.partial) > 0 && g.partialID != streamID {
		g.padPartial()
	}
	data := pcm
	if len(g.partial) > 0 {
		data = append(g.partial, pcm...)
		g.partial = nil
	}
	for len(data) >= g.frameBytes {
		g.push(streamID, data[:g.frameBytes])
		data = data[g.frameBytes:]
	}
	if len(data) > 0 {
		g.partial = append([]byte(nil), data...)
		g.partialID = streamID
	}
}

// FlushRemainder pads the carried partial frame with silence and queues it.
func (g *Gate) FlushRemainder() {
	if len(g.partial) > 0 {
		g.padPartial()
	}
}

func (g *Gate) padPartial() {
	frame := make([]byte, g.frameBytes)
	copy(frame, g.partial)
	g.push(g.partialID, frame)
	g.partial = nil
}

func (g *Gate) push(streamID string, pcm []byte) {
	g.queue = append(g.queue, Frame{StreamID: streamID, Payload: base64.StdEncoding.EncodeToString(pcm)})
}

// Flush delivers queued frames in order. When the caller is speaking nothing
// is delivered: the queue is discarded and, if bot audio already reached the
// carrier, a clear is sent for streamID.
func (g *Gate) Flush(callerSpeaking bool, streamID string, out Sender) (sent, dropped int, err error) {
	if callerSpeaking {
		dropped, err = g.BargeIn(streamID, out)
		return 0, dropped, err
	}
	for len(g.queue) > 0 {
		f := g.queue[0]
		if err := out.SendMedia(f.StreamID, f.Payload); err != nil {
			return sent, 0, fmt.Errorf("send media frame: %w", err)
		}
		g.queue[0] = Frame{}
		g.queue = g.queue[1:]
		g.delivered = true
		sent++
	}
	g.queue = nil
	return sent, 0, nil
}

// BargeIn drops everything queued and clears the carrier buffer when bot
// audio has been delivered since the last clear.
func (g *Gate) BargeIn(streamID string, out Sender) (int, error) {
	dropped := g.Clear()
	if !g.delivered {
		return dropped, nil
	}
	g.delivered = false
	if streamID == "" {
		return dropped, nil
	}
	if err := out.SendClear(streamID); err != nil {
		return dropped, fmt.Errorf("send clear: %w", err)
	}
	return dropped, nil
}

// Clear discards queued and partial audio and returns the number of frames dropped.
func (g *Gate) Clear() int {
	n := len(g.queue)
	if len(g.partial) > 0 {
		n++
	}
	g.queue = nil
	g.partial = nil
	return n
}

// Len is the number of complete frames waiting.
func (g *Gate) Len() int { return len(g.queue) }

// Pending reports whether any audio, complete or partial, is waiting.
func (g *Gate) Pending() bool { return len(g.queue) > 0 || len(g.partial) > 0 }
