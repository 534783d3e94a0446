// Package telephony speaks the carrier's media-stream protocol: JSON text
// frames over a websocket carrying base64 narrowband PCM.
package telephony

import (
	"encoding/json"
	"fmt"
)

// Event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
	EventStop      = "stop"
	EventClear     = "clear"
)

// Event is one frame in either direction.
type Event struct {
	Event          string `json:"event"`
	StreamSID      string `json:"stream_sid,omitempty"`
	SequenceNumber string `json:"sequence_number,omitempty"`
	Start          *Start `json:"start,omitempty"`
	Media          *Media `json:"media,omitempty"`
	Mark           *Mark  `json:"mark,omitempty"`
	DTMF           *DTMF  `json:"dtmf,omitempty"`
	Stop           *Stop  `json:"stop,omitempty"`
}

type Start struct {
	StreamSID        string         `json:"stream_sid"`
	CallSID          string         `json:"call_sid"`
	AccountSID       string         `json:"account_sid,omitempty"`
	From             string         `json:"from"`
	To               string         `json:"to"`
	CustomParameters map[string]any `json:"custom_parameters,omitempty"`
	MediaFormat      *MediaFormat   `json:"media_format,omitempty"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate string `json:"sample_rate"`
}

type Media struct {
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // base64 PCM
}

type Mark struct {
	Name string `json:"name"`
}

type DTMF struct {
	Digit    string `json:"digit"`
	Duration string `json:"duration,omitempty"`
}

type Stop struct {
	CallSID string `json:"call_sid,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Decode parses one inbound text frame.
func Decode(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode telephony event: %w", err)
	}
	if ev.Event == "" {
		return nil, fmt.Errorf("decode telephony event: missing event name")
	}
	return &ev, nil
}

// Param returns a custom parameter as a string.
func (s *Start) Param(key string) string {
	if s == nil || s.CustomParameters == nil {
		return ""
	}
	switch v := s.CustomParameters[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// StreamID is the stream the start event opens.
func (ev *Event) StreamID() string {
	if ev.Start != nil && ev.Start.StreamSID != "" {
		return ev.Start.StreamSID
	}
	return ev.StreamSID
}

func mediaEvent(streamID, payload string) Event {
	return Event{Event: EventMedia, StreamSID: streamID, Media: &Media{Payload: payload}}
}

func clearEvent(streamID string) Event {
	return Event{Event: EventClear, StreamSID: streamID}
}
