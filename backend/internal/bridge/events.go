package bridge

import (
	"time"

	"github.com/jacky-htg/hospital-voice-bridge/backend/internal/tools"
	"github.com/jacky-htg/hospital-voice-bridge/libs/interfaces"
	"github.com/jacky-htg/hospital-voice-bridge/libs/vendors/gemini"
)

// Everything that mutates a session arrives on its event channel as one of
// these and is handled by the actor goroutine.

type startEvent struct{ info StartInfo }

type mediaEvent struct{ pcm []byte }

type stopEvent struct{}

type transportClosedEvent struct{ err error }

type dialedEvent struct {
	conn        BackendConn
	instruction string
	err         error
}

type backendMessageEvent struct {
	conn BackendConn
	msg  *gemini.ServerMessage
}

type backendClosedEvent struct {
	conn BackendConn
	err  error
}

type transcriptEvent struct {
	result interfaces.Transcript
	err    error
	took   time.Duration
}

type toolDoneEvent struct {
	conn   BackendConn
	id     string
	name   string
	result tools.Result
}

type announcementEvent struct{ pcm []byte }
