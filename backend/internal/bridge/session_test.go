package bridge

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jacky-htg/hospital-voice-bridge/backend/internal/outbound"
	"github.com/jacky-htg/hospital-voice-bridge/backend/internal/tools"
	"github.com/jacky-htg/hospital-voice-bridge/libs/audio"
	"github.com/jacky-htg/hospital-voice-bridge/libs/config"
	"github.com/jacky-htg/hospital-voice-bridge/libs/interfaces"
	"github.com/jacky-htg/hospital-voice-bridge/libs/store"
	"github.com/jacky-htg/hospital-voice-bridge/libs/vendors/gemini"
)

const waitFor = 3 * time.Second

var errConnClosed = errors.New("connection closed")

// fakeConn is an in-memory backend session.
type fakeConn struct {
	sent      chan gemini.ClientMessage
	in        chan *gemini.ServerMessage
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		sent:   make(chan gemini.ClientMessage, 64),
		in:     make(chan *gemini.ServerMessage, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Send(msg gemini.ClientMessage) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	c.sent <- msg
	return nil
}

func (c *fakeConn) Receive() (*gemini.ServerMessage, error) {
	select {
	case m := <-c.in:
		return m, nil
	case <-c.closed:
		return nil, errConnClosed
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeTransport struct {
	mu     sync.Mutex
	media  []outbound.Frame
	clears []string
}

func (f *fakeTransport) SendMedia(streamID, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, outbound.Frame{StreamID: streamID, Payload: payload})
	return nil
}

func (f *fakeTransport) SendClear(streamID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears = append(f.clears, streamID)
	return nil
}

func (f *fakeTransport) snapshot() ([]outbound.Frame, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]outbound.Frame(nil), f.media...), append([]string(nil), f.clears...)
}

type fakeTranscriber struct {
	calls atomic.Int32
	text  string
	block bool
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, wav []byte, _ string) (interfaces.Transcript, error) {
	f.calls.Add(1)
	if _, _, err := audio.DecodeWAV(wav); err != nil {
		return interfaces.Transcript{}, err
	}
	if f.block {
		<-ctx.Done()
		return interfaces.Transcript{}, ctx.Err()
	}
	return interfaces.Transcript{Text: f.text}, nil
}

type fakeTools struct {
	mu    sync.Mutex
	calls []tools.Call
}

func (f *fakeTools) Dispatch(_ context.Context, call tools.Call, name string, _ map[string]any) tools.Result {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	return tools.Result{"ok": true, "tool": name}
}

type fakeCalls struct {
	mu      sync.Mutex
	started []store.Call
	ended   map[string]string
}

func (f *fakeCalls) StartCall(_ context.Context, c store.Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, c)
	return nil
}

func (f *fakeCalls) EndCall(_ context.Context, id, language, transcript string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended == nil {
		f.ended = map[string]string{}
	}
	f.ended[id] = language + "|" + transcript
	return nil
}

type fakeTTS struct{ pcm []byte }

func (f fakeTTS) Speak(context.Context, string) ([]byte, error) {
	return audio.EncodeWAV(f.pcm, 16000), nil
}

type instructionsFunc func(ctx context.Context, hospitalID string) (string, error)

func (f instructionsFunc) Build(ctx context.Context, hospitalID string) (string, error) {
	return f(ctx, hospitalID)
}

type harness struct {
	s       *Session
	conn    *fakeConn
	dials   atomic.Int32
	tr      *fakeTransport
	stt     *fakeTranscriber
	tools   *fakeTools
	calls   *fakeCalls
	summary chan Summary
}

func testConfig() Config {
	return Config{
		Model:          "models/test",
		Voice:          "Kore",
		NarrowbandRate: 8000,
		WidebandRate:   24000,
		FrameBytes:     320,
		VAD: config.VADConfig{
			SpeechThreshold: 500,
			SilenceTimeout:  800 * time.Millisecond,
			MinUtterance:    400 * time.Millisecond,
			MaxUtterance:    30 * time.Second,
			PreRoll:         300 * time.Millisecond,
		},
		FallbackMessage: DefaultFallbackMessage,
	}
}

func newHarness(t *testing.T, tweak func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		conn:    newFakeConn(),
		tr:      &fakeTransport{},
		stt:     &fakeTranscriber{text: "मुझे बवासीर है"},
		tools:   &fakeTools{},
		calls:   &fakeCalls{},
		summary: make(chan Summary, 1),
	}
	// one 20ms frame per segmenter tick
	clock := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	deps := Deps{
		Dial: func(context.Context) (BackendConn, error) {
			h.dials.Add(1)
			return h.conn, nil
		},
		Transcriber:  h.stt,
		Tools:        h.tools,
		Declarations: tools.Declarations(),
		Instructions: instructionsFunc(func(_ context.Context, id string) (string, error) {
			return "instructions for " + id, nil
		}),
		Calls: h.calls,
		OnEnd: func(s Summary) { h.summary <- s },
		Log:   zaptest.NewLogger(t),
		Now: func() time.Time {
			clock = clock.Add(20 * time.Millisecond)
			return clock
		},
	}
	if tweak != nil {
		tweak(&deps)
	}
	h.s = New(context.Background(), testConfig(), deps, h.tr)
	go h.s.Run()
	t.Cleanup(func() {
		h.s.Stop()
		select {
		case <-h.s.Done():
		case <-time.After(waitFor):
			t.Error("session did not stop")
		}
	})
	return h
}

func frame(amp int16) []byte {
	b := make([]byte, 320)
	for i := 0; i < 160; i++ {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(amp))
	}
	return b
}

func (h *harness) feed(amp int16, n int) {
	f := frame(amp)
	for i := 0; i < n; i++ {
		h.s.Media(f)
	}
}

func (h *harness) next(t *testing.T) gemini.ClientMessage {
	t.Helper()
	select {
	case m := <-h.conn.sent:
		return m
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a backend message")
		return gemini.ClientMessage{}
	}
}

// ready completes the setup handshake.
func (h *harness) ready(t *testing.T) gemini.ClientMessage {
	t.Helper()
	setup := h.next(t)
	require.NotNil(t, setup.Setup)
	h.conn.in <- &gemini.ServerMessage{SetupComplete: &struct{}{}}
	return setup
}

// roundTrip sends a tool call and waits for its response. Every event posted
// before it has been handled by the time it returns.
func (h *harness) roundTrip(t *testing.T, id string) gemini.ClientMessage {
	t.Helper()
	h.conn.in <- &gemini.ServerMessage{ToolCall: &gemini.ToolCall{FunctionCalls: []gemini.FunctionCall{
		{ID: id, Name: tools.ListDoctors, Args: json.RawMessage(`{}`)},
	}}}
	for {
		m := h.next(t)
		if m.ToolResponse != nil && m.ToolResponse.FunctionResponses[0].ID == id {
			return m
		}
	}
}

func encode(pcm []byte) string { return base64.StdEncoding.EncodeToString(pcm) }

func decode(t *testing.T, payload string) []byte {
	t.Helper()
	pcm, err := base64.StdEncoding.DecodeString(payload)
	require.NoError(t, err)
	return pcm
}

func botAudio(samples int, amp int16) *gemini.ServerMessage {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(amp))
	}
	return &gemini.ServerMessage{ServerContent: &gemini.ServerContent{
		ModelTurn: &gemini.Content{Parts: []gemini.Part{
			{InlineData: &gemini.Blob{MimeType: "audio/pcm;rate=24000", Data: encode(pcm)}},
			{Text: "आप कब आना चाहेंगे?"},
		}},
		TurnComplete: true,
	}}
}

func TestUtteranceBecomesExactlyOneUserTurn(t *testing.T) {
	h := newHarness(t, nil)
	h.s.Start(StartInfo{StreamID: "s1", CallerID: "+919800000000", HospitalID: "h1", Timezone: "Asia/Kolkata"})

	setup := h.ready(t)
	assert.Equal(t, "models/test", setup.Setup.Model)
	assert.Equal(t, "instructions for h1", setup.Setup.SystemInstruction.Parts[0].Text)
	require.Len(t, setup.Setup.Tools, 1)
	assert.Len(t, setup.Setup.Tools[0].FunctionDeclarations, 5)

	h.feed(3000, 30)
	h.feed(0, 50) // 1s of silence

	turn := h.next(t)
	require.NotNil(t, turn.ClientContent)
	assert.True(t, turn.ClientContent.TurnComplete)
	require.Len(t, turn.ClientContent.Turns, 1)
	assert.Equal(t, "user", turn.ClientContent.Turns[0].Role)
	assert.Equal(t, "मुझे बवासीर है", turn.ClientContent.Turns[0].Parts[0].Text)

	// nothing else was submitted
	h.roundTrip(t, "sync")
	assert.EqualValues(t, 1, h.stt.calls.Load())

	h.s.Stop()
	sum := <-h.summary
	assert.Equal(t, "hi", sum.Language)
	assert.True(t, sum.HumanDetected)
	require.NotEmpty(t, sum.Transcript)
	assert.Equal(t, Line{Role: "caller", Text: "मुझे बवासीर है", At: sum.Transcript[0].At}, sum.Transcript[0])
	assert.True(t, h.conn.isClosed())

	h.calls.mu.Lock()
	defer h.calls.mu.Unlock()
	require.Len(t, h.calls.started, 1)
	assert.Equal(t, "s1", h.calls.started[0].StreamID)
	assert.Contains(t, h.calls.ended[sum.CallID], "hi|")
}

func TestAllSilenceProducesNoTranscription(t *testing.T) {
	h := newHarness(t, nil)
	h.s.Start(StartInfo{StreamID: "s1", HospitalID: "h1"})
	h.ready(t)

	h.feed(0, 500)
	h.roundTrip(t, "sync")

	assert.Zero(t, h.stt.calls.Load())
	h.s.Stop()
	sum := <-h.summary
	assert.False(t, sum.HumanDetected)
	assert.Equal(t, UnknownCaller, sum.CallerID)
}

func TestBotAudioReachesCallerAndToolCallsAreAnswered(t *testing.T) {
	h := newHarness(t, nil)
	h.s.Start(StartInfo{StreamID: "s1", CallerID: "+919800000000", HospitalID: "h1", Timezone: "Asia/Kolkata"})
	h.ready(t)

	h.conn.in <- botAudio(960, 1000) // 40ms wideband
	resp := h.roundTrip(t, "c1")

	fr := resp.ToolResponse.FunctionResponses[0]
	assert.Equal(t, tools.ListDoctors, fr.Name)
	assert.Equal(t, true, fr.Response["ok"])

	media, _ := h.tr.snapshot()
	require.Len(t, media, 2)
	for _, m := range media {
		assert.Equal(t, "s1", m.StreamID)
		pcm := decode(t, m.Payload)
		assert.Len(t, pcm, 320)
		assert.InDelta(t, 1000, audio.RMS(pcm), 1)
	}

	h.tools.mu.Lock()
	assert.Equal(t, tools.Call{HospitalID: "h1", CallerID: "+919800000000", Timezone: "Asia/Kolkata"}, h.tools.calls[0])
	h.tools.mu.Unlock()
}

func TestBargeInDropsBotAudio(t *testing.T) {
	h := newHarness(t, nil)
	h.s.Start(StartInfo{StreamID: "s1", HospitalID: "h1"})
	h.ready(t)

	h.conn.in <- botAudio(960, 1000)
	h.roundTrip(t, "delivered")
	media, clears := h.tr.snapshot()
	require.Len(t, media, 2)
	assert.Empty(t, clears)

	// caller starts talking: carrier buffer is cleared once
	h.feed(3000, 5)
	h.roundTrip(t, "onset")
	_, clears = h.tr.snapshot()
	assert.Equal(t, []string{"s1"}, clears)

	// bot audio produced while the caller talks is dropped, not delayed
	h.feed(3000, 1)
	h.conn.in <- botAudio(2400, 1000)
	h.roundTrip(t, "during")
	h.feed(0, 10)
	h.roundTrip(t, "after")

	media, clears = h.tr.snapshot()
	assert.Len(t, media, 2)
	assert.Len(t, clears, 1)
}

func TestBackendLossKeepsCallUpAndAnnouncesOnce(t *testing.T) {
	tone := make([]byte, 640) // 20ms at 16kHz
	for i := 0; i < 320; i++ {
		binary.LittleEndian.PutUint16(tone[i*2:], uint16(800))
	}
	h := newHarness(t, func(d *Deps) { d.TTS = fakeTTS{pcm: tone} })
	h.s.Start(StartInfo{StreamID: "s1", HospitalID: "h1"})
	h.ready(t)

	require.NoError(t, h.conn.Close())

	require.Eventually(t, func() bool {
		media, _ := h.tr.snapshot()
		return len(media) == 1
	}, waitFor, 10*time.Millisecond)

	// the call continues, utterances are still transcribed but go nowhere
	h.feed(3000, 30)
	h.feed(0, 50)
	require.Eventually(t, func() bool { return h.stt.calls.Load() == 1 }, waitFor, 10*time.Millisecond)

	select {
	case <-h.s.Done():
		t.Fatal("session ended with the backend")
	default:
	}
	assert.EqualValues(t, 1, h.dials.Load())

	h.s.Stop()
	sum := <-h.summary
	assert.Equal(t, "stop", sum.Reason)
	media, _ := h.tr.snapshot()
	assert.Len(t, media, 1)
}

func TestTurnBeforeSetupAckIsHeldUntilReady(t *testing.T) {
	h := newHarness(t, nil)
	h.s.Start(StartInfo{StreamID: "s1", HospitalID: "h1"})
	require.NotNil(t, h.next(t).Setup)

	h.feed(3000, 30)
	h.feed(0, 50)
	require.Eventually(t, func() bool { return h.stt.calls.Load() == 1 }, waitFor, 10*time.Millisecond)
	select {
	case m := <-h.conn.sent:
		t.Fatalf("sent before setup ack: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}

	h.conn.in <- &gemini.ServerMessage{SetupComplete: &struct{}{}}
	turn := h.next(t)
	require.NotNil(t, turn.ClientContent)
	assert.Equal(t, "मुझे बवासीर है", turn.ClientContent.Turns[0].Parts[0].Text)
}

func TestOnlyOneTurnWaitsForSetupAck(t *testing.T) {
	h := newHarness(t, nil)
	h.s.Start(StartInfo{StreamID: "s1", HospitalID: "h1"})
	require.NotNil(t, h.next(t).Setup)

	h.feed(3000, 30)
	h.feed(0, 50)
	require.Eventually(t, func() bool { return h.stt.calls.Load() == 1 }, waitFor, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	// the caller keeps talking while the first turn is held
	h.feed(3000, 30)
	h.feed(0, 50)
	h.feed(3000, 30)
	h.feed(0, 50)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, h.stt.calls.Load())

	h.conn.in <- &gemini.ServerMessage{SetupComplete: &struct{}{}}
	turn := h.next(t)
	require.NotNil(t, turn.ClientContent)

	h.conn.in <- &gemini.ServerMessage{ToolCall: &gemini.ToolCall{FunctionCalls: []gemini.FunctionCall{
		{ID: "sync", Name: tools.ListDoctors, Args: json.RawMessage(`{}`)},
	}}}
	m := h.next(t)
	assert.Nil(t, m.ClientContent, "second turn sent without a model reply")
	require.NotNil(t, m.ToolResponse)

	// the segmenter is open again once the held turn went out
	h.feed(3000, 30)
	h.feed(0, 50)
	require.Eventually(t, func() bool { return h.stt.calls.Load() == 2 }, waitFor, 10*time.Millisecond)
}

func TestBackendInterruptionClearsDeliveredAudio(t *testing.T) {
	h := newHarness(t, nil)
	h.s.Start(StartInfo{StreamID: "s1", HospitalID: "h1"})
	h.ready(t)

	h.conn.in <- botAudio(960, 1000)
	h.roundTrip(t, "delivered")
	media, clears := h.tr.snapshot()
	require.Len(t, media, 2)
	assert.Empty(t, clears)

	interrupted := &gemini.ServerMessage{ServerContent: &gemini.ServerContent{Interrupted: true}}
	h.conn.in <- interrupted
	h.roundTrip(t, "interrupted")
	_, clears = h.tr.snapshot()
	assert.Equal(t, []string{"s1"}, clears)

	// nothing reached the carrier since, so no second clear
	h.conn.in <- interrupted
	h.roundTrip(t, "again")
	media, clears = h.tr.snapshot()
	assert.Len(t, media, 2)
	assert.Len(t, clears, 1)
}

func TestLateTranscriptionAfterStopIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.stt.block = true
	h.s.Start(StartInfo{StreamID: "s1", HospitalID: "h1"})
	h.ready(t)

	h.feed(3000, 30)
	h.feed(0, 50)
	require.Eventually(t, func() bool { return h.stt.calls.Load() == 1 }, waitFor, 10*time.Millisecond)

	h.s.TransportClosed(errors.New("eof"))
	<-h.s.Done()
	sum := <-h.summary
	assert.Equal(t, "transport_closed", sum.Reason)
	assert.Empty(t, sum.Transcript)

	// further events are refused and teardown does not run twice
	require.Eventually(t, func() bool { return !h.s.Media(frame(0)) }, waitFor, time.Millisecond)
	h.s.Stop()
	select {
	case <-h.summary:
		t.Fatal("teardown ran twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDialFailureDropsTurns(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Dial = func(context.Context) (BackendConn, error) { return nil, errors.New("refused") }
	})
	h.s.Start(StartInfo{StreamID: "s1", HospitalID: "h1"})
	h.feed(3000, 30)
	h.feed(0, 50)
	require.Eventually(t, func() bool { return h.stt.calls.Load() == 1 }, waitFor, 10*time.Millisecond)

	h.s.Stop()
	sum := <-h.summary
	require.Len(t, sum.Transcript, 1)
	assert.Empty(t, h.conn.sent)
}

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, "hi", detectLanguage("मुझे बवासीर है"))
	assert.Equal(t, "en", detectLanguage("I need a doctor"))
	assert.Equal(t, "hi", detectLanguage("doctor चाहिए"))
	assert.Equal(t, "ta", detectLanguage("வணக்கம்"))
	assert.Equal(t, "", detectLanguage("123 ..."))
}
