// Package bridge runs one telephony call against the conversational backend.
//
// Each call is a Session: a single actor goroutine that owns the turn
// segmenter, the outbound gate and the backend connection. The telephony
// reader, the backend reader and every piece of blocking work (dial,
// transcription, tool calls, speech synthesis) run in their own goroutines
// and report back through the session's event channel, so session state has
// exactly one writer.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jacky-htg/hospital-voice-bridge/backend/internal/metrics"
	"github.com/jacky-htg/hospital-voice-bridge/backend/internal/outbound"
	"github.com/jacky-htg/hospital-voice-bridge/backend/internal/tools"
	"github.com/jacky-htg/hospital-voice-bridge/backend/internal/vad"
	"github.com/jacky-htg/hospital-voice-bridge/libs/audio"
	"github.com/jacky-htg/hospital-voice-bridge/libs/config"
	"github.com/jacky-htg/hospital-voice-bridge/libs/interfaces"
	"github.com/jacky-htg/hospital-voice-bridge/libs/logger"
	"github.com/jacky-htg/hospital-voice-bridge/libs/store"
	"github.com/jacky-htg/hospital-voice-bridge/libs/vendors/gemini"
)

const (
	eventBuffer   = 256
	recordTimeout = 5 * time.Second

	// UnknownCaller is used when the carrier does not send a caller id.
	UnknownCaller = "unknown"

	DefaultFallbackMessage = "Sorry, our assistant is unavailable right now. Please call again in a few minutes."
)

// BackendConn is one conversational backend session.
type BackendConn interface {
	Send(msg gemini.ClientMessage) error
	// Receive blocks for the next server message. gemini.ErrMalformed is not fatal.
	Receive() (*gemini.ServerMessage, error)
	Close() error
}

// DialFunc opens a backend connection.
type DialFunc func(ctx context.Context) (BackendConn, error)

// Transport is the telephony side of the call.
type Transport interface {
	outbound.Sender
}

type ToolRunner interface {
	Dispatch(ctx context.Context, call tools.Call, name string, args map[string]any) tools.Result
}

type InstructionBuilder interface {
	Build(ctx context.Context, hospitalID string) (string, error)
}

// CallRecorder persists the call record.
type CallRecorder interface {
	StartCall(ctx context.Context, c store.Call) error
	EndCall(ctx context.Context, id, language, transcript string) error
}

// Config is the per-call tuning, shared by every session.
type Config struct {
	Model           string
	Voice           string
	NarrowbandRate  int
	WidebandRate    int
	FrameBytes      int
	VAD             config.VADConfig
	FallbackMessage string
}

// ConfigFrom derives the session config from the process configuration.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Model:           c.Gemini.Model,
		Voice:           c.Gemini.Voice,
		NarrowbandRate:  c.Audio.NarrowbandRate,
		WidebandRate:    c.Audio.WidebandRate,
		FrameBytes:      audio.DurationBytes(c.Audio.NarrowbandRate, c.Audio.FrameMillis),
		VAD:             c.VAD,
		FallbackMessage: DefaultFallbackMessage,
	}
}

// Deps are the collaborators of a session. Calls, TTS and OnEnd are optional.
type Deps struct {
	Dial         DialFunc
	Transcriber  interfaces.Transcriber
	Tools        ToolRunner
	Declarations []gemini.FunctionDeclaration
	Instructions InstructionBuilder
	Calls        CallRecorder
	TTS          interfaces.TTS
	OnEnd        func(Summary)
	Log          *zap.Logger
	// Now drives the turn segmenter. It is only called from the actor.
	Now func() time.Time
}

// StartInfo is what the telephony start event tells us about the call.
type StartInfo struct {
	StreamID   string
	CallSID    string
	CallerID   string
	HospitalID string
	Timezone   string
}

// Line is one entry of the call transcript.
type Line struct {
	Role string    `json:"role"` // caller or bot
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Summary describes a finished call.
type Summary struct {
	CallID     string
	StreamID   string
	HospitalID string
	CallerID   string
	Language   string
	Reason     string

	// HumanDetected is set once the caller said something intelligible.
	HumanDetected bool
	Transcript    []Line
}

// ConnState is the backend connector state.
type ConnState int

const (
	NotStarted ConnState = iota
	Connecting
	AwaitingSetupAck
	Ready
	Closed
)

func (s ConnState) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Connecting:
		return "connecting"
	case AwaitingSetupAck:
		return "awaiting_setup_ack"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	}
	return "unknown"
}

type Session struct {
	id   string
	cfg  Config
	deps Deps
	log  *zap.Logger
	out  Transport

	ctx    context.Context
	cancel context.CancelFunc
	events chan any
	done   chan struct{}

	postMu  sync.RWMutex
	stopped bool

	// owned by the actor goroutine
	started    bool
	closed     bool
	streamID   string
	fallbackID string
	callerID   string
	hospitalID string
	timezone   string

	seg         *vad.Segmenter
	gate        *outbound.Gate
	conn        BackendConn
	state       ConnState
	pending     string
	transcript  []Line
	firstHeard  bool
	language    string
	human       bool
	announced   bool
	transcribes int
}

// New creates a session. Run must be called to start its actor.
func New(parent context.Context, cfg Config, deps Deps, out Transport) *Session {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	return &Session{
		id:         id,
		cfg:        cfg,
		deps:       deps,
		log:        deps.Log.With(zap.String("call_id", id)),
		out:        out,
		ctx:        ctx,
		cancel:     cancel,
		events:     make(chan any, eventBuffer),
		done:       make(chan struct{}),
		fallbackID: uuid.NewString(),
		callerID:   UnknownCaller,
		seg:        vad.New(cfg.VAD, cfg.WidebandRate, deps.Now),
		gate:       outbound.NewGate(cfg.FrameBytes),
	}
}

func (s *Session) ID() string { return s.id }

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start delivers the telephony start event.
func (s *Session) Start(info StartInfo) bool { return s.post(startEvent{info: info}) }

// Media delivers one inbound narrowband PCM frame.
func (s *Session) Media(pcm []byte) bool { return s.post(mediaEvent{pcm: pcm}) }

// Stop delivers the telephony stop event.
func (s *Session) Stop() { s.post(stopEvent{}) }

// TransportClosed reports that the telephony connection is gone.
func (s *Session) TransportClosed(err error) { s.post(transportClosedEvent{err: err}) }

// post hands ev to the actor. It returns false once the session is gone.
func (s *Session) post(ev any) bool {
	s.postMu.RLock()
	defer s.postMu.RUnlock()
	if s.stopped {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Run is the actor loop. It returns after teardown.
func (s *Session) Run() {
	defer s.drain()
	metrics.SessionStarted()
	for {
		select {
		case ev := <-s.events:
			s.handle(ev)
		case <-s.ctx.Done():
			s.teardown("shutdown")
		}
		if s.closed {
			return
		}
	}
}

// drain stops accepting events and releases backend connections that were
// dialed after teardown.
func (s *Session) drain() {
	close(s.done)
	s.postMu.Lock()
	s.stopped = true
	s.postMu.Unlock()
	for {
		select {
		case ev := <-s.events:
			if d, ok := ev.(dialedEvent); ok && d.conn != nil {
				_ = d.conn.Close()
			}
		default:
			return
		}
	}
}

func (s *Session) handle(ev any) {
	switch e := ev.(type) {
	case startEvent:
		s.onStart(e.info)
	case mediaEvent:
		s.onMedia(e.pcm)
	case stopEvent:
		s.log.Info("telephony stop")
		s.teardown("stop")
	case transportClosedEvent:
		if e.err != nil {
			s.log.Warn("telephony transport closed", zap.Error(e.err))
		}
		s.teardown("transport_closed")
	case dialedEvent:
		s.onDialed(e)
	case backendMessageEvent:
		if e.conn == s.conn {
			s.onBackendMessage(e.msg)
		}
	case backendClosedEvent:
		s.onBackendClosed(e)
	case transcriptEvent:
		s.onTranscript(e)
	case toolDoneEvent:
		s.onToolDone(e)
	case announcementEvent:
		s.gate.Enqueue(s.currentStreamID(), e.pcm)
		s.gate.FlushRemainder()
		s.flush()
	default:
		s.log.Warn("unknown session event")
	}
}

func (s *Session) currentStreamID() string {
	if s.streamID != "" {
		return s.streamID
	}
	return s.fallbackID
}

func (s *Session) onStart(info StartInfo) {
	if s.started {
		s.log.Warn("duplicate start event ignored", zap.String("stream_id", info.StreamID))
		return
	}
	s.started = true
	s.streamID = info.StreamID
	if info.CallerID != "" {
		s.callerID = info.CallerID
	}
	s.hospitalID = info.HospitalID
	s.timezone = info.Timezone
	s.log = s.log.With(zap.String("stream_id", s.currentStreamID()), zap.String("hospital_id", s.hospitalID))
	s.log.Info("call started", zap.String("caller", logger.MaskPhone(s.callerID)), zap.String("call_sid", info.CallSID))

	if s.deps.Calls != nil {
		ctx, cancel := context.WithTimeout(s.ctx, recordTimeout)
		err := s.deps.Calls.StartCall(ctx, store.Call{ID: s.id, StreamID: s.streamID, HospitalID: s.hospitalID, CallerID: s.callerID})
		cancel()
		if err != nil {
			s.log.Warn("record call start", zap.Error(err))
		}
	}

	s.state = Connecting
	ctx, hospitalID := s.ctx, s.hospitalID
	log, builder := s.log, s.deps.Instructions
	go func() {
		var instruction string
		if builder != nil {
			var err error
			if instruction, err = builder.Build(ctx, hospitalID); err != nil {
				log.Warn("build instructions, continuing without hospital context", zap.Error(err))
			}
		}
		conn, err := s.deps.Dial(ctx)
		if !s.post(dialedEvent{conn: conn, instruction: instruction, err: err}) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (s *Session) onDialed(e dialedEvent) {
	if e.err != nil {
		s.log.Error("dial backend", zap.Error(e.err))
		metrics.BackendEvent("dial_error")
		s.state = Closed
		s.dropPending()
		s.announceFallback()
		return
	}
	metrics.BackendEvent("dialed")
	s.conn = e.conn
	setup := gemini.NewSetup(s.cfg.Model, s.cfg.Voice, e.instruction, s.deps.Declarations)
	if err := s.conn.Send(setup); err != nil {
		s.log.Error("send setup", zap.Error(err))
		s.closeBackend()
		s.announceFallback()
		return
	}
	s.state = AwaitingSetupAck
	go s.readBackend(e.conn)
}

func (s *Session) readBackend(conn BackendConn) {
	for {
		msg, err := conn.Receive()
		if err != nil {
			if errors.Is(err, gemini.ErrMalformed) {
				s.log.Warn("ignoring malformed backend message", zap.Error(err))
				continue
			}
			s.post(backendClosedEvent{conn: conn, err: err})
			return
		}
		if !s.post(backendMessageEvent{conn: conn, msg: msg}) {
			return
		}
	}
}

func (s *Session) onBackendMessage(msg *gemini.ServerMessage) {
	if msg.SetupComplete != nil && s.state == AwaitingSetupAck {
		s.state = Ready
		metrics.BackendEvent("ready")
		s.log.Info("backend ready")
		if text := s.pending; text != "" {
			s.pending = ""
			s.submitTurn(text)
		}
	}
	if msg.Error != nil {
		metrics.BackendEvent("error")
		s.log.Warn("backend error", zap.Error(msg.Error))
	}
	if msg.GoAway != nil {
		s.log.Warn("backend going away", zap.String("time_left", msg.GoAway.TimeLeft))
	}
	if msg.ToolCallCancellation != nil {
		s.log.Info("backend cancelled tool calls", zap.Strings("ids", msg.ToolCallCancellation.IDs))
	}
	if sc := msg.ServerContent; sc != nil && s.state == Ready {
		s.onServerContent(sc)
	}
	if tc := msg.ToolCall; tc != nil && s.state == Ready {
		for _, fc := range tc.FunctionCalls {
			s.runTool(fc)
		}
	}
}

func (s *Session) onServerContent(sc *gemini.ServerContent) {
	if sc.Interrupted {
		dropped, err := s.gate.BargeIn(s.currentStreamID(), s.out)
		metrics.OutboundFrames(0, dropped)
		if err != nil {
			s.log.Warn("send to telephony", zap.Error(err))
		}
	}
	chunks, err := sc.ModelTurn.Audio()
	if err != nil {
		s.log.Warn("undecodable audio part", zap.Error(err))
	}
	for _, wide := range chunks {
		s.gate.Enqueue(s.currentStreamID(), audio.Downsample(wide, s.cfg.WidebandRate, s.cfg.NarrowbandRate))
	}
	if text := sc.ModelTurn.Text(); text != "" {
		s.appendLine("bot", text)
	}
	if sc.TurnComplete {
		s.gate.FlushRemainder()
	}
	s.flush()
}

func (s *Session) runTool(fc gemini.FunctionCall) {
	args := fc.Arguments()
	call := tools.Call{HospitalID: s.hospitalID, CallerID: s.callerID, Timezone: s.timezone}
	conn, ctx := s.conn, s.ctx
	s.log.Info("tool call", zap.String("tool", fc.Name), zap.String("id", fc.ID))
	go func() {
		res := s.deps.Tools.Dispatch(ctx, call, fc.Name, args)
		s.post(toolDoneEvent{conn: conn, id: fc.ID, name: fc.Name, result: res})
	}()
}

func (s *Session) onToolDone(e toolDoneEvent) {
	if e.conn != s.conn || s.state != Ready {
		s.log.Warn("dropping tool result for a closed backend", zap.String("tool", e.name))
		return
	}
	if err := s.conn.Send(gemini.NewToolResponse(e.id, e.name, e.result)); err != nil {
		s.log.Error("send tool response", zap.String("tool", e.name), zap.Error(err))
		s.closeBackend()
		s.announceFallback()
	}
}

func (s *Session) onBackendClosed(e backendClosedEvent) {
	if e.conn != s.conn {
		return
	}
	s.log.Warn("backend connection closed", zap.Error(e.err))
	s.closeBackend()
	s.announceFallback()
}

// closeBackend drops the backend handle. There is no reconnect; the
// telephony leg stays up.
func (s *Session) closeBackend() {
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.log.Debug("close backend", zap.Error(err))
		}
		s.conn = nil
		metrics.BackendEvent("closed")
	}
	s.state = Closed
	s.dropPending()
}

// dropPending discards a turn still waiting for the backend and reopens the
// segmenter it was holding.
func (s *Session) dropPending() {
	if s.pending == "" {
		return
	}
	s.log.Warn("backend unavailable, dropping caller turn")
	s.pending = ""
	s.seg.Release()
}

func (s *Session) onMedia(narrow []byte) {
	wide := audio.Upsample(narrow, s.cfg.NarrowbandRate, s.cfg.WidebandRate)
	if utterance := s.seg.Push(wide); utterance != nil {
		metrics.UtteranceFinalized()
		s.transcribe(utterance)
	}
	s.flush()
}

func (s *Session) transcribe(utterance []byte) {
	s.transcribes++
	wav := audio.EncodeWAV(utterance, s.cfg.WidebandRate)
	ctx, lang := s.ctx, s.language
	go func() {
		start := time.Now()
		res, err := s.deps.Transcriber.Transcribe(ctx, wav, lang)
		s.post(transcriptEvent{result: res, err: err, took: time.Since(start)})
	}()
}

func (s *Session) onTranscript(e transcriptEvent) {
	if e.err != nil {
		s.seg.Release()
		metrics.Transcription("error", e.took)
		s.log.Warn("transcription failed", zap.Error(e.err))
		return
	}
	text := e.result.Text
	if text == "" {
		s.seg.Release()
		metrics.Transcription("empty", e.took)
		s.log.Debug("empty transcription")
		return
	}
	metrics.Transcription("ok", e.took)

	if !s.firstHeard {
		s.firstHeard = true
		s.human = true
	}
	if s.language == "" {
		s.language = e.result.Language
		if s.language == "" {
			s.language = detectLanguage(text)
		}
		if s.language != "" {
			s.log.Info("caller language", zap.String("language", s.language))
		}
	}
	s.appendLine("caller", text)
	s.submitTurn(text)
}

// submitTurn sends text as one complete user turn, or holds it until the
// backend is ready. A held turn keeps the segmenter closed so no second
// turn can queue up behind it.
func (s *Session) submitTurn(text string) {
	switch s.state {
	case Ready:
		s.seg.Release()
		if err := s.conn.Send(gemini.NewUserTurn(text)); err != nil {
			s.log.Error("send user turn", zap.Error(err))
			s.closeBackend()
			s.announceFallback()
			return
		}
		metrics.TurnSubmitted()
	case NotStarted, Connecting, AwaitingSetupAck:
		s.pending = text
	default:
		s.seg.Release()
		s.log.Warn("backend unavailable, dropping caller turn")
	}
}

// flush delivers queued bot audio unless the caller is talking over it.
func (s *Session) flush() {
	if !s.gate.Pending() && !s.seg.Speaking() {
		return
	}
	speaking := s.seg.Speaking()
	sent, dropped, err := s.gate.Flush(speaking, s.currentStreamID(), s.out)
	metrics.OutboundFrames(sent, dropped)
	if speaking && dropped > 0 {
		metrics.BargeIn()
		s.log.Debug("barge-in, dropped bot audio", zap.Int("frames", dropped))
	}
	if err != nil {
		s.log.Warn("send to telephony", zap.Error(err))
	}
}

// announceFallback plays the configured apology once when the backend is lost.
func (s *Session) announceFallback() {
	if s.announced || s.deps.TTS == nil || s.cfg.FallbackMessage == "" {
		return
	}
	s.announced = true
	ctx, text, rate := s.ctx, s.cfg.FallbackMessage, s.cfg.NarrowbandRate
	go func() {
		wav, err := s.deps.TTS.Speak(ctx, text)
		if err != nil {
			s.log.Warn("synthesize fallback announcement", zap.Error(err))
			return
		}
		pcm, srcRate, err := audio.DecodeWAV(wav)
		if err != nil {
			s.log.Warn("decode fallback announcement", zap.Error(err))
			return
		}
		switch {
		case srcRate > rate:
			pcm = audio.Downsample(pcm, srcRate, rate)
		case srcRate < rate:
			pcm = audio.Upsample(pcm, srcRate, rate)
		}
		s.post(announcementEvent{pcm: pcm})
	}()
}

func (s *Session) appendLine(role, text string) {
	s.transcript = append(s.transcript, Line{Role: role, Text: text, At: time.Now()})
}

// teardown releases everything the call holds. Safe to reach from any path.
func (s *Session) teardown(reason string) {
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	s.closeBackend()
	dropped := s.gate.Clear()
	s.seg.Reset()
	metrics.OutboundFrames(0, dropped)
	metrics.SessionEnded(reason)
	s.log.Info("call ended",
		zap.String("reason", reason),
		zap.String("language", s.language),
		zap.Int("utterances", s.transcribes),
		zap.Int("transcript_lines", len(s.transcript)))

	if !s.started {
		return
	}
	if s.deps.Calls != nil {
		data, _ := json.Marshal(s.transcript)
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if err := s.deps.Calls.EndCall(ctx, s.id, s.language, string(data)); err != nil {
			s.log.Warn("record call end", zap.Error(err))
		}
		cancel()
	}
	if s.deps.OnEnd != nil {
		s.deps.OnEnd(Summary{
			CallID:        s.id,
			StreamID:      s.streamID,
			HospitalID:    s.hospitalID,
			CallerID:      s.callerID,
			Language:      s.language,
			Reason:        reason,
			HumanDetected: s.human,
			Transcript:    append([]Line(nil), s.transcript...),
		})
	}
}
