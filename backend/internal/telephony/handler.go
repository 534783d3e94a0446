package telephony

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jacky-htg/hospital-voice-bridge/backend/internal/bridge"
	"github.com/jacky-htg/hospital-voice-bridge/libs/calltoken"
	"github.com/jacky-htg/hospital-voice-bridge/libs/logger"
	"github.com/jacky-htg/hospital-voice-bridge/libs/store"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 5 * time.Second
	maxFrameSize = 1 << 20
)

// Hospitals resolves the hospital a call is for.
type Hospitals interface {
	GetHospital(ctx context.Context, id string) (*store.Hospital, error)
	FindHospitalByPhone(ctx context.Context, phone string) (*store.Hospital, error)
}

// Spawner creates call sessions.
type Spawner interface {
	Spawn(ctx context.Context, out bridge.Transport) *bridge.Session
}

type Options struct {
	// TokenSecret verifies the optional token query parameter.
	TokenSecret       string
	DefaultHospitalID string
}

// Handler is the /media-stream websocket endpoint.
type Handler struct {
	sessions  Spawner
	hospitals Hospitals
	opts      Options
	log       *zap.Logger
	upgrader  websocket.Upgrader
}

func NewHandler(sessions Spawner, hospitals Hospitals, opts Options, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		sessions:  sessions,
		hospitals: hospitals,
		opts:      opts,
		log:       log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// carriers do not send an Origin header
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var tokenHospital string
	if tok := r.URL.Query().Get("token"); tok != "" {
		id, err := calltoken.Parse(h.opts.TokenSecret, tok)
		if err != nil {
			h.log.Warn("rejecting media stream", zap.Error(err), zap.String("remote_addr", r.RemoteAddr))
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		tokenHospital = id
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("upgrade media stream", zap.Error(err), zap.String("remote_addr", r.RemoteAddr))
		return
	}
	t := &transport{conn: conn}
	defer t.close()

	sess := h.sessions.Spawn(r.Context(), t)
	log := h.log.With(zap.String("call_id", sess.ID()))
	log.Info("media stream connected", zap.String("remote_addr", r.RemoteAddr))

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := t.ping(); err != nil {
					return
				}
			case <-sess.Done():
				// unblock the reader when the session ends on its own
				t.close()
				return
			case <-stopPing:
				return
			}
		}
	}()

	q := r.URL.Query()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.TransportClosed(err)
			} else {
				sess.TransportClosed(nil)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if mt != websocket.TextMessage {
			log.Debug("ignoring non-text frame", zap.Int("type", mt))
			continue
		}
		ev, err := Decode(data)
		if err != nil {
			log.Warn("ignoring malformed event", zap.Error(err))
			continue
		}

		switch ev.Event {
		case EventConnected:
			log.Debug("carrier connected")
		case EventStart:
			info := h.startInfo(r.Context(), ev, tokenHospital, q.Get("from"), q.Get("to"))
			log.Info("stream start",
				zap.String("stream_id", info.StreamID),
				zap.String("hospital_id", info.HospitalID),
				zap.String("caller", logger.MaskPhone(info.CallerID)))
			sess.Start(info)
		case EventMedia:
			if ev.Media == nil {
				log.Warn("media event without payload")
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
			if err != nil {
				log.Warn("ignoring undecodable media payload", zap.Error(err))
				continue
			}
			sess.Media(pcm)
		case EventMark:
			if ev.Mark != nil {
				log.Debug("mark", zap.String("name", ev.Mark.Name))
			}
		case EventDTMF:
			if ev.DTMF != nil {
				log.Info("dtmf", zap.String("digit", ev.DTMF.Digit))
			}
		case EventStop:
			sess.Stop()
			<-sess.Done()
			return
		default:
			log.Warn("ignoring unknown event", zap.String("event", ev.Event))
		}
	}
}

// startInfo resolves the hospital in order: signed token, custom parameter,
// called number, configured default.
func (h *Handler) startInfo(ctx context.Context, ev *Event, tokenHospital, from, to string) bridge.StartInfo {
	info := bridge.StartInfo{StreamID: ev.StreamID(), CallerID: strings.TrimSpace(from)}
	if st := ev.Start; st != nil {
		info.CallSID = st.CallSID
		if st.From != "" {
			info.CallerID = strings.TrimSpace(st.From)
		}
		if st.To != "" {
			to = st.To
		}
	}

	var hosp *store.Hospital
	candidates := []string{tokenHospital, ev.Start.Param("hospital_id")}
	for _, id := range candidates {
		if id == "" {
			continue
		}
		found, err := h.hospitals.GetHospital(ctx, id)
		if err != nil {
			h.log.Warn("hospital lookup", zap.String("hospital_id", id), zap.Error(err))
			continue
		}
		hosp = found
		break
	}
	if hosp == nil && to != "" {
		found, err := h.hospitals.FindHospitalByPhone(ctx, to)
		switch {
		case err == nil:
			hosp = found
		case !errors.Is(err, store.ErrNotFound):
			h.log.Warn("hospital lookup by called number", zap.Error(err))
		}
	}
	if hosp == nil && h.opts.DefaultHospitalID != "" {
		found, err := h.hospitals.GetHospital(ctx, h.opts.DefaultHospitalID)
		if err != nil {
			h.log.Warn("default hospital lookup", zap.Error(err))
			info.HospitalID = h.opts.DefaultHospitalID
		}
		hosp = found
	}
	if hosp != nil {
		info.HospitalID = hosp.ID
		info.Timezone = hosp.Timezone
	}
	return info
}

// transport writes outbound events. Writes from the session actor and the
// ping loop are serialised.
type transport struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	once   sync.Once
	closed bool
}

func (t *transport) SendMedia(streamID, payload string) error {
	return t.write(mediaEvent(streamID, payload))
}

func (t *transport) SendClear(streamID string) error {
	return t.write(clearEvent(streamID))
}

func (t *transport) write(ev Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return websocket.ErrCloseSent
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteJSON(ev)
}

func (t *transport) ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return websocket.ErrCloseSent
	}
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (t *transport) close() {
	t.once.Do(func() {
		t.mu.Lock()
		t.closed = true
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		t.mu.Unlock()
		_ = t.conn.Close()
	})
}
