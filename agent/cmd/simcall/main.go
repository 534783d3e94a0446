// Command simcall plays a WAV file into the bridge as a carrier media
// stream and records what the bot says back.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jacky-htg/hospital-voice-bridge/libs/audio"
	"github.com/jacky-htg/hospital-voice-bridge/libs/logger"
)

const (
	rate        = audio.NarrowbandRate
	frameMillis = 20
)

// event is the carrier's media-stream frame.
type event struct {
	Event     string `json:"event"`
	StreamSID string `json:"stream_sid,omitempty"`
	Start     *start `json:"start,omitempty"`
	Media     *media `json:"media,omitempty"`
}

type start struct {
	StreamSID string `json:"stream_sid"`
	CallSID   string `json:"call_sid"`
	From      string `json:"from"`
	To        string `json:"to"`
}

type media struct {
	Payload string `json:"payload"`
}

func main() {
	var (
		backendURL string
		hospitalID string
		inPath     string
		outPath    string
		from, to   string
		listen     time.Duration
		timeoutSec int
	)
	flag.StringVar(&backendURL, "backend", "http://localhost:8080", "bridge base URL")
	flag.StringVar(&hospitalID, "hospital", "", "hospital id to fetch a stream token for")
	flag.StringVar(&inPath, "in", "testdata/caller.wav", "caller audio (WAV)")
	flag.StringVar(&outPath, "out", "out/reply.wav", "where to write the bot audio")
	flag.StringVar(&from, "from", "+919800000000", "caller number")
	flag.StringVar(&to, "to", "", "called number")
	flag.DurationVar(&listen, "listen", 15*time.Second, "how long to keep the call up after the caller audio")
	flag.IntVar(&timeoutSec, "timeout", 10, "HTTP timeout seconds")
	flag.Parse()

	log, err := logger.New("info", "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "new logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	pcm, err := loadCaller(inPath)
	if err != nil {
		log.Fatal("load caller audio", zap.Error(err))
	}

	wsURL, err := streamURL(ctx, backendURL, hospitalID, time.Duration(timeoutSec)*time.Second)
	if err != nil {
		log.Fatal("resolve media stream url", zap.Error(err))
	}
	log.Info("dialing media stream", zap.String("url", redact(wsURL)))

	reply, err := runCall(ctx, log, wsURL, pcm, from, to, listen)
	if err != nil {
		log.Fatal("call failed", zap.Error(err))
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		log.Fatal("create output dir", zap.Error(err))
	}
	if err := os.WriteFile(outPath, audio.EncodeWAV(reply, rate), 0o644); err != nil {
		log.Fatal("write reply", zap.Error(err))
	}
	log.Info("wrote bot audio",
		zap.String("path", outPath),
		zap.Duration("duration", time.Duration(audio.SampleCount(reply))*time.Second/rate))
}

// loadCaller reads a WAV file as narrowband PCM.
func loadCaller(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input audio: %w", err)
	}
	pcm, src, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, err
	}
	switch {
	case src > rate:
		pcm = audio.Downsample(pcm, src, rate)
	case src < rate:
		pcm = audio.Upsample(pcm, src, rate)
	}
	return pcm, nil
}

// streamURL asks the bridge for a signed media-stream URL, or derives an
// unsigned one when no hospital is given.
func streamURL(ctx context.Context, backend, hospitalID string, timeout time.Duration) (string, error) {
	if hospitalID == "" {
		u, err := url.Parse(backend)
		if err != nil {
			return "", fmt.Errorf("invalid backend url: %w", err)
		}
		if u.Scheme == "https" {
			u.Scheme = "wss"
		} else {
			u.Scheme = "ws"
		}
		u.Path = "/media-stream"
		return u.String(), nil
	}

	b, _ := json.Marshal(map[string]string{"hospital_id": hospitalID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(backend, "/")+"/calls/token", bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return out.URL, nil
}

// runCall streams pcm in real time, follows it with a second of silence so
// the bridge ends the utterance, then listens and returns the bot audio.
func runCall(ctx context.Context, log *zap.Logger, wsURL string, pcm []byte, from, to string, listen time.Duration) ([]byte, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			b, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("websocket dial failed: %w status=%d body=%s", err, resp.StatusCode, string(b))
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	defer conn.Close()

	streamID := uuid.NewString()
	var (
		mu    sync.Mutex
		reply []byte
	)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			var ev event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			switch ev.Event {
			case "media":
				if ev.Media == nil {
					continue
				}
				b, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
				if err != nil {
					log.Warn("bad media payload", zap.Error(err))
					continue
				}
				mu.Lock()
				reply = append(reply, b...)
				mu.Unlock()
			case "clear":
				log.Info("bridge cleared playback")
			}
		}
	}()

	send := func(ev event) error { return conn.WriteJSON(ev) }
	if err := send(event{Event: "connected"}); err != nil {
		return nil, err
	}
	if err := send(event{Event: "start", StreamSID: streamID, Start: &start{
		StreamSID: streamID, CallSID: uuid.NewString(), From: from, To: to,
	}}); err != nil {
		return nil, err
	}

	frameBytes := audio.DurationBytes(rate, frameMillis)
	caller := append(append([]byte(nil), pcm...), audio.Silence(rate, 1000)...)
	ticker := time.NewTicker(frameMillis * time.Millisecond)
	defer ticker.Stop()
	for off := 0; off < len(caller); off += frameBytes {
		end := min(off+frameBytes, len(caller))
		frame := caller[off:end]
		if len(frame) < frameBytes {
			frame = append(frame, make([]byte, frameBytes-len(frame))...)
		}
		if err := send(event{Event: "media", StreamSID: streamID,
			Media: &media{Payload: base64.StdEncoding.EncodeToString(frame)}}); err != nil {
			return nil, err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	log.Info("caller audio sent, listening", zap.Duration("listen", listen))

	// keep streaming silence so the line stays live like a real carrier
	silence := base64.StdEncoding.EncodeToString(audio.Silence(rate, frameMillis))
	deadline := time.After(listen)
listening:
	for {
		select {
		case <-ticker.C:
			if err := send(event{Event: "media", StreamSID: streamID,
				Media: &media{Payload: silence}}); err != nil {
				break listening
			}
		case <-deadline:
			break listening
		case <-ctx.Done():
			break listening
		case <-readDone:
			break listening
		}
	}

	_ = send(event{Event: "stop", StreamSID: streamID})
	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
	}

	mu.Lock()
	defer mu.Unlock()
	return reply, nil
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Query().Get("token") == "" {
		return raw
	}
	q := u.Query()
	q.Set("token", "***")
	u.RawQuery = q.Encode()
	return u.String()
}
