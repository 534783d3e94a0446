package piper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jacky-htg/hospital-voice-bridge/libs/interfaces"
)

// piperTTS talks to a Piper HTTP server that answers with a WAV body.
type piperTTS struct {
	endpoint string
	client   *http.Client
}

// New returns a Piper TTS implementation with the default local endpoint.
func New() interfaces.TTS { return NewWithEndpoint("http://localhost:7071/tts") }

// NewWithEndpoint allows overriding the Piper TTS endpoint.
func NewWithEndpoint(endpoint string) interfaces.TTS {
	if endpoint == "" {
		endpoint = "http://localhost:7071/tts"
	}
	// Use a larger timeout because the Piper binary may take time to start.
	return &piperTTS{endpoint: endpoint, client: &http.Client{Timeout: 30 * time.Second}}
}

type ttsRequest struct {
	Text string `json:"text"`
}

// Speak sends the text as a url-encoded form (the server reads
// r.FormValue("text")) and falls back to a JSON body for servers that only
// accept JSON.
func (p *piperTTS) Speak(ctx context.Context, text string) ([]byte, error) {
	form := url.Values{}
	form.Set("text", text)
	body, status, err := p.post(ctx, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("post form to piper tts: %w", err)
	}
	if status >= 200 && status < 300 {
		return body, nil
	}

	reqBody, err := json.Marshal(ttsRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("marshal piper request: %w", err)
	}
	body2, status2, err := p.post(ctx, "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("post json to piper tts: %w", err)
	}
	if status2 >= 200 && status2 < 300 {
		return body2, nil
	}
	return nil, fmt.Errorf("piper tts request failed, last status %d", status2)
}

func (p *piperTTS) post(ctx context.Context, contentType string, body io.Reader) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, body)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read tts response: %w", err)
	}
	return b, resp.StatusCode, nil
}
