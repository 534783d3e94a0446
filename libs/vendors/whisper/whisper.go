package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/jacky-htg/hospital-voice-bridge/libs/interfaces"
)

// DefaultEndpoint is the whisper.cpp server inference route.
const DefaultEndpoint = "http://localhost:7070/inference"

// whisperSTT calls a Whisper-like inference HTTP server that accepts a multipart "file" field
// and returns JSON {"text":"...","language":"..."}.
type whisperSTT struct {
	endpoint string
	client   *http.Client
}

// New constructs a Whisper transcriber that posts to the default endpoint.
func New() interfaces.Transcriber {
	return NewWithEndpoint(DefaultEndpoint)
}

// NewWithEndpoint constructs a Whisper transcriber using a custom endpoint.
func NewWithEndpoint(endpoint string) interfaces.Transcriber {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &whisperSTT{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

type whisperResp struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

func (w *whisperSTT) Transcribe(ctx context.Context, wav []byte, languageHint string) (interfaces.Transcript, error) {
	var b bytes.Buffer
	mw := multipart.NewWriter(&b)
	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return interfaces.Transcript{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return interfaces.Transcript{}, fmt.Errorf("write audio to form: %w", err)
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return interfaces.Transcript{}, fmt.Errorf("write response_format: %w", err)
	}
	if languageHint != "" {
		if err := mw.WriteField("language", languageHint); err != nil {
			return interfaces.Transcript{}, fmt.Errorf("write language: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return interfaces.Transcript{}, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, &b)
	if err != nil {
		return interfaces.Transcript{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := w.client.Do(req)
	if err != nil {
		return interfaces.Transcript{}, fmt.Errorf("post to whisper server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return interfaces.Transcript{}, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return interfaces.Transcript{}, fmt.Errorf("whisper server returned status %d: %s", resp.StatusCode, string(body))
	}

	var wr whisperResp
	if err := json.Unmarshal(body, &wr); err != nil {
		return interfaces.Transcript{}, fmt.Errorf("unmarshal response: %w", err)
	}
	return interfaces.Transcript{
		Text:     strings.TrimSpace(wr.Text),
		Language: normalizeLanguage(wr.Language),
	}, nil
}

// normalizeLanguage maps the names some servers report ("hindi") to codes.
func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	switch lang {
	case "hindi":
		return "hi"
	case "english":
		return "en"
	case "marathi":
		return "mr"
	case "tamil":
		return "ta"
	case "telugu":
		return "te"
	case "bengali":
		return "bn"
	}
	return lang
}
