package factory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacky-htg/hospital-voice-bridge/libs/config"
)

func TestVendorSelection(t *testing.T) {
	cfg := config.Defaults()

	tts, err := NewTTS(cfg)
	require.NoError(t, err)
	assert.Nil(t, tts, "no tts vendor configured")
	llm, err := NewLLM(cfg)
	require.NoError(t, err)
	assert.Nil(t, llm)
	stt, err := NewSTT(cfg)
	require.NoError(t, err)
	assert.NotNil(t, stt)

	cfg.TTSVendor, cfg.LLMVendor = "piper", "ollama"
	cfg.VendorSettings["ollama"] = map[string]string{"model": "tinyllama"}
	tts, err = NewTTS(cfg)
	require.NoError(t, err)
	assert.NotNil(t, tts)
	llm, err = NewLLM(cfg)
	require.NoError(t, err)
	assert.NotNil(t, llm)

	cfg.STTVendor, cfg.TTSVendor, cfg.LLMVendor = "nope", "nope", "nope"
	_, err = NewSTT(cfg)
	assert.Error(t, err)
	_, err = NewTTS(cfg)
	assert.Error(t, err)
	_, err = NewLLM(cfg)
	assert.Error(t, err)
}

func TestBackendDialer(t *testing.T) {
	cfg := config.Defaults()
	_, err := NewBackendDialer(cfg)
	assert.Error(t, err, "api key is required")

	keys := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys <- r.Header.Get("x-goog-api-key")
		c, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_, _, _ = c.ReadMessage()
	}))
	defer srv.Close()

	cfg.Gemini.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.Gemini.APIKey = "k"
	dial, err := NewBackendDialer(cfg)
	require.NoError(t, err)
	conn, err := dial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "k", <-keys)
	require.NoError(t, conn.Close())
}
