package piper

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpeakForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = io.WriteString(w, "WAVDATA:"+r.FormValue("text"))
	}))
	defer srv.Close()

	out, err := NewWithEndpoint(srv.URL).Speak(context.Background(), "please hold")

	require.NoError(t, err)
	assert.Equal(t, "WAVDATA:please hold", string(out))
}

func TestSpeakFallsBackToJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			http.Error(w, "json only", http.StatusUnsupportedMediaType)
			return
		}
		var req ttsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_, _ = io.WriteString(w, "JSON:"+req.Text)
	}))
	defer srv.Close()

	out, err := NewWithEndpoint(srv.URL).Speak(context.Background(), "hi")

	require.NoError(t, err)
	assert.Equal(t, "JSON:hi", string(out))
}

func TestSpeakFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewWithEndpoint(srv.URL).Speak(context.Background(), "hi")
	assert.ErrorContains(t, err, "500")
}
