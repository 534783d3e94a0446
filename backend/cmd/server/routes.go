package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jacky-htg/hospital-voice-bridge/backend/internal/metrics"
	"github.com/jacky-htg/hospital-voice-bridge/libs/calltoken"
	"github.com/jacky-htg/hospital-voice-bridge/libs/store"
)

type hospitalGetter interface {
	GetHospital(ctx context.Context, id string) (*store.Hospital, error)
}

type routes struct {
	mediaStream http.Handler
	hospitals   hospitalGetter
	registry    *prometheus.Registry
	tokenSecret string
	tokenTTL    time.Duration
	activeCalls func() int
	log         *zap.Logger
}

func (rt *routes) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/media-stream", rt.mediaStream)
	mux.HandleFunc("/calls/token", rt.issueToken)
	mux.HandleFunc("/healthz", rt.healthz)
	mux.Handle("/metrics", metrics.Handler(rt.registry))
	return mux
}

// POST /calls/token - issue a signed media-stream URL for a hospital
func (rt *routes) issueToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if rt.tokenSecret == "" {
		http.Error(w, "stream tokens are disabled", http.StatusServiceUnavailable)
		return
	}
	var body struct {
		HospitalID string `json:"hospital_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.HospitalID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if _, err := rt.hospitals.GetHospital(r.Context(), body.HospitalID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "unknown hospital", http.StatusNotFound)
			return
		}
		rt.log.Error("lookup hospital", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	token, err := calltoken.Issue(rt.tokenSecret, body.HospitalID, rt.tokenTTL)
	if err != nil {
		rt.log.Error("issue stream token", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	scheme := "ws"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: r.Host, Path: "/media-stream", RawQuery: url.Values{"token": {token}}.Encode()}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"hospital_id": body.HospitalID,
		"token":       token,
		"url":         u.String(),
		"expires_at":  time.Now().Add(rt.tokenTTL).UTC().Format(time.RFC3339),
	})
}

func (rt *routes) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "active_calls": rt.activeCalls()})
}
