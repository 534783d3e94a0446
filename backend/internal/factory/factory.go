package factory

import (
	"context"
	"errors"

	"github.com/jacky-htg/hospital-voice-bridge/backend/internal/bridge"
	"github.com/jacky-htg/hospital-voice-bridge/libs/config"
	"github.com/jacky-htg/hospital-voice-bridge/libs/interfaces"
	"github.com/jacky-htg/hospital-voice-bridge/libs/vendors/gemini"
	"github.com/jacky-htg/hospital-voice-bridge/libs/vendors/ollama"
	"github.com/jacky-htg/hospital-voice-bridge/libs/vendors/piper"
	"github.com/jacky-htg/hospital-voice-bridge/libs/vendors/whisper"
)

// NewTTS returns the fallback announcement voice, or nil when TTS_VENDOR is empty.
func NewTTS(cfg *config.Config) (interfaces.TTS, error) {
	switch cfg.TTSVendor {
	case "":
		return nil, nil
	case "piper":
		// Allow endpoint override via VendorSettings["piper"]["endpoint"]
		if ep := cfg.Vendor("piper", "endpoint"); ep != "" {
			return piper.NewWithEndpoint(ep), nil
		}
		return piper.New(), nil
	default:
		return nil, errors.New("unknown tts vendor")
	}
}

func NewSTT(cfg *config.Config) (interfaces.Transcriber, error) {
	switch cfg.STTVendor {
	case "whisper":
		// Allow endpoint override via VendorSettings["whisper"]["endpoint"]
		if ep := cfg.Vendor("whisper", "endpoint"); ep != "" {
			return whisper.NewWithEndpoint(ep), nil
		}
		return whisper.New(), nil
	default:
		return nil, errors.New("unknown stt vendor")
	}
}

// NewLLM returns the post-call summariser model, or nil when LLM_VENDOR is empty.
func NewLLM(cfg *config.Config) (interfaces.LLM, error) {
	switch cfg.LLMVendor {
	case "":
		return nil, nil
	case "ollama":
		// Allow endpoint/model override via VendorSettings["ollama"]
		ep, model := cfg.Vendor("ollama", "endpoint"), cfg.Vendor("ollama", "model")
		if ep != "" || model != "" {
			return ollama.NewWithEndpointModel(ep, model), nil
		}
		return ollama.New(), nil
	default:
		return nil, errors.New("unknown llm vendor")
	}
}

// NewBackendDialer returns the dialer sessions use to reach the
// conversational backend.
func NewBackendDialer(cfg *config.Config) (bridge.DialFunc, error) {
	if cfg.Gemini.URL == "" {
		return nil, errors.New("gemini url not configured")
	}
	if cfg.Gemini.APIKey == "" {
		return nil, errors.New("gemini api key not configured")
	}
	client := gemini.New(cfg.Gemini.URL, cfg.Gemini.APIKey)
	return func(ctx context.Context) (bridge.BackendConn, error) {
		conn, err := client.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}, nil
}
