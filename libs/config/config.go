package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains runtime configuration and vendor selection.
type Config struct {
	// Vendor keys: e.g., "whisper", "ollama", "piper". An empty LLM or TTS
	// vendor disables post-call summaries or the fallback announcement.
	TTSVendor string `yaml:"tts_vendor"`
	STTVendor string `yaml:"stt_vendor"`
	LLMVendor string `yaml:"llm_vendor"`

	// Generic map for vendor-specific settings
	VendorSettings map[string]map[string]string `yaml:"vendor_settings"`

	ListenAddr        string        `yaml:"listen_addr"`
	DatabasePath      string        `yaml:"database_path"`
	SeedFile          string        `yaml:"seed_file"`
	LogLevel          string        `yaml:"log_level"`
	LogFormat         string        `yaml:"log_format"`
	DefaultHospitalID string        `yaml:"default_hospital_id"`
	StreamTokenSecret string        `yaml:"stream_token_secret"`
	StreamTokenTTL    time.Duration `yaml:"stream_token_ttl"`

	Gemini GeminiConfig `yaml:"gemini"`
	Audio  AudioConfig  `yaml:"audio"`
	VAD    VADConfig    `yaml:"vad"`
}

// GeminiConfig selects the conversational backend session.
type GeminiConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
	Voice  string `yaml:"voice"`
}

// AudioConfig describes both sides of the bridge.
type AudioConfig struct {
	NarrowbandRate int `yaml:"narrowband_rate"`
	WidebandRate   int `yaml:"wideband_rate"`
	FrameMillis    int `yaml:"frame_millis"`
}

// VADConfig tunes utterance endpointing.
type VADConfig struct {
	SpeechThreshold float64       `yaml:"speech_threshold"`
	SilenceTimeout  time.Duration `yaml:"silence_timeout"`
	MinUtterance    time.Duration `yaml:"min_utterance"`
	MaxUtterance    time.Duration `yaml:"max_utterance"`
	PreRoll         time.Duration `yaml:"pre_roll"`
}

// DefaultGeminiURL is the Live API websocket endpoint.
const DefaultGeminiURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		TTSVendor:      "",
		STTVendor:      "whisper",
		LLMVendor:      "",
		VendorSettings: make(map[string]map[string]string),
		ListenAddr:     ":8080",
		DatabasePath:   "data/hospital.db",
		LogLevel:       "info",
		LogFormat:      "json",
		StreamTokenTTL: time.Hour,
		Gemini: GeminiConfig{
			URL:   DefaultGeminiURL,
			Model: "models/gemini-2.0-flash-live-001",
			Voice: "Kore",
		},
		Audio: AudioConfig{
			NarrowbandRate: 8000,
			WidebandRate:   24000,
			FrameMillis:    20,
		},
		VAD: VADConfig{
			SpeechThreshold: 500,
			SilenceTimeout:  800 * time.Millisecond,
			MinUtterance:    400 * time.Millisecond,
			MaxUtterance:    30 * time.Second,
			PreRoll:         300 * time.Millisecond,
		},
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// CONFIG_FILE (if any), then environment variables.
func Load() (*Config, error) {
	cfg := Defaults()
	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv constructs a Config reading only from environment variables
// (and .env). Invalid numeric values fall back to defaults.
func LoadFromEnv() *Config {
	cfg := Defaults()
	_ = cfg.applyEnv()
	return cfg
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if c.VendorSettings == nil {
		c.VendorSettings = make(map[string]map[string]string)
	}
	return nil
}

// applyEnv overlays environment variables. Supported env vars:
//
//	TTS_VENDOR, STT_VENDOR, LLM_VENDOR
//	WHISPER_ENDPOINT, OLLAMA_ENDPOINT, OLLAMA_MODEL, PIPER_ENDPOINT
//	LISTEN_ADDR, DATABASE_PATH, SEED_FILE, LOG_LEVEL, LOG_FORMAT
//	DEFAULT_HOSPITAL_ID, STREAM_TOKEN_SECRET, STREAM_TOKEN_TTL
//	GEMINI_URL, GEMINI_API_KEY, GEMINI_MODEL, GEMINI_VOICE
//	VAD_SPEECH_THRESHOLD, VAD_SILENCE_TIMEOUT, VAD_MIN_UTTERANCE, VAD_MAX_UTTERANCE
func (c *Config) applyEnv() error {
	c.TTSVendor = getEnv("TTS_VENDOR", c.TTSVendor)
	c.STTVendor = getEnv("STT_VENDOR", c.STTVendor)
	c.LLMVendor = getEnv("LLM_VENDOR", c.LLMVendor)

	c.setVendor("whisper", "endpoint", getEnv("WHISPER_ENDPOINT", ""))
	c.setVendor("ollama", "endpoint", getEnv("OLLAMA_ENDPOINT", ""))
	c.setVendor("ollama", "model", getEnv("OLLAMA_MODEL", ""))
	c.setVendor("piper", "endpoint", getEnv("PIPER_ENDPOINT", ""))

	c.ListenAddr = getEnv("LISTEN_ADDR", c.ListenAddr)
	c.DatabasePath = getEnv("DATABASE_PATH", c.DatabasePath)
	c.SeedFile = getEnv("SEED_FILE", c.SeedFile)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.DefaultHospitalID = getEnv("DEFAULT_HOSPITAL_ID", c.DefaultHospitalID)
	c.StreamTokenSecret = getEnv("STREAM_TOKEN_SECRET", c.StreamTokenSecret)

	c.Gemini.URL = getEnv("GEMINI_URL", c.Gemini.URL)
	c.Gemini.APIKey = getEnv("GEMINI_API_KEY", c.Gemini.APIKey)
	c.Gemini.Model = getEnv("GEMINI_MODEL", c.Gemini.Model)
	c.Gemini.Voice = getEnv("GEMINI_VOICE", c.Gemini.Voice)

	var err error
	if c.StreamTokenTTL, err = envDuration("STREAM_TOKEN_TTL", c.StreamTokenTTL); err != nil {
		return err
	}
	if c.VAD.SilenceTimeout, err = envDuration("VAD_SILENCE_TIMEOUT", c.VAD.SilenceTimeout); err != nil {
		return err
	}
	if c.VAD.MinUtterance, err = envDuration("VAD_MIN_UTTERANCE", c.VAD.MinUtterance); err != nil {
		return err
	}
	if c.VAD.MaxUtterance, err = envDuration("VAD_MAX_UTTERANCE", c.VAD.MaxUtterance); err != nil {
		return err
	}
	if v := getEnv("VAD_SPEECH_THRESHOLD", ""); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("VAD_SPEECH_THRESHOLD: %w", err)
		}
		c.VAD.SpeechThreshold = f
	}
	return nil
}

// Validate reports settings the bridge cannot run with.
func (c *Config) Validate() error {
	if c.Audio.NarrowbandRate <= 0 || c.Audio.WidebandRate <= 0 {
		return fmt.Errorf("invalid sample rates %d/%d", c.Audio.NarrowbandRate, c.Audio.WidebandRate)
	}
	if c.Audio.WidebandRate < c.Audio.NarrowbandRate {
		return fmt.Errorf("wideband rate %d below narrowband rate %d", c.Audio.WidebandRate, c.Audio.NarrowbandRate)
	}
	if c.Audio.FrameMillis <= 0 {
		return fmt.Errorf("invalid frame duration %dms", c.Audio.FrameMillis)
	}
	if c.VAD.SilenceTimeout <= 0 {
		return fmt.Errorf("invalid silence timeout %s", c.VAD.SilenceTimeout)
	}
	return nil
}

// Vendor returns a vendor-specific setting or "".
func (c *Config) Vendor(vendor, key string) string {
	if c == nil || c.VendorSettings == nil {
		return ""
	}
	return c.VendorSettings[vendor][key]
}

func (c *Config) setVendor(vendor, key, value string) {
	if value == "" {
		return
	}
	if c.VendorSettings == nil {
		c.VendorSettings = make(map[string]map[string]string)
	}
	if _, ok := c.VendorSettings[vendor]; !ok {
		c.VendorSettings[vendor] = make(map[string]string)
	}
	c.VendorSettings[vendor][key] = value
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := getEnv(key, "")
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getEnv(key, def string) string {
	v := ""
	if val, ok := lookupEnv(key); ok {
		v = val
	} else {
		// fallback to .env file if present
		loadDotEnvOnce.Do(loadDotEnv)
		if dotEnv != nil {
			if val2, ok := dotEnv[key]; ok && val2 != "" {
				v = val2
			}
		}
	}
	if v == "" {
		return def
	}
	return v
}

// lookupEnv is a thin wrapper over os.LookupEnv so tests can replace it if needed.
var lookupEnv = func(key string) (string, bool) { return os.LookupEnv(key) }

var (
	dotEnv         map[string]string
	loadDotEnvOnce sync.Once
)

// loadDotEnv loads a .env file from the current working directory.
// It ignores lines starting with '#' and empty lines.
func loadDotEnv() {
	cwd, err := os.Getwd()
	if err != nil {
		return
	}
	data, err := os.ReadFile(filepath.Join(cwd, ".env"))
	if err != nil {
		return
	}
	dotEnv = parseDotEnv(string(data))
}

func parseDotEnv(data string) map[string]string {
	m := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:idx])
		v := strings.TrimSpace(line[idx+1:])
		if len(v) >= 2 {
			if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
				v = v[1 : len(v)-1]
			}
		}
		m[k] = v
	}
	return m
}
