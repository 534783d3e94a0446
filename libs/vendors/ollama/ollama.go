package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jacky-htg/hospital-voice-bridge/libs/interfaces"
)

type ollamaLLM struct {
	endpoint string
	model    string
	client   *http.Client
}

// New returns a client configured for the local Ollama HTTP API.
func New() interfaces.LLM {
	return NewWithEndpointModel("http://localhost:11434/api/generate", "llama3.2")
}

// NewWithEndpointModel creates an Ollama client with custom endpoint and model.
func NewWithEndpointModel(endpoint, model string) interfaces.LLM {
	if endpoint == "" {
		endpoint = "http://localhost:11434/api/generate"
	}
	if model == "" {
		model = "llama3.2"
	}
	return &ollamaLLM{endpoint: endpoint, model: model, client: &http.Client{Timeout: 60 * time.Second}}
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

func (o *ollamaLLM) Generate(ctx context.Context, prompt string) (string, error) {
	b, err := json.Marshal(ollamaRequest{Model: o.model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("new ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post to ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(body))
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode ollama response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama: %s", out.Error)
	}
	return out.Response, nil
}
