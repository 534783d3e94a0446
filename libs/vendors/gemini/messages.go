package gemini

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Response modalities requested in the setup message.
const (
	ModalityAudio = "AUDIO"
	ModalityText  = "TEXT"
)

// ClientMessage is one frame sent to the Live endpoint. Exactly one field is set.
type ClientMessage struct {
	Setup         *Setup         `json:"setup,omitempty"`
	ClientContent *ClientContent `json:"clientContent,omitempty"`
	ToolResponse  *ToolResponse  `json:"toolResponse,omitempty"`
}

type Setup struct {
	Model             string            `json:"model"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	Tools             []Tool            `json:"tools,omitempty"`
}

type GenerationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *SpeechConfig `json:"speechConfig,omitempty"`
}

type SpeechConfig struct {
	VoiceConfig *VoiceConfig `json:"voiceConfig,omitempty"`
}

type VoiceConfig struct {
	PrebuiltVoiceConfig *PrebuiltVoiceConfig `json:"prebuiltVoiceConfig,omitempty"`
}

type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

// Blob is base64 encoded media.
type Blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations"`
}

type FunctionDeclaration struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Parameters  *Schema `json:"parameters,omitempty"`
}

// Schema is the OpenAPI subset used for function parameters.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
}

type ClientContent struct {
	Turns        []Content `json:"turns,omitempty"`
	TurnComplete bool      `json:"turnComplete"`
}

type ToolResponse struct {
	FunctionResponses []FunctionResponse `json:"functionResponses"`
}

type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ServerMessage is one frame received from the Live endpoint.
type ServerMessage struct {
	SetupComplete        *struct{}             `json:"setupComplete,omitempty"`
	ServerContent        *ServerContent        `json:"serverContent,omitempty"`
	ToolCall             *ToolCall             `json:"toolCall,omitempty"`
	ToolCallCancellation *ToolCallCancellation `json:"toolCallCancellation,omitempty"`
	GoAway               *GoAway               `json:"goAway,omitempty"`
	Error                *Error                `json:"error,omitempty"`
}

type ServerContent struct {
	ModelTurn          *Content `json:"modelTurn,omitempty"`
	TurnComplete       bool     `json:"turnComplete,omitempty"`
	Interrupted        bool     `json:"interrupted,omitempty"`
	GenerationComplete bool     `json:"generationComplete,omitempty"`
}

type ToolCall struct {
	FunctionCalls []FunctionCall `json:"functionCalls"`
}

type FunctionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type ToolCallCancellation struct {
	IDs []string `json:"ids"`
}

type GoAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

// Error is an out-of-band error reported by the server.
type Error struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *Error) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("gemini error %d %s: %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("gemini error %d: %s", e.Code, e.Message)
}

// NewSetup builds the one-time setup message.
func NewSetup(model, voice, instruction string, decls []FunctionDeclaration) ClientMessage {
	s := &Setup{
		Model: model,
		GenerationConfig: &GenerationConfig{
			ResponseModalities: []string{ModalityAudio, ModalityText},
		},
	}
	if voice != "" {
		s.GenerationConfig.SpeechConfig = &SpeechConfig{
			VoiceConfig: &VoiceConfig{PrebuiltVoiceConfig: &PrebuiltVoiceConfig{VoiceName: voice}},
		}
	}
	if instruction != "" {
		s.SystemInstruction = &Content{Parts: []Part{{Text: instruction}}}
	}
	if len(decls) > 0 {
		s.Tools = []Tool{{FunctionDeclarations: decls}}
	}
	return ClientMessage{Setup: s}
}

// NewUserTurn builds a complete user turn carrying text.
func NewUserTurn(text string) ClientMessage {
	return ClientMessage{ClientContent: &ClientContent{
		Turns:        []Content{{Role: "user", Parts: []Part{{Text: text}}}},
		TurnComplete: true,
	}}
}

// NewToolResponse answers the function call identified by id and name.
func NewToolResponse(id, name string, response map[string]any) ClientMessage {
	return ClientMessage{ToolResponse: &ToolResponse{
		FunctionResponses: []FunctionResponse{{ID: id, Name: name, Response: response}},
	}}
}

// Arguments decodes the call arguments. The server sends either a JSON
// object or a string holding one; anything else yields an empty map.
func (fc FunctionCall) Arguments() map[string]any {
	args := map[string]any{}
	raw := []byte(strings.TrimSpace(string(fc.Args)))
	if len(raw) == 0 {
		return args
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return args
		}
		raw = []byte(strings.TrimSpace(s))
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return args
	}
	return m
}

// Audio returns the decoded audio parts of the content in order. Parts that
// fail to decode are skipped and reported in the returned error.
func (c *Content) Audio() ([][]byte, error) {
	if c == nil {
		return nil, nil
	}
	var out [][]byte
	var errs []error
	for i, p := range c.Parts {
		if p.InlineData == nil || !strings.HasPrefix(p.InlineData.MimeType, "audio/") {
			continue
		}
		pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
		if err != nil {
			errs = append(errs, fmt.Errorf("part %d: %w", i, err))
			continue
		}
		out = append(out, pcm)
	}
	return out, errors.Join(errs...)
}

// Text concatenates the text parts of the content.
func (c *Content) Text() string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range c.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}
