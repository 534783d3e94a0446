package interfaces

import "context"

// Transcript is the best-effort result of a transcription call.
type Transcript struct {
	Text string
	// Language is an ISO-639-1 code when the service reports one.
	Language string
}

// Transcriber is the speech-to-text interface. Implementations should be swappable.
type Transcriber interface {
	// Transcribe converts a self-contained audio container (WAV) into text.
	// languageHint may be empty.
	Transcribe(ctx context.Context, wav []byte, languageHint string) (Transcript, error)
}

// TTS is the text-to-speech interface.
type TTS interface {
	// Speak converts text into a WAV container.
	Speak(ctx context.Context, text string) ([]byte, error)
}

// LLM is the language model interface.
type LLM interface {
	// Generate takes a prompt and returns a generated text response
	Generate(ctx context.Context, prompt string) (string, error)
}
