package domain

import "context"

// LLMProvider is the interface for any LLM backend.
type LLMProvider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the provider's identifier (e.g., "openai", "bedrock").
	Name() string
}

// Transcriber turns recorded speech into text.
type Transcriber interface {
	// Transcribe converts audio in the given container format ("webm", "wav",
	// "mp3", ...) using language as a hint (ISO-639-1, e.g. "en").
	Transcribe(ctx context.Context, audio []byte, format, language string) (string, error)
	Name() string
}

// TokenCounter estimates prompt size for a message list.
type TokenCounter interface {
	CountMessages(msgs []Message) int
}
