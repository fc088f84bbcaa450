package interfaces

import (
	"context"
)

// LLMMode represents the operational mode of the LLM service
type LLMMode string

const (
	// LLMModeCloud indicates the service uses cloud-based LLM APIs
	LLMModeCloud LLMMode = "cloud"

	// LLMModeOffline indicates the service uses deterministic local stand-ins
	LLMModeOffline LLMMode = "offline"
)

// Message represents a single message in a chat conversation
type Message struct {
	// Role identifies the message sender: "user", "assistant", or "system"
	Role string

	// Content contains the text content of the message
	Content string
}

// LLMService defines the interface for language model operations including
// embeddings generation and chat completions. Implementations may use cloud
// APIs (Anthropic, Gemini) or the deterministic offline provider.
type LLMService interface {
	// Embed generates an embedding vector for the given text, sized to the
	// configured graph embedding dimension.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Chat generates a completion response based on the conversation
	// history, including system prompts and prior turns.
	Chat(ctx context.Context, messages []Message) (string, error)

	// HealthCheck verifies the LLM service is operational.
	HealthCheck(ctx context.Context) error

	// GetMode returns the current operational mode of the LLM service.
	GetMode() LLMMode

	// Close releases resources.
	Close() error
}

// EmbeddingService wraps the LLM provider with dimension normalization and
// audit logging for embedding generation.
type EmbeddingService interface {
	// GenerateEmbedding creates a vector embedding for text, padded or
	// truncated to the configured dimension.
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the configured embedding dimension.
	Dimension() int
}
