package rondo

import "context"

// Provider abstracts an LLM backend.
type Provider interface {
	// Complete sends a request and returns one assistant message with
	// optional tool calls. Usage counters are always present (zero when
	// the backend reports none).
	Complete(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Stream sends a request and emits incremental text on ch, then
	// returns the final response with assembled tool calls and usage.
	// Stream never closes ch; the caller owns the channel.
	Stream(ctx context.Context, req ChatRequest, ch chan<- Chunk) (ChatResponse, error)
	// HealthCheck probes the backend. nil means reachable.
	HealthCheck(ctx context.Context) error
	// Name returns the provider name (e.g. "openai-compat", "gemini").
	Name() string
}

// EmbeddingProvider abstracts text embedding.
type EmbeddingProvider interface {
	// Embed returns embedding vectors for the given texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}

// Transcriber converts audio/video payloads to text. Media subsystems
// implement it externally; the orchestrator only injects the result
// into the user message.
type Transcriber interface {
	Transcribe(ctx context.Context, mimeType string, data []byte) (string, error)
}
