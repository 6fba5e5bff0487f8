package rondo

import "errors"

// Chunk is one unit of a turn's output stream. A turn produces a finite
// sequence of chunks ending in exactly one terminal chunk: Done=true on
// success, or Error set on fatal failure (never both). Consumers must
// stop reading after the first terminal chunk.
type Chunk struct {
	// Content is an incremental text fragment. May be empty on
	// status-only or terminal chunks.
	Content string `json:"content,omitempty"`
	// Status is a human-readable progress line ("Step 2/4: Calling git_status...").
	Status string `json:"status,omitempty"`
	// ToolCalls announces pending tool invocations. Informational only.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// Usage carries aggregate token counts. Terminal chunks only.
	Usage *Usage `json:"usage,omitempty"`
	// Done is true on the terminal chunk of a successful turn.
	Done bool `json:"done,omitempty"`
	// ConversationID identifies the conversation the turn belongs to.
	ConversationID string `json:"conversation_id,omitempty"`
	// Error terminates the turn. No chunk follows an error chunk.
	Error *ChunkError `json:"error,omitempty"`
}

// ChunkError is the public shape of a fatal turn failure.
type ChunkError struct {
	// Category is one of "provider_unavailable", "bad_request", "internal".
	Category string `json:"category"`
	// Detail is a one-sentence human-readable reason.
	Detail string `json:"detail,omitempty"`
}

// TextChunk builds a content-only chunk.
func TextChunk(text string) Chunk { return Chunk{Content: text} }

// StatusChunk builds a status-only chunk.
func StatusChunk(status string) Chunk { return Chunk{Status: status} }

// ErrorChunk builds the terminal chunk for a fatal error.
func ErrorChunk(err error) Chunk {
	detail := ""
	var f *Fault
	if errors.As(err, &f) {
		detail = f.Detail
	} else if err != nil {
		detail = err.Error()
	}
	return Chunk{Error: &ChunkError{Category: ErrorCategory(err), Detail: detail}}
}
