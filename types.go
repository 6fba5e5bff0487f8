package rondo

import "encoding/json"

// --- Domain types (database records) ---

// Conversation is one chat session owned by a user. The running summary
// covers messages 1..LastSummarizedSeq and nothing beyond.
type Conversation struct {
	ID                string `json:"id"`
	UserID            string `json:"user_id"`
	Title             string `json:"title,omitempty"`
	Summary           string `json:"summary,omitempty"`
	LastSummarizedSeq int    `json:"last_summarized_seq"`
	CreatedAt         int64  `json:"created_at"`
	UpdatedAt         int64  `json:"updated_at"`
}

// Message is one turn entry in a conversation. Seq starts at 1 and is
// strictly increasing with no gaps; persistence order matches Seq order.
type Message struct {
	ID               string     `json:"id"`
	ConversationID   string     `json:"conversation_id"`
	Role             string     `json:"role"` // "system", "user", "assistant", "tool"
	Content          string     `json:"content"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string     `json:"tool_call_id,omitempty"` // role=tool only
	Seq              int        `json:"sequence_number"`
	PromptTokens     int        `json:"prompt_tokens,omitempty"`
	CompletionTokens int        `json:"completion_tokens,omitempty"`
	Model            string     `json:"model,omitempty"`
	LatencyMS        int64      `json:"latency_ms,omitempty"`
	FinishReason     string     `json:"finish_reason,omitempty"`
	Embedding        []float32  `json:"-"`
	// Score is the cosine similarity to the query vector. Populated only
	// by Repository.SearchSimilar results.
	Score     float32 `json:"-"`
	CreatedAt int64   `json:"created_at"`
}

// MemoryFact is a long-term fact about a user. Facts are written by an
// out-of-band pipeline; the orchestrator only reads them.
type MemoryFact struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	Content        string            `json:"content"`
	Context        map[string]string `json:"context,omitempty"`
	LastAccessedAt int64             `json:"last_accessed_at"`
}

// --- LLM protocol types ---

type ChatMessage struct {
	Role       string      `json:"role"` // "system", "user", "assistant", "tool"
	Content    string      `json:"content"`
	Images     []ImageData `json:"images,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
}

type ImageData struct {
	MimeType string `json:"mime_type"`
	Base64   string `json:"base64"`
}

type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type ChatRequest struct {
	Model       string           `json:"model,omitempty"`
	Messages    []ChatMessage    `json:"messages"`
	Tools       []ToolDescriptor `json:"tools,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
}

type ChatResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Usage        Usage      `json:"usage"`
	Model        string     `json:"model,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	LatencyMS    int64      `json:"latency_ms,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates usage counters across LLM rounds.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// ToolDescriptor advertises one callable tool to the model.
// Origin is OriginLocal for in-process tools, or the source server's
// name for tools discovered from a tool server.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
	Origin      string          `json:"origin,omitempty"`
}

// OriginLocal marks a descriptor as belonging to an in-process tool.
const OriginLocal = "local"

// --- Attachments (incoming media on a user turn) ---

// Attachment carries media handed in with a user message. Images switch
// the turn to the configured vision model; audio/video attachments are
// transcribed and the transcription injected into the message text.
type Attachment struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"-"`
	// Transcription holds the STT output for audio/video attachments,
	// produced upstream. Empty when not transcribed.
	Transcription string `json:"transcription,omitempty"`
}

// IsImage reports whether the attachment is an image payload.
func (a Attachment) IsImage() bool {
	return len(a.MimeType) >= 6 && a.MimeType[:6] == "image/"
}

// IsAudioVideo reports whether the attachment is audio or video.
func (a Attachment) IsAudioVideo() bool {
	return (len(a.MimeType) >= 6 && a.MimeType[:6] == "audio/") ||
		(len(a.MimeType) >= 6 && a.MimeType[:6] == "video/")
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
