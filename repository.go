package rondo

import "context"

// Repository abstracts conversation persistence with vector search.
// The store/postgres and store/sqlite packages implement it.
type Repository interface {
	// --- Conversations ---

	// CreateConversation persists a new conversation record.
	CreateConversation(ctx context.Context, conv Conversation) error
	// GetConversation fetches a conversation by id. A missing id yields
	// a KindInvalidRequest fault.
	GetConversation(ctx context.Context, id string) (Conversation, error)
	// UpdateSummary writes the running summary and its watermark.
	UpdateSummary(ctx context.Context, convID, summary string, lastSummarizedSeq int) error
	// GetSummary returns the running summary and last_summarized_seq.
	GetSummary(ctx context.Context, convID string) (string, int, error)

	// --- Messages ---

	// AddMessage appends a message. The caller assigns Seq; a zero Seq
	// is assigned max(Seq)+1 atomically by the store. Returns the
	// stored message with Seq and CreatedAt populated.
	AddMessage(ctx context.Context, msg Message) (Message, error)
	// RecentMessages returns the last limit messages in chronological order.
	RecentMessages(ctx context.Context, convID string, limit int) ([]Message, error)
	// UpdateMessageEmbedding writes a message's embedding vector in place.
	UpdateMessageEmbedding(ctx context.Context, msgID string, embedding []float32) error
	// SearchSimilar returns up to topK messages across all of the user's
	// conversations with cosine similarity ≥ minScore, closest first.
	// Each result carries its similarity in Message.Score.
	SearchSimilar(ctx context.Context, userID string, embedding []float32, topK int, minScore float32) ([]Message, error)

	// --- Memory facts ---

	// UserFacts returns all long-term facts for the user.
	UserFacts(ctx context.Context, userID string) ([]MemoryFact, error)

	// --- Lifecycle ---

	Init(ctx context.Context) error
	Close() error
}
