// Package postgres implements rondo.Repository using PostgreSQL with
// pgvector for native cosine similarity search over message embeddings.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vessar/rondo"
)

// Store implements rondo.Repository backed by PostgreSQL with pgvector.
// Vector search uses HNSW indexes with cosine distance.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	embeddingDimension int // 0 = untyped vector
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
	hnswEFSearch       int // 0 = pgvector default (40)
}

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

// WithEmbeddingDimension sets the vector column dimension (e.g. 1536, 768).
// When set, CREATE TABLE uses vector(N) instead of untyped vector, enabling
// better index optimization and catching dimension mismatches at insert time.
// Only affects new table creation (no ALTER on existing tables).
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW m parameter (max connections per node).
// Higher values improve recall at the cost of memory. Default: pgvector's 16.
// Only affects index creation (CREATE INDEX IF NOT EXISTS).
func WithHNSWM(m int) Option {
	return func(c *pgConfig) { c.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter (build-time
// candidate list size). Higher values improve index quality at the cost of
// slower builds. Default: pgvector's 64.
// Only affects index creation (CREATE INDEX IF NOT EXISTS).
func WithEFConstruction(ef int) Option {
	return func(c *pgConfig) { c.hnswEFConstruction = ef }
}

// WithEFSearch sets the HNSW ef_search parameter (query-time candidate list
// size). Higher values improve recall at the cost of latency. Default:
// pgvector's 40. Applied via SET during Init().
func WithEFSearch(ef int) Option {
	return func(c *pgConfig) { c.hnswEFSearch = ef }
}

var _ rondo.Repository = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

// vectorType returns "vector" or "vector(N)" depending on config.
func (s *Store) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

// hnswWithClause returns the WITH (...) clause for HNSW index creation,
// or an empty string if no tuning params are set.
func (s *Store) hnswWithClause() string {
	var parts []string
	if s.cfg.hnswM > 0 {
		parts = append(parts, fmt.Sprintf("m = %d", s.cfg.hnswM))
	}
	if s.cfg.hnswEFConstruction > 0 {
		parts = append(parts, fmt.Sprintf("ef_construction = %d", s.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// Init creates the pgvector extension, all required tables, and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	vtype := s.vectorType()
	hnswWith := s.hnswWithClause()

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			last_summarized_seq INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS conversations_user_idx ON conversations(user_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls JSONB,
			tool_call_id TEXT NOT NULL DEFAULT '',
			seq INTEGER NOT NULL,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			model TEXT NOT NULL DEFAULT '',
			latency_ms BIGINT NOT NULL DEFAULT 0,
			finish_reason TEXT NOT NULL DEFAULT '',
			embedding %s,
			created_at BIGINT NOT NULL,
			UNIQUE (conversation_id, seq)
		)`, vtype),
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages(conversation_id)`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS messages_embedding_idx ON messages USING hnsw (embedding vector_cosine_ops)%s`, hnswWith),

		`CREATE TABLE IF NOT EXISTS memory_facts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			context JSONB,
			last_accessed_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS memory_facts_user_idx ON memory_facts(user_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}

	if s.cfg.hnswEFSearch > 0 {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf("SET hnsw.ef_search = %d", s.cfg.hnswEFSearch)); err != nil {
			return fmt.Errorf("postgres: set ef_search: %w", err)
		}
	}

	return nil
}

// --- Conversations ---

// CreateConversation inserts a new conversation record.
func (s *Store) CreateConversation(ctx context.Context, conv rondo.Conversation) error {
	if conv.CreatedAt == 0 {
		conv.CreatedAt = rondo.NowUnix()
	}
	if conv.UpdatedAt == 0 {
		conv.UpdatedAt = conv.CreatedAt
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, user_id, title, summary, last_summarized_seq, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		conv.ID, conv.UserID, conv.Title, conv.Summary, conv.LastSummarizedSeq, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create conversation: %w", err)
	}
	return nil
}

// GetConversation returns a conversation by ID. A missing ID is an
// InvalidRequest fault, not a store failure.
func (s *Store) GetConversation(ctx context.Context, id string) (rondo.Conversation, error) {
	var c rondo.Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, title, summary, last_summarized_seq, created_at, updated_at
		 FROM conversations WHERE id = $1`, id,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.Summary, &c.LastSummarizedSeq, &c.CreatedAt, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return rondo.Conversation{}, rondo.Faultf(rondo.KindInvalidRequest, "postgres.conversation", "conversation %s not found", id)
	}
	if err != nil {
		return rondo.Conversation{}, fmt.Errorf("postgres: get conversation: %w", err)
	}
	return c, nil
}

// UpdateSummary writes the running summary and its watermark.
func (s *Store) UpdateSummary(ctx context.Context, convID, summary string, lastSummarizedSeq int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE conversations SET summary = $1, last_summarized_seq = $2 WHERE id = $3`,
		summary, lastSummarizedSeq, convID)
	if err != nil {
		return fmt.Errorf("postgres: update summary: %w", err)
	}
	return nil
}

// GetSummary returns the running summary and last_summarized_seq.
func (s *Store) GetSummary(ctx context.Context, convID string) (string, int, error) {
	var summary string
	var lastSeq int
	err := s.pool.QueryRow(ctx,
		`SELECT summary, last_summarized_seq FROM conversations WHERE id = $1`, convID,
	).Scan(&summary, &lastSeq)
	if err == pgx.ErrNoRows {
		return "", 0, rondo.Faultf(rondo.KindInvalidRequest, "postgres.conversation", "conversation %s not found", convID)
	}
	if err != nil {
		return "", 0, fmt.Errorf("postgres: get summary: %w", err)
	}
	return summary, lastSeq, nil
}

// --- Messages ---

// AddMessage appends a message. A zero Seq is assigned max(seq)+1 in the
// same transaction; the UNIQUE (conversation_id, seq) constraint backstops
// concurrent writers. The conversation's updated_at is bumped.
func (s *Store) AddMessage(ctx context.Context, msg rondo.Message) (rondo.Message, error) {
	if msg.ID == "" {
		msg.ID = rondo.NewID()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = rondo.NowUnix()
	}

	var toolCallsJSON *string
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return rondo.Message{}, fmt.Errorf("postgres: marshal tool calls: %w", err)
		}
		v := string(data)
		toolCallsJSON = &v
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return rondo.Message{}, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if msg.Seq == 0 {
		err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = $1`,
			msg.ConversationID,
		).Scan(&msg.Seq)
		if err != nil {
			return rondo.Message{}, fmt.Errorf("postgres: next seq: %w", err)
		}
	}

	if len(msg.Embedding) > 0 {
		embStr := serializeEmbedding(msg.Embedding)
		_, err = tx.Exec(ctx,
			`INSERT INTO messages (id, conversation_id, role, content, tool_calls, tool_call_id, seq,
			                       prompt_tokens, completion_tokens, model, latency_ms, finish_reason, embedding, created_at)
			 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10, $11, $12, $13::vector, $14)`,
			msg.ID, msg.ConversationID, msg.Role, msg.Content, toolCallsJSON, msg.ToolCallID, msg.Seq,
			msg.PromptTokens, msg.CompletionTokens, msg.Model, msg.LatencyMS, msg.FinishReason, embStr, msg.CreatedAt)
	} else {
		_, err = tx.Exec(ctx,
			`INSERT INTO messages (id, conversation_id, role, content, tool_calls, tool_call_id, seq,
			                       prompt_tokens, completion_tokens, model, latency_ms, finish_reason, embedding, created_at)
			 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10, $11, $12, NULL, $13)`,
			msg.ID, msg.ConversationID, msg.Role, msg.Content, toolCallsJSON, msg.ToolCallID, msg.Seq,
			msg.PromptTokens, msg.CompletionTokens, msg.Model, msg.LatencyMS, msg.FinishReason, msg.CreatedAt)
	}
	if err != nil {
		return rondo.Message{}, fmt.Errorf("postgres: insert message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE conversations SET updated_at = $1 WHERE id = $2`,
		msg.CreatedAt, msg.ConversationID); err != nil {
		return rondo.Message{}, fmt.Errorf("postgres: touch conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return rondo.Message{}, fmt.Errorf("postgres: commit tx: %w", err)
	}
	return msg, nil
}

// RecentMessages returns the most recent messages for a conversation,
// ordered chronologically (oldest first).
func (s *Store) RecentMessages(ctx context.Context, convID string, limit int) ([]rondo.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, role, content, tool_calls, tool_call_id, seq,
		        prompt_tokens, completion_tokens, model, latency_ms, finish_reason, created_at
		 FROM messages
		 WHERE conversation_id = $1
		 ORDER BY seq DESC
		 LIMIT $2`,
		convID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// UpdateMessageEmbedding writes a message's embedding vector in place.
func (s *Store) UpdateMessageEmbedding(ctx context.Context, msgID string, embedding []float32) error {
	embStr := serializeEmbedding(embedding)
	_, err := s.pool.Exec(ctx,
		`UPDATE messages SET embedding = $1::vector WHERE id = $2`,
		embStr, msgID)
	if err != nil {
		return fmt.Errorf("postgres: update embedding: %w", err)
	}
	return nil
}

// SearchSimilar performs vector similarity search over all of a user's
// messages using pgvector's cosine distance operator with HNSW index.
// Results below minScore are dropped after the index scan.
func (s *Store) SearchSimilar(ctx context.Context, userID string, embedding []float32, topK int, minScore float32) ([]rondo.Message, error) {
	embStr := serializeEmbedding(embedding)
	rows, err := s.pool.Query(ctx,
		`SELECT m.id, m.conversation_id, m.role, m.content, m.tool_calls, m.tool_call_id, m.seq,
		        m.prompt_tokens, m.completion_tokens, m.model, m.latency_ms, m.finish_reason, m.created_at,
		        1 - (m.embedding <=> $1::vector) AS score
		 FROM messages m
		 JOIN conversations c ON c.id = m.conversation_id
		 WHERE c.user_id = $2 AND m.embedding IS NOT NULL
		 ORDER BY m.embedding <=> $1::vector
		 LIMIT $3`,
		embStr, userID, topK)
	if err != nil {
		return nil, fmt.Errorf("postgres: search similar: %w", err)
	}
	defer rows.Close()

	var results []rondo.Message
	for rows.Next() {
		var m rondo.Message
		var toolCallsJSON []byte
		var score float32
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &toolCallsJSON, &m.ToolCallID, &m.Seq,
			&m.PromptTokens, &m.CompletionTokens, &m.Model, &m.LatencyMS, &m.FinishReason, &m.CreatedAt, &score); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		if score < minScore {
			continue
		}
		if toolCallsJSON != nil {
			_ = json.Unmarshal(toolCallsJSON, &m.ToolCalls)
		}
		m.Score = score
		results = append(results, m)
	}
	return results, rows.Err()
}

// --- Memory facts ---

// UserFacts returns all long-term facts for the user, most recently
// accessed first. Facts are written by an out-of-band pipeline.
func (s *Store) UserFacts(ctx context.Context, userID string) ([]rondo.MemoryFact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, content, context, last_accessed_at
		 FROM memory_facts WHERE user_id = $1
		 ORDER BY last_accessed_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: user facts: %w", err)
	}
	defer rows.Close()

	var facts []rondo.MemoryFact
	for rows.Next() {
		var f rondo.MemoryFact
		var ctxJSON []byte
		if err := rows.Scan(&f.ID, &f.UserID, &f.Content, &ctxJSON, &f.LastAccessedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan fact: %w", err)
		}
		if ctxJSON != nil {
			_ = json.Unmarshal(ctxJSON, &f.Context)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// Close is a no-op. The caller owns the pool and manages its lifecycle.
func (s *Store) Close() error {
	return nil
}

// --- Helpers ---

func scanMessages(rows pgx.Rows) ([]rondo.Message, error) {
	var messages []rondo.Message
	for rows.Next() {
		var m rondo.Message
		var toolCallsJSON []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &toolCallsJSON, &m.ToolCallID, &m.Seq,
			&m.PromptTokens, &m.CompletionTokens, &m.Model, &m.LatencyMS, &m.FinishReason, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		if toolCallsJSON != nil {
			_ = json.Unmarshal(toolCallsJSON, &m.ToolCalls)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// serializeEmbedding converts []float32 to a string like "[0.1,0.2,0.3]"
// suitable for pgvector's text input format.
func serializeEmbedding(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
