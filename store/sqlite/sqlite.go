// Package sqlite implements rondo.Repository using pure-Go SQLite
// with in-process brute-force vector search. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/vessar/rondo"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements rondo.Repository backed by a local SQLite file.
// Embeddings are stored as JSON text and vector search is done
// in-process using brute-force cosine similarity.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ rondo.Repository = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables and indexes. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	tables := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			last_summarized_seq INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT,
			tool_call_id TEXT NOT NULL DEFAULT '',
			seq INTEGER NOT NULL,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			model TEXT NOT NULL DEFAULT '',
			latency_ms INTEGER NOT NULL DEFAULT 0,
			finish_reason TEXT NOT NULL DEFAULT '',
			embedding TEXT,
			created_at INTEGER NOT NULL,
			UNIQUE (conversation_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS memory_facts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			context TEXT,
			last_accessed_at INTEGER NOT NULL DEFAULT 0
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_memory_facts_user ON memory_facts(user_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// --- Conversations ---

// CreateConversation inserts a new conversation record.
func (s *Store) CreateConversation(ctx context.Context, conv rondo.Conversation) error {
	start := time.Now()
	if conv.CreatedAt == 0 {
		conv.CreatedAt = rondo.NowUnix()
	}
	if conv.UpdatedAt == 0 {
		conv.UpdatedAt = conv.CreatedAt
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, summary, last_summarized_seq, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, conv.Summary, conv.LastSummarizedSeq, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: create conversation failed", "id", conv.ID, "error", err)
		return fmt.Errorf("create conversation: %w", err)
	}
	s.logger.Debug("sqlite: create conversation ok", "id", conv.ID, "user_id", conv.UserID, "duration", time.Since(start))
	return nil
}

// GetConversation returns a conversation by ID. A missing ID is an
// InvalidRequest fault, not a store failure.
func (s *Store) GetConversation(ctx context.Context, id string) (rondo.Conversation, error) {
	var c rondo.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, summary, last_summarized_seq, created_at, updated_at
		 FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.Summary, &c.LastSummarizedSeq, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return rondo.Conversation{}, rondo.Faultf(rondo.KindInvalidRequest, "sqlite.conversation", "conversation %s not found", id)
	}
	if err != nil {
		return rondo.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// UpdateSummary writes the running summary and its watermark.
func (s *Store) UpdateSummary(ctx context.Context, convID, summary string, lastSummarizedSeq int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET summary = ?, last_summarized_seq = ? WHERE id = ?`,
		summary, lastSummarizedSeq, convID,
	)
	if err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	s.logger.Debug("sqlite: summary updated", "conversation_id", convID, "last_summarized_seq", lastSummarizedSeq)
	return nil
}

// GetSummary returns the running summary and last_summarized_seq.
func (s *Store) GetSummary(ctx context.Context, convID string) (string, int, error) {
	var summary string
	var lastSeq int
	err := s.db.QueryRowContext(ctx,
		`SELECT summary, last_summarized_seq FROM conversations WHERE id = ?`, convID,
	).Scan(&summary, &lastSeq)
	if err == sql.ErrNoRows {
		return "", 0, rondo.Faultf(rondo.KindInvalidRequest, "sqlite.conversation", "conversation %s not found", convID)
	}
	if err != nil {
		return "", 0, fmt.Errorf("get summary: %w", err)
	}
	return summary, lastSeq, nil
}

// --- Messages ---

// AddMessage appends a message. A zero Seq is assigned max(seq)+1 in the
// same transaction; the single shared connection serializes writers, and
// the UNIQUE (conversation_id, seq) constraint backstops the assignment.
// The conversation's updated_at is bumped.
func (s *Store) AddMessage(ctx context.Context, msg rondo.Message) (rondo.Message, error) {
	start := time.Now()
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
			return rondo.Message{}, fmt.Errorf("marshal tool calls: %w", err)
		}
		v := string(data)
		toolCallsJSON = &v
	}

	var embJSON *string
	if len(msg.Embedding) > 0 {
		v := serializeEmbedding(msg.Embedding)
		embJSON = &v
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rondo.Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if msg.Seq == 0 {
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`,
			msg.ConversationID,
		).Scan(&msg.Seq)
		if err != nil {
			return rondo.Message{}, fmt.Errorf("next seq: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, tool_calls, tool_call_id, seq,
		                       prompt_tokens, completion_tokens, model, latency_ms, finish_reason, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, toolCallsJSON, msg.ToolCallID, msg.Seq,
		msg.PromptTokens, msg.CompletionTokens, msg.Model, msg.LatencyMS, msg.FinishReason, embJSON, msg.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: add message failed", "id", msg.ID, "error", err, "duration", time.Since(start))
		return rondo.Message{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		msg.CreatedAt, msg.ConversationID); err != nil {
		return rondo.Message{}, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return rondo.Message{}, fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: add message ok", "id", msg.ID, "seq", msg.Seq, "role", msg.Role, "duration", time.Since(start))
	return msg, nil
}

// RecentMessages returns the most recent messages for a conversation,
// ordered chronologically (oldest first).
func (s *Store) RecentMessages(ctx context.Context, convID string, limit int) ([]rondo.Message, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, tool_calls, tool_call_id, seq,
		        prompt_tokens, completion_tokens, model, latency_ms, finish_reason, created_at
		 FROM messages
		 WHERE conversation_id = ?
		 ORDER BY seq DESC
		 LIMIT ?`,
		convID, limit,
	)
	if err != nil {
		s.logger.Error("sqlite: recent messages failed", "conversation_id", convID, "error", err)
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var messages []rondo.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	s.logger.Debug("sqlite: recent messages ok", "conversation_id", convID, "count", len(messages), "duration", time.Since(start))
	return messages, nil
}

// UpdateMessageEmbedding writes a message's embedding vector in place.
func (s *Store) UpdateMessageEmbedding(ctx context.Context, msgID string, embedding []float32) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET embedding = ? WHERE id = ?`,
		serializeEmbedding(embedding), msgID,
	)
	if err != nil {
		return fmt.Errorf("update embedding: %w", err)
	}
	return nil
}

// SearchSimilar performs brute-force cosine similarity search over all of
// a user's embedded messages. Results below minScore are dropped.
func (s *Store) SearchSimilar(ctx context.Context, userID string, embedding []float32, topK int, minScore float32) ([]rondo.Message, error) {
	start := time.Now()
	s.logger.Debug("sqlite: search similar", "user_id", userID, "top_k", topK, "embedding_dim", len(embedding))

	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.conversation_id, m.role, m.content, m.tool_calls, m.tool_call_id, m.seq,
		        m.prompt_tokens, m.completion_tokens, m.model, m.latency_ms, m.finish_reason, m.created_at,
		        m.embedding
		 FROM messages m
		 JOIN conversations c ON c.id = m.conversation_id
		 WHERE c.user_id = ? AND m.embedding IS NOT NULL`,
		userID,
	)
	if err != nil {
		s.logger.Error("sqlite: search similar failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("search similar: %w", err)
	}
	defer rows.Close()

	var results []rondo.Message
	scanned := 0

	for rows.Next() {
		var m rondo.Message
		var toolCallsJSON sql.NullString
		var embJSON string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &toolCallsJSON, &m.ToolCallID, &m.Seq,
			&m.PromptTokens, &m.CompletionTokens, &m.Model, &m.LatencyMS, &m.FinishReason, &m.CreatedAt, &embJSON); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		scanned++
		stored, err := deserializeEmbedding(embJSON)
		if err != nil {
			continue
		}
		score := cosineSimilarity(embedding, stored)
		if score < minScore {
			continue
		}
		if toolCallsJSON.Valid {
			_ = json.Unmarshal([]byte(toolCallsJSON.String), &m.ToolCalls)
		}
		m.Score = score
		results = append(results, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if len(results) > topK {
		results = results[:topK]
	}
	s.logger.Debug("sqlite: search similar ok", "scanned", scanned, "returned", len(results), "duration", time.Since(start))
	return results, nil
}

// --- Memory facts ---

// UserFacts returns all long-term facts for the user, most recently
// accessed first. Facts are written by an out-of-band pipeline.
func (s *Store) UserFacts(ctx context.Context, userID string) ([]rondo.MemoryFact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, content, context, last_accessed_at
		 FROM memory_facts WHERE user_id = ?
		 ORDER BY last_accessed_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("user facts: %w", err)
	}
	defer rows.Close()

	var facts []rondo.MemoryFact
	for rows.Next() {
		var f rondo.MemoryFact
		var ctxJSON sql.NullString
		if err := rows.Scan(&f.ID, &f.UserID, &f.Content, &ctxJSON, &f.LastAccessedAt); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		if ctxJSON.Valid {
			_ = json.Unmarshal([]byte(ctxJSON.String), &f.Context)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Helpers ---

func scanMessage(rows *sql.Rows) (rondo.Message, error) {
	var m rondo.Message
	var toolCallsJSON sql.NullString
	if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &toolCallsJSON, &m.ToolCallID, &m.Seq,
		&m.PromptTokens, &m.CompletionTokens, &m.Model, &m.LatencyMS, &m.FinishReason, &m.CreatedAt); err != nil {
		return rondo.Message{}, fmt.Errorf("scan message: %w", err)
	}
	if toolCallsJSON.Valid {
		_ = json.Unmarshal([]byte(toolCallsJSON.String), &m.ToolCalls)
	}
	return m, nil
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}

// serializeEmbedding converts []float32 to a JSON array string.
func serializeEmbedding(embedding []float32) string {
	data, _ := json.Marshal(embedding)
	return string(data)
}

// deserializeEmbedding parses a JSON array string back to []float32.
func deserializeEmbedding(s string) ([]float32, error) {
	var v []float32
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}
