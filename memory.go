package rondo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	// SlidingWindowSize is the number of recent messages included in a
	// turn's context.
	SlidingWindowSize = 50
	// SemanticRecallTopK is the maximum number of recalled messages.
	SemanticRecallTopK = 3
	// SemanticRecallMinScore is the cosine similarity floor for recall.
	SemanticRecallMinScore float32 = 0.70
	// SummaryTriggerGap is the unsummarized-message count that triggers
	// summarization.
	SummaryTriggerGap = 20
	// summaryMaxFetch bounds how many trailing messages one
	// summarization pass reads.
	summaryMaxFetch = 100
	// contextCacheTTL bounds how long composed fragments are reused.
	contextCacheTTL = time.Hour
)

// Composer assembles per-turn context: long-term user facts, semantic
// recall across the user's history, the running summary, and the sliding
// window of recent messages. The derived text fragments are cached per
// conversation; the window is always refetched.
type Composer struct {
	repo      Repository
	provider  Provider          // summarization calls
	cache     Cache             // nil disables caching
	embedding EmbeddingProvider // nil disables semantic recall
	model     string            // summarization model, empty = provider default
	logger    *slog.Logger
}

// ComposerOption configures a Composer.
type ComposerOption func(*Composer)

// WithComposerCache sets the fragment cache.
func WithComposerCache(c Cache) ComposerOption {
	return func(m *Composer) { m.cache = c }
}

// WithComposerEmbedding enables semantic recall.
func WithComposerEmbedding(e EmbeddingProvider) ComposerOption {
	return func(m *Composer) { m.embedding = e }
}

// WithSummaryModel sets the model used for summarization calls.
func WithSummaryModel(model string) ComposerOption {
	return func(m *Composer) { m.model = model }
}

// WithComposerLogger sets a structured logger. Defaults to discard.
func WithComposerLogger(l *slog.Logger) ComposerOption {
	return func(m *Composer) { m.logger = l }
}

// NewComposer creates a Composer over the given repository and provider.
func NewComposer(repo Repository, provider Provider, opts ...ComposerOption) *Composer {
	c := &Composer{repo: repo, provider: provider, logger: NopLogger()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// MemoryContext is one turn's assembled context.
type MemoryContext struct {
	Facts   string        `json:"facts,omitempty"`
	Recall  string        `json:"recall,omitempty"`
	Summary string        `json:"summary,omitempty"`
	Window  []ChatMessage `json:"-"`
}

// SystemPrompt concatenates the task prompt and the context fragments in
// composition order.
func (mc MemoryContext) SystemPrompt(taskPrompt string) string {
	parts := []string{taskPrompt}
	if mc.Facts != "" {
		parts = append(parts, mc.Facts)
	}
	if mc.Recall != "" {
		parts = append(parts, mc.Recall)
	}
	if mc.Summary != "" {
		parts = append(parts, mc.Summary)
	}
	return strings.Join(parts, "\n\n")
}

// ComposeMessages prepends the system prompt to the window: an existing
// system message at position 0 is replaced, otherwise one is inserted.
func ComposeMessages(systemPrompt string, window []ChatMessage) []ChatMessage {
	if len(window) > 0 && window[0].Role == "system" {
		out := make([]ChatMessage, len(window))
		copy(out, window)
		out[0] = SystemMessage(systemPrompt)
		return out
	}
	out := make([]ChatMessage, 0, len(window)+1)
	out = append(out, SystemMessage(systemPrompt))
	out = append(out, window...)
	return out
}

// Load assembles the context for a turn. The facts/recall/summary
// fragments are served from cache when fresh; the sliding window is
// always refetched so it reflects the just-persisted user message.
// Embedding failures silently omit recall; cache failures degrade to a
// miss. Repository failures on the window are returned.
func (c *Composer) Load(ctx context.Context, convID, userID, query string) (MemoryContext, error) {
	var mc MemoryContext

	cached := false
	if c.cache != nil {
		if raw, ok, err := c.cache.Get(ctx, ContextCacheKey(convID)); err != nil {
			c.logger.Warn("composer: context cache read failed", "conversation", convID, "error", err)
		} else if ok {
			if err := json.Unmarshal(raw, &mc); err == nil {
				cached = true
			}
		}
	}

	if !cached {
		mc.Facts = c.factsFragment(ctx, userID)
		mc.Recall = c.recallFragment(ctx, userID, query)
		mc.Summary = c.summaryFragment(ctx, convID)
		if c.cache != nil {
			if raw, err := json.Marshal(mc); err == nil {
				if err := c.cache.Set(ctx, ContextCacheKey(convID), raw, contextCacheTTL); err != nil {
					c.logger.Warn("composer: context cache write failed", "conversation", convID, "error", err)
				}
			}
		}
	}

	window, err := c.repo.RecentMessages(ctx, convID, SlidingWindowSize)
	if err != nil {
		return MemoryContext{}, WrapFault(KindRepositoryFailed, "composer.window", err)
	}
	mc.Window = toChatMessages(window)
	return mc, nil
}

// InvalidateContext drops the cached fragments for a conversation. Called
// after each turn's persistence and after summarization.
func (c *Composer) InvalidateContext(ctx context.Context, convID string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Delete(ctx, ContextCacheKey(convID)); err != nil {
		c.logger.Warn("composer: context cache invalidate failed", "conversation", convID, "error", err)
	}
}

func (c *Composer) factsFragment(ctx context.Context, userID string) string {
	facts, err := c.repo.UserFacts(ctx, userID)
	if err != nil {
		c.logger.Warn("composer: user facts unavailable", "user", userID, "error", err)
		return ""
	}
	if len(facts) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("User facts:")
	for _, f := range facts {
		b.WriteString("\n- " + f.Content)
	}
	return b.String()
}

func (c *Composer) recallFragment(ctx context.Context, userID, query string) string {
	if c.embedding == nil || strings.TrimSpace(query) == "" {
		return ""
	}
	embs, err := c.embedding.Embed(ctx, []string{query})
	if err != nil || len(embs) == 0 {
		// Recall is omitted silently; the turn proceeds without it.
		c.logger.Warn("composer: query embedding failed, recall omitted", "error", err)
		return ""
	}
	related, err := c.repo.SearchSimilar(ctx, userID, embs[0], SemanticRecallTopK, SemanticRecallMinScore)
	if err != nil {
		c.logger.Warn("composer: semantic search failed, recall omitted", "error", err)
		return ""
	}
	if len(related) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant prior messages:")
	for _, m := range related {
		fmt.Fprintf(&b, "\n[%s]: %s", m.Role, truncateStr(m.Content, 500))
	}
	return b.String()
}

func (c *Composer) summaryFragment(ctx context.Context, convID string) string {
	summary, _, err := c.repo.GetSummary(ctx, convID)
	if err != nil {
		c.logger.Warn("composer: summary unavailable", "conversation", convID, "error", err)
		return ""
	}
	if summary == "" {
		return ""
	}
	return "Conversation summary:\n" + summary
}

// toChatMessages converts stored messages to the LLM protocol shape,
// preserving tool calls and tool result back-references.
func toChatMessages(msgs []Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ChatMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}
	return out
}

// --- Summarization ---

const summarizePrompt = `Summarize the conversation below in under 200 tokens.
Keep stable facts about the user, decisions made, and unresolved threads.
Output only the summary text.`

const mergeSummariesPrompt = `Merge the two conversation summaries below into one consolidated summary in under 300 tokens.
Prefer newer information when they conflict. Output only the summary text.`

// MaybeSummarize recomputes the running summary when at least
// SummaryTriggerGap messages accumulated past the watermark. It runs
// inline at the end of a turn; failures are logged and swallowed, the
// turn is never blocked on them.
func (c *Composer) MaybeSummarize(ctx context.Context, convID string, latestSeq int) {
	conv, err := c.repo.GetConversation(ctx, convID)
	if err != nil {
		c.logger.Warn("composer: summarize skipped", "conversation", convID, "error", err)
		return
	}
	gap := latestSeq - conv.LastSummarizedSeq
	if gap < SummaryTriggerGap {
		return
	}
	if err := c.summarize(ctx, conv, latestSeq, gap); err != nil {
		c.logger.Warn("composer: summarization failed",
			"conversation", convID, "error", WrapFault(KindSummaryFailed, "composer.summarize", err))
	}
}

func (c *Composer) summarize(ctx context.Context, conv Conversation, latestSeq, gap int) error {
	fetch := gap
	if fetch > summaryMaxFetch {
		fetch = summaryMaxFetch
	}
	msgs, err := c.repo.RecentMessages(ctx, conv.ID, fetch)
	if err != nil {
		return err
	}

	var transcript strings.Builder
	for _, m := range msgs {
		if m.Role == "system" {
			continue
		}
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, truncateStr(m.Content, 2000))
	}

	resp, err := c.provider.Complete(ctx, ChatRequest{
		Model:       c.model,
		Temperature: 0.1,
		MaxTokens:   256,
		Messages: []ChatMessage{
			SystemMessage(summarizePrompt),
			UserMessage(transcript.String()),
		},
	})
	if err != nil {
		return err
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return fmt.Errorf("empty summary")
	}

	if conv.Summary != "" {
		merged, err := c.provider.Complete(ctx, ChatRequest{
			Model:       c.model,
			Temperature: 0.1,
			MaxTokens:   384,
			Messages: []ChatMessage{
				SystemMessage(mergeSummariesPrompt),
				UserMessage("Summary A (older):\n" + conv.Summary + "\n\nSummary B (newer):\n" + summary),
			},
		})
		if err != nil {
			return err
		}
		if s := strings.TrimSpace(merged.Content); s != "" {
			summary = s
		}
	}

	if err := c.repo.UpdateSummary(ctx, conv.ID, summary, latestSeq); err != nil {
		return err
	}
	c.InvalidateContext(ctx, conv.ID)
	c.logger.Info("composer: summary updated",
		"conversation", conv.ID, "last_summarized_seq", latestSeq)
	return nil
}
