package rondo

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// mockProvider returns canned responses in order, sharing one queue
// across Complete and Stream. Stream emits the response content as a
// single text chunk and leaves the channel open, as the Provider
// contract requires. Requests are recorded for inspection.
type mockProvider struct {
	mu        sync.Mutex
	name      string
	responses []ChatResponse
	requests  []ChatRequest
	calls     int
}

func (m *mockProvider) next(req ChatRequest) ChatResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	i := m.calls
	m.calls++
	if i < len(m.responses) {
		return m.responses[i]
	}
	return ChatResponse{Content: "exhausted"}
}

func (m *mockProvider) request(i int) ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= len(m.requests) {
		return ChatRequest{}
	}
	return m.requests[i]
}

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) HealthCheck(_ context.Context) error { return nil }

func (m *mockProvider) Complete(_ context.Context, req ChatRequest) (ChatResponse, error) {
	return m.next(req), nil
}

func (m *mockProvider) Stream(_ context.Context, req ChatRequest, ch chan<- Chunk) (ChatResponse, error) {
	resp := m.next(req)
	if resp.Content != "" {
		ch <- TextChunk(resp.Content)
	}
	return resp, nil
}

var _ Provider = (*mockProvider)(nil)

// errProvider fails every call with a fixed error.
type errProvider struct {
	name string
	err  error
}

func (e *errProvider) Name() string                         { return e.name }
func (e *errProvider) HealthCheck(_ context.Context) error  { return e.err }
func (e *errProvider) Complete(_ context.Context, _ ChatRequest) (ChatResponse, error) {
	return ChatResponse{}, e.err
}
func (e *errProvider) Stream(_ context.Context, _ ChatRequest, _ chan<- Chunk) (ChatResponse, error) {
	return ChatResponse{}, e.err
}

var _ Provider = (*errProvider)(nil)

// --- Repository fake ---

// memRepo is an in-memory Repository. Call counters and failure
// injection let tests observe caching and degradation behavior.
type memRepo struct {
	mu      sync.Mutex
	convs   map[string]Conversation
	msgs    map[string][]Message
	facts   map[string][]MemoryFact
	similar []Message // canned SearchSimilar results
	vectors map[string][]float32

	factsCalls  int
	windowCalls int
	searchCalls int

	failAdd    error
	failRecent error
	failFacts  error
	failSearch error
}

func newMemRepo() *memRepo {
	return &memRepo{
		convs:   map[string]Conversation{},
		msgs:    map[string][]Message{},
		facts:   map[string][]MemoryFact{},
		vectors: map[string][]float32{},
	}
}

func (r *memRepo) seedConv(id, userID string) Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv := Conversation{ID: id, UserID: userID, CreatedAt: NowUnix(), UpdatedAt: NowUnix()}
	r.convs[id] = conv
	return conv
}

func (r *memRepo) CreateConversation(_ context.Context, conv Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.convs[conv.ID] = conv
	return nil
}

func (r *memRepo) GetConversation(_ context.Context, id string) (Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.convs[id]
	if !ok {
		return Conversation{}, Faultf(KindInvalidRequest, "memrepo.get_conversation", "conversation not found: %s", id)
	}
	return conv, nil
}

func (r *memRepo) UpdateSummary(_ context.Context, convID, summary string, lastSummarizedSeq int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv := r.convs[convID]
	conv.Summary = summary
	conv.LastSummarizedSeq = lastSummarizedSeq
	r.convs[convID] = conv
	return nil
}

func (r *memRepo) GetSummary(_ context.Context, convID string) (string, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv := r.convs[convID]
	return conv.Summary, conv.LastSummarizedSeq, nil
}

func (r *memRepo) AddMessage(_ context.Context, msg Message) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAdd != nil {
		return Message{}, r.failAdd
	}
	if msg.Seq == 0 {
		max := 0
		for _, m := range r.msgs[msg.ConversationID] {
			if m.Seq > max {
				max = m.Seq
			}
		}
		msg.Seq = max + 1
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = NowUnix()
	}
	r.msgs[msg.ConversationID] = append(r.msgs[msg.ConversationID], msg)
	return msg, nil
}

func (r *memRepo) RecentMessages(_ context.Context, convID string, limit int) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windowCalls++
	if r.failRecent != nil {
		return nil, r.failRecent
	}
	msgs := r.msgs[convID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (r *memRepo) UpdateMessageEmbedding(_ context.Context, msgID string, embedding []float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vectors[msgID] = embedding
	return nil
}

func (r *memRepo) SearchSimilar(_ context.Context, _ string, _ []float32, _ int, _ float32) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.searchCalls++
	if r.failSearch != nil {
		return nil, r.failSearch
	}
	out := make([]Message, len(r.similar))
	copy(out, r.similar)
	return out, nil
}

func (r *memRepo) UserFacts(_ context.Context, userID string) ([]MemoryFact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factsCalls++
	if r.failFacts != nil {
		return nil, r.failFacts
	}
	out := make([]MemoryFact, len(r.facts[userID]))
	copy(out, r.facts[userID])
	return out, nil
}

func (r *memRepo) messages(convID string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.msgs[convID]))
	copy(out, r.msgs[convID])
	return out
}

func (r *memRepo) Init(_ context.Context) error { return nil }
func (r *memRepo) Close() error                 { return nil }

var _ Repository = (*memRepo)(nil)

// --- Cache fakes ---

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
}

func newMemCache() *memCache {
	return &memCache{data: map[string][]byte{}}
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.data[key] = value
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

var _ Cache = (*memCache)(nil)

// failCache errors on every operation.
type failCache struct{}

func (failCache) Get(_ context.Context, _ string) ([]byte, bool, error) {
	return nil, false, errors.New("cache down")
}
func (failCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error {
	return errors.New("cache down")
}
func (failCache) Delete(_ context.Context, _ string) error {
	return errors.New("cache down")
}

var _ Cache = failCache{}

// --- Tool mocks ---

type mockTool struct{}

func (mockTool) Definitions() []ToolDescriptor {
	return []ToolDescriptor{{Name: "greet", Description: "Say hello"}}
}

func (mockTool) Execute(_ context.Context, name string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: "hello from " + name}, nil
}

// errTool fails hard: Execute returns an error.
type errTool struct{}

func (errTool) Definitions() []ToolDescriptor {
	return []ToolDescriptor{{Name: "fail", Description: "Always fails"}}
}

func (errTool) Execute(_ context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{}, errors.New("tool broken")
}

// softErrTool fails soft: Execute succeeds but the result carries an error.
type softErrTool struct{}

func (softErrTool) Definitions() []ToolDescriptor {
	return []ToolDescriptor{{Name: "flaky", Description: "Reports an error result"}}
}

func (softErrTool) Execute(_ context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{Error: "backend offline"}, nil
}

type multiTool struct{}

func (multiTool) Definitions() []ToolDescriptor {
	return []ToolDescriptor{
		{Name: "read", Description: "Read file"},
		{Name: "write", Description: "Write file"},
	}
}

func (multiTool) Execute(_ context.Context, name string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: "did " + name}, nil
}

// stubSource is a canned RemoteSource.
type stubSource struct {
	mu      sync.Mutex
	name    string
	tools   []ToolDescriptor
	listErr error
	callErr error
	called  []string
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) ListTools(_ context.Context) ([]ToolDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]ToolDescriptor, len(s.tools))
	copy(out, s.tools)
	return out, nil
}

func (s *stubSource) CallTool(_ context.Context, name string, _ json.RawMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called = append(s.called, name)
	if s.callErr != nil {
		return "", s.callErr
	}
	return "remote result from " + name, nil
}

var _ RemoteSource = (*stubSource)(nil)

// --- Embedding fakes ---

type mockEmbedding struct {
	mu    sync.Mutex
	calls int
}

func (m *mockEmbedding) Embed(_ context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, 4)
		v[0] = 1
		out[i] = v
	}
	return out, nil
}

func (m *mockEmbedding) Dimensions() int { return 4 }
func (m *mockEmbedding) Name() string    { return "mock-embed" }

var _ EmbeddingProvider = (*mockEmbedding)(nil)

type errEmbedding struct{}

func (errEmbedding) Embed(_ context.Context, _ []string) ([][]float32, error) {
	return nil, errors.New("embedding backend down")
}
func (errEmbedding) Dimensions() int { return 4 }
func (errEmbedding) Name() string    { return "err-embed" }

var _ EmbeddingProvider = errEmbedding{}
