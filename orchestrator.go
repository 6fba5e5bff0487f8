package rondo

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Tool scope caps per dispatch mode.
const (
	// OneShotToolCap bounds the tool list for SIMPLE turns.
	OneShotToolCap = 5
	// AgenticToolCap bounds the tool list for COMPLEX turns, including
	// mid-loop expansion.
	AgenticToolCap = 8
)

// Request is one user turn.
type Request struct {
	// ConversationID selects the conversation. Empty starts a new one;
	// a non-empty id that does not exist fails with InvalidRequest.
	ConversationID string
	UserID         string
	Text           string
	Attachments    []Attachment
	// Model overrides the orchestrator's default chat model.
	Model       string
	Temperature float64
	MaxTokens   int
}

// Orchestrator drives a user turn end to end: persist, classify, select
// tools, dispatch one-shot or Plan+ReAct, stream the result, persist the
// outcome, and schedule background work.
type Orchestrator struct {
	provider    Provider
	repo        Repository
	registry    *Registry
	composer    *Composer
	executor    *Executor
	embedding   EmbeddingProvider // nil disables background embeddings
	transcriber Transcriber       // nil disables on-the-fly transcription

	model           string
	visionModel     string
	classifierModel string
	temperature     float64
	maxTokens       int

	tracer Tracer
	logger *slog.Logger

	// observeTurn reports per-turn classification and duration.
	observeTurn func(intent, complexity string, d time.Duration, err error)

	// convLocks serializes the persist step per conversation so turn k+1
	// never starts before turn k's user message is durable.
	convLocks sync.Map // conversation id → *sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets a structured logger. Defaults to discard.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithTracer enables span creation around turns.
func WithTracer(t Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithVisionModel sets the model used when a turn carries images.
func WithVisionModel(model string) Option {
	return func(o *Orchestrator) { o.visionModel = model }
}

// WithClassifierModel sets the model for classification and planning.
// Defaults to the chat model.
func WithClassifierModel(model string) Option {
	return func(o *Orchestrator) { o.classifierModel = model }
}

// WithEmbedding enables background embedding of persisted messages.
func WithEmbedding(e EmbeddingProvider) Option {
	return func(o *Orchestrator) { o.embedding = e }
}

// WithTranscriber enables transcription of audio/video attachments that
// arrive without one.
func WithTranscriber(t Transcriber) Option {
	return func(o *Orchestrator) { o.transcriber = t }
}

// WithDefaults sets the default generation parameters for turns that do
// not override them.
func WithDefaults(temperature float64, maxTokens int) Option {
	return func(o *Orchestrator) {
		o.temperature = temperature
		o.maxTokens = maxTokens
	}
}

// WithTurnObserver installs a per-turn metrics callback.
func WithTurnObserver(fn func(intent, complexity string, d time.Duration, err error)) Option {
	return func(o *Orchestrator) { o.observeTurn = fn }
}

// New creates an Orchestrator. The composition root owns every
// collaborator and their shutdown order: callers, then orchestrator,
// then providers, then tool clients, then cache.
func New(provider Provider, repo Repository, registry *Registry, composer *Composer, executor *Executor, model string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		provider: provider,
		repo:     repo,
		registry: registry,
		composer: composer,
		executor: executor,
		model:    model,
		logger:   NopLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.classifierModel == "" {
		o.classifierModel = o.model
	}
	return o
}

// Respond runs one turn, emitting chunks on ch and closing it when the
// turn ends. The terminal chunk is either done=true with usage, or a
// single error chunk. The returned error mirrors the error chunk.
func (o *Orchestrator) Respond(ctx context.Context, req Request, ch chan<- Chunk) error {
	start := time.Now()

	// Close exactly once on every exit path.
	var closeOnce sync.Once
	defer closeOnce.Do(func() { close(ch) })

	if o.tracer != nil {
		var span Span
		ctx, span = o.tracer.Start(ctx, "orchestrator.turn",
			StringAttr("user", req.UserID))
		defer span.End()
	}

	res, err := o.runTurn(ctx, req, ch)
	if o.observeTurn != nil {
		o.observeTurn(res.cls.Intent, res.cls.Complexity, time.Since(start), err)
	}
	if err != nil {
		o.logger.Error("orchestrator: turn failed",
			"conversation", res.convID, "user", req.UserID, "error", err)
		c := ErrorChunk(err)
		c.ConversationID = res.convID
		sendChunk(context.WithoutCancel(ctx), ch, c)
		return err
	}
	sendChunk(ctx, ch, Chunk{Done: true, Usage: &res.usage, ConversationID: res.convID})
	o.logger.Info("orchestrator: turn complete",
		"conversation", res.convID,
		"intent", res.cls.Intent,
		"complexity", res.cls.Complexity,
		"input_tokens", res.usage.InputTokens,
		"output_tokens", res.usage.OutputTokens,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

type turnResult struct {
	convID string
	usage  Usage
	cls    Classification
}

func (o *Orchestrator) runTurn(ctx context.Context, req Request, ch chan<- Chunk) (turnResult, error) {
	res := turnResult{cls: Classification{Intent: CategoryGeneral, Complexity: ComplexitySimple}}

	if strings.TrimSpace(req.UserID) == "" {
		return res, Faultf(KindInvalidRequest, "orchestrator.turn", "user id is required")
	}
	if strings.TrimSpace(req.Text) == "" && len(req.Attachments) == 0 {
		return res, Faultf(KindInvalidRequest, "orchestrator.turn", "message is empty")
	}

	conv, err := o.resolveConversation(ctx, req)
	if err != nil {
		return res, err
	}
	res.convID = conv.ID

	// Persist the user message before anything else. Serialized per
	// conversation so sequence numbers stay gap-free across turns.
	userMsg, lastSeq, err := o.persistUserMessage(ctx, conv.ID, req.Text)
	if err != nil {
		return res, err
	}
	log := NewTurnLog(o.repo, conv.ID, lastSeq, o.logger)

	// Attachment handling: images switch the model, audio/video inject
	// their transcription into the working text (once).
	model := req.Model
	if model == "" {
		model = o.model
	}
	text, images, model := o.applyAttachments(ctx, req, model)
	hasMedia := len(req.Attachments) > 0

	mc, err := o.composer.Load(ctx, conv.ID, req.UserID, text)
	if err != nil {
		return res, err
	}

	if !hasMedia {
		cls, err := Classify(ctx, o.provider, o.classifierModel, text, o.registry)
		if err != nil {
			return res, err
		}
		res.cls = cls
	}

	toolCap := OneShotToolCap
	if res.cls.Complexity == ComplexityComplex {
		toolCap = AgenticToolCap
	}
	tools := o.registry.FilterForQuery(res.cls.Intent, text, toolCap)
	if res.cls.Complexity == ComplexityComplex && len(tools) == 0 {
		// A plan without tools is an essay with extra steps.
		res.cls.Complexity = ComplexitySimple
	}

	system := mc.SystemPrompt(taskPrompt(res.cls.Intent, len(tools) > 0))
	messages := withWorkingUserMessage(ComposeMessages(system, mc.Window), text, images)

	temperature := req.Temperature
	if temperature == 0 {
		temperature = o.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = o.maxTokens
	}

	var final ChatResponse
	turnStart := time.Now()
	if res.cls.Complexity == ComplexityComplex {
		plan, perr := BuildPlan(ctx, o.provider, o.classifierModel, text, tools)
		if perr != nil {
			return res, perr
		}
		final, err = o.executor.Run(ctx, ExecRequest{
			Model:       model,
			Temperature: temperature,
			MaxTokens:   maxTokens,
			Messages:    messages,
			Plan:        plan,
			Tools:       tools,
		}, log, ch)
	} else {
		final, err = o.oneShot(ctx, ChatRequest{
			Model:       model,
			Temperature: temperature,
			MaxTokens:   maxTokens,
			Messages:    messages,
			Tools:       tools,
		}, log, ch)
	}
	if err != nil {
		return res, err
	}
	final.Model = model
	final.LatencyMS = time.Since(turnStart).Milliseconds()

	asstMsg, err := log.AssistantFinal(ctx, final)
	if err != nil {
		return res, err
	}

	// The cached fragments are stale the moment new messages land.
	bg := context.WithoutCancel(ctx)
	o.composer.InvalidateContext(bg, conv.ID)

	// Embeddings are fire-and-forget; the turn does not wait.
	go o.embedMessages(bg, userMsg, asstMsg)

	// Summarization runs inline and may add latency to the terminal
	// chunk; its failures are swallowed.
	o.composer.MaybeSummarize(bg, conv.ID, asstMsg.Seq)

	res.usage = final.Usage
	return res, nil
}

// resolveConversation loads the conversation, or creates one when no id
// was supplied. A supplied-but-unknown id is the caller's mistake.
func (o *Orchestrator) resolveConversation(ctx context.Context, req Request) (Conversation, error) {
	if req.ConversationID == "" {
		conv := Conversation{
			ID:        NewID(),
			UserID:    req.UserID,
			Title:     truncateStr(strings.TrimSpace(req.Text), 80),
			CreatedAt: NowUnix(),
			UpdatedAt: NowUnix(),
		}
		if err := o.repo.CreateConversation(ctx, conv); err != nil {
			return Conversation{}, WrapFault(KindRepositoryFailed, "orchestrator.create_conversation", err)
		}
		o.logger.Info("orchestrator: conversation created", "conversation", conv.ID, "user", req.UserID)
		return conv, nil
	}
	conv, err := o.repo.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return Conversation{}, err
	}
	if conv.UserID != req.UserID {
		return Conversation{}, Faultf(KindInvalidRequest, "orchestrator.conversation", "conversation %s does not belong to user", req.ConversationID)
	}
	return conv, nil
}

// persistUserMessage appends the user message at the next sequence
// number. Idempotent: a retry whose text equals the latest user message
// reuses it instead of duplicating. Returns the message and the latest
// sequence number in the conversation after the call.
func (o *Orchestrator) persistUserMessage(ctx context.Context, convID, text string) (Message, int, error) {
	muAny, _ := o.convLocks.LoadOrStore(convID, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	recent, err := o.repo.RecentMessages(ctx, convID, 1)
	if err != nil {
		return Message{}, 0, WrapFault(KindRepositoryFailed, "orchestrator.persist_user", err)
	}
	lastSeq := 0
	if len(recent) > 0 {
		lastSeq = recent[len(recent)-1].Seq
		last := recent[len(recent)-1]
		if last.Role == "user" && last.Content == text {
			return last, lastSeq, nil
		}
	}

	msg, err := o.repo.AddMessage(context.WithoutCancel(ctx), Message{
		ID:             NewID(),
		ConversationID: convID,
		Role:           "user",
		Content:        text,
		Seq:            lastSeq + 1,
	})
	if err != nil {
		return Message{}, 0, WrapFault(KindRepositoryFailed, "orchestrator.persist_user", err)
	}
	return msg, msg.Seq, nil
}

// applyAttachments computes the working text, image payloads, and
// effective model for a turn with media.
func (o *Orchestrator) applyAttachments(ctx context.Context, req Request, model string) (string, []ImageData, string) {
	text := req.Text
	var images []ImageData
	injected := false
	for _, a := range req.Attachments {
		switch {
		case a.IsImage():
			if o.visionModel != "" {
				model = o.visionModel
			}
			images = append(images, ImageData{MimeType: a.MimeType, Base64: base64.StdEncoding.EncodeToString(a.Data)})
		case a.IsAudioVideo():
			if injected {
				continue
			}
			tr := a.Transcription
			if tr == "" && o.transcriber != nil {
				var err error
				tr, err = o.transcriber.Transcribe(ctx, a.MimeType, a.Data)
				if err != nil {
					o.logger.Warn("orchestrator: transcription failed", "mime", a.MimeType, "error", err)
					continue
				}
			}
			if tr != "" {
				text = strings.TrimSpace(text + "\n\n[Audio transcription]: " + tr)
				injected = true
			}
		}
	}
	return text, images, model
}

// withWorkingUserMessage makes the trailing user message carry the
// working text and images. The persisted window holds the original text;
// transcriptions and image payloads exist only in the working copy.
func withWorkingUserMessage(messages []ChatMessage, text string, images []ImageData) []ChatMessage {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			messages[i].Content = text
			messages[i].Images = images
			return messages
		}
		if messages[i].Role == "assistant" {
			break
		}
	}
	return append(messages, ChatMessage{Role: "user", Content: text, Images: images})
}

// oneShot handles SIMPLE turns: one streamed round with tools, then, if
// the model called any, sequential execution and one synthesis round
// without tools.
func (o *Orchestrator) oneShot(ctx context.Context, req ChatRequest, log *TurnLog, ch chan<- Chunk) (ChatResponse, error) {
	var total Usage

	if len(req.Tools) == 0 {
		resp, err := streamLive(ctx, o.provider, req, ch)
		if err != nil {
			return ChatResponse{}, err
		}
		return resp, nil
	}

	resp, err := streamBuffered(ctx, o.provider, req)
	if err != nil {
		return ChatResponse{}, err
	}
	total.Add(resp.Usage)
	SurfaceLooseToolCall(&resp)

	if len(resp.ToolCalls) == 0 {
		if resp.Content != "" {
			sendChunk(ctx, ch, TextChunk(resp.Content))
		}
		resp.Usage = total
		return resp, nil
	}

	if err := log.Assistant(ctx, resp.Content, resp.ToolCalls); err != nil {
		return ChatResponse{}, err
	}
	messages := append(req.Messages, ChatMessage{
		Role:      "assistant",
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	})
	for _, tc := range resp.ToolCalls {
		sendChunk(ctx, ch, StatusChunk(fmt.Sprintf("Executing %s…", tc.Name)))
		content, callErr := o.executor.invoke(ctx, tc)
		if callErr != nil {
			content = fmt.Sprintf("Error executing %s: %s", tc.Name, faultReason(callErr))
		}
		messages = append(messages, ToolResultMessage(tc.ID, clipToolResult(content)))
		if err := log.Tool(ctx, tc.ID, content); err != nil {
			return ChatResponse{}, err
		}
	}

	synth, err := streamLive(ctx, o.provider, ChatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Messages:    messages,
	}, ch)
	if err != nil {
		return ChatResponse{}, err
	}
	total.Add(synth.Usage)
	synth.Usage = total
	return synth, nil
}

// embedMessages computes and stores embeddings for persisted messages.
// Runs detached from the turn; failures are logged, never surfaced.
func (o *Orchestrator) embedMessages(ctx context.Context, msgs ...Message) {
	if o.embedding == nil {
		return
	}
	texts := make([]string, 0, len(msgs))
	keep := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		texts = append(texts, m.Content)
		keep = append(keep, m)
	}
	if len(texts) == 0 {
		return
	}
	embs, err := o.embedding.Embed(ctx, texts)
	if err != nil {
		o.logger.Warn("orchestrator: embedding failed",
			"error", WrapFault(KindEmbeddingFailed, "orchestrator.embed", err))
		return
	}
	for i, m := range keep {
		if i >= len(embs) {
			break
		}
		if err := o.repo.UpdateMessageEmbedding(ctx, m.ID, embs[i]); err != nil {
			o.logger.Warn("orchestrator: embedding write failed", "message", m.ID, "error", err)
		}
	}
}

// taskPrompt picks the base system prompt for (intent, tools-available).
func taskPrompt(intent string, hasTools bool) string {
	if !hasTools {
		return "You are a helpful assistant. Answer directly, accurately, and concisely."
	}
	if intent == CategoryGeneral {
		return "You are a helpful assistant with tools. Call a tool when it gets you facts you do not have; otherwise answer directly."
	}
	return fmt.Sprintf("You are a helpful assistant handling a %s task. Use the available tools to ground your answer in real data before responding.",
		strings.ToLower(intent))
}

// --- TurnLog ---

// TurnLog appends a turn's messages to the repository with gap-free
// sequence numbers. Writes run on a detached context: once work
// completed, its persistence finishes even if the caller disconnects.
type TurnLog struct {
	repo   Repository
	convID string
	seq    int
	logger *slog.Logger
}

// NewTurnLog starts a log at the given last-used sequence number.
func NewTurnLog(repo Repository, convID string, lastSeq int, logger *slog.Logger) *TurnLog {
	if logger == nil {
		logger = NopLogger()
	}
	return &TurnLog{repo: repo, convID: convID, seq: lastSeq, logger: logger}
}

func (l *TurnLog) append(ctx context.Context, msg Message) (Message, error) {
	l.seq++
	msg.ID = NewID()
	msg.ConversationID = l.convID
	msg.Seq = l.seq
	stored, err := l.repo.AddMessage(context.WithoutCancel(ctx), msg)
	if err != nil {
		l.seq--
		return Message{}, WrapFault(KindRepositoryFailed, "turnlog.append", err)
	}
	return stored, nil
}

// Assistant persists an intermediate assistant message with tool calls.
func (l *TurnLog) Assistant(ctx context.Context, content string, calls []ToolCall) error {
	_, err := l.append(ctx, Message{Role: "assistant", Content: content, ToolCalls: calls})
	return err
}

// Tool persists a tool result message bound to its originating call.
func (l *TurnLog) Tool(ctx context.Context, callID, content string) error {
	_, err := l.append(ctx, Message{Role: "tool", Content: content, ToolCallID: callID})
	return err
}

// AssistantFinal persists the turn's final assistant message with its
// usage, model, and latency.
func (l *TurnLog) AssistantFinal(ctx context.Context, resp ChatResponse) (Message, error) {
	return l.append(ctx, Message{
		Role:             "assistant",
		Content:          resp.Content,
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		Model:            resp.Model,
		LatencyMS:        resp.LatencyMS,
		FinishReason:     resp.FinishReason,
	})
}

// Seq returns the last assigned sequence number.
func (l *TurnLog) Seq() int { return l.seq }
