package rondo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	// defaultMaxRounds caps the ReAct loop's LLM rounds.
	defaultMaxRounds = 8
	// defaultMaxWall caps the whole COMPLEX flow's wall-clock time.
	defaultMaxWall = 300 * time.Second
	// synthesisTimeout bounds the forced synthesis round that runs after
	// the wall-clock cap fires.
	synthesisTimeout = 60 * time.Second
)

// maxToolResultMessageLen is the maximum rune length for a tool result
// kept in the working message list. Results beyond it are truncated with
// a marker so the model knows content was trimmed. Prevents unbounded
// context growth from tools that return very large outputs.
const maxToolResultMessageLen = 100_000 // ~25K tokens

// Executor runs the Plan+ReAct loop for COMPLEX turns: guide the model
// through the plan, execute its tool calls sequentially, observe, and
// repeat until it answers or a cap fires.
type Executor struct {
	provider  Provider
	registry  *Registry
	tracer    Tracer
	logger    *slog.Logger
	maxRounds int
	maxWall   time.Duration
	// observeTool reports per-call duration and outcome for metrics.
	observeTool func(name string, d time.Duration, err error)
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets a structured logger. Defaults to discard.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithExecutorTracer enables span creation around rounds and tool calls.
func WithExecutorTracer(t Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// WithExecutorCaps overrides the round and wall-clock caps. Zero values
// keep the defaults (8 rounds, 300 s).
func WithExecutorCaps(rounds int, wall time.Duration) ExecutorOption {
	return func(e *Executor) {
		if rounds > 0 {
			e.maxRounds = rounds
		}
		if wall > 0 {
			e.maxWall = wall
		}
	}
}

// WithToolObserver installs a per-tool-call metrics callback.
func WithToolObserver(fn func(name string, d time.Duration, err error)) ExecutorOption {
	return func(e *Executor) { e.observeTool = fn }
}

// NewExecutor creates an Executor over the given provider and registry.
func NewExecutor(provider Provider, registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		provider:  provider,
		registry:  registry,
		logger:    NopLogger(),
		maxRounds: defaultMaxRounds,
		maxWall:   defaultMaxWall,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ExecRequest is one COMPLEX turn handed to the executor.
type ExecRequest struct {
	Model       string
	Temperature float64
	MaxTokens   int
	// Messages is the composed context: system prompt at position 0,
	// then the sliding window ending in the user's message.
	Messages []ChatMessage
	Plan     []string
	Tools    []ToolDescriptor
}

// Run drives the loop. Chunks (status, content) are emitted on ch; the
// channel stays open — the orchestrator owns its lifecycle and terminal
// chunk. The returned response carries the final answer text and the
// aggregate usage of every round. Tool failures are recovered in-loop;
// the returned error is fatal (provider or persistence).
func (e *Executor) Run(ctx context.Context, req ExecRequest, log *TurnLog, ch chan<- Chunk) (ChatResponse, error) {
	var total Usage

	wallCtx, cancel := context.WithTimeout(ctx, e.maxWall)
	defer cancel()

	planLen := len(req.Plan)
	sendChunk(ctx, ch, StatusChunk(formatPlan(req.Plan)))

	messages := injectAgenticPrompt(req.Messages, req.Plan, req.Tools, e.maxRounds)
	messages = append(messages, UserMessage(stepGuidance(1, req.Plan)))

	workTools := req.Tools
	var seenText strings.Builder
	step := 1

	for round := 0; round < e.maxRounds; round++ {
		if wallCtx.Err() != nil {
			break // wall clock spent, force synthesis
		}
		roundCtx := wallCtx
		var span Span
		if e.tracer != nil {
			roundCtx, span = e.tracer.Start(wallCtx, "executor.round",
				IntAttr("round", round),
				IntAttr("tool_count", len(workTools)))
		}

		resp, err := streamBuffered(roundCtx, e.provider, ChatRequest{
			Model:       req.Model,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			Messages:    messages,
			Tools:       workTools,
		})
		if span != nil {
			span.End()
		}
		if err != nil {
			if wallCtx.Err() != nil && ctx.Err() == nil {
				break // timeout mid-round, force synthesis
			}
			return ChatResponse{}, err
		}
		total.Add(resp.Usage)
		SurfaceLooseToolCall(&resp)

		// No tool calls — the accumulated text is the final answer.
		if len(resp.ToolCalls) == 0 {
			if resp.Content != "" {
				sendChunk(ctx, ch, TextChunk(resp.Content))
			}
			resp.Usage = total
			return resp, nil
		}

		messages = append(messages, ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		seenText.WriteString(resp.Content)
		if err := log.Assistant(ctx, resp.Content, resp.ToolCalls); err != nil {
			return ChatResponse{}, err
		}

		display := step
		if display > planLen {
			display = planLen
		}
		for _, tc := range resp.ToolCalls {
			sendChunk(ctx, ch, StatusChunk(fmt.Sprintf("Step %d/%d: Calling %s...", display, planLen, tc.Name)))
			content, callErr := e.invoke(wallCtx, tc)
			if callErr != nil {
				content = fmt.Sprintf("Error executing %s: %s", tc.Name, faultReason(callErr))
				sendChunk(ctx, ch, StatusChunk(fmt.Sprintf("Step %d/%d: %s ❌", display, planLen, tc.Name)))
			} else {
				sendChunk(ctx, ch, StatusChunk(fmt.Sprintf("Step %d/%d: %s ✅", display, planLen, tc.Name)))
			}
			messages = append(messages, ToolResultMessage(tc.ID, clipToolResult(content)))
			if err := log.Tool(ctx, tc.ID, content); err != nil {
				return ChatResponse{}, err
			}
		}
		step++

		workTools = e.expandScope(workTools, seenText.String())
		messages = append(messages, UserMessage(stepGuidance(step, req.Plan)))
	}

	// Cap or timeout reached — one final synthesis round without tools.
	e.logger.Warn("executor: cap reached, forcing synthesis",
		"rounds", e.maxRounds, "plan_steps", planLen)
	messages = append(messages, UserMessage(
		"You have used all available tool calls. Summarize what you found and respond to the user."))

	synthCtx, synthCancel := context.WithTimeout(ctx, synthesisTimeout)
	defer synthCancel()
	resp, err := streamLive(synthCtx, e.provider, ChatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Messages:    messages,
	}, ch)
	if err != nil {
		return ChatResponse{}, err
	}
	total.Add(resp.Usage)
	resp.Usage = total
	return resp, nil
}

// streamBuffered runs a streamed call and discards the deltas: tool
// rounds only surface their text once the round's outcome is known, so
// model output that turns out to be a tool call is never shown.
func streamBuffered(ctx context.Context, p Provider, req ChatRequest) (ChatResponse, error) {
	sink := make(chan Chunk, 64)
	drained := make(chan struct{})
	go func() {
		for range sink {
		}
		close(drained)
	}()
	resp, err := p.Stream(ctx, req, sink)
	close(sink)
	<-drained
	return resp, err
}

// streamLive runs a streamed call forwarding text deltas to out.
func streamLive(ctx context.Context, p Provider, req ChatRequest, out chan<- Chunk) (ChatResponse, error) {
	sink := make(chan Chunk, 64)
	drained := make(chan struct{})
	go func() {
		for c := range sink {
			if c.Content != "" {
				sendChunk(ctx, out, TextChunk(c.Content))
			}
		}
		close(drained)
	}()
	resp, err := p.Stream(ctx, req, sink)
	close(sink)
	<-drained
	return resp, err
}

// invoke resolves and executes one tool call, reporting duration and
// outcome to the metrics observer.
func (e *Executor) invoke(ctx context.Context, tc ToolCall) (string, error) {
	start := time.Now()
	var content string
	handle, err := e.registry.Resolve(tc.Name)
	if err == nil {
		content, err = handle.Invoke(ctx, tc.Args)
	}
	if e.observeTool != nil {
		e.observeTool(tc.Name, time.Since(start), err)
	}
	if err != nil {
		e.logger.Warn("executor: tool call failed", "tool", tc.Name, "error", err)
		return "", err
	}
	return content, nil
}

// expandScope widens the working tool list mid-loop: categories whose
// keywords the model mentioned get their tools attached, up to the
// agentic cap.
func (e *Executor) expandScope(current []ToolDescriptor, seenText string) []ToolDescriptor {
	if len(current) >= AgenticToolCap || seenText == "" {
		return current
	}
	have := make(map[string]bool, len(current))
	for _, d := range current {
		have[d.Name] = true
	}
	out := current
	for _, cat := range e.registry.MatchCategories(seenText) {
		for _, d := range e.registry.ByCategory(cat) {
			if have[d.Name] {
				continue
			}
			if len(out) >= AgenticToolCap {
				return out
			}
			have[d.Name] = true
			out = append(out, d)
			e.logger.Debug("executor: tool scope expanded", "tool", d.Name, "category", cat)
		}
	}
	return out
}

// formatPlan renders the numbered plan status line.
func formatPlan(plan []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan (%d steps):", len(plan))
	for i, s := range plan {
		fmt.Fprintf(&b, "\n%d. %s", i+1, s)
	}
	return b.String()
}

// injectAgenticPrompt extends the system message with the plan, the
// allowed tools, and the round budget.
func injectAgenticPrompt(messages []ChatMessage, plan []string, tools []ToolDescriptor, maxRounds int) []ChatMessage {
	names := make([]string, len(tools))
	for i, d := range tools {
		names[i] = d.Name
	}
	var b strings.Builder
	b.WriteString("\n\nYou are executing a plan step by step.\n")
	b.WriteString(formatPlan(plan))
	fmt.Fprintf(&b, "\nAllowed tools: %s.", strings.Join(names, ", "))
	fmt.Fprintf(&b, "\nYou have at most %d tool rounds. ", maxRounds)
	b.WriteString("At each step call the tool the step needs, or write the final answer when the plan is complete. Do not repeat completed steps.")

	out := make([]ChatMessage, len(messages))
	copy(out, messages)
	if len(out) > 0 && out[0].Role == "system" {
		out[0].Content += b.String()
		return out
	}
	return append([]ChatMessage{SystemMessage(strings.TrimSpace(b.String()))}, out...)
}

// stepGuidance names the step the model should work on next, or asks for
// synthesis once the plan is exhausted.
func stepGuidance(step int, plan []string) string {
	if step > len(plan) {
		return "All plan steps are complete. Write the final answer for the user now, without calling any more tools."
	}
	return fmt.Sprintf("Current step %d of %d: %s\nCall a tool if this step needs one, or answer directly if you already have everything.",
		step, len(plan), plan[step-1])
}

// clipToolResult bounds a tool result before it enters the working
// message list.
func clipToolResult(s string) string {
	if len([]rune(s)) <= maxToolResultMessageLen {
		return s
	}
	return truncateStr(s, maxToolResultMessageLen) + "\n\n[output truncated — original was longer]"
}

// sendChunk delivers c unless the turn is cancelled. Reports delivery.
func sendChunk(ctx context.Context, ch chan<- Chunk, c Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// faultReason extracts the short human-readable reason from an error.
func faultReason(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Detail
	}
	return err.Error()
}
