// Package gemini implements the Google Gemini chat and embedding providers.
package gemini

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vessar/rondo"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini implements rondo.Provider for Google Gemini models.
type Gemini struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client

	topP            float64
	thinkingEnabled bool
	googleSearch    bool
	urlContext      bool
}

// New creates a new Gemini chat provider. model is the fallback for
// requests that leave Model empty.
func New(apiKey, model string, opts ...Option) *Gemini {
	g := &Gemini{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{},
		topP:       0.9,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name returns "gemini".
func (g *Gemini) Name() string { return "gemini" }

// Complete sends a non-streaming generateContent request and returns the
// complete response.
func (g *Gemini) Complete(ctx context.Context, req rondo.ChatRequest) (rondo.ChatResponse, error) {
	const op = "gemini.complete"
	start := time.Now()

	model := g.resolveModel(req.Model)
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, model, g.apiKey)

	respBody, err := g.post(ctx, url, g.buildBody(req), op)
	if err != nil {
		return rondo.ChatResponse{}, err
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return rondo.ChatResponse{}, rondo.Faultf(rondo.KindProviderProtocol, op, "parse response: %v", err)
	}
	if len(parsed.Candidates) == 0 {
		return rondo.ChatResponse{}, rondo.Faultf(rondo.KindProviderProtocol, op, "response contained no candidates")
	}

	out := parseCandidates(parsed)
	out.Model = model
	out.LatencyMS = time.Since(start).Milliseconds()
	return out, nil
}

// Stream sends a streamGenerateContent request, emits text deltas on ch,
// and returns the final accumulated response with assembled tool calls.
// ch is never closed here; the caller owns the channel.
func (g *Gemini) Stream(ctx context.Context, req rondo.ChatRequest, ch chan<- rondo.Chunk) (rondo.ChatResponse, error) {
	const op = "gemini.stream"
	start := time.Now()

	model := g.resolveModel(req.Model)
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", g.baseURL, model, g.apiKey)

	payload, err := json.Marshal(g.buildBody(req))
	if err != nil {
		return rondo.ChatResponse{}, rondo.Faultf(rondo.KindInvalidRequest, op, "marshal body: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return rondo.ChatResponse{}, rondo.Faultf(rondo.KindInvalidRequest, op, "create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return rondo.ChatResponse{}, rondo.WrapFault(rondo.KindProviderUnavailable, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 32<<10))
		return rondo.ChatResponse{}, g.httpErr(resp, string(b), op)
	}

	acc := &streamAccumulator{}

	scanner := bufio.NewScanner(resp.Body)
	// Large buffer for SSE payloads; a single chunk can carry several MB.
	scanner.Buffer(make([]byte, 0, 16*1024*1024), 16*1024*1024)

	// Gemini occasionally splits one JSON payload across SSE lines, so
	// incomplete values are buffered until the braces balance.
	var jsonBuf strings.Builder

	for scanner.Scan() {
		line := scanner.Text()

		if !strings.HasPrefix(line, "data: ") {
			if jsonBuf.Len() > 0 {
				jsonBuf.WriteString(line)
				if isCompleteJSON(jsonBuf.String()) {
					if err := acc.process(ctx, jsonBuf.String(), ch); err != nil {
						return rondo.ChatResponse{}, err
					}
					jsonBuf.Reset()
				}
			}
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "" {
			continue
		}

		if isCompleteJSON(data) {
			if err := acc.process(ctx, data, ch); err != nil {
				return rondo.ChatResponse{}, err
			}
		} else {
			jsonBuf.Reset()
			jsonBuf.WriteString(data)
		}
	}

	if err := scanner.Err(); err != nil {
		return rondo.ChatResponse{}, rondo.WrapFault(rondo.KindProviderUnavailable, op, err)
	}

	if jsonBuf.Len() > 0 && isCompleteJSON(jsonBuf.String()) {
		if err := acc.process(ctx, jsonBuf.String(), ch); err != nil {
			return rondo.ChatResponse{}, err
		}
	}

	out := acc.response()
	out.Model = model
	out.LatencyMS = time.Since(start).Milliseconds()
	return out, nil
}

// HealthCheck fetches the configured model's metadata, the cheapest
// authenticated probe the API offers.
func (g *Gemini) HealthCheck(ctx context.Context) error {
	const op = "gemini.health"

	url := fmt.Sprintf("%s/models/%s?key=%s", g.baseURL, g.model, g.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return rondo.Faultf(rondo.KindInvalidRequest, op, "create request: %v", err)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return rondo.WrapFault(rondo.KindProviderUnavailable, op, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode != http.StatusOK {
		return rondo.Faultf(rondo.KindProviderUnavailable, op, "model endpoint returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (g *Gemini) resolveModel(model string) string {
	if model != "" {
		return model
	}
	return g.model
}

// post sends a JSON body and returns the raw response bytes, classifying
// transport and status failures.
func (g *Gemini) post(ctx context.Context, url string, body map[string]any, op string) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, rondo.Faultf(rondo.KindInvalidRequest, op, "marshal body: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return nil, rondo.Faultf(rondo.KindInvalidRequest, op, "create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, rondo.WrapFault(rondo.KindProviderUnavailable, op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, rondo.WrapFault(rondo.KindProviderUnavailable, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, g.httpErr(resp, string(respBody), op)
	}
	return respBody, nil
}

// httpErr returns a classified Fault wrapping an ErrHTTP. The retry delay
// comes from the Retry-After header or from the Gemini-specific
// google.rpc.RetryInfo detail in the JSON error body.
func (g *Gemini) httpErr(resp *http.Response, body, op string) error {
	ra := rondo.ParseRetryAfter(resp.Header.Get("Retry-After"))
	if ra == 0 {
		ra = parseRetryInfo(body)
	}

	kind := rondo.KindProviderProtocol
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		kind = rondo.KindProviderUnavailable
	}

	return &rondo.Fault{
		Kind:   kind,
		Op:     op,
		Detail: fmt.Sprintf("gemini returned HTTP %d", resp.StatusCode),
		Err: &rondo.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       body,
			RetryAfter: ra,
		},
	}
}

// parseRetryInfo extracts the retryDelay from a Gemini error body containing
// a google.rpc.RetryInfo detail. Returns 0 if not found or unparseable.
func parseRetryInfo(body string) time.Duration {
	var envelope struct {
		Error struct {
			Details []json.RawMessage `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(body), &envelope) != nil {
		return 0
	}
	for _, raw := range envelope.Error.Details {
		var detail struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		}
		if json.Unmarshal(raw, &detail) != nil {
			continue
		}
		if detail.Type == "type.googleapis.com/google.rpc.RetryInfo" && detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
				return d
			}
		}
	}
	return 0
}

// ---- Body builder ----

// buildBody constructs the Gemini API request body. System messages
// collapse into systemInstruction, assistant maps to the model role, and
// tool results become functionResponse parts.
func (g *Gemini) buildBody(req rondo.ChatRequest) map[string]any {
	var systemParts []string
	var contents []map[string]any

	for _, m := range req.Messages {
		switch {
		case m.Role == "system":
			systemParts = append(systemParts, m.Content)

		case len(m.ToolCalls) > 0:
			// Assistant message with tool calls -> model role with functionCall parts.
			parts := make([]map[string]any, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				// Parse args from json.RawMessage into a generic map so Gemini gets an object.
				var args any
				if len(tc.Args) > 0 {
					if err := json.Unmarshal(tc.Args, &args); err != nil {
						args = map[string]any{}
					}
				} else {
					args = map[string]any{}
				}

				parts = append(parts, map[string]any{
					"functionCall": map[string]any{
						"name": tc.Name,
						"args": args,
					},
				})
			}
			contents = append(contents, map[string]any{
				"role":  "model",
				"parts": parts,
			})

		case m.Role == "tool":
			// Tool result message -> user role with functionResponse part.
			// ToolCallID carries the function name; Gemini has no call IDs.
			contents = append(contents, map[string]any{
				"role": "user",
				"parts": []map[string]any{
					{
						"functionResponse": map[string]any{
							"name": m.ToolCallID,
							"response": map[string]any{
								"result": m.Content,
							},
						},
					},
				},
			})

		default:
			// Regular user or assistant message.
			var parts []map[string]any

			if m.Content != "" {
				parts = append(parts, map[string]any{"text": m.Content})
			}

			for _, img := range m.Images {
				parts = append(parts, map[string]any{
					"inlineData": map[string]any{
						"mimeType": img.MimeType,
						"data":     img.Base64,
					},
				})
			}

			// Gemini requires at least one part.
			if len(parts) == 0 {
				parts = append(parts, map[string]any{"text": ""})
			}

			contents = append(contents, map[string]any{
				"role":  mapRole(m.Role),
				"parts": parts,
			})
		}
	}

	body := map[string]any{
		"contents": contents,
	}

	// System instruction from accumulated system messages.
	if len(systemParts) > 0 {
		combined := strings.Join(systemParts, "\n\n")
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{
				{"text": combined},
			},
		}
	}

	// Tool entries: function declarations, grounding, URL context.
	var toolEntries []map[string]any

	if len(req.Tools) > 0 {
		declarations := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			var params any
			if len(t.Parameters) > 0 {
				if err := json.Unmarshal(t.Parameters, &params); err != nil {
					params = map[string]any{}
				}
			} else {
				params = map[string]any{}
			}
			declarations = append(declarations, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			})
		}
		toolEntries = append(toolEntries, map[string]any{
			"functionDeclarations": declarations,
		})
	}

	if g.googleSearch {
		toolEntries = append(toolEntries, map[string]any{
			"googleSearch": map[string]any{},
		})
	}
	if g.urlContext {
		toolEntries = append(toolEntries, map[string]any{
			"urlContext": map[string]any{},
		})
	}

	if len(toolEntries) > 0 {
		body["tools"] = toolEntries
	}

	// Disable function calling when no tools are provided, so classifier
	// and synthesis calls cannot produce stray calls.
	if len(req.Tools) == 0 {
		body["toolConfig"] = map[string]any{
			"functionCallingConfig": map[string]any{
				"mode": "NONE",
			},
		}
	}

	// Generation config.
	genConfig := map[string]any{
		"temperature": req.Temperature,
		"topP":        g.topP,
	}
	if req.MaxTokens > 0 {
		genConfig["maxOutputTokens"] = req.MaxTokens
	}
	if g.thinkingEnabled {
		genConfig["thinkingConfig"] = map[string]any{
			"thinkingBudget": -1,
		}
	}

	body["generationConfig"] = genConfig

	return body
}

// mapRole converts standard roles to Gemini API roles.
func mapRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return role
}

// ---- Response parsing ----

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role"`
}

type geminiPart struct {
	Text         *string         `json:"text,omitempty"`
	FunctionCall *geminiFuncCall `json:"functionCall,omitempty"`
	Thought      bool            `json:"thought,omitempty"`
}

type geminiFuncCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

// parseCandidates flattens candidates[0] into a rondo response. Thinking
// parts (thought: true) are skipped. Gemini has no call IDs, so the
// function name doubles as the ID; it round-trips through ToolCallID into
// the functionResponse part on the next request.
func parseCandidates(parsed geminiResponse) rondo.ChatResponse {
	var content strings.Builder
	var toolCalls []rondo.ToolCall

	for _, part := range parsed.Candidates[0].Content.Parts {
		if part.Thought {
			continue
		}
		if part.Text != nil {
			content.WriteString(*part.Text)
		}
		if part.FunctionCall != nil {
			args := part.FunctionCall.Args
			if len(args) == 0 || !json.Valid(args) {
				args = json.RawMessage(`{}`)
			}
			toolCalls = append(toolCalls, rondo.ToolCall{
				ID:   part.FunctionCall.Name,
				Name: part.FunctionCall.Name,
				Args: args,
			})
		}
	}

	var usage rondo.Usage
	if parsed.UsageMetadata != nil {
		usage.InputTokens = parsed.UsageMetadata.PromptTokenCount
		usage.OutputTokens = parsed.UsageMetadata.CandidatesTokenCount
	}

	return rondo.ChatResponse{
		Content:      content.String(),
		ToolCalls:    toolCalls,
		Usage:        usage,
		FinishReason: finishReason(parsed.Candidates[0].FinishReason, len(toolCalls) > 0),
	}
}

// finishReason normalizes Gemini's FINISH_REASON enum to the lowercase
// vocabulary the rest of the pipeline logs ("stop", "tool_calls", ...).
func finishReason(reported string, hasCalls bool) string {
	if hasCalls {
		return "tool_calls"
	}
	return strings.ToLower(reported)
}

// ---- Stream accumulation ----

// streamAccumulator assembles the final response across stream chunks.
// Text parts stream out as chunks; function calls and usage surface only
// on the returned response.
type streamAccumulator struct {
	content      strings.Builder
	toolCalls    []rondo.ToolCall
	usage        rondo.Usage
	finishReason string
}

func (a *streamAccumulator) process(ctx context.Context, jsonStr string, ch chan<- rondo.Chunk) error {
	var parsed geminiResponse
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		// Skip malformed chunks.
		return nil
	}

	if parsed.UsageMetadata != nil &&
		(parsed.UsageMetadata.PromptTokenCount > 0 || parsed.UsageMetadata.CandidatesTokenCount > 0) {
		a.usage.InputTokens = parsed.UsageMetadata.PromptTokenCount
		a.usage.OutputTokens = parsed.UsageMetadata.CandidatesTokenCount
	}

	if len(parsed.Candidates) == 0 {
		return nil
	}
	if fr := parsed.Candidates[0].FinishReason; fr != "" {
		a.finishReason = fr
	}

	for _, part := range parsed.Candidates[0].Content.Parts {
		if part.Thought {
			continue
		}
		if part.Text != nil && *part.Text != "" {
			a.content.WriteString(*part.Text)
			select {
			case ch <- rondo.TextChunk(*part.Text):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if part.FunctionCall != nil {
			args := part.FunctionCall.Args
			if len(args) == 0 || !json.Valid(args) {
				args = json.RawMessage(`{}`)
			}
			a.toolCalls = append(a.toolCalls, rondo.ToolCall{
				ID:   part.FunctionCall.Name,
				Name: part.FunctionCall.Name,
				Args: args,
			})
		}
	}
	return nil
}

func (a *streamAccumulator) response() rondo.ChatResponse {
	return rondo.ChatResponse{
		Content:      a.content.String(),
		ToolCalls:    a.toolCalls,
		Usage:        a.usage,
		FinishReason: finishReason(a.finishReason, len(a.toolCalls) > 0),
	}
}

// isCompleteJSON checks whether a string has balanced braces/brackets,
// indicating it is a complete JSON value.
func isCompleteJSON(s string) bool {
	depth := 0
	inString := false
	escape := false

	for _, ch := range s {
		if escape {
			escape = false
			continue
		}
		if ch == '\\' && inString {
			escape = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		}
	}
	return depth == 0 && !inString
}

// ---- Embedding provider ----

// GeminiEmbedding implements rondo.EmbeddingProvider for Gemini embedding models.
type GeminiEmbedding struct {
	apiKey     string
	model      string
	baseURL    string
	dims       int
	httpClient *http.Client
}

// NewEmbedding creates a new Gemini embedding provider.
func NewEmbedding(apiKey, model string, dims int) *GeminiEmbedding {
	return &GeminiEmbedding{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		dims:       dims,
		httpClient: &http.Client{},
	}
}

// Name returns "gemini".
func (e *GeminiEmbedding) Name() string { return "gemini" }

// Dimensions returns the configured embedding dimensionality.
func (e *GeminiEmbedding) Dimensions() int { return e.dims }

type embedResponse struct {
	Embedding *embedValues `json:"embedding"`
}

type embedValues struct {
	Values []float64 `json:"values"`
}

// Embed embeds each text sequentially and returns the embedding vectors.
func (e *GeminiEmbedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	const op = "gemini.embed"
	url := fmt.Sprintf("%s/models/%s:embedContent?key=%s", e.baseURL, e.model, e.apiKey)

	embeddings := make([][]float32, 0, len(texts))

	for _, text := range texts {
		body := map[string]any{
			"content": map[string]any{
				"parts": []map[string]any{
					{"text": text},
				},
			},
			"outputDimensionality": e.dims,
		}

		payload, err := json.Marshal(body)
		if err != nil {
			return nil, rondo.Faultf(rondo.KindEmbeddingFailed, op, "marshal body: %v", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
		if err != nil {
			return nil, rondo.Faultf(rondo.KindEmbeddingFailed, op, "create request: %v", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := e.httpClient.Do(httpReq)
		if err != nil {
			return nil, &rondo.Fault{Kind: rondo.KindEmbeddingFailed, Op: op, Detail: "request failed", Err: err}
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, &rondo.Fault{Kind: rondo.KindEmbeddingFailed, Op: op, Detail: "read response", Err: err}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			ra := rondo.ParseRetryAfter(resp.Header.Get("Retry-After"))
			if ra == 0 {
				ra = parseRetryInfo(string(respBody))
			}
			return nil, &rondo.Fault{
				Kind:   rondo.KindEmbeddingFailed,
				Op:     op,
				Detail: fmt.Sprintf("embedContent returned HTTP %d", resp.StatusCode),
				Err: &rondo.ErrHTTP{
					Status:     resp.StatusCode,
					Body:       string(respBody),
					RetryAfter: ra,
				},
			}
		}

		var parsed embedResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return nil, rondo.Faultf(rondo.KindEmbeddingFailed, op, "parse response: %v", err)
		}

		if parsed.Embedding == nil {
			return nil, rondo.Faultf(rondo.KindEmbeddingFailed, op, "missing embedding.values in response")
		}

		vec := make([]float32, len(parsed.Embedding.Values))
		for i, v := range parsed.Embedding.Values {
			vec[i] = float32(v)
		}
		embeddings = append(embeddings, vec)
	}

	return embeddings, nil
}

// Compile-time interface assertions.
var (
	_ rondo.Provider          = (*Gemini)(nil)
	_ rondo.EmbeddingProvider = (*GeminiEmbedding)(nil)
)
