package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vessar/rondo"
)

// Provider implements rondo.Provider for any OpenAI-compatible API.
// It uses the shared helpers in this package (BuildBody, StreamSSE,
// ParseResponse) to handle body building, streaming, and response parsing.
//
// Works with OpenAI, OpenRouter, Groq, Together, Fireworks, DeepSeek,
// Mistral, Ollama, vLLM, LM Studio, Azure OpenAI, and any other backend
// that implements the OpenAI chat completions API.
type Provider struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
	name    string
	opts    []Option
}

// New creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
//
// The model comes from each request; WithDefaultModel sets a fallback for
// requests that leave it empty. Provider-level options (WithOptions) are
// applied to every request.
func New(baseURL, apiKey string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		name:    "openai-compat",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai-compat", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// Complete sends a non-streaming chat request and returns the complete
// response. When req.Tools is non-empty, the response may contain ToolCalls.
func (p *Provider) Complete(ctx context.Context, req rondo.ChatRequest) (rondo.ChatResponse, error) {
	const op = "openaicompat.complete"
	start := time.Now()

	body := p.buildBody(req)
	resp, err := p.send(ctx, body, op)
	if err != nil {
		return rondo.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return rondo.ChatResponse{}, p.httpErr(resp, op)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return rondo.ChatResponse{}, rondo.Faultf(rondo.KindProviderProtocol, op, "decode response: %v", err)
	}
	if len(chatResp.Choices) == 0 {
		return rondo.ChatResponse{}, rondo.Faultf(rondo.KindProviderProtocol, op, "response contained no choices")
	}

	out := ParseResponse(chatResp)
	out.LatencyMS = time.Since(start).Milliseconds()
	if out.Model == "" {
		out.Model = body.Model
	}
	return out, nil
}

// Stream sends a streaming chat request, emits text deltas on ch, and
// returns the final accumulated response. ch is never closed here; the
// caller owns the channel. Tool call arguments are assembled silently and
// surface only on the returned response.
func (p *Provider) Stream(ctx context.Context, req rondo.ChatRequest, ch chan<- rondo.Chunk) (rondo.ChatResponse, error) {
	const op = "openaicompat.stream"
	start := time.Now()

	body := p.buildBody(req)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.send(ctx, body, op)
	if err != nil {
		return rondo.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return rondo.ChatResponse{}, p.httpErr(resp, op)
	}

	out, err := StreamSSE(ctx, resp.Body, ch)
	if err != nil {
		if ctx.Err() != nil {
			return rondo.ChatResponse{}, err
		}
		return rondo.ChatResponse{}, rondo.WrapFault(rondo.KindProviderUnavailable, op, err)
	}
	out.LatencyMS = time.Since(start).Milliseconds()
	if out.Model == "" {
		out.Model = body.Model
	}
	return out, nil
}

// HealthCheck probes the models listing endpoint, the cheapest
// authenticated call an OpenAI-compatible backend offers.
func (p *Provider) HealthCheck(ctx context.Context) error {
	const op = "openaicompat.health"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return rondo.Faultf(rondo.KindInvalidRequest, op, "create request: %v", err)
	}
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return rondo.WrapFault(rondo.KindProviderUnavailable, op, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode != http.StatusOK {
		return rondo.Faultf(rondo.KindProviderUnavailable, op, "%s health endpoint returned HTTP %d", p.name, resp.StatusCode)
	}
	return nil
}

// buildBody maps a rondo request onto the wire format. Temperature is
// always sent explicitly so a deliberate 0.0 is not dropped by omitempty.
func (p *Provider) buildBody(req rondo.ChatRequest) ChatRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}

	opts := make([]Option, len(p.opts), len(p.opts)+2)
	copy(opts, p.opts)
	opts = append(opts, WithTemperature(req.Temperature))
	if req.MaxTokens > 0 {
		opts = append(opts, WithMaxTokens(req.MaxTokens))
	}

	return BuildBody(req.Messages, req.Tools, model, opts...)
}

// send marshals the request body and posts it to the chat completions endpoint.
func (p *Provider) send(ctx context.Context, body ChatRequest, op string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, rondo.Faultf(rondo.KindInvalidRequest, op, "marshal request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, rondo.Faultf(rondo.KindInvalidRequest, op, "create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, rondo.WrapFault(rondo.KindProviderUnavailable, op, err)
	}
	return resp, nil
}

// httpErr reads the response body and returns a classified Fault wrapping
// an ErrHTTP, so retry middleware can inspect the status and Retry-After.
// 429 and 5xx mark the backend unavailable; other statuses mean the
// exchange itself broke.
func (p *Provider) httpErr(resp *http.Response, op string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 32<<10))

	kind := rondo.KindProviderProtocol
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		kind = rondo.KindProviderUnavailable
	}

	detail := fmt.Sprintf("%s returned HTTP %d", p.name, resp.StatusCode)
	var apiErr errorResponse
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		detail += ": " + apiErr.Error.Message
	}

	return &rondo.Fault{
		Kind:   kind,
		Op:     op,
		Detail: detail,
		Err: &rondo.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: rondo.ParseRetryAfter(resp.Header.Get("Retry-After")),
		},
	}
}

// Compile-time interface check.
var _ rondo.Provider = (*Provider)(nil)
