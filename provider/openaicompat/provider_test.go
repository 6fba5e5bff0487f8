package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vessar/rondo"
)

func TestProvider_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Verify request.
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("expected path /chat/completions, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected auth header: %s", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content-type: %s", r.Header.Get("Content-Type"))
		}

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "gpt-4o" {
			t.Errorf("expected model gpt-4o, got %s", req.Model)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ChatResponse{
			ID:    "chatcmpl-1",
			Model: "gpt-4o",
			Choices: []Choice{{
				Index:        0,
				Message:      &ChoiceMessage{Role: "assistant", Content: "Hello!"},
				FinishReason: "stop",
			}},
			Usage: &Usage{PromptTokens: 5, CompletionTokens: 2},
		})
	}))
	defer srv.Close()

	p := New(srv.URL, "test-key")

	resp, err := p.Complete(context.Background(), rondo.ChatRequest{
		Model:    "gpt-4o",
		Messages: []rondo.ChatMessage{{Role: "user", Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}

	if resp.Content != "Hello!" {
		t.Errorf("expected content 'Hello!', got %q", resp.Content)
	}
	if resp.Usage.InputTokens != 5 {
		t.Errorf("expected 5 input tokens, got %d", resp.Usage.InputTokens)
	}
	if resp.Usage.OutputTokens != 2 {
		t.Errorf("expected 2 output tokens, got %d", resp.Usage.OutputTokens)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("expected finish reason 'stop', got %q", resp.FinishReason)
	}
	if resp.Model != "gpt-4o" {
		t.Errorf("expected model 'gpt-4o', got %q", resp.Model)
	}
}

func TestProvider_CompleteWithTools(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		if len(req.Tools) != 1 {
			t.Fatalf("expected 1 tool, got %d", len(req.Tools))
		}
		if req.Tools[0].Function.Name != "get_weather" {
			t.Errorf("expected tool name 'get_weather', got %q", req.Tools[0].Function.Name)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ChatResponse{
			ID: "chatcmpl-2",
			Choices: []Choice{{
				Index: 0,
				Message: &ChoiceMessage{
					Role: "assistant",
					ToolCalls: []ToolCallRequest{{
						ID:   "call_abc",
						Type: "function",
						Function: FunctionCall{
							Name:      "get_weather",
							Arguments: `{"city":"London"}`,
						},
					}},
				},
				FinishReason: "tool_calls",
			}},
			Usage: &Usage{PromptTokens: 10, CompletionTokens: 8},
		})
	}))
	defer srv.Close()

	p := New(srv.URL, "test-key", WithDefaultModel("gpt-4o"))

	tools := []rondo.ToolDescriptor{{
		Name:        "get_weather",
		Description: "Get weather",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
	}}

	resp, err := p.Complete(context.Background(), rondo.ChatRequest{
		Messages: []rondo.ChatMessage{{Role: "user", Content: "Weather in London?"}},
		Tools:    tools,
	})
	if err != nil {
		t.Fatalf("Complete with tools returned error: %v", err)
	}

	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].Name != "get_weather" {
		t.Errorf("expected tool call name 'get_weather', got %q", resp.ToolCalls[0].Name)
	}

	var args map[string]any
	if err := json.Unmarshal(resp.ToolCalls[0].Args, &args); err != nil {
		t.Fatalf("failed to parse args: %v", err)
	}
	if args["city"] != "London" {
		t.Errorf("expected city 'London', got %v", args["city"])
	}
}

func TestProvider_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		if !req.Stream {
			t.Error("expected stream=true")
		}
		if req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Error("expected stream_options.include_usage=true")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		chunks := []string{
			`data: {"id":"chatcmpl-3","choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`,
			`data: {"id":"chatcmpl-3","choices":[{"index":0,"delta":{"content":"Hello"}}]}`,
			`data: {"id":"chatcmpl-3","choices":[{"index":0,"delta":{"content":" world"}}]}`,
			`data: {"id":"chatcmpl-3","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
			`data: [DONE]`,
		}

		for _, chunk := range chunks {
			w.Write([]byte(chunk + "\n\n"))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	p := New(srv.URL, "test-key", WithDefaultModel("gpt-4o"))

	ch := make(chan rondo.Chunk, 10)
	resp, err := p.Stream(context.Background(), rondo.ChatRequest{
		Messages: []rondo.ChatMessage{{Role: "user", Content: "Hi"}},
	}, ch)
	if err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}

	deltas := drainText(ch)

	if resp.Content != "Hello world" {
		t.Errorf("expected content 'Hello world', got %q", resp.Content)
	}
	if len(deltas) != 2 {
		t.Errorf("expected 2 text deltas, got %d", len(deltas))
	}
	if resp.Usage.InputTokens != 5 {
		t.Errorf("expected 5 input tokens, got %d", resp.Usage.InputTokens)
	}
	if resp.Usage.OutputTokens != 2 {
		t.Errorf("expected 2 output tokens, got %d", resp.Usage.OutputTokens)
	}

	// The channel stays open; the caller owns it.
	select {
	case _, ok := <-ch:
		if !ok {
			t.Error("channel was closed by Stream")
		}
	default:
	}
}

func TestProvider_Stream_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit_error"}}`))
	}))
	defer srv.Close()

	p := New(srv.URL, "test-key", WithDefaultModel("gpt-4o"))

	ch := make(chan rondo.Chunk, 10)
	_, err := p.Stream(context.Background(), rondo.ChatRequest{
		Messages: []rondo.ChatMessage{{Role: "user", Content: "Hi"}},
	}, ch)

	if err == nil {
		t.Fatal("expected error for 429 response")
	}
	if kind := rondo.KindOf(err); kind != rondo.KindProviderUnavailable {
		t.Errorf("expected provider_unavailable kind, got %q", kind)
	}

	var httpErr *rondo.ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected ErrHTTP in chain, got %v", err)
	}
	if httpErr.Status != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", httpErr.Status)
	}
	if httpErr.RetryAfter != 7*time.Second {
		t.Errorf("expected RetryAfter 7s, got %v", httpErr.RetryAfter)
	}
}

func TestProvider_Complete_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"internal error"}}`))
	}))
	defer srv.Close()

	p := New(srv.URL, "test-key", WithDefaultModel("gpt-4o"))

	_, err := p.Complete(context.Background(), rondo.ChatRequest{
		Messages: []rondo.ChatMessage{{Role: "user", Content: "Hi"}},
	})

	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if kind := rondo.KindOf(err); kind != rondo.KindProviderUnavailable {
		t.Errorf("expected provider_unavailable kind, got %q", kind)
	}

	var httpErr *rondo.ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected ErrHTTP in chain, got %v", err)
	}
	if httpErr.Status != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", httpErr.Status)
	}
}

func TestProvider_Complete_BadRequestKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"unknown field"}}`))
	}))
	defer srv.Close()

	p := New(srv.URL, "test-key", WithDefaultModel("gpt-4o"))

	_, err := p.Complete(context.Background(), rondo.ChatRequest{
		Messages: []rondo.ChatMessage{{Role: "user", Content: "Hi"}},
	})
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	// A 400 is not transient; it must not look like an outage to retry middleware.
	if kind := rondo.KindOf(err); kind != rondo.KindProviderProtocol {
		t.Errorf("expected provider_protocol kind, got %q", kind)
	}
}

func TestProvider_Complete_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ChatResponse{ID: "chatcmpl-empty"})
	}))
	defer srv.Close()

	p := New(srv.URL, "test-key", WithDefaultModel("gpt-4o"))

	_, err := p.Complete(context.Background(), rondo.ChatRequest{
		Messages: []rondo.ChatMessage{{Role: "user", Content: "Hi"}},
	})
	if err == nil {
		t.Fatal("expected error for empty choices")
	}
	if kind := rondo.KindOf(err); kind != rondo.KindProviderProtocol {
		t.Errorf("expected provider_protocol kind, got %q", kind)
	}
}

func TestProvider_ModelFallback(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ChatResponse{
			ID:      "chatcmpl-6",
			Choices: []Choice{{Message: &ChoiceMessage{Content: "OK"}}},
		})
	}))
	defer srv.Close()

	p := New(srv.URL, "key", WithDefaultModel("default-model"))

	if _, err := p.Complete(context.Background(), rondo.ChatRequest{
		Messages: []rondo.ChatMessage{{Role: "user", Content: "Hi"}},
	}); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if gotModel != "default-model" {
		t.Errorf("expected fallback to default-model, got %q", gotModel)
	}

	if _, err := p.Complete(context.Background(), rondo.ChatRequest{
		Model:    "per-request-model",
		Messages: []rondo.ChatMessage{{Role: "user", Content: "Hi"}},
	}); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if gotModel != "per-request-model" {
		t.Errorf("expected per-request model to win, got %q", gotModel)
	}
}

func TestProvider_Name(t *testing.T) {
	p := New("http://localhost", "key")
	if p.Name() != "openai-compat" {
		t.Errorf("expected default name 'openai-compat', got %q", p.Name())
	}

	p = New("http://localhost", "key", WithName("groq"))
	if p.Name() != "groq" {
		t.Errorf("expected name 'groq', got %q", p.Name())
	}
}

func TestProvider_NoAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("expected no auth header for empty API key")
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ChatResponse{
			ID: "chatcmpl-4",
			Choices: []Choice{{
				Index:   0,
				Message: &ChoiceMessage{Role: "assistant", Content: "OK"},
			}},
		})
	}))
	defer srv.Close()

	// Ollama and other local providers don't need API keys.
	p := New(srv.URL, "", WithDefaultModel("llama3"))

	resp, err := p.Complete(context.Background(), rondo.ChatRequest{
		Messages: []rondo.ChatMessage{{Role: "user", Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if resp.Content != "OK" {
		t.Errorf("expected content 'OK', got %q", resp.Content)
	}
}

func TestProvider_TemperatureAlwaysSent(t *testing.T) {
	var got *float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		got = req.Temperature

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ChatResponse{
			ID:      "chatcmpl-5",
			Choices: []Choice{{Message: &ChoiceMessage{Content: "OK"}}},
		})
	}))
	defer srv.Close()

	p := New(srv.URL, "key", WithDefaultModel("gpt-4o"))

	// A deliberate zero temperature must reach the wire, not vanish
	// behind omitempty.
	if _, err := p.Complete(context.Background(), rondo.ChatRequest{
		Messages:    []rondo.ChatMessage{{Role: "user", Content: "Hi"}},
		Temperature: 0,
	}); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if got == nil || *got != 0 {
		t.Errorf("expected explicit temperature 0, got %v", got)
	}

	if _, err := p.Complete(context.Background(), rondo.ChatRequest{
		Messages:    []rondo.ChatMessage{{Role: "user", Content: "Hi"}},
		Temperature: 0.7,
	}); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if got == nil || *got != 0.7 {
		t.Errorf("expected temperature 0.7, got %v", got)
	}
}

func TestProvider_WithOptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		if req.TopP == nil || *req.TopP != 0.9 {
			t.Errorf("expected top_p 0.9, got %v", req.TopP)
		}
		if req.MaxTokens != 2048 {
			t.Errorf("expected max_tokens 2048, got %d", req.MaxTokens)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ChatResponse{
			ID: "chatcmpl-5",
			Choices: []Choice{{
				Index:   0,
				Message: &ChoiceMessage{Role: "assistant", Content: "OK"},
			}},
		})
	}))
	defer srv.Close()

	p := New(srv.URL, "key", WithDefaultModel("gpt-4o"),
		WithOptions(WithTopP(0.9), WithMaxTokens(2048)),
	)

	_, err := p.Complete(context.Background(), rondo.ChatRequest{
		Messages: []rondo.ChatMessage{{Role: "user", Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
}

func TestProvider_HealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("expected path /models, got %s", r.URL.Path)
		}
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	p := New(srv.URL, "key")
	if err := p.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck returned error: %v", err)
	}
}

func TestProvider_HealthCheck_Down(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := New(srv.URL, "key")
	err := p.HealthCheck(context.Background())
	if err == nil {
		t.Fatal("expected error for 503 health response")
	}
	if kind := rondo.KindOf(err); kind != rondo.KindProviderUnavailable {
		t.Errorf("expected provider_unavailable kind, got %q", kind)
	}
}
