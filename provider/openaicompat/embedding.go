package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vessar/rondo"
)

// --- Embedding provider ---

// embeddingRequest is the OpenAI embeddings request body.
type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

// embeddingResponse is the OpenAI embeddings response.
type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embedding implements rondo.EmbeddingProvider against the OpenAI
// embeddings endpoint. A single request embeds the whole batch.
type Embedding struct {
	apiKey  string
	baseURL string
	model   string
	dims    int
	client  *http.Client
}

// NewEmbedding creates an OpenAI-compatible embedding provider. dims is the
// model's output dimensionality; when the model supports truncation
// (text-embedding-3 and later) it is also requested explicitly. Pass 0 to
// take the model default.
func NewEmbedding(baseURL, apiKey, model string, dims int) *Embedding {
	return &Embedding{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		dims:    dims,
		client:  &http.Client{},
	}
}

// Name returns "openai-compat".
func (e *Embedding) Name() string { return "openai-compat" }

// Dimensions returns the configured embedding dimensionality.
func (e *Embedding) Dimensions() int { return e.dims }

// Embed returns one vector per input text, in input order.
func (e *Embedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	const op = "openaicompat.embed"
	if len(texts) == 0 {
		return nil, nil
	}

	body := embeddingRequest{Model: e.model, Input: texts}
	if e.dims > 0 && supportsDimensions(e.model) {
		body.Dimensions = e.dims
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, rondo.Faultf(rondo.KindEmbeddingFailed, op, "marshal request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, rondo.Faultf(rondo.KindEmbeddingFailed, op, "create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, &rondo.Fault{Kind: rondo.KindEmbeddingFailed, Op: op, Detail: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 32<<10))
		return nil, &rondo.Fault{
			Kind:   rondo.KindEmbeddingFailed,
			Op:     op,
			Detail: fmt.Sprintf("embeddings endpoint returned HTTP %d", resp.StatusCode),
			Err: &rondo.ErrHTTP{
				Status:     resp.StatusCode,
				Body:       string(raw),
				RetryAfter: rondo.ParseRetryAfter(resp.Header.Get("Retry-After")),
			},
		}
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, rondo.Faultf(rondo.KindEmbeddingFailed, op, "decode response: %v", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, rondo.Faultf(rondo.KindEmbeddingFailed, op, "got %d embeddings for %d inputs", len(parsed.Data), len(texts))
	}

	// Place vectors by index; the API does not guarantee response order.
	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, rondo.Faultf(rondo.KindEmbeddingFailed, op, "embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// supportsDimensions reports whether the model accepts an explicit
// dimensions parameter. text-embedding-ada-002 and most local models
// reject it.
func supportsDimensions(model string) bool {
	return strings.Contains(model, "text-embedding-3")
}

// Compile-time interface check.
var _ rondo.EmbeddingProvider = (*Embedding)(nil)
