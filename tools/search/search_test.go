package search

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// stubEmbedding maps known texts to fixed vectors; unknown texts get a
// vector orthogonal to the query axis.
type stubEmbedding struct {
	vecs map[string][]float32
}

func (s stubEmbedding) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, txt := range texts {
		if v, ok := s.vecs[txt]; ok {
			out[i] = v
		} else {
			out[i] = []float32{0, 1}
		}
	}
	return out, nil
}

func (stubEmbedding) Dimensions() int { return 2 }
func (stubEmbedding) Name() string    { return "stub" }

func TestCosineSimilarityIdentical(t *testing.T) {
	a := []float32{1, 2, 3}
	sim := cosineSimilarity(a, a)
	if math.Abs(float64(sim)-1.0) > 0.001 {
		t.Errorf("expected ~1.0, got %f", sim)
	}
}

func TestCosineSimilarityOrthogonal(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}
	sim := cosineSimilarity(a, b)
	if math.Abs(float64(sim)) > 0.001 {
		t.Errorf("expected ~0, got %f", sim)
	}
}

func TestCosineSimilarityEmpty(t *testing.T) {
	if sim := cosineSimilarity(nil, nil); sim != 0 {
		t.Errorf("expected 0, got %f", sim)
	}
}

func TestChunkText(t *testing.T) {
	if got := chunkText("", 100); got != nil {
		t.Errorf("empty input: %v", got)
	}
	if got := chunkText("short text", 100); len(got) != 1 || got[0] != "short text" {
		t.Errorf("short input: %v", got)
	}

	long := strings.Repeat("alpha beta gamma delta epsilon. ", 40)
	chunks := chunkText(long, 100)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 100 {
			t.Errorf("chunk %d exceeds max: %d chars", i, len(c))
		}
	}
	// No words lost across chunk boundaries.
	joined := strings.Fields(strings.Join(chunks, " "))
	if len(joined) != len(strings.Fields(long)) {
		t.Errorf("word count %d, want %d", len(joined), len(strings.Fields(long)))
	}
}

func TestFormatResults(t *testing.T) {
	ranked := []rankedChunk{
		{text: "first passage", source: 0, title: "Title A", score: 0.95},
		{text: "second passage", source: 1, title: "Title B", score: 0.80},
	}
	pages := []pageResult{
		{result: searchResult{Title: "Title A", URL: "https://a.example"}},
		{result: searchResult{Title: "Title B", URL: "https://b.example"}},
	}

	out := formatResults(ranked, pages)
	if !strings.Contains(out, "first passage") {
		t.Error("missing first passage")
	}
	if !strings.Contains(out, "https://a.example") {
		t.Error("missing source URL")
	}
	if !strings.Contains(out, "Sources:") {
		t.Error("missing sources section")
	}
	// Sources list follows page order, not rank order.
	if strings.Index(out, "https://a.example") > strings.Index(out, "https://b.example") {
		t.Error("sources out of order")
	}
}

func TestFormatResultsEmpty(t *testing.T) {
	out := formatResults(nil, nil)
	if !strings.Contains(out, "No readable content") {
		t.Errorf("out = %q", out)
	}
}

func TestDefinitions(t *testing.T) {
	defs := New("test-key").Definitions()
	if len(defs) != 1 || defs[0].Name != "web_search" {
		t.Fatalf("defs = %+v", defs)
	}
	if len(defs[0].Parameters) == 0 {
		t.Error("missing parameter schema")
	}
}

func TestSearchRanksByQuery(t *testing.T) {
	var base string
	mux := http.NewServeMux()
	mux.HandleFunc("/res/v1/web/search", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Subscription-Token") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprintf(w, `{"web":{"results":[
			{"title":"Offside rule","url":"%s/a","description":"the offside rule explained for newcomers"},
			{"title":"Pasta guide","url":"%s/b","description":"how to cook perfect pasta"}
		]}}`, base, base)
	})
	// Result pages 404 so ranking sees only the snippets.
	srv := httptest.NewServer(mux)
	defer srv.Close()
	base = srv.URL

	emb := stubEmbedding{vecs: map[string][]float32{
		"offside rule": {1, 0},
		"the offside rule explained for newcomers": {1, 0},
	}}
	tool := New("test-key",
		WithBaseURL(srv.URL+"/res/v1/web/search"),
		WithEmbedding(emb),
	)

	out, err := tool.Search(context.Background(), "offside rule")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Offside rule") {
		t.Errorf("missing top result: %q", out)
	}
	first := strings.Index(out, "offside rule explained")
	second := strings.Index(out, "perfect pasta")
	if first < 0 || second < 0 || first > second {
		t.Errorf("ranking order wrong: %q", out)
	}
	if !strings.Contains(out, "Sources:") {
		t.Errorf("missing sources: %q", out)
	}
}

func TestSearchWidensOnLowConfidence(t *testing.T) {
	var base string
	var calls atomic.Int32
	var lastCount atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/res/v1/web/search", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		lastCount.Store(r.URL.Query().Get("count"))
		fmt.Fprintf(w, `{"web":{"results":[
			{"title":"Weak match","url":"%s/x","description":"nothing relevant here at all"}
		]}}`, base)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	base = srv.URL

	// Every chunk scores 0 against the query, forcing the wide retry.
	emb := stubEmbedding{vecs: map[string][]float32{"anything": {1, 0}}}
	tool := New("test-key",
		WithBaseURL(srv.URL+"/res/v1/web/search"),
		WithEmbedding(emb),
	)

	if _, err := tool.Search(context.Background(), "anything"); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("search calls = %d, want 2", got)
	}
	if got := lastCount.Load(); got != "12" {
		t.Errorf("retry count param = %v, want 12", got)
	}
}

func TestSearchNoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"web":{"results":[]}}`)
	}))
	defer srv.Close()

	tool := New("test-key", WithBaseURL(srv.URL))
	out, err := tool.Search(context.Background(), "nonexistent thing")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No results found") {
		t.Errorf("out = %q", out)
	}
}

func TestExecuteAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tool := New("test-key", WithBaseURL(srv.URL))
	args, _ := json.Marshal(map[string]string{"query": "anything"})
	result, err := tool.Execute(context.Background(), "web_search", args)
	if err != nil {
		t.Fatal(err)
	}
	if result.Error == "" {
		t.Error("expected error for API failure")
	}
}

func TestExecuteInvalidArgs(t *testing.T) {
	tool := New("test-key")
	result, err := tool.Execute(context.Background(), "web_search", json.RawMessage(`not json`))
	if err != nil {
		t.Fatal(err)
	}
	if result.Error == "" {
		t.Error("expected error for invalid args")
	}
}
