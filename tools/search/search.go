// Package search provides the web_search local tool: Brave web search
// with embedding-based re-ranking of fetched page content.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/vessar/rondo"
)

const (
	defaultBaseURL = "https://api.search.brave.com/res/v1/web/search"

	// searchCount and retryCount are the Brave result page sizes for the
	// first attempt and the low-confidence retry.
	searchCount = 8
	retryCount  = 12
	// minGoodScore is the relevance floor: a best chunk below it widens
	// the search once.
	minGoodScore float32 = 0.35
	// fetchTimeout bounds each page download.
	fetchTimeout = 8 * time.Second
	// maxPageBody bounds each downloaded page.
	maxPageBody = 512 << 10
	// maxPageText bounds extracted text per page before chunking.
	maxPageText = 8000
	// chunkChars is the chunk size for page text; pieces shorter than
	// minChunkChars are noise and skipped.
	chunkChars    = 500
	minChunkChars = 50
	// maxRankedChunks is how many passages the formatted result keeps.
	maxRankedChunks = 8
)

// Tool performs web searches via the Brave API. With an embedding
// provider configured, result pages are fetched, chunked, and re-ranked
// by cosine similarity against the query; without one the engine's
// snippet order stands.
type Tool struct {
	apiKey    string
	embedding rondo.EmbeddingProvider // nil disables re-ranking
	client    *http.Client
	baseURL   string
	logger    *slog.Logger
}

var _ rondo.Tool = (*Tool)(nil)

// Option configures a search Tool.
type Option func(*Tool)

// WithEmbedding enables semantic re-ranking of search results.
func WithEmbedding(e rondo.EmbeddingProvider) Option {
	return func(t *Tool) { t.embedding = e }
}

// WithHTTPClient overrides the client used for the search API and for
// page fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tool) { t.client = c }
}

// WithBaseURL overrides the search API endpoint.
func WithBaseURL(u string) Option {
	return func(t *Tool) { t.baseURL = u }
}

// WithLogger sets a structured logger. Defaults to discard.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tool) { t.logger = l }
}

// New creates a search tool. The key authenticates against the Brave
// search API.
func New(apiKey string, opts ...Option) *Tool {
	t := &Tool{
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: defaultBaseURL,
		logger:  rondo.NopLogger(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

type searchResult struct {
	Title   string
	URL     string
	Snippet string
}

// pageResult pairs a search result with its fetched page text.
type pageResult struct {
	result  searchResult
	content string // extracted text, may be empty
}

type rankedChunk struct {
	text   string
	source int // index into the page slice
	title  string
	score  float32
}

func (t *Tool) Definitions() []rondo.ToolDescriptor {
	return []rondo.ToolDescriptor{{
		Name:        "web_search",
		Description: "Search the web for current or real-time information. Use for recent events, news, prices, weather, or anything that requires up-to-date data.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query optimized for search engines"}},"required":["query"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (rondo.ToolResult, error) {
	var params struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return rondo.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	content, err := t.Search(ctx, params.Query)
	if err != nil {
		return rondo.ToolResult{Error: err.Error()}, nil
	}

	return rondo.ToolResult{Content: content}, nil
}

// Search runs the query, fetches the result pages, and formats the most
// relevant passages. When re-ranking is on and the best score comes in
// under the floor, the search retries once with a bigger result page.
func (t *Tool) Search(ctx context.Context, query string) (string, error) {
	results, err := t.braveSearch(ctx, query, searchCount)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return fmt.Sprintf("No results found for %q.", query), nil
	}

	pages := t.fetchPages(ctx, results)
	ranked := t.rank(ctx, query, pages)

	var topScore float32
	if len(ranked) > 0 {
		topScore = ranked[0].score
	}
	if t.embedding != nil && topScore < minGoodScore {
		t.logger.Debug("search: low confidence, widening",
			"query", query, "top_score", topScore)
		more, err := t.braveSearch(ctx, query, retryCount)
		if err == nil {
			seen := make(map[string]bool, len(pages))
			for _, p := range pages {
				seen[p.result.URL] = true
			}
			var fresh []searchResult
			for _, r := range more {
				if !seen[r.URL] {
					fresh = append(fresh, r)
				}
			}
			pages = append(pages, t.fetchPages(ctx, fresh)...)
			ranked = t.rank(ctx, query, pages)
		}
	}

	return formatResults(ranked, pages), nil
}

func (t *Tool) braveSearch(ctx context.Context, query string, count int) ([]searchResult, error) {
	u := fmt.Sprintf("%s?q=%s&count=%d", t.baseURL, url.QueryEscape(query), count)

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("brave search error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("brave API %d: %s", resp.StatusCode, string(body))
	}

	var data struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("brave parse error: %w", err)
	}

	results := make([]searchResult, 0, len(data.Web.Results))
	for _, r := range data.Web.Results {
		results = append(results, searchResult{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Description,
		})
	}
	return results, nil
}

// fetchPages downloads each result page concurrently and extracts its
// readable text. A failed fetch leaves content empty; the engine snippet
// still ranks.
func (t *Tool) fetchPages(ctx context.Context, results []searchResult) []pageResult {
	pages := make([]pageResult, len(results))
	var wg sync.WaitGroup

	for i, r := range results {
		pages[i] = pageResult{result: r}
		wg.Add(1)
		go func(idx int, pageURL string) {
			defer wg.Done()
			fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
			defer cancel()

			req, err := http.NewRequestWithContext(fetchCtx, "GET", pageURL, nil)
			if err != nil {
				return
			}
			req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; rondo/1.0)")

			resp, err := t.client.Do(req)
			if err != nil {
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 400 {
				return
			}

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBody))
			if err != nil {
				return
			}

			text := extractText(string(body), pageURL)
			if len(text) > maxPageText {
				text = text[:maxPageText]
			}
			pages[idx].content = text
		}(i, r.URL)
	}
	wg.Wait()

	return pages
}

// extractText pulls the readable article text out of an HTML page.
// Pages readability rejects contribute only their snippet.
func extractText(html, pageURL string) string {
	u, _ := url.Parse(pageURL)
	article, err := readability.FromReader(strings.NewReader(html), u)
	if err != nil || article.TextContent == "" {
		return ""
	}
	return strings.TrimSpace(article.TextContent)
}

// rank chunks the snippets and page text, embeds them together with the
// query, and sorts by similarity. Without an embedding provider, or when
// embedding fails, the chunks keep collection order capped at the
// formatting limit.
func (t *Tool) rank(ctx context.Context, query string, pages []pageResult) []rankedChunk {
	var chunks []rankedChunk
	for i, p := range pages {
		if p.result.Snippet != "" {
			chunks = append(chunks, rankedChunk{
				text:   p.result.Snippet,
				source: i,
				title:  p.result.Title,
			})
		}
		for _, c := range chunkText(p.content, chunkChars) {
			if len(c) < minChunkChars {
				continue
			}
			chunks = append(chunks, rankedChunk{text: c, source: i, title: p.result.Title})
		}
	}
	if len(chunks) == 0 || t.embedding == nil {
		return capChunks(chunks)
	}

	texts := make([]string, 0, 1+len(chunks))
	texts = append(texts, query)
	for _, c := range chunks {
		texts = append(texts, c.text)
	}

	embeddings, err := t.embedding.Embed(ctx, texts)
	if err != nil || len(embeddings) != len(texts) {
		t.logger.Warn("search: embedding failed, returning unranked",
			"chunks", len(chunks), "error", err)
		return capChunks(chunks)
	}

	queryVec := embeddings[0]
	for i := range chunks {
		chunks[i].score = cosineSimilarity(queryVec, embeddings[i+1])
	}
	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].score > chunks[j].score
	})
	return chunks
}

func capChunks(chunks []rankedChunk) []rankedChunk {
	if len(chunks) > maxRankedChunks {
		return chunks[:maxRankedChunks]
	}
	return chunks
}

// formatResults renders the top passages with scores, then a source list
// in result order.
func formatResults(ranked []rankedChunk, pages []pageResult) string {
	if len(ranked) == 0 {
		return "No readable content in search results."
	}

	var out strings.Builder
	sources := make(map[int]bool)

	limit := maxRankedChunks
	if len(ranked) < limit {
		limit = len(ranked)
	}
	for i := 0; i < limit; i++ {
		c := ranked[i]
		fmt.Fprintf(&out, "[%d] (score: %.2f) %s\n%s\n\n", i+1, c.score, c.title, c.text)
		sources[c.source] = true
	}

	out.WriteString("Sources:\n")
	for i, p := range pages {
		if sources[i] {
			fmt.Fprintf(&out, "- %s (%s)\n", p.result.Title, p.result.URL)
		}
	}
	return out.String()
}

// chunkText splits page text into pieces of at most maxChars, breaking
// on line then word boundaries.
func chunkText(text string, maxChars int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= maxChars {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if current.Len()+1+len(line) > maxChars {
			flush()
		}
		if len(line) <= maxChars {
			if current.Len() > 0 {
				current.WriteByte('\n')
			}
			current.WriteString(line)
			continue
		}
		for _, w := range strings.Fields(line) {
			if current.Len()+1+len(w) > maxChars {
				flush()
			}
			if current.Len() > 0 {
				current.WriteByte(' ')
			}
			current.WriteString(w)
		}
	}
	flush()

	return chunks
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
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
