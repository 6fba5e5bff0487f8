// Package fetch provides the fetch_url local tool: it downloads a URL
// and extracts readable text from HTML pages or PDF documents.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"

	"github.com/vessar/rondo"
)

const (
	// maxBody bounds the downloaded payload. PDFs need more headroom
	// than articles.
	maxBody = 8 << 20
	// maxContent bounds the text surfaced to the model.
	maxContent = 8000
)

// Tool fetches URLs and extracts readable content.
type Tool struct {
	client *http.Client
}

var _ rondo.Tool = (*Tool)(nil)

// New creates a fetch tool with a 15-second timeout.
func New() *Tool {
	return &Tool{
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (t *Tool) Definitions() []rondo.ToolDescriptor {
	return []rondo.ToolDescriptor{{
		Name:        "fetch_url",
		Description: "Fetch a URL and extract its readable text content. Handles HTML pages and PDF documents. Use for reading web pages, articles, documentation.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to fetch"}},"required":["url"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (rondo.ToolResult, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return rondo.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	content, err := t.Fetch(ctx, params.URL)
	if err != nil {
		return rondo.ToolResult{Error: err.Error()}, nil
	}

	if len(content) > maxContent {
		content = content[:maxContent] + "\n... (truncated)"
	}

	return rondo.ToolResult{Content: content}, nil
}

// Fetch downloads a URL and extracts readable text.
func (t *Tool) Fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; rondo/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}

	if isPDF(resp.Header.Get("Content-Type"), body) {
		return extractPDF(body)
	}
	return extractHTML(string(body), rawURL), nil
}

// isPDF checks the declared content type, then the file magic.
func isPDF(contentType string, body []byte) bool {
	if strings.Contains(contentType, "application/pdf") {
		return true
	}
	return bytes.HasPrefix(body, []byte("%PDF-"))
}

func extractHTML(html, rawURL string) string {
	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(html), parsedURL)
	if err == nil && article.TextContent != "" {
		return strings.TrimSpace(article.TextContent)
	}
	// Fallback: simple HTML stripping
	return stripHTML(html)
}

func extractPDF(body []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("no extractable text in PDF")
	}
	return text.String(), nil
}

// stripHTML removes tags, scripts, and styles, keeping block structure
// as newlines. Readability handles the normal path; this catches pages
// it rejects.
func stripHTML(content string) string {
	var b strings.Builder
	b.Grow(len(content))

	inTag, skip := false, false
	var tag strings.Builder
	lastNewline := true

	for _, r := range content {
		if r == '<' {
			inTag = true
			tag.Reset()
			continue
		}
		if inTag {
			if r == '>' {
				inTag = false
				name := strings.ToLower(tag.String())
				if i := strings.IndexAny(name, " \t\n"); i >= 0 {
					name = name[:i]
				}
				name = strings.TrimSuffix(name, "/")
				switch name {
				case "script", "style":
					skip = true
				case "/script", "/style":
					skip = false
				case "p", "/p", "div", "/div", "br", "li", "/li", "tr", "/tr",
					"h1", "h2", "h3", "h4", "h5", "h6", "/h1", "/h2", "/h3", "/h4", "/h5", "/h6":
					if !lastNewline {
						b.WriteByte('\n')
						lastNewline = true
					}
				}
			} else {
				tag.WriteRune(r)
			}
			continue
		}
		if skip {
			continue
		}
		if r == '\n' || r == '\r' {
			continue
		}
		b.WriteRune(r)
		lastNewline = false
	}

	lines := strings.Split(b.String(), "\n")
	var out []string
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
