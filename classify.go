package rondo

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Complexity values emitted by the classifier.
const (
	ComplexitySimple  = "SIMPLE"
	ComplexityComplex = "COMPLEX"
)

// Classification is the per-turn routing decision: Intent is one of the
// registry's categories, Complexity selects one-shot vs. Plan+ReAct.
type Classification struct {
	Intent     string
	Complexity string
}

const classifierPreamble = `You are an intent and complexity classifier for an assistant with tools.

Classify the user message into exactly one intent category and one complexity level.

Intent categories:
`

const classifierRules = `
Complexity levels:
- SIMPLE: answerable in one step, with at most one tool call. Greetings, factual questions, single lookups.
- COMPLEX: needs multiple steps or multiple tool calls, or combines results from different tools.

Respond with exactly two lines and nothing else:
INTENT: <CATEGORY>
COMPLEXITY: <SIMPLE|COMPLEX>`

// ClassifierPrompt builds the classifier system prompt from the
// registry's current categories and their tool names.
func ClassifierPrompt(reg *Registry) string {
	var b strings.Builder
	b.WriteString(classifierPreamble)
	for _, cat := range reg.Categories() {
		b.WriteString("- " + cat)
		defs := reg.ByCategory(cat)
		if len(defs) == 0 {
			b.WriteString(": general conversation, no tools required\n")
			continue
		}
		names := make([]string, len(defs))
		for i, d := range defs {
			names[i] = d.Name
		}
		fmt.Fprintf(&b, ": tools %s\n", strings.Join(names, ", "))
	}
	b.WriteString(classifierRules)
	return b.String()
}

// Classify runs one LLM call that decides (intent, complexity) for a
// turn. Garbled replies fall back to (GENERAL, SIMPLE); a failed LLM
// call is returned as an error and terminates the turn.
func Classify(ctx context.Context, p Provider, model, query string, reg *Registry) (Classification, error) {
	req := ChatRequest{
		Model:       model,
		Temperature: 0.0,
		Messages: []ChatMessage{
			SystemMessage(ClassifierPrompt(reg)),
			UserMessage(query),
		},
	}
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return Classification{}, err
	}
	return ParseClassification(resp.Content, reg.Categories()), nil
}

// ParseClassification scans a reply for the INTENT and COMPLEXITY lines.
// Parsing is forgiving: keys and values match case-insensitively anywhere
// on a line, and longer category names win over shorter substrings
// (FILESYSTEM before FILE). Missing or unmatched lines default to
// GENERAL / SIMPLE.
func ParseClassification(text string, categories []string) Classification {
	c := Classification{Intent: CategoryGeneral, Complexity: ComplexitySimple}

	// Longest-first so FILESYSTEM is tried before FILE.
	cats := make([]string, len(categories))
	copy(cats, categories)
	sort.Slice(cats, func(i, j int) bool { return len(cats[i]) > len(cats[j]) })

	for _, line := range strings.Split(text, "\n") {
		u := strings.ToUpper(strings.TrimSpace(line))
		if idx := strings.Index(u, "INTENT"); idx >= 0 {
			rest := strings.TrimLeft(u[idx+len("INTENT"):], ":= \t")
			for _, cat := range cats {
				if strings.Contains(rest, strings.ToUpper(cat)) {
					c.Intent = strings.ToUpper(cat)
					break
				}
			}
			continue
		}
		if idx := strings.Index(u, "COMPLEXITY"); idx >= 0 {
			rest := strings.TrimLeft(u[idx+len("COMPLEXITY"):], ":= \t")
			if strings.Contains(rest, ComplexityComplex) {
				c.Complexity = ComplexityComplex
			} else if strings.Contains(rest, ComplexitySimple) {
				c.Complexity = ComplexitySimple
			}
		}
	}
	return c
}
