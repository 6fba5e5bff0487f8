package rondo

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// PlanFallbackStep is the single synthetic step used when the planner
// returns nothing usable.
const PlanFallbackStep = "Analyze the request and provide a comprehensive answer"

const plannerPrompt = `You are a planning assistant. Break the user's request into a short numbered plan.

Rules:
- 3 to 6 concrete steps, each a single action.
- Steps may use the available tools or reason over earlier results.
- The final step should produce the answer for the user.
- Output ONLY the numbered list, one step per line, no commentary.`

// BuildPlan asks the provider for a numbered plan over the given tools.
// The returned plan always has at least one step.
func BuildPlan(ctx context.Context, p Provider, model, query string, tools []ToolDescriptor) ([]string, error) {
	names := make([]string, len(tools))
	for i, d := range tools {
		names[i] = d.Name
	}
	user := fmt.Sprintf("Available tools: %s\n\nRequest: %s", strings.Join(names, ", "), query)
	req := ChatRequest{
		Model:       model,
		Temperature: 0.2,
		Messages: []ChatMessage{
			SystemMessage(plannerPrompt),
			UserMessage(user),
		},
	}
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	steps := ParsePlan(resp.Content)
	if len(steps) == 0 {
		steps = []string{PlanFallbackStep}
	}
	return steps, nil
}

var planNumbering = regexp.MustCompile(`^\s*\d+\s*[.)]\s*`)

// ParsePlan extracts plan steps from a numbered list, stripping leading
// numbering ("1. ", "1) ", "10. ") and blank lines. Lines that never
// carried numbering are kept as-is so loosely formatted plans survive.
func ParsePlan(text string) []string {
	var steps []string
	for _, line := range strings.Split(text, "\n") {
		s := planNumbering.ReplaceAllString(line, "")
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		steps = append(steps, s)
	}
	return steps
}
