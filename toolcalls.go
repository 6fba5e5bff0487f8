package rondo

import (
	"encoding/json"
	"strings"
)

// ParseLooseToolCall attempts a best-effort parse of model output text as
// a single tool call. It accepts a bare JSON object with "name" and
// "arguments" (or "args"), the same object wrapped in a code fence, and
// the {"function": {"name", "arguments"}} wrapper some models emit.
// Returns a call with a freshly minted id on success.
//
// This is a compatibility shim for models without structured tool-call
// support. Callers apply it only when a response carried zero structured
// calls; on success the producing text must not be surfaced as content.
func ParseLooseToolCall(text string) (ToolCall, bool) {
	raw := extractJSONObject(text)
	if raw == "" || !json.Valid([]byte(raw)) {
		return ToolCall{}, false
	}
	var lc looseCall
	if err := json.Unmarshal([]byte(raw), &lc); err != nil {
		return ToolCall{}, false
	}
	if lc.Name == "" && lc.Function != nil {
		lc = *lc.Function
	}
	if lc.Name == "" {
		return ToolCall{}, false
	}
	args := lc.Arguments
	if len(args) == 0 {
		args = lc.Args
	}
	return ToolCall{ID: NewID(), Name: lc.Name, Args: normalizeArgs(args)}, true
}

// SurfaceLooseToolCall rewrites resp in place when its content is a loose
// tool call: the parsed call replaces ToolCalls and the content is
// cleared. No-op when resp already has structured calls.
func SurfaceLooseToolCall(resp *ChatResponse) bool {
	if len(resp.ToolCalls) > 0 || strings.TrimSpace(resp.Content) == "" {
		return false
	}
	tc, ok := ParseLooseToolCall(resp.Content)
	if !ok {
		return false
	}
	resp.ToolCalls = []ToolCall{tc}
	resp.Content = ""
	return true
}

type looseCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Args      json.RawMessage `json:"args"`
	Function  *looseCall      `json:"function"`
}

// extractJSONObject pulls the outermost JSON object out of free-form
// model text: surrounding whitespace and ``` fences (with or without a
// language tag) are stripped, then the span from the first '{' to the
// last '}' is taken.
func extractJSONObject(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		if nl := strings.Index(s, "\n"); nl >= 0 {
			s = s[nl+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// normalizeArgs coerces a loose arguments value into a JSON object.
// Models emit arguments as an object, a JSON-encoded string of an
// object, or nothing at all.
func normalizeArgs(raw json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return json.RawMessage(`{}`)
	}
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(trimmed), &inner); err == nil {
			inner = strings.TrimSpace(inner)
			if json.Valid([]byte(inner)) && strings.HasPrefix(inner, "{") {
				return json.RawMessage(inner)
			}
		}
		return json.RawMessage(`{}`)
	}
	if !json.Valid([]byte(trimmed)) {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(trimmed)
}
