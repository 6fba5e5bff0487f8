package openaicompat

import (
	"encoding/json"

	"github.com/vessar/rondo"
)

// ParseResponse converts an OpenAI-format ChatResponse to a rondo ChatResponse.
// It extracts content, tool calls, finish reason, and usage from choices[0].
func ParseResponse(resp ChatResponse) rondo.ChatResponse {
	var out rondo.ChatResponse
	out.Model = resp.Model

	if resp.Usage != nil {
		out.Usage = rondo.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	if len(resp.Choices) == 0 {
		return out
	}

	choice := resp.Choices[0]
	out.FinishReason = choice.FinishReason
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}

	return out
}

// ParseToolCalls converts OpenAI tool call requests to rondo ToolCalls.
// OpenAI returns function.arguments as a JSON string; we parse it into
// json.RawMessage. Invalid argument payloads degrade to an empty object
// so the registry's schema check reports them instead of a JSON panic
// further down.
func ParseToolCalls(tcs []ToolCallRequest) []rondo.ToolCall {
	if len(tcs) == 0 {
		return nil
	}

	out := make([]rondo.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, rondo.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
