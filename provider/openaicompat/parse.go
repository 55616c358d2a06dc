package openaicompat

import (
	"encoding/json"

	agora "github.com/nevindra/agora"
)

// ParseResponse converts a full (non-streamed) chat completions response to
// the runtime shape. Content, reasoning, tool calls and usage come from
// choices[0].
func ParseResponse(resp ChatResponse) (agora.ChatResponse, error) {
	var out agora.ChatResponse
	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	out.FinishReason = choice.FinishReason
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.Reasoning = choice.Message.ReasoningContent
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}
	if resp.Usage != nil {
		out.Usage = convertUsage(*resp.Usage)
	}
	return out, nil
}

// ParseToolCalls converts wire tool calls to runtime ToolCalls. Arguments
// that are not valid JSON collapse to an empty object.
func ParseToolCalls(tcs []ToolCallRequest) []agora.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]agora.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := tc.Function.Arguments
		if !json.Valid([]byte(args)) {
			args = "{}"
		}
		out = append(out, agora.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
