package openaicompat

import (
	"encoding/json"

	agora "github.com/nevindra/agora"
)

// BuildBody converts history entries and tool definitions into a chat
// completions request. Options configure generation parameters.
func BuildBody(entries []agora.HistoryEntry, tools []agora.ToolDefinition, model string, opts ...Option) ChatRequest {
	var msgs []Message

	for _, e := range entries {
		switch {
		case e.Kind == agora.EntryAssistant && len(e.ToolCalls) > 0:
			var tcs []ToolCallRequest
			for _, tc := range e.ToolCalls {
				tcs = append(tcs, ToolCallRequest{
					ID:   tc.ID,
					Type: "function",
					Function: FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Args,
					},
				})
			}
			msgs = append(msgs, Message{
				Role:      "assistant",
				Content:   e.Content,
				ToolCalls: tcs,
			})

		case e.Kind == agora.EntryTool:
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    e.Content,
				ToolCallID: e.ToolCallID,
				Name:       e.ToolName,
			})

		default:
			// system, user, or plain assistant text. Private reasoning is
			// never replayed upstream.
			msgs = append(msgs, Message{
				Role:    e.Kind,
				Content: e.Content,
			})
		}
	}

	req := ChatRequest{
		Model:    model,
		Messages: msgs,
	}
	if len(tools) > 0 {
		req.Tools = BuildToolDefs(tools)
	}

	for _, opt := range opts {
		opt(&req)
	}
	return req
}

// BuildToolDefs converts tool definitions to the OpenAI tool format.
func BuildToolDefs(tools []agora.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := json.RawMessage(t.Parameters)
		if len(params) == 0 || !json.Valid(params) {
			params = json.RawMessage(`{}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
