package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	agora "github.com/nevindra/agora"
)

// StreamSSE reads a chat completions SSE stream from body, forwards deltas
// to ch, and returns the fully assembled response (reasoning + content +
// tool calls + usage). ch is closed before returning; a nil ch just
// assembles silently.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func StreamSSE(ctx context.Context, body io.Reader, ch chan<- agora.StreamDelta) (agora.ChatResponse, error) {
	if ch != nil {
		defer close(ch)
	}

	scanner := bufio.NewScanner(body)
	// Large tool-call argument chunks overflow the default buffer.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var content, reasoning strings.Builder
	var usage agora.Usage
	var finish string

	// Tool calls stream incrementally: each fragment carries an index, the
	// id and name arrive once, and arguments accumulate as string pieces.
	type partialToolCall struct {
		ID   string
		Name string
		Args strings.Builder
	}
	var calls []partialToolCall

	emit := func(d agora.StreamDelta) error {
		if ch == nil {
			return nil
		}
		select {
		case ch <- d:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // malformed chunk; the stream usually recovers
		}

		if chunk.Usage != nil {
			usage = convertUsage(*chunk.Usage)
		}
		if len(chunk.Choices) == 0 {
			continue // usage-only chunk
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
		delta := choice.Delta
		if delta == nil {
			continue
		}

		if delta.ReasoningContent != "" {
			reasoning.WriteString(delta.ReasoningContent)
			if err := emit(agora.StreamDelta{Kind: agora.DeltaReasoning, Delta: delta.ReasoningContent}); err != nil {
				return agora.ChatResponse{}, err
			}
		}
		if delta.Content != "" {
			content.WriteString(delta.Content)
			if err := emit(agora.StreamDelta{Kind: agora.DeltaContent, Delta: delta.Content}); err != nil {
				return agora.ChatResponse{}, err
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			for len(calls) <= idx {
				calls = append(calls, partialToolCall{})
			}
			if tc.ID != "" {
				calls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				calls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				calls[idx].Args.WriteString(tc.Function.Arguments)
			}
			if err := emit(agora.StreamDelta{
				Kind:         agora.DeltaToolCalls,
				Delta:        tc.Function.Arguments,
				ToolCallID:   calls[idx].ID,
				ToolCallName: calls[idx].Name,
				Index:        idx,
			}); err != nil {
				return agora.ChatResponse{}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return agora.ChatResponse{}, err
	}

	var toolCalls []agora.ToolCall
	for i := range calls {
		args := calls[i].Args.String()
		if !json.Valid([]byte(args)) {
			args = "{}"
		}
		toolCalls = append(toolCalls, agora.ToolCall{
			ID:   calls[i].ID,
			Name: calls[i].Name,
			Args: args,
		})
	}

	return agora.ChatResponse{
		Content:      content.String(),
		Reasoning:    reasoning.String(),
		ToolCalls:    toolCalls,
		FinishReason: finish,
		Usage:        usage,
	}, nil
}

func convertUsage(u Usage) agora.Usage {
	total := int64(u.TotalTokens)
	if total == 0 {
		total = int64(u.PromptTokens + u.CompletionTokens)
	}
	return agora.Usage{TotalTokens: total}
}
