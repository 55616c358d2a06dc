// Package zhipu implements the Zhipu (bigmodel.cn) GLM chat provider.
//
// The GLM v4 API is close to the OpenAI dialect but carries its own extras:
// a per-call request id, a thinking switch for GLM-4.5+ models, and a
// reasoning_content delta stream alongside the answer.
package zhipu

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	agora "github.com/nevindra/agora"
)

const defaultBaseURL = "https://open.bigmodel.cn/api/paas/v4"

// Zhipu implements agora.Provider for GLM models.
type Zhipu struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client

	temperature *float64
	topP        *float64
	maxTokens   int
	thinking    *bool
}

// New creates a Zhipu chat provider with functional options.
func New(apiKey, model string, opts ...Option) *Zhipu {
	z := &Zhipu{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(z)
	}
	return z
}

// Name returns "zhipu".
func (z *Zhipu) Name() string { return "zhipu" }

// --- wire types ---

type message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type toolCall struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type tool struct {
	Type     string   `json:"type"`
	Function function `json:"function"`
}

type function struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type thinking struct {
	Type string `json:"type"` // "enabled" or "disabled"
}

type chatBody struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Tools       []tool    `json:"tools,omitempty"`
	Stream      bool      `json:"stream"`
	RequestID   string    `json:"request_id,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Thinking    *thinking `json:"thinking,omitempty"`
}

type chunkDelta struct {
	Role             string     `json:"role,omitempty"`
	Content          string     `json:"content,omitempty"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []toolCall `json:"tool_calls,omitempty"`
}

type chunkChoice struct {
	Index        int         `json:"index"`
	Delta        *chunkDelta `json:"delta,omitempty"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chunk struct {
	ID      string        `json:"id"`
	Choices []chunkChoice `json:"choices"`
	Usage   *usage        `json:"usage,omitempty"`
}

// --- request building ---

func (z *Zhipu) buildBody(req agora.ChatRequest) chatBody {
	var msgs []message
	for _, e := range req.Messages {
		switch {
		case e.Kind == agora.EntryAssistant && len(e.ToolCalls) > 0:
			var tcs []toolCall
			for _, tc := range e.ToolCalls {
				tcs = append(tcs, toolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: functionCall{Name: tc.Name, Arguments: tc.Args},
				})
			}
			msgs = append(msgs, message{Role: "assistant", Content: e.Content, ToolCalls: tcs})
		case e.Kind == agora.EntryTool:
			msgs = append(msgs, message{Role: "tool", Content: e.Content, ToolCallID: e.ToolCallID})
		default:
			msgs = append(msgs, message{Role: e.Kind, Content: e.Content})
		}
	}

	body := chatBody{
		Model:       z.model,
		Messages:    msgs,
		Stream:      true,
		RequestID:   agora.NewID(),
		Temperature: z.temperature,
		TopP:        z.topP,
		MaxTokens:   z.maxTokens,
	}
	if z.thinking != nil {
		t := "disabled"
		if *z.thinking {
			t = "enabled"
		}
		body.Thinking = &thinking{Type: t}
	}
	if p := req.Params; p != nil {
		if p.Temperature != nil {
			body.Temperature = p.Temperature
		}
		if p.TopP != nil {
			body.TopP = p.TopP
		}
		if p.MaxTokens != nil {
			body.MaxTokens = *p.MaxTokens
		}
	}
	for _, t := range req.Tools {
		params := json.RawMessage(t.Parameters)
		if len(params) == 0 || !json.Valid(params) {
			params = json.RawMessage(`{}`)
		}
		body.Tools = append(body.Tools, tool{
			Type:     "function",
			Function: function{Name: t.Name, Description: t.Description, Parameters: params},
		})
	}
	return body
}

// ChatStream streams deltas into ch and returns the assembled response. ch
// is closed on every return path; nil ch makes the call silent.
func (z *Zhipu) ChatStream(ctx context.Context, req agora.ChatRequest, ch chan<- agora.StreamDelta) (agora.ChatResponse, error) {
	payload, err := json.Marshal(z.buildBody(req))
	if err != nil {
		closeDeltas(ch)
		return agora.ChatResponse{}, &agora.ErrLLM{Provider: "zhipu", Message: fmt.Sprintf("marshal request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, z.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		closeDeltas(ch)
		return agora.ChatResponse{}, &agora.ErrLLM{Provider: "zhipu", Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+z.apiKey)

	resp, err := z.httpClient.Do(httpReq)
	if err != nil {
		closeDeltas(ch)
		return agora.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		closeDeltas(ch)
		b, _ := io.ReadAll(resp.Body)
		return agora.ChatResponse{}, &agora.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(b),
			RetryAfter: agora.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	return z.readStream(ctx, resp.Body, ch)
}

// readStream assembles the SSE stream, forwarding reasoning, content and
// tool-call fragments as they arrive.
func (z *Zhipu) readStream(ctx context.Context, body io.Reader, ch chan<- agora.StreamDelta) (agora.ChatResponse, error) {
	defer closeDeltas(ch)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var content, reasoning strings.Builder
	var total agora.Usage
	var finish string

	type partial struct {
		ID   string
		Name string
		Args strings.Builder
	}
	var calls []partial

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

		var c chunk
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			continue
		}
		if c.Usage != nil {
			total.TotalTokens = int64(c.Usage.TotalTokens)
			if total.TotalTokens == 0 {
				total.TotalTokens = int64(c.Usage.PromptTokens + c.Usage.CompletionTokens)
			}
		}
		if len(c.Choices) == 0 {
			continue
		}
		choice := c.Choices[0]
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
				calls = append(calls, partial{})
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
		toolCalls = append(toolCalls, agora.ToolCall{ID: calls[i].ID, Name: calls[i].Name, Args: args})
	}

	return agora.ChatResponse{
		Content:      content.String(),
		Reasoning:    reasoning.String(),
		ToolCalls:    toolCalls,
		FinishReason: finish,
		Usage:        total,
	}, nil
}

func closeDeltas(ch chan<- agora.StreamDelta) {
	if ch != nil {
		close(ch)
	}
}

// Compile-time interface check.
var _ agora.Provider = (*Zhipu)(nil)
