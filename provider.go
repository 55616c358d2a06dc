package agora

import "context"

// StreamDelta kinds, matching the per-agent stream contract.
const (
	DeltaReasoning = "reasoning"
	DeltaContent   = "content"
	DeltaToolCalls = "tool_calls"
)

// StreamDelta is one incremental piece of a streamed model response: a new
// substring of reasoning or content, or a tool-call arguments fragment for
// the slot at Index.
type StreamDelta struct {
	Kind         string `json:"kind"`
	Delta        string `json:"delta"`
	ToolCallID   string `json:"tool_call_id,omitempty"`
	ToolCallName string `json:"tool_call_name,omitempty"`
	Index        int    `json:"index,omitempty"`
}

// GenerationParams tune a single model call. Nil fields use the provider's
// defaults.
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

type ChatRequest struct {
	Messages []HistoryEntry
	Tools    []ToolDefinition
	Params   *GenerationParams
}

// ChatResponse is the terminal snapshot of one streamed call: everything the
// deltas added up to, plus finish reason and usage when the upstream sent
// them.
type ChatResponse struct {
	Content      string     `json:"content"`
	Reasoning    string     `json:"reasoning,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        Usage      `json:"usage"`
}

// Provider abstracts a streaming LLM backend with tool calling.
type Provider interface {
	// ChatStream sends deltas to ch as they arrive and returns the
	// assembled response. ch is closed exactly once on every return path;
	// a nil ch makes the call blocking with no deltas.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamDelta) (ChatResponse, error)
	// Name returns the dialect tag (e.g. "openaicompat", "zhipu").
	Name() string
}

// ProviderResolver maps an agent's model profile to a Provider. A nil
// profile selects the process-wide default endpoint.
type ProviderResolver func(profile *ModelProfile) (Provider, error)
