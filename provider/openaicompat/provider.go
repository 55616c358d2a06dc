package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	agora "github.com/nevindra/agora"
)

// Provider implements agora.Provider for any OpenAI-compatible API.
//
// Works with OpenAI, OpenRouter, DeepSeek, Moonshot, Ollama, vLLM, LM Studio,
// and any other endpoint that implements the chat completions API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	headers map[string]string
	client  *http.Client
	name    string
	opts    []Option
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "http://localhost:11434/v1"). The /chat/completions path is appended
// automatically.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// mergeGenParams returns the provider's base options with any per-request
// params appended. Per-request params win because options apply in order.
func (p *Provider) mergeGenParams(params *agora.GenerationParams) []Option {
	if params == nil {
		return p.opts
	}
	opts := make([]Option, len(p.opts), len(p.opts)+3)
	copy(opts, p.opts)
	if params.Temperature != nil {
		opts = append(opts, WithTemperature(*params.Temperature))
	}
	if params.TopP != nil {
		opts = append(opts, WithTopP(*params.TopP))
	}
	if params.MaxTokens != nil {
		opts = append(opts, WithMaxTokens(*params.MaxTokens))
	}
	return opts
}

// ChatStream streams deltas into ch and returns the assembled response. ch
// is closed on every return path; nil ch makes the call silent.
func (p *Provider) ChatStream(ctx context.Context, req agora.ChatRequest, ch chan<- agora.StreamDelta) (agora.ChatResponse, error) {
	body := BuildBody(req.Messages, req.Tools, p.model, p.mergeGenParams(req.Params)...)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		closeDeltas(ch)
		return agora.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		closeDeltas(ch)
		return agora.ChatResponse{}, p.httpErr(resp)
	}

	// StreamSSE closes ch when done.
	return StreamSSE(ctx, resp.Body, ch)
}

// sendHTTP marshals the request body and posts it to the chat completions
// endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &agora.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &agora.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	return p.client.Do(httpReq)
}

// httpErr reads the response body into an ErrHTTP, parsing Retry-After for
// the retry middleware.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &agora.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: agora.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

func closeDeltas(ch chan<- agora.StreamDelta) {
	if ch != nil {
		close(ch)
	}
}

// Compile-time interface check.
var _ agora.Provider = (*Provider)(nil)
