package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	agora "github.com/nevindra/agora"
)

func sseHandler(t *testing.T, check func(req ChatRequest), chunks ...string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("expected path /chat/completions, got %s", r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content-type: %s", r.Header.Get("Content-Type"))
		}

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if check != nil {
			check(req)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range chunks {
			w.Write([]byte("data: " + chunk + "\n\n"))
			flusher.Flush()
		}
	}
}

func TestProvider_ChatStream(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, func(req ChatRequest) {
		if req.Model != "gpt-4.1" {
			t.Errorf("expected model gpt-4.1, got %s", req.Model)
		}
		if !req.Stream {
			t.Error("expected stream=true")
		}
		if req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Error("expected stream_options.include_usage=true")
		}
	},
		`{"id":"c","choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`,
		`{"id":"c","choices":[{"index":0,"delta":{"content":"Hello"}}]}`,
		`{"id":"c","choices":[{"index":0,"delta":{"content":" world"}}]}`,
		`{"id":"c","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
		`[DONE]`,
	))
	defer srv.Close()

	p := NewProvider("test-key", "gpt-4.1", srv.URL)

	ch := make(chan agora.StreamDelta, 10)
	resp, err := p.ChatStream(context.Background(), agora.ChatRequest{
		Messages: []agora.HistoryEntry{{Kind: agora.EntryUser, Content: "Hi"}},
	}, ch)
	if err != nil {
		t.Fatalf("ChatStream returned error: %v", err)
	}

	var deltas int
	for d := range ch {
		if d.Kind == agora.DeltaContent {
			deltas++
		}
	}
	if resp.Content != "Hello world" {
		t.Errorf("expected content 'Hello world', got %q", resp.Content)
	}
	if deltas != 2 {
		t.Errorf("expected 2 content deltas, got %d", deltas)
	}
	if resp.Usage.TotalTokens != 7 {
		t.Errorf("expected 7 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestProvider_AuthHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	p := NewProvider("test-key", "gpt-4.1", srv.URL)
	if _, err := p.ChatStream(context.Background(), agora.ChatRequest{}, nil); err != nil {
		t.Fatalf("ChatStream returned error: %v", err)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("expected bearer auth, got %q", gotAuth)
	}
}

func TestProvider_NoAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Ollama and other local endpoints run without keys.
		if r.Header.Get("Authorization") != "" {
			t.Error("expected no auth header for empty API key")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"id":"c","choices":[{"index":0,"delta":{"content":"OK"}}]}` + "\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	p := NewProvider("", "llama3", srv.URL)
	resp, err := p.ChatStream(context.Background(), agora.ChatRequest{}, nil)
	if err != nil {
		t.Fatalf("ChatStream returned error: %v", err)
	}
	if resp.Content != "OK" {
		t.Errorf("expected content 'OK', got %q", resp.Content)
	}
}

func TestProvider_ExtraHeaders(t *testing.T) {
	var gotReferer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReferer = r.Header.Get("HTTP-Referer")
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	p := NewProvider("key", "model", srv.URL, WithHeaders(map[string]string{
		"HTTP-Referer": "https://example.com",
	}))
	if _, err := p.ChatStream(context.Background(), agora.ChatRequest{}, nil); err != nil {
		t.Fatalf("ChatStream returned error: %v", err)
	}
	if gotReferer != "https://example.com" {
		t.Errorf("expected extra header to pass through, got %q", gotReferer)
	}
}

func TestProvider_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	p := NewProvider("test-key", "gpt-4.1", srv.URL)

	ch := make(chan agora.StreamDelta, 10)
	_, err := p.ChatStream(context.Background(), agora.ChatRequest{}, ch)
	if err == nil {
		t.Fatal("expected error for 429 response")
	}

	var httpErr *agora.ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected *agora.ErrHTTP, got %T", err)
	}
	if httpErr.Status != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", httpErr.Status)
	}
	if httpErr.RetryAfter.Seconds() != 7 {
		t.Errorf("expected Retry-After 7s, got %v", httpErr.RetryAfter)
	}

	// Channel must be closed even on error.
	if _, open := <-ch; open {
		t.Error("expected channel to be closed on error")
	}
}

func TestProvider_Name(t *testing.T) {
	p := NewProvider("key", "model", "http://localhost")
	if p.Name() != "openai" {
		t.Errorf("expected default name 'openai', got %q", p.Name())
	}

	p = NewProvider("key", "model", "http://localhost", WithName("openrouter"))
	if p.Name() != "openrouter" {
		t.Errorf("expected name 'openrouter', got %q", p.Name())
	}
}

func TestProvider_GenerationParamsOverride(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, func(req ChatRequest) {
		if req.Temperature == nil || *req.Temperature != 0.2 {
			t.Errorf("expected per-request temperature 0.2, got %v", req.Temperature)
		}
		if req.MaxTokens != 700 {
			t.Errorf("expected max_tokens 700, got %d", req.MaxTokens)
		}
	}, `[DONE]`))
	defer srv.Close()

	temp := 0.7
	p := NewProvider("key", "gpt-4.1", srv.URL, WithOptions(WithTemperature(temp)))

	reqTemp := 0.2
	maxTokens := 700
	_, err := p.ChatStream(context.Background(), agora.ChatRequest{
		Params: &agora.GenerationParams{Temperature: &reqTemp, MaxTokens: &maxTokens},
	}, nil)
	if err != nil {
		t.Fatalf("ChatStream returned error: %v", err)
	}
}
