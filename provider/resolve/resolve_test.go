package resolve

import (
	"testing"

	agora "github.com/nevindra/agora"
)

func TestDefaultBaseURL(t *testing.T) {
	tests := []struct {
		provider string
		want     string
	}{
		{"openai", "https://api.openai.com/v1"},
		{"openrouter", "https://openrouter.ai/api/v1"},
		{"deepseek", "https://api.deepseek.com/v1"},
		{"moonshot", "https://api.moonshot.cn/v1"},
		{"zhipu", "https://open.bigmodel.cn/api/paas/v4"},
		{"glm", "https://open.bigmodel.cn/api/paas/v4"},
		{"ollama", "http://localhost:11434/v1"},
		{"unknown", ""},
	}
	for _, tt := range tests {
		if got := defaultBaseURL(tt.provider); got != tt.want {
			t.Errorf("defaultBaseURL(%q) = %q, want %q", tt.provider, got, tt.want)
		}
	}
}

func TestProvider_Zhipu(t *testing.T) {
	for _, tag := range []string{"zhipu", "glm"} {
		t.Run(tag, func(t *testing.T) {
			p, err := Provider(Config{
				Provider: tag,
				APIKey:   "test-key",
				Model:    "glm-4.6",
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Name() != "zhipu" {
				t.Errorf("Name() = %q, want %q", p.Name(), "zhipu")
			}
		})
	}
}

func TestProvider_OpenAICompat(t *testing.T) {
	providers := []string{"openai", "openrouter", "deepseek", "moonshot", "ollama"}
	for _, name := range providers {
		t.Run(name, func(t *testing.T) {
			p, err := Provider(Config{
				Provider: name,
				APIKey:   "test-key",
				Model:    "test-model",
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Name() != name {
				t.Errorf("Name() = %q, want %q", p.Name(), name)
			}
		})
	}
}

func TestProvider_WithOptions(t *testing.T) {
	temp := 0.5
	topP := 0.9
	p, err := Provider(Config{
		Provider:    "openai",
		APIKey:      "test-key",
		Model:       "gpt-4.1",
		Temperature: &temp,
		TopP:        &topP,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("provider is nil")
	}
}

func TestProvider_ThinkingSkippedForOpenAICompat(t *testing.T) {
	thinking := true
	p, err := Provider(Config{
		Provider: "openai",
		APIKey:   "test-key",
		Model:    "gpt-4.1",
		Thinking: &thinking,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("provider is nil")
	}
	// Thinking only applies to the zhipu dialect — no error, no panic.
}

func TestProvider_UnknownWithBaseURL(t *testing.T) {
	// Unknown tags with an explicit endpoint act as openai-compatible
	// gateways.
	p, err := Provider(Config{
		Provider: "my-gateway",
		APIKey:   "test-key",
		Model:    "local-model",
		BaseURL:  "http://localhost:8080/v1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "my-gateway" {
		t.Errorf("Name() = %q, want %q", p.Name(), "my-gateway")
	}
}

func TestProvider_UnknownWithoutBaseURL(t *testing.T) {
	_, err := Provider(Config{
		Provider: "unknown-llm",
		APIKey:   "test-key",
		Model:    "test-model",
	})
	if err == nil {
		t.Fatal("expected error for unknown provider without base URL")
	}
}

func TestProvider_RetryWrap(t *testing.T) {
	p, err := Provider(Config{
		Provider:    "zhipu",
		APIKey:      "test-key",
		Model:       "glm-4.6",
		MaxAttempts: 5,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The retry decorator is transparent: the dialect name survives.
	if p.Name() != "zhipu" {
		t.Errorf("Name() = %q, want %q", p.Name(), "zhipu")
	}
}

func TestResolver_NilProfile(t *testing.T) {
	r := Resolver(Config{
		Provider: "zhipu",
		APIKey:   "default-key",
		Model:    "glm-4.6",
	})
	p, err := r(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "zhipu" {
		t.Errorf("Name() = %q, want %q", p.Name(), "zhipu")
	}
}

func TestResolver_ProfileOverrides(t *testing.T) {
	r := Resolver(Config{
		Provider: "zhipu",
		APIKey:   "default-key",
		Model:    "glm-4.6",
	})
	p, err := r(&agora.ModelProfile{
		Provider: "deepseek",
		APIKey:   "profile-key",
		Model:    "deepseek-chat",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "deepseek" {
		t.Errorf("Name() = %q, want %q", p.Name(), "deepseek")
	}
}

func TestResolver_ProfileUnknownProvider(t *testing.T) {
	r := Resolver(Config{Provider: "zhipu", APIKey: "k", Model: "glm-4.6"})
	_, err := r(&agora.ModelProfile{Provider: "bogus", Model: "m"})
	if err == nil {
		t.Fatal("expected error for profile with unknown provider")
	}
}
