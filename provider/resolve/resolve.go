// Package resolve maps provider-agnostic endpoint configuration onto a
// concrete chat dialect.
package resolve

import (
	"fmt"
	"time"

	agora "github.com/nevindra/agora"
	"github.com/nevindra/agora/provider/openaicompat"
	"github.com/nevindra/agora/provider/zhipu"
)

// Config holds provider-agnostic configuration for creating a chat Provider.
type Config struct {
	Provider string // "zhipu", "glm", "openai", "openrouter", "deepseek", "moonshot", "ollama", "custom"
	APIKey   string
	Model    string
	BaseURL  string            // required for "custom"; auto-filled for known providers
	Headers  map[string]string // extra HTTP headers, openai-compat dialect only

	// Common cross-provider options (nil = use provider default).
	Temperature *float64
	TopP        *float64
	Thinking    *bool

	// When MaxAttempts > 1 the provider is wrapped with retry on
	// transient HTTP errors.
	MaxAttempts int
	RetryDelay  time.Duration
}

// Provider creates an agora.Provider from a provider-agnostic Config.
func Provider(cfg Config) (agora.Provider, error) {
	p, err := dialect(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.MaxAttempts > 1 {
		opts := []agora.RetryOption{agora.RetryMaxAttempts(cfg.MaxAttempts)}
		if cfg.RetryDelay > 0 {
			opts = append(opts, agora.RetryBaseDelay(cfg.RetryDelay))
		}
		p = agora.WithRetry(p, opts...)
	}
	return p, nil
}

// Resolver builds the runtime's provider resolver. A nil profile resolves to
// the process default; otherwise the profile's endpoint wins while the
// defaults keep supplying sampling and retry settings.
func Resolver(defaults Config) agora.ProviderResolver {
	return func(profile *agora.ModelProfile) (agora.Provider, error) {
		if profile == nil {
			return Provider(defaults)
		}
		cfg := defaults
		cfg.Provider = profile.Provider
		cfg.APIKey = profile.APIKey
		cfg.Model = profile.Model
		cfg.BaseURL = profile.BaseURL
		cfg.Headers = profile.Headers
		return Provider(cfg)
	}
}

func dialect(cfg Config) (agora.Provider, error) {
	switch cfg.Provider {
	case "zhipu", "glm":
		return zhipuProvider(cfg), nil
	case "openai", "openrouter", "deepseek", "moonshot", "ollama", "custom":
		return openaiCompatProvider(cfg), nil
	default:
		// Unknown tags with an explicit endpoint are treated as
		// openai-compatible gateways.
		if cfg.BaseURL != "" {
			return openaiCompatProvider(cfg), nil
		}
		return nil, fmt.Errorf("resolve: unknown provider %q", cfg.Provider)
	}
}

func zhipuProvider(cfg Config) agora.Provider {
	var opts []zhipu.Option
	if cfg.BaseURL != "" {
		opts = append(opts, zhipu.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Temperature != nil {
		opts = append(opts, zhipu.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		opts = append(opts, zhipu.WithTopP(*cfg.TopP))
	}
	if cfg.Thinking != nil {
		opts = append(opts, zhipu.WithThinking(*cfg.Thinking))
	}
	return zhipu.New(cfg.APIKey, cfg.Model, opts...)
}

func openaiCompatProvider(cfg Config) agora.Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}
	provOpts := []openaicompat.ProviderOption{openaicompat.WithName(cfg.Provider)}
	if len(cfg.Headers) > 0 {
		provOpts = append(provOpts, openaicompat.WithHeaders(cfg.Headers))
	}

	var reqOpts []openaicompat.Option
	if cfg.Temperature != nil {
		reqOpts = append(reqOpts, openaicompat.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		reqOpts = append(reqOpts, openaicompat.WithTopP(*cfg.TopP))
	}
	if len(reqOpts) > 0 {
		provOpts = append(provOpts, openaicompat.WithOptions(reqOpts...))
	}
	return openaicompat.NewProvider(cfg.APIKey, cfg.Model, baseURL, provOpts...)
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "openrouter":
		return "https://openrouter.ai/api/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "moonshot":
		return "https://api.moonshot.cn/v1"
	case "zhipu", "glm":
		return "https://open.bigmodel.cn/api/paas/v4"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}
