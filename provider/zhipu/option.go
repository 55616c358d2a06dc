package zhipu

import "net/http"

// Option configures a Zhipu provider.
type Option func(*Zhipu)

// WithBaseURL overrides the API base URL (default open.bigmodel.cn).
func WithBaseURL(u string) Option {
	return func(z *Zhipu) { z.baseURL = u }
}

// WithHTTPClient replaces the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(z *Zhipu) {
		if c != nil {
			z.httpClient = c
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(z *Zhipu) { z.temperature = &t }
}

// WithTopP sets nucleus sampling top-p.
func WithTopP(p float64) Option {
	return func(z *Zhipu) { z.topP = &p }
}

// WithMaxTokens caps the completion length. Zero leaves the model default.
func WithMaxTokens(n int) Option {
	return func(z *Zhipu) { z.maxTokens = n }
}

// WithThinking enables or disables the GLM thinking switch. When never
// called the thinking field is omitted and the model default applies.
func WithThinking(enabled bool) Option {
	return func(z *Zhipu) { z.thinking = &enabled }
}
