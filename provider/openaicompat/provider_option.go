package openaicompat

import "net/http"

// ProviderOption configures a Provider instance.
type ProviderOption func(*Provider)

// WithName sets the provider name returned by Name() (default "openai").
// Use this to distinguish dialect sharers in logs and error classification.
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient sets a custom HTTP client (e.g. for timeouts or proxies).
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithHeaders adds extra headers to every request, e.g. OpenRouter's
// HTTP-Referer or an organization id.
func WithHeaders(h map[string]string) ProviderOption {
	return func(p *Provider) {
		if p.headers == nil {
			p.headers = map[string]string{}
		}
		for k, v := range h {
			p.headers[k] = v
		}
	}
}

// WithOptions appends request-level options (temperature, top_p, etc.)
// applied to every request made by this provider.
func WithOptions(opts ...Option) ProviderOption {
	return func(p *Provider) { p.opts = append(p.opts, opts...) }
}
