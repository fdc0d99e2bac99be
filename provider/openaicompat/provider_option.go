package openaicompat

import (
	"log/slog"
	"net/http"
)

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithName sets the name returned by Name() (default "openai").
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient sets a custom HTTP client (timeouts, proxies).
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithOptions appends request options applied to every request.
func WithOptions(opts ...Option) ProviderOption {
	return func(p *Provider) { p.opts = append(p.opts, opts...) }
}

// WithStreaming switches between SSE streaming (default) and a single
// JSON response per turn. Some local servers stream tool calls poorly.
func WithStreaming(enabled bool) ProviderOption {
	return func(p *Provider) { p.stream = enabled }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}
