package runner

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
)

type route struct {
	prefix  string
	backend Runner
}

// Router dispatches a persona to the backend registered for its model
// prefix, falling back to a default backend.
type Router struct {
	routes   []route
	fallback Runner
}

var _ Runner = (*Router)(nil)

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{}
}

// Handle routes models starting with prefix to backend. Earlier
// registrations win on overlapping prefixes.
func (r *Router) Handle(prefix string, backend Runner) {
	r.routes = append(r.routes, route{prefix: strings.ToLower(prefix), backend: backend})
}

// Default sets the backend used when no prefix matches.
func (r *Router) Default(backend Runner) {
	r.fallback = backend
}

// Empty reports whether no backend is registered.
func (r *Router) Empty() bool {
	return len(r.routes) == 0 && r.fallback == nil
}

func (r *Router) resolve(model string) Runner {
	model = strings.ToLower(model)
	for _, rt := range r.routes {
		if strings.HasPrefix(model, rt.prefix) {
			return rt.backend
		}
	}
	return r.fallback
}

// Stream implements Runner.
func (r *Router) Stream(ctx context.Context, p Persona, req Request) iter.Seq2[Event, error] {
	backend := r.resolve(p.Model)
	if backend == nil {
		return func(yield func(Event, error) bool) {
			slog.Warn("No model backend for persona", "persona", p.Name, "model", p.Model)
			yield(Event{}, fmt.Errorf("model %q: %w", p.Model, ErrProviderNotConfigured))
		}
	}
	return backend.Stream(ctx, p, req)
}

// ProviderKeys holds provider credentials. A provider without a key is not
// registered.
type ProviderKeys struct {
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	GeminiAPIKey    string
}

// NewProviderRouter registers a backend for every configured provider. Models
// prefixed "claude" go to Anthropic, "gemini" to Gemini, the rest to OpenAI.
func NewProviderRouter(ctx context.Context, keys ProviderKeys) (*Router, error) {
	r := NewRouter()
	if keys.OpenAIAPIKey != "" {
		r.Default(NewOpenAI(keys.OpenAIAPIKey, keys.OpenAIBaseURL))
	}
	if keys.AnthropicAPIKey != "" {
		r.Handle("claude", NewAnthropic(keys.AnthropicAPIKey))
	}
	if keys.GeminiAPIKey != "" {
		g, err := NewGemini(ctx, keys.GeminiAPIKey)
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		r.Handle("gemini", g)
	}
	return r, nil
}
