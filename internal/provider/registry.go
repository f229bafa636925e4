// Package provider builds and indexes the per-vendor adapters. Dispatch is
// a static map from provider name to adapter instance.
package provider

import (
	"context"
	"fmt"
	"sort"

	"github.com/conduitllm/conduit/internal/config"
	"github.com/conduitllm/conduit/internal/domain"
	"github.com/conduitllm/conduit/internal/pricing"
	anthropicadapter "github.com/conduitllm/conduit/internal/provider/anthropic"
	geminiadapter "github.com/conduitllm/conduit/internal/provider/gemini"
	openaiadapter "github.com/conduitllm/conduit/internal/provider/openai"
)

// Registry holds the configured adapters keyed by provider name.
type Registry struct {
	adapters map[string]domain.ProviderAdapter
}

// NewRegistry builds adapters for every provider with a configured key.
func NewRegistry(cfg config.ProvidersConfig) *Registry {
	r := &Registry{adapters: make(map[string]domain.ProviderAdapter)}

	if cfg.Anthropic.Enabled() {
		var opts []anthropicadapter.ProviderOption
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicadapter.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		r.adapters["anthropic"] = anthropicadapter.New(cfg.Anthropic.APIKey, opts...)
	}
	if cfg.OpenAI.Enabled() {
		var opts []openaiadapter.ProviderOption
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openaiadapter.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		r.adapters["openai"] = openaiadapter.New(cfg.OpenAI.APIKey, opts...)
	}
	if cfg.Gemini.Enabled() {
		var opts []geminiadapter.ProviderOption
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, geminiadapter.WithBaseURL(cfg.Gemini.BaseURL))
		}
		r.adapters["gemini"] = geminiadapter.New(cfg.Gemini.APIKey, opts...)
	}

	return r
}

// NewRegistryWith builds a registry from explicit adapters. Used by tests
// and by callers embedding custom adapters.
func NewRegistryWith(adapters ...domain.ProviderAdapter) *Registry {
	r := &Registry{adapters: make(map[string]domain.ProviderAdapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter for a provider name.
func (r *Registry) Get(name string) (domain.ProviderAdapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, domain.ErrModelUnavailable(fmt.Sprintf("provider %s is not configured", name))
	}
	return a, nil
}

// ForModel resolves the adapter owning a model via the pricing table.
func (r *Registry) ForModel(model string) (domain.ProviderAdapter, error) {
	name := pricing.ProviderFor(model)
	if name == "" {
		return nil, domain.ErrUnsupportedModel(model)
	}
	return r.Get(name)
}

// Names returns configured provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ListModels merges the model listings of every configured provider.
// A provider failure skips that provider rather than failing the merge.
func (r *Registry) ListModels(ctx context.Context) *domain.ModelList {
	out := &domain.ModelList{Object: "list"}
	for _, name := range r.Names() {
		list, err := r.adapters[name].ListModels(ctx)
		if err != nil {
			continue
		}
		out.Data = append(out.Data, list.Data...)
	}
	return out
}
