// Package registry builds provider adapters by name and selects the one
// serving a request.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/felipepmaragno/finance-assistant/internal/domain"
	"github.com/felipepmaragno/finance-assistant/internal/provider"
	"github.com/felipepmaragno/finance-assistant/internal/provider/anthropic"
	"github.com/felipepmaragno/finance-assistant/internal/provider/bedrock"
	"github.com/felipepmaragno/finance-assistant/internal/provider/mock"
	"github.com/felipepmaragno/finance-assistant/internal/provider/ollama"
	"github.com/felipepmaragno/finance-assistant/internal/provider/openai"
	"github.com/felipepmaragno/finance-assistant/internal/provider/openrouter"
	"github.com/felipepmaragno/finance-assistant/internal/secrets"
)

// SecretKey names the config entry holding a secret reference that is
// resolved into "api_key" before Initialize.
const SecretKey = "api_key_secret"

type Factory func() provider.Adapter

var factories = map[string]Factory{
	openai.Name:     func() provider.Adapter { return openai.New() },
	openrouter.Name: func() provider.Adapter { return openrouter.New() },
	anthropic.Name:  func() provider.Adapter { return anthropic.New() },
	ollama.Name:     func() provider.Adapter { return ollama.New() },
	bedrock.Name:    func() provider.Adapter { return bedrock.New() },
	mock.Name:       func() provider.Adapter { return mock.New() },
}

// Known lists the provider names Build accepts.
func Known() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Build creates and initializes the adapter registered under name.
func Build(name string, cfg provider.Config) (provider.Adapter, error) {
	factory, ok := factories[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrProviderNotFound, name)
	}

	adapter := factory()
	if err := adapter.Initialize(cfg); err != nil {
		return nil, err
	}
	return adapter, nil
}

type Registry struct {
	adapters        map[string]provider.Adapter
	defaultProvider string
}

func New(adapters map[string]provider.Adapter, defaultProvider string) *Registry {
	return &Registry{
		adapters:        adapters,
		defaultProvider: defaultProvider,
	}
}

// Load builds every configured provider. Secret references are resolved
// through store, which may be nil when no provider uses one.
func Load(ctx context.Context, settings map[string]provider.Config, defaultProvider string, store secrets.SecretStore, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	adapters := make(map[string]provider.Adapter, len(settings))
	for name, cfg := range settings {
		resolved, err := resolveSecret(ctx, name, cfg, store)
		if err != nil {
			return nil, err
		}

		adapter, err := Build(name, resolved)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		adapters[adapter.Name()] = adapter

		attrs := []any{"provider", adapter.Name()}
		if d, ok := adapter.(provider.Describer); ok {
			attrs = append(attrs, "model", d.Model(), "timeout", d.Timeout())
		}
		logger.Info("provider initialized", attrs...)
	}

	if len(adapters) == 0 {
		return nil, fmt.Errorf("%w: no providers configured", domain.ErrConfiguration)
	}
	if _, ok := adapters[defaultProvider]; !ok {
		return nil, fmt.Errorf("%w: default provider %q is not configured", domain.ErrConfiguration, defaultProvider)
	}

	return New(adapters, defaultProvider), nil
}

func resolveSecret(ctx context.Context, name string, cfg provider.Config, store secrets.SecretStore) (provider.Config, error) {
	ref := cfg.String(SecretKey, "")
	if ref == "" || cfg.String("api_key", "") != "" {
		return cfg, nil
	}
	if store == nil {
		return nil, fmt.Errorf("%w: %s references secret %q but no secret store is configured", domain.ErrConfiguration, name, ref)
	}

	key, err := secrets.Lookup(ctx, store, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %s api key: %w", domain.ErrConfiguration, name, err)
	}

	resolved := make(provider.Config, len(cfg)+1)
	for k, v := range cfg {
		resolved[k] = v
	}
	resolved["api_key"] = key
	return resolved, nil
}

// Select returns the hinted provider, else the one serving model, else the
// default.
func (r *Registry) Select(hint, model string) (provider.Adapter, error) {
	if hint != "" {
		if p, ok := r.adapters[hint]; ok {
			return p, nil
		}
		return nil, fmt.Errorf("%w: %q", domain.ErrProviderNotFound, hint)
	}

	if p := r.findProviderByModel(model); p != nil {
		return p, nil
	}

	if p, ok := r.adapters[r.defaultProvider]; ok {
		return p, nil
	}

	return nil, domain.ErrProviderNotFound
}

func (r *Registry) findProviderByModel(model string) provider.Adapter {
	var id string
	switch {
	case model == "":
		return nil
	case strings.HasPrefix(model, "gpt-"), strings.HasPrefix(model, "text-embedding-"):
		id = openai.Name
	case strings.HasPrefix(model, "claude-"):
		id = anthropic.Name
	case strings.HasPrefix(model, "anthropic."), strings.HasPrefix(model, "amazon."):
		id = bedrock.Name
	case strings.Contains(model, "/"):
		id = openrouter.Name
	default:
		return nil
	}

	if p, ok := r.adapters[id]; ok {
		return p
	}
	return nil
}

func (r *Registry) Get(name string) (provider.Adapter, bool) {
	p, ok := r.adapters[name]
	return p, ok
}

func (r *Registry) Default() string {
	return r.defaultProvider
}

// Names returns the configured providers in sorted order.
func (r *Registry) Names() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
