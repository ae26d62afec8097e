package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"chanbridge/internal/config"
	"chanbridge/internal/domain"
)

// Constructor creates a provider from a named config entry.
type Constructor func(name string, pc config.ProviderConfig, logger *slog.Logger) domain.Provider

// Factory creates and caches model providers from config.
type Factory struct {
	providers     map[string]config.ProviderConfig
	defaultName   string
	failoverChain []string
	logger        *slog.Logger
	constructors  map[string]Constructor
	cache         map[string]domain.Provider
	mu            sync.RWMutex
}

// NewFactory creates a provider factory with the built-in kinds registered.
func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	f := &Factory{
		providers:     cfg.Providers,
		defaultName:   cfg.Agent.DefaultProvider,
		failoverChain: cfg.Agent.FailoverChain,
		logger:        logger,
		constructors:  make(map[string]Constructor),
		cache:         make(map[string]domain.Provider),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds (or replaces) the constructor for a provider kind.
func (f *Factory) RegisterConstructor(kind string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[kind] = ctor
}

func (f *Factory) registerDefaults() {
	f.constructors["openai"] = func(name string, pc config.ProviderConfig, logger *slog.Logger) domain.Provider {
		return NewOpenAI(OpenAIConfig{
			Name:    name,
			APIKey:  pc.APIKey,
			APIBase: pc.APIBase,
			Model:   pc.DefaultModel,
			Timeout: time.Duration(pc.TimeoutSeconds) * time.Second,
			Logger:  logger,
		})
	}
	f.constructors["claude"] = func(name string, pc config.ProviderConfig, logger *slog.Logger) domain.Provider {
		return NewClaude(ClaudeConfig{
			Name:    name,
			APIKey:  pc.APIKey,
			APIBase: pc.APIBase,
			Model:   pc.DefaultModel,
			Timeout: time.Duration(pc.TimeoutSeconds) * time.Second,
			Logger:  logger,
		})
	}
}

// Get returns the provider with the given name, or the default if name is empty.
// Created providers are cached so the same instance is reused across calls.
func (f *Factory) Get(name string) (domain.Provider, error) {
	if name == "" {
		name = f.defaultName
	}

	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}
	ctor, found := f.constructors[pc.Kind]
	if !found {
		return nil, fmt.Errorf("provider %s: no constructor registered for kind %q", name, pc.Kind)
	}

	p := ctor(name, pc, f.logger.With("provider", name))
	f.cache[name] = p
	return p, nil
}

// Resolve returns the provider for name wrapped in the configured failover
// chain. Disabled or unknown chain members are skipped with a warning.
func (f *Factory) Resolve(name string) (domain.Provider, error) {
	primary, err := f.Get(name)
	if err != nil {
		return nil, err
	}
	if len(f.failoverChain) == 0 {
		return primary, nil
	}

	chain := []domain.Provider{primary}
	for _, n := range f.failoverChain {
		if n == primary.Name() {
			continue
		}
		p, err := f.Get(n)
		if err != nil {
			f.logger.Warn("skipping failover provider", "provider", n, "err", err)
			continue
		}
		chain = append(chain, p)
	}
	if len(chain) == 1 {
		return primary, nil
	}
	return NewFailoverProvider(chain, f.logger), nil
}

// Names returns the configured provider names, sorted.
func (f *Factory) Names() []string {
	names := make([]string, 0, len(f.providers))
	for n := range f.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HealthyProvider returns the first enabled provider (by name) that passes a
// health check, or nil.
func (f *Factory) HealthyProvider(ctx context.Context) domain.Provider {
	for _, name := range f.Names() {
		p, err := f.Get(name)
		if err != nil || p == nil {
			continue
		}
		if p.Healthy(ctx) == nil {
			return p
		}
	}
	return nil
}
