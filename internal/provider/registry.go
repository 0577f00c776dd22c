package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/coachpo/paywatch/internal/infra/config"
)

// Factory constructs a provider client from configuration.
type Factory func(ctx context.Context, cfg config.ProviderConfig) (Client, error)

// Registry maintains provider factories keyed by kind.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty factory registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register registers a factory for kind.
func (r *Registry) Register(kind string, factory Factory) {
	if factory == nil {
		panic("provider factory required")
	}
	r.mu.Lock()
	r.factories[strings.ToLower(strings.TrimSpace(kind))] = factory
	r.mu.Unlock()
}

// Kinds lists registered kinds alphabetically.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Create builds the client configured by cfg.Kind.
func (r *Registry) Create(ctx context.Context, cfg config.ProviderConfig) (Client, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Kind))
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider kind %q not registered", cfg.Kind)
	}
	client, err := factory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate provider %s: %w", kind, err)
	}
	return client, nil
}
