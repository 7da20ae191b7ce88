package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Request is one generation call to a provider. Prompt is always set;
// CharacterID and Specs only for character generations.
type Request struct {
	Prompt      string
	CharacterID string
	Specs       map[string]string
	Model       string
}

// Result is the provider's output payload for one request.
type Result struct {
	ImageURL string
	MimeType string
	Text     string
}

// Provider executes a single generation request. Implementations must
// honor ctx; callers wrap invocations with their own retry and timeout
// policy, so a provider should fail fast rather than retry internally.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

type ProviderFactory func(ctx context.Context, model string) (Provider, error)

// Registry routes provider names to factories so deployments can switch
// backends without touching callers.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

func (r *Registry) Register(name string, f ProviderFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown ai provider: %s", name)
	}
	return f(ctx, model)
}
