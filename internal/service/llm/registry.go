package llm

import (
	"fmt"
	"sync"

	domainllm "proctor/internal/domain/services/llm"
)

// ProviderRegistry routes model names to registered providers. Providers
// implement the domain interface directly, so registration is a flat list
// consulted in order.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers []domainllm.LLMProvider
}

// NewProviderRegistry creates an empty provider registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{}
}

// Register adds a provider. Later registrations win only for models earlier
// providers do not claim.
func (r *ProviderRegistry) Register(p domainllm.LLMProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
}

// ForModel returns the first provider claiming the model.
func (r *ProviderRegistry) ForModel(model string) (domainllm.LLMProvider, error) {
	if model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.providers {
		if p.SupportsModel(model) {
			return p, nil
		}
	}

	return nil, fmt.Errorf("no provider registered for model '%s'", model)
}
