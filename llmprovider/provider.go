package llmprovider

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/petal-labs/iris/providers"
	// Auto-register common providers.
	_ "github.com/petal-labs/iris/providers/anthropic"
	_ "github.com/petal-labs/iris/providers/ollama"
	_ "github.com/petal-labs/iris/providers/openai"
)

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	APIKey string `json:"api_key" yaml:"api_key"`
}

// ProviderMap maps provider names to their configurations.
type ProviderMap map[string]ProviderConfig

// Factory creates a Completer for a named provider.
type Factory func(name string, cfg ProviderConfig) (Completer, error)

// NewClient creates a Client for the named provider through the iris
// provider registry.
func NewClient(name string, cfg ProviderConfig) (Completer, error) {
	provider, err := providers.Create(strings.ToLower(name), cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("creating provider %q: %w", name, err)
	}
	return NewProviderClient(provider), nil
}

// Pool hands out one Completer per configured provider, created on first
// use and shared by every prompt node naming that provider.
type Pool struct {
	providers ProviderMap
	fallback  string
	factory   Factory

	mu      sync.Mutex
	clients map[string]Completer
}

// NewPool creates a Pool. fallback names the provider used when a node does
// not pick one; it may be empty when exactly one provider is configured.
// A nil factory uses NewClient.
func NewPool(providers ProviderMap, fallback string, factory Factory) *Pool {
	if factory == nil {
		factory = NewClient
	}
	return &Pool{
		providers: providers,
		fallback:  fallback,
		factory:   factory,
		clients:   make(map[string]Completer),
	}
}

// Client returns the Completer for name, or for the default provider when
// name is empty.
func (p *Pool) Client(name string) (Completer, error) {
	name, err := p.resolveName(name)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[name]; ok {
		return c, nil
	}
	cfg, ok := p.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not configured", name)
	}
	c, err := p.factory(name, cfg)
	if err != nil {
		return nil, err
	}
	p.clients[name] = c
	return c, nil
}

// Names returns the configured provider names, sorted.
func (p *Pool) Names() []string {
	names := make([]string, 0, len(p.providers))
	for name := range p.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Pool) resolveName(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name != "" {
		return name, nil
	}
	if p.fallback != "" {
		return strings.ToLower(p.fallback), nil
	}
	if len(p.providers) == 1 {
		for only := range p.providers {
			return only, nil
		}
	}
	return "", fmt.Errorf("no provider given and no default provider configured")
}
