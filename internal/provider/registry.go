// ABOUTME: Explicit registry of provider kinds and of the configured bridge instances.
// ABOUTME: Kinds are fixed at compile time; instances are registered at startup.

package provider

import (
	"fmt"
	"sync"
)

// Supported provider kinds.
const (
	KindAnthropic = "anthropic"
	KindOpenAI    = "openai"
	KindGemini    = "gemini"
	KindStatic    = "static"
)

// Factory builds a bridge from its config.
type Factory func(cfg Config) (Bridge, error)

var factories = map[string]Factory{
	KindAnthropic: NewAnthropic,
	KindOpenAI:    NewOpenAI,
	KindGemini:    NewGemini,
	KindStatic:    NewStatic,
}

// Kinds returns the supported kinds.
func Kinds() []string {
	return []string{KindAnthropic, KindOpenAI, KindGemini, KindStatic}
}

// New builds a bridge of cfg.Kind.
func New(cfg Config) (Bridge, error) {
	factory, ok := factories[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
	b, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating %s provider %q: %w", cfg.Kind, cfg.Name, err)
	}
	return b, nil
}

// Registry holds the bridges available for routing, in registration order.
type Registry struct {
	mu      sync.RWMutex
	bridges map[string]Bridge
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bridges: make(map[string]Bridge)}
}

// Register adds a bridge. Names must be unique.
func (r *Registry) Register(b Bridge) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bridges[b.Name()]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateProvider, b.Name())
	}
	r.bridges[b.Name()] = b
	r.order = append(r.order, b.Name())
	return nil
}

// Get returns the bridge registered under name.
func (r *Registry) Get(name string) (Bridge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bridges[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotFound, name)
	}
	return b, nil
}

// All returns every bridge in registration order.
func (r *Registry) All() []Bridge {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Bridge, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.bridges[name])
	}
	return out
}

// Names returns every registered name in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered bridges.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
