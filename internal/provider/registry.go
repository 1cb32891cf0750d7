package provider

import (
	"fmt"
	"sync"

	"github.com/ai-village/villaged/internal/common/logger"
	"github.com/ai-village/villaged/internal/pty"
)

// Factory builds a fresh adapter instance for one session.
type Factory func() Adapter

// Registry maps provider ids to adapter factories. Adapters are
// per-session; the registry hands out a new instance per StartSession.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry registers the built-in providers.
func DefaultRegistry(ptyMgr *pty.Manager, log *logger.Logger) *Registry {
	r := NewRegistry()
	r.Register(IDCodex, func() Adapter { return NewCodex(ptyMgr, log) })
	r.Register(IDClaudeCode, func() Adapter { return NewClaudeCode(ptyMgr, log) })
	r.Register(IDMock, func() Adapter { return NewMock() })
	return r
}

// Register adds a provider factory.
func (r *Registry) Register(id string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = factory
}

// Create builds a fresh adapter for the provider id.
func (r *Registry) Create(id string) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", id)
	}
	return factory(), nil
}

// IDs returns the registered provider ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	return ids
}
