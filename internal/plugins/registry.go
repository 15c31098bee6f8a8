package plugins

import (
	"fmt"
	"sync"

	"github.com/porticoproxy/portico/internal/types"
	"github.com/porticoproxy/portico/pkg/plugin"
)

// Registry holds the available plugins by name and resolves route plugin
// references into configured chains at table-build time.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]plugin.Plugin
}

// NewRegistry creates a registry with the built-in plugins registered.
func NewRegistry() *Registry {
	r := &Registry{plugins: make(map[string]plugin.Plugin)}
	r.Register(&BasicAuthPlugin{})
	r.Register(&RequestIDPlugin{})
	r.Register(&RateLimitPlugin{})
	return r
}

// Register adds a plugin, replacing any previous registration of the name.
func (r *Registry) Register(p plugin.Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[p.Name()] = p
}

// Names lists the registered plugin names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	return names
}

// Resolve configures the referenced plugins in declaration order and returns
// the chain to attach to a route.
func (r *Registry) Resolve(refs []types.PluginRef) (*Chain, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	instances := make([]chainEntry, 0, len(refs))
	for _, ref := range refs {
		p, ok := r.plugins[ref.Name]
		if !ok {
			return nil, fmt.Errorf("unknown plugin %q", ref.Name)
		}
		inst, err := p.Configure(ref.Config)
		if err != nil {
			return nil, fmt.Errorf("plugin %q: %w", ref.Name, err)
		}
		instances = append(instances, chainEntry{name: ref.Name, instance: inst})
	}

	return &Chain{entries: instances}, nil
}
