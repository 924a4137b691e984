package tools

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the registered tools. Capabilities are compiled once at
// registration; a bad schema or danger pattern fails fast.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registration
}

type registration struct {
	tool     Tool
	compiled *compiled
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registration)}
}

// Register adds a tool. Re-registering a name is an error.
func (r *Registry) Register(tool Tool) error {
	c, err := compile(tool.Capability())
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[c.capability.Name]; exists {
		return fmt.Errorf("tools: %s already registered", c.capability.Name)
	}
	r.tools[c.capability.Name] = &registration{tool: tool, compiled: c}
	return nil
}

// Get returns the tool and its compiled capability.
func (r *Registry) Get(name string) (Tool, Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return nil, Capability{}, false
	}
	return reg.tool, reg.compiled.capability, true
}

func (r *Registry) lookup(name string) (*registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	return reg, ok
}

// List returns all capabilities sorted by name.
func (r *Registry) List() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.tools))
	for _, reg := range r.tools {
		out = append(out, reg.compiled.capability)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
