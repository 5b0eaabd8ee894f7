package tools

import (
	"fmt"
	"sort"
	"sync"

	"github.com/roshni-ai/roshni/internal/llm"
)

// Registry holds the tool set an agent exposes. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, rejecting duplicate names.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s missing handler", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool already registered: %s", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Get returns the tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Schemas returns the wire schemas for all registered tools.
func (r *Registry) Schemas() []llm.ToolSchema {
	list := r.List()
	out := make([]llm.ToolSchema, 0, len(list))
	for _, t := range list {
		out = append(out, t.Schema())
	}
	return out
}

// Filtered returns a registry restricted to the allowlist. An empty
// allowlist means all tools. Unknown names are ignored.
func (r *Registry) Filtered(allowed []string) *Registry {
	if len(allowed) == 0 {
		return r
	}
	out := NewRegistry()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range allowed {
		if t, ok := r.tools[name]; ok {
			out.tools[name] = t
		}
	}
	return out
}
