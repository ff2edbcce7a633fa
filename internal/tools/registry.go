// Package tools defines the tool surface the agent loop executes against:
// a registry of named tools, schema-only provider definitions, and the
// per-run policy gate. Individual tool implementations beyond the built-in
// filesystem set live in the outer host.
package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/dotsetlabs/dotclaw/internal/providers"
)

// Tool is one callable tool.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *Result
}

// Idempotent marks tools that are safe to retry on transient failures
// (read-only tools). Tools not implementing it are never retried.
type Idempotent interface {
	Idempotent() bool
}

// Registry holds the available tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsIdempotent reports whether the named tool opted into transient retry.
func (r *Registry) IsIdempotent(name string) bool {
	t, ok := r.Get(name)
	if !ok {
		return false
	}
	idem, ok := t.(Idempotent)
	return ok && idem.Idempotent()
}

// ReliabilityNotes describes each tool's retry behavior, keyed by name.
// The system prompt renders these as the tool-reliability table.
func (r *Registry) ReliabilityNotes() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	notes := make(map[string]string, len(r.tools))
	for name, t := range r.tools {
		if idem, ok := t.(Idempotent); ok && idem.Idempotent() {
			notes[name] = "read-only; retried on transient failures"
		} else {
			notes[name] = "mutating; runs at most once per call"
		}
	}
	return notes
}

// ProviderDefs builds schema-only descriptors for the wire. Execution stays
// in the agent loop; nothing handed to the provider can run a tool.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}
