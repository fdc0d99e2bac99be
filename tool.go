package toolflow

import (
	"context"
	"errors"
	"sync"
)

// ErrNoTargetReader is returned by Registry.ReadTarget when none of the
// registered tools can read targets.
var ErrNoTargetReader = errors.New("no target reader registered")

// Tool is a pluggable set of tool functions.
type Tool interface {
	Specs() []ToolSpec
	Execute(ctx context.Context, call ToolCall) (Outcome, error)
}

// Registry holds registered tools. It is both the Catalog and the Backend
// for the tools it contains, and a TargetReader when any tool reads targets.
type Registry struct {
	mu     sync.RWMutex
	specs  map[string]ToolSpec
	owners map[string]Tool
	order  []string
	reader TargetReader
}

// NewRegistry creates a registry holding tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{
		specs:  make(map[string]ToolSpec),
		owners: make(map[string]Tool),
	}
	for _, t := range tools {
		r.Add(t)
	}
	return r
}

// Add registers a tool. A later registration of the same tool name replaces
// the earlier one.
func (r *Registry) Add(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range t.Specs() {
		if _, exists := r.specs[s.Name]; !exists {
			r.order = append(r.order, s.Name)
		}
		r.specs[s.Name] = s
		r.owners[s.Name] = t
	}
	if tr, ok := t.(TargetReader); ok && r.reader == nil {
		r.reader = tr
	}
}

// Lookup implements Catalog.
func (r *Registry) Lookup(name string) (ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[name]
	return s, ok
}

// Definitions implements Catalog, in registration order.
func (r *Registry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.specs[name].Definition())
	}
	return defs
}

// Execute implements Backend by dispatching to the owning tool.
func (r *Registry) Execute(ctx context.Context, call ToolCall) (Outcome, error) {
	r.mu.RLock()
	t, ok := r.owners[call.Name]
	r.mu.RUnlock()
	if !ok {
		return Outcome{}, &ValidationError{Tool: call.Name, Message: "unknown tool"}
	}
	return t.Execute(ctx, call)
}

// ReadTarget implements TargetReader using the first registered tool that
// can read targets.
func (r *Registry) ReadTarget(ctx context.Context, path string) ([]byte, bool, error) {
	r.mu.RLock()
	tr := r.reader
	r.mu.RUnlock()
	if tr == nil {
		return nil, false, ErrNoTargetReader
	}
	return tr.ReadTarget(ctx, path)
}

// compile-time checks
var (
	_ Catalog      = (*Registry)(nil)
	_ Backend      = (*Registry)(nil)
	_ TargetReader = (*Registry)(nil)
)
