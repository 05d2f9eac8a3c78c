// Package capability defines the external capabilities the model can
// invoke during a turn, and the registry that dispatches to them.
package capability

import (
	"context"
	"fmt"
	"sync"
)

// Handler executes a capability invocation. args carries the decoded
// arguments the model supplied.
type Handler func(ctx context.Context, args map[string]any) (Result, error)

// Result is the outcome of a successful invocation.
type Result struct {
	// Content is the payload handed back to the model (or, for direct
	// results, straight to the user).
	Content string

	// Direct marks a result that ends the turn immediately. The content
	// goes to the user verbatim and the model is not called again.
	Direct bool
}

// Descriptor declares a capability to the registry and, through
// Schemas, to the model provider.
type Descriptor struct {
	Name        string
	Description string
	// InputSchema is a JSON Schema object describing the arguments.
	InputSchema map[string]any
	Handler     Handler
}

// Registry holds the registered capabilities. Registration order is
// preserved so the declarations sent to the provider are stable.
type Registry struct {
	mu    sync.RWMutex
	byName map[string]*Descriptor
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Descriptor)}
}

// Register adds a capability. Registering a name twice fails with
// ErrDuplicate; the first registration stays in effect.
func (r *Registry) Register(d *Descriptor) error {
	if d == nil || d.Name == "" {
		return fmt.Errorf("capability: descriptor must have a name")
	}
	if d.Handler == nil {
		return fmt.Errorf("capability %q: handler is required", d.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[d.Name]; exists {
		return fmt.Errorf("capability %q: %w", d.Name, ErrDuplicate)
	}
	r.byName[d.Name] = d
	r.order = append(r.order, d.Name)
	return nil
}

// Names returns the registered capability names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Schemas returns the provider tool declarations in registration order.
// An empty registry yields an empty (non-nil) slice.
func (r *Registry) Schemas() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		d := r.byName[name]
		schema := d.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, map[string]any{
			"name":         d.Name,
			"description":  d.Description,
			"input_schema": schema,
		})
	}
	return result
}

// Invoke runs the named capability. An unregistered name fails with
// ErrUnknown. A handler failure comes back as *Error so callers can
// separate capability trouble from dispatch trouble.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (Result, error) {
	r.mu.RLock()
	d := r.byName[name]
	r.mu.RUnlock()

	if d == nil {
		return Result{}, fmt.Errorf("capability %q: %w", name, ErrUnknown)
	}
	if args == nil {
		args = map[string]any{}
	}

	res, err := d.Handler(ctx, args)
	if err != nil {
		return Result{}, &Error{Name: name, Err: err}
	}
	return res, nil
}
