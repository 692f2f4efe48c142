package flow

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry stores the named callables pipeline definitions refer to: step
// functions, value functions, predicates and Runnables.
type Registry struct {
	mu         sync.RWMutex
	entries    map[string]any
	namespacer func(string, string) string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:    make(map[string]any),
		namespacer: defaultNamespace,
	}
}

// SetNamespacer customizes how IDs are namespaced.
func (r *Registry) SetNamespacer(fn func(string, string) string) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.namespacer = fn
}

// Register stores fn by id.
func (r *Registry) Register(id string, fn any) error {
	return r.RegisterNamespaced("", id, fn)
}

// RegisterNamespaced stores fn under namespace::id.
func (r *Registry) RegisterNamespaced(namespace, id string, fn any) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("registry id is required")
	}
	if !isCallable(fn) {
		if _, err := predicateFunc(fn); err != nil {
			return fmt.Errorf("registry entry %s: unsupported callable %T", id, fn)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = make(map[string]any)
	}
	key := id
	if r.namespacer != nil {
		key = r.namespacer(namespace, id)
	}
	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("callable %s already registered", key)
	}
	r.entries[key] = fn
	return nil
}

// Lookup returns a callable by id.
func (r *Registry) Lookup(id string) (any, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.entries[id]
	return fn, ok
}

// IDs lists the registered ids in order.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// defaultNamespace concatenates namespace and id using ::, trimming whitespace.
func defaultNamespace(namespace, id string) string {
	ns := strings.TrimSpace(namespace)
	ident := strings.TrimSpace(id)
	if ns == "" {
		return ident
	}
	return ns + "::" + ident
}
