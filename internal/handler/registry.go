package handler

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"yqhp/grid-agent/pkg/types"
)

// Registry manages handler registration and lookup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates a new handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register registers a handler.
// Returns an error if a handler with the same name already exists.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("cannot register nil handler")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := h.Name()
	if name == "" {
		return fmt.Errorf("handler name cannot be empty")
	}
	if strings.ContainsAny(name, "()") {
		return fmt.Errorf("handler name '%s' cannot contain parentheses", name)
	}

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler '%s' is already registered", name)
	}

	r.handlers[name] = h
	return nil
}

// MustRegister registers a handler and panics on error.
func (r *Registry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

// Unregister removes a handler from the registry.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; !exists {
		return fmt.Errorf("%w: %s", types.ErrHandlerNotFound, name)
	}

	delete(r.handlers, name)
	return nil
}

// Get retrieves a handler by exact name.
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, exists := r.handlers[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", types.ErrHandlerNotFound, name)
	}
	return h, nil
}

// Has checks if a handler exists in the registry.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[name]
	return exists
}

// Resolve finds the handler for a key such as "echo" or "sleep(500)" and
// returns it with the parenthesised argument.
func (r *Registry) Resolve(key string) (Handler, string, error) {
	if h, err := r.Get(key); err == nil {
		return h, "", nil
	}
	name, arg, ok := ParseFunction(key)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", types.ErrHandlerNotFound, key)
	}
	h, err := r.Get(name)
	if err != nil {
		return nil, "", err
	}
	return h, arg, nil
}

// Names returns all registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered handlers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// ParseFunction splits "name(arg)" into its parts.
func ParseFunction(fn string) (name, arg string, ok bool) {
	fn = strings.TrimSpace(fn)
	open := strings.IndexByte(fn, '(')
	if open <= 0 || !strings.HasSuffix(fn, ")") {
		return fn, "", open < 0 && fn != ""
	}
	return strings.TrimSpace(fn[:open]), strings.TrimSpace(fn[open+1 : len(fn)-1]), true
}
