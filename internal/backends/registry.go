package backends

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/sahilm/fuzzy"
)

// Factory creates an instance of T from a parameter map.
type Factory[T any] func(params map[string]string) (T, error)

// Registry holds named factories for creating instances of T. Names are
// case-insensitive.
type Registry[T any] struct {
	mu        sync.RWMutex
	factories map[string]Factory[T]
	aliases   map[string]string
}

// NewRegistry creates a new empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{
		factories: make(map[string]Factory[T]),
		aliases:   make(map[string]string),
	}
}

// Register adds a named factory to the registry, replacing any existing one.
func (r *Registry[T]) Register(name string, factory Factory[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[normalizeKey(name)] = factory
}

// Alias makes alias resolve to name.
func (r *Registry[T]) Alias(alias, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[normalizeKey(alias)] = normalizeKey(name)
}

// Resolve maps name or an alias to its canonical key.
func (r *Registry[T]) Resolve(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := normalizeKey(name)
	if target, ok := r.aliases[key]; ok {
		key = target
	}
	_, ok := r.factories[key]
	return key, ok
}

// Create instantiates T using the named factory.
func (r *Registry[T]) Create(name string, params map[string]string) (T, error) {
	key, ok := r.Resolve(name)
	if !ok {
		var zero T
		return zero, r.unknown(name)
	}

	r.mu.RLock()
	factory := r.factories[key]
	r.mu.RUnlock()

	return factory(params)
}

// Has returns true if the named factory exists.
func (r *Registry[T]) Has(name string) bool {
	_, ok := r.Resolve(name)
	return ok
}

// List returns all registered factory names, sorted.
func (r *Registry[T]) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Suggest returns registered names and aliases resembling name, best first.
func (r *Registry[T]) Suggest(name string) []string {
	r.mu.RLock()
	candidates := make([]string, 0, len(r.factories)+len(r.aliases))
	for n := range r.factories {
		candidates = append(candidates, n)
	}
	for a := range r.aliases {
		candidates = append(candidates, a)
	}
	r.mu.RUnlock()
	slices.Sort(candidates)

	var out []string
	for _, m := range fuzzy.Find(normalizeKey(name), candidates) {
		out = append(out, m.Str)
	}
	return out
}

func (r *Registry[T]) unknown(name string) error {
	if s := r.Suggest(name); len(s) > 0 {
		return fmt.Errorf("%w %q (did you mean %q?)", ErrUnknownBackend, name, s[0])
	}
	return fmt.Errorf("%w %q (available: %s)", ErrUnknownBackend, name, strings.Join(r.List(), ", "))
}

func normalizeKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Default is the registry populated by the backends in this package.
var Default = NewRegistry[Backend]()

// Register adds a factory to the Default registry.
func Register(name string, factory Factory[Backend]) {
	Default.Register(name, factory)
}

// Create builds a backend from the Default registry.
func Create(name string, params map[string]string) (Backend, error) {
	return Default.Create(name, params)
}
