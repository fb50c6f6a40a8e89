package event

import (
	"fmt"
	"sort"
	"sync"

	"github.com/c360/bbdobroker/errors"
)

// Factory returns a new zero payload ready for DecodeFields.
type Factory func() Payload

// Info describes a registered type.
type Info struct {
	Type    Type
	Name    string
	Factory Factory
}

// Registry maps wire types to payload factories. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	types      map[Type]Info
	categories map[Category]int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		types:      make(map[Type]Info),
		categories: make(map[Category]int),
	}
}

// Register adds a type. Registering the same type twice is an error.
func (r *Registry) Register(t Type, name string, factory Factory) error {
	if factory == nil {
		return errors.WrapInvalid(fmt.Errorf("nil factory for %s", name), "Registry", "Register", "register type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.types[t]; ok {
		return errors.WrapInvalid(fmt.Errorf("type %s already registered as %s", t, existing.Name),
			"Registry", "Register", "register type")
	}
	r.types[t] = Info{Type: t, Name: name, Factory: factory}
	r.categories[t.Category()]++
	return nil
}

// MustRegister is Register for package-level setup code.
func (r *Registry) MustRegister(t Type, name string, factory Factory) {
	if err := r.Register(t, name, factory); err != nil {
		panic(err)
	}
}

// Lookup returns the registration for t.
func (r *Registry) Lookup(t Type) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.types[t]
	return info, ok
}

// HasCategory reports whether any type of category c is registered.
func (r *Registry) HasCategory(c Category) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.categories[c] > 0
}

// NewPayload returns a fresh payload for t, or a Raw holder when t is unknown.
func (r *Registry) NewPayload(t Type) (Payload, bool) {
	if info, ok := r.Lookup(t); ok {
		return info.Factory(), true
	}
	return &Raw{EventType: t}, false
}

// Types lists the registered types in ascending order.
func (r *Registry) Types() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.types))
	for _, info := range r.types {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
