// Package value resolves typed values out of a request context.
//
// A Value is resolved in two phases: a Source selected by sourceType
// extracts raw data and an optional Coercer selected by valueType
// converts it.
package value

import (
	"fmt"
	"sort"
	"sync"

	"github.com/wudi/edgeroute/internal/routectx"
)

// Source extracts raw data for a Value.
type Source interface {
	Resolve(rc *routectx.Context, v *Value) (any, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(rc *routectx.Context, v *Value) (any, error)

// Resolve calls f.
func (f SourceFunc) Resolve(rc *routectx.Context, v *Value) (any, error) {
	return f(rc, v)
}

// Preparer is implemented by sources that precompute state from the raw
// source when a Value is compiled.
type Preparer interface {
	Prepare(v *Value) (any, error)
}

// Coercer converts a raw value. It never fails; unconvertible input
// yields nil.
type Coercer func(rc *routectx.Context, raw any, v *Value) any

// Registry maps source and value type names to their handlers. It is
// filled at startup and only read while serving.
type Registry struct {
	mu       sync.RWMutex
	sources  map[string]Source
	coercers map[string]Coercer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sources:  make(map[string]Source),
		coercers: make(map[string]Coercer),
	}
}

// RegisterSource adds a source type. Names are unique.
func (r *Registry) RegisterSource(name string, s Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sources[name]; exists {
		return fmt.Errorf("source type %q already registered", name)
	}
	r.sources[name] = s
	return nil
}

// RegisterValueType adds a coercion. Names are unique.
func (r *Registry) RegisterValueType(name string, c Coercer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.coercers[name]; exists {
		return fmt.Errorf("value type %q already registered", name)
	}
	r.coercers[name] = c
	return nil
}

func (r *Registry) source(name string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[name]
	return s, ok
}

func (r *Registry) coercer(name string) (Coercer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.coercers[name]
	return c, ok
}

// SourceTypes lists the registered source type names.
func (r *Registry) SourceTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
