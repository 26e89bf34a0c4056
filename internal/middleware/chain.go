// Package middleware composes the per-request fetch middlewares into an
// onion around the outbound dispatch.
package middleware

import (
	"fmt"
	"sort"
	"sync"

	rerrors "github.com/wudi/edgeroute/internal/errors"
	"github.com/wudi/edgeroute/internal/routectx"
)

// Next invokes the remainder of the chain.
type Next func() error

// Middleware wraps the remainder of the chain for one request.
type Middleware func(rc *routectx.Context, next Next) error

// Generator builds a Middleware from its configured options.
type Generator func(opts map[string]any) (Middleware, error)

// Names of the middlewares every Registry starts with.
const (
	DefaultFetchName  = "DefaultFetch"
	ErrorFallbackName = "ErrorFallback"
)

// Registry maps middleware names to generators.
type Registry struct {
	mu         sync.RWMutex
	generators map[string]Generator
}

// NewRegistry returns a Registry preloaded with DefaultFetch and
// ErrorFallback.
func NewRegistry() *Registry {
	r := &Registry{generators: make(map[string]Generator)}
	r.generators[DefaultFetchName] = DefaultFetch
	r.generators[ErrorFallbackName] = ErrorFallback
	return r
}

// Register adds a generator. Registering a name twice is an error.
func (r *Registry) Register(name string, gen Generator) error {
	if name == "" || gen == nil {
		return fmt.Errorf("middleware: name and generator are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.generators[name]; ok {
		return fmt.Errorf("middleware: %q already registered", name)
	}
	r.generators[name] = gen
	return nil
}

// Known reports whether name is registered.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.generators[name]
	return ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.generators))
	for name := range r.generators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build instantiates the middleware described by cfg.
func (r *Registry) Build(cfg routectx.MiddlewareConfig) (Middleware, error) {
	r.mu.RLock()
	gen, ok := r.generators[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, rerrors.New(rerrors.CodeRequestMiddlewareNotFound, cfg.Name)
	}
	opts := cfg.Options
	if opts == nil {
		opts = map[string]any{}
	}
	return gen(opts)
}

// Run builds the context's middleware list and executes it. DefaultFetch
// always runs innermost, with its configured options when the list names
// it.
func (r *Registry) Run(rc *routectx.Context) error {
	fetch := routectx.MiddlewareConfig{Name: DefaultFetchName}
	var chain []Middleware
	for _, cfg := range rc.Middlewares() {
		if cfg.Name == DefaultFetchName {
			fetch = cfg
			continue
		}
		mw, err := r.Build(cfg)
		if err != nil {
			return err
		}
		chain = append(chain, mw)
	}
	mw, err := r.Build(fetch)
	if err != nil {
		return err
	}
	chain = append(chain, mw)
	return Compose(chain...)(rc)
}

// Compose chains mws so the first one is outermost. Each middleware may
// call next at most once.
func Compose(mws ...Middleware) func(rc *routectx.Context) error {
	return func(rc *routectx.Context) error {
		index := -1
		var dispatch func(i int) error
		dispatch = func(i int) error {
			if i <= index {
				return fmt.Errorf("middleware: next called more than once")
			}
			index = i
			if i == len(mws) {
				return nil
			}
			return mws[i](rc, func() error { return dispatch(i + 1) })
		}
		return dispatch(0)
	}
}
