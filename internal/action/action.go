// Package action compiles the meta entries of a sub route into the
// actions run by each pipeline stage.
package action

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/wudi/edgeroute/config"
	"github.com/wudi/edgeroute/internal/match"
	"github.com/wudi/edgeroute/internal/routectx"
	"github.com/wudi/edgeroute/internal/value"
	"go.uber.org/zap"
)

// Stage names a point of the pipeline where metas run.
type Stage string

// Built-in stages.
const (
	StageRedirect        Stage = "redirect"
	StageRequestRewrite  Stage = "request_rewrite"
	StageResponseRewrite Stage = "response_rewrite"
)

// Operations.
const (
	OpSet    = "set"
	OpAppend = "append"
	OpDelete = "delete"
)

// Artifact is the value threaded through a stage. Redirect metas read
// nothing and produce a Response; request metas thread the Request and
// response metas the Response.
type Artifact struct {
	Request  *http.Request
	Response *http.Response
}

// Meta is a compiled meta entry list bound to one stage.
type Meta interface {
	Stage() Stage
	NeedProcess() bool
	Process(rc *routectx.Context, in Artifact) (Artifact, error)
}

// Scope is what a meta needs from its owning processor.
type Scope struct {
	Registry *value.Registry
	Args     map[string]any
	Logger   *zap.Logger
}

// Value compiles raw against the scope.
func (s Scope) Value(raw any) (*value.Value, error) {
	return value.Compile(s.Registry, raw, s.Args)
}

// Match compiles a match tree against the scope.
func (s Scope) Match(raw any) (*match.Match, error) {
	return match.Compile(s.Registry, raw, s.Args, match.WithLogger(s.Logger))
}

// Creator builds a Meta from the raw value of its meta key.
type Creator func(rc *routectx.Context, scope Scope, raw any) (Meta, error)

// MetaRegistry maps meta keys to their creators.
type MetaRegistry struct {
	mu       sync.RWMutex
	creators map[string]Creator
}

// NewMetaRegistry returns an empty registry.
func NewMetaRegistry() *MetaRegistry {
	return &MetaRegistry{creators: make(map[string]Creator)}
}

// Register adds a meta key. Keys are unique.
func (r *MetaRegistry) Register(key string, c Creator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.creators[key]; exists {
		return fmt.Errorf("meta type %q already registered", key)
	}
	r.creators[key] = c
	return nil
}

// Lookup returns the creator for key.
func (r *MetaRegistry) Lookup(key string) (Creator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.creators[key]
	return c, ok
}

// Keys lists the registered meta keys.
func (r *MetaRegistry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.creators))
	for k := range r.creators {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RegisterBuiltins adds the redirects, requestRewrites and
// responseRewrites metas.
func RegisterBuiltins(r *MetaRegistry) error {
	builtins := map[string]Creator{
		config.MetaRedirects:        NewRedirectMeta,
		config.MetaRequestRewrites:  NewRequestRewriteMeta,
		config.MetaResponseRewrites: NewResponseRewriteMeta,
	}
	for key, c := range builtins {
		if err := r.Register(key, c); err != nil {
			return err
		}
	}
	return nil
}

// entryList is the entry list of a meta key. A literal list is compiled
// with the route; a list given as a Value is resolved and compiled each
// time the stage runs, so its failures belong to the sub.
type entryList[T any] struct {
	items []T
	value *value.Value
	build func(i int, raw any) (T, error)
}

func newEntryList[T any](scope Scope, raw any, build func(i int, raw any) (T, error)) (*entryList[T], error) {
	l := &entryList[T]{build: build}
	switch t := raw.(type) {
	case nil:
		return l, nil
	case []any:
		items, err := l.compile(t)
		if err != nil {
			return nil, err
		}
		l.items = items
		return l, nil
	}
	if !value.IsValue(raw) {
		return nil, fmt.Errorf("expected an array or a value, got %T", raw)
	}
	v, err := scope.Value(raw)
	if err != nil {
		return nil, err
	}
	l.value = v
	return l, nil
}

func (l *entryList[T]) compile(raw []any) ([]T, error) {
	items := make([]T, 0, len(raw))
	for i, e := range raw {
		item, err := l.build(i, e)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// empty is true only for a literal list without entries.
func (l *entryList[T]) empty() bool {
	return l.value == nil && len(l.items) == 0
}

// resolve returns the entries to run for rc.
func (l *entryList[T]) resolve(rc *routectx.Context) ([]T, error) {
	if l.value == nil {
		return l.items, nil
	}
	resolved, err := l.value.Get(rc)
	if err != nil {
		return nil, err
	}
	switch t := resolved.(type) {
	case nil:
		return nil, nil
	case []any:
		return l.compile(t)
	}
	return nil, fmt.Errorf("value resolved to %T, expected an array", resolved)
}
