package value

import (
	"fmt"

	"github.com/wudi/edgeroute/internal/routectx"
)

// Source type names.
const (
	SourceLiteral        = "literal"
	SourceRequestHeader  = "request_header"
	SourceResponseHeader = "response_header"
	SourceResponseStatus = "response_status"
	SourceCookie         = "cookie"
	SourceURL            = "url"
	SourceOriginURL      = "origin_url"
	SourceQuery          = "query"
	SourceMethod         = "method"
	SourceFetch          = "fetch"
	SourceRouteArgs      = "route_args"
	SourceStringTemplate = "string_template"
	SourceValueObject    = "value_object"
	SourceGoTemplate     = "go_template"
	SourceKV             = "kv"
)

// BuiltinOption configures RegisterBuiltins.
type BuiltinOption func(*builtinConfig)

type builtinConfig struct {
	kv KVStore
}

// WithKVStore backs the kv source with store.
func WithKVStore(store KVStore) BuiltinOption {
	return func(c *builtinConfig) { c.kv = store }
}

// RegisterBuiltins adds the built-in sources and coercions to reg. The
// match coercion is registered by the match package.
func RegisterBuiltins(reg *Registry, opts ...BuiltinOption) error {
	var cfg builtinConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	sources := map[string]Source{
		SourceLiteral:        SourceFunc(literalSource),
		SourceRequestHeader:  SourceFunc(requestHeaderSource),
		SourceResponseHeader: SourceFunc(responseHeaderSource),
		SourceResponseStatus: SourceFunc(responseStatusSource),
		SourceCookie:         SourceFunc(cookieSource),
		SourceURL:            SourceFunc(urlSource),
		SourceOriginURL:      SourceFunc(originURLSource),
		SourceQuery:          SourceFunc(querySource),
		SourceMethod:         SourceFunc(methodSource),
		SourceFetch:          fetchSource{},
		SourceRouteArgs:      SourceFunc(routeArgsSource),
		SourceStringTemplate: stringTemplateSource{},
		SourceValueObject:    valueObjectSource{},
		SourceGoTemplate:     goTemplateSource{},
		SourceKV:             kvSource{store: cfg.kv},
	}
	for name, src := range sources {
		if err := reg.RegisterSource(name, src); err != nil {
			return err
		}
	}
	return registerCoercers(reg)
}

func literalSource(_ *routectx.Context, v *Value) (any, error) {
	return v.Source, nil
}

func stringSource(v *Value, lookup func(string) (string, bool)) (any, error) {
	name, ok := v.Source.(string)
	if !ok {
		return nil, nil
	}
	if s, ok := lookup(name); ok {
		return s, nil
	}
	return nil, nil
}

func requestHeaderSource(rc *routectx.Context, v *Value) (any, error) {
	return stringSource(v, rc.RequestHeader)
}

func responseHeaderSource(rc *routectx.Context, v *Value) (any, error) {
	return stringSource(v, rc.ResponseHeader)
}

func responseStatusSource(rc *routectx.Context, _ *Value) (any, error) {
	if resp := rc.Response(); resp != nil {
		return resp.StatusCode, nil
	}
	return nil, nil
}

func cookieSource(rc *routectx.Context, v *Value) (any, error) {
	return stringSource(v, rc.Cookie)
}

func urlSource(rc *routectx.Context, v *Value) (any, error) {
	return stringSource(v, func(part string) (string, bool) {
		switch part {
		case "host":
			return rc.Host(), true
		case "path":
			return rc.Path(), true
		case "href":
			return rc.URLWithoutParams(), true
		case "suffix":
			return rc.Suffix(), true
		}
		return "", false
	})
}

func originURLSource(rc *routectx.Context, v *Value) (any, error) {
	return stringSource(v, func(part string) (string, bool) {
		u := rc.OriginURL()
		switch part {
		case "host":
			return u.Host, true
		case "path":
			if u.Path == "" {
				return "/", true
			}
			return u.Path, true
		}
		return "", false
	})
}

func querySource(rc *routectx.Context, v *Value) (any, error) {
	return stringSource(v, rc.Query)
}

func methodSource(rc *routectx.Context, _ *Value) (any, error) {
	return rc.Request().Method, nil
}

// routeArgsSource resolves another arg of the owning processor. Args that
// are not value definitions resolve to nil.
func routeArgsSource(rc *routectx.Context, v *Value) (any, error) {
	name, ok := v.Source.(string)
	if !ok {
		return nil, nil
	}
	return resolveArg(rc, v, name)
}

// valueObjectSource resolves an object of Values, each independently.
type valueObjectSource struct{}

func (valueObjectSource) Prepare(v *Value) (any, error) {
	obj, ok := v.Source.(map[string]any)
	if !ok {
		return nil, nil
	}
	children := make(map[string]*Value, len(obj))
	for k, raw := range obj {
		if !IsValue(raw) {
			children[k] = nil
			continue
		}
		child, err := v.Child(raw)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		children[k] = child
	}
	return children, nil
}

func (valueObjectSource) Resolve(rc *routectx.Context, v *Value) (any, error) {
	children, ok := v.Prepared().(map[string]*Value)
	if !ok {
		return nil, nil
	}
	out := make(map[string]any, len(children))
	for k, child := range children {
		resolved, err := child.Get(rc)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}
