package value

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/wudi/edgeroute/config"
	"github.com/wudi/edgeroute/internal/routectx"
)

// Value is a compiled value definition. It is immutable once compiled.
type Value struct {
	Source     any
	SourceType string
	ValueType  string

	reg      *Registry
	args     map[string]any
	prepared any
	depth    int
}

// IsValue reports whether raw looks like a value definition.
func IsValue(raw any) bool {
	m, ok := raw.(map[string]any)
	if !ok {
		return false
	}
	_, ok = m["sourceType"]
	return ok
}

// Compile builds a Value owned by a processor whose args are given. A nil
// raw value compiles to a nil *Value, which resolves to nil.
func Compile(reg *Registry, raw any, args map[string]any) (*Value, error) {
	return compile(reg, raw, args, 0)
}

func compile(reg *Registry, raw any, args map[string]any, depth int) (*Value, error) {
	if raw == nil {
		return nil, nil
	}

	var spec config.Value
	switch t := raw.(type) {
	case config.Value:
		spec = t
	case *config.Value:
		spec = *t
	case map[string]any:
		if err := mapstructure.Decode(t, &spec); err != nil {
			return nil, fmt.Errorf("invalid value: %w", err)
		}
	default:
		return nil, fmt.Errorf("invalid value: expected object, got %T", raw)
	}

	v := &Value{
		Source:     spec.Source,
		SourceType: spec.SourceType,
		ValueType:  spec.ValueType,
		reg:        reg,
		args:       args,
		depth:      depth,
	}
	if src, ok := reg.source(v.SourceType); ok {
		if p, ok := src.(Preparer); ok {
			prepared, err := p.Prepare(v)
			if err != nil {
				return nil, fmt.Errorf("value %s: %w", v.SourceType, err)
			}
			v.prepared = prepared
		}
	}
	return v, nil
}

// Get resolves v against rc. Unknown source types yield nil and unknown
// value types pass the raw value through. Source errors are returned.
func (v *Value) Get(rc *routectx.Context) (any, error) {
	if v == nil {
		return nil, nil
	}
	src, ok := v.reg.source(v.SourceType)
	if !ok {
		return nil, nil
	}
	raw, err := src.Resolve(rc, v)
	if err != nil {
		return nil, err
	}
	if v.ValueType == "" {
		return raw, nil
	}
	c, ok := v.reg.coercer(v.ValueType)
	if !ok {
		return raw, nil
	}
	return c(rc, raw, v), nil
}

// Registry returns the registry v was compiled with.
func (v *Value) Registry() *Registry { return v.reg }

// Args returns the args of the owning processor.
func (v *Value) Args() map[string]any { return v.args }

// Prepared returns the state computed by the source's Preparer.
func (v *Value) Prepared() any { return v.prepared }

// Raw returns the definition v was compiled from.
func (v *Value) Raw() map[string]any {
	if v == nil {
		return nil
	}
	m := map[string]any{"source": v.Source, "sourceType": v.SourceType}
	if v.ValueType != "" {
		m["valueType"] = v.ValueType
	}
	return m
}

// Child compiles raw with the same registry and args as v, one level
// deeper.
func (v *Value) Child(raw any) (*Value, error) {
	return compile(v.reg, raw, v.args, v.depth+1)
}
