// Package match evaluates boolean trees of Value comparisons.
package match

import (
	"encoding/json"
	"fmt"

	"github.com/wudi/edgeroute/internal/routectx"
	"github.com/wudi/edgeroute/internal/value"
	"go.uber.org/zap"
)

// List operators.
const (
	And = "and"
	Or  = "or"
)

// Item compares an origin Value against an optional criteria Value.
type Item struct {
	Origin   *value.Value
	Criteria *value.Value
	Operator string
}

// Match is a compiled AND/OR node. A nil *Match always matches.
type Match struct {
	Operator string
	list     []node
	logger   *zap.Logger
}

type node struct {
	item  *Item
	match *Match
}

// Option configures Compile.
type Option func(*Match)

// WithLogger sets the logger item errors are reported to. The request
// logger is used otherwise.
func WithLogger(l *zap.Logger) Option {
	return func(m *Match) { m.logger = l }
}

// Compile builds a Match tree from its raw configuration. A nil raw
// value compiles to a nil Match.
func Compile(reg *value.Registry, raw any, args map[string]any, opts ...Option) (*Match, error) {
	if raw == nil {
		return nil, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("match: expected object, got %T", raw)
	}

	m := &Match{Operator: And}
	for _, opt := range opts {
		opt(m)
	}
	if op, ok := obj["operator"].(string); ok && op != "" {
		m.Operator = op
	}

	var list []any
	switch l := obj["list"].(type) {
	case nil:
	case []any:
		list = l
	default:
		return nil, fmt.Errorf("match: list must be an array, got %T", l)
	}

	for i, entry := range list {
		e, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("match: list[%d]: expected object, got %T", i, entry)
		}
		if isItem(e) {
			item, err := compileItem(reg, e, args)
			if err != nil {
				return nil, fmt.Errorf("match: list[%d]: %w", i, err)
			}
			m.list = append(m.list, node{item: item})
			continue
		}
		child, err := Compile(reg, e, args, opts...)
		if err != nil {
			return nil, err
		}
		m.list = append(m.list, node{match: child})
	}
	return m, nil
}

func isItem(e map[string]any) bool {
	return e["origin"] != nil && e["operator"] != nil
}

func compileItem(reg *value.Registry, e map[string]any, args map[string]any) (*Item, error) {
	op, ok := e["operator"].(string)
	if !ok {
		return nil, fmt.Errorf("operator must be a string, got %T", e["operator"])
	}
	origin, err := value.Compile(reg, e["origin"], args)
	if err != nil {
		return nil, fmt.Errorf("origin: %w", err)
	}
	criteria, err := value.Compile(reg, e["criteria"], args)
	if err != nil {
		return nil, fmt.Errorf("criteria: %w", err)
	}
	return &Item{Origin: origin, Criteria: criteria, Operator: op}, nil
}

// Evaluate reports whether rc satisfies m. An empty list matches. AND
// stops at the first false child and OR at the first true one.
func (m *Match) Evaluate(rc *routectx.Context) bool {
	if m == nil {
		return true
	}
	logger := m.logger
	if logger == nil {
		logger = rc.Logger()
	}

	result := true
	for _, n := range m.list {
		if n.match != nil {
			result = n.match.Evaluate(rc)
		} else {
			ok, err := n.item.evaluate(rc)
			if err != nil {
				logger.Error("match item failed",
					zap.String("config", n.item.String()),
					zap.Error(err),
				)
				ok = false
			}
			result = ok
		}
		if m.Operator == And && !result {
			return false
		}
		if m.Operator == Or && result {
			return true
		}
	}
	return result
}

// String renders the item configuration as JSON.
func (it *Item) String() string {
	cfg := map[string]any{
		"origin":   it.Origin.Raw(),
		"operator": it.Operator,
	}
	if it.Criteria != nil {
		cfg["criteria"] = it.Criteria.Raw()
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return it.Operator
	}
	return string(b)
}

// RegisterValueType registers the match coercion, which evaluates the
// resolved source as a nested Match tree. A nil or malformed tree yields
// true.
func RegisterValueType(reg *value.Registry) error {
	return reg.RegisterValueType(value.TypeMatch, func(rc *routectx.Context, raw any, v *value.Value) any {
		if raw == nil {
			return true
		}
		m, err := Compile(v.Registry(), raw, v.Args())
		if err != nil {
			rc.Logger().Debug("match value is not a match tree", zap.Error(err))
			return true
		}
		return m.Evaluate(rc)
	})
}
