package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/goccy/go-yaml"
)

// RouteStatus marks whether a route is compiled.
type RouteStatus string

const (
	StatusOnline  RouteStatus = "ONLINE"
	StatusOffline RouteStatus = "OFFLINE"
)

// Online reports whether a route with this status should be compiled.
// Routes without a status are online.
func (s RouteStatus) Online() bool {
	return s != StatusOffline
}

// Processor kinds registered by default.
const (
	CommonGroupProcessor = "COMMON_GROUP_PROCESSOR"
	CommonSubProcessor   = "COMMON_SUB_PROCESSOR"
)

// Meta keys that carry policy rather than actions.
const (
	MetaMatch        = "match"
	MetaIsBreak      = "isBreak"
	MetaBreak        = "break"
	MetaIsBreakGroup = "isBreakGroup"
	MetaWeakDep      = "weakDep"
)

// Action meta keys understood by the built-in processors.
const (
	MetaRedirects        = "redirects"
	MetaRequestRewrites  = "requestRewrites"
	MetaResponseRewrites = "responseRewrites"
)

var policyKeys = map[string]bool{
	MetaMatch:        true,
	MetaIsBreak:      true,
	MetaBreak:        true,
	MetaIsBreakGroup: true,
	MetaWeakDep:      true,
}

// Value is the raw form of a resolvable value.
type Value struct {
	Source     any    `json:"source" yaml:"source" mapstructure:"source"`
	SourceType string `json:"sourceType" yaml:"sourceType" mapstructure:"sourceType"`
	ValueType  string `json:"valueType,omitempty" yaml:"valueType,omitempty" mapstructure:"valueType"`
}

// Meta is the free-form meta bag of a route.
type Meta map[string]any

// Match returns the raw match tree, or nil.
func (m Meta) Match() any {
	return m[MetaMatch]
}

// Break resolves isBreak, falling back to the legacy break key.
func (m Meta) Break() bool {
	if v, ok := m[MetaIsBreak]; ok && v != nil {
		return flag(v)
	}
	return flag(m[MetaBreak])
}

// BreakGroup reports the isBreakGroup flag.
func (m Meta) BreakGroup() bool {
	return flag(m[MetaIsBreakGroup])
}

// WeakDep reports the weakDep flag.
func (m Meta) WeakDep() bool {
	return flag(m[MetaWeakDep])
}

// ActionKeys returns the non-policy keys in sorted order. Routes decoded
// from a file keep their declaration order through
// SubRouteConfig.ActionKeys.
func (m Meta) ActionKeys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if !policyKeys[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func flag(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// SubRouteConfig is a leaf route owning concrete actions.
type SubRouteConfig struct {
	Name      string         `json:"name" yaml:"name"`
	Type      string         `json:"type" yaml:"type"`
	Status    RouteStatus    `json:"status,omitempty" yaml:"status,omitempty"`
	Processor string         `json:"processor" yaml:"processor"`
	Meta      Meta           `json:"meta,omitempty" yaml:"meta,omitempty"`
	Args      map[string]any `json:"args,omitempty" yaml:"args,omitempty"`

	// MetaOrder is the declaration order of the meta keys when decoded.
	MetaOrder []string `json:"-" yaml:"-"`
}

// ActionKeys returns the non-policy meta keys in declaration order. Keys
// missing from MetaOrder follow in sorted order.
func (s SubRouteConfig) ActionKeys() []string {
	keys := make([]string, 0, len(s.Meta))
	seen := make(map[string]bool, len(s.MetaOrder))
	for _, k := range s.MetaOrder {
		if _, ok := s.Meta[k]; !ok || policyKeys[k] || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	for _, k := range s.Meta.ActionKeys() {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	return keys
}

type subRouteAlias SubRouteConfig

// UnmarshalYAML decodes a sub route and records its meta key order.
func (s *SubRouteConfig) UnmarshalYAML(data []byte) error {
	var alias subRouteAlias
	if err := yaml.Unmarshal(data, &alias); err != nil {
		return err
	}
	var ordered struct {
		Meta yaml.MapSlice `yaml:"meta"`
	}
	if err := yaml.Unmarshal(data, &ordered); err != nil {
		return err
	}
	*s = SubRouteConfig(alias)
	s.MetaOrder = nil
	for _, item := range ordered.Meta {
		s.MetaOrder = append(s.MetaOrder, fmt.Sprint(item.Key))
	}
	return nil
}

// UnmarshalJSON decodes a sub route and records its meta key order.
func (s *SubRouteConfig) UnmarshalJSON(data []byte) error {
	var alias subRouteAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw struct {
		Meta json.RawMessage `json:"meta"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	order, err := objectKeys(raw.Meta)
	if err != nil {
		return err
	}
	*s = SubRouteConfig(alias)
	s.MetaOrder = order
	return nil
}

// objectKeys lists the keys of a JSON object in document order.
func objectKeys(data json.RawMessage) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		keys = append(keys, tok.(string))
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// GroupRouteConfig owns an ordered list of sub routes.
type GroupRouteConfig struct {
	Name      string           `json:"name" yaml:"name"`
	Type      string           `json:"type" yaml:"type"`
	Status    RouteStatus      `json:"status,omitempty" yaml:"status,omitempty"`
	Processor string           `json:"processor" yaml:"processor"`
	Meta      Meta             `json:"meta,omitempty" yaml:"meta,omitempty"`
	Args      map[string]any   `json:"args,omitempty" yaml:"args,omitempty"`
	Routes    []SubRouteConfig `json:"routes" yaml:"routes"`
}

// ParseRoutes decodes a JSON or YAML list of group routes.
func ParseRoutes(data []byte) ([]GroupRouteConfig, error) {
	var routes []GroupRouteConfig
	if json.Valid(data) {
		if err := json.Unmarshal(data, &routes); err != nil {
			return nil, fmt.Errorf("failed to parse routes: %w", err)
		}
		return routes, nil
	}
	if err := yaml.Unmarshal(data, &routes); err != nil {
		return nil, fmt.Errorf("failed to parse routes: %w", err)
	}
	NormalizeRoutes(routes)
	return routes, nil
}

// NormalizeRoutes rewrites YAML-decoded meta and args into JSON shapes:
// string-keyed maps and float64 numbers.
func NormalizeRoutes(routes []GroupRouteConfig) {
	for i := range routes {
		g := &routes[i]
		g.Meta = normalizeMap(g.Meta)
		g.Args = normalizeMap(g.Args)
		for j := range g.Routes {
			s := &g.Routes[j]
			s.Meta = normalizeMap(s.Meta)
			s.Args = normalizeMap(s.Args)
		}
	}
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = Normalize(v)
	}
	return out
}

// Normalize converts a decoded YAML tree into the shape encoding/json
// produces.
func Normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeMap(t)
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = Normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Normalize(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	case int32:
		return float64(t)
	case uint32:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

// ValidateRoutes checks structural requirements of a route list.
func ValidateRoutes(routes []GroupRouteConfig) error {
	for i, g := range routes {
		if g.Name == "" {
			return fmt.Errorf("route group %d: name is required", i)
		}
		if g.Processor == "" {
			return fmt.Errorf("route group %s: processor is required", g.Name)
		}
		if err := validateStatus(g.Status); err != nil {
			return fmt.Errorf("route group %s: %w", g.Name, err)
		}
		for j, s := range g.Routes {
			if s.Name == "" {
				return fmt.Errorf("route group %s: sub route %d: name is required", g.Name, j)
			}
			if s.Processor == "" {
				return fmt.Errorf("route group %s: sub route %s: processor is required", g.Name, s.Name)
			}
			if err := validateStatus(s.Status); err != nil {
				return fmt.Errorf("route group %s: sub route %s: %w", g.Name, s.Name, err)
			}
		}
	}
	return nil
}

func validateStatus(s RouteStatus) error {
	switch s {
	case "", StatusOnline, StatusOffline:
		return nil
	default:
		return fmt.Errorf("invalid status %q", s)
	}
}
