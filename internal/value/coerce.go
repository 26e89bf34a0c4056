package value

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/wudi/edgeroute/internal/routectx"
	"go.uber.org/zap"
)

// Value type names.
const (
	TypeJSON          = "json"
	TypeString        = "string"
	TypeVersionString = "version_string"
	TypeNumber        = "number"
	TypeInteger       = "integer"
	TypeBoolean       = "boolean"
	TypeMatch         = "match"
)

func registerCoercers(reg *Registry) error {
	coercers := []struct {
		name string
		c    Coercer
	}{
		{TypeJSON, coerceJSON},
		{TypeString, coerceString},
		{TypeVersionString, coerceString},
		{TypeNumber, coerceNumber},
		{TypeInteger, coerceInteger},
		{TypeBoolean, coerceBoolean},
	}
	for _, c := range coercers {
		if err := reg.RegisterValueType(c.name, c.c); err != nil {
			return err
		}
	}
	return nil
}

func coerceJSON(rc *routectx.Context, raw any, _ *Value) any {
	switch t := raw.(type) {
	case map[string]any, []any:
		return t
	case string:
		var out any
		if err := json.Unmarshal([]byte(t), &out); err != nil {
			rc.Logger().Warn("value json coercion failed", zap.Error(err))
			return nil
		}
		return out
	case []byte:
		var out any
		if err := json.Unmarshal(t, &out); err != nil {
			rc.Logger().Warn("value json coercion failed", zap.Error(err))
			return nil
		}
		return out
	default:
		rc.Logger().Warn("value json coercion failed", zap.String("type", typeName(raw)))
		return nil
	}
}

func coerceString(_ *routectx.Context, raw any, _ *Value) any {
	if raw == nil {
		return nil
	}
	if s, ok := raw.(string); ok {
		return s
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	return string(b)
}

func coerceNumber(_ *routectx.Context, raw any, _ *Value) any {
	n := ToNumber(raw)
	if math.IsNaN(n) {
		return nil
	}
	return n
}

func coerceInteger(_ *routectx.Context, raw any, _ *Value) any {
	return ParseInt(ToString(raw))
}

func coerceBoolean(_ *routectx.Context, raw any, _ *Value) any {
	return Truthy(raw)
}

// ToNumber converts v the way JavaScript's Number() does, so nil, like
// null, is 0.
func ToNumber(v any) float64 {
	switch t := v.(type) {
	case nil:
		return 0
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case bool:
		if t {
			return 1
		}
		return 0
	case string:
		return stringToNumber(t)
	case []any:
		switch len(t) {
		case 0:
			return 0
		case 1:
			return ToNumber(ToString(t[0]))
		}
		return math.NaN()
	default:
		return math.NaN()
	}
}

func stringToNumber(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	switch s {
	case "Infinity", "+Infinity":
		return math.Inf(1)
	case "-Infinity":
		return math.Inf(-1)
	}
	lower := strings.ToLower(s)
	if len(lower) > 2 && lower[0] == '0' {
		base := 0
		switch lower[1] {
		case 'x':
			base = 16
		case 'o':
			base = 8
		case 'b':
			base = 2
		}
		if base != 0 {
			n, err := strconv.ParseUint(lower[2:], base, 64)
			if err != nil {
				return math.NaN()
			}
			return float64(n)
		}
	}
	if strings.ContainsAny(lower, "_pin") {
		// rejects Go-only spellings such as "inf", "nan" and hex floats
		return math.NaN()
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return f
}

// IsNumeric reports whether v holds a Go numeric kind.
func IsNumeric(v any) bool {
	switch v.(type) {
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}

// ParseInt mirrors parseInt(s, 10): leading whitespace and sign, then the
// longest run of digits. It returns NaN when no digit is found.
func ParseInt(s string) float64 {
	s = strings.TrimLeft(s, " \t\n\r\v\f")
	sign := 1.0
	if s != "" && (s[0] == '+' || s[0] == '-') {
		if s[0] == '-' {
			sign = -1
		}
		s = s[1:]
	}
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return math.NaN()
	}
	f, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return math.NaN()
	}
	return sign * f
}

// Truthy reports JavaScript truthiness.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	}
	if IsNumeric(v) {
		n := ToNumber(v)
		return n != 0 && !math.IsNaN(n)
	}
	return true
}

// ToString converts v the way JavaScript's String() does for the shapes
// produced by JSON decoding.
func ToString(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, len(t))
		for i, item := range t {
			if item != nil {
				parts[i] = ToString(item)
			}
		}
		return strings.Join(parts, ",")
	case map[string]any:
		return "[object Object]"
	}
	if IsNumeric(v) {
		return formatNumber(ToNumber(v))
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func formatNumber(n float64) string {
	switch {
	case math.IsNaN(n):
		return "NaN"
	case math.IsInf(n, 1):
		return "Infinity"
	case math.IsInf(n, -1):
		return "-Infinity"
	}
	return strconv.FormatFloat(n, 'f', -1, 64)
}

// Equal is strict equality: numbers compare by value across Go kinds,
// strings and booleans by value, nil equals nil, and composite values are
// never equal.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if IsNumeric(a) || IsNumeric(b) {
		if !IsNumeric(a) || !IsNumeric(b) {
			return false
		}
		return ToNumber(a) == ToNumber(b)
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	}
	return false
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	}
	if IsNumeric(v) {
		return "number"
	}
	return "object"
}
