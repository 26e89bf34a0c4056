package match

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/wudi/edgeroute/internal/pathtemplate"
	"github.com/wudi/edgeroute/internal/routectx"
	"github.com/wudi/edgeroute/internal/value"
)

// Item operators.
const (
	OpEqual         = "equal"
	OpNotEqual      = "not_equal"
	OpIn            = "in"
	OpNotIn         = "not_in"
	OpNull          = "null"
	OpNotNull       = "not_null"
	OpRegexp        = "regexp"
	OpNotRegexp     = "not_regexp"
	OpPathRegexp    = "path_regexp"
	OpNotPathRegexp = "not_path_regexp"
	OpGTE           = "gte"
	OpGT            = "gt"
	OpLTE           = "lte"
	OpLT            = "lt"
	OpPrefix        = "prefix"
	OpNotPrefix     = "not_prefix"
	OpSuffix        = "suffix"
	OpNotSuffix     = "not_suffix"
	OpNaN           = "nan"
	OpNumber        = "number"
	OpKeyOf         = "key_of"
	OpGlob          = "glob"
	OpNotGlob       = "not_glob"
)

var regexpCache, _ = lru.New[string, *regexp.Regexp](1024)

// compileRegexp compiles a case-insensitive pattern through the cache.
func compileRegexp(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexpCache.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, err
	}
	regexpCache.Add(pattern, re)
	return re, nil
}

func (it *Item) evaluate(rc *routectx.Context) (bool, error) {
	origin, err := it.Origin.Get(rc)
	if err != nil {
		return false, err
	}
	criteria, err := it.Criteria.Get(rc)
	if err != nil {
		return false, err
	}

	switch it.Operator {
	case OpEqual:
		return value.Equal(origin, criteria), nil
	case OpNotEqual:
		return !value.Equal(origin, criteria), nil
	case OpIn:
		if origin == nil && criteria == nil {
			return false, nil
		}
		return contains(criteria, origin), nil
	case OpNotIn:
		if origin == nil && criteria == nil {
			return false, nil
		}
		return !contains(criteria, origin), nil
	case OpNull:
		return isNull(origin), nil
	case OpNotNull:
		return !isNull(origin), nil
	case OpRegexp, OpNotRegexp:
		pattern, ok := criteria.(string)
		if !ok {
			return false, nil
		}
		matched := false
		if s, ok := origin.(string); ok {
			re, err := compileRegexp(pattern)
			if err != nil {
				return false, fmt.Errorf("invalid regexp %q: %w", pattern, err)
			}
			matched = re.MatchString(s)
		}
		if it.Operator == OpRegexp {
			return matched, nil
		}
		return !matched, nil
	case OpPathRegexp, OpNotPathRegexp:
		pattern, ok := criteria.(string)
		if !ok {
			return false, nil
		}
		_, matched, err := pathtemplate.Match(pattern, rc.EscapedPath())
		if err != nil {
			return false, err
		}
		if it.Operator == OpPathRegexp {
			return matched, nil
		}
		return !matched, nil
	case OpGTE, OpGT, OpLTE, OpLT:
		return it.compare(origin, criteria), nil
	case OpPrefix, OpNotPrefix:
		return stringCheck(it.Operator == OpPrefix, origin, criteria, strings.HasPrefix), nil
	case OpSuffix, OpNotSuffix:
		return stringCheck(it.Operator == OpSuffix, origin, criteria, strings.HasSuffix), nil
	case OpNaN:
		return math.IsNaN(value.ToNumber(origin)), nil
	case OpNumber:
		return !math.IsNaN(value.ToNumber(origin)), nil
	case OpKeyOf:
		obj, ok := criteria.(map[string]any)
		key, isString := origin.(string)
		if !ok || !isString {
			return false, nil
		}
		_, found := obj[key]
		return found, nil
	case OpGlob, OpNotGlob:
		pattern, ok := criteria.(string)
		if !ok {
			return false, nil
		}
		matched := false
		if s, ok := origin.(string); ok {
			m, err := doublestar.Match(pattern, s)
			if err != nil {
				return false, fmt.Errorf("invalid glob %q: %w", pattern, err)
			}
			matched = m
		}
		if it.Operator == OpGlob {
			return matched, nil
		}
		return !matched, nil
	}
	return false, nil
}

func (it *Item) compare(origin, criteria any) bool {
	if it.Criteria != nil && it.Criteria.ValueType == value.TypeVersionString {
		a, b := padVersion(value.ToString(origin)), padVersion(value.ToString(criteria))
		switch it.Operator {
		case OpGTE:
			return a >= b
		case OpGT:
			return a > b
		case OpLTE:
			return a <= b
		default:
			return a < b
		}
	}

	a, b := value.ToNumber(origin), value.ToNumber(criteria)
	if math.IsNaN(a) || math.IsNaN(b) {
		return false
	}
	switch it.Operator {
	case OpGTE:
		return a >= b
	case OpGT:
		return a > b
	case OpLTE:
		return a <= b
	default:
		return a < b
	}
}

// padVersion left-pads every dot-separated segment to ten characters so
// versions compare correctly as strings.
func padVersion(v string) string {
	parts := strings.Split(v, ".")
	for i, p := range parts {
		if len(p) < 10 {
			parts[i] = strings.Repeat("0", 10-len(p)) + p
		}
	}
	return strings.Join(parts, ".")
}

func contains(list, needle any) bool {
	items, ok := list.([]any)
	if !ok {
		items = []any{list}
	}
	for _, item := range items {
		if value.Equal(item, needle) {
			return true
		}
	}
	return false
}

func isNull(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

// stringCheck applies check to string operands. The negated form is true
// for a non-string origin as long as the criteria is a string.
func stringCheck(positive bool, origin, criteria any, check func(s, affix string) bool) bool {
	affix, ok := criteria.(string)
	if !ok {
		return false
	}
	s, isString := origin.(string)
	matched := isString && check(s, affix)
	if positive {
		return matched
	}
	return !matched
}
