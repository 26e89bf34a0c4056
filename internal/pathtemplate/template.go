// Package pathtemplate matches and builds paths from Express-style
// templates such as "/a/:id/(.*)".
package pathtemplate

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultPattern = `[^\/#\?]+?`
	prefixes       = "./"
	delimiter      = `[\/#\?]`
)

// Key is a parameter of a template.
type Key struct {
	Name     string
	Prefix   string
	Suffix   string
	Pattern  string
	Modifier string
}

func (k Key) optional() bool { return k.Modifier == "?" || k.Modifier == "*" }
func (k Key) repeat() bool   { return k.Modifier == "*" || k.Modifier == "+" }

// part is either literal text or a parameter.
type part struct {
	text string
	key  *Key
}

// Params holds captured values. Repeated parameters hold []string.
type Params map[string]any

// Template is a parsed path template.
type Template struct {
	raw      string
	parts    []part
	keys     []Key
	re       *regexp.Regexp
	validate map[string]*regexp.Regexp
}

var cache, _ = lru.New[string, *Template](1024)

// Parse parses s, returning a cached Template when available.
func Parse(s string) (*Template, error) {
	if t, ok := cache.Get(s); ok {
		return t, nil
	}
	t, err := parse(s)
	if err != nil {
		return nil, err
	}
	cache.Add(s, t)
	return t, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) *Template {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

func parse(s string) (*Template, error) {
	tokens, err := lex(s)
	if err != nil {
		return nil, fmt.Errorf("pathtemplate %q: %w", s, err)
	}

	p := &parser{tokens: tokens}
	parts, err := p.run()
	if err != nil {
		return nil, fmt.Errorf("pathtemplate %q: %w", s, err)
	}

	t := &Template{raw: s, parts: parts, validate: make(map[string]*regexp.Regexp)}
	for _, pt := range parts {
		if pt.key != nil && pt.key.Pattern != "" {
			t.keys = append(t.keys, *pt.key)
			v, err := regexp.Compile(`(?i)^(?:` + pt.key.Pattern + `)$`)
			if err != nil {
				return nil, fmt.Errorf("pathtemplate %q: %w", s, err)
			}
			t.validate[pt.key.Name] = v
		}
	}
	re, err := regexp.Compile(t.expression())
	if err != nil {
		return nil, fmt.Errorf("pathtemplate %q: %w", s, err)
	}
	t.re = re
	return t, nil
}

type parser struct {
	tokens []lexToken
	i      int
	key    int
}

func (p *parser) try(kind tokenKind) (string, bool) {
	if p.i < len(p.tokens) && p.tokens[p.i].kind == kind {
		v := p.tokens[p.i].value
		p.i++
		return v, true
	}
	return "", false
}

func (p *parser) must(kind tokenKind) error {
	if _, ok := p.try(kind); ok {
		return nil
	}
	next := p.tokens[p.i]
	return fmt.Errorf("unexpected %s at %d, expected %s", next.kind, next.index, kind)
}

func (p *parser) text() string {
	var b strings.Builder
	for {
		if v, ok := p.try(tokChar); ok {
			b.WriteString(v)
			continue
		}
		if v, ok := p.try(tokEscaped); ok {
			b.WriteString(v)
			continue
		}
		return b.String()
	}
}

func (p *parser) nextKey() string {
	name := strconv.Itoa(p.key)
	p.key++
	return name
}

func (p *parser) run() ([]part, error) {
	var parts []part
	path := ""
	flush := func() {
		if path != "" {
			parts = append(parts, part{text: path})
			path = ""
		}
	}

	for p.i < len(p.tokens) {
		char, hasChar := p.try(tokChar)
		name, hasName := p.try(tokName)
		pattern, hasPattern := p.try(tokPattern)

		if hasName || hasPattern {
			prefix := char
			if !strings.Contains(prefixes, prefix) {
				path += prefix
				prefix = ""
			}
			flush()
			if !hasName {
				name = p.nextKey()
			}
			if !hasPattern {
				pattern = defaultPattern
			}
			mod, _ := p.try(tokModifier)
			parts = append(parts, part{key: &Key{Name: name, Prefix: prefix, Pattern: pattern, Modifier: mod}})
			continue
		}

		if hasChar {
			path += char
			continue
		}
		if v, ok := p.try(tokEscaped); ok {
			path += v
			continue
		}
		flush()

		if _, ok := p.try(tokOpen); ok {
			prefix := p.text()
			name, hasName := p.try(tokName)
			pattern, hasPattern := p.try(tokPattern)
			suffix := p.text()
			if err := p.must(tokClose); err != nil {
				return nil, err
			}
			switch {
			case hasName && !hasPattern:
				pattern = defaultPattern
			case !hasName && hasPattern:
				name = p.nextKey()
			}
			mod, _ := p.try(tokModifier)
			parts = append(parts, part{key: &Key{Name: name, Prefix: prefix, Suffix: suffix, Pattern: pattern, Modifier: mod}})
			continue
		}

		if err := p.must(tokEnd); err != nil {
			return nil, err
		}
	}
	return parts, nil
}

// expression builds a non-strict, end-anchored, case-insensitive regexp.
func (t *Template) expression() string {
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, pt := range t.parts {
		if pt.key == nil {
			b.WriteString(regexp.QuoteMeta(pt.text))
			continue
		}
		k := pt.key
		prefix := regexp.QuoteMeta(k.Prefix)
		suffix := regexp.QuoteMeta(k.Suffix)
		switch {
		case k.Pattern == "":
			fmt.Fprintf(&b, "(?:%s%s)%s", prefix, suffix, k.Modifier)
		case prefix != "" || suffix != "":
			if k.repeat() {
				mod := ""
				if k.Modifier == "*" {
					mod = "?"
				}
				fmt.Fprintf(&b, "(?:%s((?:%s)(?:%s%s(?:%s))*)%s)%s", prefix, k.Pattern, suffix, prefix, k.Pattern, suffix, mod)
			} else {
				fmt.Fprintf(&b, "(?:%s(%s)%s)%s", prefix, k.Pattern, suffix, k.Modifier)
			}
		default:
			if k.repeat() {
				fmt.Fprintf(&b, "((?:%s)%s)", k.Pattern, k.Modifier)
			} else {
				fmt.Fprintf(&b, "(%s)%s", k.Pattern, k.Modifier)
			}
		}
	}
	b.WriteString(delimiter + "?$")
	return b.String()
}

// String returns the source template.
func (t *Template) String() string { return t.raw }

// Keys returns the template's parameters in order.
func (t *Template) Keys() []Key {
	out := make([]Key, len(t.keys))
	copy(out, t.keys)
	return out
}

// Match matches path and returns the URL-decoded parameters. It returns
// an error when a captured value is not valid percent-encoding.
func (t *Template) Match(path string) (Params, bool, error) {
	m := t.re.FindStringSubmatchIndex(path)
	if m == nil {
		return nil, false, nil
	}
	params := make(Params, len(t.keys))
	for i, key := range t.keys {
		if 2*(i+1)+1 >= len(m) {
			break
		}
		start, end := m[2*(i+1)], m[2*(i+1)+1]
		if start < 0 {
			continue
		}
		raw := path[start:end]
		if key.repeat() {
			segments := strings.Split(raw, key.Prefix+key.Suffix)
			values := make([]string, len(segments))
			for j, seg := range segments {
				v, err := url.PathUnescape(seg)
				if err != nil {
					return nil, false, err
				}
				values[j] = v
			}
			params[key.Name] = values
			continue
		}
		v, err := url.PathUnescape(raw)
		if err != nil {
			return nil, false, err
		}
		params[key.Name] = v
	}
	return params, true, nil
}

// Compile fills the template with params. Values must satisfy their
// parameter's pattern and required parameters must be present.
func (t *Template) Compile(params Params) (string, error) {
	var b strings.Builder
	for _, pt := range t.parts {
		if pt.key == nil {
			b.WriteString(pt.text)
			continue
		}
		k := pt.key
		value, ok := params[k.Name]
		if !ok || value == nil {
			if k.optional() {
				continue
			}
			if k.repeat() {
				return "", fmt.Errorf("expected %q to be an array", k.Name)
			}
			return "", fmt.Errorf("expected %q to be a string", k.Name)
		}

		if list, isList := toList(value); isList {
			if !k.repeat() {
				return "", fmt.Errorf("expected %q to not repeat, but got an array", k.Name)
			}
			if len(list) == 0 {
				if k.optional() {
					continue
				}
				return "", fmt.Errorf("expected %q to not be empty", k.Name)
			}
			for _, seg := range list {
				if err := t.check(k, seg); err != nil {
					return "", err
				}
				b.WriteString(k.Prefix + seg + k.Suffix)
			}
			continue
		}

		seg, ok := scalar(value)
		if !ok {
			return "", fmt.Errorf("expected %q to be a string", k.Name)
		}
		if err := t.check(k, seg); err != nil {
			return "", err
		}
		b.WriteString(k.Prefix + seg + k.Suffix)
	}
	return b.String(), nil
}

func (t *Template) check(k *Key, seg string) error {
	if v := t.validate[k.Name]; v != nil && !v.MatchString(seg) {
		return fmt.Errorf("expected %q to match %q, but got %q", k.Name, k.Pattern, seg)
	}
	return nil
}

func toList(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := scalar(item)
			if !ok {
				return nil, true
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func scalar(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	}
	return "", false
}

// Match parses pattern and matches path against it.
func Match(pattern, path string) (Params, bool, error) {
	t, err := Parse(pattern)
	if err != nil {
		return nil, false, err
	}
	return t.Match(path)
}
