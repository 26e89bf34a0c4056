package value

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/tidwall/gjson"
	"github.com/wudi/edgeroute/internal/routectx"
	"github.com/wudi/edgeroute/internal/tmplutil"
	"go.uber.org/zap"
)

// maxArgDepth bounds how deeply route args may refer to one another.
const maxArgDepth = 16

// ErrArgDepth is returned when route args refer to each other deeper than
// maxArgDepth, which is always the case for a cycle.
var ErrArgDepth = errors.New("route args nested too deeply")

var (
	templateExpr = regexp.MustCompile(`\$\{([^\\}]*(?:\\.[^\\}]*)*)\}`)

	goArgField = regexp.MustCompile(`\.args\.([A-Za-z_][A-Za-z0-9_]*)`)
	goArgIndex = regexp.MustCompile(`index\s+\.args\s+"([^"]+)"`)
	goArgAny   = regexp.MustCompile(`\.args\b`)
)

// argRefs names the route args a template reads. all is set when the
// template reads the args object as a whole.
type argRefs struct {
	names []string
	all   bool
}

func (r *argRefs) add(name string) {
	for _, n := range r.names {
		if n == name {
			return
		}
	}
	r.names = append(r.names, name)
}

// resolveArg resolves the route arg name in the scope of v. Args that are
// not value definitions resolve to nil.
func resolveArg(rc *routectx.Context, v *Value, name string) (any, error) {
	raw, ok := v.args[name]
	if !ok || !IsValue(raw) {
		return nil, nil
	}
	if v.depth >= maxArgDepth {
		return nil, fmt.Errorf("route arg %s: %w", name, ErrArgDepth)
	}
	child, err := v.Child(raw)
	if err != nil {
		return nil, fmt.Errorf("route arg %s: %w", name, err)
	}
	return child.Get(rc)
}

// templateData is the data both template sources render against. Only
// the referenced args are resolved. A failing arg renders as nil unless
// the args nest too deeply, which fails the whole value.
func templateData(rc *routectx.Context, v *Value, refs argRefs) (map[string]any, error) {
	names := refs.names
	if refs.all {
		names = make([]string, 0, len(v.args))
		for k := range v.args {
			names = append(names, k)
		}
	}
	args := make(map[string]any, len(names))
	for _, name := range names {
		if _, ok := v.args[name]; !ok {
			continue
		}
		val, err := resolveArg(rc, v, name)
		if errors.Is(err, ErrArgDepth) {
			return nil, err
		}
		if err != nil {
			rc.Logger().Warn("failed to resolve route arg", zap.String("arg", name), zap.Error(err))
		}
		args[name] = val
	}
	return map[string]any{
		"ctx":  rc.TemplateData(),
		"args": args,
	}, nil
}

// stringTemplateSource substitutes ${path} references. Missing paths
// render as "".
type stringTemplateSource struct{}

func (stringTemplateSource) Prepare(v *Value) (any, error) {
	src, ok := v.Source.(string)
	if !ok {
		return nil, nil
	}
	var refs argRefs
	for _, m := range templateExpr.FindAllStringSubmatch(src, -1) {
		keys := templatePath(m[1])
		if len(keys) == 0 || keys[0] != "args" {
			continue
		}
		if len(keys) == 1 {
			refs.all = true
			continue
		}
		refs.add(keys[1])
	}
	return refs, nil
}

func (stringTemplateSource) Resolve(rc *routectx.Context, v *Value) (any, error) {
	src, ok := v.Source.(string)
	if !ok || src == "" {
		return nil, nil
	}
	refs, _ := v.Prepared().(argRefs)
	data, err := templateData(rc, v, refs)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		rc.Logger().Warn("string template data encoding failed", zap.Error(err))
		return "", nil
	}
	return RenderTemplate(src, encoded), nil
}

// RenderTemplate replaces each ${path} in tpl with the value at path in
// the JSON document data. Paths use dots, [n] indexes and quoted ["key"]
// or ['key'] segments.
func RenderTemplate(tpl string, data []byte) string {
	return templateExpr.ReplaceAllStringFunc(tpl, func(m string) string {
		keys := templatePath(templateExpr.FindStringSubmatch(m)[1])
		if len(keys) == 0 {
			return ""
		}
		res := gjson.GetBytes(data, gjsonPath(keys))
		if !res.Exists() {
			return ""
		}
		return resultString(res)
	})
}

// templatePath splits a ${} path into its keys.
func templatePath(expr string) []string {
	var keys []string
	for i := 0; i < len(expr); {
		switch expr[i] {
		case '.':
			i++
		case '[':
			start := i + 1
			if start < len(expr) && (expr[start] == '"' || expr[start] == '\'') {
				quote := expr[start]
				var b strings.Builder
				j := start + 1
				for ; j < len(expr) && expr[j] != quote; j++ {
					if expr[j] == '\\' && j+1 < len(expr) {
						j++
					}
					b.WriteByte(expr[j])
				}
				keys = append(keys, b.String())
				i = j + 1
				if i < len(expr) && expr[i] == ']' {
					i++
				}
				continue
			}
			end := strings.IndexByte(expr[start:], ']')
			if end < 0 {
				return append(keys, expr[start:])
			}
			keys = append(keys, expr[start:start+end])
			i = start + end + 1
		default:
			end := strings.IndexAny(expr[i:], ".[")
			if end < 0 {
				return append(keys, expr[i:])
			}
			keys = append(keys, expr[i:i+end])
			i += end
		}
	}
	return keys
}

func gjsonPath(keys []string) string {
	escaped := make([]string, len(keys))
	for i, k := range keys {
		escaped[i] = gjson.Escape(k)
	}
	return strings.Join(escaped, ".")
}

func resultString(res gjson.Result) string {
	switch res.Type {
	case gjson.String:
		return res.Str
	case gjson.Null:
		return "null"
	case gjson.JSON:
		if res.IsArray() {
			items := res.Array()
			parts := make([]string, len(items))
			for i, item := range items {
				if item.Type != gjson.Null {
					parts[i] = resultString(item)
				}
			}
			return strings.Join(parts, ",")
		}
		return "[object Object]"
	default:
		return res.Raw
	}
}

type goTemplate struct {
	tpl  *template.Template
	refs argRefs
}

// goTemplateSource renders a text/template with the Sprig function map.
type goTemplateSource struct{}

func (goTemplateSource) Prepare(v *Value) (any, error) {
	src, ok := v.Source.(string)
	if !ok {
		return nil, nil
	}
	tpl, err := tmplutil.Parse("go_template", src)
	if err != nil {
		// rendered as "" at request time
		return nil, nil
	}
	return &goTemplate{tpl: tpl, refs: goTemplateRefs(src)}, nil
}

// goTemplateRefs finds .args.name and index .args "name" references. Any
// other use of .args needs every arg.
func goTemplateRefs(src string) argRefs {
	var refs argRefs
	fields := goArgField.FindAllStringSubmatch(src, -1)
	indexes := goArgIndex.FindAllStringSubmatch(src, -1)
	for _, m := range append(fields, indexes...) {
		refs.add(m[1])
	}
	if len(goArgAny.FindAllStringIndex(src, -1)) > len(fields)+len(indexes) {
		refs.all = true
	}
	return refs
}

func (goTemplateSource) Resolve(rc *routectx.Context, v *Value) (any, error) {
	gt, ok := v.Prepared().(*goTemplate)
	if !ok {
		if _, isString := v.Source.(string); isString {
			return "", nil
		}
		return nil, nil
	}
	data, err := templateData(rc, v, gt.refs)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := gt.tpl.Execute(&buf, data); err != nil {
		rc.Logger().Debug("go template execution failed", zap.Error(err))
		return "", nil
	}
	return buf.String(), nil
}
