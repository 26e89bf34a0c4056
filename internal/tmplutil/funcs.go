package tmplutil

import (
	"encoding/json"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// FuncMap returns the function map for go_template values: the Sprig
// functions plus json and header helpers.
func FuncMap() template.FuncMap {
	fm := sprig.TxtFuncMap()

	fm["json"] = func(v interface{}) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	}
	// header looks a header up in the lower-cased ctx.headers map.
	fm["header"] = func(headers map[string]interface{}, name string) string {
		if v, ok := headers[strings.ToLower(name)].(string); ok {
			return v
		}
		return ""
	}

	return fm
}

// Parse compiles a named template with FuncMap.
func Parse(name, text string) (*template.Template, error) {
	return template.New(name).Funcs(FuncMap()).Option("missingkey=zero").Parse(text)
}
