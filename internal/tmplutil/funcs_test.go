package tmplutil

import (
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		text string
		data map[string]any
		want string
	}{
		{"sprig", `{{ upper .ctx.host }}`, map[string]any{"ctx": map[string]any{"host": "example.com"}}, "EXAMPLE.COM"},
		{"json", `{{ json .args }}`, map[string]any{"args": map[string]any{"a": 1}}, `{"a":1}`},
		{"header", `{{ header .ctx.headers "X-Env" }}`, map[string]any{"ctx": map[string]any{"headers": map[string]any{"x-env": "prod"}}}, "prod"},
		{"missing header", `{{ header .ctx.headers "X-None" }}`, map[string]any{"ctx": map[string]any{"headers": map[string]any{}}}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl, err := Parse(tt.name, tt.text)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			var sb strings.Builder
			if err := tpl.Execute(&sb, tt.data); err != nil {
				t.Fatalf("Execute failed: %v", err)
			}
			if sb.String() != tt.want {
				t.Errorf("got %q, want %q", sb.String(), tt.want)
			}
		})
	}
}

func TestParseError(t *testing.T) {
	if _, err := Parse("bad", "{{ .unclosed "); err == nil {
		t.Error("expected parse error")
	}
}
