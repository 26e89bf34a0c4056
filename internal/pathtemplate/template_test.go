package pathtemplate

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		path    string
		ok      bool
		params  Params
	}{
		{"named and wildcard", "/a/:id/(.*)", "/a/1/b/2", true, Params{"id": "1", "0": "b/2"}},
		{"two names", "/a/:id/b/:id2", "/a/1/b/2", true, Params{"id": "1", "id2": "2"}},
		{"decodes values", "/user/:name", "/user/caf%C3%A9", true, Params{"name": "café"}},
		{"trailing slash allowed", "/a/b", "/a/b/", true, Params{}},
		{"exact", "/a/b", "/a/b", true, Params{}},
		{"longer path rejected", "/a/b", "/a/b/c", false, nil},
		{"template trailing slash required", "/a/b/", "/a/b", false, nil},
		{"wildcard needs separator", "/a/b/(.*)", "/a/b", false, nil},
		{"wildcard empty", "/a/b/(.*)", "/a/b/", true, Params{"0": ""}},
		{"case insensitive", "/About", "/about", true, Params{}},
		{"custom pattern", `/:id(\d+)`, "/123", true, Params{"id": "123"}},
		{"custom pattern mismatch", `/:id(\d+)`, "/abc", false, nil},
		{"repeat", "/files/:path*", "/files/a/b/c", true, Params{"path": []string{"a", "b", "c"}}},
		{"repeat absent", "/files/:path*", "/files", true, Params{}},
		{"optional", "/a/:id?", "/a", true, Params{}},
		{"optional present", "/a/:id?", "/a/7", true, Params{"id": "7"}},
		{"query template", "id=:id", "id=13700371", true, Params{"id": "13700371"}},
		{"group", "/book{s}?", "/books", true, Params{}},
		{"group absent", "/book{s}?", "/book", true, Params{}},
		{"wildcard before name", "/(.*)/:sprintId", "/18001/sprint/S001", true, Params{"0": "18001/sprint", "sprintId": "S001"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, ok, err := Match(tt.pattern, tt.path)
			if err != nil {
				t.Fatalf("Match error: %v", err)
			}
			if ok != tt.ok {
				t.Fatalf("Match(%q, %q) = %v, want %v", tt.pattern, tt.path, ok, tt.ok)
			}
			if !ok {
				return
			}
			if diff := cmp.Diff(tt.params, params); diff != "" {
				t.Errorf("params mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMatchBadEncoding(t *testing.T) {
	_, _, err := Match("/:name", "/%zz")
	if err == nil {
		t.Error("expected decode error")
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
	}{
		{"/:", "missing parameter name"},
		{"/(?foo)", "cannot start with"},
		{"/(abc", "unbalanced pattern"},
		{"/(a(b))", "capturing groups"},
		{"/()", "missing pattern"},
		{"/a*", "unexpected MODIFIER"},
		{"/{:a", "expected CLOSE"},
	}
	for _, tt := range tests {
		_, err := Parse(tt.pattern)
		if err == nil {
			t.Errorf("Parse(%q) expected error", tt.pattern)
			continue
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Errorf("Parse(%q) error = %v, want %q", tt.pattern, err, tt.want)
		}
	}
}

func TestCompile(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		params  Params
		want    string
		wantErr bool
	}{
		{"names and wildcard", "/new_a/:id/(.*)", Params{"id": "1", "0": "b/2"}, "/new_a/1/b/2", false},
		{"reordered", "/new_a/:id2/new_b/:id", Params{"id": "1", "id2": "2"}, "/new_a/2/new_b/1", false},
		{"missing param", "/new_a/:id3", Params{"id": "1"}, "", true},
		{"optional skipped", "/a/:id?", Params{}, "/a", false},
		{"validated", `/:id(\d+)`, Params{"id": "abc"}, "", true},
		{"number value", `/:id(\d+)`, Params{"id": float64(42)}, "/42", false},
		{"repeat", "/files/:path+", Params{"path": []string{"a", "b"}}, "/files/a/b", false},
		{"repeat from any", "/files/:path+", Params{"path": []any{"a", "b"}}, "/files/a/b", false},
		{"array for scalar", "/:id", Params{"id": []string{"a"}}, "", true},
		{"empty repeat", "/files/:path+", Params{"path": []string{}}, "", true},
		{"static", "/", nil, "/", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl, err := Parse(tt.pattern)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			got, err := tpl.Compile(tt.params)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			if got != tt.want {
				t.Errorf("Compile = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseCaches(t *testing.T) {
	a := MustParse("/cached/:id")
	b := MustParse("/cached/:id")
	if a != b {
		t.Error("expected cached template")
	}
	if got := len(a.Keys()); got != 1 {
		t.Errorf("expected 1 key, got %d", got)
	}
	if a.String() != "/cached/:id" {
		t.Errorf("String() = %q", a.String())
	}
}
