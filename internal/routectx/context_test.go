package routectx

import (
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	rerrors "github.com/wudi/edgeroute/internal/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubClient struct {
	calls []*http.Request
	inits []RequestInit
}

func (s *stubClient) Request(req *http.Request, init RequestInit, standard bool) (*http.Response, error) {
	s.calls = append(s.calls, req)
	s.inits = append(s.inits, init)
	return &http.Response{StatusCode: http.StatusOK, Header: make(http.Header), Body: http.NoBody, Request: req}, nil
}

func newTestContext(t *testing.T, method, target, body string, opts ...Option) *Context {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	rc, err := New(r, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return rc
}

func TestNewRequiresAbsoluteURL(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/relative", nil)
	r.URL.Host = ""
	r.URL.Scheme = ""
	if _, err := New(r); err == nil {
		t.Error("expected error for relative url")
	}
}

func TestURLAccessors(t *testing.T) {
	rc := newTestContext(t, http.MethodGet, "https://www.example.com/a/b.JPG?x=1&x=2&y=", "")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"host", rc.Host(), "www.example.com"},
		{"path", rc.Path(), "/a/b.JPG"},
		{"protocol", rc.Protocol(), "https:"},
		{"origin", rc.Origin(), "https://www.example.com"},
		{"search", rc.Search(), "?x=1&x=2&y="},
		{"href", rc.Href(), "https://www.example.com/a/b.JPG?x=1&x=2&y="},
		{"urlWithoutParams", rc.URLWithoutParams(), "https://www.example.com/a/b.JPG"},
		{"suffix", rc.Suffix(), "jpg"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
		}
	}

	if v, ok := rc.Query("x"); !ok || v != "1" {
		t.Errorf("Query(x) = %q, %v", v, ok)
	}
	if v, ok := rc.Query("y"); !ok || v != "" {
		t.Errorf("Query(y) = %q, %v", v, ok)
	}
	if _, ok := rc.Query("z"); ok {
		t.Error("Query(z) should be absent")
	}
}

func TestSuffixDefaultsToHTML(t *testing.T) {
	for _, target := range []string{"https://a.com/", "https://a.com/page", "https://a.com/dir.v2/"} {
		rc := newTestContext(t, http.MethodGet, target, "")
		if got := rc.Suffix(); got != "html" {
			t.Errorf("Suffix(%s) = %q, want html", target, got)
		}
	}
}

func TestHeadersAndCookies(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "https://www.example.com/", nil)
	r.Header.Set("X-Foo", "bar")
	r.AddCookie(&http.Cookie{Name: "uid", Value: "42"})
	r.AddCookie(&http.Cookie{Name: "empty", Value: ""})
	rc, err := New(r)
	if err != nil {
		t.Fatal(err)
	}

	if v, ok := rc.RequestHeader("x-foo"); !ok || v != "bar" {
		t.Errorf("RequestHeader = %q, %v", v, ok)
	}
	if _, ok := rc.RequestHeader("x-missing"); ok {
		t.Error("missing header should be absent")
	}
	if v, ok := rc.Cookie("uid"); !ok || v != "42" {
		t.Errorf("Cookie(uid) = %q, %v", v, ok)
	}
	if _, ok := rc.Cookie("empty"); ok {
		t.Error("empty cookie should be absent")
	}
	if _, ok := rc.ResponseHeader("x-foo"); ok {
		t.Error("no response yet")
	}

	rc.SetResponse(&http.Response{StatusCode: 200, Header: http.Header{"X-Cache": {"HIT"}}})
	if v, ok := rc.ResponseHeader("x-cache"); !ok || v != "HIT" {
		t.Errorf("ResponseHeader = %q, %v", v, ok)
	}
}

func TestOriginRequestIsPristine(t *testing.T) {
	rc := newTestContext(t, http.MethodPost, "https://www.example.com/a?q=1", "payload")

	next := CloneRequest(rc.Request())
	next.URL.Path = "/b"
	next.Header.Set("X-Changed", "1")
	rc.SetRequest(next)
	rc.SetRequest(nil)

	if rc.Path() != "/b" {
		t.Errorf("current path = %s, want /b", rc.Path())
	}
	if rc.OriginURL().Path != "/a" {
		t.Errorf("origin path = %s, want /a", rc.OriginURL().Path)
	}

	for i := 0; i < 2; i++ {
		origin := rc.OriginRequest()
		if origin.Header.Get("X-Changed") != "" {
			t.Error("origin request should not see header changes")
		}
		body, _ := io.ReadAll(origin.Body)
		if string(body) != "payload" {
			t.Errorf("origin body read %d = %q", i, body)
		}
	}
}

func TestMiddlewareList(t *testing.T) {
	known := map[string]bool{"A": true, "B": true}
	rc := newTestContext(t, http.MethodGet, "https://www.example.com/", "",
		WithMiddlewareNames(func(name string) bool { return known[name] }))

	if err := rc.AddMiddleware(MiddlewareConfig{Name: "A"}); err != nil {
		t.Fatal(err)
	}
	if err := rc.AddMiddleware(MiddlewareConfig{Name: "B"}); err != nil {
		t.Fatal(err)
	}
	if err := rc.AddMiddleware(MiddlewareConfig{Name: "A", Options: map[string]any{"k": "v"}}); err != nil {
		t.Fatal(err)
	}

	want := []MiddlewareConfig{
		{Name: "A", Options: map[string]any{"k": "v"}},
		{Name: "B"},
	}
	if diff := cmp.Diff(want, rc.Middlewares()); diff != "" {
		t.Errorf("middlewares mismatch (-want +got):\n%s", diff)
	}

	err := rc.AddMiddleware(MiddlewareConfig{Name: "Missing"})
	re, ok := rerrors.As(err)
	if !ok || re.Code != rerrors.CodeRequestMiddlewareNotFound {
		t.Errorf("expected 1008 error, got %v", err)
	}

	rc.RemoveMiddleware("A")
	if got := rc.Middlewares(); len(got) != 1 || got[0].Name != "B" {
		t.Errorf("after remove: %+v", got)
	}

	if err := rc.SetMiddlewares([]MiddlewareConfig{{Name: "B"}, {Name: "Missing"}}); err == nil {
		t.Error("SetMiddlewares should reject unknown names")
	}
	if got := rc.Middlewares(); len(got) != 1 {
		t.Errorf("failed SetMiddlewares must not change the list, got %+v", got)
	}

	rc.ClearMiddlewares()
	if len(rc.Middlewares()) != 0 {
		t.Error("expected empty list")
	}
}

func TestLogErrorAndDiagnostics(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	rc := newTestContext(t, http.MethodGet, "https://www.example.com/", "",
		WithLogger(zap.New(core)), WithRequestID("req-1"))

	resp := &http.Response{StatusCode: 200}
	rc.AppendDiagnostics(resp)
	if resp.Header != nil && resp.Header.Get(rerrors.DiagnosticHeader) != "" {
		t.Error("no header expected without errors")
	}

	rc.LogError(rerrors.New(rerrors.CodeRequestMiddlewareResponseInvalid, "").WithSummary("500"))
	rc.LogError(stderrors.New("boom, again\nline"))
	rc.LogError(nil)

	errs := rc.Errors()
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(errs))
	}
	if errs[1].Code != rerrors.CodeSystem || !strings.Contains(errs[1].Message, "boom%2C again; line") {
		t.Errorf("unexpected normalized error %+v", errs[1])
	}
	if errs[0].RequestID != "req-1" {
		t.Errorf("request id not attached: %+v", errs[0])
	}
	if logs.Len() != 2 {
		t.Errorf("expected 2 log entries, got %d", logs.Len())
	}

	rc.AppendDiagnostics(resp)
	if got := resp.Header.Get(rerrors.DiagnosticHeader); got != "1009_500|3001" {
		t.Errorf("diagnostic header = %q", got)
	}
}

func TestFetchAndFallback(t *testing.T) {
	client := &stubClient{}
	rc := newTestContext(t, http.MethodGet, "https://www.example.com/a", "", WithClient(client))

	disabled := false
	rc.SetRequestInit(RequestInit{CDNProxy: &disabled})
	next := CloneRequest(rc.Request())
	next.URL.Path = "/b"
	rc.SetRequest(next)

	if _, err := rc.Fetch(); err != nil {
		t.Fatal(err)
	}
	if _, err := rc.Fallback(); err != nil {
		t.Fatal(err)
	}

	if client.calls[0].URL.Path != "/b" || client.inits[0].UseCDNProxy() {
		t.Errorf("fetch used %s with %+v", client.calls[0].URL, client.inits[0])
	}
	if client.calls[1].URL.Path != "/a" || !client.inits[1].UnioFallback {
		t.Errorf("fallback used %s with %+v", client.calls[1].URL, client.inits[1])
	}
}

func TestFetchWithoutClient(t *testing.T) {
	rc := newTestContext(t, http.MethodGet, "https://www.example.com/", "")
	if _, err := rc.Fetch(); err == nil {
		t.Error("expected error without client")
	}
}

func TestTemplateData(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "https://www.example.com/p?id=7", nil)
	r.Header.Set("X-Trace", "abc")
	rc, err := New(r, WithRequestID("rid"))
	if err != nil {
		t.Fatal(err)
	}
	data := rc.TemplateData()
	if data["path"] != "/p" || data["requestId"] != "rid" || data["search"] != "?id=7" {
		t.Errorf("unexpected data %+v", data)
	}
	if data["headers"].(map[string]any)["x-trace"] != "abc" {
		t.Errorf("headers not lower-cased: %+v", data["headers"])
	}
	if data["query"].(map[string]any)["id"] != "7" {
		t.Errorf("query missing: %+v", data["query"])
	}
}
