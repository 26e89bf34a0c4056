package route

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/wudi/edgeroute/config"
	rerrors "github.com/wudi/edgeroute/internal/errors"
	"github.com/wudi/edgeroute/internal/kv"
	"github.com/wudi/edgeroute/internal/metrics"
	"github.com/wudi/edgeroute/internal/middleware"
	"github.com/wudi/edgeroute/internal/routectx"
)

type fakeClient struct {
	mu       sync.Mutex
	requests []*http.Request
}

func (c *fakeClient) Request(req *http.Request, _ routectx.RequestInit, _ bool) (*http.Response, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader("upstream")),
		Request:    req,
	}, nil
}

func (c *fakeClient) last(t *testing.T) *http.Request {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.requests) == 0 {
		t.Fatal("client was not called")
	}
	return c.requests[len(c.requests)-1]
}

func lit(v any) map[string]any {
	return map[string]any{"sourceType": "literal", "source": v}
}

func rewrite(typ, field, op string, val any) map[string]any {
	return map[string]any{"type": typ, "field": field, "operation": op, "value": val}
}

func single(name string, meta config.Meta) []config.GroupRouteConfig {
	return []config.GroupRouteConfig{{
		Name:      "group",
		Processor: config.CommonGroupProcessor,
		Routes: []config.SubRouteConfig{{
			Name:      name,
			Processor: config.CommonSubProcessor,
			Meta:      meta,
		}},
	}}
}

func newRouter(t *testing.T, routes []config.GroupRouteConfig, opts ...Option) *Router {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	r, err := New(routes, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return r
}

func TestNewRejectsInvalidRoutes(t *testing.T) {
	_, err := New([]config.GroupRouteConfig{{Processor: config.CommonGroupProcessor}})
	if err == nil {
		t.Fatal("expected error for unnamed group")
	}
}

func TestRouteRewrites(t *testing.T) {
	client := &fakeClient{}
	r := newRouter(t, single("rw", config.Meta{
		config.MetaRequestRewrites: []any{
			rewrite("header", "x-edge", "set", lit("1")),
			rewrite("url", "path", "set", lit("/rewritten")),
		},
		config.MetaResponseRewrites: []any{
			rewrite("header", "x-served-by", "set", lit("edgeroute")),
		},
	}), WithClient(client))

	resp, rc, err := r.Route(httptest.NewRequest(http.MethodGet, "https://www.example.com/a?x=1", nil))
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	sent := client.last(t)
	if got := sent.Header.Get("X-Edge"); got != "1" {
		t.Errorf("X-Edge = %q, want 1", got)
	}
	if got := sent.URL.Path; got != "/rewritten" {
		t.Errorf("path = %q, want /rewritten", got)
	}
	if got := resp.Header.Get("X-Served-By"); got != "edgeroute" {
		t.Errorf("X-Served-By = %q, want edgeroute", got)
	}
	if resp.Header.Get(rerrors.DiagnosticHeader) != "" {
		t.Errorf("unexpected diagnostics: %v", rc.Errors())
	}
}

func TestRouteDiagnostics(t *testing.T) {
	collector := metrics.NewCollector()
	r := newRouter(t, single("broken", config.Meta{
		config.MetaRequestRewrites: []any{
			rewrite("middleware", "", "set", lit([]any{"Missing"})),
		},
	}), WithClient(&fakeClient{}), WithMetrics(collector))

	resp, _, err := r.Route(httptest.NewRequest(http.MethodGet, "https://www.example.com/", nil))
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if got := resp.Header.Get(rerrors.DiagnosticHeader); got != "1006" {
		t.Errorf("%s = %q, want 1006", rerrors.DiagnosticHeader, got)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	n, err := testutil.GatherAndCount(collector.Registry(), "edgeroute_route_errors_total")
	if err != nil || n != 1 {
		t.Errorf("route error series = %d (%v), want 1", n, err)
	}
}

func TestRouteWeakDepFetchEntries(t *testing.T) {
	client := &fakeClient{}
	routes := []config.GroupRouteConfig{
		{
			Name:      "remote",
			Processor: config.CommonGroupProcessor,
			Routes: []config.SubRouteConfig{{
				Name:      "weak",
				Processor: config.CommonSubProcessor,
				Meta: config.Meta{
					config.MetaWeakDep: true,
					config.MetaRequestRewrites: map[string]any{
						"sourceType": "fetch",
						"source":     "https://rules.example.com/rewrites.json",
					},
				},
			}},
		},
		single("local", config.Meta{
			config.MetaRequestRewrites: []any{rewrite("header", "x-local", "set", lit("1"))},
		})[0],
	}
	r := newRouter(t, routes, WithClient(client))

	resp, rc, err := r.Route(httptest.NewRequest(http.MethodGet, "https://www.example.com/", nil))
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if got := client.last(t).Header.Get("X-Local"); got != "1" {
		t.Errorf("X-Local = %q, want 1", got)
	}
	if len(rc.Errors()) != 1 || rc.Errors()[0].Code != rerrors.CodeSubRouteBeforeRequest {
		t.Errorf("errors = %v, want one sub failure", rc.Errors())
	}
}

func TestRouteUnknownProcessor(t *testing.T) {
	routes := []config.GroupRouteConfig{{Name: "g", Processor: "nope"}}
	r := newRouter(t, routes, WithClient(&fakeClient{}))

	_, rc, err := r.Route(httptest.NewRequest(http.MethodGet, "https://www.example.com/", nil))
	re, ok := rerrors.As(err)
	if !ok || re.Code != rerrors.CodeGroupProcessorNotFound {
		t.Fatalf("error = %v, want code 1002", err)
	}
	if len(rc.Errors()) != 1 {
		t.Errorf("logged errors = %d, want 1", len(rc.Errors()))
	}
}

func TestRegisterMiddleware(t *testing.T) {
	r := newRouter(t, single("mw", config.Meta{
		config.MetaRequestRewrites: []any{
			rewrite("middleware", "", "set", lit([]any{"Stamp"})),
		},
	}), WithClient(&fakeClient{}))

	err := r.RegisterMiddleware("Stamp", func(opts map[string]any) (middleware.Middleware, error) {
		return func(rc *routectx.Context, next middleware.Next) error {
			if err := next(); err != nil {
				return err
			}
			rc.Response().Header.Set("X-Stamp", "1")
			return nil
		}, nil
	})
	if err != nil {
		t.Fatalf("RegisterMiddleware failed: %v", err)
	}
	if err := r.RegisterMiddleware("Stamp", nil); err == nil {
		t.Error("expected error registering a duplicate middleware")
	}

	resp, _, err := r.Route(httptest.NewRequest(http.MethodGet, "https://www.example.com/", nil))
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if got := resp.Header.Get("X-Stamp"); got != "1" {
		t.Errorf("X-Stamp = %q, want 1", got)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "upstream" {
		t.Errorf("body = %q, want upstream", body)
	}
}

func TestSetRoutes(t *testing.T) {
	client := &fakeClient{}
	r := newRouter(t, nil, WithClient(client))

	if err := r.SetRoutes([]config.GroupRouteConfig{{Name: ""}}); err == nil {
		t.Error("expected validation error")
	}
	if len(r.Routes()) != 0 {
		t.Error("invalid routes must not replace the active list")
	}

	next := single("hdr", config.Meta{
		config.MetaRequestRewrites: []any{rewrite("header", "x-version", "set", lit("2"))},
	})
	if err := r.SetRoutes(next); err != nil {
		t.Fatalf("SetRoutes failed: %v", err)
	}
	if _, _, err := r.Route(httptest.NewRequest(http.MethodGet, "https://www.example.com/", nil)); err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if got := client.last(t).Header.Get("X-Version"); got != "2" {
		t.Errorf("X-Version = %q, want 2", got)
	}
}

func TestKVSource(t *testing.T) {
	store, err := kv.New(context.Background(), config.KVConfig{
		Type: kv.TypeMemory,
		Data: map[string]any{"flags": map[string]any{"beta": "on"}},
	})
	if err != nil {
		t.Fatalf("kv.New failed: %v", err)
	}
	defer store.Close()

	client := &fakeClient{}
	r := newRouter(t, single("kv", config.Meta{
		config.MetaRequestRewrites: []any{
			rewrite("header", "x-beta", "set", map[string]any{"sourceType": "kv", "source": "flags.beta"}),
		},
	}), WithClient(client), WithKVStore(store))

	if _, _, err := r.Route(httptest.NewRequest(http.MethodGet, "https://www.example.com/", nil)); err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if got := client.last(t).Header.Get("X-Beta"); got != "on" {
		t.Errorf("X-Beta = %q, want on", got)
	}
}

func TestConcurrentRouting(t *testing.T) {
	client := &fakeClient{}
	r := newRouter(t, single("hdr", config.Meta{
		config.MetaRequestRewrites: []any{rewrite("header", "x-edge", "set", lit("1"))},
	}), WithClient(client))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := r.Route(httptest.NewRequest(http.MethodGet, "https://www.example.com/", nil)); err != nil {
				t.Errorf("Route failed: %v", err)
			}
		}()
		if i == 10 {
			if err := r.SetRoutes(r.Routes()); err != nil {
				t.Errorf("SetRoutes failed: %v", err)
			}
		}
	}
	wg.Wait()

	if len(client.requests) != 20 {
		t.Errorf("requests = %d, want 20", len(client.requests))
	}
}
