package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/wudi/edgeroute/config"
	rerrors "github.com/wudi/edgeroute/internal/errors"
	"github.com/wudi/edgeroute/internal/metrics"
	"github.com/wudi/edgeroute/internal/routectx"
	"github.com/wudi/edgeroute/route"
)

type upstream struct {
	mu   sync.Mutex
	seen []*http.Request
}

func (u *upstream) Request(req *http.Request, _ routectx.RequestInit, _ bool) (*http.Response, error) {
	u.mu.Lock()
	u.seen = append(u.seen, req)
	u.mu.Unlock()
	return &http.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{"Content-Type": []string{"text/plain"}, "Connection": []string{"close"}},
		Body:          io.NopCloser(strings.NewReader("upstream")),
		ContentLength: int64(len("upstream")),
		Request:       req,
	}, nil
}

func lit(v any) map[string]any {
	return map[string]any{"sourceType": "literal", "source": v}
}

func headerRoutes() []config.GroupRouteConfig {
	return []config.GroupRouteConfig{{
		Name:      "g",
		Processor: config.CommonGroupProcessor,
		Routes: []config.SubRouteConfig{{
			Name:      "s",
			Processor: config.CommonSubProcessor,
			Meta: config.Meta{
				config.MetaRequestRewrites: []any{
					map[string]any{"type": "header", "field": "x-edge", "operation": "set", "value": lit("1")},
				},
				config.MetaResponseRewrites: []any{
					map[string]any{"type": "header", "field": "x-served-by", "operation": "set", "value": lit("edgeroute")},
				},
			},
		}},
	}}
}

func newServer(t *testing.T, routes []config.GroupRouteConfig, cfg config.ServerConfig, opts ...Option) (*Server, *upstream) {
	t.Helper()
	up := &upstream{}
	logger := zaptest.NewLogger(t)
	r, err := route.New(routes, route.WithClient(up), route.WithLogger(logger))
	if err != nil {
		t.Fatalf("route.New failed: %v", err)
	}
	return New(cfg, r, append([]Option{WithLogger(logger)}, opts...)...), up
}

func TestServeRoute(t *testing.T) {
	s, up := newServer(t, headerRoutes(), config.ServerConfig{TrustForwardedProto: true})

	req := httptest.NewRequest(http.MethodGet, "/a?x=1", nil)
	req.Host = "www.example.com"
	req.Header.Set("X-Forwarded-Proto", "https")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if rr.Body.String() != "upstream" {
		t.Errorf("body = %q, want upstream", rr.Body.String())
	}
	if rr.Header().Get("X-Served-By") != "edgeroute" {
		t.Error("response rewrite not applied")
	}
	if rr.Header().Get("Connection") != "" {
		t.Error("hop-by-hop headers must not be copied")
	}

	sent := up.seen[0]
	if got := sent.URL.String(); got != "https://www.example.com/a?x=1" {
		t.Errorf("upstream url = %q", got)
	}
	if sent.Header.Get("X-Edge") != "1" {
		t.Error("request rewrite not applied")
	}
	if id := rr.Header().Get(RequestIDHeader); id == "" || sent.Header.Get(RequestIDHeader) != id {
		t.Errorf("request id %q not forwarded", id)
	}
}

func TestForwardedProtoUntrusted(t *testing.T) {
	s, up := newServer(t, nil, config.ServerConfig{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "www.example.com"
	req.Header.Set("X-Forwarded-Proto", "https")
	s.Handler().ServeHTTP(httptest.NewRecorder(), req)

	if got := up.seen[0].URL.Scheme; got != "http" {
		t.Errorf("scheme = %q, want http", got)
	}
}

func TestServeRouteConfigError(t *testing.T) {
	routes := []config.GroupRouteConfig{{Name: "g", Processor: "missing"}}
	s, up := newServer(t, routes, config.ServerConfig{})

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "http://www.example.com/", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rr.Code)
	}
	if got := rr.Header().Get(rerrors.DiagnosticHeader); got != "1002" {
		t.Errorf("%s = %q, want 1002", rerrors.DiagnosticHeader, got)
	}
	var body rerrors.RouteError
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Code != rerrors.CodeGroupProcessorNotFound || body.RequestID == "" {
		t.Errorf("body = %+v", body)
	}
	if len(up.seen) != 0 {
		t.Error("upstream must not be called")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	collector := metrics.NewCollector()
	s, _ := newServer(t, headerRoutes(), config.ServerConfig{}, WithMetrics(collector, "/metrics"))
	h := s.Handler()

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://www.example.com/", nil))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "http://www.example.com/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rr.Code)
	}
	if want := `edgeroute_requests_total{method="GET",status="200"} 1`; !strings.Contains(rr.Body.String(), want) {
		t.Errorf("metrics output missing %s", want)
	}
}

func TestRunShutdown(t *testing.T) {
	s, _ := newServer(t, nil, config.ServerConfig{Address: "127.0.0.1:0", ShutdownTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
