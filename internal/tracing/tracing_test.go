package tracing

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wudi/edgeroute/config"
	"github.com/wudi/edgeroute/internal/middleware"
	"github.com/wudi/edgeroute/internal/routectx"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tracer, err := New(config.TracingConfig{
		Enabled:     true,
		ServiceName: "test-edgeroute",
		SampleRate:  1.0,
	}, WithExporter(exp))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { tracer.Close() })
	return tracer, exp
}

func TestTracerMiddleware(t *testing.T) {
	tracer, exp := newTestTracer(t)

	handler := tracer.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	r := httptest.NewRequest("GET", "/items", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Header().Get("X-Trace-ID") == "" {
		t.Error("expected X-Trace-ID response header")
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "GET /items" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "GET /items")
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("span status = %v, want Error", spans[0].Status.Code)
	}
}

func TestTracerMiddlewarePropagation(t *testing.T) {
	tracer, exp := newTestTracer(t)

	handler := tracer.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].SpanContext.TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id = %s, want the incoming one", got)
	}
}

func TestTracerDisabled(t *testing.T) {
	tracer, err := New(config.TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	handler := tracer.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Header().Get("X-Trace-ID") != "" {
		t.Error("disabled tracer should not add X-Trace-ID")
	}

	var nilTracer *Tracer
	if nilTracer.IsEnabled() {
		t.Error("nil tracer reports enabled")
	}
}

func TestStartSpanRecordsError(t *testing.T) {
	tracer, exp := newTestTracer(t)

	_, span := tracer.StartSpan(t.Context(), "stage redirect")
	EndSpan(span, errors.New("boom"))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description != "boom" {
		t.Errorf("status = %+v, want Error boom", spans[0].Status)
	}
}

func TestSpanMiddlewareNesting(t *testing.T) {
	tracer, exp := newTestTracer(t)

	pass := func(map[string]any) (middleware.Middleware, error) {
		return func(rc *routectx.Context, next middleware.Next) error {
			return next()
		}, nil
	}
	var chain []middleware.Middleware
	for _, name := range []string{"Outer", "Inner"} {
		mw, err := SpanMiddleware(tracer, name, pass)(nil)
		if err != nil {
			t.Fatalf("generator %s failed: %v", name, err)
		}
		chain = append(chain, mw)
	}

	rc, err := routectx.New(httptest.NewRequest("GET", "https://www.example.com/", nil))
	if err != nil {
		t.Fatalf("routectx.New failed: %v", err)
	}
	before := rc.Context()
	if err := middleware.Compose(chain...)(rc); err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	if rc.Context() != before {
		t.Error("context not restored after the middleware")
	}

	byName := make(map[string]tracetest.SpanStub)
	for _, s := range exp.GetSpans() {
		byName[s.Name] = s
	}
	outer, inner := byName["middleware Outer"], byName["middleware Inner"]
	if len(byName) != 2 {
		t.Fatalf("spans = %v, want Outer and Inner", exp.GetSpans())
	}
	if inner.Parent.SpanID() != outer.SpanContext.SpanID() {
		t.Errorf("inner parent = %s, want outer %s", inner.Parent.SpanID(), outer.SpanContext.SpanID())
	}
}

func TestInjectHeaders(t *testing.T) {
	src := httptest.NewRequest("GET", "/", nil)
	src.Header.Set("traceparent", "00-abc-def-01")
	src.Header.Set("tracestate", "vendor=value")

	dst := httptest.NewRequest("GET", "/", nil)
	InjectHeaders(src, dst)

	if dst.Header.Get("traceparent") != "00-abc-def-01" {
		t.Error("traceparent not propagated")
	}
	if dst.Header.Get("tracestate") != "vendor=value" {
		t.Error("tracestate not propagated")
	}
}
