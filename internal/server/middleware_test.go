package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	rerrors "github.com/wudi/edgeroute/internal/errors"
	"github.com/wudi/edgeroute/internal/metrics"
)

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	chain := NewChain(mark("a")).Append(mark("b")).AppendIf(false, mark("skipped")).AppendIf(true, mark("c"))
	if chain.Len() != 3 {
		t.Fatalf("Len = %d, want 3", chain.Len())
	}
	h := chain.Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	want := []string{"a", "b", "c", "handler"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if seen == "" {
		t.Fatal("expected a generated request id")
	}
	if rr.Header().Get(RequestIDHeader) != seen {
		t.Errorf("response header = %q, want %q", rr.Header().Get(RequestIDHeader), seen)
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "incoming")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "incoming" {
		t.Errorf("request id = %q, want incoming", seen)
	}
}

func TestRequestIDUntrusted(t *testing.T) {
	var seen string
	h := RequestIDWithConfig(RequestIDConfig{
		Generator: func() string { return "generated" },
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "incoming")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "generated" {
		t.Errorf("request id = %q, want generated", seen)
	}
}

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	h := NewChain(RequestID(), Recovery(zap.New(core))).Then(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rr.Code)
	}
	if got := rr.Header().Get(rerrors.DiagnosticHeader); got != "3001" {
		t.Errorf("%s = %q, want 3001", rerrors.DiagnosticHeader, got)
	}
	var body rerrors.RouteError
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Code != rerrors.CodeSystem || body.RequestID == "" {
		t.Errorf("body = %+v, want system error with request id", body)
	}
	if logs.FilterMessage("Panic recovered").Len() != 1 {
		t.Error("expected the panic to be logged")
	}
}

func TestAccessLog(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	collector := metrics.NewCollector()
	h := AccessLog(AccessLogConfig{
		Logger:    zap.New(core),
		Metrics:   collector,
		SkipPaths: []string{"/healthz"},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(rerrors.DiagnosticHeader, "1006")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
		w.WriteHeader(http.StatusTeapot)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/items?x=1", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/healthz", nil))

	entries := logs.FilterMessage("HTTP request").All()
	if len(entries) != 1 {
		t.Fatalf("logged %d requests, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(http.StatusCreated) {
		t.Errorf("status = %v, want 201", fields["status"])
	}
	if fields["body_bytes"] != int64(len("created")) {
		t.Errorf("body_bytes = %v, want 7", fields["body_bytes"])
	}
	if fields["query"] != "x=1" || fields["route_errors"] != "1006" {
		t.Errorf("fields = %v", fields)
	}
	n, err := testutil.GatherAndCount(collector.Registry(), "edgeroute_requests_total")
	if err != nil || n != 1 {
		t.Errorf("requests_total series = %d (%v), want 1", n, err)
	}
}
