package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNew(t *testing.T) {
	e := New(CodeSubProcessorNotFound, "CUSTOM")
	if e.Code != 1003 {
		t.Errorf("Code = %d, want 1003", e.Code)
	}
	if e.Name != "SubProcessorNotFoundError" {
		t.Errorf("Name = %q", e.Name)
	}
	want := "create sub processor with type not found: CUSTOM"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
}

func TestWrap(t *testing.T) {
	inner := fmt.Errorf("connection refused")
	e := Wrap(inner, CodeSubRouteBeforeRequest)

	want := "sub route before request execute error: connection refused"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
	if !errors.Is(e, inner) {
		t.Error("wrapped error should unwrap to inner")
	}
}

func TestShown(t *testing.T) {
	tests := []struct {
		name string
		err  *RouteError
		want string
	}{
		{"code only", New(CodeSystem, ""), "3001"},
		{"with summary", New(CodeRequestMiddlewareNotFound, "").WithSummary("Missing"), "1008_Missing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Shown(); got != tt.want {
				t.Errorf("Shown() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWithSummaryDoesNotMutate(t *testing.T) {
	base := New(CodeSystem, "")
	_ = base.WithSummary("x")
	if base.Summary != "" {
		t.Errorf("base summary mutated to %q", base.Summary)
	}
}

func TestNormalize(t *testing.T) {
	re := New(CodeTimeout, "")
	if got := Normalize(fmt.Errorf("outer: %w", re)); got != re {
		t.Errorf("Normalize should return the wrapped RouteError")
	}

	got := Normalize(errors.New("a,b\nc"))
	if got.Code != CodeSystem {
		t.Errorf("Code = %d, want %d", got.Code, CodeSystem)
	}
	if got.Message != "system error: a%2Cb; c" {
		t.Errorf("Message = %q", got.Message)
	}
}

func TestSummarize(t *testing.T) {
	errs := []*RouteError{
		New(CodeSubRouteBeforeRequest, ""),
		New(CodeRequestMiddlewareResponseInvalid, "").WithSummary("502"),
	}
	if got := Summarize(errs); got != "1006|1009_502" {
		t.Errorf("Summarize() = %q", got)
	}
	if got := Summarize(nil); got != "-" {
		t.Errorf("Summarize(nil) = %q, want -", got)
	}
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	New(CodeGroupProcessorNotFound, "X").WithRequestID("req-1").WriteJSON(rec, http.StatusInternalServerError)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body RouteError
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != CodeGroupProcessorNotFound || body.RequestID != "req-1" {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestAs(t *testing.T) {
	if _, ok := As(errors.New("plain")); ok {
		t.Error("As should not match a plain error")
	}
	if re, ok := As(New(CodeSystem, "")); !ok || re.Code != CodeSystem {
		t.Error("As should match a RouteError")
	}
}
