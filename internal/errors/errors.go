package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code identifies a category of route error. Codes are written into the
// diagnostic response header and must stay stable.
type Code int

const (
	CodeGroupProcessorNotFound           Code = 1002
	CodeSubProcessorNotFound             Code = 1003
	CodeSubRouteBeforeRequest            Code = 1006
	CodeSubRouteBeforeResponse           Code = 1007
	CodeRequestMiddlewareNotFound        Code = 1008
	CodeRequestMiddlewareResponseInvalid Code = 1009
	CodeSubRouteRedirect                 Code = 1014
	CodeSystem                           Code = 3001
	CodeTimeout                          Code = 3005
)

// DiagnosticHeader carries the summary of every error logged while a
// request was routed.
const DiagnosticHeader = "x-unio-error"

type definition struct {
	name    string
	message string
}

var definitions = map[Code]definition{
	CodeGroupProcessorNotFound:           {"GroupProcessorNotFoundError", "create group processor with type not found"},
	CodeSubProcessorNotFound:             {"SubProcessorNotFoundError", "create sub processor with type not found"},
	CodeSubRouteBeforeRequest:            {"SubRouteBeforeRequestError", "sub route before request execute error"},
	CodeSubRouteBeforeResponse:           {"SubRouteBeforeResponseError", "sub route before response execute error"},
	CodeRequestMiddlewareNotFound:        {"RequestMiddlewareNotFoundError", "request middleware not found"},
	CodeRequestMiddlewareResponseInvalid: {"RequestMiddlewareResponseInvalidError", "request middleware response invalid"},
	CodeSubRouteRedirect:                 {"SubRouteRedirectError", "sub route redirect execute error"},
	CodeSystem:                           {"SystemError", "system error"},
	CodeTimeout:                          {"TimeoutError", "timeout"},
}

// RouteError is the structured error recorded on a route context.
type RouteError struct {
	Code      Code   `json:"code"`
	Name      string `json:"name"`
	Message   string `json:"message"`
	Summary   string `json:"summary,omitempty"`
	Details   string `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	underlying error
}

func (e *RouteError) Error() string {
	return e.Message
}

func (e *RouteError) Unwrap() error {
	return e.underlying
}

// Shown renders the error the way it appears in the diagnostic header.
func (e *RouteError) Shown() string {
	if e.Summary != "" {
		return fmt.Sprintf("%d_%s", e.Code, e.Summary)
	}
	return fmt.Sprintf("%d", e.Code)
}

// WriteJSON writes the error as a JSON body with the given status.
func (e *RouteError) WriteJSON(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(e)
}

// New creates a RouteError for code. A non-empty detail is appended to the
// default message.
func New(code Code, detail string) *RouteError {
	def := lookup(code)
	msg := def.message
	if detail != "" {
		msg += ": " + detail
	}
	return &RouteError{
		Code:    code,
		Name:    def.name,
		Message: msg,
	}
}

// Wrap creates a RouteError for code that wraps err.
func Wrap(err error, code Code) *RouteError {
	e := New(code, "")
	if err != nil {
		e.Message += ": " + err.Error()
		e.underlying = err
	}
	return e
}

// WithSummary returns a copy carrying summary.
func (e *RouteError) WithSummary(summary string) *RouteError {
	c := *e
	c.Summary = summary
	return &c
}

// WithDetails returns a copy carrying details.
func (e *RouteError) WithDetails(details string) *RouteError {
	c := *e
	c.Details = details
	return &c
}

// WithRequestID returns a copy carrying the request ID.
func (e *RouteError) WithRequestID(requestID string) *RouteError {
	c := *e
	c.RequestID = requestID
	return &c
}

// As extracts a RouteError from err's chain.
func As(err error) (*RouteError, bool) {
	var re *RouteError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// Normalize converts any error into a RouteError. Foreign errors become
// system errors with commas and newlines encoded so they survive header
// transport.
func Normalize(err error) *RouteError {
	if re, ok := As(err); ok {
		return re
	}
	e := New(CodeSystem, EncodeMessage(err.Error()))
	e.underlying = err
	return e
}

// EncodeMessage escapes characters that would break the diagnostic header.
func EncodeMessage(msg string) string {
	return strings.NewReplacer(",", "%2C", "\n", "; ").Replace(msg)
}

// Summarize joins the shown form of errs with "|". It returns "-" when no
// error renders a value.
func Summarize(errs []*RouteError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Shown())
	}
	s := strings.Join(parts, "|")
	if s == "" {
		return "-"
	}
	return s
}

func lookup(code Code) definition {
	if def, ok := definitions[code]; ok {
		return def
	}
	return definition{name: "UnknownError", message: "unknown error"}
}
