// Package routectx holds the per-request state threaded through route
// evaluation.
package routectx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	rerrors "github.com/wudi/edgeroute/internal/errors"
	"go.uber.org/zap"
)

// Decompression modes understood by the HTTP client.
const (
	DecompressManual           = "manual"
	DecompressFallbackIdentity = "fallbackIdentity"
)

// RequestInit carries transport hints for the outbound fetch.
type RequestInit struct {
	CDNProxy     *bool
	Decompress   string
	Timeout      time.Duration
	UnioFallback bool
}

// UseCDNProxy reports whether the CDN proxy is enabled. Unset means enabled.
func (ri RequestInit) UseCDNProxy() bool {
	return ri.CDNProxy == nil || *ri.CDNProxy
}

// Client performs outbound requests. When standard is true a timeout is
// returned as an error instead of a 408 response.
type Client interface {
	Request(req *http.Request, init RequestInit, standard bool) (*http.Response, error)
}

// MiddlewareConfig names a middleware and the options it is built with.
type MiddlewareConfig struct {
	Name    string
	Options map[string]any
}

// Context is the state of one inbound request.
type Context struct {
	ctx         context.Context
	request     *http.Request
	requestURL  *url.URL
	response    *http.Response
	origin      *http.Request
	originURL   *url.URL
	body        []byte
	requestInit RequestInit
	middlewares []MiddlewareConfig
	known       func(string) bool
	errors      []*rerrors.RouteError
	logger      *zap.Logger
	client      Client
	requestID   string
}

// Option configures a Context.
type Option func(*Context)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Context) { c.logger = l }
}

// WithClient sets the HTTP client used for dispatch, fetch sources and
// fallback.
func WithClient(cl Client) Option {
	return func(c *Context) { c.client = cl }
}

// WithRequestID sets the request id. A random id is generated otherwise.
func WithRequestID(id string) Option {
	return func(c *Context) { c.requestID = id }
}

// WithMiddlewareNames restricts the middleware names the Context accepts.
func WithMiddlewareNames(known func(string) bool) Option {
	return func(c *Context) { c.known = known }
}

// New builds a Context around an absolute-URL request. The body is
// buffered so the pristine request can be replayed on fallback.
func New(r *http.Request, opts ...Option) (*Context, error) {
	if r.URL == nil || !r.URL.IsAbs() {
		return nil, fmt.Errorf("routectx: request url must be absolute")
	}

	c := &Context{
		ctx:    r.Context(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.requestID == "" {
		c.requestID = uuid.New().String()
	}

	if r.Body != nil && r.Body != http.NoBody {
		body, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("routectx: reading body: %w", err)
		}
		c.body = body
	}

	req := r.Clone(c.ctx)
	req.RequestURI = ""
	attachBody(req, c.body)
	c.setRequest(req)

	c.origin = CloneRequest(req)
	c.originURL = cloneURL(req.URL)
	return c, nil
}

func attachBody(r *http.Request, body []byte) {
	if body == nil {
		r.Body = http.NoBody
		r.GetBody = func() (io.ReadCloser, error) { return http.NoBody, nil }
		r.ContentLength = 0
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	r.ContentLength = int64(len(body))
}

// CloneRequest deep-copies r including a fresh body reader.
func CloneRequest(r *http.Request) *http.Request {
	c := r.Clone(r.Context())
	if r.GetBody != nil {
		if body, err := r.GetBody(); err == nil {
			c.Body = body
		}
	}
	return c
}

func cloneURL(u *url.URL) *url.URL {
	c := *u
	if u.User != nil {
		user := *u.User
		c.User = &user
	}
	return &c
}

// Context returns the request's context.Context.
func (c *Context) Context() context.Context { return c.ctx }

// SetContext replaces the context used by sources and outbound requests,
// typically with one carrying a child span, and returns the previous one.
func (c *Context) SetContext(ctx context.Context) context.Context {
	prev := c.ctx
	if ctx != nil {
		c.ctx = ctx
	}
	return prev
}

// RequestID returns the request id.
func (c *Context) RequestID() string { return c.requestID }

// Logger returns the injected logger.
func (c *Context) Logger() *zap.Logger { return c.logger }

// Client returns the injected HTTP client.
func (c *Context) Client() Client { return c.client }

// Body returns the buffered inbound body.
func (c *Context) Body() []byte { return c.body }

// Request returns the current outbound request.
func (c *Context) Request() *http.Request { return c.request }

// SetRequest replaces the current request. A nil request is ignored.
func (c *Context) SetRequest(r *http.Request) {
	if r == nil {
		return
	}
	c.setRequest(r)
}

func (c *Context) setRequest(r *http.Request) {
	c.request = r
	c.requestURL = r.URL
}

// Response returns the current response, or nil.
func (c *Context) Response() *http.Response { return c.response }

// SetResponse replaces the current response. A nil response is ignored.
func (c *Context) SetResponse(resp *http.Response) {
	if resp == nil {
		return
	}
	c.response = resp
}

// OriginRequest returns a fresh copy of the pristine inbound request.
func (c *Context) OriginRequest() *http.Request { return CloneRequest(c.origin) }

// OriginURL returns the pristine inbound URL.
func (c *Context) OriginURL() *url.URL { return c.originURL }

// URL returns the current request URL.
func (c *Context) URL() *url.URL { return c.requestURL }

// Host returns the host of the current URL including the port.
func (c *Context) Host() string { return c.requestURL.Host }

// Path returns the decoded path of the current URL.
func (c *Context) Path() string {
	if c.requestURL.Path == "" {
		return "/"
	}
	return c.requestURL.Path
}

// EscapedPath returns the path of the current URL as sent on the wire.
func (c *Context) EscapedPath() string {
	p := c.requestURL.EscapedPath()
	if p == "" {
		return "/"
	}
	return p
}

// Protocol returns the scheme followed by a colon, e.g. "https:".
func (c *Context) Protocol() string { return c.requestURL.Scheme + ":" }

// Origin returns scheme://host.
func (c *Context) Origin() string {
	return c.requestURL.Scheme + "://" + c.requestURL.Host
}

// Search returns the query string with a leading "?" or "".
func (c *Context) Search() string {
	if c.requestURL.RawQuery == "" {
		return ""
	}
	return "?" + c.requestURL.RawQuery
}

// Href returns the full current URL.
func (c *Context) Href() string { return c.requestURL.String() }

// URLWithoutParams returns origin followed by the path.
func (c *Context) URLWithoutParams() string {
	return c.Origin() + c.EscapedPath()
}

// Suffix returns the lower-case extension of the last path segment, or
// "html" when it has none.
func (c *Context) Suffix() string {
	last := path.Base(c.Path())
	if !strings.Contains(last, ".") || strings.HasSuffix(c.Path(), "/") {
		return "html"
	}
	return strings.ToLower(last[strings.LastIndex(last, ".")+1:])
}

// RequestHeader returns a header of the current request.
func (c *Context) RequestHeader(name string) (string, bool) {
	vals := c.request.Header.Values(name)
	if len(vals) == 0 {
		return "", false
	}
	return strings.Join(vals, ", "), true
}

// ResponseHeader returns a header of the current response.
func (c *Context) ResponseHeader(name string) (string, bool) {
	if c.response == nil {
		return "", false
	}
	vals := c.response.Header.Values(name)
	if len(vals) == 0 {
		return "", false
	}
	return strings.Join(vals, ", "), true
}

// Cookie returns a non-empty cookie value of the current request.
func (c *Context) Cookie(name string) (string, bool) {
	ck, err := c.request.Cookie(name)
	if err != nil || ck.Value == "" {
		return "", false
	}
	return ck.Value, true
}

// Query returns the first value of a query parameter of the current URL.
func (c *Context) Query(name string) (string, bool) {
	vals, ok := c.requestURL.Query()[name]
	if !ok || len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}

// RequestInit returns a copy of the transport hints.
func (c *Context) RequestInit() RequestInit { return c.requestInit }

// SetRequestInit replaces the transport hints.
func (c *Context) SetRequestInit(ri RequestInit) { c.requestInit = ri }

// Middlewares returns a copy of the configured middleware list.
func (c *Context) Middlewares() []MiddlewareConfig {
	out := make([]MiddlewareConfig, len(c.middlewares))
	copy(out, c.middlewares)
	return out
}

// SetMiddlewares replaces the middleware list.
func (c *Context) SetMiddlewares(cfgs []MiddlewareConfig) error {
	next := make([]MiddlewareConfig, 0, len(cfgs))
	for _, cfg := range cfgs {
		if err := c.checkMiddleware(cfg.Name); err != nil {
			return err
		}
		next = upsert(next, cfg)
	}
	c.middlewares = next
	return nil
}

// AddMiddleware appends a middleware, replacing one with the same name
// in place.
func (c *Context) AddMiddleware(cfg MiddlewareConfig) error {
	if err := c.checkMiddleware(cfg.Name); err != nil {
		return err
	}
	c.middlewares = upsert(c.middlewares, cfg)
	return nil
}

// RemoveMiddleware drops the middleware with the given name.
func (c *Context) RemoveMiddleware(name string) {
	out := c.middlewares[:0:0]
	for _, m := range c.middlewares {
		if m.Name != name {
			out = append(out, m)
		}
	}
	c.middlewares = out
}

// ClearMiddlewares empties the middleware list.
func (c *Context) ClearMiddlewares() { c.middlewares = nil }

func (c *Context) checkMiddleware(name string) error {
	if c.known != nil && !c.known(name) {
		return rerrors.New(rerrors.CodeRequestMiddlewareNotFound, name)
	}
	return nil
}

func upsert(list []MiddlewareConfig, cfg MiddlewareConfig) []MiddlewareConfig {
	for i := range list {
		if list[i].Name == cfg.Name {
			list[i] = cfg
			return list
		}
	}
	return append(list, cfg)
}

// LogError records err for the diagnostic header and logs it.
func (c *Context) LogError(err error) {
	if err == nil {
		return
	}
	re := rerrors.Normalize(err).WithRequestID(c.requestID)
	c.errors = append(c.errors, re)
	c.logger.Error(re.Error(),
		zap.Int("code", int(re.Code)),
		zap.String("summary", re.Summary),
		zap.String("details", re.Details),
		zap.String("request_id", c.requestID),
	)
}

// Errors returns the errors logged so far.
func (c *Context) Errors() []*rerrors.RouteError {
	out := make([]*rerrors.RouteError, len(c.errors))
	copy(out, c.errors)
	return out
}

// AppendDiagnostics writes the accumulated error codes to resp.
func (c *Context) AppendDiagnostics(resp *http.Response) {
	if resp == nil || len(c.errors) == 0 {
		return
	}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	resp.Header.Set(rerrors.DiagnosticHeader, rerrors.Summarize(c.errors))
}

// Fallback re-issues the pristine request flagged as a fallback.
func (c *Context) Fallback() (*http.Response, error) {
	if c.client == nil {
		return nil, rerrors.New(rerrors.CodeSystem, "no http client")
	}
	return c.client.Request(c.OriginRequest().WithContext(c.ctx), RequestInit{UnioFallback: true}, false)
}

// Fetch dispatches the current request with the current transport hints.
func (c *Context) Fetch() (*http.Response, error) {
	if c.client == nil {
		return nil, rerrors.New(rerrors.CodeSystem, "no http client")
	}
	return c.client.Request(CloneRequest(c.request).WithContext(c.ctx), c.requestInit, false)
}

// TemplateData exposes the current request to template sources.
func (c *Context) TemplateData() map[string]any {
	headers := make(map[string]any, len(c.request.Header))
	for k, v := range c.request.Header {
		headers[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	query := make(map[string]any)
	for k, v := range c.requestURL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}
	return map[string]any{
		"host":             c.Host(),
		"path":             c.Path(),
		"href":             c.Href(),
		"origin":           c.Origin(),
		"protocol":         c.Protocol(),
		"search":           c.Search(),
		"method":           c.request.Method,
		"urlWithoutParams": c.URLWithoutParams(),
		"requestId":        c.requestID,
		"headers":          headers,
		"query":            query,
		"originUrl":        c.originURL.String(),
	}
}
