package action

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/wudi/edgeroute/internal/match"
	"github.com/wudi/edgeroute/internal/routectx"
	"github.com/wudi/edgeroute/internal/urlutil"
	"github.com/wudi/edgeroute/internal/value"
	"golang.org/x/sync/errgroup"
)

// Rewrite types.
const (
	TypeURL         = "url"
	TypeQuery       = "query"
	TypeHeader      = "header"
	TypeRequestInit = "request_init"
	TypeMiddleware  = "middleware"
	TypeStatus      = "status"
	TypeJSONBody    = "json_body"
)

// URL fields.
const (
	FieldHref = "href"
	FieldPath = "path"
	FieldHost = "host"
)

// Request init fields.
const (
	FieldCDNProxy   = "cdnProxy"
	FieldDecompress = "decompress"
	FieldTimeout    = "timeout"
)

// middlewareConcurrency bounds parallel resolution of middleware entries.
const middlewareConcurrency = 5

type rewriteConfig struct {
	Type      string `mapstructure:"type"`
	Field     string `mapstructure:"field"`
	Value     any    `mapstructure:"value"`
	Operation string `mapstructure:"operation"`
	Match     any    `mapstructure:"match"`
}

// rewrite is the shared shape of request and response rewrites.
type rewrite struct {
	typ       string
	field     string
	operation string
	value     *value.Value
	match     *match.Match
	scope     Scope
}

func newRewrite(scope Scope, raw any) (rewrite, error) {
	var cfg rewriteConfig
	if err := mapstructure.Decode(raw, &cfg); err != nil {
		return rewrite{}, err
	}
	v, err := scope.Value(cfg.Value)
	if err != nil {
		return rewrite{}, err
	}
	m, err := scope.Match(cfg.Match)
	if err != nil {
		return rewrite{}, err
	}
	return rewrite{
		typ:       cfg.Type,
		field:     cfg.Field,
		operation: cfg.Operation,
		value:     v,
		match:     m,
		scope:     scope,
	}, nil
}

// RequestRewrite mutates the outbound request, its transport hints or
// the middleware list.
type RequestRewrite struct {
	rewrite
}

// NewRequestRewrite compiles one request rewrite entry.
func NewRequestRewrite(scope Scope, raw any) (*RequestRewrite, error) {
	rw, err := newRewrite(scope, raw)
	if err != nil {
		return nil, fmt.Errorf("request rewrite: %w", err)
	}
	return &RequestRewrite{rw}, nil
}

// Apply rewrites req and returns the request to continue with.
func (r *RequestRewrite) Apply(rc *routectx.Context, req *http.Request) (*http.Request, error) {
	if !r.match.Evaluate(rc) {
		return req, nil
	}
	val, err := r.value.Get(rc)
	if err != nil {
		return nil, err
	}

	switch r.typ {
	case TypeURL:
		return r.rewriteURL(rc, req, val)
	case TypeQuery:
		return r.rewriteQuery(req, val), nil
	case TypeHeader:
		r.rewriteHeader(req, val)
		return req, nil
	case TypeRequestInit:
		return req, r.rewriteRequestInit(rc, val)
	case TypeMiddleware:
		return req, r.rewriteMiddleware(rc, val)
	}
	return req, nil
}

func (r *RequestRewrite) rewriteURL(rc *routectx.Context, req *http.Request, val any) (*http.Request, error) {
	u := *req.URL
	if r.operation == OpSet && val != nil {
		switch v := val.(type) {
		case string:
			switch r.field {
			case FieldHref:
				if dest, err := urlutil.ParseAbsolute(v); err == nil && urlutil.IsHTTPScheme(dest.Scheme) {
					href, err := urlutil.AppendQuery(v, u.RawQuery)
					if err != nil {
						return nil, err
					}
					next, err := url.Parse(href)
					if err != nil {
						return nil, err
					}
					u = *next
				}
			case FieldPath:
				if err := setEscapedPath(&u, v); err != nil {
					return nil, err
				}
			case FieldHost:
				u.Host = v
			}
		case map[string]any:
			var cfg urlutil.PathRewrite
			if err := mapstructure.Decode(v, &cfg); err != nil {
				return nil, fmt.Errorf("url rewrite: %w", err)
			}
			switch r.field {
			case FieldHref:
				href, err := urlutil.RewriteURL(&u, cfg)
				if err != nil {
					return nil, err
				}
				next, err := url.Parse(href)
				if err != nil {
					return nil, err
				}
				u = *next
			case FieldPath:
				if err := setEscapedPath(&u, urlutil.RewritePath(u.EscapedPath(), cfg)); err != nil {
					return nil, err
				}
			}
		}
	}
	return rebuildRequest(rc, req, &u)
}

func setEscapedPath(u *url.URL, p string) error {
	unescaped, err := url.PathUnescape(p)
	if err != nil {
		return fmt.Errorf("invalid path %q: %w", p, err)
	}
	u.Path = unescaped
	u.RawPath = p
	return nil
}

// rebuildRequest creates a new request for u that only carries the
// forwarding whitelist headers.
func rebuildRequest(rc *routectx.Context, req *http.Request, u *url.URL) (*http.Request, error) {
	body, err := requestBody(rc, req)
	if err != nil {
		return nil, err
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	next, err := http.NewRequestWithContext(req.Context(), req.Method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	next.Header = urlutil.FilterForward(req.Header)
	return next, nil
}

func requestBody(rc *routectx.Context, req *http.Request) ([]byte, error) {
	if req.GetBody == nil {
		if len(rc.Body()) == 0 {
			return nil, nil
		}
		return rc.Body(), nil
	}
	rd, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	defer rd.Close()
	body, err := io.ReadAll(rd)
	if err != nil || len(body) == 0 {
		return nil, err
	}
	return body, nil
}

func (r *RequestRewrite) rewriteQuery(req *http.Request, val any) *http.Request {
	pairs := urlutil.ParseQuery(req.URL.RawQuery)
	s, isString := val.(string)
	switch r.operation {
	case OpSet:
		if !isString {
			return req
		}
		pairs = setPair(pairs, r.field, s)
	case OpAppend:
		if !isString {
			return req
		}
		pairs = append(pairs, urlutil.Pair{Key: r.field, Value: s})
	case OpDelete:
		pairs = deletePair(pairs, r.field)
	default:
		return req
	}
	next := routectx.CloneRequest(req)
	next.URL.RawQuery = urlutil.EncodeQuery(pairs)
	return next
}

// setPair replaces the first pair named key and drops the others.
func setPair(pairs []urlutil.Pair, key, val string) []urlutil.Pair {
	out := make([]urlutil.Pair, 0, len(pairs)+1)
	found := false
	for _, p := range pairs {
		if p.Key != key {
			out = append(out, p)
			continue
		}
		if !found {
			out = append(out, urlutil.Pair{Key: key, Value: val})
			found = true
		}
	}
	if !found {
		out = append(out, urlutil.Pair{Key: key, Value: val})
	}
	return out
}

func deletePair(pairs []urlutil.Pair, key string) []urlutil.Pair {
	out := pairs[:0:0]
	for _, p := range pairs {
		if p.Key != key {
			out = append(out, p)
		}
	}
	return out
}

func (r *RequestRewrite) rewriteHeader(req *http.Request, val any) {
	s, isString := val.(string)
	switch r.operation {
	case OpSet:
		if isString {
			req.Header.Set(r.field, s)
		}
	case OpAppend:
		if isString {
			urlutil.AppendHeader(req.Header, r.field, s)
		}
	case OpDelete:
		req.Header.Del(r.field)
	}
}

func (r *RequestRewrite) rewriteRequestInit(rc *routectx.Context, val any) error {
	if r.operation != OpSet {
		return nil
	}
	ri := rc.RequestInit()
	switch r.field {
	case FieldCDNProxy:
		enabled := val != false
		ri.CDNProxy = &enabled
	case FieldDecompress:
		s, ok := val.(string)
		if !ok {
			return nil
		}
		ri.Decompress = s
	case FieldTimeout:
		if val == nil {
			return nil
		}
		ms := value.ToNumber(val)
		if math.IsNaN(ms) || ms < 0 {
			return fmt.Errorf("invalid timeout %v", val)
		}
		ri.Timeout = time.Duration(ms * float64(time.Millisecond))
	default:
		return nil
	}
	rc.SetRequestInit(ri)
	return nil
}

func (r *RequestRewrite) rewriteMiddleware(rc *routectx.Context, val any) error {
	switch r.operation {
	case OpSet:
		list, err := r.resolveMiddlewares(rc, val)
		if err != nil {
			return err
		}
		return rc.SetMiddlewares(list)
	case OpAppend:
		list, err := r.resolveMiddlewares(rc, val)
		if err != nil {
			return err
		}
		for _, m := range list {
			if err := rc.AddMiddleware(m); err != nil {
				return err
			}
		}
	case OpDelete:
		if r.field != "" {
			rc.RemoveMiddleware(r.field)
		} else {
			rc.ClearMiddlewares()
		}
	}
	return nil
}

// resolveMiddlewares resolves middleware entries concurrently. The result
// keeps declaration order and drops entries whose match fails.
func (r *RequestRewrite) resolveMiddlewares(rc *routectx.Context, val any) ([]routectx.MiddlewareConfig, error) {
	var entries []any
	switch t := val.(type) {
	case nil:
	case []any:
		entries = t
	default:
		return nil, fmt.Errorf("middleware value must be an array, got %T", val)
	}

	results := make([]*routectx.MiddlewareConfig, len(entries))
	var g errgroup.Group
	g.SetLimit(middlewareConcurrency)
	for i, entry := range entries {
		g.Go(func() error {
			cfg, err := r.resolveMiddleware(rc, entry)
			if err != nil {
				return fmt.Errorf("middleware[%d]: %w", i, err)
			}
			results[i] = cfg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	list := make([]routectx.MiddlewareConfig, 0, len(results))
	for _, cfg := range results {
		if cfg != nil {
			list = append(list, *cfg)
		}
	}
	return list, nil
}

type middlewareEntry struct {
	Match  any            `mapstructure:"match"`
	Option map[string]any `mapstructure:"option"`
}

func (r *RequestRewrite) resolveMiddleware(rc *routectx.Context, raw any) (*routectx.MiddlewareConfig, error) {
	var (
		name  string
		entry middlewareEntry
	)
	switch t := raw.(type) {
	case string:
		name = t
	case []any:
		if len(t) == 0 {
			return nil, fmt.Errorf("empty middleware entry")
		}
		s, ok := t[0].(string)
		if !ok {
			return nil, fmt.Errorf("middleware name must be a string, got %T", t[0])
		}
		name = s
		if len(t) > 1 && t[1] != nil {
			if err := mapstructure.Decode(t[1], &entry); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("invalid middleware entry %T", raw)
	}

	if entry.Match != nil {
		m, err := r.scope.Match(entry.Match)
		if err != nil {
			return nil, err
		}
		if !m.Evaluate(rc) {
			return nil, nil
		}
	}

	opts := make(map[string]any, len(entry.Option))
	for k, rawOpt := range entry.Option {
		if rawOpt == nil {
			continue
		}
		if !value.IsValue(rawOpt) {
			opts[k] = rawOpt
			continue
		}
		v, err := r.scope.Value(rawOpt)
		if err != nil {
			return nil, fmt.Errorf("option %s: %w", k, err)
		}
		resolved, err := v.Get(rc)
		if err != nil {
			return nil, fmt.Errorf("option %s: %w", k, err)
		}
		opts[k] = resolved
	}
	return &routectx.MiddlewareConfig{Name: name, Options: opts}, nil
}

// RequestRewriteMeta runs request rewrites in order.
type RequestRewriteMeta struct {
	rewrites *entryList[*RequestRewrite]
}

// NewRequestRewriteMeta is the creator of the requestRewrites meta key.
func NewRequestRewriteMeta(_ *routectx.Context, scope Scope, raw any) (Meta, error) {
	list, err := newEntryList(scope, raw, func(i int, e any) (*RequestRewrite, error) {
		rw, err := NewRequestRewrite(scope, e)
		if err != nil {
			return nil, fmt.Errorf("requestRewrites[%d]: %w", i, err)
		}
		return rw, nil
	})
	if err != nil {
		return nil, fmt.Errorf("requestRewrites: %w", err)
	}
	return &RequestRewriteMeta{rewrites: list}, nil
}

func (m *RequestRewriteMeta) Stage() Stage { return StageRequestRewrite }

func (m *RequestRewriteMeta) NeedProcess() bool { return !m.rewrites.empty() }

func (m *RequestRewriteMeta) Process(rc *routectx.Context, in Artifact) (Artifact, error) {
	req := in.Request
	rewrites, err := m.rewrites.resolve(rc)
	if err != nil {
		return in, fmt.Errorf("requestRewrites: %w", err)
	}
	for _, rw := range rewrites {
		next, err := rw.Apply(rc, req)
		if err != nil {
			return in, err
		}
		req = next
	}
	in.Request = req
	return in, nil
}
