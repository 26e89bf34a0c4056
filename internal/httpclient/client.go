// Package httpclient is the outbound client used for dispatch, fetch
// sources and fallback.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/edgeroute/config"
	rerrors "github.com/wudi/edgeroute/internal/errors"
	"github.com/wudi/edgeroute/internal/metrics"
	"github.com/wudi/edgeroute/internal/routectx"
	"github.com/wudi/edgeroute/internal/tracing"
)

// FallbackHeader marks requests re-issued by the fallback path.
const FallbackHeader = "x-edgeroute-fallback"

// Client implements routectx.Client. It is safe for concurrent use.
type Client struct {
	direct      http.RoundTripper
	proxied     http.RoundTripper
	stripCookie map[string]bool
	upstreams   map[string]*url.URL
	breakers    *breakers
	metrics     *metrics.Collector
	logger      *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithMetrics records upstream requests and breaker state.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTransport replaces both the direct and the proxied transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.direct = rt
		c.proxied = rt
	}
}

var _ routectx.Client = (*Client)(nil)

// New creates a Client from cfg.
func New(cfg config.ClientConfig, opts ...Option) (*Client, error) {
	c := &Client{
		stripCookie: make(map[string]bool, len(cfg.StripCookieHosts)),
		upstreams:   make(map[string]*url.URL, len(cfg.Upstreams)),
		logger:      zap.NewNop(),
	}
	for _, h := range cfg.StripCookieHosts {
		c.stripCookie[strings.ToLower(h)] = true
	}
	for host, target := range cfg.Upstreams {
		u, err := url.Parse(target)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("httpclient: invalid upstream %q for %s", target, host)
		}
		c.upstreams[strings.ToLower(host)] = u
	}

	tc := DefaultTransportConfig
	tc.ResponseHeaderTimeout = cfg.Timeout
	c.direct = NewTransport(tc)
	c.proxied = c.direct
	if cfg.Proxy != "" {
		p, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("httpclient: invalid proxy %q: %w", cfg.Proxy, err)
		}
		tc.Proxy = p
		c.proxied = NewTransport(tc)
	}

	for _, opt := range opts {
		opt(c)
	}
	if cfg.Breaker.Enabled {
		c.breakers = newBreakers(cfg.Breaker, c.metrics, c.logger)
	}
	return c, nil
}

// Request sends req with the transport hints in init. With a timeout set,
// a request that does not complete in time yields a 408 response whose
// body is "Error: <message>"; when standard is true the timeout error is
// returned instead.
func (c *Client) Request(req *http.Request, init routectx.RequestInit, standard bool) (*http.Response, error) {
	if init.Timeout <= 0 {
		return c.do(req.Context(), req, init)
	}

	ctx, cancel := context.WithTimeout(req.Context(), init.Timeout)
	resp, err := c.do(ctx, req, init)
	if err == nil {
		resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	cancel()

	if timedOut {
		err = rerrors.New(rerrors.CodeTimeout,
			fmt.Sprintf("request timeout after %dms, url: %s", init.Timeout.Milliseconds(), req.URL))
	}
	if standard {
		return nil, err
	}
	return textResponse(req, http.StatusRequestTimeout, "Error: "+err.Error()), nil
}

func (c *Client) do(ctx context.Context, req *http.Request, init routectx.RequestInit) (*http.Response, error) {
	out := c.outbound(ctx, req, init)
	host := strings.ToLower(req.URL.Host)

	rt := c.direct
	if init.UseCDNProxy() {
		rt = c.proxied
	}
	call := func() (*http.Response, error) { return rt.RoundTrip(out) }

	start := time.Now()
	var (
		resp *http.Response
		err  error
	)
	if c.breakers != nil {
		resp, err = c.breakers.execute(host, call)
	} else {
		resp, err = call()
	}

	if err != nil {
		c.metrics.RecordUpstream(host, 0, time.Since(start))
		c.logger.Debug("upstream request failed",
			zap.String("url", req.URL.String()),
			zap.Error(err),
		)
		return nil, err
	}
	c.metrics.RecordUpstream(host, resp.StatusCode, time.Since(start))

	if init.Decompress == routectx.DecompressFallbackIdentity {
		if err := decodeBody(resp); err != nil {
			resp.Body.Close()
			return nil, err
		}
	}
	return resp, nil
}

// outbound prepares the request actually sent upstream.
func (c *Client) outbound(ctx context.Context, req *http.Request, init routectx.RequestInit) *http.Request {
	out := req.Clone(ctx)
	out.RequestURI = ""
	out.Host = req.URL.Host

	if !hasBody(out.Method) {
		out.Body = nil
		out.GetBody = nil
		out.ContentLength = 0
	}

	host := strings.ToLower(req.URL.Host)
	if c.stripCookie[host] {
		out.Header.Del("Cookie")
	}
	if init.UnioFallback {
		out.Header.Set(FallbackHeader, "1")
	}
	if u, ok := c.upstreams[host]; ok {
		out.URL.Scheme = u.Scheme
		out.URL.Host = u.Host
	}

	tracing.InjectHeaders(req, out)
	return out
}

func hasBody(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace, http.MethodConnect:
		return false
	}
	return true
}

func textResponse(req *http.Request, status int, body string) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// cancelBody releases the request context once the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
