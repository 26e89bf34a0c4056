// Package server exposes a route.Router as an HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/edgeroute/config"
	rerrors "github.com/wudi/edgeroute/internal/errors"
	"github.com/wudi/edgeroute/internal/metrics"
	"github.com/wudi/edgeroute/internal/routectx"
	"github.com/wudi/edgeroute/internal/tracing"
	"github.com/wudi/edgeroute/route"
)

// hopHeaders are not copied from upstream responses.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Server serves HTTP traffic through a Router.
type Server struct {
	cfg         config.ServerConfig
	router      *route.Router
	logger      *zap.Logger
	metrics     *metrics.Collector
	metricsPath string
	tracer      *tracing.Tracer
	httpServer  *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the access and error logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics records request metrics and serves the registry on path.
func WithMetrics(c *metrics.Collector, path string) Option {
	return func(s *Server) {
		s.metrics = c
		s.metricsPath = path
	}
}

// WithTracer opens a server span per request.
func WithTracer(t *tracing.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// New creates a Server for router.
func New(cfg config.ServerConfig, router *route.Router, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		router: router,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ErrorLog:     zap.NewStdLog(s.logger),
	}
	return s
}

// Handler returns the complete handler: the metrics endpoint plus the
// routing handler wrapped in recovery, request id, tracing and access log.
func (s *Server) Handler() http.Handler {
	chain := NewChain(
		Recovery(s.logger),
		RequestID(),
	).AppendIf(s.tracer.IsEnabled(), s.tracer.Middleware()).Append(
		AccessLog(AccessLogConfig{Logger: s.logger, Metrics: s.metrics}),
	)
	routing := chain.Then(http.HandlerFunc(s.serveRoute))

	if s.metrics == nil || s.metricsPath == "" {
		return routing
	}
	mux := http.NewServeMux()
	mux.Handle(s.metricsPath, s.metrics.Handler())
	mux.Handle("/", routing)
	return mux
}

func (s *Server) serveRoute(w http.ResponseWriter, r *http.Request) {
	id := RequestIDFromContext(r.Context())
	req := s.absoluteRequest(r)

	resp, rc, err := s.router.Route(req, routectx.WithRequestID(id))
	if err != nil {
		s.writeError(w, rc, err, id)
		return
	}
	if resp == nil {
		s.writeError(w, rc, rerrors.New(rerrors.CodeRequestMiddlewareResponseInvalid, "no response"), id)
		return
	}
	s.writeResponse(w, r, resp)
}

// absoluteRequest rebuilds the absolute URL of an inbound server request.
func (s *Server) absoluteRequest(r *http.Request) *http.Request {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if s.cfg.TrustForwardedProto {
		switch p := strings.ToLower(r.Header.Get("X-Forwarded-Proto")); p {
		case "http", "https":
			scheme = p
		}
	}

	out := r.Clone(r.Context())
	u := *r.URL
	u.Scheme = scheme
	u.Host = r.Host
	out.URL = &u
	out.RequestURI = ""
	return out
}

func (s *Server) writeError(w http.ResponseWriter, rc *routectx.Context, err error, id string) {
	re := rerrors.Normalize(err).WithRequestID(id)
	status := http.StatusBadGateway
	switch re.Code {
	case rerrors.CodeGroupProcessorNotFound, rerrors.CodeSubProcessorNotFound, rerrors.CodeSystem:
		status = http.StatusInternalServerError
	}

	if rc != nil && len(rc.Errors()) > 0 {
		w.Header().Set(rerrors.DiagnosticHeader, rerrors.Summarize(rc.Errors()))
	} else {
		w.Header().Set(rerrors.DiagnosticHeader, re.Shown())
	}
	s.logger.Warn("route failed",
		zap.String("request_id", id),
		zap.Int("code", int(re.Code)),
		zap.Error(err),
	)
	re.WriteJSON(w, status)
}

func (s *Server) writeResponse(w http.ResponseWriter, r *http.Request, resp *http.Response) {
	if resp.Body != nil {
		defer resp.Body.Close()
	}

	h := w.Header()
	for k, vv := range resp.Header {
		h[k] = append([]string(nil), vv...)
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
	h.Del("Content-Length")
	if resp.ContentLength >= 0 && resp.Body != nil {
		h.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if resp.Body == nil || r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.Debug("copying response body", zap.Error(err))
	}
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("Starting edgeroute server", zap.String("address", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Run listens on the configured address and serves until ctx is done,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down gracefully...")
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("Server shutdown complete")
	return nil
}
