package server

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	rerrors "github.com/wudi/edgeroute/internal/errors"
	"github.com/wudi/edgeroute/internal/metrics"
)

var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// AccessLogConfig configures the access log middleware.
type AccessLogConfig struct {
	Logger *zap.Logger
	// Metrics, when set, records every logged request.
	Metrics *metrics.Collector
	// SkipPaths are paths that should not be logged
	SkipPaths []string
}

// AccessLog logs one line per request with its status, size, duration
// and diagnostic header.
func AccessLog(cfg AccessLogConfig) Middleware {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			sw := statusWriterPool.Get().(*statusWriter)
			sw.ResponseWriter = w
			sw.status = http.StatusOK
			sw.bytes = 0
			sw.wroteHeader = false

			next.ServeHTTP(sw, r)

			duration := time.Since(start)
			cfg.Metrics.RecordRequest(r.Method, sw.status, duration)

			fields := []zap.Field{
				zap.String("request_id", RequestIDFromContext(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("method", r.Method),
				zap.String("host", r.Host),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.status),
				zap.Int64("body_bytes", sw.bytes),
				zap.Duration("response_time", duration),
			}
			if r.URL.RawQuery != "" {
				fields = append(fields, zap.String("query", r.URL.RawQuery))
			}
			if ua := r.UserAgent(); ua != "" {
				fields = append(fields, zap.String("user_agent", ua))
			}
			if diag := sw.Header().Get(rerrors.DiagnosticHeader); diag != "" {
				fields = append(fields, zap.String("route_errors", diag))
			}
			logger.Info("HTTP request", fields...)

			sw.ResponseWriter = nil
			statusWriterPool.Put(sw)
		})
	}
}

// statusWriter wraps http.ResponseWriter to capture status and bytes
type statusWriter struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(status int) {
	if !sw.wroteHeader {
		sw.status = status
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(status)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.wroteHeader = true
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
