package server

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	rerrors "github.com/wudi/edgeroute/internal/errors"
)

// Recovery turns a panic into a 500 response carrying a system error.
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				if p == http.ErrAbortHandler {
					panic(p)
				}
				logger.Error("Panic recovered",
					zap.Any("error", p),
					zap.ByteString("stack", debug.Stack()),
				)

				re := rerrors.New(rerrors.CodeSystem, fmt.Sprintf("panic: %v", p))
				if id := RequestIDFromContext(r.Context()); id != "" {
					re = re.WithRequestID(id)
				}
				w.Header().Set(rerrors.DiagnosticHeader, re.Shown())
				re.WriteJSON(w, http.StatusInternalServerError)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
