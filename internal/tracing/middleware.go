package tracing

import (
	"go.opentelemetry.io/otel/attribute"

	"github.com/wudi/edgeroute/internal/middleware"
	"github.com/wudi/edgeroute/internal/routectx"
)

// SpanMiddleware wraps a fetch middleware generator so every run of the
// built middleware gets a span named after it.
func SpanMiddleware(tracer *Tracer, name string, gen middleware.Generator) middleware.Generator {
	if !tracer.IsEnabled() {
		return gen
	}
	return func(opts map[string]any) (middleware.Middleware, error) {
		mw, err := gen(opts)
		if err != nil {
			return nil, err
		}
		return func(rc *routectx.Context, next middleware.Next) error {
			ctx, span := tracer.StartSpan(rc.Context(), "middleware "+name,
				attribute.String("edgeroute.middleware", name),
				attribute.String("edgeroute.request_id", rc.RequestID()),
			)
			prev := rc.SetContext(ctx)
			err := mw(rc, next)
			rc.SetContext(prev)
			EndSpan(span, err)
			return err
		}, nil
	}
}
