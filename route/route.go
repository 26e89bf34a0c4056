// Package route is the entry point of the edge router. A Router owns the
// extension registries, compiles the configured routes for each request
// and runs them through the staged executor.
package route

import (
	"fmt"
	"net/http"
	"slices"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wudi/edgeroute/config"
	"github.com/wudi/edgeroute/internal/action"
	"github.com/wudi/edgeroute/internal/executor"
	"github.com/wudi/edgeroute/internal/match"
	"github.com/wudi/edgeroute/internal/metrics"
	"github.com/wudi/edgeroute/internal/middleware"
	"github.com/wudi/edgeroute/internal/processor"
	"github.com/wudi/edgeroute/internal/routectx"
	"github.com/wudi/edgeroute/internal/tracing"
	"github.com/wudi/edgeroute/internal/value"
)

// Router routes requests according to a swappable route list. It is safe
// for concurrent use once the registries are populated.
type Router struct {
	values      *value.Registry
	metas       *action.MetaRegistry
	middlewares *middleware.Registry
	factory     *processor.Factory
	executor    *executor.Executor

	routes atomic.Pointer[[]config.GroupRouteConfig]

	client  routectx.Client
	kv      value.KVStore
	logger  *zap.Logger
	metrics *metrics.Collector
	tracer  *tracing.Tracer
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger handed to every request context.
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithClient sets the outbound HTTP client.
func WithClient(c routectx.Client) Option {
	return func(r *Router) { r.client = c }
}

// WithKVStore backs the kv value source.
func WithKVStore(s value.KVStore) Option {
	return func(r *Router) { r.kv = s }
}

// WithMetrics records stage and error metrics.
func WithMetrics(m *metrics.Collector) Option {
	return func(r *Router) { r.metrics = m }
}

// WithTracer wraps stages and middlewares in spans.
func WithTracer(t *tracing.Tracer) Option {
	return func(r *Router) { r.tracer = t }
}

// New builds a Router with the built-in sources, value types, metas,
// processors and middlewares registered, serving routes.
func New(routes []config.GroupRouteConfig, opts ...Option) (*Router, error) {
	r := &Router{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}

	r.values = value.NewRegistry()
	var valueOpts []value.BuiltinOption
	if r.kv != nil {
		valueOpts = append(valueOpts, value.WithKVStore(r.kv))
	}
	if err := value.RegisterBuiltins(r.values, valueOpts...); err != nil {
		return nil, fmt.Errorf("route: registering values: %w", err)
	}
	if err := match.RegisterValueType(r.values); err != nil {
		return nil, fmt.Errorf("route: registering match value type: %w", err)
	}

	r.metas = action.NewMetaRegistry()
	if err := action.RegisterBuiltins(r.metas); err != nil {
		return nil, fmt.Errorf("route: registering metas: %w", err)
	}

	r.middlewares = middleware.NewRegistry()
	r.factory = processor.NewFactory(r.values, r.metas)
	r.executor = executor.New(r.middlewares,
		executor.WithMetrics(r.metrics),
		executor.WithTracer(r.tracer),
	)

	if err := r.SetRoutes(routes); err != nil {
		return nil, err
	}
	return r, nil
}

// RegisterSource adds a value source type.
func (r *Router) RegisterSource(name string, s value.Source) error {
	return r.values.RegisterSource(name, s)
}

// RegisterValueType adds a value coercion.
func (r *Router) RegisterValueType(name string, c value.Coercer) error {
	return r.values.RegisterValueType(name, c)
}

// RegisterMeta adds a meta key.
func (r *Router) RegisterMeta(key string, c action.Creator) error {
	return r.metas.Register(key, c)
}

// RegisterMiddleware adds a fetch middleware.
func (r *Router) RegisterMiddleware(name string, gen middleware.Generator) error {
	return r.middlewares.Register(name, tracing.SpanMiddleware(r.tracer, name, gen))
}

// RegisterGroupProcessor adds a group processor kind.
func (r *Router) RegisterGroupProcessor(kind string, c processor.GroupCreator) error {
	return r.factory.RegisterGroup(kind, c)
}

// RegisterSubProcessor adds a sub processor kind.
func (r *Router) RegisterSubProcessor(kind string, c processor.SubCreator) error {
	return r.factory.RegisterSub(kind, c)
}

// SetRoutes validates routes and makes a normalized copy of them the
// active list. Requests already in flight keep the list they started with.
func (r *Router) SetRoutes(routes []config.GroupRouteConfig) error {
	if err := config.ValidateRoutes(routes); err != nil {
		return fmt.Errorf("route: %w", err)
	}
	active := make([]config.GroupRouteConfig, len(routes))
	for i, g := range routes {
		g.Routes = slices.Clone(g.Routes)
		active[i] = g
	}
	config.NormalizeRoutes(active)
	r.routes.Store(&active)
	return nil
}

// Routes returns the active route list.
func (r *Router) Routes() []config.GroupRouteConfig {
	if p := r.routes.Load(); p != nil {
		return *p
	}
	return nil
}

// NewContext builds the per-request context for req, which must carry an
// absolute URL.
func (r *Router) NewContext(req *http.Request, opts ...routectx.Option) (*routectx.Context, error) {
	base := []routectx.Option{
		routectx.WithLogger(r.logger),
		routectx.WithMiddlewareNames(r.middlewares.Known),
	}
	if r.client != nil {
		base = append(base, routectx.WithClient(r.client))
	}
	return routectx.New(req, append(base, opts...)...)
}

// Handle compiles the active routes for rc and executes them. The
// returned response carries the diagnostic header when errors were
// logged. Compilation errors and dispatch failures are returned.
func (r *Router) Handle(rc *routectx.Context) (*http.Response, error) {
	defer r.recordErrors(rc)

	compiled, err := r.factory.CreateRoute(rc, r.Routes())
	if err != nil {
		rc.LogError(err)
		return nil, err
	}
	if err := r.executor.Execute(rc, compiled); err != nil {
		return nil, err
	}

	resp := rc.Response()
	rc.AppendDiagnostics(resp)
	return resp, nil
}

// Route is NewContext followed by Handle.
func (r *Router) Route(req *http.Request, opts ...routectx.Option) (*http.Response, *routectx.Context, error) {
	rc, err := r.NewContext(req, opts...)
	if err != nil {
		return nil, nil, err
	}
	resp, err := r.Handle(rc)
	return resp, rc, err
}

func (r *Router) recordErrors(rc *routectx.Context) {
	if r.metrics == nil {
		return
	}
	for _, e := range rc.Errors() {
		r.metrics.RecordRouteError(int(e.Code))
	}
}
