// Package executor drives a compiled route through the redirect,
// request-rewrite, dispatch and response-rewrite stages.
package executor

import (
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/wudi/edgeroute/internal/action"
	rerrors "github.com/wudi/edgeroute/internal/errors"
	"github.com/wudi/edgeroute/internal/metrics"
	"github.com/wudi/edgeroute/internal/middleware"
	"github.com/wudi/edgeroute/internal/processor"
	"github.com/wudi/edgeroute/internal/routectx"
	"github.com/wudi/edgeroute/internal/tracing"
)

const stageMiddleware = "middleware"

// SubResult is the outcome of running one sub for a stage.
type SubResult struct {
	Success    bool
	Break      bool
	BreakGroup bool
	Artifact   action.Artifact
}

// GroupResult is the outcome of running one group for a stage.
type GroupResult struct {
	Success  bool
	Break    bool
	Artifact action.Artifact
}

// Executor runs compiled routes. It is safe for concurrent use.
type Executor struct {
	middlewares *middleware.Registry
	metrics     *metrics.Collector
	tracer      *tracing.Tracer
}

// Option configures an Executor.
type Option func(*Executor)

// WithMetrics records stage timings and sub failures.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Executor) { e.metrics = c }
}

// WithTracer wraps every stage in a span.
func WithTracer(t *tracing.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// New creates an Executor dispatching through mws.
func New(mws *middleware.Registry, opts ...Option) *Executor {
	e := &Executor{middlewares: mws}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the full pipeline. A redirect response ends it early. The
// fetch middlewares only run when no response exists yet; their error is
// logged on rc and returned.
func (e *Executor) Execute(rc *routectx.Context, route *processor.Route) error {
	e.Redirect(rc, route)
	if rc.Response() != nil {
		return nil
	}

	e.RequestRewrite(rc, route)

	if rc.Response() == nil {
		if err := e.Dispatch(rc); err != nil {
			rc.LogError(err)
			return err
		}
	}

	e.ResponseRewrite(rc, route)
	return nil
}

// Redirect runs the redirect stage. The first hit becomes the context
// response.
func (e *Executor) Redirect(rc *routectx.Context, route *processor.Route) {
	e.stage(rc, route, action.StageRedirect, func() {
		for _, g := range route.Groups {
			res := e.runGroup(rc, g, action.StageRedirect, action.Artifact{Request: rc.Request()})
			if res.Success && res.Artifact.Response != nil {
				rc.SetResponse(res.Artifact.Response)
			}
			if res.Break {
				return
			}
		}
	})
}

// RequestRewrite runs the request-rewrite stage. A failed group leaves
// the request untouched and restores the transport hints and middleware
// list it may have changed.
func (e *Executor) RequestRewrite(rc *routectx.Context, route *processor.Route) {
	e.stage(rc, route, action.StageRequestRewrite, func() {
		for _, g := range route.Groups {
			init := rc.RequestInit()
			mws := rc.Middlewares()

			res := e.runGroup(rc, g, action.StageRequestRewrite, action.Artifact{Request: rc.Request()})
			if res.Success {
				rc.SetRequest(res.Artifact.Request)
			} else {
				rc.SetRequestInit(init)
				// the snapshot only holds names accepted earlier
				_ = rc.SetMiddlewares(mws)
			}
			if res.Break {
				return
			}
		}
	})
}

// ResponseRewrite runs the response-rewrite stage against the context
// response.
func (e *Executor) ResponseRewrite(rc *routectx.Context, route *processor.Route) {
	e.stage(rc, route, action.StageResponseRewrite, func() {
		for _, g := range route.Groups {
			in := action.Artifact{Request: rc.Request(), Response: rc.Response()}
			res := e.runGroup(rc, g, action.StageResponseRewrite, in)
			if res.Success {
				rc.SetResponse(res.Artifact.Response)
			}
			if res.Break {
				return
			}
		}
	})
}

// Dispatch runs the fetch middlewares.
func (e *Executor) Dispatch(rc *routectx.Context) error {
	start := time.Now()
	ctx, span := e.tracer.StartSpan(rc.Context(), "stage "+stageMiddleware,
		attribute.String("edgeroute.stage", stageMiddleware),
	)
	prev := rc.SetContext(ctx)
	err := e.middlewares.Run(rc)
	rc.SetContext(prev)
	tracing.EndSpan(span, err)
	e.metrics.ObserveStage(stageMiddleware, time.Since(start))
	return err
}

func (e *Executor) stage(rc *routectx.Context, route *processor.Route, stage action.Stage, run func()) {
	if !route.NeedProcess(stage) {
		return
	}
	start := time.Now()
	ctx, span := e.tracer.StartSpan(rc.Context(), "stage "+string(stage),
		attribute.String("edgeroute.stage", string(stage)),
		attribute.String("edgeroute.request_id", rc.RequestID()),
	)
	prev := rc.SetContext(ctx)
	before := len(rc.Errors())

	run()

	rc.SetContext(prev)
	if n := len(rc.Errors()) - before; n > 0 {
		span.SetAttributes(attribute.Int("edgeroute.errors", n))
	}
	tracing.EndSpan(span, nil)
	e.metrics.ObserveStage(string(stage), time.Since(start))
}

func (e *Executor) runGroup(rc *routectx.Context, g processor.Group, stage action.Stage, in action.Artifact) GroupResult {
	res := GroupResult{Success: true, Artifact: in}
	if !g.NeedProcess(stage) || !g.CheckMatch(rc) {
		return res
	}
	res.Break = g.Break()

	for _, sub := range g.Subs() {
		if !sub.NeedProcess(stage) || !sub.CheckMatch(rc) {
			continue
		}
		sr := e.runSub(rc, sub, stage, res.Artifact)
		if !sr.Success {
			if sub.WeakDep() {
				continue
			}
			res.Success = false
			res.Break = false
			return res
		}
		res.Artifact = sr.Artifact
		if sr.BreakGroup {
			res.Break = true
		}
		if sr.Break {
			break
		}
	}
	return res
}

// runSub processes a copy of in so a failing sub cannot leak a half
// applied request or response. Panics count as failures.
func (e *Executor) runSub(rc *routectx.Context, sub processor.Sub, stage action.Stage, in action.Artifact) (res SubResult) {
	defer func() {
		if p := recover(); p != nil {
			res = e.subFailed(rc, sub, stage, in, fmt.Errorf("panic: %v", p))
		}
	}()

	out, err := sub.Process(rc, stage, isolate(stage, in))
	if err != nil {
		return e.subFailed(rc, sub, stage, in, err)
	}

	res = SubResult{
		Success:    true,
		Break:      sub.Break(),
		BreakGroup: sub.BreakGroup(),
		Artifact:   out,
	}
	if stage == action.StageRedirect && out.Response != nil {
		res.Break = true
		res.BreakGroup = true
	}
	return res
}

func (e *Executor) subFailed(rc *routectx.Context, sub processor.Sub, stage action.Stage, in action.Artifact, err error) SubResult {
	rc.LogError(rerrors.Wrap(err, stageCode(stage)).WithDetails("sub " + sub.Name()))
	sub.Logger().Debug("sub failed",
		zap.String("stage", string(stage)),
		zap.Bool("weak_dep", sub.WeakDep()),
		zap.Error(err),
	)
	e.metrics.RecordSubFailure(string(stage), sub.WeakDep())
	return SubResult{Artifact: in}
}

func isolate(stage action.Stage, in action.Artifact) action.Artifact {
	switch stage {
	case action.StageRequestRewrite:
		if in.Request != nil {
			in.Request = routectx.CloneRequest(in.Request)
		}
	case action.StageResponseRewrite:
		if in.Response != nil {
			in.Response = cloneResponse(in.Response)
		}
	}
	return in
}

func cloneResponse(resp *http.Response) *http.Response {
	c := *resp
	c.Header = resp.Header.Clone()
	return &c
}

func stageCode(stage action.Stage) rerrors.Code {
	switch stage {
	case action.StageRedirect:
		return rerrors.CodeSubRouteRedirect
	case action.StageRequestRewrite:
		return rerrors.CodeSubRouteBeforeRequest
	case action.StageResponseRewrite:
		return rerrors.CodeSubRouteBeforeResponse
	}
	return rerrors.CodeSystem
}
