// Package processor compiles route configuration into the group and sub
// processors driven by the executor.
package processor

import (
	"github.com/wudi/edgeroute/internal/action"
	"github.com/wudi/edgeroute/internal/routectx"
	"go.uber.org/zap"
)

// Sub is a compiled sub route.
type Sub interface {
	Name() string
	Logger() *zap.Logger
	NeedProcess(stage action.Stage) bool
	Process(rc *routectx.Context, stage action.Stage, in action.Artifact) (action.Artifact, error)
	CheckMatch(rc *routectx.Context) bool
	Break() bool
	BreakGroup() bool
	WeakDep() bool
}

// Group is a compiled group route owning an ordered list of subs.
type Group interface {
	Name() string
	Logger() *zap.Logger
	Subs() []Sub
	NeedProcess(stage action.Stage) bool
	CheckMatch(rc *routectx.Context) bool
	Break() bool
}

// Route is the compiled route of one request.
type Route struct {
	Groups []Group
}

// NeedProcess reports whether any group needs stage.
func (r *Route) NeedProcess(stage action.Stage) bool {
	for _, g := range r.Groups {
		if g.NeedProcess(stage) {
			return true
		}
	}
	return false
}
