package processor

import (
	"fmt"

	"github.com/wudi/edgeroute/config"
	"github.com/wudi/edgeroute/internal/action"
	"github.com/wudi/edgeroute/internal/match"
	"github.com/wudi/edgeroute/internal/routectx"
	"go.uber.org/zap"
)

// CommonSub is the built-in sub processor. Each recognised meta key is
// compiled into the meta registered for it.
type CommonSub struct {
	name       string
	logger     *zap.Logger
	match      *match.Match
	brk        bool
	breakGroup bool
	weakDep    bool
	metas      map[action.Stage][]action.Meta
}

// NewCommonSub is the creator of COMMON_SUB_PROCESSOR.
func NewCommonSub(rc *routectx.Context, cfg config.SubRouteConfig, env Env) (Sub, error) {
	scope := action.Scope{Registry: env.Values, Args: cfg.Args, Logger: env.Logger}
	m, err := scope.Match(cfg.Meta.Match())
	if err != nil {
		return nil, fmt.Errorf("sub %s: %w", cfg.Name, err)
	}

	s := &CommonSub{
		name:       cfg.Name,
		logger:     env.Logger,
		match:      m,
		brk:        cfg.Meta.Break(),
		breakGroup: cfg.Meta.BreakGroup(),
		weakDep:    cfg.Meta.WeakDep(),
		metas:      make(map[action.Stage][]action.Meta),
	}
	for _, key := range cfg.ActionKeys() {
		create, ok := env.Metas.Lookup(key)
		if !ok {
			env.Logger.Warn("unknown meta key ignored", zap.String("key", key))
			continue
		}
		meta, err := create(rc, scope, cfg.Meta[key])
		if err != nil {
			return nil, fmt.Errorf("sub %s: %w", cfg.Name, err)
		}
		s.metas[meta.Stage()] = append(s.metas[meta.Stage()], meta)
	}
	return s, nil
}

func (s *CommonSub) Name() string { return s.name }

func (s *CommonSub) Logger() *zap.Logger { return s.logger }

func (s *CommonSub) Break() bool { return s.brk }

func (s *CommonSub) BreakGroup() bool { return s.breakGroup }

func (s *CommonSub) WeakDep() bool { return s.weakDep }

// CheckMatch evaluates the sub's match. No match always passes.
func (s *CommonSub) CheckMatch(rc *routectx.Context) bool {
	return s.match.Evaluate(rc)
}

// NeedProcess reports whether any meta of stage has entries.
func (s *CommonSub) NeedProcess(stage action.Stage) bool {
	for _, m := range s.metas[stage] {
		if m.NeedProcess() {
			return true
		}
	}
	return false
}

// Process runs the metas of stage in order, threading the artifact. For
// the redirect stage the first meta producing a response wins.
func (s *CommonSub) Process(rc *routectx.Context, stage action.Stage, in action.Artifact) (action.Artifact, error) {
	out := in
	for _, m := range s.metas[stage] {
		next, err := m.Process(rc, out)
		if err != nil {
			return in, err
		}
		out = next
		if stage == action.StageRedirect && out.Response != nil {
			break
		}
	}
	return out, nil
}

// CommonGroup is the built-in group processor.
type CommonGroup struct {
	name   string
	logger *zap.Logger
	match  *match.Match
	brk    bool
	subs   []Sub
}

// NewCommonGroup is the creator of COMMON_GROUP_PROCESSOR.
func NewCommonGroup(_ *routectx.Context, cfg config.GroupRouteConfig, subs []Sub, env Env) (Group, error) {
	scope := action.Scope{Registry: env.Values, Args: cfg.Args, Logger: env.Logger}
	m, err := scope.Match(cfg.Meta.Match())
	if err != nil {
		return nil, fmt.Errorf("group %s: %w", cfg.Name, err)
	}
	return &CommonGroup{
		name:   cfg.Name,
		logger: env.Logger,
		match:  m,
		brk:    cfg.Meta.Break(),
		subs:   subs,
	}, nil
}

func (g *CommonGroup) Name() string { return g.name }

func (g *CommonGroup) Logger() *zap.Logger { return g.logger }

func (g *CommonGroup) Subs() []Sub { return g.subs }

func (g *CommonGroup) Break() bool { return g.brk }

// CheckMatch evaluates the group's match. No match always passes.
func (g *CommonGroup) CheckMatch(rc *routectx.Context) bool {
	return g.match.Evaluate(rc)
}

// NeedProcess is true when any sub needs stage.
func (g *CommonGroup) NeedProcess(stage action.Stage) bool {
	for _, s := range g.subs {
		if s.NeedProcess(stage) {
			return true
		}
	}
	return false
}
