package processor

import (
	"fmt"
	"sync"

	"github.com/wudi/edgeroute/config"
	"github.com/wudi/edgeroute/internal/action"
	rerrors "github.com/wudi/edgeroute/internal/errors"
	"github.com/wudi/edgeroute/internal/logging"
	"github.com/wudi/edgeroute/internal/routectx"
	"github.com/wudi/edgeroute/internal/value"
	"go.uber.org/zap"
)

// Env is handed to processor creators.
type Env struct {
	Values *value.Registry
	Metas  *action.MetaRegistry
	// Logger is already prefixed with the processor name.
	Logger *zap.Logger
}

// GroupCreator builds a group from its config and compiled subs.
type GroupCreator func(rc *routectx.Context, cfg config.GroupRouteConfig, subs []Sub, env Env) (Group, error)

// SubCreator builds a sub from its config.
type SubCreator func(rc *routectx.Context, cfg config.SubRouteConfig, env Env) (Sub, error)

// Factory compiles route configuration into processors.
type Factory struct {
	mu     sync.RWMutex
	groups map[string]GroupCreator
	subs   map[string]SubCreator
	values *value.Registry
	metas  *action.MetaRegistry
}

// NewFactory returns a factory with the common group and sub kinds
// registered.
func NewFactory(values *value.Registry, metas *action.MetaRegistry) *Factory {
	return &Factory{
		groups: map[string]GroupCreator{config.CommonGroupProcessor: NewCommonGroup},
		subs:   map[string]SubCreator{config.CommonSubProcessor: NewCommonSub},
		values: values,
		metas:  metas,
	}
}

// RegisterGroup adds a group processor kind. Kinds are unique.
func (f *Factory) RegisterGroup(kind string, c GroupCreator) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.groups[kind]; exists {
		return fmt.Errorf("group processor %q already registered", kind)
	}
	f.groups[kind] = c
	return nil
}

// RegisterSub adds a sub processor kind. Kinds are unique.
func (f *Factory) RegisterSub(kind string, c SubCreator) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.subs[kind]; exists {
		return fmt.Errorf("sub processor %q already registered", kind)
	}
	f.subs[kind] = c
	return nil
}

func (f *Factory) group(kind string) (GroupCreator, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.groups[kind]
	return c, ok
}

func (f *Factory) sub(kind string) (SubCreator, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.subs[kind]
	return c, ok
}

// CreateRoute compiles groups for rc. Offline groups and subs are
// skipped. An unknown processor kind fails with a 1002 or 1003 error.
func (f *Factory) CreateRoute(rc *routectx.Context, groups []config.GroupRouteConfig) (*Route, error) {
	route := &Route{}
	for _, gcfg := range groups {
		if !gcfg.Status.Online() {
			continue
		}
		createGroup, ok := f.group(gcfg.Processor)
		if !ok {
			return nil, rerrors.New(rerrors.CodeGroupProcessorNotFound, gcfg.Processor)
		}
		groupLogger := logging.Prefixed(rc.Logger(), "[group/"+gcfg.Name+"]")

		subs := make([]Sub, 0, len(gcfg.Routes))
		for _, scfg := range gcfg.Routes {
			if !scfg.Status.Online() {
				continue
			}
			createSub, ok := f.sub(scfg.Processor)
			if !ok {
				return nil, rerrors.New(rerrors.CodeSubProcessorNotFound, scfg.Processor)
			}
			env := Env{
				Values: f.values,
				Metas:  f.metas,
				Logger: logging.Prefixed(groupLogger, "[sub/"+scfg.Name+"]"),
			}
			s, err := createSub(rc, scfg, env)
			if err != nil {
				return nil, err
			}
			subs = append(subs, s)
		}

		g, err := createGroup(rc, gcfg, subs, Env{Values: f.values, Metas: f.metas, Logger: groupLogger})
		if err != nil {
			return nil, err
		}
		route.Groups = append(route.Groups, g)
	}
	return route, nil
}
