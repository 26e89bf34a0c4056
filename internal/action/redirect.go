package action

import (
	"fmt"
	"net/http"

	"github.com/mitchellh/mapstructure"
	"github.com/wudi/edgeroute/internal/match"
	"github.com/wudi/edgeroute/internal/routectx"
	"github.com/wudi/edgeroute/internal/urlutil"
	"go.uber.org/zap"
)

type redirectConfig struct {
	urlutil.RedirectRule `mapstructure:",squash"`
	Match                any `mapstructure:"match"`
}

// Redirect answers a matching request with a 301 or 302.
type Redirect struct {
	redirector *urlutil.Redirector
	match      *match.Match
	logger     *zap.Logger
}

// NewRedirect compiles one redirect entry.
func NewRedirect(scope Scope, raw any) (*Redirect, error) {
	var cfg redirectConfig
	if err := mapstructure.Decode(raw, &cfg); err != nil {
		return nil, fmt.Errorf("redirect: %w", err)
	}
	m, err := scope.Match(cfg.Match)
	if err != nil {
		return nil, fmt.Errorf("redirect: %w", err)
	}
	return &Redirect{
		redirector: urlutil.NewRedirector(cfg.RedirectRule),
		match:      m,
		logger:     scope.Logger,
	}, nil
}

// Apply returns the redirect response for rc, or nil.
func (r *Redirect) Apply(rc *routectx.Context) *http.Response {
	if !r.match.Evaluate(rc) {
		return nil
	}
	res, err := r.redirector.Redirect(rc.URL())
	if err != nil {
		r.logger.Debug("redirect target could not be built", zap.Error(err))
		return nil
	}
	if res == nil {
		return nil
	}
	return &http.Response{
		Status:     fmt.Sprintf("%d %s", res.Status, http.StatusText(res.Status)),
		StatusCode: res.Status,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{"Location": []string{res.Href}},
		Body:       http.NoBody,
		Request:    rc.Request(),
	}
}

// RedirectMeta runs a list of redirects. The first hit wins.
type RedirectMeta struct {
	redirects *entryList[*Redirect]
}

// NewRedirectMeta is the creator of the redirects meta key.
func NewRedirectMeta(_ *routectx.Context, scope Scope, raw any) (Meta, error) {
	list, err := newEntryList(scope, raw, func(i int, e any) (*Redirect, error) {
		r, err := NewRedirect(scope, e)
		if err != nil {
			return nil, fmt.Errorf("redirects[%d]: %w", i, err)
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("redirects: %w", err)
	}
	return &RedirectMeta{redirects: list}, nil
}

func (m *RedirectMeta) Stage() Stage { return StageRedirect }

func (m *RedirectMeta) NeedProcess() bool { return !m.redirects.empty() }

func (m *RedirectMeta) Process(rc *routectx.Context, in Artifact) (Artifact, error) {
	redirects, err := m.redirects.resolve(rc)
	if err != nil {
		return in, fmt.Errorf("redirects: %w", err)
	}
	for _, r := range redirects {
		if resp := r.Apply(rc); resp != nil {
			in.Response = resp
			return in, nil
		}
	}
	return in, nil
}
