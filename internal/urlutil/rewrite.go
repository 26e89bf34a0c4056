package urlutil

import (
	"net/url"

	"github.com/wudi/edgeroute/internal/pathtemplate"
)

// Rewrite types.
const (
	RewriteExact      = "exact"
	RewritePathRegexp = "path_regexp"
)

// PathRewrite maps a source URL or path onto a destination.
type PathRewrite struct {
	Source      string `json:"source" mapstructure:"source"`
	Destination string `json:"destination" mapstructure:"destination"`
	Type        string `json:"type" mapstructure:"type"`
}

// RewriteURL rewrites u. An exact rule whose destination is not an
// absolute URL is an error; every other failure leaves u unchanged.
func RewriteURL(u *url.URL, cfg PathRewrite) (string, error) {
	href := u.String()
	switch cfg.Type {
	case RewriteExact:
		if cfg.Source == WithoutParams(u) {
			return AppendQuery(cfg.Destination, u.RawQuery)
		}
	case RewritePathRegexp:
		_, srcPath, _ := splitTemplate(cfg.Source)
		params, ok, err := pathtemplate.Match(srcPath, u.EscapedPath())
		if err != nil || !ok {
			return href, nil
		}
		dest, err := ParseAbsolute(cfg.Destination)
		if err != nil {
			return href, nil
		}
		out, err := compileOnto(dest, cfg.Destination, params)
		if err != nil {
			return href, nil
		}
		if res, err := AppendQuery(out, u.RawQuery); err == nil {
			return res, nil
		}
	}
	return href, nil
}

// RewritePath rewrites a bare path. Failures return origin unchanged.
func RewritePath(origin string, cfg PathRewrite) string {
	switch cfg.Type {
	case RewriteExact:
		if cfg.Source == origin {
			return cfg.Destination
		}
	case RewritePathRegexp:
		params, ok, err := pathtemplate.Match(cfg.Source, origin)
		if err != nil || !ok {
			return origin
		}
		tpl, err := pathtemplate.Parse(cfg.Destination)
		if err != nil {
			return origin
		}
		out, err := tpl.Compile(params)
		if err != nil {
			return origin
		}
		return out
	}
	return origin
}

// compileOnto compiles the path template of destTemplate with params and
// resolves it against dest.
func compileOnto(dest *url.URL, destTemplate string, params pathtemplate.Params) (string, error) {
	_, destPath, _ := splitTemplate(destTemplate)
	tpl, err := pathtemplate.Parse(destPath)
	if err != nil {
		return "", err
	}
	p, err := tpl.Compile(params)
	if err != nil {
		return "", err
	}
	out, err := url.Parse(dest.Scheme + "://" + dest.Host + p)
	if err != nil {
		return "", err
	}
	return out.String(), nil
}
