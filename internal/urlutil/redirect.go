package urlutil

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/wudi/edgeroute/internal/pathtemplate"
)

// Redirect types.
const (
	RedirectURL        = "url"
	RedirectPath       = "path"
	RedirectPathRegexp = "path_regexp"
)

const bridgeProtocol = "https:"

// RedirectRule describes one redirect.
type RedirectRule struct {
	Source      string `mapstructure:"source"`
	Destination string `mapstructure:"destination"`
	Type        string `mapstructure:"type"`
	Permanent   bool   `mapstructure:"permanent"`
	PassQuery   *bool  `mapstructure:"passQuery"`
}

// RedirectResult is a computed redirect target.
type RedirectResult struct {
	Href   string
	Status int
}

// Redirector evaluates a RedirectRule against request URLs.
type Redirector struct {
	rule        RedirectRule
	destination string
	passQuery   bool
	// scheme the destination had before being bridged through https:
	bridged string
}

// NewRedirector prepares rule. Destinations with a non-http scheme are
// bridged through https: so they can be parsed and resolved.
func NewRedirector(rule RedirectRule) *Redirector {
	r := &Redirector{
		rule:        rule,
		destination: rule.Destination,
		passQuery:   rule.PassQuery == nil || *rule.PassQuery,
	}
	if i := strings.Index(rule.Destination, "://"); i > 0 {
		scheme := rule.Destination[:i]
		if !strings.ContainsAny(scheme, "/?#") && !IsHTTPScheme(scheme) {
			r.bridged = scheme + ":"
			r.destination = bridgeProtocol + rule.Destination[len(r.bridged):]
		}
	}
	return r
}

// Redirect returns the redirect for u, or nil when the rule does not
// apply. An error means the rule matched but no target could be built.
func (r *Redirector) Redirect(u *url.URL) (*RedirectResult, error) {
	if r.destination == "" || r.rule.Source == "" {
		return nil, nil
	}
	status := http.StatusFound
	if r.rule.Permanent {
		status = http.StatusMovedPermanently
	}

	target, err := r.target(u)
	if err != nil || target == "" {
		return nil, err
	}

	if r.passQuery {
		target, err = AppendQuery(target, u.RawQuery)
		if err != nil {
			return nil, err
		}
	}
	if r.bridged != "" {
		target = strings.Replace(target, bridgeProtocol, r.bridged, 1)
	}
	return &RedirectResult{Href: target, Status: status}, nil
}

func (r *Redirector) target(u *url.URL) (string, error) {
	switch r.rule.Type {
	case RedirectURL:
		if WithoutParams(u) != r.rule.Source {
			return "", nil
		}
		return r.destination, nil
	case RedirectPath:
		if currentPath(u) != r.rule.Source {
			return "", nil
		}
		return r.destination, nil
	case RedirectPathRegexp:
		return r.pathRegexpTarget(u)
	default:
		return "", nil
	}
}

func (r *Redirector) pathRegexpTarget(u *url.URL) (string, error) {
	host, srcPath, srcSearch := splitTemplate(r.rule.Source)
	if host != "" && host != strings.ToLower(u.Host) {
		return "", nil
	}

	params, ok, err := pathtemplate.Match(srcPath, currentPath(u))
	if err != nil || !ok {
		return "", err
	}

	if srcSearch != "" {
		queryParams, ok, err := matchQuery(srcSearch, u.RawQuery)
		if err != nil || !ok {
			return "", err
		}
		for k, v := range queryParams {
			params[k] = v
		}
	}

	dest, err := ParseAbsolute(r.destination)
	if err != nil {
		return "", err
	}
	return compileOnto(dest, r.destination, params)
}

// matchQuery matches the current query, filtered to the keys named by
// the template, against the template.
func matchQuery(template, rawQuery string) (pathtemplate.Params, bool, error) {
	keys := make(map[string]bool)
	for _, p := range ParseQuery(template) {
		keys[p.Key] = true
	}
	var filtered []Pair
	for _, p := range ParseQuery(rawQuery) {
		if keys[p.Key] {
			filtered = append(filtered, p)
		}
	}
	return pathtemplate.Match(strings.TrimPrefix(template, "?"), EncodeQuery(filtered))
}

func currentPath(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		return "/"
	}
	return p
}
