// Package urlutil holds URL, header and redirect helpers shared by the
// route actions.
package urlutil

import (
	"fmt"
	"net/url"
	"strings"
)

// Pair is one query parameter. Order and duplicates are preserved.
type Pair struct {
	Key   string
	Value string
}

// ParseQuery splits a raw query string into ordered pairs. A leading "?"
// is ignored and undecodable components are kept verbatim.
func ParseQuery(raw string) []Pair {
	raw = strings.TrimPrefix(raw, "?")
	if raw == "" {
		return nil
	}
	var pairs []Pair
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		pairs = append(pairs, Pair{Key: unescapeForm(k), Value: unescapeForm(v)})
	}
	return pairs
}

func unescapeForm(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}

// EncodeQuery serializes pairs using form encoding.
func EncodeQuery(pairs []Pair) string {
	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(escapeForm(p.Key))
		b.WriteByte('=')
		b.WriteString(escapeForm(p.Value))
	}
	return b.String()
}

func escapeForm(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '*', c == '-', c == '.', c == '_':
			b.WriteByte(c)
		case c == ' ':
			b.WriteByte('+')
		default:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&15])
		}
	}
	return b.String()
}

// ParseAbsolute parses s and requires a scheme and host. An empty path
// becomes "/".
func ParseAbsolute(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", s)
	}
	if u.Path == "" && u.RawPath == "" {
		u.Path = "/"
	}
	return u, nil
}

// AppendQuery appends the pairs of search to the absolute URL dest.
func AppendQuery(dest string, search string) (string, error) {
	u, err := ParseAbsolute(dest)
	if err != nil {
		return "", err
	}
	extra := ParseQuery(search)
	if len(extra) == 0 {
		return u.String(), nil
	}
	u.RawQuery = EncodeQuery(append(ParseQuery(u.RawQuery), extra...))
	return u.String(), nil
}

// WithoutParams returns scheme://host/path of u.
func WithoutParams(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	return u.Scheme + "://" + u.Host + p
}

// IsHTTPScheme reports whether scheme is http or https.
func IsHTTPScheme(scheme string) bool {
	s := strings.ToLower(scheme)
	return s == "http" || s == "https"
}

// splitTemplate splits a URL or path template into host, path and
// search without percent-encoding the template syntax.
func splitTemplate(s string) (host, path, search string) {
	rest := s
	if i := strings.Index(s, "://"); i > 0 && !strings.ContainsAny(s[:i], "/?#") {
		rest = s[i+3:]
		j := strings.IndexAny(rest, "/?#")
		if j < 0 {
			host, rest = rest, ""
		} else {
			host, rest = rest[:j], rest[j:]
		}
	}
	if k := strings.IndexByte(rest, '#'); k >= 0 {
		rest = rest[:k]
	}
	if k := strings.IndexByte(rest, '?'); k >= 0 {
		search, rest = rest[k:], rest[:k]
	}
	if search == "?" {
		search = ""
	}
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return strings.ToLower(host), rest, search
}
