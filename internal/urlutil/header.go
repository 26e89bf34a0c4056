package urlutil

import (
	"net/http"
	"net/url"
	"strings"
)

// ForwardHeaders lists the request headers kept when a request is rebuilt
// for a new URL.
var ForwardHeaders = []string{
	"cookie",
	"authorization",
	"did",
	"user-agent",
	"content-type",
	"accept",
	"accept-encoding",
	"accept-language",
	"referer",
	"cache-control",
	"x-user-group",
	"x-ldcid-level",
	"x-render-uid",
}

// ParseHeader splits a comma separated header value, trimming leading
// spaces of each token.
func ParseHeader(v string) []string {
	var list []string
	start, end := 0, 0
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case ' ':
			if start == end {
				start = i + 1
				end = i + 1
			}
		case ',':
			list = append(list, v[start:end])
			start = i + 1
			end = i + 1
		default:
			end = i + 1
		}
	}
	return append(list, v[start:end])
}

// AppendHeader adds val to key unless it is already one of the
// comma separated values.
func AppendHeader(h http.Header, key, val string) {
	values := h.Values(key)
	if len(values) == 0 {
		h.Set(key, val)
		return
	}
	current := strings.Join(values, ", ")
	for _, existing := range ParseHeader(current) {
		if existing == val {
			return
		}
	}
	h.Set(key, current+", "+val)
}

// FilterForward returns a copy of h holding only ForwardHeaders.
func FilterForward(h http.Header) http.Header {
	out := make(http.Header, len(ForwardHeaders))
	for _, k := range ForwardHeaders {
		if vals := h.Values(k); len(vals) > 0 {
			out[http.CanonicalHeaderKey(k)] = append([]string(nil), vals...)
		}
	}
	return out
}

// SameURL reports whether a and b share host and path. Query strings are
// ignored.
func SameURL(a, b *url.URL) bool {
	return strings.EqualFold(a.Host, b.Host) && currentPath(a) == currentPath(b)
}

// IsAvailableResponse reports whether resp has a 2xx or 3xx status or one
// of the extra allowed statuses.
func IsAvailableResponse(resp *http.Response, allowed ...int) bool {
	if resp == nil {
		return false
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return true
	}
	for _, s := range allowed {
		if resp.StatusCode == s {
			return true
		}
	}
	return false
}

// IsJSONResponse reports whether resp declares a JSON content type.
func IsJSONResponse(resp *http.Response) bool {
	return resp != nil && strings.Contains(resp.Header.Get("Content-Type"), "application/json")
}
