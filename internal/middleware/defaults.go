package middleware

import (
	"io"
	"net/http"
	"strconv"

	"github.com/mitchellh/mapstructure"
	rerrors "github.com/wudi/edgeroute/internal/errors"
	"github.com/wudi/edgeroute/internal/routectx"
	"github.com/wudi/edgeroute/internal/urlutil"
)

// FetchOptions configures DefaultFetch.
type FetchOptions struct {
	ResponseErrorFallback bool `mapstructure:"responseErrorFallback"`
	AllowNotFound         bool `mapstructure:"allowNotFound"`
}

// FallbackOptions configures ErrorFallback.
type FallbackOptions struct {
	AllowNotFound bool `mapstructure:"allowNotFound"`
}

func decodeOptions(opts map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(opts)
}

func allowedStatuses(allowNotFound bool) []int {
	if allowNotFound {
		return []int{http.StatusNotFound}
	}
	return nil
}

// DefaultFetch dispatches the current request when nothing upstream of it
// produced a response. With responseErrorFallback set, a rewritten
// request that comes back unavailable is replaced by the fallback fetch.
func DefaultFetch(opts map[string]any) (Middleware, error) {
	var o FetchOptions
	if err := decodeOptions(opts, &o); err != nil {
		return nil, err
	}
	allowed := allowedStatuses(o.AllowNotFound)

	return func(rc *routectx.Context, next Next) error {
		if err := next(); err != nil {
			return err
		}
		resp := rc.Response()
		if resp == nil {
			var err error
			resp, err = rc.Fetch()
			if err != nil {
				return err
			}
			rc.SetResponse(resp)
		}
		if !o.ResponseErrorFallback || urlutil.SameURL(rc.Request().URL, rc.OriginURL()) {
			return nil
		}
		if urlutil.IsAvailableResponse(resp, allowed...) {
			return nil
		}
		rc.LogError(invalidResponse(resp))
		discard(resp)
		fb, err := rc.Fallback()
		if err != nil {
			return err
		}
		rc.SetResponse(fb)
		return nil
	}, nil
}

// ErrorFallback replaces a failed or unavailable result of the inner
// chain with the fallback fetch.
func ErrorFallback(opts map[string]any) (Middleware, error) {
	var o FallbackOptions
	if err := decodeOptions(opts, &o); err != nil {
		return nil, err
	}
	allowed := allowedStatuses(o.AllowNotFound)

	return func(rc *routectx.Context, next Next) error {
		err := next()
		if err == nil {
			resp := rc.Response()
			if urlutil.IsAvailableResponse(resp, allowed...) {
				return nil
			}
			err = invalidResponse(resp)
			discard(resp)
		}
		rc.LogError(err)
		fb, ferr := rc.Fallback()
		if ferr != nil {
			return ferr
		}
		rc.SetResponse(fb)
		return nil
	}, nil
}

func invalidResponse(resp *http.Response) *rerrors.RouteError {
	if resp == nil {
		return rerrors.New(rerrors.CodeRequestMiddlewareResponseInvalid, "no response")
	}
	status := strconv.Itoa(resp.StatusCode)
	return rerrors.New(rerrors.CodeRequestMiddlewareResponseInvalid, "status: "+status).
		WithSummary(status)
}

func discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
