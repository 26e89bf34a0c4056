package value

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmespath/go-jmespath"
	"github.com/mitchellh/mapstructure"
	"github.com/wudi/edgeroute/internal/routectx"
	"go.uber.org/zap"
)

const fetchRetryInterval = 100 * time.Millisecond

// fetchSpec is the object form of a fetch source.
type fetchSpec struct {
	URL     string `mapstructure:"url"`
	Query   string `mapstructure:"query"`
	Retries uint64 `mapstructure:"retries"`

	expr *jmespath.JMESPath
}

// fetchSource issues a GET through the context client and decodes the
// JSON body.
type fetchSource struct{}

func (fetchSource) Prepare(v *Value) (any, error) {
	var spec fetchSpec
	switch src := v.Source.(type) {
	case string:
		spec.URL = src
	case map[string]any:
		if err := mapstructure.Decode(src, &spec); err != nil {
			return nil, fmt.Errorf("fetch: %w", err)
		}
	default:
		return nil, nil
	}
	if spec.Query != "" {
		expr, err := jmespath.Compile(spec.Query)
		if err != nil {
			return nil, fmt.Errorf("fetch: invalid query %q: %w", spec.Query, err)
		}
		spec.expr = expr
	}
	return &spec, nil
}

func (fetchSource) Resolve(rc *routectx.Context, v *Value) (any, error) {
	spec, ok := v.Prepared().(*fetchSpec)
	if !ok || spec.URL == "" {
		return nil, nil
	}

	var body any
	op := func() error {
		data, err := fetchJSON(rc, spec.URL)
		if err != nil {
			return err
		}
		body = data
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = fetchRetryInterval
	notify := func(err error, wait time.Duration) {
		rc.Logger().Debug("fetch source retrying",
			zap.String("url", spec.URL),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, spec.Retries), rc.Context())
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", spec.URL, err)
	}

	if spec.expr == nil {
		return body, nil
	}
	result, err := spec.expr.Search(body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: query: %w", spec.URL, err)
	}
	return result, nil
}

// fetchJSON performs one attempt. Decode failures are permanent.
func fetchJSON(rc *routectx.Context, url string) (any, error) {
	client := rc.Client()
	if client == nil {
		return nil, backoff.Permanent(fmt.Errorf("no http client"))
	}
	req, err := http.NewRequestWithContext(rc.Context(), http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := client.Request(req, routectx.RequestInit{}, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode body: %w", err))
	}
	return out, nil
}
