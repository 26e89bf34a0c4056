package httpclient

import (
	"errors"
	"net/http"
	"sync"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/wudi/edgeroute/config"
	"github.com/wudi/edgeroute/internal/metrics"
)

// errServerStatus marks a 5xx response as a breaker failure. It never
// escapes the client.
var errServerStatus = errors.New("upstream server error")

// breakers holds one circuit breaker per upstream host.
type breakers struct {
	mu      sync.Mutex
	cfg     config.BreakerConfig
	byHost  map[string]*gobreaker.CircuitBreaker[*http.Response]
	metrics *metrics.Collector
	logger  *zap.Logger
}

func newBreakers(cfg config.BreakerConfig, m *metrics.Collector, logger *zap.Logger) *breakers {
	return &breakers{
		cfg:     cfg,
		byHost:  make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
		metrics: m,
		logger:  logger,
	}
}

func (b *breakers) get(host string) *gobreaker.CircuitBreaker[*http.Response] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.byHost[host]; ok {
		return cb
	}
	cfg := b.cfg
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        host,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state changed",
				zap.String("host", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			b.metrics.SetCircuitBreakerState(name, stateValue(to))
		},
	})
	b.byHost[host] = cb
	return cb
}

// execute runs call through host's breaker. Server errors count as
// failures but their response is still returned.
func (b *breakers) execute(host string, call func() (*http.Response, error)) (*http.Response, error) {
	resp, err := b.get(host).Execute(func() (*http.Response, error) {
		resp, err := call()
		if err == nil && resp.StatusCode >= http.StatusInternalServerError {
			return resp, errServerStatus
		}
		return resp, err
	})
	if errors.Is(err, errServerStatus) {
		return resp, nil
	}
	return resp, err
}

func stateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateOpen:
		return metrics.BreakerOpen
	case gobreaker.StateHalfOpen:
		return metrics.BreakerHalfOpen
	}
	return metrics.BreakerClosed
}
