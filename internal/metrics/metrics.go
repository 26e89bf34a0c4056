package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "edgeroute"

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Circuit breaker states as exported by the breaker gauge.
const (
	BreakerClosed   = 0
	BreakerOpen     = 1
	BreakerHalfOpen = 2
)

// Collector tracks router metrics on its own prometheus registry. A nil
// Collector discards everything.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDurations *prometheus.HistogramVec
	stageDurations   *prometheus.HistogramVec
	subFailures      *prometheus.CounterVec
	routeErrors      *prometheus.CounterVec
	upstreamTotal    *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	breakerState     *prometheus.GaugeVec
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of routed requests.",
		}, []string{"method", "status"}),
		requestDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Duration in seconds of a routed request.",
			Buckets:   DefaultBuckets,
		}, []string{"method"}),
		stageDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "duration_seconds",
			Help:      "Duration in seconds of an executor stage.",
			Buckets:   DefaultBuckets,
		}, []string{"stage"}),
		subFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "sub_failures_total",
			Help:      "Sub route failures by stage and whether they were weak dependencies.",
		}, []string{"stage", "weak"}),
		routeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_errors_total",
			Help:      "Errors logged on route contexts by code.",
		}, []string{"code"}),
		upstreamTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Outbound requests by host and status.",
		}, []string{"host", "status"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "duration_seconds",
			Help:      "Duration in seconds of an outbound request.",
			Buckets:   DefaultBuckets,
		}, []string{"host"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open).",
		}, []string{"host"}),
	}

	c.registry.MustRegister(
		c.requestsTotal,
		c.requestDurations,
		c.stageDurations,
		c.subFailures,
		c.routeErrors,
		c.upstreamTotal,
		c.upstreamDuration,
		c.breakerState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a completed request
func (c *Collector) RecordRequest(method string, statusCode int, duration time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(method, strconv.Itoa(statusCode)).Inc()
	c.requestDurations.WithLabelValues(method).Observe(duration.Seconds())
}

// ObserveStage records how long an executor stage took.
func (c *Collector) ObserveStage(stage string, duration time.Duration) {
	if c == nil {
		return
	}
	c.stageDurations.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordSubFailure counts a failed sub route.
func (c *Collector) RecordSubFailure(stage string, weak bool) {
	if c == nil {
		return
	}
	c.subFailures.WithLabelValues(stage, strconv.FormatBool(weak)).Inc()
}

// RecordRouteError counts an error logged on a route context.
func (c *Collector) RecordRouteError(code int) {
	if c == nil {
		return
	}
	c.routeErrors.WithLabelValues(strconv.Itoa(code)).Inc()
}

// RecordUpstream records an outbound request. A zero status means the
// request failed before a response arrived.
func (c *Collector) RecordUpstream(host string, statusCode int, duration time.Duration) {
	if c == nil {
		return
	}
	c.upstreamTotal.WithLabelValues(host, strconv.Itoa(statusCode)).Inc()
	c.upstreamDuration.WithLabelValues(host).Observe(duration.Seconds())
}

// SetCircuitBreakerState sets the circuit breaker state for a host
func (c *Collector) SetCircuitBreakerState(host string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(host).Set(float64(state))
}
