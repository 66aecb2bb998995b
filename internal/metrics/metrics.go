package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "toolrpc"

// Collector holds the service's Prometheus collectors on a private registry.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	invocations   *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	rateLimited   *prometheus.CounterVec
	authFailures  *prometheus.CounterVec
	activeStreams prometheus.Gauge
	streamEvents  *prometheus.CounterVec
}

// New registers all collectors, plus the Go and process collectors, on a
// fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Tool invocations by outcome.",
		}, []string{"tool", "kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "End-to-end invocation latency, including gating stages.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"tool", "kind"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Invocations rejected by the rate limiter.",
		}, []string{"tool"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Invocations rejected during authentication or permission checks.",
		}, []string{"tool", "code"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Streaming sessions currently in flight.",
		}),
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Stream events delivered to sessions.",
		}, []string{"tool", "type"}),
	}
	c.registry.MustRegister(
		c.invocations,
		c.duration,
		c.rateLimited,
		c.authFailures,
		c.activeStreams,
		c.streamEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) ObserveInvocation(tool, kind, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.invocations.WithLabelValues(tool, kind, outcome).Inc()
	c.duration.WithLabelValues(tool, kind).Observe(elapsed.Seconds())
}

func (c *Collector) RateLimited(tool string) {
	if c == nil {
		return
	}
	c.rateLimited.WithLabelValues(tool).Inc()
}

func (c *Collector) AuthFailure(tool, code string) {
	if c == nil {
		return
	}
	c.authFailures.WithLabelValues(tool, code).Inc()
}

func (c *Collector) StreamOpened() {
	if c == nil {
		return
	}
	c.activeStreams.Inc()
}

func (c *Collector) StreamClosed() {
	if c == nil {
		return
	}
	c.activeStreams.Dec()
}

func (c *Collector) StreamEvent(tool, eventType string) {
	if c == nil {
		return
	}
	c.streamEvents.WithLabelValues(tool, eventType).Inc()
}

// Handler serves /metrics from the private registry and a /healthz probe.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
