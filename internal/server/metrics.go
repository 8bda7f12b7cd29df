package server

import (
	"net/http"

	"github.com/dgnsrekt/ttsdispatch/internal/dispatch"
	"github.com/dgnsrekt/ttsdispatch/internal/ttypes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ttsd"

// Metrics exports dispatcher activity to Prometheus. It is registered on
// the dispatcher as an Observer.
type Metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	attempts *prometheus.CounterVec
	retries  prometheus.Histogram
	latency  *prometheus.HistogramVec
	cached   prometheus.Counter
}

var _ dispatch.Observer = (*Metrics)(nil)

// StatusFunc supplies the gauges read at scrape time.
type StatusFunc func() ttypes.ServiceStatus

// NewMetrics creates a collector on its own registry. active and status
// back the scrape-time gauges and may be nil.
func NewMetrics(active func() int, status StatusFunc) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Finished requests by adapter type and outcome.",
		}, []string{"type", "outcome", "code"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Adapter attempts by type.",
		}, []string{"type"}),
		retries: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_retries",
			Help:      "Retries per finished request.",
			Buckets:   []float64{0, 1, 2, 3, 5, 10},
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"type"}),
		cached: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Requests answered from the response cache.",
		}),
	}

	m.registry.MustRegister(
		m.requests, m.attempts, m.retries, m.latency, m.cached,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if active != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Requests currently in flight.",
		}, func() float64 { return float64(active()) }))
	}
	if status != nil {
		m.registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "available",
				Help:      "1 when the selected adapter is available.",
			}, func() float64 { return boolGauge(status().IsAvailable) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "healthy",
				Help:      "1 when the last health check passed.",
			}, func() float64 { return boolGauge(status().IsHealthy) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "config_version",
				Help:      "Version of the active dispatch configuration.",
			}, func() float64 { return float64(status().ConfigVersion) }),
		)
	}
	return m
}

// OnAttempt implements dispatch.Observer.
func (m *Metrics) OnAttempt(_ string, t ttypes.TTSType, _ int) {
	m.attempts.WithLabelValues(string(t)).Inc()
}

// OnComplete implements dispatch.Observer.
func (m *Metrics) OnComplete(r dispatch.Result) {
	t := string(r.Type)
	m.requests.WithLabelValues(t, r.Phase.String(), string(r.ErrorCode)).Inc()
	m.retries.Observe(float64(r.Attempts))
	m.latency.WithLabelValues(t).Observe(r.Duration.Seconds())
	if r.Cached {
		m.cached.Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
