package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"corpcall/internal/call"
)

// Metrics counts dispatcher activity. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	Registry *prometheus.Registry

	calls        *prometheus.CounterVec
	errors       *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	throttleWait prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "corpcall_calls_total",
			Help: "Calls resolved, by call type and source (cache or network).",
		}, []string{"type", "source"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "corpcall_call_errors_total",
			Help: "Failed calls, by call type and error kind.",
		}, []string{"type", "kind"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "corpcall_request_duration_seconds",
			Help:    "Latency of network calls to the corpus service.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"type"}),
		throttleWait: factory.NewCounter(prometheus.CounterOpts{
			Name: "corpcall_throttle_wait_seconds_total",
			Help: "Time spent waiting between sequential network calls.",
		}),
	}
}

func (m *Metrics) call(t call.Type, fromCache bool) {
	if m == nil {
		return
	}
	source := "network"
	if fromCache {
		source = "cache"
	}
	m.calls.WithLabelValues(string(t), source).Inc()
}

func (m *Metrics) failure(t call.Type, err error) {
	if m == nil || err == nil {
		return
	}
	m.errors.WithLabelValues(string(t), Kind(err)).Inc()
}

func (m *Metrics) request(t call.Type, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(string(t)).Observe(d.Seconds())
}

func (m *Metrics) waited(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.throttleWait.Add(d.Seconds())
}
