package upstream

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is shared by all upstreams of a process.
type Metrics struct {
	duration *prometheus.HistogramVec
	errors   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "upstream_request_duration_seconds",
			Help:    "The duration of upstream requests by backend and path",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"backend", "path"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upstream_errors_total",
			Help: "The total number of failed upstream requests by backend and error kind",
		}, []string{"backend", "kind"}),
	}
}

func (m *Metrics) Register(reg prometheus.Registerer) error {
	if err := reg.Register(m.duration); err != nil {
		return err
	}
	return reg.Register(m.errors)
}

func (m *Metrics) observe(backend, path string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(backend, path).Observe(d.Seconds())
	if err != nil {
		m.errors.WithLabelValues(backend, Kind(err)).Inc()
	}
}
