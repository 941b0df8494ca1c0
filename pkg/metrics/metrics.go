// Package metrics exposes live run counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	ops       *prometheus.CounterVec
	ioErrors  *prometheus.CounterVec
	conflicts prometheus.Counter
	live      prometheus.Gauge
	latency   *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rawbench",
			Name:      "ops_total",
			Help:      "Completed device operations by role.",
		}, []string{"role"}),
		ioErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rawbench",
			Name:      "io_errors_total",
			Help:      "Failed device operations by role.",
		}, []string{"role"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rawbench",
			Name:      "reservation_conflicts_total",
			Help:      "Writer iterations abandoned because the cell was already claimed.",
		}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rawbench",
			Name:      "live_workers",
			Help:      "Workers currently running.",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rawbench",
			Name:      "op_latency_seconds",
			Help:      "Device operation latency by role.",
			Buckets:   prometheus.ExponentialBuckets(10e-6, 2, 20),
		}, []string{"role"}),
	}
	for _, c := range []prometheus.Collector{m.ops, m.ioErrors, m.conflicts, m.live, m.latency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Op(role string, d time.Duration) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(role).Inc()
	m.latency.WithLabelValues(role).Observe(d.Seconds())
}

func (m *Metrics) IOError(role string) {
	if m == nil {
		return
	}
	m.ioErrors.WithLabelValues(role).Inc()
}

func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

func (m *Metrics) SetLive(n int) {
	if m == nil {
		return
	}
	m.live.Set(float64(n))
}
