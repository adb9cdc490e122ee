// Package metrics exposes Prometheus collectors for the connection layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tasksocket"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing,
// so callers never need to guard their calls.
type Metrics struct {
	accepted  prometheus.Counter
	removed   prometheus.Counter
	active    prometheus.Gauge
	received  prometheus.Counter
	sent      prometheus.Counter
	failures  *prometheus.CounterVec
	broadcast prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total number of accepted connections.",
		}),
		removed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_removed_total",
			Help:      "Total number of torn down connections.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of registered connections.",
		}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "received_bytes_total",
			Help:      "Total number of bytes received.",
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sent_bytes_total",
			Help:      "Total number of bytes sent.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Socket operation failures by operation and kind.",
		}, []string{"op", "kind"}),
		broadcast: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_recipients",
			Help:      "Number of connections a broadcast was delivered to.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.accepted, m.removed, m.active, m.received, m.sent, m.failures, m.broadcast)
	}
	return m
}

func (m *Metrics) ConnAccepted() {
	if m == nil {
		return
	}
	m.accepted.Inc()
	m.active.Inc()
}

func (m *Metrics) ConnRemoved() {
	if m == nil {
		return
	}
	m.removed.Inc()
	m.active.Dec()
}

func (m *Metrics) Received(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.received.Add(float64(n))
}

func (m *Metrics) Sent(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sent.Add(float64(n))
}

// Failure counts a failed operation; kind is usually a result.Kind name.
func (m *Metrics) Failure(op, kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(op, kind).Inc()
}

// Broadcast records how many recipients one broadcast reached.
func (m *Metrics) Broadcast(delivered int) {
	if m == nil {
		return
	}
	m.broadcast.Observe(float64(delivered))
}
