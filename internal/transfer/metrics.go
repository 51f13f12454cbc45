package transfer

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the transfer counters on a private registry, so several
// engines (tests) never collide on the global one.
type Metrics struct {
	registry    *prometheus.Registry
	bytes       *prometheus.CounterVec
	sessions    *prometheus.CounterVec
	active      *prometheus.GaugeVec
	chunkErrors *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netshare",
			Name:      "transfer_bytes_total",
			Help:      "Bytes moved by transfers.",
		}, []string{"direction"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netshare",
			Name:      "transfer_sessions_total",
			Help:      "Finished transfer sessions by outcome.",
		}, []string{"direction", "outcome"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "netshare",
			Name:      "transfer_sessions_active",
			Help:      "Transfer sessions in progress.",
		}, []string{"direction"}),
		chunkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netshare",
			Name:      "transfer_chunk_errors_total",
			Help:      "Rejected or failed chunks.",
		}, []string{"direction"}),
	}
	m.registry.MustRegister(
		m.bytes, m.sessions, m.active, m.chunkErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) started(dir Direction) {
	m.active.WithLabelValues(string(dir)).Inc()
}

func (m *Metrics) finished(dir Direction, outcome string) {
	m.active.WithLabelValues(string(dir)).Dec()
	m.sessions.WithLabelValues(string(dir), outcome).Inc()
}

func (m *Metrics) transferred(dir Direction, n int64) {
	m.bytes.WithLabelValues(string(dir)).Add(float64(n))
}

func (m *Metrics) chunkError(dir Direction) {
	m.chunkErrors.WithLabelValues(string(dir)).Inc()
}
