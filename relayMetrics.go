package lirc_relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	commandKindPassthrough = "passthrough"
	commandKindRewritten   = "rewritten"
)

type (
	// relayMetrics holds the Prometheus instruments of one relay server. Each
	// server has its own registry so several can coexist in one process.
	relayMetrics struct {
		registry          *prometheus.Registry
		connectionsTotal  prometheus.Counter
		activeConnections prometheus.Gauge
		commandsTotal     *prometheus.CounterVec
		sessionErrors     *prometheus.CounterVec
		backendRoundTrip  prometheus.Histogram
	}
)

func newRelayMetrics() *relayMetrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &relayMetrics{
		registry: reg,
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lirc_relay",
			Name:      "connections_total",
			Help:      "Client connections accepted.",
		}),
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "lirc_relay",
			Name:      "active_connections",
			Help:      "Client connections currently open.",
		}),
		commandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lirc_relay",
			Name:      "commands_total",
			Help:      "Commands relayed to the backend, by kind.",
		}, []string{"kind"}),
		sessionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lirc_relay",
			Name:      "session_errors_total",
			Help:      "Client sessions ended by an error, by reason.",
		}, []string{"reason"}),
		backendRoundTrip: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lirc_relay",
			Name:      "backend_roundtrip_seconds",
			Help:      "Time from sending a command to receiving the full reply.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
}

func (m *relayMetrics) recordCommand(cmd *relayCommand) {
	kind := commandKindPassthrough
	if cmd.rewritten {
		kind = commandKindRewritten
	}
	m.commandsTotal.WithLabelValues(kind).Inc()
}

func (m *relayMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
