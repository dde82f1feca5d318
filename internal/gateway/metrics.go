package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics collects the gateway's counters on a private registry so tests can
// run multiple gateways in one process.
type metrics struct {
	registry *prometheus.Registry

	sessionsCreated    prometheus.Counter
	sessionsTerminated prometheus.Counter
	sessionsActive     prometheus.Gauge
	toolCalls          *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &metrics{
		registry: registry,
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "mcp_sessions_created_total",
			Help: "Sessions created since process start.",
		}),
		sessionsTerminated: factory.NewCounter(prometheus.CounterOpts{
			Name: "mcp_sessions_terminated_total",
			Help: "Sessions terminated since process start.",
		}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_sessions_active",
			Help: "Currently open sessions.",
		}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_tool_calls_total",
			Help: "Tool invocations by tool name and outcome.",
		}, []string{"tool", "outcome"}),
	}
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) sessionCreated() {
	m.sessionsCreated.Inc()
	m.sessionsActive.Inc()
}

func (m *metrics) sessionTerminated() {
	m.sessionsTerminated.Inc()
	m.sessionsActive.Dec()
}

func (m *metrics) toolCall(tool, outcome string) {
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
}
