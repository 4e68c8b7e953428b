package broker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the broker's Prometheus metrics on a private registry so
// several brokers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	agents       prometheus.Gauge
	automations  prometheus.Gauge
	pending      prometheus.Gauge
	commands     *prometheus.CounterVec
	responses    *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	timeouts     prometheus.Counter
	authFailures prometheus.Counter
}

// NewMetrics creates the metric set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		agents: f.NewGauge(prometheus.GaugeOpts{
			Name: "jseyes_agents_connected",
			Help: "Number of connected browser agents",
		}),
		automations: f.NewGauge(prometheus.GaugeOpts{
			Name: "jseyes_automation_clients_connected",
			Help: "Number of connected automation clients",
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Name: "jseyes_pending_calls",
			Help: "Calls forwarded to an agent and awaiting a reply",
		}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jseyes_commands_total",
			Help: "Automation commands received, by action",
		}, []string{"action"}),
		responses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jseyes_call_responses_total",
			Help: "Resolved forwarded calls, by status",
		}, []string{"status"}),
		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jseyes_rejections_total",
			Help: "Commands rejected before forwarding, by code",
		}, []string{"code"}),
		timeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "jseyes_call_timeouts_total",
			Help: "Forwarded calls that timed out",
		}),
		authFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "jseyes_agent_auth_failures_total",
			Help: "Failed or timed out agent handshakes",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
