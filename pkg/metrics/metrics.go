package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gamehost/pkg/model"
)

var (
	NodeHealth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gamehost_node_health",
		Help: "1 for the node's current health state, 0 for the others.",
	}, []string{"node", "state"})

	HeartbeatFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gamehost_heartbeat_failures_total",
		Help: "Heartbeat step failures by node and step.",
	}, []string{"node", "step"})

	SessionRecreations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gamehost_session_recreations_total",
		Help: "Node sessions rebuilt after transport failures.",
	}, []string{"node"})

	PowerActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gamehost_power_actions_total",
		Help: "Power actions by action and runtime outcome.",
	}, []string{"action", "outcome"})

	ActiveSamplers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gamehost_active_stat_samplers",
		Help: "Running per-container stats samplers.",
	})

	ActiveConsoles = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gamehost_active_console_streams",
		Help: "Open console relay streams.",
	})
)

var healthStates = []model.HealthState{
	model.HealthConnectionError,
	model.HealthAuthenticationError,
	model.HealthSyncError,
	model.HealthConnected,
}

func init() {
	prometheus.MustRegister(NodeHealth, HeartbeatFailures, SessionRecreations, PowerActions, ActiveSamplers, ActiveConsoles)
}

// SetNodeHealth flips the node's health gauges to the given state.
func SetNodeHealth(nodeID string, state model.HealthState) {
	for _, s := range healthStates {
		v := 0.0
		if s == state {
			v = 1
		}
		NodeHealth.WithLabelValues(nodeID, string(s)).Set(v)
	}
}

// RegisterMetrics registers the Prometheus handler on mux.
func RegisterMetrics(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
}
