package web

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricSessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "parley",
		Name:      "sessions_started_total",
		Help:      "Number of chat sessions started through the gateway.",
	})
	metricSessionsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "parley",
		Name:      "sessions_completed_total",
		Help:      "Number of chat sessions that completed normally.",
	})
	metricSessionsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "parley",
		Name:      "sessions_failed_total",
		Help:      "Number of chat sessions that ended in an error.",
	})
	metricSessionsStopped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "parley",
		Name:      "sessions_stopped_total",
		Help:      "Number of chat sessions cancelled by a stop request.",
	})
	metricRecoveryProbes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "parley",
		Name:      "recovery_probes_total",
		Help:      "Number of subtask probes performed for session recovery.",
	})
	metricSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "parley",
		Name:      "sessions_active",
		Help:      "Number of sessions currently tracked by the registry.",
	})
	metricWSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "parley",
		Name:      "ws_clients",
		Help:      "Number of connected WebSocket clients.",
	})
)

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	promhttp.Handler().ServeHTTP(w, r)
}
