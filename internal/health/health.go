// Package health exposes liveness/readiness/metrics HTTP endpoints,
// generalized from the teacher's internal/core/health.go (stdlib net/http
// handlers, HealthCheck/LivenessHandler/ReadinessHandler/MetricsHandler) and
// enriched with real github.com/prometheus/client_golang counters/gauges —
// the pack's idiomatic metrics library (relex-slog-agent go.mod) rather
// than the teacher's own hand-rolled JSON status map.
package health

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the counters/gauges the server updates as it runs.
type Metrics struct {
	ClientsConnected prometheus.Gauge
	FramesSent       prometheus.Counter
	ClientsEvicted   prometheus.Counter
	BufferDepth      prometheus.Gauge
	KeepAlivesSent   prometheus.Counter
	CommandsDropped  prometheus.Counter
}

// NewMetrics registers and returns a fresh Metrics set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "igtlserver_clients_connected",
			Help: "Number of currently connected IGTL clients.",
		}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "igtlserver_frames_sent_total",
			Help: "Total tracked frames sent to at least one client.",
		}),
		ClientsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "igtlserver_clients_evicted_total",
			Help: "Total clients evicted after persistent send failure.",
		}),
		BufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "igtlserver_buffer_depth",
			Help: "Number of items currently live in the broadcast channel's buffer.",
		}),
		KeepAlivesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "igtlserver_keepalives_sent_total",
			Help: "Total STATUS_OK keep-alive messages sent.",
		}),
		CommandsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "igtlserver_commands_dropped_total",
			Help: "Total inbound commands dropped (dedupe or queue-full).",
		}),
	}
	reg.MustRegister(m.ClientsConnected, m.FramesSent, m.ClientsEvicted,
		m.BufferDepth, m.KeepAlivesSent, m.CommandsDropped)
	return m
}

// StatusSource is anything the health endpoint can ask for a liveness
// snapshot, implemented by server.Server.
type StatusSource interface {
	Status() map[string]any
}

// NewServeMux builds the /health, /readiness and /metrics endpoints, per
// the teacher's internal/core/health.go pattern.
func NewServeMux(reg *prometheus.Registry, source StatusSource) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	})
	mux.HandleFunc("/readiness", func(w http.ResponseWriter, r *http.Request) {
		status := source.Status()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

// ListenAndServe starts the health/metrics HTTP server on port. Grounded on
// the teacher's StartHealthServer, generalized to accept the mux built
// above.
func ListenAndServe(port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
