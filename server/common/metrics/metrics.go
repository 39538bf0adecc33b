// Package metrics provides Prometheus instrumentation for the chat server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts persisted messages, labeled by source: "ws",
	// "rest", or "system".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of messages persisted",
	}, []string{"source"})

	// AppendLatency records message append latency in seconds.
	AppendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_append_latency_seconds",
		Help:    "Message append latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// FanoutTotal counts delivery attempts to session observers, labeled by
	// outcome: "delivered" or "dropped".
	FanoutTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_fanout_total",
		Help: "Total number of fan-out deliveries",
	}, []string{"outcome"})

	// ActiveSessions tracks the current number of sessions with at least one
	// joined connection on this instance.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_active_sessions",
		Help: "Current number of sessions with local observers",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		AppendLatency,
		FanoutTotal,
		ActiveSessions,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
