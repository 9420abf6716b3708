package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call signaling metrics
var (
	CallsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_started_total",
		Help: "Total number of calls started, by call type",
	}, []string{"type"})

	CallsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_finished_total",
		Help: "Total number of calls finished, by terminal status",
	}, []string{"status"})

	CallDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "call_duration_seconds",
		Help:    "Histogram of connected call duration in seconds",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	StoreOperationErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_store_errors_total",
		Help: "Total number of failed signaling store operations",
	}, []string{"operation"})
)

// Relay metrics
var (
	RelayConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_ws_connections_active",
		Help: "Current number of active relay WebSocket connections",
	})

	RelayConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_ws_connections_total",
		Help: "Total number of relay WebSocket connections accepted",
	})

	RelayConnectionsRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_ws_connections_rejected_total",
		Help: "Total number of relay WebSocket connections rejected at capacity",
	})

	RelayMessagesInTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_in_total",
		Help: "Total number of inbound relay messages, by type",
	}, []string{"type"})

	RelayMessagesOutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_out_total",
		Help: "Total number of outbound relay messages, by type",
	}, []string{"type"})

	RelayDroppedClientsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_dropped_clients_total",
		Help: "Total number of clients dropped for a full send buffer",
	})
)
