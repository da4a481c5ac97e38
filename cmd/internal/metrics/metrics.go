// Package metrics provides Prometheus instrumentation for Parley.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesTotal tracks message mutations by operation and outcome.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_messages_total",
			Help: "Total message mutations",
		},
		[]string{"op", "outcome"},
	)

	// StoreOpDuration tracks store transaction duration per operation.
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parley_store_op_seconds",
			Help:    "Store operation duration in seconds",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"op"},
	)

	// FanoutTotal tracks post-commit notification deliveries per transport.
	FanoutTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_fanout_total",
			Help: "Total fan-out notifications",
		},
		[]string{"transport", "event"},
	)

	// FanoutDropped tracks notifications dropped under backpressure or publish failure.
	FanoutDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_fanout_dropped_total",
			Help: "Fan-out notifications dropped",
		},
		[]string{"transport"},
	)

	// WSConnectionsActive tracks active websocket subscriber connections.
	WSConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_ws_connections_active",
			Help: "Active websocket subscriber connections",
		},
	)
)

// RecordMessageOp records one message mutation attempt.
func RecordMessageOp(op, outcome string, seconds float64) {
	MessagesTotal.WithLabelValues(op, outcome).Inc()
	StoreOpDuration.WithLabelValues(op).Observe(seconds)
}
