// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_events_decoded_total",
		Help: "Decoded inbound events by kind",
	}, []string{"kind"})

	DecodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_decode_failures_total",
		Help: "Inbound payloads that failed to decode",
	})

	MessagesFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_messages_finalized_total",
		Help: "Streamed messages finalized by role",
	}, []string{"role"})

	RPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_rpc_requests_total",
		Help: "Room RPC calls by method and outcome",
	}, []string{"method", "status"})

	ModeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_mode_transitions_total",
		Help: "Committed communication mode transitions by target mode",
	}, []string{"mode"})

	MetricsPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_metrics_polls_total",
		Help: "Agent metrics poll attempts by outcome",
	}, []string{"status"})

	StreamLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "parley_stream_latency_seconds",
		Help:    "Latency from stream open to finalization",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)
