package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry Metrics
var (
	// RegistryRooms tracks the number of rooms with at least one session
	RegistryRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_rooms",
			Help: "Number of rooms with at least one registered session",
		},
	)

	// RegistrySessions tracks registered sessions across all rooms
	RegistrySessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_sessions",
			Help: "Number of session memberships across all rooms",
		},
	)

	// BroadcastsTotal tracks broadcast calls by outcome (delivered, partial, empty)
	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_broadcasts_total",
			Help: "Total broadcast calls by outcome",
		},
		[]string{"outcome"},
	)

	// SendFailures tracks failed deliveries to a single session by path (broadcast, unicast)
	SendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_send_failures_total",
			Help: "Total failed session deliveries by path",
		},
		[]string{"path"},
	)

	// SessionsEvicted tracks sessions removed from a room after a failed broadcast send
	SessionsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_sessions_evicted_total",
			Help: "Total sessions evicted after a failed broadcast delivery",
		},
	)

	// BroadcastDuration tracks fan-out latency
	BroadcastDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "registry_broadcast_duration_seconds",
			Help:    "Time to deliver one broadcast to every session in a room",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
	)
)

// Gateway Metrics
var (
	// GatewayConnections tracks currently open dashboard connections
	GatewayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_connections",
			Help: "Number of open dashboard WebSocket connections",
		},
	)

	// GatewayConnectionsTotal tracks accepted and rejected upgrades
	GatewayConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_connections_total",
			Help: "Total WebSocket upgrade attempts by result",
		},
		[]string{"result"},
	)

	// GatewayCloseReasons tracks what moved a connection to CLOSING
	GatewayCloseReasons = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_close_reasons_total",
			Help: "Total connection closes by trigger",
		},
		[]string{"reason"},
	)
)

// Consumer Metrics
var (
	// ConsumerMessagesTotal tracks broker messages by processing outcome
	ConsumerMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_messages_total",
			Help: "Total change envelopes consumed by outcome",
		},
		[]string{"outcome"},
	)

	// ConsumerBrokerErrors tracks broker errors by severity (transient, fatal)
	ConsumerBrokerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_broker_errors_total",
			Help: "Total broker errors by severity",
		},
		[]string{"severity"},
	)

	// ConsumerCommitFailures tracks failed offset/position commits
	ConsumerCommitFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "consumer_commit_failures_total",
			Help: "Total failed message commits",
		},
	)
)
