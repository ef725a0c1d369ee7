package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingest Metrics
var (
	// IngestState tracks the upstream connection state (see ingest.State for values)
	IngestState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_state",
			Help: "Upstream connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=exhausted, 5=stopped)",
		},
	)

	// IngestConnectAttemptsTotal tracks dial attempts by result
	IngestConnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_connect_attempts_total",
			Help: "Upstream dial attempts by result",
		},
		[]string{"result"},
	)

	// IngestDisconnectsTotal tracks connection losses by reason
	IngestDisconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_disconnects_total",
			Help: "Upstream connection losses by reason",
		},
		[]string{"reason"},
	)

	// IngestReconnectAttempt tracks the current consecutive failure count
	IngestReconnectAttempt = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_reconnect_attempt",
			Help: "Consecutive upstream failures since the last successful connect",
		},
	)

	// IngestBackoffSeconds tracks scheduled reconnect delays
	IngestBackoffSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_backoff_seconds",
			Help:    "Delay before the next upstream reconnect attempt",
			Buckets: []float64{.5, 1, 2, 4, 8, 16, 30, 60},
		},
	)

	// IngestBytesTotal tracks bytes read from the upstream
	IngestBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_bytes_total",
			Help: "Total bytes read from the upstream source",
		},
	)
)

// Decoder Metrics
var (
	// DecoderRecordsTotal tracks decoded records by event kind
	DecoderRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decoder_records_total",
			Help: "Records decoded into events, by kind",
		},
		[]string{"kind"},
	)

	// DecoderErrorsTotal tracks dropped records
	DecoderErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "decoder_errors_total",
			Help: "Records dropped because they could not be decoded",
		},
	)
)

// Store Metrics
var (
	// StoreDevices tracks the number of known devices
	StoreDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "store_devices",
			Help: "Number of devices held by the state store",
		},
	)

	// StoreUpdatesTotal tracks applied changes by delta type
	StoreUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_updates_total",
			Help: "State changes applied, by delta type",
		},
		[]string{"type"},
	)
)

// Broadcaster Metrics
var (
	// BroadcasterConnectedClients tracks total number of connected WebSocket clients
	BroadcasterConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "broadcaster_connected_clients_total",
			Help: "Total number of connected WebSocket clients",
		},
	)

	// BroadcasterSlowClientsEvicted tracks number of slow clients evicted
	BroadcasterSlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcaster_slow_clients_evicted_total",
			Help: "Total number of slow WebSocket clients evicted due to a full send queue",
		},
	)

	// BroadcasterMessagesCoalescedTotal tracks queued updates dropped in favor of newer ones
	BroadcasterMessagesCoalescedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcaster_messages_coalesced_total",
			Help: "Queued device and price updates superseded before being written",
		},
	)

	// BroadcasterMessagesTotal tracks fanned-out messages by type
	BroadcasterMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcaster_messages_total",
			Help: "Messages handed to subscribers, by message type",
		},
		[]string{"type"},
	)

	// BroadcasterFanoutDuration tracks time spent fanning out one delta
	BroadcasterFanoutDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broadcaster_fanout_duration_seconds",
			Help:    "Time to hand one delta to every subscriber",
			Buckets: []float64{.00001, .0001, .0005, .001, .005, .01, .05},
		},
	)

	// BroadcasterPanicsTotal tracks broadcaster panic recoveries
	BroadcasterPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcaster_panics_total",
			Help: "Total broadcaster panic recoveries",
		},
	)

	// BroadcasterCommandChannelDepth tracks current command channel depth
	BroadcasterCommandChannelDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "broadcaster_command_channel_depth",
			Help: "Current command channel depth",
		},
	)

	// BroadcasterStopTimeoutsTotal tracks broadcaster stops that exceeded timeout
	BroadcasterStopTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcaster_stop_timeouts_total",
			Help: "Broadcaster stops that exceeded timeout",
		},
	)
)

// WebSocket Metrics
var (
	// WebSocketConnectionsTotal tracks accepted and rejected upgrades
	WebSocketConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_total",
			Help: "WebSocket connection attempts by result",
		},
		[]string{"result"},
	)

	// WebSocketMessageSendDuration tracks time to write one message
	WebSocketMessageSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_message_send_duration_seconds",
			Help:    "Time to write one message to a WebSocket client",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)

	// WebSocketConnectionDuration tracks subscriber lifetimes
	WebSocketConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_connection_duration_seconds",
			Help:    "Lifetime of WebSocket subscriber connections",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 14400},
		},
	)

	// WebSocketPingFailures tracks failed keepalive pings
	WebSocketPingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_ping_failures_total",
			Help: "Total failed WebSocket ping writes",
		},
	)

	// WebSocketWriteFailures tracks failed message writes
	WebSocketWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_write_failures_total",
			Help: "Total failed WebSocket message writes",
		},
	)
)

// Mirror Metrics
var (
	// MirrorPublishTotal tracks Redis mirror publishes by status
	MirrorPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_publish_total",
			Help: "Deltas mirrored to Redis, by status",
		},
		[]string{"status"},
	)

	// RedisOpsTotal tracks Redis commands issued by the mirror client
	RedisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total Redis operations by command and status",
		},
		[]string{"operation", "status"},
	)

	// RedisOpDuration tracks Redis command latency
	RedisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"operation"},
	)

	// RedisConnectionErrors tracks failed Redis dials
	RedisConnectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redis_connection_errors_total",
			Help: "Total Redis connection errors",
		},
	)

	// CircuitBreakerStateChanges tracks circuit breaker state transitions
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current circuit breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)

// Build Information Metrics
var (
	// BuildInfo exposes the running version as labels
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build information (always 1)",
		},
		[]string{"version", "commit", "go_version"},
	)
)
