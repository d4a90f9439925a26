package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the realtime core.
//
// Naming convention: namespace_subsystem_name
// - namespace: concord (application-level grouping)
// - subsystem: gateway, presence, voice, bus (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, participants)
// - Counter: Cumulative events (frames processed, drops, errors)
// - Histogram: Latency distributions (frame processing time)

var (
	// ActiveSessions tracks the current number of live gateway sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "concord",
		Subsystem: "gateway",
		Name:      "sessions_active",
		Help:      "Current number of active WebSocket sessions",
	})

	// GatewayFrames counts inbound client frames by kind and outcome.
	GatewayFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "concord",
		Subsystem: "gateway",
		Name:      "frames_total",
		Help:      "Total client frames processed",
	}, []string{"kind", "status"})

	// FrameProcessingDuration tracks time spent handling inbound frames.
	FrameProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "concord",
		Subsystem: "gateway",
		Name:      "frame_processing_seconds",
		Help:      "Time spent processing client frames",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"kind"})

	// DroppedFrames counts outbound frames dropped on full session buffers.
	DroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "concord",
		Subsystem: "gateway",
		Name:      "frames_dropped_total",
		Help:      "Outbound frames dropped due to slow consumers",
	})

	// SlowConsumerCloses counts sessions closed for persistent buffer saturation.
	SlowConsumerCloses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "concord",
		Subsystem: "gateway",
		Name:      "slow_consumer_closes_total",
		Help:      "Sessions closed due to persistent outbound buffer saturation",
	})

	// BusDeliveries counts bus messages delivered to local sessions per topic class.
	BusDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "concord",
		Subsystem: "bus",
		Name:      "deliveries_total",
		Help:      "Bus messages fanned out to local sessions",
	}, []string{"topic_class"})

	// BusReconnects counts subscriber reconnect attempts.
	BusReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "concord",
		Subsystem: "bus",
		Name:      "reconnects_total",
		Help:      "Subscriber reconnect attempts",
	})

	// PresenceTransitions counts presence state transitions by target status.
	PresenceTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "concord",
		Subsystem: "presence",
		Name:      "transitions_total",
		Help:      "Presence state transitions",
	}, []string{"status"})

	// ActiveVoiceRooms tracks the current number of active voice rooms.
	ActiveVoiceRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "concord",
		Subsystem: "voice",
		Name:      "rooms_active",
		Help:      "Current number of active voice rooms",
	})

	// VoiceParticipants tracks the number of participants in each voice room.
	VoiceParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "concord",
		Subsystem: "voice",
		Name:      "participants_count",
		Help:      "Number of participants in each voice room",
	}, []string{"room_key"})

	// RateLimitRequests counts requests passing through rate-limited paths.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "concord",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Requests checked against a rate limit",
	}, []string{"endpoint"})

	// RateLimitExceeded counts rejected requests by endpoint and limit type.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "concord",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests rejected by a rate limit",
	}, []string{"endpoint", "limit_type"})

	// CircuitBreakerState exposes breaker state per dependency (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "concord",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"dependency"})

	// CircuitBreakerFailures counts calls rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "concord",
		Subsystem: "breaker",
		Name:      "failures_total",
		Help:      "Calls rejected by an open circuit breaker",
	}, []string{"dependency"})
)

func IncSession() {
	ActiveSessions.Inc()
}

func DecSession() {
	ActiveSessions.Dec()
}
