package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the multiplayer session server.
//
// Naming convention: namespace_subsystem_name
// - namespace: linkplay (application-level grouping)
// - subsystem: tcp, room, command, upstream, federation, web
//
// Metric Types:
// - Gauge: Current state (connections, sessions, rooms, peers)
// - Counter: Cumulative events (commands processed, broadcasts, errors)
// - Histogram: Latency distributions (command handling, upstream calls)

var (
	// ActiveConnections tracks currently open TCP game connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "linkplay",
		Subsystem: "tcp",
		Name:      "connections_active",
		Help:      "Current number of open game client connections",
	})

	// ActiveSessions tracks authenticated sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "linkplay",
		Subsystem: "tcp",
		Name:      "sessions_active",
		Help:      "Current number of authenticated sessions",
	})

	// ActiveRooms tracks locally owned rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "linkplay",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of locally owned rooms",
	})

	// RoomPlayers tracks member count per room.
	RoomPlayers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "linkplay",
		Subsystem: "room",
		Name:      "players_count",
		Help:      "Number of members in each room",
	}, []string{"room_id"})

	// CommandsProcessed counts decoded client commands by opcode and outcome.
	CommandsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linkplay",
		Subsystem: "command",
		Name:      "processed_total",
		Help:      "Total client commands processed",
	}, []string{"command", "status"})

	// CommandDuration tracks command handling latency.
	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "linkplay",
		Subsystem: "command",
		Name:      "handling_seconds",
		Help:      "Time spent handling one client command",
		Buckets:   prometheus.DefBuckets,
	}, []string{"command"})

	// BroadcastsSent counts per-recipient room broadcast sends.
	BroadcastsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "linkplay",
		Subsystem: "room",
		Name:      "broadcasts_total",
		Help:      "Total per-recipient room broadcast sends",
	})

	// GamesFinished counts completed games.
	GamesFinished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "linkplay",
		Subsystem: "room",
		Name:      "games_finished_total",
		Help:      "Total games that reached the game-end path",
	})

	// UpstreamRequests counts identity/chart service calls by endpoint and status.
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linkplay",
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Total requests to the identity and chart services",
	}, []string{"endpoint", "status"})

	// FederationPeers tracks known peers by status.
	FederationPeers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "linkplay",
		Subsystem: "federation",
		Name:      "peers",
		Help:      "Known federation peers by status",
	}, []string{"status"})

	// FederationCalls counts outbound federation HTTP calls.
	FederationCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linkplay",
		Subsystem: "federation",
		Name:      "calls_total",
		Help:      "Total outbound federation HTTP calls",
	}, []string{"endpoint", "status"})

	// RemoteRooms tracks federated catalog entries per peer.
	RemoteRooms = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "linkplay",
		Subsystem: "federation",
		Name:      "remote_rooms",
		Help:      "Federated room catalog entries per peer",
	}, []string{"node_id"})

	// WebSocketClients tracks web-bridge spectator connections.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "linkplay",
		Subsystem: "web",
		Name:      "ws_clients_active",
		Help:      "Current number of web bridge WebSocket clients",
	})

	// AdminActions counts admin endpoint mutations.
	AdminActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linkplay",
		Subsystem: "web",
		Name:      "admin_actions_total",
		Help:      "Total admin mutations by action and status",
	}, []string{"action", "status"})

	// CircuitBreakerState exposes breaker state per upstream (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "linkplay",
		Subsystem: "upstream",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per upstream (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})

	// CircuitBreakerFailures counts calls rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linkplay",
		Subsystem: "upstream",
		Name:      "circuit_breaker_failures_total",
		Help:      "Calls rejected because a circuit breaker was open",
	}, []string{"name"})

	// RateLimitRequests counts requests that passed a rate limit check.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linkplay",
		Subsystem: "web",
		Name:      "ratelimit_requests_total",
		Help:      "Requests that passed a rate limit check",
	}, []string{"route"})

	// RateLimitExceeded counts requests rejected by a rate limit.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linkplay",
		Subsystem: "web",
		Name:      "ratelimit_exceeded_total",
		Help:      "Requests rejected by a rate limit",
	}, []string{"route", "kind"})
)
