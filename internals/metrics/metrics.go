package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Relay
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_rooms_total",
		Help: "Number of active rooms",
	})

	ActiveParticipants = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_participants_total",
		Help: "Number of participants across all rooms",
	})

	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_received_total",
		Help: "Messages received by the relay, by type",
	}, []string{"type"})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_sent_total",
		Help: "Messages sent by the relay",
	})

	SignalsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_signals_dropped_total",
		Help: "Directed signaling messages dropped because the target left",
	})

	JoinsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_joins_rejected_total",
		Help: "Join attempts rejected, by reason",
	}, []string{"reason"})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_rate_limited_total",
		Help: "Signaling messages rejected by the per-client rate limiter",
	})

	// Peer mesh (client side)
	MeshConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_connections_active",
		Help: "Number of active peer connections in the local mesh",
	})

	NegotiationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_negotiations_total",
		Help: "Total offer/answer negotiation cycles",
	})

	ICERestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_ice_restarts_total",
		Help: "Total automatic ICE restarts",
	})

	ConnectionFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_connection_failures_total",
		Help: "Peer connections that failed terminally",
	})

	// Client relay transport
	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_reconnects_total",
		Help: "Relay transport reconnect attempts",
	})

	OutboundDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_outbound_dropped_total",
		Help: "Outbound messages dropped because the send queue was full",
	})

	// Messaging
	ChatMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Chat messages sent through the relay",
	})

	ReactionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_reactions_total",
		Help: "Emoji reactions sent through the relay",
	})
)

// Helper functions

func RecordMessageReceived(msgType string) {
	MessagesReceived.WithLabelValues(msgType).Inc()
}

func RecordJoinRejected(reason string) {
	JoinsRejected.WithLabelValues(reason).Inc()
}

func RecordICERestart() {
	ICERestartsTotal.Inc()
}

func RecordConnectionFailure() {
	ConnectionFailuresTotal.Inc()
}
