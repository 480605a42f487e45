package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the relay server, exposed on the ops HTTP server.
var (
	PlayersOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_players_online",
		Help: "Current number of admitted player sessions",
	})

	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_total",
		Help: "Total reliable connections accepted",
	})

	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_connections_rejected_total",
		Help: "Connections refused before handshake, by reason",
	}, []string{"reason"})

	KicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_kicks_total",
		Help: "Sessions kicked, by reason",
	}, []string{"reason"})

	BytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_bytes_total",
		Help: "Bytes moved per transport and direction",
	}, []string{"transport", "direction"})

	PacketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_packets_total",
		Help: "Packets moved per transport and direction",
	}, []string{"transport", "direction"})

	BroadcastFanout = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_broadcast_fanout",
		Help:    "Recipients per broadcast",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
	})

	CarsSpawned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_cars_spawned_total",
		Help: "Accepted vehicle spawns",
	})

	CarsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_cars_deleted_total",
		Help: "Vehicle deletions broadcast",
	})

	ChatMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_chat_messages_total",
		Help: "Chat messages relayed",
	})

	ModBytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_mod_bytes_sent_total",
		Help: "Mod archive bytes streamed to clients",
	})

	ModUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_mod_uploads_total",
		Help: "Mod upload attempts, by outcome",
	}, []string{"outcome"})

	TicksPerSecond = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_ticks_per_second",
		Help: "Measured scheduler TPS over the 2s window",
	})

	HeartbeatFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_heartbeat_failures_total",
		Help: "Directory heartbeat attempts that failed on every mirror",
	})

	EventHandlerErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_event_handler_errors_total",
		Help: "Event-bus subscriber failures",
	})
)
