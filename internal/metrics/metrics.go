package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_connections_active",
			Help: "Live authenticated connections",
		},
	)

	IdentitiesOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_identities_online",
			Help: "Identities with at least one live connection",
		},
	)

	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_auth_failures_total",
			Help: "Rejected authentication attempts",
		},
	)

	// Relay metrics
	EventsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_events_sent_total",
			Help: "Outbound events queued to connections",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_events_dropped_total",
			Help: "Outbound events dropped on a full connection buffer",
		},
		[]string{"type"},
	)

	MessagesRelayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_messages_relayed_total",
			Help: "Chat messages accepted for relay",
		},
	)

	PersistFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_persist_failures_total",
			Help: "Failed or dropped writes to the persistence collaborator",
		},
		[]string{"kind", "reason"},
	)

	// Call metrics
	CallsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_calls_open",
			Help: "Call sessions in ringing or active state",
		},
	)

	CallsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_calls_finished_total",
			Help: "Call sessions by terminal state",
		},
		[]string{"state"},
	)

	CallDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hub_call_duration_seconds",
			Help:    "Duration of calls that reached the active state",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	CommandsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_commands_rejected_total",
			Help: "Inbound commands answered with an error event",
		},
		[]string{"command", "code"},
	)
)
