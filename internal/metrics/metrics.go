// Package metrics registers the broker's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the broker.
type Metrics struct {
	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec

	// Message metrics
	MessagesReceived *prometheus.CounterVec
	MessagesRouted   *prometheus.CounterVec
	RoutingDuration  *prometheus.HistogramVec
	RoutingErrors    *prometheus.CounterVec

	// Command metrics
	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec

	// Inspection metrics
	InspectionDecisions *prometheus.CounterVec

	// Storage metrics
	StorageOperations *prometheus.CounterVec
	StorageDegraded   prometheus.Gauge

	// Operator metrics
	OperatorsActive *prometheus.GaugeVec
	TasksDispatched *prometheus.CounterVec
	TaskWindowWins  *prometheus.CounterVec

	// Rate limiting
	RateLimited *prometheus.CounterVec
}

// New creates and registers all broker metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		ConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "arqonbus_connections_active",
				Help: "Currently connected WebSocket clients",
			},
		),

		ConnectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arqonbus_connections_total",
				Help: "Total connection attempts by outcome",
			},
			[]string{"outcome"}, // accepted, rejected_auth, rejected_limit
		),

		MessagesReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arqonbus_messages_received_total",
				Help: "Inbound envelopes by type",
			},
			[]string{"type"},
		),

		MessagesRouted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arqonbus_messages_routed_total",
				Help: "Envelopes delivered by destination kind",
			},
			[]string{"destination"}, // direct, channel, room, global
		),

		RoutingDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arqonbus_routing_duration_seconds",
				Help:    "Time from decode to delivery",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"type"},
		),

		RoutingErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arqonbus_routing_errors_total",
				Help: "Routing failures by error code",
			},
			[]string{"error_code"},
		),

		CommandsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arqonbus_commands_total",
				Help: "Command executions by name and status",
			},
			[]string{"command", "status"},
		),

		CommandDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arqonbus_command_duration_seconds",
				Help:    "Command execution time",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"command"},
		),

		InspectionDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arqonbus_inspection_decisions_total",
				Help: "Inline inspection outcomes",
			},
			[]string{"decision", "reason"},
		),

		StorageOperations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arqonbus_storage_operations_total",
				Help: "Storage operations by backend and outcome",
			},
			[]string{"backend", "operation", "outcome"},
		),

		StorageDegraded: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "arqonbus_storage_degraded",
				Help: "Whether history is served from the memory fallback (1) or the configured backend (0)",
			},
		),

		OperatorsActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "arqonbus_operators_active",
				Help: "Registered operators per capability group",
			},
			[]string{"group"},
		),

		TasksDispatched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arqonbus_tasks_dispatched_total",
				Help: "Tasks dispatched to operators by group and strategy",
			},
			[]string{"group", "strategy"},
		),

		TaskWindowWins: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arqonbus_task_window_results_total",
				Help: "Competing dispatch outcomes",
			},
			[]string{"outcome"}, // winner, no_winner
		),

		RateLimited: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arqonbus_rate_limited_total",
				Help: "Messages rejected by the per-client rate limiter",
			},
			[]string{"client_id"},
		),
	}
}

// RecordRouted records one routed envelope.
func (m *Metrics) RecordRouted(msgType, destination string, seconds float64) {
	m.MessagesRouted.WithLabelValues(destination).Inc()
	m.RoutingDuration.WithLabelValues(msgType).Observe(seconds)
}

// RecordCommand records one command execution.
func (m *Metrics) RecordCommand(command, status string, seconds float64) {
	m.CommandsTotal.WithLabelValues(command, status).Inc()
	m.CommandDuration.WithLabelValues(command).Observe(seconds)
}

// RecordInspection records one inspection decision.
func (m *Metrics) RecordInspection(decision, reason string) {
	m.InspectionDecisions.WithLabelValues(decision, reason).Inc()
}

// RecordStorage records one storage operation outcome.
func (m *Metrics) RecordStorage(backend, operation string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.StorageOperations.WithLabelValues(backend, operation, outcome).Inc()
}

// SetDegraded flips the degraded-storage gauge.
func (m *Metrics) SetDegraded(degraded bool) {
	v := 0.0
	if degraded {
		v = 1.0
	}
	m.StorageDegraded.Set(v)
}
