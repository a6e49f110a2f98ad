// Package metrics defines Prometheus metrics for ha-sync.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Connected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ha_sync_connected",
			Help: "1 while the hub session is authenticated",
		},
	)

	ErrorStreak = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ha_sync_error_streak",
			Help: "Consecutive websocket connect errors",
		},
	)

	RXQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ha_sync_rx_queue_depth",
			Help: "Reassembled messages waiting for the worker",
		},
	)

	BudgetLevel = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ha_sync_budget_level",
			Help: "Background budget level (0 normal, 1 pressure, 2 protect, 3 critical)",
		},
	)

	ReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ha_sync_reconnects_total",
			Help: "Websocket restarts by reason",
		},
		[]string{"reason"},
	)

	RecoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ha_sync_recoveries_total",
			Help: "Forced link recoveries by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)

	RXDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ha_sync_rx_dropped_total",
			Help: "Inbound messages dropped by reason",
		},
		[]string{"reason"},
	)

	SyncStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ha_sync_sync_steps_total",
			Help: "Sync steps by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)

	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ha_sync_commands_total",
			Help: "Service calls by path and outcome",
		},
		[]string{"path", "outcome"},
	)

	NotificationsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ha_sync_notifications_dropped_total",
			Help: "Outbound notifications dropped because the consumer fell behind",
		},
	)
)

func init() {
	prometheus.MustRegister(
		Connected,
		ErrorStreak,
		RXQueueDepth,
		BudgetLevel,
		ReconnectsTotal,
		RecoveriesTotal,
		RXDroppedTotal,
		SyncStepsTotal,
		CommandsTotal,
		NotificationsDroppedTotal,
	)
}
