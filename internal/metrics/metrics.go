// Package metrics exposes the pairing engine counters on the default
// prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ReconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairing_reconcile_total",
			Help: "Reconcile calls by update source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	SessionsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairing_sessions_created_total",
			Help: "Pairing sessions created, by initial status.",
		},
		[]string{"status"},
	)

	CreationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairing_creation_failures_total",
			Help: "Failed createSession calls by error code.",
		},
		[]string{"code"},
	)

	SetupTaskFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairing_setup_task_failures_total",
			Help: "Best-effort setup calls that failed after creation.",
		},
		[]string{"task"},
	)

	CleanupTaskFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairing_cleanup_task_failures_total",
			Help: "Best-effort remote cleanup calls that failed.",
		},
		[]string{"task"},
	)

	SessionsCleanedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairing_sessions_cleaned_total",
			Help: "Local pairing rows removed by cleanup, by reason.",
		},
		[]string{"reason"},
	)

	ChannelsConnectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pairing_channels_connected_total",
			Help: "ChannelConnected events emitted.",
		},
	)

	ActiveAttempts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pairing_active_attempts",
			Help: "Pairing attempts currently polling and subscribed.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ReconcileTotal,
		SessionsCreatedTotal,
		CreationFailuresTotal,
		SetupTaskFailuresTotal,
		CleanupTaskFailuresTotal,
		SessionsCleanedTotal,
		ChannelsConnectedTotal,
		ActiveAttempts,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
