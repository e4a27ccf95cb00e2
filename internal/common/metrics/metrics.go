// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "focus_sessions_started_total",
			Help: "Total number of focus sessions started",
		},
		[]string{"timer_mode"},
	)

	SessionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "focus_sessions_completed_total",
			Help: "Total number of focus sessions completed",
		},
		[]string{"timer_mode"},
	)

	ConflictsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_conflicts_detected_total",
			Help: "Total number of conflicts detected during reconciliation",
		},
		[]string{"type", "severity"},
	)

	ConflictsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_conflicts_resolved_total",
			Help: "Total number of conflicts resolved during reconciliation",
		},
		[]string{"type", "strategy"},
	)

	ReconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "reconcile_pass_duration_seconds",
			Help: "Duration of a full reconciliation pass in seconds",
		},
	)

	ReconcileSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reconcile_passes_skipped_total",
			Help: "Reconciliation passes skipped because the remote side was unreachable",
		},
	)

	StaleSessionsRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "store_stale_sessions_removed_total",
			Help: "Sessions removed by the stale-session sweep",
		},
	)

	CorruptRecordsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "store_corrupt_records_dropped_total",
			Help: "Corrupt session records dropped at the storage boundary",
		},
	)

	ChannelRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channel_requests_total",
			Help: "Message channel requests handled, by type and outcome",
		},
		[]string{"type", "outcome"},
	)
)
