package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	PacketsUploadedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novahub_packets_uploaded_total",
			Help: "Packets accepted by the ingress boundary.",
		},
		[]string{"league_key"},
	)

	PacketsDownloadedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novahub_packets_downloaded_total",
			Help: "Packets served by the egress boundary.",
		},
		[]string{"league_key"},
	)

	IngressRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novahub_ingress_rejected_total",
			Help: "Upload/download requests rejected, by reason.",
		},
		[]string{"reason"},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "novahub_db_write_duration_seconds",
			Help:    "Catalog write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"entity", "op"},
	)

	DBRowsAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novahub_db_rows_affected_total",
			Help: "Catalog rows written.",
		},
		[]string{"entity", "op"},
	)

	BatchRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novahub_batch_runs_total",
			Help: "Completed processing runs, by terminal status.",
		},
		[]string{"status"},
	)

	BatchRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "novahub_batch_run_duration_seconds",
			Help:    "Wall-clock duration of a processing run.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"game"},
	)

	CommandRunnerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "novahub_command_runner_duration_seconds",
			Help:    "Sandboxed DOS command execution latency.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"command_key", "status"},
	)

	SequenceAlertsOpenTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "novahub_sequence_alerts_open",
			Help: "Currently unresolved sequence alerts.",
		},
		[]string{"league_key"},
	)

	SequenceAlertsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novahub_sequence_alerts_created_total",
			Help: "Sequence alerts created.",
		},
		[]string{"league_key"},
	)

	EventBusDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novahub_eventbus_dropped_total",
			Help: "Subscribers deregistered after a failed best-effort send.",
		},
		[]string{"channel"},
	)

	WatcherEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novahub_watcher_events_total",
			Help: "Directory watcher CREATE events handled, by outcome.",
		},
		[]string{"outcome"},
	)
)

var registerOnce sync.Once

// Register is idempotent: repeated calls (e.g. from tests that share
// the default registry) do not panic on duplicate registration.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			PacketsUploadedTotal,
			PacketsDownloadedTotal,
			IngressRejectedTotal,
			DBWriteDuration,
			DBRowsAffectedTotal,
			BatchRunsTotal,
			BatchRunDuration,
			CommandRunnerDuration,
			SequenceAlertsOpenTotal,
			SequenceAlertsCreatedTotal,
			EventBusDroppedTotal,
			WatcherEventsTotal,
		)
	})
}
