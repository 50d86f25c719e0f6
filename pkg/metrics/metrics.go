package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the CI server.
// Using promauto for automatic registration with default registry.
var (
	// --- Job Metrics ---

	// JobsSubmitted counts accepted submissions.
	JobsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ciserver",
			Subsystem: "jobs",
			Name:      "submitted_total",
			Help:      "Total number of jobs accepted by the engine",
		},
	)

	// JobsRejected counts submissions refused by the engine.
	JobsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ciserver",
			Subsystem: "jobs",
			Name:      "rejected_total",
			Help:      "Total number of submissions refused, by reason",
		},
		[]string{"reason"},
	)

	// JobsFinished counts jobs by terminal status.
	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ciserver",
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Total number of jobs by terminal status",
		},
		[]string{"status"},
	)

	// JobDuration tracks wall time from running to terminal.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ciserver",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Duration of jobs in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15), // 0.1s to ~1.8h
		},
		[]string{"status", "project"},
	)

	// JobsRunning tracks jobs currently held by a worker.
	JobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ciserver",
			Subsystem: "executor",
			Name:      "jobs_running",
			Help:      "Number of jobs currently executing",
		},
	)

	// QueueDepth tracks jobs waiting for a worker.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ciserver",
			Subsystem: "queue",
			Name:      "pending_jobs",
			Help:      "Number of jobs waiting for a worker",
		},
	)

	// Workers is the configured pool size.
	Workers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ciserver",
			Subsystem: "executor",
			Name:      "workers",
			Help:      "Number of worker goroutines",
		},
	)

	// --- Command Metrics ---

	// CommandsTotal counts executed commands by outcome.
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ciserver",
			Subsystem: "commands",
			Name:      "total",
			Help:      "Total number of commands executed by outcome",
		},
		[]string{"outcome"},
	)

	// CommandDuration tracks single command duration.
	CommandDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ciserver",
			Subsystem: "commands",
			Name:      "duration_seconds",
			Help:      "Duration of commands in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 18),
		},
	)

	// OutputLines counts emitted output lines.
	OutputLines = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ciserver",
			Subsystem: "commands",
			Name:      "output_lines_total",
			Help:      "Total number of non-empty output lines emitted",
		},
	)

	// --- Clone Metrics ---

	// ClonesTotal counts clone attempts by result.
	ClonesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ciserver",
			Subsystem: "vcs",
			Name:      "clones_total",
			Help:      "Total number of clone attempts by result",
		},
		[]string{"result"},
	)

	// CloneDuration tracks clone duration.
	CloneDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ciserver",
			Subsystem: "vcs",
			Name:      "clone_duration_seconds",
			Help:      "Duration of shallow clones in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	// --- Persistence Metrics ---

	// PersistenceErrors counts failed fire-and-forget writes.
	PersistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ciserver",
			Subsystem: "storage",
			Name:      "write_errors_total",
			Help:      "Total number of failed engine writes by operation",
		},
		[]string{"op"},
	)

	// CircuitState reports breaker state (0 closed, 1 open, 2 half-open).
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ciserver",
			Subsystem: "storage",
			Name:      "circuit_state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		},
		[]string{"name"},
	)

	// LogsArchived counts log archive uploads by result.
	LogsArchived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ciserver",
			Subsystem: "storage",
			Name:      "logs_archived_total",
			Help:      "Total number of job log archives by result",
		},
		[]string{"result"},
	)

	// --- Maintenance Metrics ---

	// WorkspacesSwept counts orphaned workspace directories removed.
	WorkspacesSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ciserver",
			Subsystem: "workspace",
			Name:      "swept_total",
			Help:      "Total number of orphaned workspaces removed",
		},
	)

	// OrphansReconciled counts jobs repaired at startup.
	OrphansReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ciserver",
			Subsystem: "executor",
			Name:      "reconciled_total",
			Help:      "Total number of persisted jobs repaired at startup by action",
		},
		[]string{"action"},
	)
)

// RecordJob records metrics for a finished job.
func RecordJob(status, project string, durationSeconds float64) {
	JobsFinished.WithLabelValues(status).Inc()
	JobDuration.WithLabelValues(status, project).Observe(durationSeconds)
}

// RecordCommand records metrics for one executed command.
func RecordCommand(outcome string, durationSeconds float64, lines int) {
	CommandsTotal.WithLabelValues(outcome).Inc()
	CommandDuration.Observe(durationSeconds)
	OutputLines.Add(float64(lines))
}

// RecordClone records a clone attempt.
func RecordClone(err error, durationSeconds float64) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	ClonesTotal.WithLabelValues(result).Inc()
	CloneDuration.Observe(durationSeconds)
}
