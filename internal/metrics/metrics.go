package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetindex_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assetindex_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assetindex_http_requests_in_flight",
			Help: "Number of HTTP requests being served",
		},
	)
)

// Database metrics
var (
	DBQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetindex_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assetindex_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)

	DBTransactionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assetindex_db_transaction_duration_seconds",
			Help:    "Duration of database write transactions in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"result"}, // "commit" or "rollback"
	)

	DBConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assetindex_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	DBSizeBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "assetindex_db_size_bytes",
			Help: "Size of SQLite database files in bytes",
		},
		[]string{"file"}, // "main", "wal", "shm"
	)
)

// Change detector metrics
var (
	SweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetindex_sweeps_total",
			Help: "Total number of reconciliation sweeps by trigger",
		},
		[]string{"trigger"}, // "initial", "periodic", "manual", "gap"
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "assetindex_sweep_duration_seconds",
			Help:    "Duration of reconciliation sweeps in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
	)

	SweepLastTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "assetindex_sweep_last_timestamp",
			Help: "Unix timestamp of the last completed sweep per root",
		},
		[]string{"root"},
	)

	SweepFilesWalked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assetindex_sweep_files_walked_total",
			Help: "Total number of files visited by sweeps",
		},
	)

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetindex_transitions_total",
			Help: "Asset transitions applied by the change detector",
		},
		[]string{"transition", "source"}, // transition: created/modified/moved/absent/touched, source: event/sweep
	)

	WatcherEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetindex_watcher_events_total",
			Help: "Filesystem notification events received by type",
		},
		[]string{"type"},
	)

	WatcherGapsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assetindex_watcher_gaps_total",
			Help: "Notification overflows or errors that require a sweep to heal",
		},
	)

	WatchedDirectories = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assetindex_watched_directories",
			Help: "Number of directories registered with the notification source",
		},
	)

	PendingMoves = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assetindex_pending_moves",
			Help: "Vanished assets waiting in the move reconciliation window",
		},
	)
)

// Hash pipeline metrics
var (
	HashBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetindex_hash_bytes_total",
			Help: "Bytes read by the hash pipeline by tier",
		},
		[]string{"tier"}, // "fast", "content"
	)

	HashDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assetindex_hash_duration_seconds",
			Help:    "Hash computation duration in seconds by tier",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"tier"},
	)

	HashFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetindex_hash_failures_total",
			Help: "Hash pipeline failures by kind",
		},
		[]string{"kind"}, // "io", "hash"
	)

	StaleHashResults = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assetindex_hash_stale_results_total",
			Help: "Hash results discarded because the asset changed or vanished meanwhile",
		},
	)
)

// Blob store metrics
var (
	BlobEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetindex_blob_events_total",
			Help: "Blob store mutations by kind",
		},
		[]string{"kind"}, // "created", "merged", "released", "reclaimable", "purged"
	)
)

// Job scheduler metrics
var (
	JobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetindex_jobs_enqueued_total",
			Help: "Enqueue requests by job kind and outcome",
		},
		[]string{"kind", "outcome"}, // outcome: "inserted", "coalesced", "rerun"
	)

	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetindex_jobs_completed_total",
			Help: "Finished job executions by kind and result",
		},
		[]string{"kind", "result"}, // "succeeded", "retry", "dead", "cancelled"
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assetindex_job_duration_seconds",
			Help:    "Job handler execution time in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
		},
		[]string{"kind"},
	)

	JobsRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "assetindex_jobs_running",
			Help: "Jobs currently executing by kind",
		},
		[]string{"kind"},
	)

	JobWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assetindex_job_workers",
			Help: "Number of job worker goroutines",
		},
	)
)

// Index content gauges, refreshed by the Collector
var (
	IndexAssets = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "assetindex_assets",
			Help: "Assets by state",
		},
		[]string{"state"},
	)

	IndexBlobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "assetindex_blobs",
			Help: "Blobs by status (referenced, reclaimable)",
		},
		[]string{"status"},
	)

	IndexBlobBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assetindex_blob_bytes",
			Help: "Total size of distinct referenced content in bytes",
		},
	)

	IndexJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "assetindex_jobs",
			Help: "Jobs by state",
		},
		[]string{"state"},
	)
)

// Audit log metrics
var (
	AuditRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetindex_audit_records_total",
			Help: "Audit records appended by kind",
		},
		[]string{"kind"},
	)

	AuditSubscriberDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assetindex_audit_subscriber_drops_total",
			Help: "Audit records not delivered to a slow subscriber",
		},
	)
)

// Filesystem metrics
var (
	FilesystemRetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetindex_filesystem_retry_attempts_total",
			Help: "Retried filesystem operations after a stale handle",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetindex_filesystem_retry_failures_total",
			Help: "Filesystem operations that failed after all retries",
		},
		[]string{"operation", "volume"},
	)

	FilesystemOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assetindex_filesystem_operation_duration_seconds",
			Help:    "Filesystem operation duration including retries",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"operation", "volume"},
	)
)

// Memory metrics
var (
	MemoryUsageRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assetindex_memory_usage_ratio",
			Help: "Heap allocation as a ratio of the memory limit",
		},
	)

	MemoryPaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assetindex_memory_paused",
			Help: "Whether job processing is paused for memory pressure (1 = paused)",
		},
	)

	MemoryGCPauses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assetindex_memory_gc_pauses_total",
			Help: "Times job processing was paused for memory pressure",
		},
	)
)

// Application info metric
var (
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "assetindex_app_info",
			Help: "Application build information",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// SetAppInfo sets the application info metric
func SetAppInfo(version, commit, goVersion string) {
	AppInfo.WithLabelValues(version, commit, goVersion).Set(1)
}
