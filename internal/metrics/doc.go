// Package metrics provides Prometheus instrumentation for the asset index.
//
// All metrics are registered with the default registry through promauto and
// prefixed with "assetindex_". Mount promhttp.Handler() to expose them.
//
// # Metric Categories
//
//   - HTTP: request counts and latency of the read/maintenance API
//   - Database: query counts, latency, transaction duration, file sizes
//   - Change detector: sweeps, transitions by source, watcher events and gaps,
//     vanished assets waiting in the move window
//   - Hash pipeline: bytes read and latency per tier, failures, stale results
//   - Blob store: created/merged/released/reclaimable/purged events
//   - Job scheduler: enqueue outcomes, completions, running jobs, durations
//   - Index gauges: assets by state, blobs by status, jobs by state
//   - Audit log: appended records, subscriber drops
//   - Filesystem and memory pressure
//
// # Collector
//
// [Collector] periodically reads a [StatsProvider] and refreshes the index
// gauges, plus the database file sizes:
//
//	collector := metrics.NewCollector(provider, dbPath, time.Minute)
//	collector.Start()
//	defer collector.Stop()
//
// # Prometheus Queries
//
// Dedup ratio (physical assets per distinct blob):
//
//	sum(assetindex_assets{state!="absent"}) / assetindex_blobs{status="referenced"}
//
// Dead-letter rate by kind:
//
//	sum(rate(assetindex_jobs_completed_total{result="dead"}[1h])) by (kind)
//
// Share of transitions healed by sweeps rather than events:
//
//	sum(rate(assetindex_transitions_total{source="sweep"}[1h])) /
//	sum(rate(assetindex_transitions_total[1h]))
package metrics
