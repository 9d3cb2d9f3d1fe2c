// Package startup handles application initialization, configuration loading,
// and startup/shutdown logging.
//
// # Configuration
//
// [LoadConfig] starts from [DefaultConfig], applies the optional YAML file
// named by CONFIG_FILE, then the environment. Environment variables win:
//
//   - INDEX_ROOTS: colon-separated directories to index (default: /data)
//   - CACHE_DIR: directory for previews (default: /cache)
//   - DATABASE_DIR: directory for index.db and index.lock (default: /database)
//   - PORT: HTTP server port (default: 8080)
//   - SWEEP_INTERVAL: periodic sweep interval as Go duration (default: 30m, 0 disables)
//   - MOVE_WINDOW: how long a vanished file waits for its move target (default: 2s)
//   - IGNORE_PATTERNS: comma-separated gitignore-style patterns
//   - JOB_WORKERS: job worker count (default: derived from CPUs)
//   - JOB_MAX_ATTEMPTS, JOB_RETRY_INITIAL, JOB_RETRY_MAX, JOB_RETENTION
//   - WATCH_ENABLED, PREVIEWS_ENABLED, SIMILARITY_ENABLED, CONTAINERS_ENABLED
//   - PREVIEW_VIPS: decode formats the Go decoders lack (HEIC, AVIF, TIFF)
//     with libvips (default: false)
//   - LOG_LEVEL: debug, info, warn, error (default: info)
//   - LOG_HEALTH_CHECKS: log health check requests (default: true)
//
// The YAML file uses camelCase keys (roots, sweepInterval, jobWorkers, ...)
// and may also map mount points to volume labels under volumes.
//
// # Directory Setup
//
//   - Database directory: required, must be writable
//   - Cache directory: optional, previews are disabled when not writable
//   - Roots: checked but not created (they should be mounted)
//
// # Build Information
//
// Build-time variables are injected via ldflags and exposed via [GetBuildInfo].
//
// # Lifecycle Logging
//
//   - [LogDatabaseInit]: database initialization timing
//   - [LogMemoryConfig]: memory limit configuration
//   - [LogIndexerInit]: roots, sweep interval and move window
//   - [LogHTTPRoutes]: registered HTTP routes (debug level)
//   - [LogServerStarted]: server endpoints and startup duration
//   - [LogShutdownInitiated], [LogShutdownComplete]: graceful shutdown
package startup
