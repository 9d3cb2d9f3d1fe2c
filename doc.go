// Package main provides the entry point for the assetindex daemon.
//
// assetindex keeps a content-addressable index of the files under one or
// more roots. Every distinct content is one blob; every path holding it is
// an asset. The daemon reconciles the index with the filesystem as files
// are created, modified, moved and deleted, and records every change in an
// append-only audit log.
//
// # Application Lifecycle
//
//  1. Memory Configuration: Sets GOMEMLIMIT from MEMORY_LIMIT or the cgroup limit
//  2. Configuration Loading: Reads environment variables and an optional YAML file
//  3. Single Instance Lock: Takes an exclusive lock next to the database
//  4. Database Initialization: Opens SQLite and runs migrations
//  5. Component Initialization:
//     - Blob store, checked for duplicate content rows (fatal)
//     - Job scheduler with hash, container, preview and similarity handlers
//     - Change detector with one ordered loop per root
//     - Metrics collector for the index gauges
//  6. HTTP Server Setup: Routes, logging, metrics and compression middleware
//  7. Graceful Shutdown: SIGINT/SIGTERM stop the server, detector and scheduler
//
// # Environment Variables
//
//   - INDEX_ROOTS: Comma separated directories to index (default: /data)
//   - DATABASE_DIR: Directory for the SQLite database and lock file
//   - CACHE_DIR: Directory for previews
//   - PORT: HTTP server port (default: 8080)
//   - SWEEP_INTERVAL: Time between full sweeps of each root (default: 30m)
//   - MOVE_WINDOW: How long a vanished file waits for a matching appearance
//   - JOB_WORKERS, JOB_MAX_ATTEMPTS, JOB_RETRY_INITIAL, JOB_RETRY_MAX, JOB_RETENTION
//   - WATCH_ENABLED, PREVIEWS_ENABLED, SIMILARITY_ENABLED, CONTAINERS_ENABLED
//   - CONFIG_FILE: YAML file applied before the environment
//   - LOG_LEVEL: Logging level (debug/info/warn/error)
//
// # Related Packages
//
//   - [assetindex/internal/assets]: Asset tracker
//   - [assetindex/internal/blobstore]: Content identities and reference counts
//   - [assetindex/internal/indexer]: Change detector and job handlers
//   - [assetindex/internal/jobs]: Persistent job scheduler
//   - [assetindex/internal/audit]: Append-only audit log
//   - [assetindex/internal/handlers]: HTTP API
package main
