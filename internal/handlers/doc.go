// Package handlers provides the HTTP API of the index.
//
// It includes handlers for:
//   - Blob lookup, duplicate and reclaimable listings, and cached previews
//   - Asset lookup by id or path, with pending jobs and audit history
//   - Forced rehashes and rescans
//   - Job statistics, dead jobs and retries
//   - Audit log paging and a live server-sent event stream
//   - Health checks, version and metrics
package handlers
