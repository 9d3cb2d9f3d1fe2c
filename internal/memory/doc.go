// Package memory applies backpressure to background jobs under memory
// pressure.
//
// ApplyLimitFromEnv derives GOMEMLIMIT from the container limit. A Monitor
// samples heap usage against that limit; above the pause watermark job
// workers block in WaitIfPaused until usage falls below the resume
// watermark. Filesystem events and sweeps are never paused, so the index
// keeps tracking paths while deferred work catches up later.
package memory
