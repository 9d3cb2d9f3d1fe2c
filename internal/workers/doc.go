// Package workers sizes worker pools from GOMAXPROCS.
//
// GOMAXPROCS already reflects container CPU quotas, so pools scale with the
// CPU the process may actually use. I/O-bound pools run two workers per
// core; CPU-bound pools one. Operators override either through an
// environment variable (JOB_WORKERS, SWEEP_WORKERS).
package workers
