package workers

import (
	"os"
	"runtime"
	"strconv"

	"assetindex/internal/logging"
)

// Environment variables that override computed pool sizes.
const (
	EnvJobWorkers   = "JOB_WORKERS"
	EnvSweepWorkers = "SWEEP_WORKERS"
)

// Count returns a pool size of GOMAXPROCS * multiplier, capped at limit when
// limit > 0 and never below 1. A positive integer in envVar wins outright.
func Count(envVar string, multiplier float64, limit int) int {
	if envVar != "" {
		if v := os.Getenv(envVar); v != "" {
			n, err := strconv.Atoi(v)
			if err == nil && n > 0 {
				logging.Debug("Using %s=%d", envVar, n)
				return n
			}
			logging.Warn("Ignoring invalid %s value %q", envVar, v)
		}
	}

	n := int(float64(runtime.GOMAXPROCS(0)) * multiplier)
	if limit > 0 && n > limit {
		n = limit
	}
	if n < 1 {
		n = 1
	}
	return n
}

// ForIO sizes a pool for work dominated by file reads: hashing, walking and
// archive extraction.
func ForIO(envVar string, limit int) int {
	return Count(envVar, 2.0, limit)
}

// ForCPU sizes a pool for decode-heavy work such as preview generation.
func ForCPU(envVar string, limit int) int {
	return Count(envVar, 1.0, limit)
}
