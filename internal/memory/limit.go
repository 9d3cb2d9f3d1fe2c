package memory

import (
	"os"
	"runtime/debug"
	"strconv"

	"assetindex/internal/logging"
)

// DefaultMemoryRatio is the share of the container limit given to the Go
// heap when only MEMORY_LIMIT is known.
const DefaultMemoryRatio = 0.85

// LimitSource says where the Go memory limit came from.
type LimitSource string

const (
	SourceGOMEMLIMIT  LimitSource = "GOMEMLIMIT"
	SourceMemoryLimit LimitSource = "MEMORY_LIMIT"
	SourceNone        LimitSource = "none"
)

// ApplyLimitFromEnv sets the Go memory limit from the environment and
// returns the limit in effect (0 when none):
//
//   - GOMEMLIMIT: honored as-is by the runtime
//   - MEMORY_LIMIT: container limit in bytes (Kubernetes Downward API)
//   - MEMORY_RATIO: share of MEMORY_LIMIT for the heap, default 0.85
//
// Call it early in main, before large allocations.
func ApplyLimitFromEnv() (int64, LimitSource) {
	return applyLimit(os.Getenv)
}

func applyLimit(getenv func(string) string) (int64, LimitSource) {
	if v := getenv("GOMEMLIMIT"); v != "" {
		logging.Info("GOMEMLIMIT set via environment: %s", v)
		if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < 1<<62 {
			return limit, SourceGOMEMLIMIT
		}
		return 0, SourceGOMEMLIMIT
	}

	raw := getenv("MEMORY_LIMIT")
	if raw == "" {
		return 0, SourceNone
	}
	containerLimit, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || containerLimit <= 0 {
		logging.Warn("Ignoring invalid MEMORY_LIMIT %q", raw)
		return 0, SourceNone
	}

	ratio := DefaultMemoryRatio
	if rs := getenv("MEMORY_RATIO"); rs != "" {
		parsed, err := strconv.ParseFloat(rs, 64)
		if err == nil && parsed > 0 && parsed <= 1 {
			ratio = parsed
		} else {
			logging.Warn("Ignoring invalid MEMORY_RATIO %q, using %.2f", rs, DefaultMemoryRatio)
		}
	}

	limit := int64(float64(containerLimit) * ratio)
	debug.SetMemoryLimit(limit)
	logging.Info("Configured GOMEMLIMIT: %s (%.0f%% of %s container limit)",
		formatBytes(limit), ratio*100, formatBytes(containerLimit))
	return limit, SourceMemoryLimit
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return strconv.FormatInt(b, 10) + " B"
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return strconv.FormatFloat(float64(b)/float64(div), 'f', 1, 64) + " " + string("KMGTPE"[exp]) + "iB"
}
