package filesystem

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"

	"assetindex/internal/logging"
)

// RetryConfig configures retry behavior for filesystem operations on
// network mounts.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// VolumeResolver overrides the package-level resolver when set.
	VolumeResolver *VolumeResolver
}

// DefaultRetryConfig returns defaults suited to NFS stale handles.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
	}
}

func (c *RetryConfig) resolveVolume(path string) string {
	if c.VolumeResolver != nil {
		return c.VolumeResolver.Resolve(path)
	}
	return defaultResolver.Resolve(path)
}

// IsStale reports whether err is a stale file handle (ESTALE).
func IsStale(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.ESTALE
	}
	return false
}

func withRetry[T any](ctx context.Context, op, path string, config RetryConfig, fn func() (T, error)) (T, error) {
	start := time.Now()
	volume := config.resolveVolume(path)
	obs := defaultObserver

	result, err := retry.DoWithData(fn,
		retry.Attempts(uint(config.MaxRetries)+1),
		retry.Delay(config.InitialBackoff),
		retry.MaxDelay(config.MaxBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsStale),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logging.Debug("%s stale file handle for %s, retrying (attempt %d/%d)", op, path, n+1, config.MaxRetries)
			if obs != nil {
				obs.ObserveRetryAttempt(op, volume)
			}
		}),
	)

	if obs != nil {
		obs.ObserveOperation(op, volume, time.Since(start).Seconds())
	}
	if err != nil && IsStale(err) {
		logging.Warn("%s failed after %d retries for %s: %v", op, config.MaxRetries, path, err)
		if obs != nil {
			obs.ObserveRetryFailure(op, volume)
		}
	}
	return result, err
}

// StatWithRetry performs os.Stat, retrying stale file handle errors.
func StatWithRetry(ctx context.Context, path string, config RetryConfig) (os.FileInfo, error) {
	return withRetry(ctx, "stat", path, config, func() (os.FileInfo, error) {
		return os.Stat(path)
	})
}

// LstatWithRetry performs os.Lstat, retrying stale file handle errors.
func LstatWithRetry(ctx context.Context, path string, config RetryConfig) (os.FileInfo, error) {
	return withRetry(ctx, "lstat", path, config, func() (os.FileInfo, error) {
		return os.Lstat(path)
	})
}

// OpenWithRetry performs os.Open, retrying stale file handle errors.
func OpenWithRetry(ctx context.Context, path string, config RetryConfig) (*os.File, error) {
	return withRetry(ctx, "open", path, config, func() (*os.File, error) {
		return os.Open(path)
	})
}

// ReadDirWithRetry performs os.ReadDir, retrying stale file handle errors.
func ReadDirWithRetry(ctx context.Context, path string, config RetryConfig) ([]os.DirEntry, error) {
	return withRetry(ctx, "readdir", path, config, func() ([]os.DirEntry, error) {
		return os.ReadDir(path)
	})
}
