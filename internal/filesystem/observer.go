package filesystem

// Observer records filesystem operation metrics. The metrics package provides
// the Prometheus implementation; filesystem never imports metrics directly.
type Observer interface {
	// ObserveOperation records the total duration of an operation, retries included.
	ObserveOperation(operation, volume string, durationSeconds float64)
	// ObserveRetryAttempt records one retry after a stale file handle.
	ObserveRetryAttempt(operation, volume string)
	// ObserveRetryFailure records an operation that failed after all retries.
	ObserveRetryFailure(operation, volume string)
}

// defaultObserver is set once at startup. Nil means metrics are skipped.
var defaultObserver Observer

// SetObserver sets the package-level metrics observer.
func SetObserver(o Observer) {
	defaultObserver = o
}
