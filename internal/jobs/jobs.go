package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind is the closed set of deferred work the scheduler runs.
type Kind string

const (
	KindHash       Kind = "hash"
	KindContainer  Kind = "container"
	KindPreview    Kind = "preview"
	KindSimilarity Kind = "similarity"
)

// Kinds lists every valid kind in priority order.
var Kinds = []Kind{KindHash, KindContainer, KindPreview, KindSimilarity}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindHash, KindContainer, KindPreview, KindSimilarity:
		return true
	}
	return false
}

// DefaultPriority returns the priority used when callers have no opinion.
// Hashing outranks everything that depends on it.
func (k Kind) DefaultPriority() int {
	switch k {
	case KindHash:
		return 100
	case KindContainer:
		return 50
	case KindPreview:
		return 20
	case KindSimilarity:
		return 10
	}
	return 0
}

// State is the lifecycle state of a job.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateDead      State = "dead"
	StateCancelled State = "cancelled"
)

// Job is one unit of deferred work against a target id. For hash jobs the
// target is an asset; for container, preview and similarity jobs it is a
// blob.
type Job struct {
	ID          int64      `json:"id"`
	Kind        Kind       `json:"kind"`
	TargetID    int64      `json:"targetId"`
	Priority    int        `json:"priority"`
	State       State      `json:"state"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"lastError,omitempty"`
	Rerun       bool       `json:"rerun"`
	ScheduledAt time.Time  `json:"scheduledAt"`
	NextRetryAt time.Time  `json:"nextRetryAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// Subject is the audit subject for the job's target.
func (j Job) Subject() string {
	return subject(j.Kind, j.TargetID)
}

func subject(kind Kind, target int64) string {
	return fmt.Sprintf("%s/%d", kind, target)
}

// Handler performs one job. Returning nil completes the job; any other
// error is retried with backoff unless wrapped with Permanent.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// TargetChecker reports whether a job's target still exists. Jobs whose
// target is gone are cancelled instead of run or retried.
type TargetChecker func(ctx context.Context, targetID int64) (bool, error)

var (
	// ErrExhausted marks a job that failed on every allowed attempt.
	ErrExhausted = errors.New("job exhausted its attempts")
	// ErrUnknownKind is returned for kinds outside the closed set.
	ErrUnknownKind = errors.New("unknown job kind")
	// ErrNotFound is returned when no job matches.
	ErrNotFound = errors.New("job not found")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The job goes straight to dead.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// EnqueueOutcome says what Enqueue did.
type EnqueueOutcome string

const (
	// OutcomeInserted means a new pending job was created.
	OutcomeInserted EnqueueOutcome = "inserted"
	// OutcomeCoalesced means an equivalent job was already waiting.
	OutcomeCoalesced EnqueueOutcome = "coalesced"
	// OutcomeRerun means an equivalent job is running and will run again
	// once it finishes.
	OutcomeRerun EnqueueOutcome = "rerun"
)
