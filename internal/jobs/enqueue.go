package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"assetindex/internal/audit"
	"assetindex/internal/database"
	"assetindex/internal/metrics"
)

// Enqueue schedules kind for target in its own transaction.
func (s *Scheduler) Enqueue(ctx context.Context, kind Kind, target int64, priority int) (EnqueueOutcome, error) {
	var outcome EnqueueOutcome
	err := s.audit.Mutate(ctx, actor, func(tx *sql.Tx, rec *audit.Recorder) error {
		var err error
		outcome, err = s.EnqueueTx(ctx, tx, rec, kind, target, priority)
		return err
	})
	return outcome, err
}

// EnqueueTx schedules kind for target inside the caller's mutation, so the
// job exists exactly when the state change that needs it commits.
//
// A pending or failed job for the same kind and target absorbs the request
// and takes the higher priority. A running one is flagged to run again after
// it finishes, which keeps results for one target in request order.
func (s *Scheduler) EnqueueTx(ctx context.Context, tx *sql.Tx, rec *audit.Recorder, kind Kind, target int64, priority int) (EnqueueOutcome, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	var id int64
	var state State
	var current int
	err := tx.QueryRowContext(ctx, `
		SELECT id, state, priority FROM jobs
		WHERE kind = ? AND target_id = ? AND state IN ('pending', 'running', 'failed')
	`, string(kind), target).Scan(&id, &state, &current)

	var outcome EnqueueOutcome
	switch {
	case errors.Is(err, sql.ErrNoRows):
		now := database.Millis(rec.Now())
		res, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (kind, target_id, priority, state, scheduled_at, next_retry_at)
			VALUES (?, ?, ?, 'pending', ?, ?)
		`, string(kind), target, priority, now, now)
		if err != nil {
			return "", fmt.Errorf("insert %s job for %d: %w", kind, target, err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return "", err
		}
		rec.Emit(audit.KindJobEnqueued, subject(kind, target), audit.Detail{
			"jobId": id, "priority": priority,
		})
		rec.OnCommit(s.signal)
		outcome = OutcomeInserted

	case err != nil:
		return "", fmt.Errorf("find live %s job for %d: %w", kind, target, err)

	case state == StateRunning:
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET rerun = 1, priority = MAX(priority, ?) WHERE id = ?`, priority, id); err != nil {
			return "", err
		}
		outcome = OutcomeRerun

	default:
		if priority > current {
			if _, err := tx.ExecContext(ctx, `UPDATE jobs SET priority = ? WHERE id = ?`, priority, id); err != nil {
				return "", err
			}
		}
		outcome = OutcomeCoalesced
	}

	rec.OnCommit(func() {
		metrics.JobsEnqueuedTotal.WithLabelValues(string(kind), string(outcome)).Inc()
	})
	return outcome, nil
}

// EnqueueHashTx schedules content hashing for an asset. It lets the asset
// tracker request hashing in the same transaction as the observation.
func (s *Scheduler) EnqueueHashTx(ctx context.Context, tx *sql.Tx, rec *audit.Recorder, assetID int64) error {
	_, err := s.EnqueueTx(ctx, tx, rec, KindHash, assetID, KindHash.DefaultPriority())
	return err
}

// RetryDead moves a dead job back to pending with a fresh attempt budget.
// If a live job for the same kind and target already exists the dead job
// is left alone and the live one is returned.
func (s *Scheduler) RetryDead(ctx context.Context, id int64) (Job, error) {
	var job Job
	err := s.audit.Mutate(ctx, actor, func(tx *sql.Tx, rec *audit.Recorder) error {
		dead, err := scanJob(tx.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if dead.State != StateDead {
			return fmt.Errorf("job %d is %s, not dead", id, dead.State)
		}

		live, err := scanJob(tx.QueryRowContext(ctx, selectColumns+`
			WHERE kind = ? AND target_id = ? AND state IN ('pending', 'running', 'failed')
		`, string(dead.Kind), dead.TargetID))
		switch {
		case err == nil:
			job = live
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		now := database.Millis(rec.Now())
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET state = 'pending', attempts = 0, rerun = 0, next_retry_at = ?,
				started_at = NULL, finished_at = NULL
			WHERE id = ?
		`, now, id); err != nil {
			return err
		}
		rec.Emit(audit.KindJobEnqueued, dead.Subject(), audit.Detail{
			"jobId": id, "priority": dead.Priority, "retryOf": dead.LastError,
		})
		rec.OnCommit(s.signal)

		job, err = scanJob(tx.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
		return err
	})
	return job, err
}
