package jobs

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"assetindex/internal/database"
)

const selectColumns = `SELECT id, kind, target_id, priority, state, attempts, last_error, rerun,
	scheduled_at, next_retry_at, started_at, finished_at FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var scheduled, next int64
	var started, finished sql.NullInt64
	if err := row.Scan(&j.ID, &j.Kind, &j.TargetID, &j.Priority, &j.State, &j.Attempts, &j.LastError,
		&j.Rerun, &scheduled, &next, &started, &finished); err != nil {
		return Job{}, err
	}
	j.ScheduledAt = database.FromMillis(scheduled)
	j.NextRetryAt = database.FromMillis(next)
	j.StartedAt = database.NullMillis(started)
	j.FinishedAt = database.NullMillis(finished)
	return j, nil
}

func (s *Scheduler) list(ctx context.Context, op, query string, args ...any) (jobs []Job, err error) {
	start := time.Now()
	defer func() { database.RecordQuery(op, start, err) }()

	rows, err := s.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Get returns a job by id.
func (s *Scheduler) Get(ctx context.Context, id int64) (Job, error) {
	j, err := scanJob(s.db.DB().QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

// ForTarget returns every retained job for target, newest first.
func (s *Scheduler) ForTarget(ctx context.Context, target int64) ([]Job, error) {
	return s.list(ctx, "jobs_for_target", selectColumns+` WHERE target_id = ? ORDER BY id DESC`, target)
}

// Dead returns up to limit dead jobs, most recently failed first.
func (s *Scheduler) Dead(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	return s.list(ctx, "dead_jobs", selectColumns+` WHERE state = 'dead' ORDER BY finished_at DESC, id DESC LIMIT ?`, limit)
}

// Stats counts jobs by state.
func (s *Scheduler) Stats(ctx context.Context) (map[State]int, error) {
	start := time.Now()
	rows, err := s.db.DB().QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	database.RecordQuery("job_stats", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[State]int{
		StatePending: 0, StateRunning: 0, StateSucceeded: 0,
		StateFailed: 0, StateDead: 0, StateCancelled: 0,
	}
	for rows.Next() {
		var state State
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}
