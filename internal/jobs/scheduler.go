package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"assetindex/internal/audit"
	"assetindex/internal/database"
	"assetindex/internal/logging"
	"assetindex/internal/memory"
	"assetindex/internal/metrics"
	"assetindex/internal/workers"
)

const actor = "scheduler"

// Config controls the scheduler.
type Config struct {
	// Workers is the number of concurrent job workers.
	Workers int
	// MaxAttempts is the number of failed runs after which a job is dead.
	MaxAttempts int
	// RetryInitial is the delay before the first retry.
	RetryInitial time.Duration
	// RetryMax caps the retry delay.
	RetryMax time.Duration
	// Retention is how long succeeded and cancelled jobs are kept.
	Retention time.Duration
	// PollInterval is how often idle workers look for due retries.
	PollInterval time.Duration
	// PruneInterval is how often finished jobs are pruned.
	PruneInterval time.Duration
	// KindLimits caps concurrent jobs per kind. Missing or zero is unlimited.
	KindLimits map[Kind]int
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		Workers:       workers.ForIO(workers.EnvJobWorkers, 16),
		MaxAttempts:   5,
		RetryInitial:  5 * time.Second,
		RetryMax:      10 * time.Minute,
		Retention:     7 * 24 * time.Hour,
		PollInterval:  time.Second,
		PruneInterval: time.Hour,
	}
}

type registration struct {
	handler Handler
	target  TargetChecker
}

// Scheduler persists and runs jobs.
type Scheduler struct {
	db     *database.Database
	audit  *audit.Log
	config Config
	memory *memory.Monitor
	now    func() time.Time

	mu       sync.Mutex
	handlers map[Kind]registration
	running  map[Kind]int
	started  bool

	// claimMu serializes claims so per-kind limits hold.
	claimMu sync.Mutex

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. mon may be nil to disable memory backpressure.
func New(db *database.Database, log *audit.Log, config Config, mon *memory.Monitor) *Scheduler {
	defaults := DefaultConfig()
	if config.Workers < 1 {
		config.Workers = defaults.Workers
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = defaults.RetryInitial
	}
	if config.RetryMax < config.RetryInitial {
		config.RetryMax = config.RetryInitial
	}
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.PruneInterval <= 0 {
		config.PruneInterval = defaults.PruneInterval
	}

	return &Scheduler{
		db:       db,
		audit:    log,
		config:   config,
		memory:   mon,
		now:      time.Now,
		handlers: make(map[Kind]registration),
		running:  make(map[Kind]int),
		wake:     make(chan struct{}, 1),
	}
}

// Register installs the handler for kind. target may be nil when the
// handler checks its own target. Registration must happen before Start.
func (s *Scheduler) Register(kind Kind, h Handler, target TargetChecker) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("register %s: scheduler already started", kind)
	}
	s.handlers[kind] = registration{handler: h, target: target}
	return nil
}

// Start resets jobs interrupted by a previous crash and launches workers.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	if len(s.handlers) == 0 {
		s.mu.Unlock()
		return errors.New("scheduler has no registered handlers")
	}
	s.started = true
	s.mu.Unlock()

	if _, err := s.RecoverInterrupted(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	logging.Info("Starting job scheduler with %d workers", s.config.Workers)
	metrics.JobWorkers.Set(float64(s.config.Workers))

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(runCtx)
	}

	s.wg.Add(1)
	go s.pruneLoop(runCtx)

	s.signal()
	return nil
}

// Stop cancels running handlers and waits for workers to exit. Jobs cut
// short are returned to pending without spending an attempt.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	metrics.JobWorkers.Set(0)
	logging.Info("Job scheduler stopped")
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		if err := s.memory.WaitIfPaused(ctx); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		job, reg, ok, err := s.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if database.IsLocked(err) {
				logging.Debug("Job claim hit lock contention: %v", err)
			} else {
				logging.Error("Failed to claim job: %v", err)
			}
		}
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			case <-time.After(s.config.PollInterval):
			}
			continue
		}

		// Another idle worker may find more due work.
		s.signal()
		s.run(ctx, job, reg)
	}
}

// claim marks the best due job running. Ordering is priority, then due
// time, then id, among kinds with a handler and spare concurrency.
func (s *Scheduler) claim(ctx context.Context) (Job, registration, bool, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	s.mu.Lock()
	var kinds []any
	for kind := range s.handlers {
		if limit := s.config.KindLimits[kind]; limit > 0 && s.running[kind] >= limit {
			continue
		}
		kinds = append(kinds, string(kind))
	}
	s.mu.Unlock()

	if len(kinds) == 0 {
		return Job{}, registration{}, false, nil
	}

	now := s.now()
	var job Job
	found := false
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		query := selectColumns + `
			WHERE state IN ('pending', 'failed') AND next_retry_at <= ?
			AND kind IN (?` + strings.Repeat(", ?", len(kinds)-1) + `)
			ORDER BY priority DESC, next_retry_at, id
			LIMIT 1`
		args := append([]any{database.Millis(now)}, kinds...)

		j, err := scanJob(tx.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET state = 'running', started_at = ?, finished_at = NULL WHERE id = ?`,
			database.Millis(now), j.ID); err != nil {
			return err
		}
		j.State = StateRunning
		startedAt := database.FromMillis(database.Millis(now))
		j.StartedAt = &startedAt
		job = j
		found = true
		return nil
	})
	if err != nil || !found {
		return Job{}, registration{}, false, err
	}

	s.mu.Lock()
	reg := s.handlers[job.Kind]
	s.running[job.Kind]++
	s.mu.Unlock()
	metrics.JobsRunning.WithLabelValues(string(job.Kind)).Inc()

	return job, reg, true, nil
}

func (s *Scheduler) release(kind Kind) {
	s.mu.Lock()
	s.running[kind]--
	s.mu.Unlock()
	metrics.JobsRunning.WithLabelValues(string(kind)).Dec()
}

func (s *Scheduler) run(ctx context.Context, job Job, reg registration) {
	defer s.release(job.Kind)

	// Bookkeeping after the handler must survive shutdown.
	finishCtx := context.WithoutCancel(ctx)

	if gone, err := s.targetGone(ctx, job, reg); err != nil {
		logging.Warn("Target check for %s job %d failed: %v", job.Kind, job.ID, err)
	} else if gone {
		s.finishCancelled(finishCtx, job, "target no longer exists")
		return
	}

	start := time.Now()
	err := s.invoke(ctx, job, reg.handler)
	metrics.JobDuration.WithLabelValues(string(job.Kind)).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		s.finishSucceeded(finishCtx, job)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		s.requeue(finishCtx, job)
	default:
		s.finishFailed(finishCtx, job, reg, err)
	}
}

func (s *Scheduler) invoke(ctx context.Context, job Job, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s handler panicked: %v", job.Kind, r)
		}
	}()
	return h.Handle(ctx, job)
}

func (s *Scheduler) targetGone(ctx context.Context, job Job, reg registration) (bool, error) {
	if reg.target == nil {
		return false, nil
	}
	exists, err := reg.target(ctx, job.TargetID)
	if err != nil {
		return false, err
	}
	return !exists, nil
}

func (s *Scheduler) finishSucceeded(ctx context.Context, job Job) {
	rerun := false
	err := s.audit.Mutate(ctx, actor, func(tx *sql.Tx, rec *audit.Recorder) error {
		var err error
		rerun, err = loadRerun(ctx, tx, job.ID)
		if err != nil {
			return err
		}
		now := database.Millis(rec.Now())
		if rerun {
			_, err = tx.ExecContext(ctx, `
				UPDATE jobs SET state = 'pending', rerun = 0, attempts = 0, last_error = '',
					next_retry_at = ?, started_at = NULL
				WHERE id = ?
			`, now, job.ID)
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE jobs SET state = 'succeeded', finished_at = ?, last_error = '' WHERE id = ?`,
				now, job.ID)
		}
		if err != nil {
			return err
		}
		rec.Emit(audit.KindJobSucceeded, job.Subject(), audit.Detail{
			"jobId": job.ID, "attempts": job.Attempts, "rerun": rerun,
		})
		return nil
	})
	if err != nil {
		logging.Error("Failed to record success of %s job %d: %v", job.Kind, job.ID, err)
		return
	}

	metrics.JobsCompletedTotal.WithLabelValues(string(job.Kind), string(StateSucceeded)).Inc()
	if rerun {
		s.signal()
	}
}

func (s *Scheduler) finishFailed(ctx context.Context, job Job, reg registration, cause error) {
	if !IsPermanent(cause) {
		if gone, err := s.targetGone(ctx, job, reg); err == nil && gone {
			s.finishCancelled(ctx, job, "target no longer exists: "+cause.Error())
			return
		}
	}

	var final State
	err := s.audit.Mutate(ctx, actor, func(tx *sql.Tx, rec *audit.Recorder) error {
		rerun, err := loadRerun(ctx, tx, job.ID)
		if err != nil {
			return err
		}
		now := rec.Now()
		msg := cause.Error()
		attempts := job.Attempts + 1

		switch {
		case rerun:
			// Newer work is waiting; the failure belongs to stale input.
			final = StatePending
			_, err = tx.ExecContext(ctx, `
				UPDATE jobs SET state = 'pending', rerun = 0, attempts = 0, last_error = ?,
					next_retry_at = ?, started_at = NULL
				WHERE id = ?
			`, msg, database.Millis(now), job.ID)
			if err != nil {
				return err
			}
			rec.Emit(audit.KindJobFailed, job.Subject(), audit.Detail{
				"jobId": job.ID, "attempts": attempts, "error": msg, "rerun": true,
			})

		case IsPermanent(cause) || attempts >= s.config.MaxAttempts:
			final = StateDead
			_, err = tx.ExecContext(ctx,
				`UPDATE jobs SET state = 'dead', attempts = ?, last_error = ?, finished_at = ? WHERE id = ?`,
				attempts, msg, database.Millis(now), job.ID)
			if err != nil {
				return err
			}
			rec.Emit(audit.KindJobDead, job.Subject(), audit.Detail{
				"jobId": job.ID, "attempts": attempts, "error": msg,
			})

		default:
			final = StateFailed
			next := now.Add(s.retryDelay(attempts))
			_, err = tx.ExecContext(ctx,
				`UPDATE jobs SET state = 'failed', attempts = ?, last_error = ?, next_retry_at = ?, started_at = NULL WHERE id = ?`,
				attempts, msg, database.Millis(next), job.ID)
			if err != nil {
				return err
			}
			rec.Emit(audit.KindJobFailed, job.Subject(), audit.Detail{
				"jobId": job.ID, "attempts": attempts, "error": msg, "nextRetryAt": next,
			})
		}
		return nil
	})
	if err != nil {
		logging.Error("Failed to record failure of %s job %d: %v", job.Kind, job.ID, err)
		return
	}

	metrics.JobsCompletedTotal.WithLabelValues(string(job.Kind), string(final)).Inc()
	switch final {
	case StateDead:
		logging.Error("%s job %d for target %d: %v", job.Kind, job.ID, job.TargetID,
			fmt.Errorf("%w: %w", ErrExhausted, cause))
	case StatePending:
		s.signal()
	default:
		logging.Warn("%s job %d for target %d failed (attempt %d/%d): %v",
			job.Kind, job.ID, job.TargetID, job.Attempts+1, s.config.MaxAttempts, cause)
	}
}

func (s *Scheduler) finishCancelled(ctx context.Context, job Job, reason string) {
	err := s.audit.Mutate(ctx, actor, func(tx *sql.Tx, rec *audit.Recorder) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET state = 'cancelled', rerun = 0, last_error = ?, finished_at = ? WHERE id = ?`,
			reason, database.Millis(rec.Now()), job.ID); err != nil {
			return err
		}
		rec.Emit(audit.KindJobCancelled, job.Subject(), audit.Detail{"jobId": job.ID, "reason": reason})
		return nil
	})
	if err != nil {
		logging.Error("Failed to cancel %s job %d: %v", job.Kind, job.ID, err)
		return
	}
	metrics.JobsCompletedTotal.WithLabelValues(string(job.Kind), string(StateCancelled)).Inc()
	logging.Debug("Cancelled %s job %d: %s", job.Kind, job.ID, reason)
}

// requeue returns a job interrupted by shutdown to pending.
func (s *Scheduler) requeue(ctx context.Context, job Job) {
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE jobs SET state = 'pending', started_at = NULL WHERE id = ? AND state = 'running'`, job.ID)
		return err
	})
	if err != nil {
		logging.Error("Failed to requeue interrupted %s job %d: %v", job.Kind, job.ID, err)
	}
}

// retryDelay returns the backoff before retry number attempts.
func (s *Scheduler) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.RetryInitial
	b.MaxInterval = s.config.RetryMax
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.InitialInterval
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// RecoverInterrupted resets jobs left running by a previous process.
func (s *Scheduler) RecoverInterrupted(ctx context.Context) (int, error) {
	var n int64
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET state = 'pending', started_at = NULL, next_retry_at = ? WHERE state = 'running'`,
			database.Millis(s.now()))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("recover interrupted jobs: %w", err)
	}
	if n > 0 {
		logging.Info("Recovered %d jobs interrupted by shutdown", n)
	}
	return int(n), nil
}

func (s *Scheduler) pruneLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Prune(ctx); err != nil && ctx.Err() == nil {
				logging.Error("Job prune failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Prune deletes succeeded and cancelled jobs older than the retention
// window. Dead jobs are kept until retried.
func (s *Scheduler) Prune(ctx context.Context) (int, error) {
	var n int64
	err := s.audit.Mutate(ctx, actor, func(tx *sql.Tx, rec *audit.Recorder) error {
		cutoff := rec.Now().Add(-s.config.Retention)
		res, err := tx.ExecContext(ctx,
			`DELETE FROM jobs WHERE state IN ('succeeded', 'cancelled') AND finished_at < ?`,
			database.Millis(cutoff))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			rec.Emit(audit.KindJobsPruned, "jobs", audit.Detail{"count": n, "before": cutoff})
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	if n > 0 {
		logging.Info("Pruned %d finished jobs", n)
	}
	return int(n), nil
}

func loadRerun(ctx context.Context, tx *sql.Tx, id int64) (bool, error) {
	var rerun bool
	err := tx.QueryRowContext(ctx, `SELECT rerun FROM jobs WHERE id = ?`, id).Scan(&rerun)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	return rerun, err
}
