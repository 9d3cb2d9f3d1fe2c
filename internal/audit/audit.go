package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"

	"assetindex/internal/database"
	"assetindex/internal/logging"
	"assetindex/internal/metrics"
)

// Kind names an index mutation.
type Kind string

const (
	KindBlobCreated     Kind = "blob-created"
	KindBlobMerged      Kind = "blob-merged"
	KindBlobReleased    Kind = "blob-released"
	KindBlobReclaimable Kind = "blob-reclaimable"
	KindBlobPurged      Kind = "blob-purged"
	KindBlobDerived     Kind = "blob-derived"
	KindBlobRecounted   Kind = "blob-recounted"

	KindAssetCreated  Kind = "asset-created"
	KindAssetModified Kind = "asset-modified"
	KindAssetMoved    Kind = "asset-moved"
	KindAssetDeleted  Kind = "asset-deleted"
	KindAssetHashed   Kind = "asset-hashed"
	KindAssetRehash   Kind = "asset-rehash"

	KindJobEnqueued  Kind = "job-enqueued"
	KindJobSucceeded Kind = "job-succeeded"
	KindJobFailed    Kind = "job-failed"
	KindJobDead      Kind = "job-dead"
	KindJobCancelled Kind = "job-cancelled"
	KindJobsPruned   Kind = "jobs-pruned"
)

// Detail is the free-form payload of a record, stored as JSON.
type Detail map[string]any

// Record is one audit log entry.
type Record struct {
	ID        int64           `json:"id"`
	CreatedAt time.Time       `json:"createdAt"`
	Kind      Kind            `json:"kind"`
	Actor     string          `json:"actor"`
	Subject   string          `json:"subject"`
	Detail    json.RawMessage `json:"detail"`
	UndoToken string          `json:"undoToken,omitempty"`
}

// Recorder collects the records of one mutation. It is only valid inside the
// function passed to Log.Mutate.
type Recorder struct {
	actor    string
	now      time.Time
	pending  []pendingRecord
	onCommit []func()
}

type pendingRecord struct {
	kind    Kind
	subject string
	detail  Detail
	undo    string
}

// Emit appends a record to the mutation.
func (r *Recorder) Emit(kind Kind, subject string, detail Detail) {
	r.pending = append(r.pending, pendingRecord{kind: kind, subject: subject, detail: detail})
}

// EmitUndoable appends a record for a reversible mutation and returns its
// undo token.
func (r *Recorder) EmitUndoable(kind Kind, subject string, detail Detail) string {
	token := uuid.NewString()
	r.pending = append(r.pending, pendingRecord{kind: kind, subject: subject, detail: detail, undo: token})
	return token
}

// OnCommit registers fn to run after the transaction commits. Callbacks do
// not run when the mutation fails.
func (r *Recorder) OnCommit(fn func()) {
	r.onCommit = append(r.onCommit, fn)
}

// Actor returns the component performing the mutation.
func (r *Recorder) Actor() string {
	return r.actor
}

// Now returns the timestamp shared by every write of the mutation.
func (r *Recorder) Now() time.Time {
	return r.now
}

// Log is the append-only audit sink and the transaction boundary for index
// mutations.
type Log struct {
	db  *database.Database
	now func() time.Time

	mu      sync.Mutex
	subs    map[int]*subscriber
	nextSub int

	retryAttempts uint
	retryDelay    time.Duration
}

type subscriber struct {
	ch chan Record
}

// New creates an audit log over db.
func New(db *database.Database) *Log {
	return &Log{
		db:            db,
		now:           time.Now,
		subs:          make(map[int]*subscriber),
		retryAttempts: 5,
		retryDelay:    50 * time.Millisecond,
	}
}

// Mutate runs fn inside a write transaction. Records emitted through rec are
// inserted in emission order in the same transaction, then published to
// subscribers once the commit succeeds. fn may run more than once when the
// database is locked, so it must not have side effects outside tx and rec.
func (l *Log) Mutate(ctx context.Context, actor string, fn func(tx *sql.Tx, rec *Recorder) error) error {
	var committed []Record
	var callbacks []func()

	err := retry.Do(
		func() error {
			rec := &Recorder{actor: actor, now: l.now()}
			records, err := l.runOnce(ctx, rec, fn)
			if err != nil {
				return err
			}
			committed = records
			callbacks = rec.onCommit
			return nil
		},
		retry.Attempts(l.retryAttempts),
		retry.Delay(l.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(database.IsLocked),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logging.Debug("Mutation by %s hit lock contention, retrying (attempt %d): %v", actor, n+1, err)
		}),
	)
	if err != nil {
		return err
	}

	for _, r := range committed {
		metrics.AuditRecordsTotal.WithLabelValues(string(r.Kind)).Inc()
		l.publish(r)
	}
	for _, fn := range callbacks {
		fn()
	}
	return nil
}

func (l *Log) runOnce(ctx context.Context, rec *Recorder, fn func(tx *sql.Tx, rec *Recorder) error) ([]Record, error) {
	tx, err := l.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin mutation: %w", err)
	}

	if err := fn(tx.Tx, rec); err != nil {
		return nil, tx.EndTx(err)
	}

	records, err := insert(ctx, tx.Tx, rec)
	if err != nil {
		return nil, tx.EndTx(err)
	}

	if err := tx.EndTx(nil); err != nil {
		return nil, fmt.Errorf("commit mutation: %w", err)
	}
	return records, nil
}

func insert(ctx context.Context, tx *sql.Tx, rec *Recorder) ([]Record, error) {
	if len(rec.pending) == 0 {
		return nil, nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO audit_log (created_at, kind, actor, subject, detail, undo_token)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare audit insert: %w", err)
	}
	defer stmt.Close()

	records := make([]Record, 0, len(rec.pending))
	for _, p := range rec.pending {
		detail, err := encodeDetail(p.detail)
		if err != nil {
			return nil, fmt.Errorf("encode %s detail: %w", p.kind, err)
		}

		var undo sql.NullString
		if p.undo != "" {
			undo = sql.NullString{String: p.undo, Valid: true}
		}

		res, err := stmt.ExecContext(ctx, database.Millis(rec.now), string(p.kind), rec.actor, p.subject, string(detail), undo)
		if err != nil {
			return nil, fmt.Errorf("insert %s record: %w", p.kind, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}

		records = append(records, Record{
			ID:        id,
			CreatedAt: database.FromMillis(database.Millis(rec.now)),
			Kind:      p.kind,
			Actor:     rec.actor,
			Subject:   p.subject,
			Detail:    detail,
			UndoToken: p.undo,
		})
	}
	return records, nil
}

func encodeDetail(d Detail) (json.RawMessage, error) {
	if d == nil {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(d)
}

// Subscribe returns a live feed of committed records. A subscriber that
// falls more than buffer records behind loses records and can catch up with
// List. Call cancel to unsubscribe.
func (l *Log) Subscribe(buffer int) (<-chan Record, func()) {
	if buffer < 1 {
		buffer = 1
	}

	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	sub := &subscriber{ch: make(chan Record, buffer)}
	l.subs[id] = sub
	l.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

func (l *Log) publish(r Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, sub := range l.subs {
		select {
		case sub.ch <- r:
		default:
			metrics.AuditSubscriberDrops.Inc()
		}
	}
}

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("audit record not found")

const selectColumns = `SELECT id, created_at, kind, actor, subject, detail, undo_token FROM audit_log`

// List returns up to limit records with id greater than afterID, oldest first.
func (l *Log) List(ctx context.Context, afterID int64, limit int) ([]Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	return l.query(ctx, "list_audit", selectColumns+` WHERE id > ? ORDER BY id LIMIT ?`, afterID, limit)
}

// ForSubject returns the most recent records about subject, newest first.
func (l *Log) ForSubject(ctx context.Context, subject string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	return l.query(ctx, "audit_for_subject", selectColumns+` WHERE subject = ? ORDER BY id DESC LIMIT ?`, subject, limit)
}

// Get returns a single record.
func (l *Log) Get(ctx context.Context, id int64) (Record, error) {
	records, err := l.query(ctx, "get_audit", selectColumns+` WHERE id = ?`, id)
	if err != nil {
		return Record{}, err
	}
	if len(records) == 0 {
		return Record{}, ErrNotFound
	}
	return records[0], nil
}

// ByUndoToken returns the record that carries the given undo token.
func (l *Log) ByUndoToken(ctx context.Context, token string) (Record, error) {
	records, err := l.query(ctx, "audit_by_undo", selectColumns+` WHERE undo_token = ?`, token)
	if err != nil {
		return Record{}, err
	}
	if len(records) == 0 {
		return Record{}, ErrNotFound
	}
	return records[0], nil
}

// LastID returns the id of the newest record, or 0 for an empty log.
func (l *Log) LastID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := l.db.DB().QueryRowContext(ctx, `SELECT MAX(id) FROM audit_log`).Scan(&id)
	return id.Int64, err
}

func (l *Log) query(ctx context.Context, op, query string, args ...any) (records []Record, err error) {
	start := time.Now()
	defer func() { database.RecordQuery(op, start, err) }()

	rows, err := l.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var r Record
		var created int64
		var detail string
		var undo sql.NullString
		if err := rows.Scan(&r.ID, &created, &r.Kind, &r.Actor, &r.Subject, &detail, &undo); err != nil {
			return nil, err
		}
		r.CreatedAt = database.FromMillis(created)
		r.Detail = json.RawMessage(detail)
		r.UndoToken = undo.String
		records = append(records, r)
	}
	return records, rows.Err()
}
