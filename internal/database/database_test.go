package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func setupTestDB(t *testing.T) *Database {
	t.Helper()

	db, err := New(context.Background(), filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewCreatesSchema(t *testing.T) {
	db := setupTestDB(t)

	for _, table := range []string{"blobs", "assets", "jobs", "audit_log", "metadata"} {
		var n int
		err := db.DB().QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
		if err != nil {
			t.Fatalf("query sqlite_master: %v", err)
		}
		if n != 1 {
			t.Errorf("table %s missing", table)
		}
	}

	var hasVolume bool
	if err := db.DB().QueryRow(`SELECT COUNT(*) > 0 FROM pragma_table_info('assets') WHERE name = 'volume'`).Scan(&hasVolume); err != nil {
		t.Fatal(err)
	}
	if !hasVolume {
		t.Error("migration did not add assets.volume")
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")

	db, err := New(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SetMetadata(context.Background(), "k", "v"); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = New(context.Background(), path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	got, err := db.GetMetadata(context.Background(), "k")
	if err != nil || got != "v" {
		t.Errorf("GetMetadata = %q, %v; want v", got, err)
	}
}

func TestPresentPathIsUnique(t *testing.T) {
	db := setupTestDB(t)

	insert := `INSERT INTO assets (path, root, size, mod_time, fast_hash, state, present, first_seen, last_seen)
		VALUES (?, '/r', 1, 0, 'f', 'observed', ?, 0, 0)`

	if _, err := db.DB().Exec(insert, "/r/a", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := db.DB().Exec(insert, "/r/a", 1); err == nil {
		t.Error("expected unique violation for second present asset on same path")
	}
	if _, err := db.DB().Exec(insert, "/r/a", 0); err != nil {
		t.Errorf("absent history row should be allowed: %v", err)
	}
}

func TestEmptyFastHashRejected(t *testing.T) {
	db := setupTestDB(t)

	_, err := db.DB().Exec(`INSERT INTO assets (path, root, size, mod_time, fast_hash, state, first_seen, last_seen)
		VALUES ('/r/a', '/r', 1, 0, '', 'observed', 0, 0)`)
	if err == nil {
		t.Error("expected check constraint failure for empty fast_hash")
	}
}

func TestAuditLogAppendOnly(t *testing.T) {
	db := setupTestDB(t)

	if _, err := db.DB().Exec(`INSERT INTO audit_log (created_at, kind, actor, subject) VALUES (0, 'asset-created', 'test', '/a')`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.DB().Exec(`UPDATE audit_log SET kind = 'x'`); err == nil {
		t.Error("update of audit_log should fail")
	}
	if _, err := db.DB().Exec(`DELETE FROM audit_log`); err == nil {
		t.Error("delete from audit_log should fail")
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO metadata (key, value) VALUES ('a', '1')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx error = %v, want boom", err)
	}

	if _, err := db.GetMetadata(ctx, "a"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("row should have been rolled back, got err=%v", err)
	}

	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO metadata (key, value) VALUES ('a', '2')`)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := db.GetMetadata(ctx, "a"); v != "2" {
		t.Errorf("value = %q, want 2", v)
	}
}

func TestLastSweep(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	got, err := db.GetLastSweep(ctx, "/photos")
	if err != nil || !got.IsZero() {
		t.Fatalf("GetLastSweep on fresh db = %v, %v", got, err)
	}

	when := time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC)
	if err := db.SetLastSweep(ctx, "/photos", when); err != nil {
		t.Fatal(err)
	}
	got, err = db.GetLastSweep(ctx, "/photos")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(when) {
		t.Errorf("GetLastSweep = %v, want %v", got, when)
	}
}

func TestIsLocked(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("database is locked"), true},
		{errors.New("exec: database table is locked: jobs"), true},
		{errors.New("no such table"), false},
	}
	for _, tt := range tests {
		if got := IsLocked(tt.err); got != tt.want {
			t.Errorf("IsLocked(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRecordQuery(t *testing.T) {
	t.Parallel()

	// Must not panic for either outcome.
	RecordQuery("test_operation", time.Now(), nil)
	RecordQuery("test_operation", time.Now(), errors.New("test error"))
}

func TestMillisRoundTrip(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_700_000_000_123)
	if got := FromMillis(Millis(now)); !got.Equal(now) {
		t.Errorf("round trip = %v, want %v", got, now)
	}
	if NullMillis(sql.NullInt64{}) != nil {
		t.Error("NullMillis of invalid should be nil")
	}
}
