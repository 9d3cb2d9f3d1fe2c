package blobstore

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"assetindex/internal/audit"
	"assetindex/internal/database"
	"assetindex/internal/mediatypes"
)

var pdf = mediatypes.Hint{MimeType: "application/pdf", Type: mediatypes.TypeDocument}

func setupTestStore(t *testing.T) (*Store, *audit.Log, *database.Database) {
	t.Helper()

	db, err := database.New(context.Background(), filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := audit.New(db)
	return New(db, log), log, db
}

func attach(t *testing.T, s *Store, hash string, size int64) Blob {
	t.Helper()
	var blob Blob
	err := s.audit.Mutate(context.Background(), "test", func(tx *sql.Tx, rec *audit.Recorder) error {
		var err error
		blob, err = s.AttachTx(context.Background(), tx, rec, hash, size, pdf)
		return err
	})
	if err != nil {
		t.Fatalf("attach %s: %v", hash, err)
	}
	return blob
}

func release(t *testing.T, s *Store, hash string) (Blob, error) {
	t.Helper()
	var blob Blob
	err := s.audit.Mutate(context.Background(), "test", func(tx *sql.Tx, rec *audit.Recorder) error {
		var err error
		blob, err = s.ReleaseTx(context.Background(), tx, rec, hash)
		return err
	})
	return blob, err
}

func auditKinds(t *testing.T, log *audit.Log) []audit.Kind {
	t.Helper()
	records, err := log.List(context.Background(), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	kinds := make([]audit.Kind, len(records))
	for i, r := range records {
		kinds[i] = r.Kind
	}
	return kinds
}

func TestConcurrentAttachCreatesOneBlob(t *testing.T) {
	s, _, _ := setupTestStore(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	ids := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.audit.Mutate(ctx, "test", func(tx *sql.Tx, rec *audit.Recorder) error {
				b, err := s.AttachTx(ctx, tx, rec, "H1", 100, pdf)
				if err == nil {
					ids <- b.ID
				}
				return err
			})
			if err != nil {
				t.Errorf("attach: %v", err)
			}
		}()
	}
	wg.Wait()
	close(ids)

	var first int64
	for id := range ids {
		if first == 0 {
			first = id
		}
		if id != first {
			t.Errorf("blob ids diverged: %d vs %d", id, first)
		}
	}

	blob, err := s.GetByHash(ctx, "H1")
	if err != nil {
		t.Fatal(err)
	}
	if blob.RefCount != n {
		t.Errorf("ref count = %d, want %d", blob.RefCount, n)
	}

	var rows int
	s.db.DB().QueryRow(`SELECT COUNT(*) FROM blobs`).Scan(&rows)
	if rows != 1 {
		t.Errorf("blob rows = %d, want 1", rows)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	s, log, _ := setupTestStore(t)
	ctx := context.Background()

	a, err := s.Resolve(ctx, "H1", 10, pdf)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Resolve(ctx, "H1", 10, pdf)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID {
		t.Errorf("Resolve returned %d then %d", a.ID, b.ID)
	}
	if !a.Reclaimable() {
		t.Error("unreferenced blob should be reclaimable")
	}
	if kinds := auditKinds(t, log); len(kinds) != 1 || kinds[0] != audit.KindBlobCreated {
		t.Errorf("audit = %v, want one blob-created", kinds)
	}

	if _, err := s.Resolve(ctx, "H1", 11, pdf); !errors.Is(err, ErrInvariant) {
		t.Errorf("size mismatch error = %v, want ErrInvariant", err)
	}
}

func TestReleaseToZeroAndRevive(t *testing.T) {
	s, log, _ := setupTestStore(t)
	ctx := context.Background()

	first := attach(t, s, "H1", 10)
	attach(t, s, "H1", 10)

	b, err := release(t, s, "H1")
	if err != nil {
		t.Fatal(err)
	}
	if b.RefCount != 1 || b.Reclaimable() {
		t.Errorf("after one release: %+v", b)
	}

	b, err = release(t, s, "H1")
	if err != nil {
		t.Fatal(err)
	}
	if b.RefCount != 0 || !b.Reclaimable() {
		t.Errorf("after last release: %+v", b)
	}

	reclaimable, err := s.ListReclaimable(ctx, 10)
	if err != nil || len(reclaimable) != 1 {
		t.Fatalf("ListReclaimable = %v, %v", reclaimable, err)
	}

	revived := attach(t, s, "H1", 10)
	if revived.ID != first.ID {
		t.Errorf("revived blob id = %d, want %d", revived.ID, first.ID)
	}
	if revived.Reclaimable() || revived.RefCount != 1 {
		t.Errorf("revived blob = %+v", revived)
	}

	want := []audit.Kind{
		audit.KindBlobCreated,
		audit.KindBlobMerged,
		audit.KindBlobReleased,
		audit.KindBlobReclaimable,
		audit.KindBlobMerged,
	}
	got := auditKinds(t, log)
	if len(got) != len(want) {
		t.Fatalf("audit = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("audit[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestReleaseWithoutReferenceIsInvariantViolation(t *testing.T) {
	s, _, _ := setupTestStore(t)

	if _, err := release(t, s, "missing"); !errors.Is(err, ErrInvariant) {
		t.Errorf("release unknown = %v, want ErrInvariant", err)
	}

	attach(t, s, "H1", 1)
	if _, err := release(t, s, "H1"); err != nil {
		t.Fatal(err)
	}
	if _, err := release(t, s, "H1"); !errors.Is(err, ErrInvariant) {
		t.Errorf("release below zero = %v, want ErrInvariant", err)
	}
}

func TestPurge(t *testing.T) {
	s, _, _ := setupTestStore(t)
	ctx := context.Background()

	attach(t, s, "H1", 10)
	attach(t, s, "H2", 20)
	if _, err := release(t, s, "H1"); err != nil {
		t.Fatal(err)
	}

	purged, err := s.Purge(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(purged) != 0 {
		t.Errorf("purged %d blobs inside retention", len(purged))
	}

	purged, err = s.Purge(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(purged) != 1 || purged[0].ContentHash != "H1" {
		t.Fatalf("purged = %+v, want H1", purged)
	}
	if _, err := s.GetByHash(ctx, "H1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("H1 still present: %v", err)
	}
	if _, err := s.GetByHash(ctx, "H2"); err != nil {
		t.Errorf("H2 should survive purge: %v", err)
	}
}

func TestSetDerived(t *testing.T) {
	s, _, _ := setupTestStore(t)
	ctx := context.Background()

	b := attach(t, s, "H1", 10)
	if err := s.SetDerived(ctx, b.ID, FieldPreview, "ab/H1.jpg"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetDerived(ctx, b.ID, FieldFingerprint, "dhash:00ff"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetDerived(ctx, b.ID, "bogus", "x"); err == nil {
		t.Error("unknown field should fail")
	}
	if err := s.SetDerived(ctx, b.ID+99, FieldPreview, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing blob = %v, want ErrNotFound", err)
	}

	got, err := s.Get(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PreviewRef != "ab/H1.jpg" || got.FingerprintRef != "dhash:00ff" {
		t.Errorf("derived refs = %q, %q", got.PreviewRef, got.FingerprintRef)
	}
}

func TestDuplicatesAndStats(t *testing.T) {
	s, _, _ := setupTestStore(t)
	ctx := context.Background()

	attach(t, s, "small", 10)
	attach(t, s, "small", 10)
	attach(t, s, "big", 1000)
	attach(t, s, "big", 1000)
	attach(t, s, "big", 1000)
	attach(t, s, "single", 5)

	dups, err := s.Duplicates(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(dups) != 2 || dups[0].ContentHash != "big" {
		t.Errorf("duplicates = %+v", dups)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Referenced != 3 || stats.Reclaimable != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Bytes != 1015 || stats.DuplicateBytes != 2010 {
		t.Errorf("bytes = %d dup = %d", stats.Bytes, stats.DuplicateBytes)
	}
}

func TestRecountRepairsDrift(t *testing.T) {
	s, _, db := setupTestStore(t)
	ctx := context.Background()

	attach(t, s, "H1", 10)
	insert := `INSERT INTO assets (path, root, size, mod_time, fast_hash, content_hash, state, present, first_seen, last_seen)
		VALUES (?, '/r', 10, 0, 'f', 'H1', 'stable', 1, 0, 0)`
	for _, p := range []string{"/r/a", "/r/b", "/r/c"} {
		if _, err := db.DB().Exec(insert, p); err != nil {
			t.Fatal(err)
		}
	}

	fixed, err := s.Recount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if fixed != 1 {
		t.Errorf("fixed = %d, want 1", fixed)
	}
	b, _ := s.GetByHash(ctx, "H1")
	if b.RefCount != 3 {
		t.Errorf("ref count = %d, want 3", b.RefCount)
	}

	if err := s.CheckInvariants(ctx); err != nil {
		t.Errorf("CheckInvariants: %v", err)
	}

	if _, err := db.DB().Exec(insert, "/r/orphan"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.DB().Exec(`UPDATE assets SET content_hash = 'H9' WHERE path = '/r/orphan'`); err != nil {
		t.Fatal(err)
	}
	if err := s.CheckInvariants(ctx); !errors.Is(err, ErrInvariant) {
		t.Errorf("orphan asset = %v, want ErrInvariant", err)
	}
}
