package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"assetindex/internal/database"
)

func setupTestLog(t *testing.T) (*Log, *database.Database) {
	t.Helper()

	db, err := database.New(context.Background(), filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), db
}

func TestMutateRecordsInEmissionOrder(t *testing.T) {
	log, _ := setupTestLog(t)
	ctx := context.Background()

	err := log.Mutate(ctx, "tracker", func(tx *sql.Tx, rec *Recorder) error {
		if _, err := tx.Exec(`INSERT INTO metadata (key, value) VALUES ('x', '1')`); err != nil {
			return err
		}
		rec.Emit(KindBlobCreated, "H1", Detail{"size": 10})
		rec.Emit(KindAssetCreated, "/docs/report.pdf", nil)
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	records, err := log.List(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Kind != KindBlobCreated || records[1].Kind != KindAssetCreated {
		t.Errorf("order = %s, %s", records[0].Kind, records[1].Kind)
	}
	if records[0].Actor != "tracker" {
		t.Errorf("actor = %q, want tracker", records[0].Actor)
	}
	if records[0].ID >= records[1].ID {
		t.Errorf("ids not increasing: %d, %d", records[0].ID, records[1].ID)
	}

	var detail map[string]int
	if err := json.Unmarshal(records[0].Detail, &detail); err != nil || detail["size"] != 10 {
		t.Errorf("detail = %s (%v)", records[0].Detail, err)
	}
	if string(records[1].Detail) != "{}" {
		t.Errorf("nil detail stored as %s, want {}", records[1].Detail)
	}
}

func TestMutateFailureWritesNothing(t *testing.T) {
	log, db := setupTestLog(t)
	ctx := context.Background()

	ch, cancel := log.Subscribe(4)
	defer cancel()

	committed := false
	boom := errors.New("boom")
	err := log.Mutate(ctx, "tracker", func(tx *sql.Tx, rec *Recorder) error {
		if _, err := tx.Exec(`INSERT INTO metadata (key, value) VALUES ('y', '1')`); err != nil {
			return err
		}
		rec.Emit(KindAssetDeleted, "/a", nil)
		rec.OnCommit(func() { committed = true })
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Mutate error = %v, want boom", err)
	}

	if last, _ := log.LastID(ctx); last != 0 {
		t.Errorf("LastID = %d, want 0", last)
	}
	if _, err := db.GetMetadata(ctx, "y"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("mutation row survived rollback: %v", err)
	}
	if committed {
		t.Error("OnCommit ran for failed mutation")
	}
	select {
	case r := <-ch:
		t.Errorf("unexpected published record %+v", r)
	default:
	}
}

func TestSubscribeReceivesCommittedRecords(t *testing.T) {
	log, _ := setupTestLog(t)
	ctx := context.Background()

	ch, cancel := log.Subscribe(8)
	defer cancel()

	var token string
	err := log.Mutate(ctx, "detector", func(_ *sql.Tx, rec *Recorder) error {
		token = rec.EmitUndoable(KindAssetMoved, "/a", Detail{"from": "/a", "to": "/b"})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	r := <-ch
	if r.Kind != KindAssetMoved || r.UndoToken != token || token == "" {
		t.Errorf("published %+v, token %q", r, token)
	}

	stored, err := log.ByUndoToken(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ID != r.ID {
		t.Errorf("ByUndoToken id = %d, want %d", stored.ID, r.ID)
	}

	got, err := log.Get(ctx, r.ID)
	if err != nil || got.Subject != "/a" {
		t.Errorf("Get = %+v, %v", got, err)
	}
	if _, err := log.Get(ctx, r.ID+100); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	log, _ := setupTestLog(t)
	ctx := context.Background()

	ch, cancel := log.Subscribe(1)

	for i := 0; i < 3; i++ {
		err := log.Mutate(ctx, "test", func(_ *sql.Tx, rec *Recorder) error {
			rec.Emit(KindJobEnqueued, "hash:1", nil)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	if got := len(ch); got != 1 {
		t.Errorf("buffered = %d, want 1", got)
	}

	cancel()
	cancel() // idempotent
	for range ch {
	}

	records, err := log.List(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Errorf("List = %d records, want 3", len(records))
	}
}

func TestConcurrentMutations(t *testing.T) {
	log, _ := setupTestLog(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- log.Mutate(ctx, "test", func(tx *sql.Tx, rec *Recorder) error {
				rec.Emit(KindBlobMerged, "H", nil)
				return nil
			})
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Mutate: %v", err)
		}
	}

	records, err := log.ForSubject(ctx, "H", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != writers {
		t.Errorf("got %d records, want %d", len(records), writers)
	}
}
