package assets

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"assetindex/internal/audit"
	"assetindex/internal/blobstore"
	"assetindex/internal/database"
	"assetindex/internal/mediatypes"
)

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []int64
	fail     error
}

func (q *fakeQueue) EnqueueHashTx(_ context.Context, _ *sql.Tx, _ *audit.Recorder, assetID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	q.enqueued = append(q.enqueued, assetID)
	return nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.enqueued)
}

type fixture struct {
	tracker *Tracker
	blobs   *blobstore.Store
	log     *audit.Log
	queue   *fakeQueue
}

func setupTracker(t *testing.T) *fixture {
	t.Helper()

	db, err := database.New(context.Background(), filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := audit.New(db)
	blobs := blobstore.New(db, log)
	queue := &fakeQueue{}
	return &fixture{
		tracker: New(db, log, blobs, queue),
		blobs:   blobs,
		log:     log,
		queue:   queue,
	}
}

var mtime = time.Unix(1_700_000_000, 0)

func obs(path, fast string, size int64) Observation {
	return Observation{Path: path, Root: "/", Size: size, ModTime: mtime, FastHash: fast}
}

func (f *fixture) observe(t *testing.T, o Observation) (Asset, Outcome) {
	t.Helper()
	a, out, err := f.tracker.Observe(context.Background(), o)
	if err != nil {
		t.Fatalf("Observe %s: %v", o.Path, err)
	}
	return a, out
}

func (f *fixture) resolve(t *testing.T, a Asset, hash string) Resolution {
	t.Helper()
	res, err := f.tracker.ResolveContent(context.Background(), a.ID, a.HashVersion, hash, a.Size, mediatypes.FromPath(a.Path))
	if err != nil {
		t.Fatalf("ResolveContent %s: %v", a.Path, err)
	}
	return res
}

func (f *fixture) blob(t *testing.T, hash string) blobstore.Blob {
	t.Helper()
	b, err := f.blobs.GetByHash(context.Background(), hash)
	if err != nil {
		t.Fatalf("GetByHash %s: %v", hash, err)
	}
	return b
}

func TestObserveLifecycle(t *testing.T) {
	f := setupTracker(t)

	a, out := f.observe(t, obs("/docs/report.pdf", "F1", 100))
	if out != OutcomeCreated || a.State != StateHashPending || a.ContentHash != "" {
		t.Fatalf("created asset = %+v (%s)", a, out)
	}
	if f.queue.count() != 1 {
		t.Errorf("hash jobs = %d, want 1", f.queue.count())
	}

	res := f.resolve(t, a, "H1")
	if res.Result != Applied || res.Asset.State != StateHashed || res.Blob.RefCount != 1 {
		t.Fatalf("resolution = %+v", res)
	}

	// Same fast hash: no hash job, hashed promotes to stable.
	a2, out := f.observe(t, obs("/docs/report.pdf", "F1", 100))
	if out != OutcomeUnchanged || a2.ID != a.ID || a2.State != StateStable {
		t.Errorf("steady state = %+v (%s)", a2, out)
	}
	f.observe(t, obs("/docs/report.pdf", "F1", 100))
	if f.queue.count() != 1 {
		t.Errorf("unchanged fast hash enqueued work: %d jobs", f.queue.count())
	}
}

func TestReportScenario(t *testing.T) {
	f := setupTracker(t)
	ctx := context.Background()

	// Add /docs/report.pdf -> blob H1.
	docs, _ := f.observe(t, obs("/docs/report.pdf", "F1", 100))
	f.resolve(t, docs, "H1")

	// Copy to /backup/report.pdf -> same blob, two references.
	backup, _ := f.observe(t, obs("/backup/report.pdf", "F1b", 100))
	res := f.resolve(t, backup, "H1")
	if res.Blob.RefCount != 2 {
		t.Fatalf("ref count after copy = %d, want 2", res.Blob.RefCount)
	}

	// Delete /docs/report.pdf -> soft delete, H1 keeps one reference.
	gone, found, err := f.tracker.MarkAbsent(ctx, "/docs/report.pdf")
	if err != nil || !found {
		t.Fatalf("MarkAbsent = %v, %v", found, err)
	}
	if gone.Present || gone.State != StateAbsent || gone.AbsentSince == nil {
		t.Errorf("absent asset = %+v", gone)
	}
	if b := f.blob(t, "H1"); b.RefCount != 1 || b.Reclaimable() {
		t.Errorf("H1 after delete = %+v", b)
	}

	// Edit /backup/report.pdf -> rehash to H2, H1 reclaimable.
	edited, out := f.observe(t, obs("/backup/report.pdf", "F2", 120))
	if out != OutcomeModified || edited.ContentHash != "" || edited.HashVersion != backup.HashVersion+1 {
		t.Fatalf("edited = %+v (%s)", edited, out)
	}
	if b := f.blob(t, "H1"); b.RefCount != 0 || !b.Reclaimable() {
		t.Errorf("H1 after edit = %+v", b)
	}

	res = f.resolve(t, edited, "H2")
	if res.Result != Applied || res.Blob.ContentHash != "H2" || res.Blob.RefCount != 1 {
		t.Errorf("H2 resolution = %+v", res)
	}

	// History survives.
	history, err := f.tracker.History(ctx, "/docs/report.pdf")
	if err != nil || len(history) != 1 || history[0].Present {
		t.Errorf("history = %+v, %v", history, err)
	}
}

func TestRelocateKeepsIdentity(t *testing.T) {
	f := setupTracker(t)
	ctx := context.Background()

	a, _ := f.observe(t, obs("/a/photo.jpg", "F1", 10))
	f.resolve(t, a, "H1")
	jobs := f.queue.count()

	moved, err := f.tracker.Relocate(ctx, "/a/photo.jpg", "/b/photo.jpg", Observation{Root: "/", ModTime: mtime})
	if err != nil {
		t.Fatal(err)
	}
	if moved.ID != a.ID || moved.ContentHash != "H1" || moved.Path != "/b/photo.jpg" {
		t.Errorf("moved = %+v", moved)
	}
	if f.queue.count() != jobs {
		t.Error("relocate must not schedule hashing")
	}
	if b := f.blob(t, "H1"); b.RefCount != 1 {
		t.Errorf("ref count after move = %d", b.RefCount)
	}
	if _, err := f.tracker.GetByPath(ctx, "/a/photo.jpg"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old path still present: %v", err)
	}

	records, _ := f.log.List(ctx, 0, 0)
	last := records[len(records)-1]
	if last.Kind != audit.KindAssetMoved || last.UndoToken == "" {
		t.Errorf("last audit = %+v", last)
	}
}

func TestRelocateOntoExistingPath(t *testing.T) {
	f := setupTracker(t)
	ctx := context.Background()

	src, _ := f.observe(t, obs("/a/x", "F1", 10))
	f.resolve(t, src, "H1")
	dst, _ := f.observe(t, obs("/a/y", "F2", 20))
	f.resolve(t, dst, "H2")

	if _, err := f.tracker.Relocate(ctx, "/a/x", "/a/y", Observation{}); err != nil {
		t.Fatal(err)
	}

	replaced, err := f.tracker.Get(ctx, dst.ID)
	if err != nil || replaced.Present {
		t.Errorf("replaced asset = %+v, %v", replaced, err)
	}
	if b := f.blob(t, "H2"); !b.Reclaimable() {
		t.Errorf("H2 should be reclaimable: %+v", b)
	}
}

func TestStaleResultsAreDiscarded(t *testing.T) {
	f := setupTracker(t)
	ctx := context.Background()

	a, _ := f.observe(t, obs("/a/file", "F1", 10))

	// File changes while the first hash is in flight.
	f.observe(t, obs("/a/file", "F2", 10))
	res := f.resolve(t, a, "H-old")
	if res.Result != Stale {
		t.Fatalf("result = %v, want Stale", res.Result)
	}
	if _, err := f.blobs.GetByHash(ctx, "H-old"); !errors.Is(err, blobstore.ErrNotFound) {
		t.Error("stale result created a blob")
	}

	// Size differs from what the asset records.
	current, _ := f.tracker.GetByPath(ctx, "/a/file")
	mismatch, err := f.tracker.ResolveContent(ctx, current.ID, current.HashVersion, "H2", 999, mediatypes.Hint{})
	if err != nil || mismatch.Result != SizeMismatch {
		t.Errorf("size mismatch = %+v, %v", mismatch, err)
	}

	// Asset gone before the result arrived.
	f.tracker.MarkAbsent(ctx, "/a/file")
	res = f.resolve(t, current, "H2")
	if res.Result != Stale {
		t.Errorf("absent result = %v, want Stale", res.Result)
	}
}

func TestReappearanceCreatesNewAsset(t *testing.T) {
	f := setupTracker(t)
	ctx := context.Background()

	first, _ := f.observe(t, obs("/a/file", "F1", 10))
	f.tracker.MarkAbsent(ctx, "/a/file")

	again, out := f.observe(t, obs("/a/file", "F1", 10))
	if out != OutcomeCreated || again.ID == first.ID {
		t.Errorf("reappeared = %+v (%s), first id %d", again, out, first.ID)
	}

	if _, found, err := f.tracker.MarkAbsent(ctx, "/nope"); found || err != nil {
		t.Errorf("MarkAbsent unknown = %v, %v", found, err)
	}
}

func TestRequestRehash(t *testing.T) {
	f := setupTracker(t)
	ctx := context.Background()

	a, _ := f.observe(t, obs("/a/file", "F1", 10))
	f.resolve(t, a, "H1")

	re, err := f.tracker.RequestRehash(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if re.HashVersion != a.HashVersion+1 || re.State != StateHashPending {
		t.Errorf("rehash = %+v", re)
	}

	// Same content: reference count unchanged.
	res := f.resolve(t, re, "H1")
	if res.Result != Applied || f.blob(t, "H1").RefCount != 1 {
		t.Errorf("rehash resolution = %+v", res)
	}

	f.tracker.MarkAbsent(ctx, "/a/file")
	if _, err := f.tracker.RequestRehash(ctx, a.ID); !errors.Is(err, ErrAbsent) {
		t.Errorf("rehash absent = %v, want ErrAbsent", err)
	}
}

func TestVirtualAssetsFollowContainer(t *testing.T) {
	f := setupTracker(t)
	ctx := context.Background()

	zip, _ := f.observe(t, obs("/a/photos.zip", "FZ", 500))
	f.resolve(t, zip, "HZ")

	child := Observation{
		Path:            VirtualPath("HZ", "img/1.jpg"),
		Root:            VirtualScheme + "HZ",
		Size:            50,
		ModTime:         mtime,
		FastHash:        "FC",
		ContentHash:     "HC",
		Hint:            mediatypes.FromPath("1.jpg"),
		ContainerParent: "HZ",
	}
	c, out := f.observe(t, child)
	if out != OutcomeCreated || c.State != StateHashed || c.ContentHash != "HC" || !c.Virtual() {
		t.Fatalf("virtual child = %+v (%s)", c, out)
	}
	if f.queue.count() != 1 {
		t.Errorf("virtual assets must not be hashed again; jobs = %d", f.queue.count())
	}

	children, err := f.tracker.ListChildren(ctx, "HZ")
	if err != nil || len(children) != 1 {
		t.Fatalf("children = %+v, %v", children, err)
	}

	// Container deleted: its entries go absent and release their content.
	f.tracker.MarkAbsent(ctx, "/a/photos.zip")
	got, _ := f.tracker.Get(ctx, c.ID)
	if got.Present {
		t.Error("container entry should be absent with its container")
	}
	if b := f.blob(t, "HC"); !b.Reclaimable() {
		t.Errorf("entry blob = %+v, want reclaimable", b)
	}
}

func TestFailedEnqueueRollsBackObservation(t *testing.T) {
	f := setupTracker(t)
	ctx := context.Background()
	f.queue.fail = errors.New("queue closed")

	if _, _, err := f.tracker.Observe(ctx, obs("/a/file", "F1", 10)); err == nil {
		t.Fatal("expected error")
	}
	if _, err := f.tracker.GetByPath(ctx, "/a/file"); !errors.Is(err, ErrNotFound) {
		t.Errorf("asset persisted despite failed enqueue: %v", err)
	}
}

func TestCountsAndListing(t *testing.T) {
	f := setupTracker(t)
	ctx := context.Background()

	a, _ := f.observe(t, Observation{Path: "/r/a/1", Root: "/r", Size: 1, ModTime: mtime, FastHash: "F1"})
	f.observe(t, Observation{Path: "/r/a/2", Root: "/r", Size: 1, ModTime: mtime, FastHash: "F2"})
	f.observe(t, Observation{Path: "/r/b/3", Root: "/r", Size: 1, ModTime: mtime, FastHash: "F3"})
	f.resolve(t, a, "H1")

	list, err := f.tracker.ListPresent(ctx, "/r", "/r/a/")
	if err != nil || len(list) != 2 {
		t.Errorf("ListPresent prefix = %d, %v", len(list), err)
	}
	all, _ := f.tracker.ListPresent(ctx, "/r", "")
	if len(all) != 3 {
		t.Errorf("ListPresent all = %d", len(all))
	}

	counts, err := f.tracker.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[StateHashed] != 1 || counts[StateHashPending] != 2 {
		t.Errorf("counts = %v", counts)
	}

	byContent, _ := f.tracker.ListByContentHash(ctx, "H1")
	if len(byContent) != 1 || byContent[0].ID != a.ID {
		t.Errorf("ListByContentHash = %+v", byContent)
	}

	if ok, _ := f.tracker.IsPresent(ctx, a.ID); !ok {
		t.Error("IsPresent = false")
	}
	if ok, _ := f.tracker.IsPresent(ctx, 9999); ok {
		t.Error("IsPresent(9999) = true")
	}

	roots, _ := f.tracker.Roots(ctx)
	if len(roots) != 1 || roots[0] != "/r" {
		t.Errorf("Roots = %v", roots)
	}
}
