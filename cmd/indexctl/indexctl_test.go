package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"assetindex/internal/assets"
	"assetindex/internal/audit"
	"assetindex/internal/blobstore"
	"assetindex/internal/database"
	"assetindex/internal/filesystem"
	"assetindex/internal/hashing"
	"assetindex/internal/jobs"
	"assetindex/internal/mediatypes"

	"github.com/gofrs/flock"
)

type testIndex struct {
	opts  *options
	out   *bytes.Buffer
	root  string
	asset assets.Asset
}

// newTestIndex builds a database with one hashed asset and one orphan blob.
func newTestIndex(t *testing.T) *testIndex {
	t.Helper()
	ctx := context.Background()

	ti := &testIndex{out: &bytes.Buffer{}, root: t.TempDir()}
	ti.opts = &options{databaseDir: t.TempDir(), cacheDir: t.TempDir(), out: ti.out}

	db, err := database.New(ctx, ti.opts.databasePath())
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	defer db.Close()

	log := audit.New(db)
	blobs := blobstore.New(db, log)
	tracker := assets.New(db, log, blobs, jobs.New(db, log, jobs.DefaultConfig(), nil))

	path := filepath.Join(ti.root, "a.txt")
	if err := os.WriteFile(path, []byte("original"), 0o644); err != nil {
		t.Fatal(err)
	}
	sample, err := hashing.FastFile(ctx, path, filesystem.DefaultRetryConfig())
	if err != nil {
		t.Fatalf("FastFile: %v", err)
	}
	a, _, err := tracker.Observe(ctx, assets.Observation{
		Path:     path,
		Root:     ti.root,
		Size:     sample.Size,
		ModTime:  sample.ModTime,
		FastHash: sample.FastHash,
	})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	sum, size, err := hashing.ContentFile(ctx, path, filesystem.DefaultRetryConfig())
	if err != nil {
		t.Fatalf("ContentFile: %v", err)
	}
	res, err := tracker.ResolveContent(ctx, a.ID, a.HashVersion, sum, size, mediatypes.Hint{MimeType: "text/plain"})
	if err != nil {
		t.Fatalf("ResolveContent: %v", err)
	}
	ti.asset = res.Asset

	if _, err := blobs.Resolve(ctx, "orphan-hash", 3, mediatypes.Hint{}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return ti
}

func (ti *testIndex) run(t *testing.T, args ...string) error {
	t.Helper()
	ti.out.Reset()
	cmd := newRootCmd(ti.opts)
	cmd.SetArgs(args)
	cmd.SetOut(ti.out)
	cmd.SetErr(ti.out)
	return cmd.ExecuteContext(context.Background())
}

func TestStatsCommand(t *testing.T) {
	ti := newTestIndex(t)

	if err := ti.run(t, "stats", "--json"); err != nil {
		t.Fatalf("stats: %v", err)
	}
	var report statsReport
	if err := json.Unmarshal(ti.out.Bytes(), &report); err != nil {
		t.Fatalf("decode %q: %v", ti.out.String(), err)
	}
	if report.Assets[assets.StateHashed] != 1 {
		t.Errorf("Assets = %v, want one hashed asset", report.Assets)
	}
	if report.Blobs.Referenced != 1 || report.Blobs.Reclaimable != 1 {
		t.Errorf("Blobs = %+v", report.Blobs)
	}

	if err := ti.run(t, "stats"); err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(ti.out.String(), "reclaimable") {
		t.Errorf("table output missing blob rows:\n%s", ti.out.String())
	}
}

func TestVerifyCommand(t *testing.T) {
	ti := newTestIndex(t)

	if err := ti.run(t, "verify"); err != nil {
		t.Fatalf("verify of intact files: %v\n%s", err, ti.out.String())
	}
	if !strings.Contains(ti.out.String(), "1 checked") {
		t.Errorf("output = %q", ti.out.String())
	}

	if err := os.WriteFile(ti.asset.Path, []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := ti.run(t, "verify", "--rehash", ti.root)
	if err == nil {
		t.Fatal("verify accepted a modified file")
	}
	if !strings.Contains(ti.out.String(), "MISMATCH  "+ti.asset.Path) {
		t.Errorf("output = %q", ti.out.String())
	}

	if err := os.Remove(ti.asset.Path); err != nil {
		t.Fatal(err)
	}
	// A vanished file is reported, not failed; the next sweep handles it.
	if err := ti.run(t, "verify", "--json"); err != nil {
		t.Fatalf("verify of a missing file: %v", err)
	}
	var report verifyReport
	if err := json.Unmarshal(ti.out.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(report.Missing) != 1 || report.Missing[0] != ti.asset.Path {
		t.Errorf("report = %+v, want the asset missing", report)
	}
}

func TestGCCommand(t *testing.T) {
	ti := newTestIndex(t)

	if err := ti.run(t, "gc", "--older-than", "0s", "--dry-run"); err != nil {
		t.Fatalf("gc --dry-run: %v", err)
	}
	if !strings.Contains(ti.out.String(), "would purge orphan-hash") {
		t.Errorf("dry run output = %q", ti.out.String())
	}

	lock := flock.New(ti.opts.lockPath())
	if ok, err := lock.TryLock(); err != nil || !ok {
		t.Fatalf("TryLock = %v, %v", ok, err)
	}
	if err := ti.run(t, "gc", "--older-than", "0s"); err == nil {
		t.Error("gc ran while the lock was held")
	}
	lock.Unlock()

	if err := ti.run(t, "gc", "--older-than", "0s", "--recount", "--vacuum", "--json"); err != nil {
		t.Fatalf("gc: %v", err)
	}
	var report gcReport
	if err := json.Unmarshal(ti.out.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(report.Purged) != 1 || report.Purged[0].ContentHash != "orphan-hash" {
		t.Errorf("Purged = %+v", report.Purged)
	}
	if report.Recounted != 0 || !report.Vacuumed {
		t.Errorf("report = %+v, want no corrections and a vacuum", report)
	}
}

func TestJobsAndAuditCommands(t *testing.T) {
	ti := newTestIndex(t)

	if err := ti.run(t, "jobs", "dead"); err != nil {
		t.Fatalf("jobs dead: %v", err)
	}
	if strings.TrimSpace(ti.out.String()) != "No jobs" {
		t.Errorf("jobs dead = %q", ti.out.String())
	}

	if err := ti.run(t, "jobs", "retry", "x"); err == nil {
		t.Error("jobs retry accepted a non-numeric id")
	}

	if err := ti.run(t, "audit", "--subject", ti.asset.Path); err != nil {
		t.Fatalf("audit: %v", err)
	}
	for _, kind := range []audit.Kind{audit.KindAssetCreated, audit.KindAssetHashed} {
		if !strings.Contains(ti.out.String(), string(kind)) {
			t.Errorf("audit output lacks %s:\n%s", kind, ti.out.String())
		}
	}

	if err := ti.run(t, "audit", "--json", "--limit", "1"); err != nil {
		t.Fatalf("audit --json: %v", err)
	}
	var first audit.Record
	if err := json.Unmarshal(ti.out.Bytes(), &first); err != nil {
		t.Fatalf("decode %q: %v", ti.out.String(), err)
	}
	if first.ID != 1 {
		t.Errorf("first record id = %d, want 1", first.ID)
	}
}

func TestRehashCommand(t *testing.T) {
	ti := newTestIndex(t)

	if err := ti.run(t, "rehash", strconv.FormatInt(ti.asset.ID, 10)); err != nil {
		t.Fatalf("rehash: %v", err)
	}
	if !strings.Contains(ti.out.String(), ti.asset.Path) {
		t.Errorf("output = %q", ti.out.String())
	}

	if err := ti.run(t, "rehash", "9999"); err == nil {
		t.Error("rehash of an unknown asset succeeded")
	}
}

func TestMissingDatabase(t *testing.T) {
	opts := &options{databaseDir: t.TempDir(), out: &bytes.Buffer{}}
	cmd := newRootCmd(opts)
	cmd.SetArgs([]string{"stats"})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "no index") {
		t.Errorf("stats without a database = %v", err)
	}
}
