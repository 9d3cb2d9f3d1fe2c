package metrics

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type fakeProvider struct {
	calls atomic.Int32
	stats Stats
	err   error
}

func (f *fakeProvider) IndexStats(_ context.Context) (Stats, error) {
	f.calls.Add(1)
	return f.stats, f.err
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("reading gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestCollectorAppliesStats(t *testing.T) {
	provider := &fakeProvider{stats: Stats{
		AssetsByState:    map[string]int{"stable": 7, "absent": 2},
		BlobsReferenced:  5,
		BlobsReclaimable: 1,
		BlobBytes:        4096,
		JobsByState:      map[string]int{"dead": 3},
	}}

	c := NewCollector(provider, "", time.Hour)
	c.collect()

	if got := gaugeValue(t, IndexAssets.WithLabelValues("stable")); got != 7 {
		t.Errorf("stable assets = %v, want 7", got)
	}
	if got := gaugeValue(t, IndexBlobs.WithLabelValues("reclaimable")); got != 1 {
		t.Errorf("reclaimable blobs = %v, want 1", got)
	}
	if got := gaugeValue(t, IndexBlobBytes); got != 4096 {
		t.Errorf("blob bytes = %v, want 4096", got)
	}
	if got := gaugeValue(t, IndexJobs.WithLabelValues("dead")); got != 3 {
		t.Errorf("dead jobs = %v, want 3", got)
	}
}

func TestCollectorKeepsGaugesOnError(t *testing.T) {
	IndexBlobBytes.Set(123)

	provider := &fakeProvider{err: errors.New("database closed")}
	c := NewCollector(provider, "", time.Hour)
	c.collect()

	if got := gaugeValue(t, IndexBlobBytes); got != 123 {
		t.Errorf("blob bytes changed on error: %v", got)
	}
}

func TestCollectorFileSizes(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")
	if err := os.WriteFile(dbPath, make([]byte, 2048), 0o644); err != nil {
		t.Fatal(err)
	}

	c := NewCollector(nil, dbPath, time.Hour)
	c.collect()

	if got := gaugeValue(t, DBSizeBytes.WithLabelValues("main")); got != 2048 {
		t.Errorf("main size = %v, want 2048", got)
	}
	if got := gaugeValue(t, DBSizeBytes.WithLabelValues("wal")); got != 0 {
		t.Errorf("wal size = %v, want 0", got)
	}
}

func TestCollectorStartStop(t *testing.T) {
	provider := &fakeProvider{}
	c := NewCollector(provider, "", 10*time.Millisecond)
	c.Start()
	time.Sleep(50 * time.Millisecond)
	c.Stop()

	if provider.calls.Load() < 1 {
		t.Error("expected at least one collection")
	}
}
