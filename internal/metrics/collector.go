package metrics

import (
	"context"
	"os"
	"time"

	"assetindex/internal/logging"
)

// StatsProvider supplies a snapshot of the index for the gauges.
type StatsProvider interface {
	IndexStats(ctx context.Context) (Stats, error)
}

// Stats holds the current index counts.
type Stats struct {
	AssetsByState    map[string]int
	BlobsReferenced  int
	BlobsReclaimable int
	BlobBytes        int64
	JobsByState      map[string]int
}

// Collector periodically refreshes the index gauges and database file sizes.
type Collector struct {
	statsProvider StatsProvider
	dbPath        string
	interval      time.Duration
	stopChan      chan struct{}
	doneChan      chan struct{}
}

// NewCollector creates a collector. dbPath may be empty to skip file sizes.
func NewCollector(provider StatsProvider, dbPath string, interval time.Duration) *Collector {
	return &Collector{
		statsProvider: provider,
		dbPath:        dbPath,
		interval:      interval,
		stopChan:      make(chan struct{}),
		doneChan:      make(chan struct{}),
	}
}

// Start begins the collection loop.
func (c *Collector) Start() {
	go c.collectLoop()
}

// Stop stops the collection loop and waits for it to exit.
func (c *Collector) Stop() {
	close(c.stopChan)
	<-c.doneChan
}

func (c *Collector) collectLoop() {
	defer close(c.doneChan)

	c.collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopChan:
			return
		}
	}
}

func (c *Collector) collect() {
	c.collectFileSizes()

	if c.statsProvider == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := c.statsProvider.IndexStats(ctx)
	if err != nil {
		logging.Warn("Metrics collection failed: %v", err)
		return
	}
	apply(stats)

	logging.Debug("Metrics collected: blobs=%d reclaimable=%d bytes=%d",
		stats.BlobsReferenced, stats.BlobsReclaimable, stats.BlobBytes)
}

func apply(stats Stats) {
	for state, n := range stats.AssetsByState {
		IndexAssets.WithLabelValues(state).Set(float64(n))
	}
	for state, n := range stats.JobsByState {
		IndexJobs.WithLabelValues(state).Set(float64(n))
	}
	IndexBlobs.WithLabelValues("referenced").Set(float64(stats.BlobsReferenced))
	IndexBlobs.WithLabelValues("reclaimable").Set(float64(stats.BlobsReclaimable))
	IndexBlobBytes.Set(float64(stats.BlobBytes))
}

func (c *Collector) collectFileSizes() {
	if c.dbPath == "" {
		return
	}
	files := map[string]string{
		"main": c.dbPath,
		"wal":  c.dbPath + "-wal",
		"shm":  c.dbPath + "-shm",
	}
	for label, path := range files {
		var size int64
		if info, err := os.Stat(path); err == nil {
			size = info.Size()
		}
		DBSizeBytes.WithLabelValues(label).Set(float64(size))
	}
}
