package indexer

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"assetindex/internal/filesystem"
	"assetindex/internal/hashing"
	"assetindex/internal/logging"
	"assetindex/internal/metrics"
	"assetindex/internal/workers"
)

// WalkerConfig configures the parallel sweep walker.
type WalkerConfig struct {
	// NumWorkers is the number of files sampled concurrently.
	NumWorkers int
	// ChannelBuffer is the size of the work channel buffer.
	ChannelBuffer int
	// Retry is applied to every open and stat.
	Retry filesystem.RetryConfig
}

// DefaultWalkerConfig sizes the walker from SWEEP_WORKERS or the CPU count.
// The cap keeps network filesystems from being flooded.
func DefaultWalkerConfig() WalkerConfig {
	return WalkerConfig{
		NumWorkers:    workers.ForIO(workers.EnvSweepWorkers, 8),
		ChannelBuffer: 1000,
		Retry:         filesystem.DefaultRetryConfig(),
	}
}

// WalkResult is what one walk of a root found.
type WalkResult struct {
	// Samples holds every regular file that could be sampled.
	Samples []hashing.Sample
	// Unreadable holds files that were listed but could not be sampled.
	// Their assets are left alone rather than marked absent.
	Unreadable map[string]error
	// UnreadableDirs holds directories below the start that could not be
	// listed. Assets under them are left alone as well.
	UnreadableDirs []string
	// Dirs counts the directories walked.
	Dirs int64
}

// ParallelWalker walks one directory tree and samples the fast hash of
// every regular file on a worker pool.
type ParallelWalker struct {
	config WalkerConfig
	root   string
	base   string
	filter *Filter

	jobs    chan string
	results chan sampleResult
	wg      sync.WaitGroup

	// unreadableDirs is only touched by the walking goroutine.
	unreadableDirs []string

	filesProcessed   atomic.Int64
	foldersProcessed atomic.Int64
	errorsCount      atomic.Int64
}

type sampleResult struct {
	path   string
	sample hashing.Sample
	err    error
}

// NewParallelWalker creates a walker for root. Only the subtree at start is
// walked; start must be root or lie under it.
func NewParallelWalker(root, start string, filter *Filter, config WalkerConfig) *ParallelWalker {
	if config.NumWorkers < 1 {
		config.NumWorkers = 1
	}
	if start == "" {
		start = root
	}
	return &ParallelWalker{
		config:  config,
		root:    root,
		base:    start,
		filter:  filter,
		jobs:    make(chan string, config.ChannelBuffer),
		results: make(chan sampleResult, config.ChannelBuffer),
	}
}

// Walk samples the tree. It returns an error only when the start directory
// itself cannot be read or ctx ends; unreadable entries are reported in the
// result.
func (pw *ParallelWalker) Walk(ctx context.Context) (WalkResult, error) {
	startTime := time.Now()
	result := WalkResult{Unreadable: make(map[string]error)}

	for i := 0; i < pw.config.NumWorkers; i++ {
		pw.wg.Add(1)
		go pw.worker(ctx)
	}

	var collector sync.WaitGroup
	collector.Add(1)
	go func() {
		defer collector.Done()
		for r := range pw.results {
			if r.err != nil && hashing.IsNotExist(r.err) {
				continue
			}
			if r.err != nil {
				pw.errorsCount.Add(1)
				result.Unreadable[r.path] = r.err
				continue
			}
			result.Samples = append(result.Samples, r.sample)
		}
	}()

	err := pw.walkAndEnqueue(ctx)
	close(pw.jobs)
	pw.wg.Wait()
	close(pw.results)
	collector.Wait()

	result.Dirs = pw.foldersProcessed.Load()
	result.UnreadableDirs = pw.unreadableDirs
	metrics.SweepFilesWalked.Add(float64(pw.filesProcessed.Load()))

	logging.Debug("Walk of %s complete: %d files, %d folders in %v (errors: %d)",
		pw.base, pw.filesProcessed.Load(), pw.foldersProcessed.Load(), time.Since(startTime), pw.errorsCount.Load())

	if err == nil {
		err = ctx.Err()
	}
	return result, err
}

func (pw *ParallelWalker) walkAndEnqueue(ctx context.Context) error {
	if _, err := filesystem.StatWithRetry(ctx, pw.base, pw.config.Retry); err != nil {
		return err
	}

	err := filepath.WalkDir(pw.base, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return fs.SkipAll
		}

		if err != nil {
			if path == pw.base {
				return err
			}
			logging.Warn("Error accessing path %s: %v", path, err)
			pw.errorsCount.Add(1)
			pw.unreadableDirs = append(pw.unreadableDirs, path)
			return nil
		}

		rel, relErr := filepath.Rel(pw.root, path)
		if relErr != nil {
			return nil //nolint:nilerr // skip this entry, keep walking
		}
		if pw.filter.Ignored(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			pw.foldersProcessed.Add(1)
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		select {
		case pw.jobs <- path:
		case <-ctx.Done():
			return fs.SkipAll
		}
		return nil
	})
	if errors.Is(err, fs.SkipAll) {
		return nil
	}
	return err
}

func (pw *ParallelWalker) worker(ctx context.Context) {
	defer pw.wg.Done()

	for path := range pw.jobs {
		if ctx.Err() != nil {
			continue
		}

		sample, err := hashing.FastFile(ctx, path, pw.config.Retry)
		if err == nil {
			pw.filesProcessed.Add(1)
		}
		pw.results <- sampleResult{path: path, sample: sample, err: err}
	}
}

// Stats returns current processing statistics.
func (pw *ParallelWalker) Stats() (files, folders, errors int64) {
	return pw.filesProcessed.Load(), pw.foldersProcessed.Load(), pw.errorsCount.Load()
}
