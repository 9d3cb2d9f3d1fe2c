package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"assetindex/internal/assets"
	"assetindex/internal/audit"
	"assetindex/internal/blobstore"
	"assetindex/internal/containers"
	"assetindex/internal/database"
	"assetindex/internal/indexer"
	"assetindex/internal/jobs"
	"assetindex/internal/startup"

	"github.com/spf13/cobra"
)

type options struct {
	databaseDir string
	cacheDir    string
	jsonOutput  bool
	out         io.Writer
}

func defaultOptions() *options {
	defaults := startup.DefaultConfig()
	opts := &options{
		databaseDir: defaults.DatabaseDir,
		cacheDir:    defaults.CacheDir,
		out:         os.Stdout,
	}
	if dir := os.Getenv("DATABASE_DIR"); dir != "" {
		opts.databaseDir = dir
	}
	if dir := os.Getenv("CACHE_DIR"); dir != "" {
		opts.cacheDir = dir
	}
	return opts
}

func newRootCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "indexctl",
		Short:         "Inspect and maintain an assetindex database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = startup.Version
	cmd.PersistentFlags().StringVar(&opts.databaseDir, "database-dir", opts.databaseDir, "directory holding "+startup.DatabaseFile+" (env DATABASE_DIR)")
	cmd.PersistentFlags().StringVar(&opts.cacheDir, "cache-dir", opts.cacheDir, "directory holding previews (env CACHE_DIR)")
	cmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output JSON")

	cmd.AddCommand(
		newStatsCmd(opts),
		newJobsCmd(opts),
		newAuditCmd(opts),
		newRehashCmd(opts),
		newVerifyCmd(opts),
		newGCCmd(opts),
	)
	return cmd
}

// index is the set of components a command works with. Nothing is started:
// jobs queued here are run by the daemon.
type index struct {
	db        *database.Database
	audit     *audit.Log
	blobs     *blobstore.Store
	scheduler *jobs.Scheduler
	tracker   *assets.Tracker
	processor *indexer.Processor
}

func (o *options) databasePath() string {
	return filepath.Join(o.databaseDir, startup.DatabaseFile)
}

func (o *options) lockPath() string {
	return filepath.Join(o.databaseDir, startup.LockFile)
}

func withIndex(ctx context.Context, opts *options, fn func(*index) error) error {
	path := opts.databasePath()
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no index at %s: %w", path, err)
	}

	db, err := database.New(ctx, path)
	if err != nil {
		return err
	}
	defer db.Close()

	idx := &index{db: db}
	idx.audit = audit.New(db)
	idx.blobs = blobstore.New(db, idx.audit)
	idx.scheduler = jobs.New(db, idx.audit, jobs.DefaultConfig(), nil)
	idx.tracker = assets.New(db, idx.audit, idx.blobs, idx.scheduler)
	idx.processor = indexer.NewProcessor(idx.tracker, idx.blobs, idx.scheduler, nil, indexer.ProcessorConfig{
		Extractor: containers.NewExtractor(),
	})
	return fn(idx)
}
