package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"assetindex/internal/blobstore"
	"assetindex/internal/media"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
)

type gcReport struct {
	Recounted       int              `json:"recounted"`
	Purged          []blobstore.Blob `json:"purged"`
	PreviewsRemoved int              `json:"previewsRemoved"`
	Vacuumed        bool             `json:"vacuumed"`
}

func newGCCmd(opts *options) *cobra.Command {
	var (
		olderThan time.Duration
		recount   bool
		dryRun    bool
		vacuum    bool
	)

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Purge blobs that have been unreferenced for a while",
		Long: `Purge blobs that no present asset has referenced for longer than
--older-than, together with their cached previews. With --recount the
reference counts are recomputed from the assets first, and --vacuum
compacts the database file afterwards.

gc takes the instance lock, so the daemon must be stopped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan < 0 {
				return errors.New("--older-than must not be negative")
			}

			lock := flock.New(opts.lockPath())
			locked, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("failed to acquire %s: %w", opts.lockPath(), err)
			}
			if !locked {
				return errors.New("the index is in use; stop the daemon before running gc")
			}
			defer lock.Unlock()

			ctx := cmd.Context()
			return withIndex(ctx, opts, func(idx *index) error {
				report := gcReport{Purged: []blobstore.Blob{}}

				if dryRun {
					candidates, err := idx.blobs.ListReclaimable(ctx, 0)
					if err != nil {
						return err
					}
					cutoff := time.Now().Add(-olderThan)
					for _, b := range candidates {
						if b.ReclaimableAt != nil && b.ReclaimableAt.Before(cutoff) {
							report.Purged = append(report.Purged, b)
						}
					}
					return opts.writeGC(report, true)
				}

				if recount {
					if report.Recounted, err = idx.blobs.Recount(ctx); err != nil {
						return err
					}
				}

				purged, err := idx.blobs.Purge(ctx, olderThan)
				if err != nil {
					return err
				}
				report.Purged = append(report.Purged, purged...)

				previews := media.NewPreviewGenerator(opts.cacheDir)
				for _, b := range purged {
					if b.PreviewRef == "" {
						continue
					}
					path, err := previews.Path(b.PreviewRef)
					if err != nil {
						continue
					}
					if err := os.Remove(path); err == nil {
						report.PreviewsRemoved++
					} else if !os.IsNotExist(err) {
						return fmt.Errorf("remove preview of %s: %w", b.ContentHash, err)
					}
				}

				if vacuum {
					if err := idx.db.Vacuum(ctx); err != nil {
						return fmt.Errorf("vacuum: %w", err)
					}
					report.Vacuumed = true
				}
				return opts.writeGC(report, false)
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "minimum time a blob has been unreferenced")
	cmd.Flags().BoolVar(&recount, "recount", false, "recompute reference counts before purging")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list the blobs that would be purged")
	cmd.Flags().BoolVar(&vacuum, "vacuum", false, "compact the database after purging")
	return cmd
}

func (o *options) writeGC(report gcReport, dryRun bool) error {
	if o.jsonOutput {
		return o.writeJSON(report)
	}
	verb := "purged"
	if dryRun {
		verb = "would purge"
	}
	for _, b := range report.Purged {
		o.printf("%s %s (%d bytes)\n", verb, b.ContentHash, b.Size)
	}
	if report.Recounted > 0 {
		o.printf("%d reference counts corrected\n", report.Recounted)
	}
	o.printf("%d blobs %s, %d previews removed\n", len(report.Purged), verb, report.PreviewsRemoved)
	if report.Vacuumed {
		o.printf("database compacted\n")
	}
	return nil
}
