package main

import (
	"fmt"

	"assetindex/internal/assets"
	"assetindex/internal/blobstore"
	"assetindex/internal/jobs"

	"github.com/spf13/cobra"
)

type statsReport struct {
	Assets map[assets.State]int `json:"assets"`
	Blobs  blobstore.Stats      `json:"blobs"`
	Jobs   map[jobs.State]int   `json:"jobs"`
}

func newStatsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show asset, blob and job counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withIndex(cmd.Context(), opts, func(idx *index) error {
				var (
					report statsReport
					err    error
				)
				if report.Assets, err = idx.tracker.Counts(cmd.Context()); err != nil {
					return err
				}
				if report.Blobs, err = idx.blobs.Stats(cmd.Context()); err != nil {
					return err
				}
				if report.Jobs, err = idx.scheduler.Stats(cmd.Context()); err != nil {
					return err
				}

				if opts.jsonOutput {
					return opts.writeJSON(report)
				}

				tw := opts.table()
				fmt.Fprintln(tw, "ASSETS\t")
				for _, state := range sortedCounts(report.Assets) {
					fmt.Fprintf(tw, "  %s\t%d\n", state, report.Assets[state])
				}
				fmt.Fprintln(tw, "BLOBS\t")
				fmt.Fprintf(tw, "  referenced\t%d\n", report.Blobs.Referenced)
				fmt.Fprintf(tw, "  reclaimable\t%d\n", report.Blobs.Reclaimable)
				fmt.Fprintf(tw, "  bytes\t%d\n", report.Blobs.Bytes)
				fmt.Fprintf(tw, "  duplicate bytes\t%d\n", report.Blobs.DuplicateBytes)
				fmt.Fprintln(tw, "JOBS\t")
				for _, state := range sortedCounts(report.Jobs) {
					fmt.Fprintf(tw, "  %s\t%d\n", state, report.Jobs[state])
				}
				return tw.Flush()
			})
		},
	}
}
