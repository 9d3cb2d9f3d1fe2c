package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"assetindex/internal/filesystem"
	"assetindex/internal/hashing"

	"github.com/spf13/cobra"
)

type verifyReport struct {
	Checked    int      `json:"checked"`
	Unhashed   int      `json:"unhashed"`
	Missing    []string `json:"missing"`
	Unreadable []string `json:"unreadable"`
	Mismatched []string `json:"mismatched"`
	Requeued   int      `json:"requeued"`
}

func newVerifyCmd(opts *options) *cobra.Command {
	var requeue bool

	cmd := &cobra.Command{
		Use:   "verify [root]...",
		Short: "Recompute content hashes and compare them with the index",
		Long: `Recompute the content hash of every hashed, present asset under the
given roots (all indexed roots by default) and report files whose bytes no
longer match. The blob table is checked for duplicate content rows first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withIndex(ctx, opts, func(idx *index) error {
				if err := idx.blobs.CheckInvariants(ctx); err != nil {
					return err
				}

				roots, err := verifyRoots(ctx, idx, args)
				if err != nil {
					return err
				}

				report, err := verify(ctx, idx, roots, requeue)
				if err != nil {
					return err
				}

				if opts.jsonOutput {
					if err := opts.writeJSON(report); err != nil {
						return err
					}
				} else {
					for _, path := range report.Missing {
						opts.printf("MISSING   %s\n", path)
					}
					for _, path := range report.Unreadable {
						opts.printf("UNREADABLE %s\n", path)
					}
					for _, path := range report.Mismatched {
						opts.printf("MISMATCH  %s\n", path)
					}
					opts.printf("%d checked, %d not yet hashed, %d missing, %d mismatched\n",
						report.Checked, report.Unhashed, len(report.Missing), len(report.Mismatched))
				}

				if len(report.Mismatched) > 0 {
					return fmt.Errorf("%d assets failed verification", len(report.Mismatched))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&requeue, "rehash", false, "queue a rehash for every mismatched asset")
	return cmd
}

func verifyRoots(ctx context.Context, idx *index, args []string) ([]string, error) {
	if len(args) == 0 {
		return idx.tracker.Roots(ctx)
	}
	roots := make([]string, 0, len(args))
	for _, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return nil, err
		}
		roots = append(roots, filepath.Clean(abs))
	}
	return roots, nil
}

func verify(ctx context.Context, idx *index, roots []string, requeue bool) (verifyReport, error) {
	report := verifyReport{Missing: []string{}, Unreadable: []string{}, Mismatched: []string{}}
	retry := filesystem.DefaultRetryConfig()

	for _, root := range roots {
		list, err := idx.tracker.ListPresent(ctx, root, "")
		if err != nil {
			return report, err
		}
		for _, a := range list {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if a.ContentHash == "" {
				report.Unhashed++
				continue
			}

			report.Checked++
			ok, err := hashing.Verify(ctx, a.Path, a.ContentHash, retry)
			switch {
			case hashing.IsNotExist(err):
				report.Missing = append(report.Missing, a.Path)
				continue
			case errors.Is(err, hashing.ErrIO):
				report.Unreadable = append(report.Unreadable, a.Path)
				continue
			case err != nil:
				return report, err
			case ok:
				continue
			}

			report.Mismatched = append(report.Mismatched, a.Path)
			if requeue {
				if _, err := idx.processor.RequestRehash(ctx, a.ID); err != nil {
					return report, fmt.Errorf("rehash %s: %w", a.Path, err)
				}
				report.Requeued++
			}
		}
	}
	return report, nil
}
