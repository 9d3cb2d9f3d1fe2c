package main

import (
	"time"

	"github.com/spf13/cobra"
)

const followInterval = time.Second

func newAuditCmd(opts *options) *cobra.Command {
	var (
		after   int64
		limit   int
		subject string
		follow  bool
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print audit log records",
		Long: `Print audit log records, oldest first.

With --subject the newest records about one asset path, blob hash or job
target are printed instead. With --follow new records are printed as they
are committed until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if limit <= 0 {
				limit = 100
			}
			return withIndex(ctx, opts, func(idx *index) error {
				if subject != "" {
					records, err := idx.audit.ForSubject(ctx, subject, limit)
					if err != nil {
						return err
					}
					return opts.writeRecords(records)
				}

				cursor := after
				for {
					records, err := idx.audit.List(ctx, cursor, limit)
					if err != nil {
						return err
					}
					if err := opts.writeRecords(records); err != nil {
						return err
					}
					if len(records) > 0 {
						cursor = records[len(records)-1].ID
					}
					if !follow {
						return nil
					}
					if len(records) < limit {
						select {
						case <-ctx.Done():
							return nil
						case <-time.After(followInterval):
						}
					}
				}
			})
		},
	}

	cmd.Flags().Int64Var(&after, "after", 0, "print records with an id greater than this")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum records per page")
	cmd.Flags().StringVar(&subject, "subject", "", "only records about this subject")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new records")
	return cmd
}
