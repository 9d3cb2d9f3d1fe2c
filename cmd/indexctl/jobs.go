package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newJobsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and retry jobs",
	}
	cmd.AddCommand(newJobsDeadCmd(opts), newJobsRetryCmd(opts))
	return cmd
}

func newJobsDeadCmd(opts *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "dead",
		Short: "List jobs that exhausted their attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withIndex(cmd.Context(), opts, func(idx *index) error {
				list, err := idx.scheduler.Dead(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return opts.writeJobs(list)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum jobs to list")
	return cmd
}

func newJobsRetryCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>...",
		Short: "Give dead jobs a fresh attempt budget",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withIndex(cmd.Context(), opts, func(idx *index) error {
				for _, id := range ids {
					job, err := idx.scheduler.RetryDead(cmd.Context(), id)
					if err != nil {
						return fmt.Errorf("retry job %d: %w", id, err)
					}
					opts.printf("job %d queued as %d (%s)\n", id, job.ID, job.State)
				}
				return nil
			})
		},
	}
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
