package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRehashCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rehash <asset-id>...",
		Short: "Force the content of assets to be hashed again",
		Long: `Force the content of assets to be hashed again.

The hash jobs are queued in the database and run by the daemon. Entries of
a container are refreshed by materializing their container again.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withIndex(cmd.Context(), opts, func(idx *index) error {
				for _, id := range ids {
					a, err := idx.processor.RequestRehash(cmd.Context(), id)
					if err != nil {
						return fmt.Errorf("rehash asset %d: %w", id, err)
					}
					opts.printf("asset %d queued: %s\n", a.ID, a.Path)
				}
				return nil
			})
		},
	}
}
