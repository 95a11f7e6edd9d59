package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCacheCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the response cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, a, _, cleanup, err := setup(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := a.Orchestrator.CacheStats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Valid:   %d\nExpired: %d\nTotal:   %d\n",
				stats.ValidEntries, stats.ExpiredEntries, stats.TotalEntries)
			return nil
		},
	}

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete expired cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, a, _, cleanup, err := setup(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := a.Orchestrator.PurgeExpired(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d expired cache entries.\n", n)
			return nil
		},
	}

	cmd.AddCommand(statsCmd, purgeCmd)
	return cmd
}
