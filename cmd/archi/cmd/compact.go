package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newCompactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Reclaim space from tombstoned chunks",
		Long: `Purge tombstoned rows from the chunk store, drop tombstoned lexical
postings, and rebuild the vector graph without its orphaned nodes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompact(cmd.Context(), cmd)
		},
	}
	return cmd
}

func runCompact(ctx context.Context, cmd *cobra.Command) error {
	engine, closer, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closer()

	stats, err := engine.Compact(ctx)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Chunks removed:     %d\n", stats.ChunksRemoved)
	fmt.Fprintf(w, "Postings reclaimed: %d\n", stats.PostingsReclaimed)
	fmt.Fprintf(w, "Orphans reclaimed:  %d\n", stats.OrphansReclaimed)
	return nil
}
