package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newRebuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild both indexes from the chunk store",
		Long: `Discard the lexical and vector indexes and rebuild them from a full
scan of the live chunks. This is the recovery path after index
corruption.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRebuild(cmd.Context(), cmd)
		},
	}
	return cmd
}

func runRebuild(ctx context.Context, cmd *cobra.Command) error {
	engine, closer, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closer()

	if err := engine.Rebuild(ctx); err != nil {
		return err
	}

	stats, err := engine.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Rebuilt indexes over %d chunks\n", stats.ChunkCount)
	return nil
}
