package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <chunk-id>...",
		Short: "Delete chunks by ID",
		Long: `Tombstone the given chunks and remove them from both indexes.
Deleting an already-deleted chunk succeeds; an ID that was never
assigned is an error.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(cmd.Context(), cmd, args)
		},
	}
	return cmd
}

func runDelete(ctx context.Context, cmd *cobra.Command, args []string) error {
	ids := make([]uint64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid chunk ID %q: %w", arg, err)
		}
		ids = append(ids, id)
	}

	engine, closer, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closer()

	for _, id := range ids {
		if err := engine.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete chunk %d: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d\n", id)
	}
	return nil
}
