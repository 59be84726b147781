package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show corpus and index statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd.Context(), cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// statsOutput is the JSON output format.
type statsOutput struct {
	ChunkCount    int     `json:"chunk_count"`
	TermCount     int     `json:"term_count"`
	AvgDocLength  float64 `json:"avg_doc_length"`
	VectorCount   int     `json:"vector_count"`
	VectorOrphans int     `json:"vector_orphans"`
}

func runStats(ctx context.Context, cmd *cobra.Command, jsonOutput bool) error {
	engine, closer, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closer()

	stats, err := engine.Stats(ctx)
	if err != nil {
		return err
	}

	out := statsOutput{
		ChunkCount:    stats.ChunkCount,
		TermCount:     stats.Lexical.TermCount,
		AvgDocLength:  stats.Lexical.AvgDocLength,
		VectorCount:   stats.VectorCount,
		VectorOrphans: stats.VectorOrphans,
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "Corpus Statistics")
	fmt.Fprintln(w, "=================")
	fmt.Fprintf(w, "Live chunks:     %d\n", out.ChunkCount)
	fmt.Fprintf(w, "Lexical terms:   %d\n", out.TermCount)
	fmt.Fprintf(w, "Avg doc length:  %.1f tokens\n", out.AvgDocLength)
	fmt.Fprintf(w, "Vectors:         %d\n", out.VectorCount)
	fmt.Fprintf(w, "Vector orphans:  %d\n", out.VectorOrphans)
	return nil
}
