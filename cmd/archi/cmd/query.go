package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/axion66/A2rchi-sub003/internal/search"
)

func newQueryCmd() *cobra.Command {
	var (
		k             int
		breadth       int
		lexicalWeight float64
		embeddingJSON string
		embeddingFile string
		jsonOutput    bool
	)

	cmd := &cobra.Command{
		Use:   "query [text]",
		Short: "Run a hybrid top-k query",
		Long: `Search the corpus with query text, a query embedding, or both. The
lexical and vector rankings are fused with weighted RRF.

The embedding is a JSON array of numbers, passed inline via --embedding
or from a file via --embedding-file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := ""
			if len(args) > 0 {
				text = args[0]
			}
			return runQuery(cmd.Context(), cmd, text, k, breadth, lexicalWeight, embeddingJSON, embeddingFile, jsonOutput)
		},
	}

	cmd.Flags().IntVarP(&k, "k", "k", 0, "Number of results (default: config default_k)")
	cmd.Flags().IntVar(&breadth, "breadth", 0, "Vector candidate pool width (default: config default_breadth)")
	cmd.Flags().Float64Var(&lexicalWeight, "lexical-weight", -1, "Lexical fusion weight in [0,1]; vector gets the rest")
	cmd.Flags().StringVar(&embeddingJSON, "embedding", "", "Query embedding as a JSON array")
	cmd.Flags().StringVar(&embeddingFile, "embedding-file", "", "File containing the query embedding JSON array")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runQuery(ctx context.Context, cmd *cobra.Command, text string, k, breadth int, lexicalWeight float64, embeddingJSON, embeddingFile string, jsonOutput bool) error {
	embedding, err := readEmbedding(embeddingJSON, embeddingFile)
	if err != nil {
		return err
	}

	opts := search.QueryOptions{K: k, Breadth: breadth}
	if lexicalWeight >= 0 {
		opts.Weights = &search.Weights{Lexical: lexicalWeight, Vector: 1.0 - lexicalWeight}
	}

	engine, closer, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closer()

	results, err := engine.Query(ctx, text, embedding, opts)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	printResults(cmd, results)
	return nil
}

// readEmbedding parses the query embedding from flag or file.
func readEmbedding(embeddingJSON, embeddingFile string) ([]float32, error) {
	if embeddingJSON != "" && embeddingFile != "" {
		return nil, fmt.Errorf("--embedding and --embedding-file are mutually exclusive")
	}

	raw := embeddingJSON
	if embeddingFile != "" {
		data, err := os.ReadFile(embeddingFile)
		if err != nil {
			return nil, fmt.Errorf("read embedding file: %w", err)
		}
		raw = string(data)
	}
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var embedding []float32
	if err := json.Unmarshal([]byte(raw), &embedding); err != nil {
		return nil, fmt.Errorf("parse embedding: %w", err)
	}
	return embedding, nil
}

// truncateRunes shortens s to at most n runes, never splitting a multibyte
// sequence.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "…"
}

func printResults(cmd *cobra.Command, results []*search.SearchResult) {
	w := cmd.OutOrStdout()

	if len(results) == 0 {
		fmt.Fprintln(w, "No results.")
		return
	}

	for i, r := range results {
		sources := make([]string, 0, 2)
		if r.LexicalRank > 0 {
			sources = append(sources, fmt.Sprintf("lexical #%d", r.LexicalRank))
		}
		if r.VectorRank > 0 {
			sources = append(sources, fmt.Sprintf("vector #%d", r.VectorRank))
		}

		fmt.Fprintf(w, "%d. chunk %d (doc %d, ordinal %d) score=%.6f [%s]\n",
			i+1, r.Chunk.ID, r.Chunk.DocumentID, r.Chunk.Ordinal, r.Score, strings.Join(sources, ", "))

		fmt.Fprintf(w, "   %s\n", strings.ReplaceAll(truncateRunes(r.Chunk.Text, 200), "\n", " "))
	}
}
