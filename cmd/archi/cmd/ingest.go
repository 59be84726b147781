package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/axion66/A2rchi-sub003/internal/search"
)

// ingestLine is the JSON Lines input format for ingestion.
type ingestLine struct {
	DocumentID uint64            `json:"document_id"`
	Ordinal    uint32            `json:"ordinal"`
	Text       string            `json:"text"`
	Embedding  []float32         `json:"embedding"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func newIngestCmd() *cobra.Command {
	var filePath string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest document chunks from JSON Lines",
		Long: `Read chunks as JSON Lines from a file or stdin and ingest each into
the engine. Each line carries document_id, ordinal, text, and an
embedding matching the configured dimensionality.

Lines are ingested independently; the first failure stops the run and
reports how many chunks committed before it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), cmd, filePath)
		},
	}

	cmd.Flags().StringVarP(&filePath, "file", "f", "", "Input file (default: stdin)")

	return cmd
}

func runIngest(ctx context.Context, cmd *cobra.Command, filePath string) error {
	var input io.Reader = cmd.InOrStdin()
	if filePath != "" {
		f, err := os.Open(filePath)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		input = f
	}

	engine, closer, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closer()

	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	ingested := 0
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var in ingestLine
		if err := json.Unmarshal(line, &in); err != nil {
			return fmt.Errorf("line %d: malformed JSON (%d chunks ingested): %w", lineNo, ingested, err)
		}

		chunkID, err := engine.Ingest(ctx, search.IngestRequest{
			DocumentID: in.DocumentID,
			Ordinal:    in.Ordinal,
			Text:       in.Text,
			Embedding:  in.Embedding,
			Metadata:   in.Metadata,
		})
		if err != nil {
			return fmt.Errorf("line %d: ingest failed (%d chunks ingested): %w", lineNo, ingested, err)
		}
		ingested++

		fmt.Fprintf(cmd.OutOrStdout(), "%d\n", chunkID)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input (%d chunks ingested): %w", ingested, err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Ingested %d chunks\n", ingested)
	return nil
}
