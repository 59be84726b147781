package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/axion66/A2rchi-sub003/internal/config"
)

func newInitCmd() *cobra.Command {
	var dimensions int
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Long: `Create the data directory and write a default archi.yaml into it.
The embedding dimensionality has no default and must be provided.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, dimensions, force)
		},
	}

	cmd.Flags().IntVar(&dimensions, "dimensions", 0, "Embedding dimensionality (required)")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	_ = cmd.MarkFlagRequired("dimensions")

	return cmd
}

func runInit(cmd *cobra.Command, dimensions int, force bool) error {
	cfg := config.New()
	cfg.Engine.Dimensions = dimensions
	if dataDir != "" {
		cfg.Paths.DataDir = dataDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	path := configPath
	if path == "" {
		path = filepath.Join(cfg.Paths.DataDir, config.DefaultFileName)
	}
	if !force && fileExists(path) {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
	}

	if err := cfg.Save(path); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (dimensions: %d)\n", path, dimensions)
	return nil
}
