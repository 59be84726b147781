// Package cmd provides the CLI commands for the archi retrieval engine.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/axion66/A2rchi-sub003/internal/config"
	"github.com/axion66/A2rchi-sub003/internal/lockfile"
	"github.com/axion66/A2rchi-sub003/internal/logging"
	"github.com/axion66/A2rchi-sub003/internal/search"
	"github.com/axion66/A2rchi-sub003/internal/store"
	"github.com/axion66/A2rchi-sub003/pkg/version"
)

// Persistent flags shared by all commands.
var (
	configPath string
	dataDir    string
	debugMode  bool

	loggingCleanup func()
)

// NewRootCmd creates the root command for the archi CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archi",
		Short: "Hybrid retrieval engine over document chunks",
		Long: `archi maintains a durable chunk store with a BM25 lexical index and
an HNSW vector index, and answers top-k queries by fusing both
rankings with weighted Reciprocal Rank Fusion.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.SetVersionTemplate("archi version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default: <data-dir>/archi.yaml)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default: ~/.archi/data)")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	cmd.PersistentPreRunE = setupLogging
	cmd.PersistentPostRun = func(*cobra.Command, []string) {
		if loggingCleanup != nil {
			loggingCleanup()
			loggingCleanup = nil
		}
	}

	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newQueryCmd())
	cmd.AddCommand(newDeleteCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newCompactCmd())
	cmd.AddCommand(newRebuildCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// setupLogging installs the default slog logger per config and flags.
func setupLogging(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		// Config errors surface later with better context; log to stderr
		// with defaults for now.
		cfg = config.New()
	}

	logCfg := logging.Config{
		Level:         cfg.Logging.Level,
		FilePath:      cfg.Logging.File,
		MaxSizeMB:     cfg.Logging.MaxSizeMB,
		MaxFiles:      cfg.Logging.MaxFiles,
		WriteToStderr: cfg.Logging.Stderr,
	}
	if logCfg.FilePath == "" {
		logCfg.FilePath = logging.DefaultLogPath()
	}
	if debugMode {
		logCfg.Level = "debug"
		logCfg.WriteToStderr = true
	}

	cleanup, err := logging.SetupDefault(logCfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	loggingCleanup = cleanup
	return nil
}

// loadConfig builds the effective config from flags, file, and environment.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" && dataDir != "" {
		path = filepath.Join(dataDir, config.DefaultFileName)
	}
	if path == "" {
		path = config.New().FilePath()
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.Paths.DataDir = dataDir
	}
	return cfg, nil
}

// fileExists checks if a file exists.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// openEngine loads config, locks the data directory, and opens the engine.
// The returned closer releases both.
func openEngine(ctx context.Context) (*search.Engine, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	lock := lockfile.New(cfg.Paths.DataDir)
	acquired, err := lock.TryLock()
	if err != nil {
		return nil, nil, err
	}
	if !acquired {
		return nil, nil, fmt.Errorf("data directory %s is in use by another archi process", cfg.Paths.DataDir)
	}

	engine, err := search.Open(ctx, search.OpenConfig{
		DataDir: cfg.Paths.DataDir,
		Engine: search.EngineConfig{
			Dimensions:        cfg.Engine.Dimensions,
			DefaultK:          cfg.Engine.DefaultK,
			MaxK:              cfg.Engine.MaxK,
			DefaultBreadth:    cfg.Engine.DefaultBreadth,
			RRFConstant:       cfg.Engine.RRFConstant,
			LexicalMultiplier: cfg.Engine.LexicalMultiplier,
			Weights: search.Weights{
				Lexical: cfg.Engine.LexicalWeight,
				Vector:  cfg.Engine.VectorWeight,
			},
		},
		LexicalBackend: cfg.Lexical.Backend,
		Lexical: store.BM25Config{
			K1:              cfg.Lexical.K1,
			B:               cfg.Lexical.B,
			MinTokenLength:  cfg.Lexical.MinTokenLength,
			StopWords:       cfg.Lexical.StopWords,
			CompactionRatio: cfg.Lexical.CompactionRatio,
		},
		VectorBackend: cfg.Vector.Backend,
		Vector: store.VectorConfig{
			Dimensions:     cfg.Engine.Dimensions,
			Metric:         cfg.Vector.Metric,
			M:              cfg.Vector.M,
			EfSearch:       cfg.Vector.EfSearch,
			DefaultBreadth: cfg.Engine.DefaultBreadth,
		},
		Logger: slog.Default(),
	})
	if err != nil {
		_ = lock.Unlock()
		return nil, nil, err
	}

	closer := func() {
		if err := engine.Close(); err != nil {
			slog.Error("engine close failed", slog.String("error", err.Error()))
		}
		_ = lock.Unlock()
	}
	return engine, closer, nil
}
