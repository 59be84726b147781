// Package config loads and validates the engine configuration.
//
// Configuration is applied in order of increasing precedence: hardcoded
// defaults, a YAML file, then ARCHI_* environment variables.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is the config file looked up inside the data directory.
const DefaultFileName = "archi.yaml"

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "ARCHI_"

// Config is the complete engine configuration.
type Config struct {
	Version int           `yaml:"version" json:"version"`
	Engine  EngineConfig  `yaml:"engine" json:"engine"`
	Lexical LexicalConfig `yaml:"lexical" json:"lexical"`
	Vector  VectorConfig  `yaml:"vector" json:"vector"`
	Paths   PathsConfig   `yaml:"paths" json:"paths"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// EngineConfig configures query-time behavior.
type EngineConfig struct {
	// Dimensions is the embedding dimensionality enforced on every vector.
	// There is no default; it must be set explicitly.
	Dimensions int `yaml:"dimensions" json:"dimensions"`

	// DefaultK is the result count when a query does not specify one.
	DefaultK int `yaml:"default_k" json:"default_k"`

	// MaxK caps per-query result counts.
	MaxK int `yaml:"max_k" json:"max_k"`

	// DefaultBreadth is the vector candidate pool width when a query does
	// not specify one. Larger trades latency for recall.
	DefaultBreadth int `yaml:"default_breadth" json:"default_breadth"`

	// RRFConstant is the fusion smoothing parameter (k).
	// Default: 60 (industry standard used by Azure AI Search, OpenSearch).
	RRFConstant int `yaml:"rrf_constant" json:"rrf_constant"`

	// LexicalMultiplier scales k into the per-index over-fetch limit at
	// query time. Default: 4.
	LexicalMultiplier int `yaml:"lexical_multiplier" json:"lexical_multiplier"`

	// LexicalWeight and VectorWeight are the fusion weights.
	// Must be non-negative and sum to 1.0.
	LexicalWeight float64 `yaml:"lexical_weight" json:"lexical_weight"`
	VectorWeight  float64 `yaml:"vector_weight" json:"vector_weight"`
}

// LexicalConfig configures the lexical index.
type LexicalConfig struct {
	// Backend selects the lexical index implementation.
	// Options: "lexical-bm25" (default, in-memory) or "lexical-bleve".
	Backend string `yaml:"backend" json:"backend"`

	// K1 is the BM25 term-frequency saturation parameter. Default: 1.2.
	K1 float64 `yaml:"k1" json:"k1"`

	// B is the BM25 length-normalization parameter. Default: 0.75.
	B float64 `yaml:"b" json:"b"`

	// MinTokenLength drops tokens shorter than this. Default: 2.
	MinTokenLength int `yaml:"min_token_length" json:"min_token_length"`

	// StopWords are excluded from indexing and queries. Empty by default;
	// retrieval quality for short queries suffers with aggressive lists.
	StopWords []string `yaml:"stop_words" json:"stop_words"`

	// CompactionRatio is the tombstone ratio at which a posting list is
	// compacted in place. Default: 0.5.
	CompactionRatio float64 `yaml:"compaction_ratio" json:"compaction_ratio"`
}

// VectorConfig configures the vector index.
type VectorConfig struct {
	// Backend selects the vector index implementation ("ann-hnsw").
	Backend string `yaml:"backend" json:"backend"`

	// Metric is the distance metric: "cos" (default) or "l2".
	Metric string `yaml:"metric" json:"metric"`

	// M is the HNSW maximum neighbors per node. Default: 16.
	M int `yaml:"m" json:"m"`

	// EfSearch is the HNSW search expansion factor. Default: 64.
	EfSearch int `yaml:"ef_search" json:"ef_search"`
}

// PathsConfig configures storage locations.
type PathsConfig struct {
	// DataDir is the root directory for all persistent state.
	// Defaults to ~/.archi/data.
	DataDir string `yaml:"data_dir" json:"data_dir"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn, error. Default: info.
	Level string `yaml:"level" json:"level"`

	// File is the log file path. Empty logs to the default location.
	File string `yaml:"file" json:"file"`

	// MaxSizeMB rotates the log file past this size. Default: 10.
	MaxSizeMB int `yaml:"max_size_mb" json:"max_size_mb"`

	// MaxFiles is how many rotated files to keep. Default: 3.
	MaxFiles int `yaml:"max_files" json:"max_files"`

	// Stderr mirrors log output to stderr.
	Stderr bool `yaml:"stderr" json:"stderr"`
}

// New returns a Config with defaults. Dimensions is deliberately zero so
// Validate forces the caller to choose it.
func New() *Config {
	return &Config{
		Version: 1,
		Engine: EngineConfig{
			DefaultK:          10,
			MaxK:              100,
			DefaultBreadth:    64,
			RRFConstant:       60,
			LexicalMultiplier: 4,
			LexicalWeight:     0.5,
			VectorWeight:      0.5,
		},
		Lexical: LexicalConfig{
			Backend:         "lexical-bm25",
			K1:              1.2,
			B:               0.75,
			MinTokenLength:  2,
			CompactionRatio: 0.5,
		},
		Vector: VectorConfig{
			Backend:  "ann-hnsw",
			Metric:   "cos",
			M:        16,
			EfSearch: 64,
		},
		Paths: PathsConfig{
			DataDir: defaultDataDir(),
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  3,
		},
	}
}

// defaultDataDir returns the default persistent state location.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".archi", "data")
	}
	return filepath.Join(home, ".archi", "data")
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped if path is empty or the file does not exist), then ARCHI_*
// environment variables. The result is validated.
func Load(path string) (*Config, error) {
	cfg := New()

	if path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadYAML merges the file at path into cfg. A missing file is not an error.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies ARCHI_* environment variables, the highest
// precedence layer.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(EnvPrefix + "DATA_DIR"); v != "" {
		c.Paths.DataDir = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvPrefix + "DIMENSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.Dimensions = n
		}
	}
	if v := os.Getenv(EnvPrefix + "RRF_CONSTANT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.RRFConstant = n
		}
	}
	if v := os.Getenv(EnvPrefix + "LEXICAL_WEIGHT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Engine.LexicalWeight = f
			c.Engine.VectorWeight = 1.0 - f
		}
	}
	if v := os.Getenv(EnvPrefix + "LEXICAL_BACKEND"); v != "" {
		c.Lexical.Backend = strings.ToLower(v)
	}
}

// Validate checks all invariants and returns the first violation.
func (c *Config) Validate() error {
	if c.Engine.Dimensions <= 0 {
		return fmt.Errorf("engine.dimensions must be positive, got %d", c.Engine.Dimensions)
	}
	if c.Engine.DefaultK <= 0 {
		return fmt.Errorf("engine.default_k must be positive, got %d", c.Engine.DefaultK)
	}
	if c.Engine.MaxK < c.Engine.DefaultK {
		return fmt.Errorf("engine.max_k (%d) must be >= engine.default_k (%d)", c.Engine.MaxK, c.Engine.DefaultK)
	}
	if c.Engine.LexicalMultiplier <= 0 {
		return fmt.Errorf("engine.lexical_multiplier must be positive, got %d", c.Engine.LexicalMultiplier)
	}
	if c.Engine.LexicalWeight < 0 || c.Engine.VectorWeight < 0 {
		return fmt.Errorf("fusion weights must be non-negative, got lexical=%v vector=%v",
			c.Engine.LexicalWeight, c.Engine.VectorWeight)
	}
	if sum := c.Engine.LexicalWeight + c.Engine.VectorWeight; math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("fusion weights must sum to 1.0, got %v", sum)
	}
	if c.Lexical.B < 0 || c.Lexical.B > 1 {
		return fmt.Errorf("lexical.b must be in [0,1], got %v", c.Lexical.B)
	}
	if c.Lexical.K1 <= 0 {
		return fmt.Errorf("lexical.k1 must be positive, got %v", c.Lexical.K1)
	}
	switch c.Vector.Metric {
	case "cos", "l2":
	default:
		return fmt.Errorf("vector.metric must be cos or l2, got %q", c.Vector.Metric)
	}
	if c.Paths.DataDir == "" {
		return fmt.Errorf("paths.data_dir must not be empty")
	}
	return nil
}

// FilePath returns the config file location inside the data directory.
func (c *Config) FilePath() string {
	return filepath.Join(c.Paths.DataDir, DefaultFileName)
}
