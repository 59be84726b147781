package search

import (
	"fmt"
	"math"
)

// DefaultLexicalMultiplier is how many times the requested limit each index
// is asked for before fusion when the config does not say otherwise.
// Over-fetching keeps candidates that rank mid-list in one source but high
// after fusion.
const DefaultLexicalMultiplier = 4

// Weights controls the per-source contribution during fusion.
// Both weights must be non-negative and sum to 1.
type Weights struct {
	Lexical float64
	Vector  float64
}

// DefaultWeights is the balanced hybrid profile.
func DefaultWeights() Weights {
	return Weights{Lexical: 0.5, Vector: 0.5}
}

// Validate checks the weight invariants.
func (w Weights) Validate() error {
	if w.Lexical < 0 || w.Vector < 0 {
		return fmt.Errorf("weights must be non-negative, got lexical=%v vector=%v", w.Lexical, w.Vector)
	}
	if math.Abs(w.Lexical+w.Vector-1.0) > 1e-9 {
		return fmt.Errorf("weights must sum to 1, got %v", w.Lexical+w.Vector)
	}
	return nil
}

// QueryOptions are per-query knobs. Zero values take engine defaults.
type QueryOptions struct {
	// K is the number of results to return.
	K int

	// Breadth widens the vector index candidate pool. Larger values trade
	// latency for recall; it never reduces result quality.
	Breadth int

	// Weights overrides the engine's fusion weights for this query.
	Weights *Weights
}

// EngineConfig carries the engine-level defaults and limits.
type EngineConfig struct {
	// Dimensions is the embedding dimensionality the engine enforces on
	// every ingested and queried vector.
	Dimensions int

	// DefaultK is used when QueryOptions.K is zero.
	DefaultK int

	// MaxK caps per-query result counts.
	MaxK int

	// DefaultBreadth is used when QueryOptions.Breadth is zero.
	DefaultBreadth int

	// RRFConstant is the fusion smoothing constant.
	RRFConstant int

	// LexicalMultiplier scales K into the per-index over-fetch limit.
	// Zero falls back to DefaultLexicalMultiplier.
	LexicalMultiplier int

	// Weights are the fusion weights used when a query supplies none.
	Weights Weights
}

// DefaultEngineConfig returns the standard configuration for the given
// embedding dimensionality.
func DefaultEngineConfig(dimensions int) EngineConfig {
	return EngineConfig{
		Dimensions:        dimensions,
		DefaultK:          10,
		MaxK:              100,
		DefaultBreadth:    64,
		RRFConstant:       DefaultRRFConstant,
		LexicalMultiplier: DefaultLexicalMultiplier,
		Weights:           DefaultWeights(),
	}
}

// Validate checks config invariants.
func (c EngineConfig) Validate() error {
	if c.Dimensions <= 0 {
		return fmt.Errorf("dimensions must be positive, got %d", c.Dimensions)
	}
	if c.DefaultK <= 0 {
		return fmt.Errorf("default k must be positive, got %d", c.DefaultK)
	}
	if c.MaxK < c.DefaultK {
		return fmt.Errorf("max k (%d) must be >= default k (%d)", c.MaxK, c.DefaultK)
	}
	if c.LexicalMultiplier < 0 {
		return fmt.Errorf("lexical multiplier must be non-negative, got %d", c.LexicalMultiplier)
	}
	return c.Weights.Validate()
}

// normalize fills zero option fields from config and clamps K.
func (c EngineConfig) normalize(opts QueryOptions) QueryOptions {
	if opts.K <= 0 {
		opts.K = c.DefaultK
	}
	if opts.K > c.MaxK {
		opts.K = c.MaxK
	}
	if opts.Breadth <= 0 {
		opts.Breadth = c.DefaultBreadth
	}
	if opts.Weights == nil {
		w := c.Weights
		opts.Weights = &w
	}
	return opts
}
