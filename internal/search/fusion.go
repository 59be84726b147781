// Package search implements the hybrid retrieval engine: it fans a query out
// to the lexical and vector indexes in parallel and fuses the two ranked
// lists with weighted Reciprocal Rank Fusion (RRF).
package search

import (
	"sort"

	"github.com/axion66/A2rchi-sub003/internal/store"
)

// DefaultRRFConstant is the standard RRF smoothing parameter.
// k=60 is empirically validated across domains (used by Azure AI Search, OpenSearch, etc.).
const DefaultRRFConstant = 60

// FusedResult is a single candidate after RRF fusion.
type FusedResult struct {
	ChunkID      uint64  // Chunk identifier
	RRFScore     float64 // Combined RRF score (raw, not normalized)
	LexicalScore float64 // Original BM25 score (preserved)
	LexicalRank  int     // Position in lexical list (1-indexed, 0 if absent)
	VectorScore  float64 // Original similarity score (preserved)
	VectorRank   int     // Position in vector list (1-indexed, 0 if absent)
	InBothLists  bool    // Candidate appeared in both result lists
}

// RRFFusion combines lexical and vector candidates using weighted
// Reciprocal Rank Fusion.
//
// Algorithm: RRF_score(d) = Σ weight_i / (rank_i + k)
//
// Where:
//   - k = smoothing constant (default: 60)
//   - rank_i = position in ranked list i (1-indexed)
//   - weight_i = weight for search source i
//
// A candidate absent from a list contributes zero for that source; there is
// no phantom rank for the missing side. Raw scores are reported as-is so
// callers can compare runs with different k or weights.
type RRFFusion struct {
	K int // RRF smoothing constant (default: 60)
}

// NewRRFFusion creates an RRF fusion instance with default k=60.
func NewRRFFusion() *RRFFusion {
	return &RRFFusion{K: DefaultRRFConstant}
}

// NewRRFFusionWithK creates an RRF fusion with a custom k value.
// If k <= 0, defaults to 60.
func NewRRFFusionWithK(k int) *RRFFusion {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	return &RRFFusion{K: k}
}

// Fuse combines the two ranked candidate lists.
//
// Results are sorted by: RRFScore (desc) → InBothLists (true first) →
// ChunkID (asc). The last tie-break makes identical corpora produce
// byte-identical rankings across runs.
func (f *RRFFusion) Fuse(
	lexical []store.Candidate,
	vector []store.Candidate,
	weights Weights,
) []*FusedResult {
	if len(lexical) == 0 && len(vector) == 0 {
		return []*FusedResult{}
	}

	capacity := len(lexical) + len(vector)
	scores := make(map[uint64]*FusedResult, capacity)

	// Lexical contributions (1-indexed ranks)
	for rank, c := range lexical {
		result := f.getOrCreate(scores, c.ChunkID)
		result.LexicalScore = c.Score
		result.LexicalRank = rank + 1
		result.RRFScore += weights.Lexical / float64(rank+1+f.K)
	}

	// Vector contributions (1-indexed ranks)
	for rank, c := range vector {
		result := f.getOrCreate(scores, c.ChunkID)
		result.VectorScore = c.Score
		result.VectorRank = rank + 1
		result.RRFScore += weights.Vector / float64(rank+1+f.K)

		if result.LexicalRank > 0 {
			result.InBothLists = true
		}
	}

	return f.toSortedSlice(scores)
}

// getOrCreate returns the existing result or creates a new one.
func (f *RRFFusion) getOrCreate(m map[uint64]*FusedResult, id uint64) *FusedResult {
	if r, ok := m[id]; ok {
		return r
	}
	r := &FusedResult{ChunkID: id}
	m[id] = r
	return r
}

// toSortedSlice converts the score map to a deterministically sorted slice.
func (f *RRFFusion) toSortedSlice(m map[uint64]*FusedResult) []*FusedResult {
	results := make([]*FusedResult, 0, len(m))
	for _, r := range m {
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		return f.compare(results[i], results[j])
	})

	return results
}

// compare implements the deterministic ordering for fused results.
// Returns true if a should rank before b.
//
// Priority:
//  1. Higher RRF score
//  2. In both lists (true before false)
//  3. Smaller ChunkID (deterministic)
func (f *RRFFusion) compare(a, b *FusedResult) bool {
	if a.RRFScore != b.RRFScore {
		return a.RRFScore > b.RRFScore
	}
	if a.InBothLists != b.InBothLists {
		return a.InBothLists
	}
	return a.ChunkID < b.ChunkID
}
