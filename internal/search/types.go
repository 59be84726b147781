package search

import (
	"github.com/axion66/A2rchi-sub003/internal/store"
)

// IngestRequest carries one chunk into the engine.
type IngestRequest struct {
	// DocumentID groups chunks of the same source document.
	DocumentID uint64

	// Ordinal is the chunk's position within its document.
	Ordinal uint32

	// Text is the raw chunk text, indexed lexically and stored verbatim.
	Text string

	// Embedding is the dense vector for the chunk. Its length must match
	// the engine's configured dimensionality.
	Embedding []float32

	// Metadata is free-form key-value context returned with results.
	Metadata map[string]string
}

// SearchResult is one fused, resolved query hit.
type SearchResult struct {
	// Chunk is the stored chunk, resolved after fusion.
	Chunk *store.Chunk

	// Score is the fused RRF score.
	Score float64

	// LexicalScore is the raw BM25 score (0 if the lexical index did not
	// surface this chunk).
	LexicalScore float64

	// LexicalRank is the 1-indexed lexical position (0 if absent).
	LexicalRank int

	// VectorScore is the raw similarity score (0 if absent).
	VectorScore float64

	// VectorRank is the 1-indexed vector position (0 if absent).
	VectorRank int

	// InBothLists reports whether both indexes surfaced this chunk.
	InBothLists bool
}

// EngineStats is a point-in-time snapshot of the engine's indexes.
type EngineStats struct {
	// ChunkCount is the number of live chunks in the store.
	ChunkCount int

	// Lexical holds the lexical index statistics.
	Lexical store.LexicalStats

	// VectorCount is the number of live vectors.
	VectorCount int

	// VectorOrphans is the number of lazily-deleted graph nodes awaiting
	// reclamation by Compact or Rebuild.
	VectorOrphans int
}

// CompactStats reports what a Compact pass reclaimed.
type CompactStats struct {
	// ChunksRemoved is the number of tombstoned rows purged from the store.
	ChunksRemoved int64

	// PostingsReclaimed is the number of tombstoned lexical postings freed.
	PostingsReclaimed int

	// OrphansReclaimed is the number of vector graph orphans dropped by
	// the rebuild.
	OrphansReclaimed int
}
