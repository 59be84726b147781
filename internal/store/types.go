// Package store provides the persistence and index layer of the retrieval
// engine: the durable chunk store (SQLite), the lexical BM25 index, and the
// HNSW vector index. The chunk store is the source of truth; both indexes
// hold only derived structures keyed by chunk ID and can be rebuilt from it.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Chunk is a retrievable unit of content: a contiguous slice of a document's
// text paired with one embedding vector.
//
// IDs are assigned monotonically on insert and never reused. Text and
// embedding are immutable after creation; updates are modeled as tombstone
// plus re-insert under a new ID.
type Chunk struct {
	ID         uint64            // Assigned on append, unique, never reused
	DocumentID uint64            // Parent document
	Ordinal    uint32            // Position within the document
	Text       string            // UTF-8 content
	Embedding  []float32         // Fixed engine-wide dimensionality
	Metadata   map[string]string // Caller-supplied scalar metadata
	Deleted    bool              // Tombstone flag
	CreatedAt  time.Time
}

// Source identifies which sub-index produced a candidate.
type Source string

const (
	SourceLexical Source = "lexical"
	SourceVector  Source = "vector"
)

// Candidate is a transient per-query result from one sub-index.
// Raw scores from the two sources are not comparable; fusion is rank-based.
type Candidate struct {
	ChunkID uint64
	Score   float64
	Source  Source
}

// ErrNotFound indicates a chunk ID that is absent or tombstoned.
var ErrNotFound = errors.New("chunk not found")

// ErrClosed indicates an operation on a closed store or index.
var ErrClosed = errors.New("store is closed")

// ErrDimensionMismatch indicates an embedding of the wrong length.
// This is a caller bug and must not be retried.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

// IsDimensionMismatch reports whether err is an ErrDimensionMismatch.
func IsDimensionMismatch(err error) bool {
	var dm ErrDimensionMismatch
	return errors.As(err, &dm)
}

// ErrCorrupt indicates an internal index invariant violation, e.g. a live
// posting referencing a chunk that was never inserted. Writes to the affected
// index halt until operator intervention.
var ErrCorrupt = errors.New("index corrupted")

// ChunkStore is the durable record of ingested chunks. Every mutating call
// is durable before returning, so both indexes can be rebuilt from it after
// a crash.
type ChunkStore interface {
	// Append assigns a new unique ID, durably appends the chunk, and returns
	// the ID. Fails with ErrDimensionMismatch if the embedding length is wrong.
	Append(ctx context.Context, documentID uint64, ordinal uint32, text string, embedding []float32, metadata map[string]string) (uint64, error)

	// Get returns the chunk, or ErrNotFound if absent or tombstoned.
	Get(ctx context.Context, chunkID uint64) (*Chunk, error)

	// Tombstone marks the chunk deleted. Idempotent; ErrNotFound only if the
	// ID never existed.
	Tombstone(ctx context.Context, chunkID uint64) error

	// Scan iterates live chunks of one document ordered by ordinal.
	// The iterator is finite and restartable.
	Scan(ctx context.Context, documentID uint64) *ChunkIterator

	// ScanAll iterates all live chunks ordered by ID (for index rebuild).
	ScanAll(ctx context.Context) *ChunkIterator

	// Compact physically removes tombstoned rows. Returns rows removed.
	Compact(ctx context.Context) (int64, error)

	// Count returns the number of live chunks.
	Count(ctx context.Context) (int, error)

	Close() error
}

// LexicalIndex provides term-frequency (BM25) keyword search.
type LexicalIndex interface {
	// Insert tokenizes text and updates posting lists and global statistics.
	// A chunk whose text tokenizes to nothing is indexed with zero postings.
	Insert(ctx context.Context, chunkID uint64, text string) error

	// Remove tombstones the chunk's postings (lazy deletion). Unknown IDs
	// are a no-op.
	Remove(ctx context.Context, chunkID uint64) error

	// Search returns up to limit candidates by BM25 score descending, ties
	// broken by smaller chunk ID. Empty query yields an empty result.
	Search(ctx context.Context, query string, limit int) ([]Candidate, error)

	// Compact removes tombstoned postings from all lists. Returns the number
	// of postings reclaimed.
	Compact() int

	// Stats returns index statistics.
	Stats() LexicalStats

	Close() error
}

// LexicalStats provides statistics about the lexical index.
type LexicalStats struct {
	DocumentCount int
	TermCount     int
	AvgDocLength  float64
}

// VectorIndex provides approximate nearest-neighbor search over embeddings.
type VectorIndex interface {
	// Insert adds the embedding under the chunk ID, incrementally (no rebuild).
	Insert(ctx context.Context, chunkID uint64, embedding []float32) error

	// Remove tombstones the node. The ID is never returned from Search after
	// Remove returns, even transiently. Unknown IDs are a no-op.
	Remove(ctx context.Context, chunkID uint64) error

	// Search returns up to limit candidates by similarity descending, ties
	// broken by smaller chunk ID. breadth tunes the recall/latency trade-off:
	// larger breadth must not decrease expected recall. breadth <= 0 uses the
	// configured default.
	Search(ctx context.Context, embedding []float32, limit, breadth int) ([]Candidate, error)

	// Count returns the number of live vectors.
	Count() int

	// OrphanCount returns the number of lazily-deleted nodes still occupying
	// the underlying structure (reclaimed by rebuild).
	OrphanCount() int

	// Persistence. The index is also rebuildable from the ChunkStore.
	Save(path string) error
	Load(path string) error

	Close() error
}

// BM25Config configures the lexical index.
type BM25Config struct {
	// K1 is the term frequency saturation parameter (default: 1.2).
	K1 float64

	// B is the length normalization parameter (default: 0.75).
	B float64

	// MinTokenLength is the minimum token length to index (default: 2).
	MinTokenLength int

	// StopWords are filtered during tokenization (default: none).
	StopWords []string

	// CompactionRatio is the tombstone ratio above which a posting list is
	// compacted in place (default: 0.5).
	CompactionRatio float64

	// Path is used by disk-backed backends (bleve). Empty means in-memory.
	Path string
}

// DefaultBM25Config returns the default lexical configuration.
func DefaultBM25Config() BM25Config {
	return BM25Config{
		K1:              1.2,
		B:               0.75,
		MinTokenLength:  2,
		CompactionRatio: 0.5,
	}
}

// VectorConfig configures the vector index.
type VectorConfig struct {
	// Dimensions is the fixed engine-wide embedding length D.
	Dimensions int

	// Metric is the distance metric: "cos" (cosine, default) or "l2".
	// Fixed per engine instance, never mutated after first use.
	Metric string

	// M is the HNSW max connections per layer (default: 16).
	M int

	// EfSearch is the HNSW query-time search width (default: 64).
	EfSearch int

	// DefaultBreadth is the candidate breadth used when Search is called
	// with breadth <= 0 (default: 64).
	DefaultBreadth int
}

// DefaultVectorConfig returns sensible defaults for the vector index.
func DefaultVectorConfig(dimensions int) VectorConfig {
	return VectorConfig{
		Dimensions:     dimensions,
		Metric:         "cos",
		M:              16,
		EfSearch:       64,
		DefaultBreadth: 64,
	}
}
