package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"
)

// HNSWIndex implements VectorIndex on the coder/hnsw pure Go proximity
// graph, keyed directly by chunk ID.
//
// Deletion is lazy: the ID leaves the live set before Remove returns, so a
// tombstoned chunk is never surfaced by Search, while its graph node lingers
// as an orphan until the index is rebuilt from the ChunkStore. Search
// over-fetches by the orphan count to compensate.
type HNSWIndex struct {
	mu      sync.RWMutex
	graph   *hnsw.Graph[uint64]
	live    map[uint64]struct{}
	orphans int
	config  VectorConfig
	closed  bool
}

// hnswSnapshot stores the live set for persistence alongside the graph.
type hnswSnapshot struct {
	Live    map[uint64]struct{}
	Orphans int
	Config  VectorConfig
}

// Verify interface implementation at compile time
var _ VectorIndex = (*HNSWIndex)(nil)

// NewHNSWIndex creates a new HNSW-based vector index.
func NewHNSWIndex(cfg VectorConfig) (*HNSWIndex, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("hnsw: dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.Metric == "" {
		cfg.Metric = "cos"
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 64
	}
	if cfg.DefaultBreadth == 0 {
		cfg.DefaultBreadth = 64
	}

	graph := hnsw.NewGraph[uint64]()

	switch cfg.Metric {
	case "cos":
		graph.Distance = hnsw.CosineDistance
	case "l2":
		graph.Distance = hnsw.EuclideanDistance
	default:
		return nil, fmt.Errorf("hnsw: unknown metric %q (valid: cos, l2)", cfg.Metric)
	}

	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25 // level generation factor, ~1/ln(M)

	return &HNSWIndex{
		graph:  graph,
		live:   make(map[uint64]struct{}),
		config: cfg,
	}, nil
}

// Insert adds an embedding under the chunk ID. Duplicate inserts of a live
// ID are a no-op (IDs are never reused, so the payload is identical).
func (s *HNSWIndex) Insert(ctx context.Context, chunkID uint64, embedding []float32) error {
	if len(embedding) != s.config.Dimensions {
		return ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(embedding)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, exists := s.live[chunkID]; exists {
		return nil
	}

	vec := make([]float32, len(embedding))
	copy(vec, embedding)
	if s.config.Metric == "cos" {
		normalizeInPlace(vec)
	}

	s.graph.Add(hnsw.MakeNode(chunkID, vec))
	s.live[chunkID] = struct{}{}

	return nil
}

// Remove drops the ID from the live set. The graph node is orphaned rather
// than unlinked; graph surgery is deferred to rebuild.
func (s *HNSWIndex) Remove(ctx context.Context, chunkID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if _, exists := s.live[chunkID]; !exists {
		return nil
	}
	delete(s.live, chunkID)
	s.orphans++

	return nil
}

// Search returns up to limit live candidates nearest to the query embedding,
// similarity descending, ties broken by smaller chunk ID.
//
// breadth widens the candidate pool fetched from the graph before the live
// filter: a larger breadth never decreases expected recall. breadth <= 0
// uses the configured default.
func (s *HNSWIndex) Search(ctx context.Context, embedding []float32, limit, breadth int) ([]Candidate, error) {
	if len(embedding) != s.config.Dimensions {
		return nil, ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(embedding)}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if len(s.live) == 0 || limit <= 0 {
		return []Candidate{}, nil
	}

	if breadth <= 0 {
		breadth = s.config.DefaultBreadth
	}
	fetch := limit
	if breadth > fetch {
		fetch = breadth
	}
	// Orphaned nodes still occupy result slots inside the graph.
	fetch += s.orphans
	if fetch > s.graph.Len() {
		fetch = s.graph.Len()
	}

	query := make([]float32, len(embedding))
	copy(query, embedding)
	if s.config.Metric == "cos" {
		normalizeInPlace(query)
	}

	nodes := s.graph.Search(query, fetch)

	results := make([]Candidate, 0, len(nodes))
	for _, node := range nodes {
		if _, ok := s.live[node.Key]; !ok {
			continue
		}
		distance := s.graph.Distance(query, node.Value)
		results = append(results, Candidate{
			ChunkID: node.Key,
			Score:   distanceToScore(distance, s.config.Metric),
			Source:  SourceVector,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Count returns the number of live vectors.
func (s *HNSWIndex) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live)
}

// OrphanCount returns the number of lazily-deleted graph nodes.
func (s *HNSWIndex) OrphanCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orphans
}

// Save persists the graph and live set atomically (temp file + rename).
func (s *HNSWIndex) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("hnsw save: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("hnsw save: %w", err)
	}

	if err := s.graph.Export(file); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("hnsw save: export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("hnsw save: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("hnsw save: %w", err)
	}

	return s.saveSnapshot(path + ".meta")
}

// saveSnapshot writes the live set and config as gob, atomically.
func (s *HNSWIndex) saveSnapshot(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("hnsw save: snapshot: %w", err)
	}

	snap := hnswSnapshot{
		Live:    s.live,
		Orphans: s.orphans,
		Config:  s.config,
	}
	if err := gob.NewEncoder(file).Encode(snap); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("hnsw save: encode snapshot: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("hnsw save: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// Load restores a saved graph and live set. The stored dimensionality must
// match this index's configuration.
func (s *HNSWIndex) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	metaFile, err := os.Open(path + ".meta")
	if err != nil {
		return fmt.Errorf("hnsw load: snapshot: %w", err)
	}
	var snap hnswSnapshot
	decodeErr := gob.NewDecoder(metaFile).Decode(&snap)
	_ = metaFile.Close()
	if decodeErr != nil {
		return fmt.Errorf("hnsw load: decode snapshot: %w", decodeErr)
	}

	if snap.Config.Dimensions != s.config.Dimensions {
		return ErrDimensionMismatch{Expected: s.config.Dimensions, Got: snap.Config.Dimensions}
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("hnsw load: %w", err)
	}
	defer file.Close()

	// coder/hnsw Import requires an io.ByteReader.
	if err := s.graph.Import(bufio.NewReader(file)); err != nil {
		return fmt.Errorf("hnsw load: import graph: %w", err)
	}

	s.live = snap.Live
	s.orphans = snap.Orphans
	return nil
}

// SnapshotDimensions reads the dimensionality recorded in a saved index.
// Returns 0 if no snapshot exists (fresh start).
func SnapshotDimensions(path string) (int, error) {
	file, err := os.Open(path + ".meta")
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("hnsw snapshot: %w", err)
	}
	defer file.Close()

	var snap hnswSnapshot
	if err := gob.NewDecoder(file).Decode(&snap); err != nil {
		return 0, fmt.Errorf("hnsw snapshot: decode: %w", err)
	}
	return snap.Config.Dimensions, nil
}

// Close releases the graph.
func (s *HNSWIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	return nil
}

// normalizeInPlace scales a vector to unit length.
func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	invMagnitude := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= invMagnitude
	}
}

// distanceToScore converts a distance to a similarity score.
// Cosine distance ranges 0-2, mapped to [0,1]; L2 uses 1/(1+d).
func distanceToScore(distance float32, metric string) float64 {
	switch metric {
	case "l2":
		return 1.0 / (1.0 + float64(distance))
	default:
		return 1.0 - float64(distance)/2.0
	}
}
