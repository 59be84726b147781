package store

import (
	"context"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHNSW(t *testing.T) *HNSWIndex {
	t.Helper()
	idx, err := NewHNSWIndex(DefaultVectorConfig(3))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestHNSW_NearestNeighborFirst(t *testing.T) {
	ctx := context.Background()
	idx := newTestHNSW(t)

	require.NoError(t, idx.Insert(ctx, 1, []float32{1, 0, 0}))
	require.NoError(t, idx.Insert(ctx, 2, []float32{0, 1, 0}))
	require.NoError(t, idx.Insert(ctx, 3, []float32{0, 0, 1}))

	results, err := idx.Search(ctx, []float32{0.9, 0.1, 0}, 2, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, uint64(1), results[0].ChunkID)
	assert.Equal(t, SourceVector, results[0].Source)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestHNSW_CosineIgnoresMagnitude(t *testing.T) {
	ctx := context.Background()
	idx := newTestHNSW(t)

	// Same direction, wildly different magnitudes.
	require.NoError(t, idx.Insert(ctx, 1, []float32{100, 0, 0}))
	require.NoError(t, idx.Insert(ctx, 2, []float32{0, 0.001, 0}))

	results, err := idx.Search(ctx, []float32{1, 0, 0}, 2, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, uint64(1), results[0].ChunkID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
}

func TestHNSW_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	idx := newTestHNSW(t)

	err := idx.Insert(ctx, 1, []float32{1, 2})
	assert.True(t, IsDimensionMismatch(err))

	_, err = idx.Search(ctx, []float32{1, 2, 3, 4}, 1, 0)
	assert.True(t, IsDimensionMismatch(err))
}

func TestHNSW_RemoveHidesImmediately(t *testing.T) {
	ctx := context.Background()
	idx := newTestHNSW(t)

	require.NoError(t, idx.Insert(ctx, 1, []float32{1, 0, 0}))
	require.NoError(t, idx.Insert(ctx, 2, []float32{0.99, 0.1, 0}))

	require.NoError(t, idx.Remove(ctx, 1))

	results, err := idx.Search(ctx, []float32{1, 0, 0}, 5, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint64(2), results[0].ChunkID)

	assert.Equal(t, 1, idx.Count())
	assert.Equal(t, 1, idx.OrphanCount())
}

func TestHNSW_OrphansDoNotStealResultSlots(t *testing.T) {
	ctx := context.Background()
	idx := newTestHNSW(t)

	// Ten vectors near the query, then delete five of them.
	for i := uint64(1); i <= 10; i++ {
		v := []float32{1, float32(i) * 0.01, 0}
		require.NoError(t, idx.Insert(ctx, i, v))
	}
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, idx.Remove(ctx, i))
	}

	// All five live vectors must still be reachable with limit 5.
	results, err := idx.Search(ctx, []float32{1, 0, 0}, 5, 0)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for _, r := range results {
		assert.Greater(t, r.ChunkID, uint64(5))
	}
}

func TestHNSW_DuplicateInsertIsNoop(t *testing.T) {
	ctx := context.Background()
	idx := newTestHNSW(t)

	require.NoError(t, idx.Insert(ctx, 1, []float32{1, 0, 0}))
	require.NoError(t, idx.Insert(ctx, 1, []float32{1, 0, 0}))

	assert.Equal(t, 1, idx.Count())
}

func TestHNSW_RemoveUnknownIsNoop(t *testing.T) {
	ctx := context.Background()
	idx := newTestHNSW(t)

	require.NoError(t, idx.Remove(ctx, 42))
	assert.Equal(t, 0, idx.OrphanCount())
}

func TestHNSW_EmptyIndexAndZeroLimit(t *testing.T) {
	ctx := context.Background()
	idx := newTestHNSW(t)

	results, err := idx.Search(ctx, []float32{1, 0, 0}, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, results)

	require.NoError(t, idx.Insert(ctx, 1, []float32{1, 0, 0}))
	results, err = idx.Search(ctx, []float32{1, 0, 0}, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestHNSW_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.hnsw")

	idx, err := NewHNSWIndex(DefaultVectorConfig(3))
	require.NoError(t, err)
	require.NoError(t, idx.Insert(ctx, 1, []float32{1, 0, 0}))
	require.NoError(t, idx.Insert(ctx, 2, []float32{0, 1, 0}))
	require.NoError(t, idx.Remove(ctx, 2))
	require.NoError(t, idx.Save(path))
	require.NoError(t, idx.Close())

	dims, err := SnapshotDimensions(path)
	require.NoError(t, err)
	assert.Equal(t, 3, dims)

	restored, err := NewHNSWIndex(DefaultVectorConfig(3))
	require.NoError(t, err)
	defer func() { _ = restored.Close() }()
	require.NoError(t, restored.Load(path))

	assert.Equal(t, 1, restored.Count())
	assert.Equal(t, 1, restored.OrphanCount())

	results, err := restored.Search(ctx, []float32{1, 0, 0}, 5, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint64(1), results[0].ChunkID)
}

func TestHNSW_LoadRejectsDimensionChange(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.hnsw")

	idx, err := NewHNSWIndex(DefaultVectorConfig(3))
	require.NoError(t, err)
	require.NoError(t, idx.Insert(ctx, 1, []float32{1, 0, 0}))
	require.NoError(t, idx.Save(path))
	require.NoError(t, idx.Close())

	other, err := NewHNSWIndex(DefaultVectorConfig(4))
	require.NoError(t, err)
	defer func() { _ = other.Close() }()

	err = other.Load(path)
	assert.True(t, IsDimensionMismatch(err))
}

func TestHNSW_SnapshotDimensionsMissingFile(t *testing.T) {
	dims, err := SnapshotDimensions(filepath.Join(t.TempDir(), "absent.hnsw"))
	require.NoError(t, err)
	assert.Equal(t, 0, dims)
}

func TestHNSW_UnknownMetric(t *testing.T) {
	cfg := DefaultVectorConfig(3)
	cfg.Metric = "manhattan"
	_, err := NewHNSWIndex(cfg)
	assert.Error(t, err)
}

func TestHNSW_RecallFloorOnLargeCorpus(t *testing.T) {
	ctx := context.Background()
	const (
		corpus = 1000
		dims   = 32
		probes = 100
	)

	idx, err := NewHNSWIndex(DefaultVectorConfig(dims))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	rng := rand.New(rand.NewSource(42))
	vectors := make(map[uint64][]float32, corpus)
	for id := uint64(1); id <= corpus; id++ {
		vec := make([]float32, dims)
		for i := range vec {
			vec[i] = rng.Float32()*2 - 1
		}
		vectors[id] = vec
		require.NoError(t, idx.Insert(ctx, id, vec))
	}

	// Querying with a stored chunk's own embedding must surface that chunk
	// in the top 5 at default breadth in at least 99% of trials.
	hits := 0
	for trial := 0; trial < probes; trial++ {
		id := uint64(rng.Intn(corpus)) + 1
		results, err := idx.Search(ctx, vectors[id], 5, 0)
		require.NoError(t, err)
		for _, c := range results {
			if c.ChunkID == id {
				hits++
				break
			}
		}
	}
	assert.GreaterOrEqual(t, hits, probes*99/100)
}

func TestNormalizeInPlace(t *testing.T) {
	v := []float32{3, 4, 0}
	normalizeInPlace(v)

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)

	// Zero vector stays zero instead of dividing by zero.
	zero := []float32{0, 0, 0}
	normalizeInPlace(zero)
	assert.Equal(t, []float32{0, 0, 0}, zero)
}

func TestDistanceToScore(t *testing.T) {
	// Cosine distance 0 (identical) maps to 1, distance 2 (opposite) to 0.
	assert.InDelta(t, 1.0, distanceToScore(0, "cos"), 1e-9)
	assert.InDelta(t, 0.0, distanceToScore(2, "cos"), 1e-9)

	// L2 distance 0 maps to 1 and decays monotonically.
	assert.InDelta(t, 1.0, distanceToScore(0, "l2"), 1e-9)
	assert.Greater(t, distanceToScore(1, "l2"), distanceToScore(2, "l2"))
}
