package search

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engerrors "github.com/axion66/A2rchi-sub003/internal/errors"
	"github.com/axion66/A2rchi-sub003/internal/store"
)

const testDims = 4

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	chunks, err := store.NewSQLiteChunkStore(filepath.Join(t.TempDir(), "chunks.db"), testDims)
	require.NoError(t, err)

	newLexical := func() (store.LexicalIndex, error) {
		return store.NewMemoryBM25Index(store.DefaultBM25Config())
	}
	newVector := func() (store.VectorIndex, error) {
		return store.NewHNSWIndex(store.DefaultVectorConfig(testDims))
	}

	lexical, err := newLexical()
	require.NoError(t, err)
	vector, err := newVector()
	require.NoError(t, err)

	engine, err := NewEngine(chunks, lexical, vector, DefaultEngineConfig(testDims),
		WithIndexFactories(newLexical, newVector))
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func ingestChunk(t *testing.T, e *Engine, doc uint64, ord uint32, text string, vec []float32) uint64 {
	t.Helper()
	id, err := e.Ingest(context.Background(), IngestRequest{
		DocumentID: doc,
		Ordinal:    ord,
		Text:       text,
		Embedding:  vec,
	})
	require.NoError(t, err)
	return id
}

func TestEngine_IngestAssignsMonotonicIDs(t *testing.T) {
	e := newTestEngine(t)

	first := ingestChunk(t, e, 1, 0, "first chunk", []float32{1, 0, 0, 0})
	second := ingestChunk(t, e, 1, 1, "second chunk", []float32{0, 1, 0, 0})
	assert.Greater(t, second, first)
}

func TestEngine_IngestRejectsWrongDimensions(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Ingest(context.Background(), IngestRequest{
		DocumentID: 1,
		Text:       "bad vector",
		Embedding:  []float32{1, 0, 0}, // 3 dims against 4
	})
	require.Error(t, err)
	assert.Equal(t, engerrors.ErrCodeDimensionMismatch, engerrors.GetCode(err))
}

func TestEngine_IngestEmptyTextVectorOnly(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	// A chunk whose text tokenizes to nothing is valid; it stays reachable
	// through the vector signal only.
	id, err := e.Ingest(ctx, IngestRequest{
		DocumentID: 1,
		Text:       "   ",
		Embedding:  []float32{1, 0, 0, 0},
	})
	require.NoError(t, err)

	results, err := e.Query(ctx, "", []float32{1, 0, 0, 0}, QueryOptions{K: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].Chunk.ID)
	assert.Equal(t, 0, results[0].LexicalRank)

	// No lexical route to it.
	results, err = e.Query(ctx, "anything", nil, QueryOptions{K: 5})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestEngine_QueryFindsBothSignals(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	id := ingestChunk(t, e, 1, 0, "the quick brown fox", []float32{1, 0, 0, 0})
	ingestChunk(t, e, 1, 1, "unrelated filler text", []float32{0, 0, 0, 1})

	results, err := e.Query(ctx, "quick fox", []float32{0.9, 0.1, 0, 0}, QueryOptions{K: 2})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, id, results[0].Chunk.ID)
	assert.True(t, results[0].InBothLists)
	assert.Equal(t, 1, results[0].LexicalRank)
	assert.Equal(t, 1, results[0].VectorRank)
}

func TestEngine_WeightsSteerRanking(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	// A matches the query text, B matches the query vector.
	idA := ingestChunk(t, e, 1, 0, "quick brown fox jumps", []float32{0, 0, 0, 1})
	idB := ingestChunk(t, e, 1, 1, "completely different words", []float32{1, 0, 0, 0})

	queryText := "quick fox"
	queryVec := []float32{1, 0, 0, 0}

	// Balanced weights surface both.
	results, err := e.Query(ctx, queryText, queryVec, QueryOptions{K: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)

	// All lexical: A first.
	results, err = e.Query(ctx, queryText, queryVec, QueryOptions{
		K:       2,
		Weights: &Weights{Lexical: 1, Vector: 0},
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, idA, results[0].Chunk.ID)

	// All vector: B first.
	results, err = e.Query(ctx, queryText, queryVec, QueryOptions{
		K:       2,
		Weights: &Weights{Lexical: 0, Vector: 1},
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, idB, results[0].Chunk.ID)
}

func TestEngine_QueryValidation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	_, err := e.Query(ctx, "", nil, QueryOptions{})
	assert.Equal(t, engerrors.ErrCodeInvalidInput, engerrors.GetCode(err))

	_, err = e.Query(ctx, "text", []float32{1, 2, 3}, QueryOptions{})
	assert.Equal(t, engerrors.ErrCodeDimensionMismatch, engerrors.GetCode(err))

	_, err = e.Query(ctx, "text", nil, QueryOptions{
		Weights: &Weights{Lexical: 0.9, Vector: 0.9},
	})
	assert.Equal(t, engerrors.ErrCodeInvalidInput, engerrors.GetCode(err))
}

func TestEngine_TextOnlyAndVectorOnlyQueries(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	id := ingestChunk(t, e, 1, 0, "searchable text", []float32{0, 1, 0, 0})

	results, err := e.Query(ctx, "searchable", nil, QueryOptions{K: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].Chunk.ID)
	assert.Equal(t, 0, results[0].VectorRank)

	results, err = e.Query(ctx, "", []float32{0, 1, 0, 0}, QueryOptions{K: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].Chunk.ID)
	assert.Equal(t, 0, results[0].LexicalRank)
}

func TestEngine_RacingDeleteShortensResults(t *testing.T) {
	ctx := context.Background()

	chunks, err := store.NewSQLiteChunkStore(filepath.Join(t.TempDir(), "chunks.db"), testDims)
	require.NoError(t, err)
	lexical, err := store.NewMemoryBM25Index(store.DefaultBM25Config())
	require.NoError(t, err)
	vector, err := store.NewHNSWIndex(store.DefaultVectorConfig(testDims))
	require.NoError(t, err)

	e, err := NewEngine(chunks, lexical, vector, DefaultEngineConfig(testDims))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	top := ingestChunk(t, e, 1, 0, "winning text winning text", []float32{1, 0, 0, 0})
	second := ingestChunk(t, e, 1, 1, "winning text", []float32{0.9, 0.1, 0, 0})
	ingestChunk(t, e, 1, 2, "winning once", []float32{0.8, 0.2, 0, 0})

	// Tombstone the winner behind the indexes' back, as a delete racing
	// between fusion and resolution would.
	require.NoError(t, chunks.Tombstone(ctx, top))

	results, err := e.Query(ctx, "winning", []float32{1, 0, 0, 0}, QueryOptions{K: 2})
	require.NoError(t, err)

	// The dropped winner is not backfilled from below the top-k cut.
	require.Len(t, results, 1)
	assert.Equal(t, second, results[0].Chunk.ID)
}

func TestEngine_ConcurrentOperations(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	const (
		writers        = 4
		readers        = 4
		opsPerWorker   = 8
		seedChunkCount = 8
	)

	for i := 0; i < seedChunkCount; i++ {
		ingestChunk(t, e, 1, uint32(i), "seed corpus text", []float32{1, float32(i) * 0.1, 0, 0})
	}

	var wg sync.WaitGroup
	errs := make(chan error, (writers+readers)*opsPerWorker)

	// Writers ingest fresh chunks and delete every other one.
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < opsPerWorker; i++ {
				id, err := e.Ingest(ctx, IngestRequest{
					DocumentID: uint64(w + 2),
					Ordinal:    uint32(i),
					Text:       "concurrent ingest text",
					Embedding:  []float32{0, 1, float32(i) * 0.1, 0},
				})
				if err != nil {
					errs <- err
					return
				}
				if i%2 == 0 {
					if err := e.Delete(ctx, id); err != nil {
						errs <- err
						return
					}
				}
			}
		}(w)
	}

	// Readers query the seeded corpus throughout.
	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < opsPerWorker; i++ {
				if _, err := e.Query(ctx, "seed corpus", []float32{1, 0, 0, 0}, QueryOptions{K: 5}); err != nil {
					errs <- err
					return
				}
			}
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, seedChunkCount+writers*opsPerWorker/2, stats.ChunkCount)
}

func TestEngine_DeleteExcludesFromQueries(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	id := ingestChunk(t, e, 1, 0, "doomed chunk text", []float32{1, 0, 0, 0})
	keep := ingestChunk(t, e, 1, 1, "doomed twin text", []float32{0.9, 0.1, 0, 0})

	require.NoError(t, e.Delete(ctx, id))

	results, err := e.Query(ctx, "doomed", []float32{1, 0, 0, 0}, QueryOptions{K: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, keep, results[0].Chunk.ID)
}

func TestEngine_DeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	id := ingestChunk(t, e, 1, 0, "short lived", []float32{1, 0, 0, 0})

	require.NoError(t, e.Delete(ctx, id))
	require.NoError(t, e.Delete(ctx, id))

	err := e.Delete(ctx, 9999)
	require.Error(t, err)
	assert.Equal(t, engerrors.ErrCodeChunkNotFound, engerrors.GetCode(err))
}

func TestEngine_KDefaultsAndClamp(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	for i := 0; i < 15; i++ {
		ingestChunk(t, e, 1, uint32(i), "common body text", []float32{1, float32(i) * 0.01, 0, 0})
	}

	// K=0 falls back to DefaultK (10).
	results, err := e.Query(ctx, "common", []float32{1, 0, 0, 0}, QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, results, 10)

	// K above MaxK is clamped, not an error.
	results, err = e.Query(ctx, "common", []float32{1, 0, 0, 0}, QueryOptions{K: 100000})
	require.NoError(t, err)
	assert.Len(t, results, 15)
}

func TestEngine_RebuildReclaimsOrphans(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	var ids []uint64
	for i := 0; i < 6; i++ {
		ids = append(ids, ingestChunk(t, e, 1, uint32(i), "rebuild target text", []float32{1, float32(i) * 0.1, 0, 0}))
	}
	for _, id := range ids[:3] {
		require.NoError(t, e.Delete(ctx, id))
	}

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.VectorOrphans)

	require.NoError(t, e.Rebuild(ctx))

	stats, err = e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.VectorOrphans)
	assert.Equal(t, 3, stats.VectorCount)

	// Survivors remain queryable after the swap.
	results, err := e.Query(ctx, "rebuild", []float32{1, 0.5, 0, 0}, QueryOptions{K: 10})
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestEngine_Compact(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	var ids []uint64
	for i := 0; i < 4; i++ {
		ids = append(ids, ingestChunk(t, e, 1, uint32(i), "compactable text", []float32{1, float32(i) * 0.1, 0, 0}))
	}
	require.NoError(t, e.Delete(ctx, ids[0]))
	require.NoError(t, e.Delete(ctx, ids[1]))

	stats, err := e.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.ChunksRemoved)
	assert.Equal(t, 2, stats.OrphansReclaimed)

	engineStats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, engineStats.ChunkCount)
	assert.Equal(t, 2, engineStats.VectorCount)
	assert.Equal(t, 0, engineStats.VectorOrphans)

	// Nothing left to reclaim on a second pass.
	stats, err = e.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.ChunksRemoved)
	assert.Equal(t, 0, stats.OrphansReclaimed)
}

func TestEngine_Stats(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	ingestChunk(t, e, 1, 0, "alpha beta", []float32{1, 0, 0, 0})
	ingestChunk(t, e, 2, 0, "gamma", []float32{0, 1, 0, 0})

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ChunkCount)
	assert.Equal(t, 2, stats.VectorCount)
	assert.Equal(t, 2, stats.Lexical.DocumentCount)
}

func TestEngine_ClosedOperations(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.Ingest(ctx, IngestRequest{DocumentID: 1, Text: "late", Embedding: []float32{1, 0, 0, 0}})
	assert.ErrorIs(t, err, ErrEngineClosed)
	assert.ErrorIs(t, e.Delete(ctx, 1), ErrEngineClosed)
	_, err = e.Query(ctx, "late", nil, QueryOptions{})
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestEngineConfig_LexicalMultiplier(t *testing.T) {
	assert.Equal(t, DefaultLexicalMultiplier, DefaultEngineConfig(testDims).LexicalMultiplier)

	cfg := DefaultEngineConfig(testDims)
	cfg.LexicalMultiplier = -1
	assert.Error(t, cfg.Validate())

	// A zero multiplier falls back to the default at construction.
	chunks, err := store.NewSQLiteChunkStore("", testDims)
	require.NoError(t, err)
	lexical, err := store.NewMemoryBM25Index(store.DefaultBM25Config())
	require.NoError(t, err)
	vector, err := store.NewHNSWIndex(store.DefaultVectorConfig(testDims))
	require.NoError(t, err)

	cfg = DefaultEngineConfig(testDims)
	cfg.LexicalMultiplier = 0
	e, err := NewEngine(chunks, lexical, vector, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	assert.Equal(t, DefaultLexicalMultiplier, e.config.LexicalMultiplier)
}

func TestEngine_NilDependencies(t *testing.T) {
	chunks, err := store.NewSQLiteChunkStore("", testDims)
	require.NoError(t, err)
	defer func() { _ = chunks.Close() }()

	lexical, err := store.NewMemoryBM25Index(store.DefaultBM25Config())
	require.NoError(t, err)
	vector, err := store.NewHNSWIndex(store.DefaultVectorConfig(testDims))
	require.NoError(t, err)

	_, err = NewEngine(nil, lexical, vector, DefaultEngineConfig(testDims))
	assert.ErrorIs(t, err, ErrNilDependency)
	_, err = NewEngine(chunks, nil, vector, DefaultEngineConfig(testDims))
	assert.ErrorIs(t, err, ErrNilDependency)
	_, err = NewEngine(chunks, lexical, nil, DefaultEngineConfig(testDims))
	assert.ErrorIs(t, err, ErrNilDependency)
}

func TestOpen_RoundTrip(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()

	cfg := OpenConfig{
		DataDir: dataDir,
		Engine:  DefaultEngineConfig(testDims),
		Lexical: store.DefaultBM25Config(),
		Vector:  store.DefaultVectorConfig(testDims),
	}

	engine, err := Open(ctx, cfg)
	require.NoError(t, err)

	id, err := engine.Ingest(ctx, IngestRequest{
		DocumentID: 1,
		Text:       "persistent chunk",
		Embedding:  []float32{1, 0, 0, 0},
	})
	require.NoError(t, err)
	require.NoError(t, engine.Close())

	// Reopen: lexical rebuilt from the store, vector loaded from snapshot.
	engine, err = Open(ctx, cfg)
	require.NoError(t, err)
	defer func() { _ = engine.Close() }()

	results, err := engine.Query(ctx, "persistent", []float32{1, 0, 0, 0}, QueryOptions{K: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].Chunk.ID)
	assert.True(t, results[0].InBothLists)
}

func TestOpen_RejectsDimensionlessConfig(t *testing.T) {
	_, err := Open(context.Background(), OpenConfig{
		DataDir: t.TempDir(),
		Engine:  EngineConfig{},
	})
	require.Error(t, err)
	assert.Equal(t, engerrors.ErrCodeConfigInvalid, engerrors.GetCode(err))
}
