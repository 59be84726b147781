package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	engerrors "github.com/axion66/A2rchi-sub003/internal/errors"
	"github.com/axion66/A2rchi-sub003/internal/store"
)

// idStripes is the number of per-chunk mutex stripes. Ingest and delete of
// the same chunk serialize on a stripe so the store write and the two index
// updates never interleave for one ID.
const idStripes = 64

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = errors.New("nil dependency")

// ErrEngineClosed is returned by operations on a closed engine.
var ErrEngineClosed = errors.New("engine closed")

// Engine is the hybrid retrieval engine. It owns a durable chunk store plus
// one lexical and one vector index, keeps them consistent through ingest and
// delete, and answers queries by fusing both indexes' rankings.
type Engine struct {
	chunks  store.ChunkStore
	lexical store.LexicalIndex
	vector  store.VectorIndex
	config  EngineConfig
	fusion  *RRFFusion
	logger  *slog.Logger

	// newLexical and newVector build replacement indexes for Rebuild and
	// Compact. Optional; without them structural maintenance is unavailable.
	newLexical func() (store.LexicalIndex, error)
	newVector  func() (store.VectorIndex, error)

	// vectorSnapshotPath, when set, is where Close persists the graph.
	vectorSnapshotPath string

	// structMu guards index swaps. Ordinary operations hold it for read;
	// Rebuild, Compact, and Close hold it for write.
	structMu sync.RWMutex

	idLocks [idStripes]sync.Mutex

	closed bool
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithIndexFactories provides constructors for replacement indexes, enabling
// Rebuild and Compact to swap in freshly built ones.
func WithIndexFactories(
	newLexical func() (store.LexicalIndex, error),
	newVector func() (store.VectorIndex, error),
) EngineOption {
	return func(e *Engine) {
		e.newLexical = newLexical
		e.newVector = newVector
	}
}

// WithVectorSnapshotPath sets where Close saves the vector graph.
func WithVectorSnapshotPath(path string) EngineOption {
	return func(e *Engine) {
		e.vectorSnapshotPath = path
	}
}

// NewEngine creates a hybrid retrieval engine over the given components.
// Returns an error if any required dependency is nil or the config is
// invalid.
func NewEngine(
	chunks store.ChunkStore,
	lexical store.LexicalIndex,
	vector store.VectorIndex,
	config EngineConfig,
	opts ...EngineOption,
) (*Engine, error) {
	if chunks == nil {
		return nil, fmt.Errorf("%w: chunk store is required", ErrNilDependency)
	}
	if lexical == nil {
		return nil, fmt.Errorf("%w: lexical index is required", ErrNilDependency)
	}
	if vector == nil {
		return nil, fmt.Errorf("%w: vector index is required", ErrNilDependency)
	}
	if err := config.Validate(); err != nil {
		return nil, engerrors.New(engerrors.ErrCodeConfigInvalid, err.Error(), err)
	}
	if config.LexicalMultiplier == 0 {
		config.LexicalMultiplier = DefaultLexicalMultiplier
	}

	e := &Engine{
		chunks:  chunks,
		lexical: lexical,
		vector:  vector,
		config:  config,
		fusion:  NewRRFFusionWithK(config.RRFConstant),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// stripe returns the mutex serializing operations on one chunk ID.
func (e *Engine) stripe(chunkID uint64) *sync.Mutex {
	return &e.idLocks[chunkID%idStripes]
}

// Ingest appends the chunk to the durable store, then indexes it lexically
// and in the vector graph. The store append is the commit point: once it
// succeeds the chunk ID is assigned and never reused. If either index insert
// fails afterwards, the chunk is tombstoned again and partial index state is
// undone before the error returns.
func (e *Engine) Ingest(ctx context.Context, req IngestRequest) (uint64, error) {
	if len(req.Embedding) != e.config.Dimensions {
		return 0, engerrors.New(engerrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("embedding has %d dimensions, engine requires %d", len(req.Embedding), e.config.Dimensions),
			store.ErrDimensionMismatch{Expected: e.config.Dimensions, Got: len(req.Embedding)})
	}

	e.structMu.RLock()
	defer e.structMu.RUnlock()
	if e.closed {
		return 0, ErrEngineClosed
	}

	chunkID, err := e.chunks.Append(ctx, req.DocumentID, req.Ordinal, req.Text, req.Embedding, req.Metadata)
	if err != nil {
		return 0, engerrors.StorageError("append chunk", err)
	}

	mu := e.stripe(chunkID)
	mu.Lock()
	defer mu.Unlock()

	if err := e.lexical.Insert(ctx, chunkID, req.Text); err != nil {
		e.rollbackIngest(ctx, chunkID, false)
		return 0, e.ingestError(chunkID, "lexical index insert", err)
	}
	if err := e.vector.Insert(ctx, chunkID, req.Embedding); err != nil {
		e.rollbackIngest(ctx, chunkID, true)
		return 0, e.ingestError(chunkID, "vector index insert", err)
	}

	e.logger.Debug("chunk ingested",
		slog.Uint64("chunk_id", chunkID),
		slog.Uint64("document_id", req.DocumentID))
	return chunkID, nil
}

// rollbackIngest undoes a half-finished ingest. Errors here are logged, not
// returned: the tombstone makes the chunk invisible even if an index removal
// fails, and the next rebuild clears the leftovers.
func (e *Engine) rollbackIngest(ctx context.Context, chunkID uint64, lexicalInserted bool) {
	if err := e.chunks.Tombstone(ctx, chunkID); err != nil {
		e.logger.Error("rollback: tombstone failed",
			slog.Uint64("chunk_id", chunkID),
			slog.String("error", err.Error()))
	}
	if lexicalInserted {
		if err := e.lexical.Remove(ctx, chunkID); err != nil {
			e.logger.Error("rollback: lexical remove failed",
				slog.Uint64("chunk_id", chunkID),
				slog.String("error", err.Error()))
		}
	}
}

// ingestError wraps an index failure, preserving corruption severity.
func (e *Engine) ingestError(chunkID uint64, stage string, err error) error {
	if errors.Is(err, store.ErrCorrupt) {
		return engerrors.CorruptionError(stage, err).
			WithDetail("chunk_id", fmt.Sprintf("%d", chunkID))
	}
	return engerrors.New(engerrors.ErrCodeIngestFailed, stage+" failed", err).
		WithDetail("chunk_id", fmt.Sprintf("%d", chunkID))
}

// Delete tombstones the chunk and removes it from both indexes. Deleting an
// already-deleted chunk succeeds; deleting an ID that was never assigned
// returns a chunk-not-found error.
func (e *Engine) Delete(ctx context.Context, chunkID uint64) error {
	e.structMu.RLock()
	defer e.structMu.RUnlock()
	if e.closed {
		return ErrEngineClosed
	}

	mu := e.stripe(chunkID)
	mu.Lock()
	defer mu.Unlock()

	if err := e.chunks.Tombstone(ctx, chunkID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return engerrors.New(engerrors.ErrCodeChunkNotFound,
				fmt.Sprintf("chunk %d does not exist", chunkID), err)
		}
		return engerrors.StorageError("tombstone chunk", err)
	}

	// Index removals are no-ops for unknown IDs, so a repeated delete is
	// harmless here too.
	if err := e.lexical.Remove(ctx, chunkID); err != nil {
		return e.ingestError(chunkID, "lexical index remove", err)
	}
	if err := e.vector.Remove(ctx, chunkID); err != nil {
		return e.ingestError(chunkID, "vector index remove", err)
	}

	e.logger.Debug("chunk deleted", slog.Uint64("chunk_id", chunkID))
	return nil
}

// Query runs the hybrid search: both indexes are consulted in parallel with
// an over-fetched limit, the two rankings are fused with weighted RRF, and
// the winners are resolved against the chunk store.
//
// If exactly one index fails with a non-fatal error the query degrades to
// the surviving source and logs a warning; corruption or a double failure
// aborts the query.
func (e *Engine) Query(ctx context.Context, text string, embedding []float32, opts QueryOptions) ([]*SearchResult, error) {
	text = strings.TrimSpace(text)
	if text == "" && len(embedding) == 0 {
		return nil, engerrors.ValidationError("query needs text, an embedding, or both", nil)
	}
	if len(embedding) > 0 && len(embedding) != e.config.Dimensions {
		return nil, engerrors.New(engerrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("query embedding has %d dimensions, engine requires %d", len(embedding), e.config.Dimensions),
			store.ErrDimensionMismatch{Expected: e.config.Dimensions, Got: len(embedding)})
	}
	if opts.Weights != nil {
		if err := opts.Weights.Validate(); err != nil {
			return nil, engerrors.ValidationError(err.Error(), err)
		}
	}
	opts = e.config.normalize(opts)

	e.structMu.RLock()
	defer e.structMu.RUnlock()
	if e.closed {
		return nil, ErrEngineClosed
	}

	fetch := opts.K * e.config.LexicalMultiplier

	var (
		lexCandidates []store.Candidate
		vecCandidates []store.Candidate
		lexErr        error
		vecErr        error
	)

	g, gctx := errgroup.WithContext(ctx)
	if text != "" {
		g.Go(func() error {
			lexCandidates, lexErr = e.lexical.Search(gctx, text, fetch)
			return nil
		})
	}
	if len(embedding) > 0 {
		g.Go(func() error {
			vecCandidates, vecErr = e.vector.Search(gctx, embedding, fetch, opts.Breadth)
			return nil
		})
	}
	_ = g.Wait()

	if err := e.checkSearchErrors(lexErr, vecErr); err != nil {
		return nil, err
	}

	fused := e.fusion.Fuse(lexCandidates, vecCandidates, *opts.Weights)
	if len(fused) > opts.K {
		fused = fused[:opts.K]
	}

	return e.resolve(ctx, fused)
}

// checkSearchErrors applies the degradation policy to the two fan-out
// results.
func (e *Engine) checkSearchErrors(lexErr, vecErr error) error {
	for _, err := range []error{lexErr, vecErr} {
		if err != nil && errors.Is(err, store.ErrCorrupt) {
			return engerrors.CorruptionError("index corruption detected during search", err)
		}
	}
	if lexErr != nil && vecErr != nil {
		return engerrors.New(engerrors.ErrCodeSearchFailed, "both indexes failed",
			errors.Join(lexErr, vecErr))
	}
	if lexErr != nil {
		e.logger.Warn("lexical search failed, degrading to vector-only",
			slog.String("error", lexErr.Error()))
	}
	if vecErr != nil {
		e.logger.Warn("vector search failed, degrading to lexical-only",
			slog.String("error", vecErr.Error()))
	}
	return nil
}

// resolve loads chunks for the top-k fused candidates. A chunk deleted
// between fusion and resolution is dropped, never backfilled from below the
// cut, so the result can be shorter than k.
func (e *Engine) resolve(ctx context.Context, fused []*FusedResult) ([]*SearchResult, error) {
	results := make([]*SearchResult, 0, len(fused))
	for _, f := range fused {
		chunk, err := e.chunks.Get(ctx, f.ChunkID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, engerrors.StorageError("resolve chunk", err)
		}
		results = append(results, &SearchResult{
			Chunk:        chunk,
			Score:        f.RRFScore,
			LexicalScore: f.LexicalScore,
			LexicalRank:  f.LexicalRank,
			VectorScore:  f.VectorScore,
			VectorRank:   f.VectorRank,
			InBothLists:  f.InBothLists,
		})
	}
	return results, nil
}

// Rebuild replaces both indexes with fresh ones built from a full scan of
// the live chunks. It is the recovery path for index corruption and the
// reclamation path for vector graph orphans. The engine is unavailable for
// the duration.
func (e *Engine) Rebuild(ctx context.Context) error {
	if e.newLexical == nil || e.newVector == nil {
		return engerrors.New(engerrors.ErrCodeInternal, "rebuild unavailable: no index factories configured", nil)
	}

	e.structMu.Lock()
	defer e.structMu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}

	lexical, vector, err := e.buildFromStore(ctx)
	if err != nil {
		return err
	}

	oldLexical, oldVector := e.lexical, e.vector
	e.lexical, e.vector = lexical, vector
	_ = oldLexical.Close()
	_ = oldVector.Close()

	e.logger.Info("indexes rebuilt",
		slog.Int("chunks", vector.Count()))
	return nil
}

// buildFromStore constructs fresh indexes from a live-chunk scan.
func (e *Engine) buildFromStore(ctx context.Context) (store.LexicalIndex, store.VectorIndex, error) {
	lexical, err := e.newLexical()
	if err != nil {
		return nil, nil, engerrors.New(engerrors.ErrCodeInternal, "create lexical index", err)
	}
	vector, err := e.newVector()
	if err != nil {
		_ = lexical.Close()
		return nil, nil, engerrors.New(engerrors.ErrCodeInternal, "create vector index", err)
	}

	it := e.chunks.ScanAll(ctx)
	for {
		chunk, ok := it.Next()
		if !ok {
			break
		}
		if err := lexical.Insert(ctx, chunk.ID, chunk.Text); err != nil {
			_ = lexical.Close()
			_ = vector.Close()
			return nil, nil, engerrors.New(engerrors.ErrCodeInternal, "rebuild lexical index", err)
		}
		if err := vector.Insert(ctx, chunk.ID, chunk.Embedding); err != nil {
			_ = lexical.Close()
			_ = vector.Close()
			return nil, nil, engerrors.New(engerrors.ErrCodeInternal, "rebuild vector index", err)
		}
	}
	if err := it.Err(); err != nil {
		_ = lexical.Close()
		_ = vector.Close()
		return nil, nil, engerrors.StorageError("scan chunks for rebuild", err)
	}

	return lexical, vector, nil
}

// Compact reclaims space across all three layers: tombstoned rows are purged
// from the store, tombstoned postings are dropped from the lexical index,
// and the vector graph is rebuilt without its orphaned nodes.
func (e *Engine) Compact(ctx context.Context) (CompactStats, error) {
	var stats CompactStats

	e.structMu.Lock()
	defer e.structMu.Unlock()
	if e.closed {
		return stats, ErrEngineClosed
	}

	removed, err := e.chunks.Compact(ctx)
	if err != nil {
		return stats, engerrors.StorageError("compact chunk store", err)
	}
	stats.ChunksRemoved = removed
	stats.PostingsReclaimed = e.lexical.Compact()

	// Orphan reclamation requires rebuilding the graph; skip when there is
	// nothing to reclaim or no factory to rebuild with.
	if orphans := e.vector.OrphanCount(); orphans > 0 && e.newVector != nil {
		vector, err := e.rebuildVector(ctx)
		if err != nil {
			return stats, err
		}
		old := e.vector
		e.vector = vector
		_ = old.Close()
		stats.OrphansReclaimed = orphans
	}

	e.logger.Info("compaction finished",
		slog.Int64("chunks_removed", stats.ChunksRemoved),
		slog.Int("postings_reclaimed", stats.PostingsReclaimed),
		slog.Int("orphans_reclaimed", stats.OrphansReclaimed))
	return stats, nil
}

// rebuildVector constructs a fresh vector index from a live-chunk scan.
func (e *Engine) rebuildVector(ctx context.Context) (store.VectorIndex, error) {
	vector, err := e.newVector()
	if err != nil {
		return nil, engerrors.New(engerrors.ErrCodeInternal, "create vector index", err)
	}

	it := e.chunks.ScanAll(ctx)
	for {
		chunk, ok := it.Next()
		if !ok {
			break
		}
		if err := vector.Insert(ctx, chunk.ID, chunk.Embedding); err != nil {
			_ = vector.Close()
			return nil, engerrors.New(engerrors.ErrCodeInternal, "rebuild vector index", err)
		}
	}
	if err := it.Err(); err != nil {
		_ = vector.Close()
		return nil, engerrors.StorageError("scan chunks for rebuild", err)
	}
	return vector, nil
}

// Stats returns a snapshot of the engine's indexes.
func (e *Engine) Stats(ctx context.Context) (EngineStats, error) {
	e.structMu.RLock()
	defer e.structMu.RUnlock()
	if e.closed {
		return EngineStats{}, ErrEngineClosed
	}

	count, err := e.chunks.Count(ctx)
	if err != nil {
		return EngineStats{}, engerrors.StorageError("count chunks", err)
	}
	return EngineStats{
		ChunkCount:    count,
		Lexical:       e.lexical.Stats(),
		VectorCount:   e.vector.Count(),
		VectorOrphans: e.vector.OrphanCount(),
	}, nil
}

// Close persists the vector snapshot (when a path is configured) and closes
// all components. Close is idempotent.
func (e *Engine) Close() error {
	e.structMu.Lock()
	defer e.structMu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	if e.vectorSnapshotPath != "" {
		if err := e.vector.Save(e.vectorSnapshotPath); err != nil {
			errs = append(errs, fmt.Errorf("save vector snapshot: %w", err))
		}
	}
	if err := e.lexical.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close lexical index: %w", err))
	}
	if err := e.vector.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close vector index: %w", err))
	}
	if err := e.chunks.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close chunk store: %w", err))
	}
	return errors.Join(errs...)
}
