package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	engerrors "github.com/axion66/A2rchi-sub003/internal/errors"
	"github.com/axion66/A2rchi-sub003/internal/store"
)

// Filenames inside the data directory.
const (
	chunksFile      = "chunks.db"
	vectorsFile     = "vectors.hnsw"
	bleveLexicalDir = "lexical.bleve"
)

// OpenConfig describes everything needed to open or create an engine rooted
// at a data directory.
type OpenConfig struct {
	// DataDir is the root directory for all persistent state.
	DataDir string

	// Engine carries the query-time defaults and the embedding dimensions.
	Engine EngineConfig

	// LexicalBackend selects the lexical index ("lexical-bm25" default).
	LexicalBackend string
	Lexical        store.BM25Config

	// VectorBackend selects the vector index ("ann-hnsw" default).
	VectorBackend string
	Vector        store.VectorConfig

	// Logger is the structured logger. Defaults to slog.Default().
	Logger *slog.Logger
}

// Open builds a ready-to-serve engine from the data directory.
//
// The chunk store is the source of truth: the lexical index is always
// rebuilt from a full scan, and the vector index is loaded from its snapshot
// when one exists with matching dimensions, otherwise rebuilt too. A
// dimension change in config therefore discards the stale snapshot instead
// of serving wrong-dimensional results.
func Open(ctx context.Context, cfg OpenConfig) (*Engine, error) {
	if cfg.DataDir == "" {
		return nil, engerrors.New(engerrors.ErrCodeConfigInvalid, "data directory is required", nil)
	}
	if err := cfg.Engine.Validate(); err != nil {
		return nil, engerrors.New(engerrors.ErrCodeConfigInvalid, err.Error(), err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, engerrors.StorageError("create data directory", err)
	}

	cfg.Vector.Dimensions = cfg.Engine.Dimensions
	if cfg.LexicalBackend == store.LexicalBleve && cfg.Lexical.Path == "" {
		cfg.Lexical.Path = filepath.Join(cfg.DataDir, bleveLexicalDir)
	}

	chunks, err := store.NewSQLiteChunkStore(filepath.Join(cfg.DataDir, chunksFile), cfg.Engine.Dimensions)
	if err != nil {
		return nil, engerrors.StorageError("open chunk store", err)
	}

	newLexical := func() (store.LexicalIndex, error) {
		return store.NewLexicalIndex(cfg.LexicalBackend, cfg.Lexical)
	}
	newVector := func() (store.VectorIndex, error) {
		return store.NewVectorIndex(cfg.VectorBackend, cfg.Vector)
	}

	snapshotPath := filepath.Join(cfg.DataDir, vectorsFile)

	lexical, vector, err := loadIndexes(ctx, chunks, newLexical, newVector, snapshotPath, cfg)
	if err != nil {
		_ = chunks.Close()
		return nil, err
	}

	engine, err := NewEngine(chunks, lexical, vector, cfg.Engine,
		WithLogger(cfg.Logger),
		WithIndexFactories(newLexical, newVector),
		WithVectorSnapshotPath(snapshotPath),
	)
	if err != nil {
		_ = lexical.Close()
		_ = vector.Close()
		_ = chunks.Close()
		return nil, err
	}
	return engine, nil
}

// loadIndexes restores or rebuilds both indexes from the chunk store.
func loadIndexes(
	ctx context.Context,
	chunks store.ChunkStore,
	newLexical func() (store.LexicalIndex, error),
	newVector func() (store.VectorIndex, error),
	snapshotPath string,
	cfg OpenConfig,
) (store.LexicalIndex, store.VectorIndex, error) {
	lexical, err := newLexical()
	if err != nil {
		return nil, nil, engerrors.New(engerrors.ErrCodeConfigInvalid, "create lexical index", err)
	}
	vector, err := newVector()
	if err != nil {
		_ = lexical.Close()
		return nil, nil, engerrors.New(engerrors.ErrCodeConfigInvalid, "create vector index", err)
	}

	vectorLoaded := false
	if dims, derr := store.SnapshotDimensions(snapshotPath); derr == nil && dims == cfg.Engine.Dimensions {
		if lerr := vector.Load(snapshotPath); lerr == nil {
			vectorLoaded = true
		} else {
			cfg.Logger.Warn("vector snapshot unreadable, rebuilding from store",
				slog.String("path", snapshotPath),
				slog.String("error", lerr.Error()))
		}
	} else if derr == nil && dims != 0 {
		cfg.Logger.Warn("vector snapshot has stale dimensions, rebuilding from store",
			slog.Int("snapshot_dims", dims),
			slog.Int("configured_dims", cfg.Engine.Dimensions))
	}

	it := chunks.ScanAll(ctx)
	restored := 0
	for {
		chunk, ok := it.Next()
		if !ok {
			break
		}
		if err := lexical.Insert(ctx, chunk.ID, chunk.Text); err != nil {
			_ = lexical.Close()
			_ = vector.Close()
			return nil, nil, fmt.Errorf("restore lexical index: %w", err)
		}
		if !vectorLoaded {
			if err := vector.Insert(ctx, chunk.ID, chunk.Embedding); err != nil {
				_ = lexical.Close()
				_ = vector.Close()
				return nil, nil, fmt.Errorf("restore vector index: %w", err)
			}
		}
		restored++
	}
	if err := it.Err(); err != nil {
		_ = lexical.Close()
		_ = vector.Close()
		if errors.Is(err, store.ErrCorrupt) {
			return nil, nil, engerrors.CorruptionError("chunk store scan", err)
		}
		return nil, nil, engerrors.StorageError("scan chunks", err)
	}

	cfg.Logger.Info("indexes ready",
		slog.Int("chunks", restored),
		slog.Bool("vector_snapshot_used", vectorLoaded))
	return lexical, vector, nil
}
