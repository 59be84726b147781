package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// chunkCacheSize bounds the read-through cache of live chunks.
const chunkCacheSize = 4096

// scanBatchSize is the keyset pagination batch for Scan/ScanAll. Batching
// avoids pinning the single SQLite connection with a long-lived rows cursor.
const scanBatchSize = 256

// SQLiteChunkStore implements ChunkStore on SQLite in WAL mode.
//
// WAL with synchronous=FULL gives the durability contract: every mutating
// call reaches the write-ahead log before it returns, so both indexes can be
// rebuilt from this store after a crash. AUTOINCREMENT guarantees IDs are
// monotonic and never reused, even across tombstone and compaction.
type SQLiteChunkStore struct {
	mu         sync.RWMutex
	db         *sql.DB
	path       string
	dimensions int
	cache      *lru.Cache[uint64, *Chunk]
	closed     bool
}

// Verify interface implementation at compile time
var _ ChunkStore = (*SQLiteChunkStore)(nil)

// NewSQLiteChunkStore opens or creates a chunk store at path.
// If path is empty, an in-memory store is created (testing only; in-memory
// stores provide no crash durability).
func NewSQLiteChunkStore(path string, dimensions int) (*SQLiteChunkStore, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", dimensions)
	}

	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer keeps lock contention out of the driver.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL mode must be set via PRAGMA for modernc.org/sqlite.
	// synchronous=FULL: commits are in the WAL before Exec returns.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	cache, err := lru.New[uint64, *Chunk](chunkCacheSize)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create chunk cache: %w", err)
	}

	s := &SQLiteChunkStore{
		db:         db,
		path:       path,
		dimensions: dimensions,
		cache:      cache,
	}

	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// initSchema creates the chunk table.
func (s *SQLiteChunkStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	-- AUTOINCREMENT prevents rowid reuse after deletion, which keeps chunk
	-- IDs unique for the lifetime of the store.
	CREATE TABLE IF NOT EXISTS chunks (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id INTEGER NOT NULL,
		ordinal     INTEGER NOT NULL,
		text        TEXT NOT NULL,
		embedding   BLOB NOT NULL,
		metadata    TEXT NOT NULL DEFAULT '{}',
		deleted     INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_document
		ON chunks(document_id, ordinal) WHERE deleted = 0;

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Append durably inserts a new chunk and returns its assigned ID.
func (s *SQLiteChunkStore) Append(ctx context.Context, documentID uint64, ordinal uint32, text string, embedding []float32, metadata map[string]string) (uint64, error) {
	if len(embedding) != s.dimensions {
		return 0, ErrDimensionMismatch{Expected: s.dimensions, Got: len(embedding)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return 0, fmt.Errorf("encode metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chunks (document_id, ordinal, text, embedding, metadata)
		 VALUES (?, ?, ?, ?, ?)`,
		int64(documentID), int64(ordinal), text, encodeEmbedding(embedding), string(metaJSON))
	if err != nil {
		return 0, fmt.Errorf("append chunk: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append chunk: read assigned id: %w", err)
	}

	return uint64(id), nil
}

// Get returns a live chunk by ID, or ErrNotFound.
func (s *SQLiteChunkStore) Get(ctx context.Context, chunkID uint64) (*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	if c, ok := s.cache.Get(chunkID); ok {
		return c, nil
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, document_id, ordinal, text, embedding, metadata, deleted, created_at
		 FROM chunks WHERE id = ?`, int64(chunkID))

	c, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk %d: %w", chunkID, err)
	}
	if c.Deleted {
		return nil, ErrNotFound
	}

	s.cache.Add(chunkID, c)
	return c, nil
}

// Tombstone marks a chunk deleted. Idempotent for already-tombstoned IDs;
// ErrNotFound only if the ID never existed.
func (s *SQLiteChunkStore) Tombstone(ctx context.Context, chunkID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET deleted = 1 WHERE id = ?`, int64(chunkID))
	if err != nil {
		return fmt.Errorf("tombstone chunk %d: %w", chunkID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("tombstone chunk %d: %w", chunkID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	s.cache.Remove(chunkID)
	return nil
}

// Scan returns a restartable iterator over one document's live chunks,
// ordered by ordinal. Chunks are fetched in keyset-paginated batches.
func (s *SQLiteChunkStore) Scan(ctx context.Context, documentID uint64) *ChunkIterator {
	return newChunkIterator(func(afterKey int64) ([]*Chunk, error) {
		// Scanning starts below ordinal 0, so the first key is -1.
		return s.fetchBatch(ctx,
			`SELECT id, document_id, ordinal, text, embedding, metadata, deleted, created_at
			 FROM chunks
			 WHERE document_id = ? AND deleted = 0 AND ordinal > ?
			 ORDER BY ordinal LIMIT ?`,
			int64(documentID), afterKey, scanBatchSize)
	}, func(c *Chunk) int64 { return int64(c.Ordinal) })
}

// ScanAll returns a restartable iterator over all live chunks ordered by ID.
func (s *SQLiteChunkStore) ScanAll(ctx context.Context) *ChunkIterator {
	return newChunkIterator(func(afterKey int64) ([]*Chunk, error) {
		return s.fetchBatch(ctx,
			`SELECT id, document_id, ordinal, text, embedding, metadata, deleted, created_at
			 FROM chunks
			 WHERE deleted = 0 AND id > ?
			 ORDER BY id LIMIT ?`,
			afterKey, scanBatchSize)
	}, func(c *Chunk) int64 { return int64(c.ID) })
}

// fetchBatch runs one paginated query; args must put the keyset parameter
// where the query expects it.
func (s *SQLiteChunkStore) fetchBatch(ctx context.Context, query string, args ...any) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan chunks: %w", err)
	}
	defer rows.Close()

	var batch []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunks: %w", err)
		}
		batch = append(batch, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan chunks: %w", err)
	}

	return batch, nil
}

// Compact physically removes tombstoned rows.
func (s *SQLiteChunkStore) Compact(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE deleted = 1`)
	if err != nil {
		return 0, fmt.Errorf("compact chunks: %w", err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("compact chunks: %w", err)
	}

	if removed > 0 {
		slog.Info("chunk_store_compacted", slog.Int64("removed", removed))
	}

	return removed, nil
}

// Count returns the number of live chunks.
func (s *SQLiteChunkStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE deleted = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

// Dimensions returns the fixed embedding dimensionality D.
func (s *SQLiteChunkStore) Dimensions() int {
	return s.dimensions
}

// Close closes the database.
func (s *SQLiteChunkStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cache.Purge()
	return s.db.Close()
}

// rowScanner abstracts sql.Row and sql.Rows for scanChunk.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanChunk reads one chunk row.
func scanChunk(row rowScanner) (*Chunk, error) {
	var (
		id, docID, ordinal int64
		text, meta, ts     string
		blob               []byte
		deleted            int
	)
	if err := row.Scan(&id, &docID, &ordinal, &text, &blob, &meta, &deleted, &ts); err != nil {
		return nil, err
	}

	metadata := map[string]string{}
	if err := json.Unmarshal([]byte(meta), &metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	c := &Chunk{
		ID:         uint64(id),
		DocumentID: uint64(docID),
		Ordinal:    uint32(ordinal),
		Text:       text,
		Embedding:  decodeEmbedding(blob),
		Metadata:   metadata,
		Deleted:    deleted != 0,
	}
	c.CreatedAt, _ = parseSQLiteTime(ts)
	return c, nil
}

// encodeEmbedding packs a float32 vector as little-endian bytes.
func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// decodeEmbedding unpacks a little-endian float32 vector.
func decodeEmbedding(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v
}
