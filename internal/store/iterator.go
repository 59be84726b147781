package store

import (
	"time"
)

// ChunkIterator is a finite, restartable iterator over chunks. It fetches in
// keyset-paginated batches so no long-lived database cursor is held between
// Next calls.
type ChunkIterator struct {
	fetch   func(afterKey int64) ([]*Chunk, error)
	keyOf   func(*Chunk) int64
	buf     []*Chunk
	pos     int
	lastKey int64
	done    bool
	err     error
}

func newChunkIterator(fetch func(afterKey int64) ([]*Chunk, error), keyOf func(*Chunk) int64) *ChunkIterator {
	return &ChunkIterator{
		fetch: fetch,
		keyOf: keyOf,
		// Keys (IDs, ordinals) are non-negative; -1 precedes all of them.
		lastKey: -1,
	}
}

// Next returns the next chunk, or (nil, false) when exhausted or on error.
// Check Err after iteration completes.
func (it *ChunkIterator) Next() (*Chunk, bool) {
	if it.err != nil || it.done {
		return nil, false
	}

	if it.pos >= len(it.buf) {
		batch, err := it.fetch(it.lastKey)
		if err != nil {
			it.err = err
			return nil, false
		}
		if len(batch) == 0 {
			it.done = true
			return nil, false
		}
		it.buf = batch
		it.pos = 0
		it.lastKey = it.keyOf(batch[len(batch)-1])
	}

	c := it.buf[it.pos]
	it.pos++
	return c, true
}

// Err returns the first error encountered during iteration.
func (it *ChunkIterator) Err() error {
	return it.err
}

// Reset rewinds the iterator to the beginning. Chunks appended after the
// reset may or may not be observed, matching the eventual-visibility
// contract for concurrent readers.
func (it *ChunkIterator) Reset() {
	it.buf = nil
	it.pos = 0
	it.lastKey = -1
	it.done = false
	it.err = nil
}

// Collect drains the iterator into a slice. Intended for tests and rebuild
// paths over bounded corpora.
func (it *ChunkIterator) Collect() ([]*Chunk, error) {
	var chunks []*Chunk
	for {
		c, ok := it.Next()
		if !ok {
			break
		}
		chunks = append(chunks, c)
	}
	return chunks, it.Err()
}

// parseSQLiteTime parses the ISO-8601 format emitted by strftime in the
// chunks schema.
func parseSQLiteTime(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02T15:04:05.999Z", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
