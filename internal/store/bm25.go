package store

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

// numShards is the number of posting-map shards. Term-hash sharding keeps
// query latency independent of unrelated ingest activity.
const numShards = 16

// posting records one chunk's occurrence data for a term.
// Entries are sorted by chunk ID for merge-friendly scans.
type posting struct {
	chunkID    uint64
	tf         uint32
	tombstoned bool
}

// postingList holds a term's postings plus its tombstone count.
type postingList struct {
	entries    []posting
	tombstones int
}

// compact removes tombstoned postings in place.
func (pl *postingList) compact() int {
	if pl.tombstones == 0 {
		return 0
	}
	live := pl.entries[:0]
	for _, p := range pl.entries {
		if !p.tombstoned {
			live = append(live, p)
		}
	}
	reclaimed := pl.tombstones
	pl.entries = live
	pl.tombstones = 0
	return reclaimed
}

// find returns the index of chunkID in entries, or -1.
func (pl *postingList) find(chunkID uint64) int {
	i := sort.Search(len(pl.entries), func(i int) bool {
		return pl.entries[i].chunkID >= chunkID
	})
	if i < len(pl.entries) && pl.entries[i].chunkID == chunkID {
		return i
	}
	return -1
}

// bm25Shard owns a subset of the term space under its own lock.
type bm25Shard struct {
	mu    sync.RWMutex
	terms map[string]*postingList
}

// MemoryBM25Index is the default LexicalIndex: an in-memory inverted index
// scored with BM25 (k1/b configurable, defaults 1.2/0.75).
//
// Deletion is lazy: Remove tombstones postings, and a list is compacted in
// place once its tombstone ratio exceeds the configured threshold. The index
// holds no chunk text, only term statistics, and is rebuilt from the
// ChunkStore on startup.
type MemoryBM25Index struct {
	config BM25Config
	stop   map[string]struct{}

	shards [numShards]bm25Shard

	// docMu guards the per-chunk statistics and global counters.
	docMu    sync.RWMutex
	docLens  map[uint64]int
	docTerms map[uint64][]string
	totalLen int64

	corrupt atomic.Bool
	closed  atomic.Bool
}

// Verify interface implementation at compile time
var _ LexicalIndex = (*MemoryBM25Index)(nil)

// NewMemoryBM25Index creates an empty BM25 index.
func NewMemoryBM25Index(config BM25Config) (*MemoryBM25Index, error) {
	if config.K1 <= 0 {
		config.K1 = 1.2
	}
	if config.B < 0 || config.B > 1 {
		return nil, fmt.Errorf("bm25: b must be in [0,1], got %v", config.B)
	}
	if config.B == 0 {
		config.B = 0.75
	}
	if config.MinTokenLength <= 0 {
		config.MinTokenLength = 2
	}
	if config.CompactionRatio <= 0 {
		config.CompactionRatio = 0.5
	}

	idx := &MemoryBM25Index{
		config:   config,
		stop:     BuildStopWordMap(config.StopWords),
		docLens:  make(map[uint64]int),
		docTerms: make(map[uint64][]string),
	}
	for i := range idx.shards {
		idx.shards[i].terms = make(map[string]*postingList)
	}
	return idx, nil
}

// shardFor maps a term to its shard.
func (idx *MemoryBM25Index) shardFor(term string) *bm25Shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(term))
	return &idx.shards[h.Sum32()%numShards]
}

// Insert tokenizes text and adds postings for chunkID. A chunk that
// tokenizes to nothing is still counted, with zero postings; it remains
// retrievable through the vector signal only.
func (idx *MemoryBM25Index) Insert(ctx context.Context, chunkID uint64, text string) error {
	if idx.closed.Load() {
		return ErrClosed
	}
	if idx.corrupt.Load() {
		return fmt.Errorf("bm25: writes halted: %w", ErrCorrupt)
	}

	counts, total := termCounts(text, idx.config.MinTokenLength, idx.stop)

	terms := make([]string, 0, len(counts))
	for t := range counts {
		terms = append(terms, t)
	}
	sort.Strings(terms)

	idx.docMu.Lock()
	if _, exists := idx.docLens[chunkID]; exists {
		// IDs are never reused; a duplicate insert is a caller retry. No-op.
		idx.docMu.Unlock()
		return nil
	}
	idx.docLens[chunkID] = total
	idx.docTerms[chunkID] = terms
	idx.totalLen += int64(total)
	idx.docMu.Unlock()

	for _, term := range terms {
		idx.insertPosting(term, chunkID, counts[term])
	}

	return nil
}

// insertPosting adds one (chunkID, tf) entry to a term's list.
func (idx *MemoryBM25Index) insertPosting(term string, chunkID uint64, tf uint32) {
	sh := idx.shardFor(term)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	pl := sh.terms[term]
	if pl == nil {
		pl = &postingList{}
		sh.terms[term] = pl
	}

	// IDs are monotonic, so new postings almost always append.
	n := len(pl.entries)
	if n == 0 || pl.entries[n-1].chunkID < chunkID {
		pl.entries = append(pl.entries, posting{chunkID: chunkID, tf: tf})
		return
	}

	i := sort.Search(n, func(i int) bool { return pl.entries[i].chunkID >= chunkID })
	pl.entries = append(pl.entries, posting{})
	copy(pl.entries[i+1:], pl.entries[i:])
	pl.entries[i] = posting{chunkID: chunkID, tf: tf}
}

// Remove tombstones all postings of chunkID. Unknown IDs are a no-op,
// which makes engine-level delete idempotent.
func (idx *MemoryBM25Index) Remove(ctx context.Context, chunkID uint64) error {
	if idx.closed.Load() {
		return ErrClosed
	}
	if idx.corrupt.Load() {
		return fmt.Errorf("bm25: writes halted: %w", ErrCorrupt)
	}

	idx.docMu.Lock()
	terms, ok := idx.docTerms[chunkID]
	if !ok {
		idx.docMu.Unlock()
		return nil
	}
	idx.totalLen -= int64(idx.docLens[chunkID])
	delete(idx.docLens, chunkID)
	delete(idx.docTerms, chunkID)
	idx.docMu.Unlock()

	for _, term := range terms {
		idx.tombstonePosting(term, chunkID)
	}

	return nil
}

// tombstonePosting marks one posting deleted and compacts the list if its
// tombstone ratio crossed the threshold.
func (idx *MemoryBM25Index) tombstonePosting(term string, chunkID uint64) {
	sh := idx.shardFor(term)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	pl := sh.terms[term]
	if pl == nil {
		return
	}

	i := pl.find(chunkID)
	if i < 0 || pl.entries[i].tombstoned {
		return
	}
	pl.entries[i].tombstoned = true
	pl.tombstones++

	if float64(pl.tombstones) > idx.config.CompactionRatio*float64(len(pl.entries)) {
		pl.compact()
	}
	if len(pl.entries) == 0 {
		delete(sh.terms, term)
	}
}

// Search scores live postings of the query terms with BM25 and returns the
// top limit candidates, score descending, ties broken by smaller chunk ID.
// Terms absent from the vocabulary are skipped; an empty query yields an
// empty result, never an error.
func (idx *MemoryBM25Index) Search(ctx context.Context, query string, limit int) ([]Candidate, error) {
	if idx.closed.Load() {
		return nil, ErrClosed
	}

	tokens := FilterStopWords(Tokenize(query, idx.config.MinTokenLength), idx.stop)
	if len(tokens) == 0 || limit <= 0 {
		return []Candidate{}, nil
	}

	// Deduplicate query terms; each contributes once.
	seen := make(map[string]struct{}, len(tokens))
	terms := tokens[:0]
	for _, t := range tokens {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}

	idx.docMu.RLock()
	defer idx.docMu.RUnlock()

	n := len(idx.docLens)
	if n == 0 {
		return []Candidate{}, nil
	}
	avgLen := float64(idx.totalLen) / float64(n)
	if avgLen == 0 {
		avgLen = 1
	}

	k1, b := idx.config.K1, idx.config.B
	scores := make(map[uint64]float64)

	for _, term := range terms {
		sh := idx.shardFor(term)
		sh.mu.RLock()
		pl := sh.terms[term]
		if pl == nil {
			sh.mu.RUnlock()
			continue
		}

		df := len(pl.entries) - pl.tombstones
		if df <= 0 {
			sh.mu.RUnlock()
			continue
		}
		idf := math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))

		for _, p := range pl.entries {
			if p.tombstoned {
				continue
			}
			dl, ok := idx.docLens[p.chunkID]
			if !ok {
				// A live posting must reference an inserted chunk. Halt
				// writes and surface for operator intervention.
				sh.mu.RUnlock()
				idx.corrupt.Store(true)
				return nil, fmt.Errorf("bm25: posting for term %q references unknown chunk %d: %w", term, p.chunkID, ErrCorrupt)
			}

			tf := float64(p.tf)
			norm := tf + k1*(1-b+b*float64(dl)/avgLen)
			scores[p.chunkID] += idf * (tf * (k1 + 1)) / norm
		}
		sh.mu.RUnlock()
	}

	results := make([]Candidate, 0, len(scores))
	for id, score := range scores {
		results = append(results, Candidate{ChunkID: id, Score: score, Source: SourceLexical})
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

// Compact removes tombstoned postings from every list regardless of ratio.
func (idx *MemoryBM25Index) Compact() int {
	reclaimed := 0
	for i := range idx.shards {
		sh := &idx.shards[i]
		sh.mu.Lock()
		for term, pl := range sh.terms {
			reclaimed += pl.compact()
			if len(pl.entries) == 0 {
				delete(sh.terms, term)
			}
		}
		sh.mu.Unlock()
	}
	return reclaimed
}

// Stats returns index statistics.
func (idx *MemoryBM25Index) Stats() LexicalStats {
	idx.docMu.RLock()
	n := len(idx.docLens)
	total := idx.totalLen
	idx.docMu.RUnlock()

	termCount := 0
	for i := range idx.shards {
		sh := &idx.shards[i]
		sh.mu.RLock()
		termCount += len(sh.terms)
		sh.mu.RUnlock()
	}

	stats := LexicalStats{
		DocumentCount: n,
		TermCount:     termCount,
	}
	if n > 0 {
		stats.AvgDocLength = float64(total) / float64(n)
	}
	return stats
}

// Close marks the index closed. The in-memory structure needs no cleanup;
// it is rebuilt from the chunk store on next open.
func (idx *MemoryBM25Index) Close() error {
	idx.closed.Store(true)
	return nil
}
