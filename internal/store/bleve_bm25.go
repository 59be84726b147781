package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
)

// chunkTokenizerName is the bleve registry name of the engine's tokenizer,
// so bleve indexing and the memory backend tokenize identically.
const chunkTokenizerName = "chunk_tokenizer"

// chunkAnalyzerName is the registry name of the analyzer built on it.
const chunkAnalyzerName = "chunk_analyzer"

func init() {
	_ = registry.RegisterTokenizer(chunkTokenizerName, chunkTokenizerConstructor)
}

// BleveLexicalIndex is an alternate LexicalIndex backend on bleve v2,
// selected through the registry tag "lexical-bleve". It trades the memory
// backend's exact scoring formula for bleve's segment persistence; deletes
// are immediate rather than tombstoned, so Compact has nothing to reclaim.
type BleveLexicalIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

// bleveChunk is the document shape bleve indexes.
type bleveChunk struct {
	Content string `json:"content"`
}

// Verify interface implementation at compile time
var _ LexicalIndex = (*BleveLexicalIndex)(nil)

// NewBleveLexicalIndex opens or creates a bleve index at config.Path.
// An empty path creates an in-memory index.
func NewBleveLexicalIndex(config BM25Config) (*BleveLexicalIndex, error) {
	indexMapping, err := createChunkMapping()
	if err != nil {
		return nil, fmt.Errorf("bleve: create mapping: %w", err)
	}

	var idx bleve.Index
	path := config.Path
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, fmt.Errorf("bleve: create directory: %w", mkErr)
		}
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("bleve: open index: %w", err)
	}

	return &BleveLexicalIndex{index: idx, path: path}, nil
}

// createChunkMapping builds the index mapping around the engine tokenizer.
func createChunkMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()

	err := indexMapping.AddCustomAnalyzer(chunkAnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": chunkTokenizerName,
	})
	if err != nil {
		return nil, err
	}

	indexMapping.DefaultAnalyzer = chunkAnalyzerName
	return indexMapping, nil
}

// Insert indexes one chunk's text.
func (b *BleveLexicalIndex) Insert(ctx context.Context, chunkID uint64, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	doc := bleveChunk{Content: text}
	if err := b.index.Index(formatChunkID(chunkID), doc); err != nil {
		return fmt.Errorf("bleve: index chunk %d: %w", chunkID, err)
	}
	return nil
}

// Remove deletes the chunk immediately. Unknown IDs are a no-op.
func (b *BleveLexicalIndex) Remove(ctx context.Context, chunkID uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	if err := b.index.Delete(formatChunkID(chunkID)); err != nil {
		return fmt.Errorf("bleve: delete chunk %d: %w", chunkID, err)
	}
	return nil
}

// Search returns up to limit candidates scored by bleve's BM25.
func (b *BleveLexicalIndex) Search(ctx context.Context, queryStr string, limit int) ([]Candidate, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrClosed
	}
	if strings.TrimSpace(queryStr) == "" || limit <= 0 {
		return []Candidate{}, nil
	}

	matchQuery := bleve.NewMatchQuery(queryStr)
	matchQuery.SetField("content")

	searchRequest := bleve.NewSearchRequest(matchQuery)
	searchRequest.Size = limit

	result, err := b.index.SearchInContext(ctx, searchRequest)
	if err != nil {
		return nil, fmt.Errorf("bleve: search: %w", err)
	}

	results := make([]Candidate, 0, len(result.Hits))
	for _, hit := range result.Hits {
		id, err := strconv.ParseUint(hit.ID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bleve: malformed document id %q: %w", hit.ID, ErrCorrupt)
		}
		results = append(results, Candidate{
			ChunkID: id,
			Score:   hit.Score,
			Source:  SourceLexical,
		})
	}

	// Bleve orders by score but leaves ties in segment order; re-sort so
	// equal scores break toward the smaller chunk ID.
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})

	return results, nil
}

// Compact is a no-op; bleve merges segments internally.
func (b *BleveLexicalIndex) Compact() int {
	return 0
}

// Stats returns index statistics. Bleve does not expose term count or
// average length.
func (b *BleveLexicalIndex) Stats() LexicalStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return LexicalStats{}
	}

	docCount, _ := b.index.DocCount()
	return LexicalStats{DocumentCount: int(docCount)}
}

// Close closes the index.
func (b *BleveLexicalIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}

// formatChunkID encodes a chunk ID as a bleve document ID.
func formatChunkID(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// chunkTokenizerConstructor wires Tokenize into bleve's analysis chain.
func chunkTokenizerConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.Tokenizer, error) {
	return &bleveChunkTokenizer{}, nil
}

type bleveChunkTokenizer struct{}

// Tokenize implements analysis.Tokenizer using the engine tokenizer rules.
func (t *bleveChunkTokenizer) Tokenize(input []byte) analysis.TokenStream {
	text := string(input)
	tokens := Tokenize(text, 0)

	result := make(analysis.TokenStream, 0, len(tokens))
	pos := 1
	offset := 0

	for _, token := range tokens {
		start := strings.Index(strings.ToLower(text[offset:]), token)
		if start == -1 {
			start = offset
		} else {
			start += offset
		}
		end := start + len(token)

		result = append(result, &analysis.Token{
			Term:     []byte(token),
			Start:    start,
			End:      end,
			Position: pos,
			Type:     analysis.AlphaNumeric,
		})
		pos++
		if end <= len(text) {
			offset = end
		}
	}

	return result
}
