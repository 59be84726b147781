package store

import (
	"fmt"
	"sort"
)

// Backend tags accepted by the constructors below. Backends are compiled in
// and resolved by tag; there is no dynamic loading.
const (
	LexicalBM25  = "lexical-bm25"
	LexicalBleve = "lexical-bleve"
	ANNHNSW      = "ann-hnsw"
)

var lexicalBackends = map[string]func(BM25Config) (LexicalIndex, error){
	LexicalBM25: func(cfg BM25Config) (LexicalIndex, error) {
		return NewMemoryBM25Index(cfg)
	},
	LexicalBleve: func(cfg BM25Config) (LexicalIndex, error) {
		return NewBleveLexicalIndex(cfg)
	},
}

var vectorBackends = map[string]func(VectorConfig) (VectorIndex, error){
	ANNHNSW: func(cfg VectorConfig) (VectorIndex, error) {
		return NewHNSWIndex(cfg)
	},
}

// NewLexicalIndex constructs the lexical backend registered under tag.
// An empty tag selects the default in-memory BM25 backend.
func NewLexicalIndex(tag string, cfg BM25Config) (LexicalIndex, error) {
	if tag == "" {
		tag = LexicalBM25
	}
	ctor, ok := lexicalBackends[tag]
	if !ok {
		return nil, fmt.Errorf("unknown lexical backend %q (available: %v)", tag, backendTags(lexicalBackends))
	}
	return ctor(cfg)
}

// NewVectorIndex constructs the vector backend registered under tag.
// An empty tag selects HNSW.
func NewVectorIndex(tag string, cfg VectorConfig) (VectorIndex, error) {
	if tag == "" {
		tag = ANNHNSW
	}
	ctor, ok := vectorBackends[tag]
	if !ok {
		return nil, fmt.Errorf("unknown vector backend %q (available: %v)", tag, backendTags(vectorBackends))
	}
	return ctor(cfg)
}

func backendTags[V any](m map[string]V) []string {
	tags := make([]string, 0, len(m))
	for tag := range m {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
