package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLexicalIndex(t *testing.T) {
	idx, err := NewLexicalIndex(LexicalBM25, DefaultBM25Config())
	require.NoError(t, err)
	assert.IsType(t, &MemoryBM25Index{}, idx)
	require.NoError(t, idx.Close())

	// Empty tag selects the default backend.
	idx, err = NewLexicalIndex("", DefaultBM25Config())
	require.NoError(t, err)
	assert.IsType(t, &MemoryBM25Index{}, idx)
	require.NoError(t, idx.Close())

	// In-memory bleve backend.
	idx, err = NewLexicalIndex(LexicalBleve, BM25Config{})
	require.NoError(t, err)
	assert.IsType(t, &BleveLexicalIndex{}, idx)
	require.NoError(t, idx.Close())

	_, err = NewLexicalIndex("lexical-bogus", DefaultBM25Config())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lexical-bogus")
}

func TestNewVectorIndex(t *testing.T) {
	idx, err := NewVectorIndex(ANNHNSW, DefaultVectorConfig(8))
	require.NoError(t, err)
	assert.IsType(t, &HNSWIndex{}, idx)
	require.NoError(t, idx.Close())

	idx, err = NewVectorIndex("", DefaultVectorConfig(8))
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	_, err = NewVectorIndex("ann-bogus", DefaultVectorConfig(8))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ann-bogus")
}
