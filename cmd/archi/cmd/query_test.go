package cmd

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "short", truncateRunes("short", 200))

	// Multibyte text is cut on a rune boundary, never mid-sequence.
	long := strings.Repeat("é", 300)
	got := truncateRunes(long, 200)
	assert.Equal(t, strings.Repeat("é", 200)+"…", got)
	assert.True(t, utf8.ValidString(got))

	exact := strings.Repeat("ü", 200)
	assert.Equal(t, exact, truncateRunes(exact, 200))
}
