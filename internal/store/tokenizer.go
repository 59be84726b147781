package store

import (
	"regexp"
	"strings"
)

// tokenRegex matches alphanumeric runs. Everything else is a separator,
// including underscores, so query and document text tokenize identically.
var tokenRegex = regexp.MustCompile(`[a-z0-9]+`)

// Tokenize lowercases text, splits on non-alphanumeric characters, and drops
// tokens shorter than minLen. minLen <= 0 defaults to 2.
func Tokenize(text string, minLen int) []string {
	if minLen <= 0 {
		minLen = 2
	}

	words := tokenRegex.FindAllString(strings.ToLower(text), -1)

	tokens := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) >= minLen {
			tokens = append(tokens, w)
		}
	}
	return tokens
}

// FilterStopWords removes stop words from a token list.
func FilterStopWords(tokens []string, stopWords map[string]struct{}) []string {
	if len(stopWords) == 0 {
		return tokens
	}
	result := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if _, isStop := stopWords[token]; !isStop {
			result = append(result, token)
		}
	}
	return result
}

// BuildStopWordMap converts a slice of stop words to a map for efficient lookup.
func BuildStopWordMap(stopWords []string) map[string]struct{} {
	m := make(map[string]struct{}, len(stopWords))
	for _, word := range stopWords {
		m[strings.ToLower(word)] = struct{}{}
	}
	return m
}

// termCounts returns per-term frequencies and total token count for a text.
func termCounts(text string, minLen int, stopWords map[string]struct{}) (map[string]uint32, int) {
	tokens := FilterStopWords(Tokenize(text, minLen), stopWords)
	counts := make(map[string]uint32, len(tokens))
	for _, t := range tokens {
		counts[t]++
	}
	return counts, len(tokens)
}
