// Package tokenutil gives a cheap token estimate for transcript text.
// The graph sums these per step for the completion log and cost
// estimate; nothing precise hangs off them.
package tokenutil

import "strings"

// EstimateTokens approximates the token count of content. English prose
// averages about 1.33 tokens per word; code and CJK text tokenize closer
// to one token per four bytes, so the larger of the two wins.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	byWords := int(float64(words) * 1.33)
	byBytes := len(content) / 4
	if byWords > byBytes {
		return byWords
	}
	return byBytes
}
