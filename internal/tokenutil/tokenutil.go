// Package tokenutil approximates token counts for text the provider did
// not report usage for. Runtime clients fall back to it when a response
// carries no usage block.
package tokenutil

import "strings"

// EstimateTokens approximates the token count of one text block. English
// prose averages ~1.33 tokens per word; len/4 is the floor so code and
// CJK text, where whitespace splitting undercounts, are not lost.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	byWords := int(float64(len(strings.Fields(content))) * 1.33)
	byBytes := len(content) / 4
	if byWords > byBytes {
		return byWords
	}
	return byBytes
}

// EstimateAll sums EstimateTokens over parts. Clients use it for the
// input side of a turn (system prompt, transcript, user input).
func EstimateAll(parts ...string) int {
	total := 0
	for _, p := range parts {
		total += EstimateTokens(p)
	}
	return total
}
