// Package tokenutil estimates token counts for recall budgets.
package tokenutil

import "strings"

// EstimateTokens returns a word-based token estimate.
// Splits on whitespace, multiplies by 1.33 (avg tokens/word for English).
// Uses max(wordEstimate, len/4) as floor for code/non-English.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// Budget admits whole texts against a fixed token allowance. A text is either
// admitted in full or rejected; it is never truncated to fit.
type Budget struct {
	Limit int
	Used  int
}

// Admit reports whether text fits in the remaining allowance and, if so,
// charges it. A non-positive Limit admits everything.
func (b *Budget) Admit(text string) bool {
	cost := EstimateTokens(text)
	if b.Limit > 0 && b.Used+cost > b.Limit {
		return false
	}
	b.Used += cost
	return true
}

// Remaining returns the unused allowance, or -1 when unlimited.
func (b *Budget) Remaining() int {
	if b.Limit <= 0 {
		return -1
	}
	return b.Limit - b.Used
}
