package safeguards

import (
	"github.com/abbudjoe/tribalmemory/internal/util"
)

// DefaultMaxSnippetTokens is the per-snippet token ceiling.
const DefaultMaxSnippetTokens = 100

// TruncateSnippet bounds a snippet to maxTokens estimated tokens,
// word-bounded with a "..." suffix. Token counts use the same estimator
// as the budget layer so recorded usage matches what was returned.
func TruncateSnippet(s string, maxTokens int) (string, bool) {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxSnippetTokens
	}
	if util.EstimateTokens(s) <= maxTokens {
		return s, false
	}
	// tokens = ceil(words*0.75), so maxTokens tokens spans floor(max/0.75) words
	maxWords := int(float64(maxTokens) / 0.75)
	for maxWords > 0 {
		out, _ := util.TruncateWords(s, maxWords)
		if util.EstimateTokens(out) <= maxTokens {
			return out, true
		}
		maxWords--
	}
	return "", true
}
