package util

import (
	"math"
	"strings"
	"unicode"
)

// ContainsString reports whether slice contains item.
func ContainsString(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// NormalizeText lowercases s, strips every rune that is not a letter, digit,
// or whitespace, and collapses runs of whitespace into single spaces.
// Shared by the dedup engine, the query cache, and the smart trigger so all
// three agree on what "the same text" means.
func NormalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true // also trims leading whitespace
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// EstimateTokens approximates the token count of s as ceil(words * 0.75).
// The budget and truncation layers must use the same estimator so recorded
// usage matches what was actually admitted.
func EstimateTokens(s string) int {
	words := len(strings.Fields(s))
	if words == 0 {
		return 0
	}
	return int(math.Ceil(float64(words) * 0.75))
}

// TruncateWords cuts s to at most maxWords words, appending "..." when
// anything was removed. Returns the (possibly shortened) string and whether
// truncation occurred.
func TruncateWords(s string, maxWords int) (string, bool) {
	if maxWords <= 0 {
		return "", len(strings.TrimSpace(s)) > 0
	}
	fields := strings.Fields(s)
	if len(fields) <= maxWords {
		return s, false
	}
	return strings.Join(fields[:maxWords], " ") + "...", true
}

// TruncateString truncates s to maxLen and appends "..." if truncated (UTF-8 safe).
// If preserveWords is true, truncates at the last space before maxLen when possible.
func TruncateString(s string, maxLen int, preserveWords bool) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	// Reserve space for ellipsis
	if maxLen <= 3 {
		return "..."[:maxLen]
	}
	cut := maxLen - 3
	if preserveWords {
		// Find last space before cut (in rune positions)
		if idx := lastSpaceBeforeRune(s, cut); idx > 0 {
			cut = idx
		}
	}
	return string(runes[:cut]) + "..."
}

// lastSpaceBeforeRune finds the last space before pos (in rune count, UTF-8 safe)
func lastSpaceBeforeRune(s string, pos int) int {
	runes := []rune(s)
	if pos > len(runes) {
		pos = len(runes)
	}
	for i := pos - 1; i >= 0; i-- {
		if runes[i] == ' ' || runes[i] == '\t' || runes[i] == '\n' {
			return i
		}
	}
	return -1
}
