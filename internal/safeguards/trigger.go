// Package safeguards is the recall protection stack: smart trigger,
// per-session circuit breaker, snippet truncation, token budgets,
// session-level result dedup, and transition alerts. The stages apply in
// that order; each is independently configurable.
package safeguards

import (
	"sync"
	"unicode"

	"github.com/abbudjoe/tribalmemory/internal/knowledge"
	"github.com/abbudjoe/tribalmemory/internal/metrics"
	"github.com/abbudjoe/tribalmemory/internal/util"
)

// Skip reasons reported by the trigger.
const (
	SkipTooShort   = "too_short"
	SkipEmojiOnly  = "emoji_only"
	SkipSkipPhrase = "skip_phrase"
)

// TriggerDecision says whether a query is worth a recall.
type TriggerDecision struct {
	Run    bool
	Reason string // set when Run is false
}

// Trigger gates trivial queries before any store or embedding work.
type Trigger struct {
	minLength int

	mu   sync.RWMutex
	skip map[string]bool
}

// NewTrigger builds a trigger from the knowledge base's skip phrases.
func NewTrigger(minLength int, base *knowledge.Base) *Trigger {
	if minLength <= 0 {
		minLength = 2
	}
	t := &Trigger{minLength: minLength}
	t.Rebuild(base)
	return t
}

// Rebuild swaps in a reloaded knowledge base.
func (t *Trigger) Rebuild(base *knowledge.Base) {
	t.mu.Lock()
	t.skip = base.SkipPhraseSet()
	t.mu.Unlock()
}

// Evaluate classifies query. Skipped queries must do no downstream work.
func (t *Trigger) Evaluate(query string) TriggerDecision {
	if emojiOnly(query) {
		metrics.TriggerSkips.WithLabelValues(SkipEmojiOnly).Inc()
		return TriggerDecision{Reason: SkipEmojiOnly}
	}

	norm := util.NormalizeText(query)
	if len([]rune(norm)) < t.minLength {
		metrics.TriggerSkips.WithLabelValues(SkipTooShort).Inc()
		return TriggerDecision{Reason: SkipTooShort}
	}

	t.mu.RLock()
	skipped := t.skip[norm]
	t.mu.RUnlock()
	if skipped {
		metrics.TriggerSkips.WithLabelValues(SkipSkipPhrase).Inc()
		return TriggerDecision{Reason: SkipSkipPhrase}
	}
	return TriggerDecision{Run: true}
}

// emojiOnly reports whether s consists entirely of emoji, emoji
// modifiers, and whitespace, with at least one emoji present.
func emojiOnly(s string) bool {
	sawEmoji := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
		case isEmojiRune(r):
			sawEmoji = true
		case isEmojiModifier(r):
		default:
			return false
		}
	}
	return sawEmoji
}

func isEmojiRune(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF: // pictographs, emoticons, symbols
		return true
	case r >= 0x1F000 && r <= 0x1F0FF: // mahjong, dominoes, cards
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols, dingbats
		return true
	}
	return false
}

func isEmojiModifier(r rune) bool {
	switch {
	case r >= 0x1F3FB && r <= 0x1F3FF: // skin tones
		return true
	case r == 0xFE0F: // variation selector
		return true
	case r == 0x200D: // zero-width joiner
		return true
	}
	return false
}
