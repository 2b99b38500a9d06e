package learned

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/abbudjoe/tribalmemory/internal/knowledge"
	"github.com/abbudjoe/tribalmemory/internal/metrics"
	"github.com/abbudjoe/tribalmemory/internal/persistence"
)

const (
	maxVariants         = 8
	learnedPerQuery     = 5
	keywordFallbackMin  = 4 // tokens shorter than this are skipped
	expansionsKeepLimit = 5
)

// whRule rewrites a question form into declarative variants. The first
// matching rule fires; later rules are not tried.
type whRule struct {
	re        *regexp.Regexp
	templates []string // %s is the captured subject
}

var whRules = []whRule{
	{
		re:        regexp.MustCompile(`^what(?: is)? (?:my|the) (.+?)\??$`),
		templates: []string{"%s", "my %s", "%s preference", "favorite %s"},
	},
	{
		re:        regexp.MustCompile(`^what (.+?) do i (.+?)\??$`),
		templates: []string{"%s %[2]s", "%s preference", "my %s", "%s"},
	},
	{
		re:        regexp.MustCompile(`^who(?: is)? (?:my|the) (.+?)\??$`),
		templates: []string{"my %s", "%s name", "%s"},
	},
	{
		re:        regexp.MustCompile(`^when (?:is|do|does|did) (?:my|the) (.+?)\??$`),
		templates: []string{"%s date", "%s time", "%s schedule", "%s"},
	},
	{
		re:        regexp.MustCompile(`^where (?:is|do|does|did) (?:my|the|i) (.+?)\??$`),
		templates: []string{"%s location", "%s address", "%s place", "%s"},
	},
	{
		re:        regexp.MustCompile(`^how (?:do|does|did|can) i (.+?)\??$`),
		templates: []string{"%s instructions", "%s method", "how to %s", "%s"},
	},
	{
		re:        regexp.MustCompile(`^(?:get|find|show|list|fetch|lookup|tell me) (?:my|the) (.+?)\??$`),
		templates: []string{"%s", "my %s", "%s details"},
	},
}

// seedSynonyms is the closed built-in seed map; knowledge files can extend
// it via the synonyms section.
var seedSynonyms = map[string][]string{
	"medical care": {"doctor", "clinic", "health"},
	"life partner": {"spouse", "husband", "wife"},
	"code editor":  {"ide", "vim", "vscode"},
	"timezone":     {"time zone", "utc offset"},
	"workplace":    {"employer", "company", "office"},
}

// Expander turns one query into up to 8 variants (original first) using
// wh-rules, synonym seeds, learned expansions, and a keyword fallback.
type Expander struct {
	persist *persistence.Store
	logger  *zap.Logger

	mu       sync.RWMutex
	synonyms map[string][]string
	stop     map[string]bool
}

// NewExpander builds an expander over the knowledge base. persist may be
// nil; learned expansions are then skipped.
func NewExpander(base *knowledge.Base, persist *persistence.Store, logger *zap.Logger) *Expander {
	e := &Expander{persist: persist, logger: logger}
	e.Rebuild(base)
	return e
}

// Rebuild swaps in a new knowledge base. Hot-reload hook.
func (e *Expander) Rebuild(base *knowledge.Base) {
	syn := map[string][]string{}
	for k, v := range seedSynonyms {
		syn[k] = v
	}
	for k, v := range base.Synonyms {
		syn[strings.ToLower(k)] = v
	}
	e.mu.Lock()
	e.synonyms = syn
	e.stop = base.StopwordSet()
	e.mu.Unlock()
}

// Expand returns the variant list for q: the original query first, then
// rule/synonym/learned/keyword variants in insertion order, capped at 8.
// Deterministic for a fixed knowledge base and persisted state.
func (e *Expander) Expand(ctx context.Context, q string) []string {
	norm := Normalize(q)
	out := []string{q}
	seen := map[string]bool{Normalize(q): true}
	add := func(v string) bool {
		v = strings.TrimSpace(v)
		if v == "" {
			return len(out) < maxVariants
		}
		key := Normalize(v)
		if key == "" || seen[key] {
			return len(out) < maxVariants
		}
		seen[key] = true
		out = append(out, v)
		return len(out) < maxVariants
	}

	// First matching wh-rule fires; the rest are skipped.
	for _, r := range whRules {
		m := r.re.FindStringSubmatch(norm)
		if m == nil {
			continue
		}
		for _, tmpl := range r.templates {
			if !add(fillTemplate(tmpl, m[1:])) {
				return out
			}
		}
		break
	}

	e.mu.RLock()
	syn := e.synonyms
	stop := e.stop
	e.mu.RUnlock()

	phrases := make([]string, 0, len(syn))
	for phrase := range syn {
		phrases = append(phrases, phrase)
	}
	sort.Strings(phrases)
	for _, phrase := range phrases {
		if !strings.Contains(norm, phrase) {
			continue
		}
		for _, alt := range syn[phrase] {
			if !add(alt) {
				return out
			}
			if !add(strings.ReplaceAll(norm, phrase, alt)) {
				return out
			}
		}
	}

	if e.persist != nil {
		variants, err := e.persist.ExpansionsFor(ctx, norm, learnedPerQuery)
		if err != nil {
			e.logger.Warn("learned expansion load failed", zap.Error(err))
		}
		for _, v := range variants {
			if !add(v) {
				return out
			}
		}
	}

	var kept []string
	for _, tok := range strings.Fields(norm) {
		if len(tok) >= keywordFallbackMin && !stop[tok] {
			kept = append(kept, tok)
		}
	}
	if len(kept) > 0 {
		add(strings.Join(kept, " "))
	}

	metrics.QueryExpansions.Observe(float64(len(out)))
	return out
}

// Learn records a variant that proved useful for q, keeping the most
// recent few per query.
func (e *Expander) Learn(ctx context.Context, q, variant string) {
	if e.persist == nil {
		return
	}
	if err := e.persist.AddExpansion(ctx, Normalize(q), variant, expansionsKeepLimit); err != nil {
		e.logger.Warn("learned expansion persist failed", zap.Error(err))
	}
}

// fillTemplate substitutes captured groups into a rule template. %s and
// %[2]s style placeholders reference groups 1 and 2.
func fillTemplate(tmpl string, groups []string) string {
	out := tmpl
	if len(groups) > 1 {
		out = strings.ReplaceAll(out, "%[2]s", groups[1])
	}
	return strings.ReplaceAll(out, "%s", groups[0])
}
