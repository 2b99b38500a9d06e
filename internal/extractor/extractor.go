// Package extractor pulls typed entities and relationships out of memory
// content. It combines a high-precision regex layer (kebab-case service
// names, curated technology tokens, closed relation verbs) with a
// heuristic NER layer over capitalized spans, gated by quality filters.
package extractor

import (
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/abbudjoe/tribalmemory/internal/graphstore"
	"github.com/abbudjoe/tribalmemory/internal/knowledge"
)

// Entity is one extracted entity before storage: canonical lowercase name,
// original surface form, and its type.
type Entity struct {
	Name        string
	DisplayName string
	Type        string
}

// Relation is a directed typed edge between two extracted entities,
// identified by canonical name.
type Relation struct {
	Source     string
	Target     string
	Relation   string
	Confidence float64
}

// DateFact is a date range found in the text.
type DateFact struct {
	Start time.Time
	End   *time.Time
	Label string
}

// Result is the full extraction output for one text.
type Result struct {
	Entities  []Entity
	Relations []Relation
	Dates     []DateFact
}

// Stats summarizes a Result for logging.
type Stats struct {
	Entities      int
	ByType        map[string]int
	Relationships int
	Dates         int
}

// Summary computes per-type counts.
func (r Result) Summary() Stats {
	st := Stats{Entities: len(r.Entities), Relationships: len(r.Relations), Dates: len(r.Dates), ByType: map[string]int{}}
	for _, e := range r.Entities {
		st.ByType[e.Type]++
	}
	return st
}

var (
	kebabRe    = regexp.MustCompile(`\b[a-z][a-z0-9]*(?:-[a-z0-9]+)+\b`)
	capSpanRe  = regexp.MustCompile(`\b[A-Z][A-Za-z0-9'’._-]*(?:[ \t][A-Z][A-Za-z0-9'’._-]*){0,2}`)
	wordRe     = regexp.MustCompile(`[A-Za-z0-9_'’.-]+`)
	isoDateRe  = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	monthYrRe  = regexp.MustCompile(`(?i)\b(january|february|march|april|may|june|july|august|september|october|november|december)\s+(\d{4})\b`)
	bareYearRe = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)
	bracketRe  = regexp.MustCompile(`[()\[\]{}<>]`)
)

var months = map[string]time.Month{
	"january": time.January, "february": time.February, "march": time.March,
	"april": time.April, "may": time.May, "june": time.June, "july": time.July,
	"august": time.August, "september": time.September, "october": time.October,
	"november": time.November, "december": time.December,
}

// Extractor holds the compiled knowledge lists. Rebuild swaps them when the
// knowledge watcher reports a change.
type Extractor struct {
	mu       sync.RWMutex
	tech     map[string]bool
	stop     map[string]bool
	places   map[string]bool
	suffixes []string
	relVerbs map[string]string
	logger   *zap.Logger
}

// New builds an extractor over the given knowledge base.
func New(base *knowledge.Base, logger *zap.Logger) *Extractor {
	e := &Extractor{logger: logger}
	e.Rebuild(base)
	return e
}

// Rebuild recompiles the extractor's lists from a fresh knowledge base.
func (e *Extractor) Rebuild(base *knowledge.Base) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tech = base.TechTokenSet()
	e.stop = base.StopwordSet()
	e.places = base.PlaceSet()
	e.suffixes = base.ProductSuffixes
	e.relVerbs = base.RelationVerbs
}

// Extract runs both layers over text and returns deduplicated entities,
// validated relationships, and date facts.
func (e *Extractor) Extract(text string) Result {
	e.mu.RLock()
	defer e.mu.RUnlock()

	res := Result{}
	seen := map[string]bool{}
	add := func(ent Entity) {
		key := ent.Name + "|" + ent.Type
		if ent.Name == "" || seen[key] {
			return
		}
		seen[key] = true
		res.Entities = append(res.Entities, ent)
	}

	lower := strings.ToLower(text)

	// Regex layer: kebab-case names are service identifiers.
	for _, m := range kebabRe.FindAllString(lower, -1) {
		if passesQuality(m, e.stop) {
			add(Entity{Name: m, DisplayName: m, Type: graphstore.TypeService})
		}
	}

	// Regex layer: curated technology tokens.
	for _, w := range wordRe.FindAllString(lower, -1) {
		w = strings.Trim(w, ".'’-")
		if e.tech[w] {
			add(Entity{Name: w, DisplayName: w, Type: graphstore.TypeTech})
		}
	}

	// NER layer: capitalized spans, classified then filtered.
	for _, span := range capSpanRe.FindAllString(text, -1) {
		ent, ok := e.classifySpan(span)
		if !ok {
			continue
		}
		if seen[ent.Name+"|"+graphstore.TypeService] || seen[ent.Name+"|"+graphstore.TypeTech] {
			continue
		}
		add(ent)
	}

	byName := map[string]Entity{}
	for _, ent := range res.Entities {
		byName[ent.Name] = ent
	}
	res.Relations = e.extractRelations(lower, byName)
	res.Dates = extractDates(text)
	return res
}

// classifySpan types a capitalized span and applies the quality filters.
func (e *Extractor) classifySpan(span string) (Entity, bool) {
	display := strings.TrimRight(strings.TrimSpace(span), ".,;:!?")
	display = strings.TrimSuffix(display, "'s")
	display = strings.TrimSuffix(display, "’s")
	name := strings.ToLower(display)

	if !passesQuality(name, e.stop) {
		return Entity{}, false
	}

	words := strings.Fields(name)
	last := words[len(words)-1]

	switch {
	case e.places[name]:
		return Entity{Name: name, DisplayName: display, Type: graphstore.TypeGPE}, true

	case e.tech[name]:
		return Entity{Name: name, DisplayName: display, Type: graphstore.TypeTech}, true

	case isAcronym(display):
		// ORG acronyms up to 4 chars are allowed despite length rules.
		if len(display) > 4 {
			return Entity{}, false
		}
		return Entity{Name: name, DisplayName: display, Type: graphstore.TypeOrg}, true

	case hasOrgSuffix(last):
		return Entity{Name: name, DisplayName: display, Type: graphstore.TypeOrg}, true

	case len(words) <= 2:
		// PERSON candidates: uppercase start, no brackets, no product
		// suffix like "Pro" or "Max" that marks a product name. Spans
		// swallowing a capitalized stopword ("Today We") are noise.
		for _, w := range words {
			if stopOrArticle(w, e.stop) {
				return Entity{}, false
			}
		}
		if bracketRe.MatchString(display) {
			return Entity{}, false
		}
		for _, sfx := range e.suffixes {
			if last == sfx {
				return Entity{}, false
			}
		}
		if !startsUpper(display) {
			return Entity{}, false
		}
		return Entity{Name: name, DisplayName: display, Type: graphstore.TypePerson}, true

	default:
		return Entity{Name: name, DisplayName: display, Type: graphstore.TypeOther}, true
	}
}

// passesQuality applies the shared entity filters: length in [3, 50], not a
// stopword, contains at least one letter, and not a bare article.
func passesQuality(name string, stop map[string]bool) bool {
	if len(name) < 3 || len(name) > 50 {
		return false
	}
	if stop[name] || name == "the" || name == "a" || name == "an" {
		return false
	}
	for _, r := range name {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

func stopOrArticle(w string, stop map[string]bool) bool {
	return stop[w] || w == "the" || w == "a" || w == "an"
}

func isAcronym(s string) bool {
	if len(s) < 2 {
		return false
	}
	for _, r := range s {
		if !unicode.IsUpper(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func hasOrgSuffix(last string) bool {
	switch last {
	case "inc", "inc.", "corp", "corp.", "ltd", "ltd.", "llc", "gmbh", "labs", "systems", "technologies":
		return true
	}
	return false
}

func startsUpper(s string) bool {
	for _, r := range s {
		return unicode.IsUpper(r)
	}
	return false
}

// extractRelations finds entity-verb-entity triples. Only verbs whose
// subject and object both resolved to extracted entities produce an edge;
// the label is the verb's lemma. Closed-set verb phrases from the
// knowledge base score higher than free verbs.
func (e *Extractor) extractRelations(lower string, byName map[string]Entity) []Relation {
	if len(byName) < 2 {
		return nil
	}

	// Locate every entity occurrence.
	type occ struct {
		name string
		pos  int
		end  int
	}
	occs := []occ{}
	for name := range byName {
		idx := 0
		for {
			i := strings.Index(lower[idx:], name)
			if i < 0 {
				break
			}
			occs = append(occs, occ{name: name, pos: idx + i, end: idx + i + len(name)})
			idx += i + len(name)
		}
	}
	// order by position
	for i := 1; i < len(occs); i++ {
		for j := i; j > 0 && occs[j].pos < occs[j-1].pos; j-- {
			occs[j], occs[j-1] = occs[j-1], occs[j]
		}
	}

	out := []Relation{}
	emitted := map[string]bool{}
	for i := 0; i+1 < len(occs); i++ {
		a, b := occs[i], occs[i+1]
		if b.pos <= a.end || a.name == b.name {
			continue
		}
		gap := strings.TrimSpace(lower[a.end:b.pos])
		if gap == "" || len(gap) > 40 || strings.ContainsAny(gap, ".!?;") {
			continue
		}
		rel, conf := e.matchVerb(gap)
		if rel == "" {
			continue
		}
		key := a.name + "|" + rel + "|" + b.name
		if emitted[key] {
			continue
		}
		emitted[key] = true
		out = append(out, Relation{Source: a.name, Target: b.name, Relation: rel, Confidence: conf})
	}
	return out
}

// matchVerb maps the text between two entities to a relation label.
// Returns "" when the gap is not a clean verb phrase.
func (e *Extractor) matchVerb(gap string) (string, float64) {
	if rel, ok := e.relVerbs[gap]; ok {
		return rel, 0.9
	}
	words := strings.Fields(gap)
	// allow one leading auxiliary / article before the verb phrase
	if len(words) > 1 {
		switch words[0] {
		case "is", "was", "are", "were", "also", "still", "now", "currently":
			rest := strings.Join(words[1:], " ")
			if rel, ok := e.relVerbs[rest]; ok {
				return rel, 0.85
			}
			words = words[1:]
		}
	}
	if len(words) != 1 {
		return "", 0
	}
	lemma := lemmatize(words[0])
	if len(lemma) < 3 || e.stop[lemma] {
		return "", 0
	}
	// only verb-looking words: the original must carry a verbal suffix or
	// be a known verb form
	w := words[0]
	if w == lemma && !strings.HasSuffix(w, "s") {
		return "", 0
	}
	return lemma, 0.6
}

// lemmatize strips common verbal suffixes. Good enough for edge labels;
// not a real lemmatizer.
func lemmatize(w string) string {
	switch {
	case strings.HasSuffix(w, "ies") && len(w) > 4:
		return w[:len(w)-3] + "y"
	case strings.HasSuffix(w, "sses"):
		return w[:len(w)-2]
	case strings.HasSuffix(w, "es") && len(w) > 4:
		return w[:len(w)-2]
	case strings.HasSuffix(w, "ing") && len(w) > 5:
		return w[:len(w)-3]
	case strings.HasSuffix(w, "ed") && len(w) > 4:
		return w[:len(w)-2]
	case strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") && len(w) > 3:
		return w[:len(w)-1]
	}
	return w
}

// extractDates finds ISO dates, "Month YYYY", and bare years.
func extractDates(text string) []DateFact {
	out := []DateFact{}
	seen := map[string]bool{}

	for _, m := range isoDateRe.FindAllString(text, -1) {
		if seen[m] {
			continue
		}
		seen[m] = true
		t, err := time.Parse("2006-01-02", m)
		if err != nil {
			continue
		}
		out = append(out, DateFact{Start: t, Label: m})
	}

	for _, m := range monthYrRe.FindAllStringSubmatch(text, -1) {
		label := strings.ToLower(m[1]) + " " + m[2]
		if seen[label] {
			continue
		}
		seen[label] = true
		yr, _ := time.Parse("2006", m[2])
		start := time.Date(yr.Year(), months[strings.ToLower(m[1])], 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, 1, 0).Add(-time.Nanosecond)
		out = append(out, DateFact{Start: start, End: &end, Label: label})
	}

	for _, m := range bareYearRe.FindAllString(text, -1) {
		if seen[m] {
			continue
		}
		// skip years already covered by a finer-grained match
		covered := false
		for k := range seen {
			if strings.Contains(k, m) {
				covered = true
				break
			}
		}
		if covered {
			continue
		}
		seen[m] = true
		yr, err := time.Parse("2006", m)
		if err != nil {
			continue
		}
		start := time.Date(yr.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(1, 0, 0).Add(-time.Nanosecond)
		out = append(out, DateFact{Start: start, End: &end, Label: m})
	}
	return out
}
