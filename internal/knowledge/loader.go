// Package knowledge holds the curated word lists the extractor, expander,
// and smart trigger are built from: technology tokens, stopwords, skip
// phrases, synonym seeds, and relation verbs. Defaults are compiled in;
// a directory of YAML overrides can replace any section and is
// hot-reloadable.
package knowledge

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Base is the parsed form of a knowledge file. Slices and map keys are
// normalized to lowercase on load.
type Base struct {
	TechTokens      []string            `yaml:"tech_tokens"`
	Stopwords       []string            `yaml:"stopwords"`
	SkipPhrases     []string            `yaml:"skip_phrases"`
	ProductSuffixes []string            `yaml:"product_suffixes"`
	Synonyms        map[string][]string `yaml:"synonyms"`
	RelationVerbs   map[string]string   `yaml:"relation_verbs"`
	Places          []string            `yaml:"places"`
}

// Default returns the compiled-in knowledge base.
func Default() (*Base, error) {
	var b Base
	if err := yaml.Unmarshal(defaultsYAML, &b); err != nil {
		return nil, fmt.Errorf("parse embedded knowledge: %w", err)
	}
	b.normalize()
	return &b, nil
}

// Load returns the defaults merged with every *.yaml/*.yml file found in
// dir (lexical order). A section present in an override file replaces the
// default section wholesale. An empty dir returns the defaults.
func Load(dir string) (*Base, error) {
	base, err := Default()
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return base, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return nil, fmt.Errorf("read knowledge dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read knowledge file %s: %w", e.Name(), err)
		}
		var overlay Base
		if err := yaml.Unmarshal(data, &overlay); err != nil {
			return nil, fmt.Errorf("parse knowledge file %s: %w", e.Name(), err)
		}
		base.merge(&overlay)
	}

	base.normalize()
	return base, nil
}

// merge replaces any section the overlay provides.
func (b *Base) merge(o *Base) {
	if len(o.TechTokens) > 0 {
		b.TechTokens = o.TechTokens
	}
	if len(o.Stopwords) > 0 {
		b.Stopwords = o.Stopwords
	}
	if len(o.SkipPhrases) > 0 {
		b.SkipPhrases = o.SkipPhrases
	}
	if len(o.ProductSuffixes) > 0 {
		b.ProductSuffixes = o.ProductSuffixes
	}
	if len(o.Synonyms) > 0 {
		b.Synonyms = o.Synonyms
	}
	if len(o.RelationVerbs) > 0 {
		b.RelationVerbs = o.RelationVerbs
	}
	if len(o.Places) > 0 {
		b.Places = o.Places
	}
}

func (b *Base) normalize() {
	lower := func(in []string) []string {
		out := make([]string, 0, len(in))
		for _, s := range in {
			s = strings.ToLower(strings.TrimSpace(s))
			if s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	b.TechTokens = lower(b.TechTokens)
	b.Stopwords = lower(b.Stopwords)
	b.SkipPhrases = lower(b.SkipPhrases)
	b.ProductSuffixes = lower(b.ProductSuffixes)
	b.Places = lower(b.Places)

	if b.Synonyms != nil {
		syn := make(map[string][]string, len(b.Synonyms))
		for k, v := range b.Synonyms {
			syn[strings.ToLower(strings.TrimSpace(k))] = lower(v)
		}
		b.Synonyms = syn
	}
	if b.RelationVerbs != nil {
		rv := make(map[string]string, len(b.RelationVerbs))
		for k, v := range b.RelationVerbs {
			rv[strings.ToLower(strings.TrimSpace(k))] = strings.ToLower(strings.TrimSpace(v))
		}
		b.RelationVerbs = rv
	}
}

// StopwordSet returns the stopwords as a set for membership tests.
func (b *Base) StopwordSet() map[string]bool {
	set := make(map[string]bool, len(b.Stopwords))
	for _, w := range b.Stopwords {
		set[w] = true
	}
	return set
}

// SkipPhraseSet returns the skip phrases as a set keyed by normalized form.
func (b *Base) SkipPhraseSet() map[string]bool {
	set := make(map[string]bool, len(b.SkipPhrases))
	for _, w := range b.SkipPhrases {
		set[w] = true
	}
	return set
}

// TechTokenSet returns the technology tokens as a set.
func (b *Base) TechTokenSet() map[string]bool {
	set := make(map[string]bool, len(b.TechTokens))
	for _, w := range b.TechTokens {
		set[w] = true
	}
	return set
}

// PlaceSet returns the place names as a set.
func (b *Base) PlaceSet() map[string]bool {
	set := make(map[string]bool, len(b.Places))
	for _, w := range b.Places {
		set[w] = true
	}
	return set
}
