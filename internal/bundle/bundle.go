// Package bundle is the portable export/import container: a
// self-describing JSON document carrying memory records, their graph
// context, and an embedding manifest so another instance can decide
// whether stored vectors are reusable.
package bundle

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/abbudjoe/tribalmemory/internal/validation"
)

// SchemaVersion is written into every exported manifest.
const SchemaVersion = "1.0.0"

// Reembedding strategies for import.
type Strategy string

const (
	// StrategyKeep imports vectors as-is; dimension mismatch is an error.
	StrategyKeep Strategy = "keep"
	// StrategyDrop discards vectors; the importer re-embeds.
	StrategyDrop Strategy = "drop"
	// StrategyAuto keeps vectors iff model and dimensions match.
	StrategyAuto Strategy = "auto"
)

// ParseStrategy validates a strategy string; empty means auto.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyKeep, StrategyDrop, StrategyAuto:
		return Strategy(s), nil
	case "":
		return StrategyAuto, nil
	}
	return "", fmt.Errorf("unknown reembedding strategy %q", s)
}

// EmbeddingInfo identifies the embedding space of a bundle or store.
type EmbeddingInfo struct {
	ModelName  string `json:"model_name"`
	Dimensions int    `json:"dimensions"`
	Provider   string `json:"provider"`
}

// Manifest describes the exporting instance.
type Manifest struct {
	SchemaVersion string        `json:"schema_version"`
	Embedding     EmbeddingInfo `json:"embedding"`
	ExportedAt    time.Time     `json:"exported_at"`
	InstanceID    string        `json:"instance_id"`
}

// Entry is one exported memory record.
type Entry struct {
	ID             string    `json:"id"`
	Content        string    `json:"content"`
	Embedding      []float32 `json:"embedding,omitempty"`
	SourceInstance string    `json:"source_instance"`
	SourceType     string    `json:"source_type"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Tags           []string  `json:"tags,omitempty"`
	Context        string    `json:"context,omitempty"`
	Confidence     float64   `json:"confidence"`
	Supersedes     string    `json:"supersedes,omitempty"`
	Scope          string    `json:"scope"`
	WorkspaceID    string    `json:"workspace_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	ModelID        string    `json:"model_id,omitempty"`
}

// EntityRecord is an exported entity linked to a memory.
type EntityRecord struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	EntityType  string `json:"entity_type"`
}

// RelationshipRecord is an exported relationship whose provenance is the
// keying memory.
type RelationshipRecord struct {
	SourceName   string  `json:"source_name"`
	TargetName   string  `json:"target_name"`
	RelationType string  `json:"relation_type"`
	Confidence   float64 `json:"confidence"`
}

// Bundle is the complete export container. Entities and relationships
// are keyed by the memory id they were extracted from.
type Bundle struct {
	Manifest      Manifest                        `json:"manifest"`
	Entries       []Entry                         `json:"entries"`
	Entities      map[string][]EntityRecord       `json:"entities,omitempty"`
	Relationships map[string][]RelationshipRecord `json:"relationships,omitempty"`
}

// Encode writes the bundle as indented JSON.
func Encode(w io.Writer, b *Bundle) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(b); err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}
	return nil
}

// Decode reads and structurally validates a bundle.
func Decode(r io.Reader) (*Bundle, error) {
	var b Bundle
	dec := json.NewDecoder(r)
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Validate checks the manifest, entry integrity, intra-bundle vector
// dimensions, and that supersedes edges carried by the bundle are
// acyclic. Runs before any import write.
func (b *Bundle) Validate() error {
	if b.Manifest.SchemaVersion == "" {
		return fmt.Errorf("bundle manifest missing schema_version")
	}
	if b.Manifest.Embedding.Dimensions <= 0 {
		return fmt.Errorf("bundle manifest missing embedding dimensions")
	}

	seen := make(map[string]bool, len(b.Entries))
	links := make([]validation.ChainLink, 0, len(b.Entries))
	for i, e := range b.Entries {
		if e.ID == "" {
			return fmt.Errorf("entry %d: missing id", i)
		}
		if seen[e.ID] {
			return fmt.Errorf("entry %d: duplicate id %s", i, e.ID)
		}
		seen[e.ID] = true
		if e.Content == "" {
			return fmt.Errorf("entry %s: empty content", e.ID)
		}
		if len(e.Embedding) > 0 && len(e.Embedding) != b.Manifest.Embedding.Dimensions {
			return fmt.Errorf("entry %s: embedding has %d dimensions, manifest declares %d",
				e.ID, len(e.Embedding), b.Manifest.Embedding.Dimensions)
		}
		links = append(links, validation.ChainLink{ID: e.ID, Supersedes: e.Supersedes})
	}
	if err := validation.ValidateChains(links); err != nil {
		return fmt.Errorf("bundle correction chains: %w", err)
	}
	return nil
}

// KeepVectors decides whether stored vectors survive an import into a
// store with the given embedding space.
func (s Strategy) KeepVectors(bundleInfo, storeInfo EmbeddingInfo) bool {
	switch s {
	case StrategyKeep:
		return true
	case StrategyDrop:
		return false
	default: // auto
		return bundleInfo.ModelName == storeInfo.ModelName &&
			bundleInfo.Dimensions == storeInfo.Dimensions
	}
}
