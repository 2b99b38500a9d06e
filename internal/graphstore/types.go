// Package graphstore persists the entity graph: entities, typed
// relationships between them, memory-to-entity links, and temporal facts.
// It serves multi-hop traversal for graph-expanded recall.
package graphstore

import (
	"fmt"
	"time"
)

// Entity types form a closed set; the extractor maps anything else to OTHER.
const (
	TypePerson  = "PERSON"
	TypeOrg     = "ORG"
	TypeGPE     = "GPE"
	TypeTech    = "TECH"
	TypeService = "SERVICE"
	TypeDate    = "DATE"
	TypeOther   = "OTHER"
)

// Entity is a named thing referenced in memories. Equality is
// (workspace_id, name, entity_type) with name in canonical lowercase form.
type Entity struct {
	ID          string    `db:"id"`
	WorkspaceID string    `db:"workspace_id"`
	Name        string    `db:"name"`
	DisplayName string    `db:"display_name"`
	EntityType  string    `db:"entity_type"`
	CreatedAt   time.Time `db:"-"`
}

// Relationship is a directed typed edge between two entities, attributed
// to the memory it was extracted from.
type Relationship struct {
	ID                 string  `db:"id"`
	SourceEntityID     string  `db:"source_entity_id"`
	RelationType       string  `db:"relation_type"`
	TargetEntityID     string  `db:"target_entity_id"`
	ProvenanceMemoryID string  `db:"provenance_memory_id"`
	Confidence         float64 `db:"confidence"`
}

// TemporalFact anchors a memory to a date range for temporal recall.
type TemporalFact struct {
	ID        string     `db:"id"`
	MemoryID  string     `db:"memory_id"`
	DateStart time.Time  `db:"-"`
	DateEnd   *time.Time `db:"-"`
	Label     string     `db:"label"`
}

// Connected is one traversal hit: the entity plus its BFS depth from the
// start entity (1 = direct neighbor).
type Connected struct {
	Entity Entity
	Depth  int
}

// MemoryRef is a memory reachable through linked entities, with how many
// of the requested entities it matched.
type MemoryRef struct {
	MemoryID string
	Matches  int
}

func wrapError(op string, err error) error {
	return fmt.Errorf("graphstore %s: %w", op, err)
}
