// Package vectorstore persists memory records with their embeddings in
// SQLite and serves cosine top-k search with metadata filters.
package vectorstore

import (
	"fmt"
	"time"
)

// Record is the stored form of a memory: the full record plus its vector.
type Record struct {
	ID             string
	Content        string
	Embedding      []float32
	SourceInstance string
	SourceType     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Tags           []string
	Context        string
	Confidence     float64
	Supersedes     string
	Scope          string
	WorkspaceID    string
	UserID         string
	ModelID        string
}

// Filters narrow a search. Zero values mean "no constraint". Tags is a
// subset requirement: a candidate must carry every listed tag. The
// created_at window is half-open: After inclusive, Before exclusive.
type Filters struct {
	Tags        []string
	After       *time.Time
	Before      *time.Time
	Scopes      []string
	Sources     []string
	WorkspaceID string
}

// Match is one search hit: cosine similarity in [-1, 1], higher is better.
type Match struct {
	ID    string
	Score float64
}

// Meta describes the embedding space the store was created with.
type Meta struct {
	SchemaVersion string
	ModelName     string
	Dimensions    int
	Provider      string
	InstanceID    string
}

// DimensionMismatchError is returned when a vector's length does not match
// the dimensions the store was created with.
type DimensionMismatchError struct {
	Expected int
	Received int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: store holds %d-dimensional vectors, got %d. Check the embedding model configuration or re-embed on import",
		e.Expected, e.Received)
}

func wrapError(op string, err error) error {
	return fmt.Errorf("vectorstore %s: %w", op, err)
}
