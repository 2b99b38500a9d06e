// Package tribalmemory is a shared long-term memory service for AI
// agents: capture with dedup and provenance, hybrid vector+keyword
// recall with entity-graph expansion, correction chains, a learned
// retrieval layer, and a safeguard stack around every recall.
package tribalmemory

import (
	"time"
)

// Source types for captured memories.
const (
	SourceUserExplicit = "user_explicit"
	SourceDeliberate   = "deliberate"
	SourceAutoCapture  = "auto_capture"
	SourceCorrection   = "correction"
)

// Visibility scopes.
const (
	ScopePersonal      = "personal"
	ScopeShared        = "shared"
	ScopeModelSpecific = "model_specific"
)

// MaxContentBytes bounds a single memory's content.
const MaxContentBytes = 64 * 1024

// Memory is the unit of stored knowledge.
type Memory struct {
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

// RememberOptions modify a capture. Zero values mean defaults:
// SourceType deliberate, Scope shared, Confidence 1.
type RememberOptions struct {
	SourceType  string
	Tags        []string
	Context     string
	SkipDedup   bool
	Scope       string
	Confidence  float64
	WorkspaceID string
	UserID      string
	ModelID     string
}

// RememberRequest is one item of a batch capture.
type RememberRequest struct {
	Content string
	Options RememberOptions
}

// StoreResult is the outcome of a capture. A duplicate rejection is not
// an error: Success is false and DuplicateOf names the existing memory.
type StoreResult struct {
	Success     bool
	MemoryID    string
	DuplicateOf string
	Err         error
}

// Retrieval method labels attached to recall results.
const (
	MethodVector = "vector"
	MethodHybrid = "hybrid"
	MethodGraph  = "graph"
	MethodEntity = "entity"
)

// RecallOptions shape one recall. Limit 0 returns no results and does no
// work; use DefaultRecallOptions for the standard settings. After and
// Before bound created_at as a half-open window: After inclusive, Before
// exclusive.
type RecallOptions struct {
	Limit          int
	MinRelevance   float64
	Tags           []string
	After          *time.Time
	Before         *time.Time
	Sources        []string
	GraphExpansion bool
	WorkspaceID    string

	// SessionID and TurnID attribute safeguard state (breaker, budgets,
	// session dedup). Empty values share the default bucket.
	SessionID string
	TurnID    string
}

// DefaultRecallOptions returns the standard recall settings.
func DefaultRecallOptions() RecallOptions {
	return RecallOptions{
		Limit:          5,
		MinRelevance:   0.3,
		GraphExpansion: true,
	}
}

// RecallResult is one scored recall hit. Snippet is the content bounded
// by the per-snippet token cap; Memory.Content is the full text.
type RecallResult struct {
	Memory          Memory
	Snippet         string
	Score           float64
	RetrievalTimeMs int64
	RetrievalMethod string
}

// Safeguard suppression reason codes.
const (
	ReasonSkippedTrivial        = "skipped_trivial"
	ReasonSkippedCircuitBreaker = "skipped_circuit_breaker"
	ReasonSkippedSessionBudget  = "skipped_session_budget"
)

// RecallOutcome is a recall's full result: hits, or an empty list with a
// machine-readable reason when a safeguard suppressed the query.
type RecallOutcome struct {
	Results []RecallResult
	Skipped bool
	Reason  string
}

// EmbeddingInfo describes the embedding space of the store.
type EmbeddingInfo struct {
	ModelName  string
	Dimensions int
	Provider   string
}

// Stats is a service snapshot.
type Stats struct {
	TotalMemories int
	BySourceType  map[string]int
	ByTag         map[string]int
	Entities      int
	Embedding     EmbeddingInfo
}

// Health reports liveness for collaborators.
type Health struct {
	Status      string
	InstanceID  string
	MemoryCount int
}
