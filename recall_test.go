package tribalmemory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecallLimitZero(t *testing.T) {
	svc := newTestService(t, nil)
	out, err := svc.Recall(context.Background(), "anything at all", RecallOptions{Limit: 0})
	require.NoError(t, err)
	assert.Empty(t, out.Results)
	assert.False(t, out.Skipped)
}

func TestRecallTrivialQueriesSkipped(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	for _, q := range []string{"k", "ok", "thanks", "👍"} {
		out, err := svc.Recall(ctx, q, RecallOptions{Limit: 5, SessionID: "trivial"})
		require.NoError(t, err)
		assert.True(t, out.Skipped, "query %q should be skipped", q)
		assert.Equal(t, ReasonSkippedTrivial, out.Reason)
	}
}

func TestCaptureThenRecall(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	mustRemember(t, svc, "Auth service uses JWT tokens with RS256 signing", RememberOptions{})

	opts := DefaultRecallOptions()
	opts.SessionID = "cap-1"
	out, err := svc.Recall(ctx, "How does authentication work?", opts)
	require.NoError(t, err)
	require.NotEmpty(t, out.Results)

	top := out.Results[0]
	assert.Contains(t, top.Memory.Content, "JWT")
	assert.GreaterOrEqual(t, top.Score, 0.3)
	assert.NotEmpty(t, top.RetrievalMethod)
	assert.NotEmpty(t, top.Snippet)
}

func TestRecallGraphExpansion(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	mustRemember(t, svc, "auth-service uses PostgreSQL", RememberOptions{})
	mustRemember(t, svc, "PostgreSQL stores user profiles", RememberOptions{})

	withGraph, err := svc.Recall(ctx, "Tell me about auth-service", RecallOptions{
		Limit: 5, MinRelevance: 0.3, GraphExpansion: true, SessionID: "graph-on",
	})
	require.NoError(t, err)
	contents := make([]string, len(withGraph.Results))
	for i, r := range withGraph.Results {
		contents[i] = r.Memory.Content
	}
	require.Len(t, withGraph.Results, 2, "expected both memories, got %v", contents)

	withoutGraph, err := svc.Recall(ctx, "Tell me about auth-service", RecallOptions{
		Limit: 5, MinRelevance: 0.3, GraphExpansion: false, SessionID: "graph-off",
	})
	require.NoError(t, err)
	require.Len(t, withoutGraph.Results, 1)
	assert.Contains(t, withoutGraph.Results[0].Memory.Content, "uses PostgreSQL")
}

func TestRecallEntity(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	mustRemember(t, svc, "auth-service uses PostgreSQL", RememberOptions{})
	mustRemember(t, svc, "PostgreSQL stores user profiles", RememberOptions{})

	results, err := svc.RecallEntity(ctx, "postgresql", 2, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, MethodEntity, r.RetrievalMethod)
	}

	none, err := svc.RecallEntity(ctx, "nonexistent-entity", 2, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRecallBudgetTruncation(t *testing.T) {
	svc := newTestService(t, func(cfg *Config) {
		cfg.Safeguards.PerRecallCap = 20
	})
	ctx := context.Background()

	fillers := []string{"alpha", "bravo", "charlie"}
	for _, f := range fillers {
		// 20 words -> 15 estimated tokens per snippet
		content := "release"
		for i := 0; i < 19; i++ {
			content += " " + f
		}
		mustRemember(t, svc, content, RememberOptions{})
	}

	out, err := svc.Recall(ctx, "release", RecallOptions{
		Limit: 5, SessionID: "budget-1", TurnID: "turn-1",
	})
	require.NoError(t, err)
	assert.Len(t, out.Results, 1, "the second 15-token snippet would exceed the 20-token recall cap")
	assert.False(t, out.Skipped)
}

func TestRecallCircuitBreaker(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	opts := RecallOptions{Limit: 5, SessionID: "breaker-1"}
	for i := 0; i < 5; i++ {
		out, err := svc.Recall(ctx, "where are the unicorn deployment records", opts)
		require.NoError(t, err)
		assert.Empty(t, out.Results)
		assert.False(t, out.Skipped, "recall %d should still run", i+1)
	}

	out, err := svc.Recall(ctx, "where are the unicorn deployment records", opts)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, ReasonSkippedCircuitBreaker, out.Reason)

	// other sessions are unaffected
	other, err := svc.Recall(ctx, "where are the unicorn deployment records", RecallOptions{Limit: 5, SessionID: "breaker-2"})
	require.NoError(t, err)
	assert.False(t, other.Skipped)
}

func TestRecallSessionDedupSuppressesRepeat(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	mustRemember(t, svc, "The release ships Thursday after the staging soak completes", RememberOptions{})

	opts := RecallOptions{Limit: 5, MinRelevance: 0.1, SessionID: "dedup-1"}
	first, err := svc.Recall(ctx, "when does the release ship", opts)
	require.NoError(t, err)
	require.Len(t, first.Results, 1)

	second, err := svc.Recall(ctx, "when does the release ship", opts)
	require.NoError(t, err)
	assert.Empty(t, second.Results, "the same snippet must not be returned twice within the cooldown")

	// a different session still gets it
	fresh, err := svc.Recall(ctx, "when does the release ship", RecallOptions{Limit: 5, MinRelevance: 0.1, SessionID: "dedup-2"})
	require.NoError(t, err)
	assert.Len(t, fresh.Results, 1)
}

func TestRecallSnippetTruncation(t *testing.T) {
	svc := newTestService(t, func(cfg *Config) {
		cfg.Safeguards.MaxTokensPerSnippet = 10
	})
	ctx := context.Background()

	long := "meeting notes"
	for i := 0; i < 60; i++ {
		long += fmt.Sprintf(" point%d", i)
	}
	mustRemember(t, svc, long, RememberOptions{})

	out, err := svc.Recall(ctx, "meeting notes", RecallOptions{Limit: 5, MinRelevance: 0.1, SessionID: "snip-1"})
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	r := out.Results[0]
	assert.Less(t, len(r.Snippet), len(r.Memory.Content))
	assert.LessOrEqual(t, tokenCount(r.Snippet), 10+1) // "..." suffix may add one estimated token
}

func TestRecallTagAndSourceFilters(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	mustRemember(t, svc, "billing worker retries stalled invoices hourly", RememberOptions{Tags: []string{"billing"}})
	mustRemember(t, svc, "billing dashboard refreshes invoices every minute", RememberOptions{
		Tags: []string{"billing", "ui"}, SourceType: SourceUserExplicit,
	})

	out, err := svc.Recall(ctx, "how are invoices handled", RecallOptions{
		Limit: 5, MinRelevance: 0.0, Tags: []string{"ui"}, SessionID: "filter-1",
	})
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.Contains(t, out.Results[0].Memory.Content, "dashboard")

	out, err = svc.Recall(ctx, "how are invoices handled", RecallOptions{
		Limit: 5, MinRelevance: 0.0, Sources: []string{SourceDeliberate}, SessionID: "filter-2",
	})
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.Contains(t, out.Results[0].Memory.Content, "worker")
}

func TestRecallBeforeBoundExclusive(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	id := mustRemember(t, svc, "the nightly job rebuilds the search index at 2am", RememberOptions{})
	stored, err := svc.Get(ctx, id)
	require.NoError(t, err)

	at := stored.CreatedAt
	out, err := svc.Recall(ctx, "when does the nightly job rebuild the search index", RecallOptions{
		Limit: 5, MinRelevance: 0.0, Before: &at, SessionID: "bound-1",
	})
	require.NoError(t, err)
	assert.Empty(t, out.Results, "a memory created exactly at Before is out of the window")

	past := at.Add(time.Nanosecond)
	out, err = svc.Recall(ctx, "when does the nightly job rebuild the search index", RecallOptions{
		Limit: 5, MinRelevance: 0.0, Before: &past, SessionID: "bound-2",
	})
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.Equal(t, id, out.Results[0].Memory.ID)
}

func TestReportUsagePromotesQueryCache(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	id := mustRemember(t, svc, "The staging database password rotates every Friday night", RememberOptions{})
	query := "when does the staging database password rotate"

	for i := 0; i < 3; i++ {
		session := fmt.Sprintf("usage-%d", i)
		out, err := svc.Recall(ctx, query, RecallOptions{Limit: 5, MinRelevance: 0.1, SessionID: session})
		require.NoError(t, err)
		require.NotEmpty(t, out.Results)
		svc.ReportUsage(session, []string{id})
	}

	ids, ok := svc.qcache.Lookup(query)
	require.True(t, ok, "three reported successes should unlock the cache entry")
	assert.Contains(t, ids, id)
}

func TestResolveRelativeDates(t *testing.T) {
	now := time.Date(2026, 8, 20, 15, 0, 0, 0, time.UTC)
	day := now.Truncate(24 * time.Hour)

	after, before := resolveRelativeDates("what did we deploy yesterday", now)
	require.NotNil(t, after)
	require.NotNil(t, before)
	assert.Equal(t, day.AddDate(0, 0, -1), *after)
	assert.Equal(t, day, *before)

	after, before = resolveRelativeDates("decisions from last week", now)
	require.NotNil(t, after)
	assert.Equal(t, day.AddDate(0, 0, -7), *after)
	assert.Equal(t, day.AddDate(0, 0, 1), *before)

	after, before = resolveRelativeDates("nothing temporal here", now)
	assert.Nil(t, after)
	assert.Nil(t, before)
}

func TestHeuristicRerankPrefersRecentOnTies(t *testing.T) {
	h := newHeuristicReranker()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	old := RecallResult{Memory: Memory{ID: "a", UpdatedAt: now.AddDate(0, 0, -90)}, Score: 0.5}
	fresh := RecallResult{Memory: Memory{ID: "b", UpdatedAt: now}, Score: 0.5}

	out := h.Rerank("anything", []RecallResult{old, fresh})
	require.Len(t, out, 2)
	assert.Equal(t, "b", out[0].Memory.ID)
	// the boost is bounded: recency never overwhelms relevance
	assert.Less(t, out[0].Score-out[1].Score, 0.06)
}

func TestMMRRerankDemotesNearDuplicates(t *testing.T) {
	inner := newHeuristicReranker()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	inner.now = func() time.Time { return now }
	m := &mmrReranker{lambda: 0.5, inner: inner}

	top := RecallResult{Memory: Memory{ID: "top", UpdatedAt: now, Embedding: []float32{1, 0}}, Score: 0.9}
	nearDup := RecallResult{Memory: Memory{ID: "dup", UpdatedAt: now, Embedding: []float32{0.99, 0.14}}, Score: 0.85}
	distinct := RecallResult{Memory: Memory{ID: "other", UpdatedAt: now, Embedding: []float32{0, 1}}, Score: 0.6}

	out := m.Rerank("anything", []RecallResult{top, nearDup, distinct})
	require.Len(t, out, 3)
	assert.Equal(t, "top", out[0].Memory.ID)
	assert.Equal(t, "other", out[1].Memory.ID, "the near-duplicate should sink below the distinct hit")
	assert.Equal(t, "dup", out[2].Memory.ID)
}

func TestRecallEmbeddingFailureDegradesToKeyword(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	mustRemember(t, svc, "Kafka consumer lag alerts page the on-call engineer", RememberOptions{})

	svc.embedder = &failingEmbedder{inner: newFakeEmbedder(256)}
	out, err := svc.Recall(ctx, "kafka consumer lag", RecallOptions{Limit: 5, MinRelevance: 0.1, SessionID: "degrade-1"})
	require.NoError(t, err)
	require.NotEmpty(t, out.Results, "keyword search should still find the memory")
	assert.Contains(t, out.Results[0].Memory.Content, "Kafka")
}

// failingEmbedder fails single-text embeds to simulate a backend outage.
type failingEmbedder struct {
	inner *fakeEmbedder
}

func (f *failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("embedding backend unavailable")
}

func (f *failingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return f.inner.EmbedBatch(ctx, texts)
}

func (f *failingEmbedder) ModelName() string    { return f.inner.ModelName() }
func (f *failingEmbedder) Dimensions() int      { return f.inner.Dimensions() }
func (f *failingEmbedder) ProviderName() string { return f.inner.ProviderName() }
