package learned

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/abbudjoe/tribalmemory/internal/knowledge"
	"github.com/abbudjoe/tribalmemory/internal/persistence"
)

func testPersist(t *testing.T) *persistence.Store {
	t.Helper()
	s, err := persistence.Open(persistence.Config{DSN: filepath.Join(t.TempDir(), "learned.db")}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNormalizeIdempotent(t *testing.T) {
	q := "  What's MY  Time-Zone??  "
	once := Normalize(q)
	assert.Equal(t, once, Normalize(once))
	assert.Equal(t, "whats my timezone", once)
}

func TestQueryCacheLookupGatedBySuccesses(t *testing.T) {
	c := NewQueryCache(CacheConfig{MinSuccesses: 3}, nil, zaptest.NewLogger(t))
	defer c.Close()

	c.RecordSuccess("what is my timezone", []string{"f1"})
	c.RecordSuccess("what is my timezone", []string{"f1"})
	if _, ok := c.Lookup("what is my timezone"); ok {
		t.Fatal("cache should not serve below the success threshold")
	}

	c.RecordSuccess("what is my timezone", []string{"f1", "f2"})
	ids, ok := c.Lookup("What is my TIMEZONE?")
	require.True(t, ok, "normalized lookup should hit after 3 successes")
	assert.Equal(t, "f1", ids[0], "most frequent fact first")
}

func TestQueryCacheFrequencyRanking(t *testing.T) {
	c := NewQueryCache(CacheConfig{MinSuccesses: 1, MaxPaths: 2}, nil, zaptest.NewLogger(t))
	defer c.Close()

	c.RecordSuccess("q", []string{"a", "b"})
	c.RecordSuccess("q", []string{"b", "c"})
	c.RecordSuccess("q", []string{"b", "c", "d"})

	ids, ok := c.Lookup("q")
	require.True(t, ok)
	// b seen 3x, c seen 2x; a and d trimmed by MaxPaths=2
	assert.Equal(t, []string{"b", "c"}, ids)
}

func TestQueryCacheInvalidatePath(t *testing.T) {
	p := testPersist(t)
	c := NewQueryCache(CacheConfig{MinSuccesses: 1}, p, zaptest.NewLogger(t))
	defer c.Close()

	c.RecordSuccess("q one", []string{"f1"})
	c.RecordSuccess("q two", []string{"f2"})
	c.InvalidatePath("f1")

	if _, ok := c.Lookup("q one"); ok {
		t.Error("entry referencing the invalidated path should be dropped")
	}
	if _, ok := c.Lookup("q two"); !ok {
		t.Error("unrelated entry should survive")
	}

	// durable tier dropped it too
	entries, err := p.LoadQueryCache(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "q two", entries[0].NormalizedQuery)
}

func TestQueryCachePersistReload(t *testing.T) {
	p := testPersist(t)
	logger := zaptest.NewLogger(t)

	c := NewQueryCache(CacheConfig{MinSuccesses: 1}, p, logger)
	c.RecordSuccess("where is the office", []string{"f9"})
	c.Close()

	c2 := NewQueryCache(CacheConfig{MinSuccesses: 1}, p, logger)
	defer c2.Close()
	ids, ok := c2.Lookup("where is the office")
	require.True(t, ok, "entries should survive a restart")
	assert.Equal(t, []string{"f9"}, ids)
}

func TestQueryCacheRedisMirror(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewQueryCache(CacheConfig{MinSuccesses: 1, RedisAddr: mr.Addr()}, nil, zaptest.NewLogger(t))
	defer c.Close()

	c.RecordSuccess("shared query", []string{"f1", "f2"})
	val, err := mr.Get("qc:" + QueryHash("shared query"))
	require.NoError(t, err)
	assert.Equal(t, "f1,f2", val)

	c.InvalidatePath("f1")
	if mr.Exists("qc:" + QueryHash("shared query")) {
		t.Error("invalidation should clear the redis mirror")
	}
}

func TestAnchorsSurfaceFirst(t *testing.T) {
	c := NewQueryCache(CacheConfig{MinSuccesses: 1}, nil, zaptest.NewLogger(t))
	defer c.Close()

	c.AddAnchor(persistence.FactAnchor{FactID: "anchor-fact", AnchorPattern: "timezone", Source: "manual", Confidence: 1})
	c.RecordSuccess("what is my timezone", []string{"cached-fact"})

	ids, ok := c.Lookup("what is my timezone")
	require.True(t, ok)
	assert.Equal(t, []string{"anchor-fact", "cached-fact"}, ids)

	c.DropAnchorsForFact("anchor-fact")
	ids, _ = c.Lookup("what is my timezone")
	assert.Equal(t, []string{"cached-fact"}, ids)
}

func newTestExpander(t *testing.T, p *persistence.Store) *Expander {
	t.Helper()
	base, err := knowledge.Default()
	require.NoError(t, err)
	return NewExpander(base, p, zaptest.NewLogger(t))
}

func TestExpandWhatIsMy(t *testing.T) {
	e := newTestExpander(t, nil)
	got := e.Expand(context.Background(), "What is my timezone?")

	require.NotEmpty(t, got)
	assert.Equal(t, "What is my timezone?", got[0], "original query comes first")
	assert.Contains(t, got, "my timezone")
	assert.Contains(t, got, "timezone preference")
	assert.Contains(t, got, "favorite timezone")
	assert.LessOrEqual(t, len(got), 8)
}

func TestExpandFirstRuleOnlyFires(t *testing.T) {
	e := newTestExpander(t, nil)
	got := e.Expand(context.Background(), "What is my doctor?")
	// the who-rule must not also fire
	assert.NotContains(t, got, "doctor name")
}

func TestExpandSynonymSubstitution(t *testing.T) {
	e := newTestExpander(t, nil)
	got := e.Expand(context.Background(), "where do I get medical care")

	assert.Contains(t, got, "doctor")
	found := false
	for _, v := range got {
		if v == "where do i get doctor" {
			found = true
		}
	}
	assert.True(t, found, "substituted variant expected, got %v", got)
}

func TestExpandLearnedVariants(t *testing.T) {
	p := testPersist(t)
	e := newTestExpander(t, p)
	ctx := context.Background()

	e.Learn(ctx, "deploy schedule", "release calendar")
	got := e.Expand(ctx, "deploy schedule")
	assert.Contains(t, got, "release calendar")
}

func TestExpandCapAndDeterminism(t *testing.T) {
	p := testPersist(t)
	e := newTestExpander(t, p)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		e.Learn(ctx, "what is my code editor", fmt.Sprintf("variant %d", i))
	}

	a := e.Expand(ctx, "what is my code editor")
	b := e.Expand(ctx, "what is my code editor")
	assert.LessOrEqual(t, len(a), 8)
	assert.Equal(t, a, b, "expansion must be deterministic")
}

func TestFeedbackRerankNeutralWithoutWeights(t *testing.T) {
	f := NewFeedback(FeedbackConfig{}, nil, zaptest.NewLogger(t))
	in := []Scored{{"a", 0.9}, {"b", 0.8}, {"c", 0.8}}
	out := f.Rerank("any query", in)
	assert.Equal(t, in, out, "no weights means no reordering")
}

func TestFeedbackUsageShiftsRanking(t *testing.T) {
	f := NewFeedback(FeedbackConfig{}, nil, zaptest.NewLogger(t))
	const q = "what is my timezone"

	f.RecordRetrieval("sess", q, []string{"a", "b"})
	f.RecordUsage("sess", []string{"b"})

	assert.Equal(t, 1.0, f.Weight(q, "b"))
	assert.Equal(t, -0.25, f.Weight(q, "a"))

	out := f.Rerank(q, []Scored{{"a", 0.85}, {"b", 0.84}})
	assert.Equal(t, "b", out[0].ID, "reinforced fact should win a close race")
}

func TestFeedbackCustomDeltas(t *testing.T) {
	f := NewFeedback(FeedbackConfig{Reinforce: 2.5, Penalize: 0.5}, nil, zaptest.NewLogger(t))
	const q = "which queue backs ingestion"

	f.RecordRetrieval("sess", q, []string{"a", "b"})
	f.RecordUsage("sess", []string{"b"})

	assert.Equal(t, 2.5, f.Weight(q, "b"))
	assert.Equal(t, -0.5, f.Weight(q, "a"))
}

func TestFeedbackWeightsSurviveRestart(t *testing.T) {
	p := testPersist(t)
	logger := zaptest.NewLogger(t)

	f := NewFeedback(FeedbackConfig{}, p, logger)
	f.RecordRetrieval("s", "my query", []string{"f1"})
	f.RecordUsage("s", []string{"f1"})

	f2 := NewFeedback(FeedbackConfig{}, p, logger)
	assert.Equal(t, 1.0, f2.Weight("my query", "f1"))
}

func TestFeedbackUsageWithoutRetrievalIsNoop(t *testing.T) {
	f := NewFeedback(FeedbackConfig{}, nil, zaptest.NewLogger(t))
	f.RecordUsage("unknown-session", []string{"x"})
	assert.Zero(t, f.Weight("anything", "x"))
}
