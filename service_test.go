package tribalmemory

import (
	"bytes"
	"context"
	"hash/fnv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/abbudjoe/tribalmemory/internal/embeddings"
	"github.com/abbudjoe/tribalmemory/internal/util"
)

// fakeEmbedder is a deterministic bag-of-words embedder. Tokens are
// folded to their first four characters so related words ("auth",
// "authentication") share a dimension.
type fakeEmbedder struct {
	dims int
}

func newFakeEmbedder(dims int) *fakeEmbedder { return &fakeEmbedder{dims: dims} }

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, f.dims)
	for _, tok := range strings.Fields(util.NormalizeText(text)) {
		if len(tok) > 4 {
			tok = tok[:4]
		}
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%uint32(f.dims)] += 1
	}
	return embeddings.NormalizeL2(vec), nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) ModelName() string    { return "fake-embedder" }
func (f *fakeEmbedder) Dimensions() int      { return f.dims }
func (f *fakeEmbedder) ProviderName() string { return "test" }

func newTestService(t *testing.T, mutate func(*Config)) *Service {
	t.Helper()
	cfg := Config{DataDir: t.TempDir()}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := New(cfg, newFakeEmbedder(256), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func mustRemember(t *testing.T, svc *Service, content string, opts RememberOptions) string {
	t.Helper()
	res, err := svc.Remember(context.Background(), content, opts)
	require.NoError(t, err)
	require.True(t, res.Success, "capture rejected: duplicate_of=%s", res.DuplicateOf)
	return res.MemoryID
}

func TestRememberValidation(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Remember(ctx, "   ", RememberOptions{})
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, err = svc.Remember(ctx, strings.Repeat("a", MaxContentBytes+1), RememberOptions{})
	assert.ErrorIs(t, err, ErrContentTooLarge)

	_, err = svc.Remember(ctx, "valid content", RememberOptions{Confidence: 1.5})
	assert.Error(t, err)

	_, err = svc.Remember(ctx, "valid content", RememberOptions{SourceType: "guesswork"})
	assert.Error(t, err)

	_, err = svc.Remember(ctx, "valid content", RememberOptions{Scope: "global"})
	assert.Error(t, err)
}

func TestRememberDefaults(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	id := mustRemember(t, svc, "The deploy pipeline promotes to staging before production", RememberOptions{})
	mem, err := svc.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, mem)
	assert.Equal(t, SourceDeliberate, mem.SourceType)
	assert.Equal(t, ScopeShared, mem.Scope)
	assert.Equal(t, 1.0, mem.Confidence)
	assert.False(t, mem.CreatedAt.IsZero())
	assert.NotEmpty(t, mem.SourceInstance)
}

func TestExactDuplicateRejected(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	content := "The database connection pool is capped at fifty connections"
	first := mustRemember(t, svc, content, RememberOptions{})

	res, err := svc.Remember(ctx, content, RememberOptions{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, first, res.DuplicateOf)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalMemories)
}

func TestSkipDedupStoresAnyway(t *testing.T) {
	svc := newTestService(t, nil)

	content := "Retry budget for the ingest worker is three attempts"
	mustRemember(t, svc, content, RememberOptions{})
	second := mustRemember(t, svc, content, RememberOptions{SkipDedup: true})
	assert.NotEmpty(t, second)
}

func TestRememberBatchOrderAndErrors(t *testing.T) {
	svc := newTestService(t, nil)

	reqs := []RememberRequest{
		{Content: "Alpha cluster runs in us-east with three replicas"},
		{Content: ""},
		{Content: "Beta cluster runs in eu-west with five replicas"},
	}
	results := svc.RememberBatch(context.Background(), reqs)
	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.Error(t, results[1].Err)
	assert.True(t, results[2].Success)
}

func TestCorrectSupersedes(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	origID := mustRemember(t, svc, "Joe's timezone is Eastern", RememberOptions{
		Tags: []string{"profile"},
	})
	res, err := svc.Correct(ctx, origID, "Joe's timezone is Mountain", "joe moved to Denver")
	require.NoError(t, err)
	require.True(t, res.Success)

	corrected, err := svc.Get(ctx, res.MemoryID)
	require.NoError(t, err)
	require.NotNil(t, corrected)
	assert.Equal(t, origID, corrected.Supersedes)
	assert.Equal(t, SourceCorrection, corrected.SourceType)
	assert.Equal(t, []string{"profile"}, corrected.Tags)

	// the original stays stored for provenance
	orig, err := svc.Get(ctx, origID)
	require.NoError(t, err)
	require.NotNil(t, orig)

	out, err := svc.Recall(ctx, "What is Joe's timezone?", RecallOptions{
		Limit: 5, MinRelevance: 0.1, GraphExpansion: true, SessionID: "correct-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, out.Results)
	for _, r := range out.Results {
		assert.NotContains(t, r.Memory.Content, "Eastern")
	}
	assert.Contains(t, out.Results[0].Memory.Content, "Mountain")
}

func TestCorrectUnknownOriginal(t *testing.T) {
	svc := newTestService(t, nil)
	_, err := svc.Correct(context.Background(), "no-such-id", "corrected", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestForgetIdempotent(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	id := mustRemember(t, svc, "Temporary fact scheduled for deletion", RememberOptions{})

	removed, err := svc.Forget(ctx, id)
	require.NoError(t, err)
	assert.True(t, removed)

	mem, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, mem)

	removed, err = svc.Forget(ctx, id)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestForgetAllowsRecapture(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	content := "The cache invalidation job runs at midnight UTC"
	id := mustRemember(t, svc, content, RememberOptions{})
	_, err := svc.Forget(ctx, id)
	require.NoError(t, err)

	// the dedup fingerprint must be gone with the memory
	again, err := svc.Remember(ctx, content, RememberOptions{})
	require.NoError(t, err)
	assert.True(t, again.Success)
}

func TestStatsAndHealth(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	mustRemember(t, svc, "PostgreSQL powers the primary datastore", RememberOptions{Tags: []string{"infra"}})
	mustRemember(t, svc, "Grafana dashboards live under the ops folder", RememberOptions{
		SourceType: SourceUserExplicit, Tags: []string{"infra", "observability"},
	})

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalMemories)
	assert.Equal(t, 1, stats.BySourceType[SourceDeliberate])
	assert.Equal(t, 1, stats.BySourceType[SourceUserExplicit])
	assert.Equal(t, 2, stats.ByTag["infra"])
	assert.Equal(t, "fake-embedder", stats.Embedding.ModelName)
	assert.Positive(t, stats.Entities)

	h := svc.Health(ctx)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, 2, h.MemoryCount)
	assert.NotEmpty(t, h.InstanceID)
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestService(t, nil)
	ctx := context.Background()

	aID := mustRemember(t, src, "auth-service uses PostgreSQL for session storage", RememberOptions{
		Tags: []string{"infra"},
	})
	res, err := src.Correct(ctx, aID, "auth-service uses PostgreSQL with PgBouncer for session storage", "added pooler")
	require.NoError(t, err)
	bID := res.MemoryID

	var buf bytes.Buffer
	require.NoError(t, src.Export(ctx, &buf))

	dst := newTestService(t, nil)
	n, err := dst.Import(ctx, bytes.NewReader(buf.Bytes()), "keep")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	orig, err := dst.Get(ctx, aID)
	require.NoError(t, err)
	require.NotNil(t, orig)

	imported, err := dst.Get(ctx, bID)
	require.NoError(t, err)
	require.NotNil(t, imported)
	assert.Equal(t, aID, imported.Supersedes)
	assert.Equal(t, []string{"infra"}, imported.Tags)

	srcMem, err := src.Get(ctx, bID)
	require.NoError(t, err)
	assert.True(t, srcMem.CreatedAt.Equal(imported.CreatedAt), "timestamps must survive the round trip")

	// correction chains keep working on the importing side
	out, err := dst.Recall(ctx, "how does auth-service store sessions", RecallOptions{
		Limit: 5, MinRelevance: 0.1, GraphExpansion: true, SessionID: "import-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, out.Results)
	assert.Contains(t, out.Results[0].Memory.Content, "PgBouncer")
}

func TestImportKeepRejectsDimensionMismatch(t *testing.T) {
	ctx := context.Background()

	smallCfg := Config{DataDir: t.TempDir()}
	small, err := New(smallCfg, newFakeEmbedder(8), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer small.Close()
	mustRemember(t, small, "Fact embedded in a tiny vector space", RememberOptions{})

	var buf bytes.Buffer
	require.NoError(t, small.Export(ctx, &buf))

	dst := newTestService(t, nil)
	_, err = dst.Import(ctx, bytes.NewReader(buf.Bytes()), "keep")
	assert.Error(t, err)

	stats, err := dst.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalMemories, "a rejected import must not write anything")

	// auto re-embeds into the destination space instead
	n, err := dst.Import(ctx, bytes.NewReader(buf.Bytes()), "auto")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestImportRejectsUnknownStrategy(t *testing.T) {
	svc := newTestService(t, nil)
	_, err := svc.Import(context.Background(), strings.NewReader("{}"), "maybe")
	assert.Error(t, err)
}
