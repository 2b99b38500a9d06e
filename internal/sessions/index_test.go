package sessions

import (
	"context"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/abbudjoe/tribalmemory/internal/embeddings"
)

// wordEmbedder is a deterministic bag-of-words embedder: overlapping
// vocabulary yields higher cosine similarity.
type wordEmbedder struct{ dims int }

func (w *wordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, w.dims)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		v[int(h.Sum32())%w.dims]++
	}
	return embeddings.NormalizeL2(v), nil
}

func (w *wordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := w.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (w *wordEmbedder) ModelName() string    { return "test-words" }
func (w *wordEmbedder) Dimensions() int      { return w.dims }
func (w *wordEmbedder) ProviderName() string { return "test" }

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := Open(
		filepath.Join(t.TempDir(), "sessions.db"),
		&wordEmbedder{dims: 64},
		embeddings.ChunkingConfig{MaxTokens: 20, OverlapTokens: 5},
		zaptest.NewLogger(t),
	)
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	return ix
}

func TestIndexTranscriptDeltaSemantics(t *testing.T) {
	ix := openTestIndex(t)
	ctx := context.Background()

	turns := []Turn{
		{Index: 0, Role: "user", Text: "how do we deploy the billing service"},
		{Index: 1, Role: "assistant", Text: "billing deploys from the release branch"},
	}
	n, err := ix.IndexTranscript(ctx, "sess-1", turns)
	require.NoError(t, err)
	require.Greater(t, n, 0)

	// re-index with the same turns: nothing new to do
	n, err = ix.IndexTranscript(ctx, "sess-1", turns)
	require.NoError(t, err)
	assert.Zero(t, n, "already indexed turns must not be re-chunked")

	// one fresh turn gets picked up
	turns = append(turns, Turn{Index: 2, Role: "user", Text: "and the staging environment?"})
	n, err = ix.IndexTranscript(ctx, "sess-1", turns)
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	last, err := ix.LastIndexedTurn(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 2, last)
}

func TestIndexTranscriptChunksLongText(t *testing.T) {
	ix := openTestIndex(t)
	ctx := context.Background()

	long := strings.Repeat("deployment pipeline notes ", 30) // 90 words > 20-token window
	n, err := ix.IndexTranscript(ctx, "sess-long", []Turn{{Index: 0, Role: "user", Text: long}})
	require.NoError(t, err)
	assert.Greater(t, n, 1, "long transcript should split into several chunks")
}

func TestSearchRankingAndSessionFilter(t *testing.T) {
	ix := openTestIndex(t)
	ctx := context.Background()

	_, err := ix.IndexTranscript(ctx, "s1", []Turn{
		{Index: 0, Role: "user", Text: "postgres connection pool settings for billing"},
	})
	require.NoError(t, err)
	_, err = ix.IndexTranscript(ctx, "s2", []Turn{
		{Index: 0, Role: "user", Text: "weekend hiking plans in the mountains"},
	})
	require.NoError(t, err)

	hits, err := ix.Search(ctx, "postgres connection pool", SearchOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "s1", hits[0].SessionID)

	// restrict to the unrelated session
	hits, err = ix.Search(ctx, "postgres connection pool", SearchOptions{SessionID: "s2"})
	require.NoError(t, err)
	for _, h := range hits {
		assert.Equal(t, "s2", h.SessionID)
	}
}

func TestSearchPagination(t *testing.T) {
	ix := openTestIndex(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := ix.IndexTranscript(ctx, fmt.Sprintf("s%d", i), []Turn{
			{Index: 0, Role: "user", Text: fmt.Sprintf("kubernetes cluster upgrade step %d", i)},
		})
		require.NoError(t, err)
	}

	page1, err := ix.Search(ctx, "kubernetes cluster upgrade", SearchOptions{Page: 1, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)

	page2, err := ix.Search(ctx, "kubernetes cluster upgrade", SearchOptions{Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.NotEqual(t, page1[0].ID, page2[0].ID)

	empty, err := ix.Search(ctx, "kubernetes cluster upgrade", SearchOptions{Page: 10, PageSize: 2})
	require.NoError(t, err)
	assert.Empty(t, empty, "past the last page")
}

func TestRetentionSweep(t *testing.T) {
	ix := openTestIndex(t)
	ctx := context.Background()

	_, err := ix.IndexTranscript(ctx, "s", []Turn{{Index: 0, Role: "user", Text: "ephemeral chatter"}})
	require.NoError(t, err)

	// nothing is old enough yet
	n, err := ix.DeleteOlderThan(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	// everything is older than a future cutoff
	n, err = ix.DeleteOlderThan(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, err := ix.ChunkCount(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSweeperStartStop(t *testing.T) {
	ix := openTestIndex(t)
	sw := NewSweeper(SweeperConfig{Retention: time.Hour, Interval: 5 * time.Millisecond}, ix, zaptest.NewLogger(t))
	sw.Start()
	time.Sleep(20 * time.Millisecond)
	sw.Stop() // must not hang or race
}
