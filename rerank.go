package tribalmemory

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/abbudjoe/tribalmemory/internal/embeddings"
	"github.com/abbudjoe/tribalmemory/internal/util"
)

// Reranker reorders recall candidates before relevance filtering. The
// default is heuristic; a cross-encoder implementation can be swapped in.
type Reranker interface {
	Rerank(query string, results []RecallResult) []RecallResult
}

// heuristicReranker applies small bounded adjustments: a recency-decay
// boost and a boost for tags overlapping the query tokens. The base
// score dominates; the sort is stable with an id tiebreak.
type heuristicReranker struct {
	recencyWeight float64
	recencyHalf   time.Duration
	tagWeight     float64
	now           func() time.Time
}

func newHeuristicReranker() *heuristicReranker {
	return &heuristicReranker{
		recencyWeight: 0.05,
		recencyHalf:   30 * 24 * time.Hour,
		tagWeight:     0.03,
		now:           time.Now,
	}
}

func (h *heuristicReranker) Rerank(query string, results []RecallResult) []RecallResult {
	qTokens := map[string]bool{}
	for _, t := range strings.Fields(util.NormalizeText(query)) {
		qTokens[t] = true
	}
	now := h.now()

	out := make([]RecallResult, len(results))
	for i, r := range results {
		age := now.Sub(r.Memory.UpdatedAt)
		if age < 0 {
			age = 0
		}
		decay := math.Exp2(-age.Hours() / h.recencyHalf.Hours())
		r.Score += h.recencyWeight * decay

		overlap := 0
		for _, tag := range r.Memory.Tags {
			if qTokens[strings.ToLower(tag)] {
				overlap++
			}
		}
		if overlap > 0 {
			r.Score += h.tagWeight * math.Min(float64(overlap), 3)
		}
		out[i] = r
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Memory.ID < out[j].Memory.ID
	})
	return out
}

// mmrReranker adds maximal-marginal-relevance diversity on top of an
// inner reranker: results are greedily reordered by
// lambda*score - (1-lambda)*max_similarity_to_selected, so near-duplicate
// hits sink below distinct ones. Scores are left untouched; only the
// order changes.
type mmrReranker struct {
	lambda float64
	inner  Reranker
}

func (m *mmrReranker) Rerank(query string, results []RecallResult) []RecallResult {
	results = m.inner.Rerank(query, results)
	if len(results) <= 2 {
		return results
	}

	remaining := append([]RecallResult(nil), results...)
	out := make([]RecallResult, 0, len(results))
	// the top hit always leads
	out = append(out, remaining[0])
	remaining = remaining[1:]

	for len(remaining) > 0 {
		bestIdx, bestVal := 0, math.Inf(-1)
		for i, r := range remaining {
			maxSim := 0.0
			for _, sel := range out {
				if sim := embeddings.Cosine(r.Memory.Embedding, sel.Memory.Embedding); sim > maxSim {
					maxSim = sim
				}
			}
			val := m.lambda*r.Score - (1-m.lambda)*maxSim
			if val > bestVal {
				bestIdx, bestVal = i, val
			}
		}
		out = append(out, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return out
}
