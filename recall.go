package tribalmemory

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/abbudjoe/tribalmemory/internal/learned"
	"github.com/abbudjoe/tribalmemory/internal/metrics"
	"github.com/abbudjoe/tribalmemory/internal/safeguards"
	"github.com/abbudjoe/tribalmemory/internal/vectorstore"
)

// candidate accumulates per-branch scores for one memory id.
type candidate struct {
	vec    float64
	txt    float64
	graph  float64
	hasVec bool
	hasTxt bool
	cached bool
}

// Recall runs the full retrieval pipeline: safeguards, learned query
// cache, query expansion, hybrid vector+keyword search, graph expansion,
// correction-chain leaf resolution, reranking, and the post-filters
// (relevance, snippet cap, budgets, session dedup).
func (s *Service) Recall(ctx context.Context, query string, opts RecallOptions) (RecallOutcome, error) {
	start := time.Now()
	if opts.Limit <= 0 {
		return RecallOutcome{}, nil
	}

	if d := s.trigger.Evaluate(query); !d.Run {
		metrics.RecordRecallMetrics(ReasonSkippedTrivial, time.Since(start).Seconds(), 0)
		return RecallOutcome{Skipped: true, Reason: ReasonSkippedTrivial}, nil
	}
	if !s.breaker.Allow(opts.SessionID) {
		metrics.RecordRecallMetrics(ReasonSkippedCircuitBreaker, time.Since(start).Seconds(), 0)
		return RecallOutcome{Skipped: true, Reason: ReasonSkippedCircuitBreaker}, nil
	}

	after, before := opts.After, opts.Before
	if after == nil && before == nil {
		after, before = resolveRelativeDates(query, time.Now().UTC())
	}
	filters := vectorstore.Filters{
		Tags:        opts.Tags,
		After:       after,
		Before:      before,
		Sources:     opts.Sources,
		WorkspaceID: opts.WorkspaceID,
	}

	pool := map[string]*candidate{}
	get := func(id string) *candidate {
		c := pool[id]
		if c == nil {
			c = &candidate{}
			pool[id] = c
		}
		return c
	}

	// learned query cache: proven paths surface at full score
	if ids, ok := s.qcache.Lookup(query); ok {
		for _, id := range ids {
			get(id).cached = true
		}
	}

	k := opts.Limit * s.cfg.Search.CandidateMultiplier

	// vector branch; an embedding failure degrades recall to keyword+graph
	qv, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.logger.Warn("query embedding failed, degrading to keyword search",
			zap.String("session_id", opts.SessionID), zap.Error(err))
		qv = nil
	}
	if qv != nil {
		matches, err := s.vectors.Search(ctx, qv, k, filters)
		if err != nil {
			metrics.RecordRecallMetrics("error", time.Since(start).Seconds(), 0)
			return RecallOutcome{}, err
		}
		for i, m := range matches {
			c := get(m.ID)
			c.hasVec = true
			c.vec = normalizeVector(matches, i)
		}
		metrics.RecallCandidates.WithLabelValues("vector").Observe(float64(len(matches)))
	}

	// keyword branch over the expanded variants; best score per id wins
	variants := s.expander.Expand(ctx, query)
	txtSeen := 0
	for _, v := range variants {
		hits, err := s.fts.Search(ctx, v, k)
		if err != nil {
			metrics.RecordRecallMetrics("error", time.Since(start).Seconds(), 0)
			return RecallOutcome{}, err
		}
		txtSeen += len(hits)
		for _, h := range hits {
			c := get(h.ID)
			c.hasTxt = true
			if h.Score > c.txt {
				c.txt = h.Score
			}
		}
	}
	metrics.RecallCandidates.WithLabelValues("text").Observe(float64(txtSeen))

	if opts.GraphExpansion && !s.cfg.Graph.DisableExpansion {
		if err := s.expandGraph(ctx, query, opts, pool, get); err != nil {
			metrics.RecordRecallMetrics("error", time.Since(start).Seconds(), 0)
			return RecallOutcome{}, err
		}
	}

	results, err := s.assemble(ctx, pool, filters)
	if err != nil {
		metrics.RecordRecallMetrics("error", time.Since(start).Seconds(), 0)
		return RecallOutcome{}, err
	}

	// rerank the head of the pool, then apply learned feedback weights
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Memory.ID < results[j].Memory.ID
	})
	if max := opts.Limit * s.cfg.Search.RerankPoolMultiplier; len(results) > max {
		results = results[:max]
	}
	results = s.reranker.Rerank(query, results)
	results = s.applyFeedback(query, results)

	kept := results[:0]
	for _, r := range results {
		if r.Score >= opts.MinRelevance {
			kept = append(kept, r)
		}
	}
	results = kept
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}

	outcome := s.applySafeguards(query, opts, results)

	elapsed := time.Since(start)
	for i := range outcome.Results {
		outcome.Results[i].RetrievalTimeMs = elapsed.Milliseconds()
	}
	metrics.RecordRecallMetrics("ok", elapsed.Seconds(), len(outcome.Results))
	return outcome, nil
}

// normalizeVector min-max normalizes the i-th match score against the
// whole match set. A uniform set (including a single match) maps to 1.
func normalizeVector(matches []vectorstore.Match, i int) float64 {
	min, max := matches[0].Score, matches[0].Score
	for _, m := range matches[1:] {
		if m.Score < min {
			min = m.Score
		}
		if m.Score > max {
			max = m.Score
		}
	}
	if max == min {
		return 1
	}
	return (matches[i].Score - min) / (max - min)
}

// expandGraph adds memories reachable through entities mentioned in the
// query: fixed score by hop distance, capped at limit*buffer additions.
func (s *Service) expandGraph(ctx context.Context, query string, opts RecallOptions, pool map[string]*candidate, get func(string) *candidate) error {
	res := s.extract.Extract(query)
	if len(res.Entities) == 0 {
		metrics.GraphExpansions.WithLabelValues("empty").Inc()
		return nil
	}

	var nearIDs, farIDs []string
	for _, e := range res.Entities {
		conns, err := s.graph.FindConnected(ctx, opts.WorkspaceID, e.Name, s.cfg.Graph.MaxHops)
		if err != nil {
			return err
		}
		for _, c := range conns {
			if c.Depth <= 1 {
				nearIDs = append(nearIDs, c.Entity.ID)
			} else {
				farIDs = append(farIDs, c.Entity.ID)
			}
		}
	}
	if len(nearIDs) == 0 && len(farIDs) == 0 {
		metrics.GraphExpansions.WithLabelValues("empty").Inc()
		return nil
	}

	budget := opts.Limit * s.cfg.Graph.Buffer
	added := 0
	apply := func(entityIDs []string, score float64) error {
		if len(entityIDs) == 0 {
			return nil
		}
		refs, err := s.graph.MemoriesForEntities(ctx, entityIDs)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			c, seen := pool[ref.MemoryID]
			if !seen {
				if added >= budget {
					continue
				}
				added++
				c = get(ref.MemoryID)
			}
			if score > c.graph {
				c.graph = score
			}
		}
		return nil
	}
	// one-hop entities first so they win the budget
	if err := apply(nearIDs, s.cfg.Graph.OneHopScore); err != nil {
		return err
	}
	if err := apply(farIDs, s.cfg.Graph.TwoHopScore); err != nil {
		return err
	}
	metrics.GraphExpansions.WithLabelValues("ok").Inc()
	return nil
}

// assemble fetches candidate records, resolves correction chains to their
// leaves, applies metadata filters, and labels the retrieval method.
func (s *Service) assemble(ctx context.Context, pool map[string]*candidate, filters vectorstore.Filters) ([]RecallResult, error) {
	byLeaf := map[string]RecallResult{}
	for id, c := range pool {
		merged := s.cfg.Search.VectorWeight*c.vec + s.cfg.Search.TextWeight*c.txt
		if c.cached && merged < 1 {
			merged = 1
		}
		score := merged
		if c.graph > score {
			score = c.graph
		}

		method := MethodHybrid
		switch {
		case !c.hasVec && !c.hasTxt && !c.cached:
			method = MethodGraph
		case c.hasVec && !c.hasTxt && !c.cached:
			method = MethodVector
		}

		leafID, err := s.resolveLeaf(ctx, id)
		if err != nil {
			return nil, err
		}
		if prev, ok := byLeaf[leafID]; ok {
			if score > prev.Score {
				prev.Score = score
				prev.RetrievalMethod = method
				byLeaf[leafID] = prev
			}
			continue
		}
		rec, err := s.vectors.Get(ctx, leafID)
		if err != nil {
			return nil, err
		}
		if rec == nil || !matchesFilters(rec, filters) {
			continue
		}
		byLeaf[leafID] = RecallResult{Memory: fromRecord(rec), Score: score, RetrievalMethod: method}
	}

	out := make([]RecallResult, 0, len(byLeaf))
	for _, r := range byLeaf {
		out = append(out, r)
	}
	return out, nil
}

// resolveLeaf follows correction chains downward, always taking the
// newest child by (updated_at, id), until a memory with no children.
func (s *Service) resolveLeaf(ctx context.Context, id string) (string, error) {
	seen := map[string]bool{}
	for !seen[id] {
		seen[id] = true
		children, err := s.vectors.ChildrenOf(ctx, id)
		if err != nil {
			return "", err
		}
		if len(children) == 0 {
			return id, nil
		}
		id = children[0].ID
	}
	return id, nil
}

// matchesFilters re-checks metadata filters for candidates that arrived
// through the keyword or graph branches, which carry no metadata.
func matchesFilters(rec *vectorstore.Record, f vectorstore.Filters) bool {
	if f.WorkspaceID != "" && rec.WorkspaceID != f.WorkspaceID {
		return false
	}
	if f.After != nil && rec.CreatedAt.Before(*f.After) {
		return false
	}
	if f.Before != nil && !rec.CreatedAt.Before(*f.Before) {
		return false
	}
	if len(f.Sources) > 0 {
		ok := false
		for _, src := range f.Sources {
			if rec.SourceType == src {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, want := range f.Tags {
		ok := false
		for _, tag := range rec.Tags {
			if tag == want {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// applyFeedback reorders results by the learned usage weights. With no
// weights for this query the order is unchanged.
func (s *Service) applyFeedback(query string, results []RecallResult) []RecallResult {
	if len(results) == 0 {
		return results
	}
	scored := make([]learned.Scored, len(results))
	byID := make(map[string]RecallResult, len(results))
	for i, r := range results {
		scored[i] = learned.Scored{ID: r.Memory.ID, Score: r.Score}
		byID[r.Memory.ID] = r
	}
	adjusted := s.feedback.Rerank(query, scored)
	out := make([]RecallResult, len(adjusted))
	for i, a := range adjusted {
		r := byID[a.ID]
		r.Score = a.Score
		out[i] = r
	}
	return out
}

// applySafeguards runs the post-retrieval stack: snippet caps, token
// budgets, session dedup, alert observation, breaker accounting, and the
// retrieval record for later usage feedback.
func (s *Service) applySafeguards(query string, opts RecallOptions, results []RecallResult) RecallOutcome {
	hadResults := len(results) > 0

	counts := make([]int, len(results))
	for i := range results {
		snippet, _ := safeguards.TruncateSnippet(results[i].Memory.Content, s.cfg.Safeguards.MaxTokensPerSnippet)
		results[i].Snippet = snippet
		counts[i] = tokenCount(snippet)
	}
	admitted, _ := s.budget.Admit(opts.SessionID, opts.TurnID, counts)
	results = results[:admitted]

	if len(results) > 0 {
		keys := make([]string, len(results))
		for i, r := range results {
			keys[i] = safeguards.IdentityKey("", 0, 0, r.Memory.ID, r.Snippet)
		}
		keep := s.seen.Filter(opts.SessionID, keys)
		deduped := make([]RecallResult, 0, len(keep))
		for _, idx := range keep {
			deduped = append(deduped, results[idx])
		}
		results = deduped
	}

	s.alerts.ObserveBudgets(opts.SessionID,
		s.budget.SessionUtilization(opts.SessionID),
		s.budget.TurnUtilization(opts.TurnID))
	s.breaker.RecordResult(opts.SessionID, len(results) == 0)

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Memory.ID
	}
	s.feedback.RecordRetrieval(opts.SessionID, query, ids)

	if hadResults && admitted == 0 {
		return RecallOutcome{Skipped: true, Reason: ReasonSkippedSessionBudget}
	}
	return RecallOutcome{Results: results}
}

// RecallEntity returns memories linked to an entity and its graph
// neighborhood, without vector or keyword search.
func (s *Service) RecallEntity(ctx context.Context, name string, hops, limit int) ([]RecallResult, error) {
	if limit <= 0 {
		return nil, nil
	}
	if hops <= 0 {
		hops = s.cfg.Graph.MaxHops
	}
	conns, err := s.graph.FindConnected(ctx, "", name, hops)
	if err != nil {
		return nil, err
	}
	if len(conns) == 0 {
		return nil, nil
	}

	depthByEntity := map[string]int{}
	ids := make([]string, 0, len(conns))
	for _, c := range conns {
		ids = append(ids, c.Entity.ID)
		depthByEntity[c.Entity.ID] = c.Depth
	}
	refs, err := s.graph.MemoriesForEntities(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]RecallResult, 0, len(refs))
	seen := map[string]bool{}
	for _, ref := range refs {
		leafID, err := s.resolveLeaf(ctx, ref.MemoryID)
		if err != nil {
			return nil, err
		}
		if seen[leafID] {
			continue
		}
		seen[leafID] = true
		rec, err := s.vectors.Get(ctx, leafID)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		results = append(results, RecallResult{
			Memory:          fromRecord(rec),
			Snippet:         rec.Content,
			Score:           s.cfg.Graph.OneHopScore, // refined below
			RetrievalMethod: MethodEntity,
		})
	}
	// score by the closest linking entity; refs are ordered by match count
	// so ties keep that order
	for i := range results {
		ents, err := s.graph.EntitiesForMemories(ctx, []string{results[i].Memory.ID})
		if err != nil {
			return nil, err
		}
		best := s.cfg.Graph.TwoHopScore
		for _, eid := range ents[results[i].Memory.ID] {
			if d, ok := depthByEntity[eid]; ok && d <= 1 {
				best = s.cfg.Graph.OneHopScore
				break
			}
		}
		results[i].Score = best
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Memory.ID < results[j].Memory.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

var relativeDateRe = regexp.MustCompile(`(?i)\b(yesterday|today|last week|last month)\b`)

// resolveRelativeDates turns a relative date phrase in the query into a
// created_at window. Returns nils when the query has no such phrase.
func resolveRelativeDates(query string, now time.Time) (*time.Time, *time.Time) {
	m := relativeDateRe.FindString(query)
	if m == "" {
		return nil, nil
	}
	day := now.Truncate(24 * time.Hour)
	var after, before time.Time
	switch {
	case strings.EqualFold(m, "yesterday"):
		after, before = day.AddDate(0, 0, -1), day
	case strings.EqualFold(m, "today"):
		after, before = day, day.AddDate(0, 0, 1)
	case strings.EqualFold(m, "last week"):
		after, before = day.AddDate(0, 0, -7), day.AddDate(0, 0, 1)
	default: // last month
		after, before = day.AddDate(0, -1, 0), day.AddDate(0, 0, 1)
	}
	return &after, &before
}

