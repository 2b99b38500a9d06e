package learned

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/abbudjoe/tribalmemory/internal/metrics"
	"github.com/abbudjoe/tribalmemory/internal/persistence"
)

const rerankLambda = 0.1

// FeedbackConfig tunes how hard usage reports move fact weights.
type FeedbackConfig struct {
	// Reinforce is added to a fact's weight when the agent used it.
	Reinforce float64
	// Penalize is subtracted when a retrieved fact went unused.
	Penalize float64
}

// Scored is one recall result as the feedback reranker sees it.
type Scored struct {
	ID    string
	Score float64
}

type retrievalEvent struct {
	query   string
	factIDs []string
	at      time.Time
}

// Feedback tracks which retrieved facts agents actually used and nudges
// ranking toward them. Weights persist across restarts via the
// persistence store; load/store failures downgrade to in-memory.
type Feedback struct {
	cfg     FeedbackConfig
	persist *persistence.Store
	logger  *zap.Logger

	mu      sync.RWMutex
	weights map[string]map[string]float64 // query hash -> fact id -> weight
	lastRet map[string]retrievalEvent     // session id -> most recent retrieval
}

// NewFeedback builds a tracker with defaults filled in, loading persisted
// weights. persist may be nil.
func NewFeedback(cfg FeedbackConfig, persist *persistence.Store, logger *zap.Logger) *Feedback {
	if cfg.Reinforce <= 0 {
		cfg.Reinforce = 1.0
	}
	if cfg.Penalize <= 0 {
		cfg.Penalize = 0.25
	}
	f := &Feedback{
		cfg:     cfg,
		persist: persist,
		logger:  logger,
		weights: map[string]map[string]float64{},
		lastRet: map[string]retrievalEvent{},
	}
	if persist != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		loaded, err := persist.LoadFeedbackWeights(ctx)
		if err != nil {
			logger.Warn("feedback weight load failed, starting empty", zap.Error(err))
			return f
		}
		for _, w := range loaded {
			byFact := f.weights[w.QueryHash]
			if byFact == nil {
				byFact = map[string]float64{}
				f.weights[w.QueryHash] = byFact
			}
			byFact[w.FactID] = w.Weight
		}
	}
	return f
}

// RecordRetrieval remembers the most recent retrieval for a session so a
// later usage report can be matched against it.
func (f *Feedback) RecordRetrieval(sessionID, query string, factIDs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRet[sessionID] = retrievalEvent{
		query:   query,
		factIDs: append([]string(nil), factIDs...),
		at:      time.Now().UTC(),
	}
	metrics.FeedbackEvents.WithLabelValues("retrieval").Inc()
}

// LastRetrieval returns the most recent retrieval recorded for a session.
func (f *Feedback) LastRetrieval(sessionID string) (query string, factIDs []string, ok bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ev, ok := f.lastRet[sessionID]
	if !ok {
		return "", nil, false
	}
	return ev.query, append([]string(nil), ev.factIDs...), true
}

// RecordUsage reinforces the facts the agent used from the session's most
// recent retrieval and penalizes the ones it ignored.
func (f *Feedback) RecordUsage(sessionID string, usedFactIDs []string) {
	used := map[string]bool{}
	for _, id := range usedFactIDs {
		used[id] = true
	}

	f.mu.Lock()
	ev, ok := f.lastRet[sessionID]
	if !ok {
		f.mu.Unlock()
		return
	}
	hash := QueryHash(ev.query)
	byFact := f.weights[hash]
	if byFact == nil {
		byFact = map[string]float64{}
		f.weights[hash] = byFact
	}
	type upd struct {
		factID string
		weight float64
	}
	updates := make([]upd, 0, len(ev.factIDs))
	for _, id := range ev.factIDs {
		if used[id] {
			byFact[id] += f.cfg.Reinforce
		} else {
			byFact[id] -= f.cfg.Penalize
		}
		updates = append(updates, upd{id, byFact[id]})
	}
	f.mu.Unlock()

	metrics.FeedbackEvents.WithLabelValues("usage").Inc()

	if f.persist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	now := time.Now().UTC()
	for _, u := range updates {
		w := persistence.FeedbackWeight{QueryHash: hash, FactID: u.factID, Weight: u.weight, UpdatedAt: now}
		if err := f.persist.UpsertFeedbackWeight(ctx, w); err != nil {
			f.logger.Warn("feedback weight persist failed", zap.Error(err))
			return
		}
	}
}

// Weight returns the learned weight for (query, fact id), zero when none.
func (f *Feedback) Weight(query, factID string) float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.weights[QueryHash(query)][factID]
}

// Rerank stably re-sorts results by score + 0.1*tanh(weight). With no
// learned weights every adjustment is zero and the order is unchanged.
func (f *Feedback) Rerank(query string, results []Scored) []Scored {
	hash := QueryHash(query)
	f.mu.RLock()
	byFact := f.weights[hash]
	f.mu.RUnlock()
	if len(byFact) == 0 {
		return results
	}

	adjusted := make([]Scored, len(results))
	for i, r := range results {
		r.Score += rerankLambda * math.Tanh(byFact[r.ID])
		adjusted[i] = r
	}
	sort.SliceStable(adjusted, func(i, j int) bool {
		return adjusted[i].Score > adjusted[j].Score
	})
	return adjusted
}
