// Package learned implements the learned-retrieval layer: a query cache
// fed by success feedback, a rule-based query expander, and a feedback
// tracker that nudges ranking toward facts agents actually used.
//
// Persistence failures never reach callers: the layer downgrades to
// in-memory-only operation with a warning.
package learned

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/abbudjoe/tribalmemory/internal/metrics"
	"github.com/abbudjoe/tribalmemory/internal/persistence"
	"github.com/abbudjoe/tribalmemory/internal/util"
)

// Normalize is the canonical query form shared by the cache, the feedback
// tracker, and the expander: lowercase, non-alphanumerics stripped,
// whitespace collapsed. Idempotent.
func Normalize(q string) string { return util.NormalizeText(q) }

// QueryHash keys feedback weights by query.
func QueryHash(q string) string {
	h := md5.Sum([]byte(Normalize(q)))
	return hex.EncodeToString(h[:])
}

// CacheConfig holds the query cache knobs.
type CacheConfig struct {
	// MinSuccesses gates serving from cache (default 3).
	MinSuccesses int
	// MaxPaths bounds the fact list kept per entry (default 10).
	MaxPaths int
	// RedisAddr optionally mirrors entries in a shared Redis tier.
	RedisAddr string
	// RedisTTL bounds the Redis mirror entries (default 24h).
	RedisTTL time.Duration
}

type cacheEntry struct {
	factIDs       []string
	factCounts    map[string]int
	successCount  int
	lastSuccessAt time.Time
}

// QueryCache caches fact paths for queries that repeatedly succeeded.
// The local map is authoritative; Redis (when configured) is a shared
// mirror; the persistence store is the durable tier.
type QueryCache struct {
	cfg     CacheConfig
	persist *persistence.Store
	rdb     *redis.Client
	logger  *zap.Logger

	mu      sync.RWMutex
	entries map[string]*cacheEntry
	anchors []persistence.FactAnchor
}

// NewQueryCache builds a cache, loading persisted entries and anchors.
// persist may be nil (in-memory only).
func NewQueryCache(cfg CacheConfig, persist *persistence.Store, logger *zap.Logger) *QueryCache {
	if cfg.MinSuccesses <= 0 {
		cfg.MinSuccesses = 3
	}
	if cfg.MaxPaths <= 0 {
		cfg.MaxPaths = 10
	}
	if cfg.RedisTTL <= 0 {
		cfg.RedisTTL = 24 * time.Hour
	}
	c := &QueryCache{
		cfg:     cfg,
		persist: persist,
		logger:  logger,
		entries: map[string]*cacheEntry{},
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("query cache redis unavailable, continuing without it", zap.Error(err))
		} else {
			c.rdb = rdb
		}
	}
	c.load()
	return c
}

func (c *QueryCache) load() {
	if c.persist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entries, err := c.persist.LoadQueryCache(ctx)
	if err != nil {
		c.logger.Warn("query cache load failed, starting empty", zap.Error(err))
	} else {
		for _, e := range entries {
			counts := map[string]int{}
			for _, f := range e.FactIDs {
				counts[f] = 1
			}
			c.entries[e.NormalizedQuery] = &cacheEntry{
				factIDs:       e.FactIDs,
				factCounts:    counts,
				successCount:  e.SuccessCount,
				lastSuccessAt: e.LastSuccessAt,
			}
		}
	}

	anchors, err := c.persist.Anchors(ctx)
	if err != nil {
		c.logger.Warn("fact anchor load failed", zap.Error(err))
		return
	}
	c.anchors = anchors
}

// Close releases the Redis mirror connection, if any.
func (c *QueryCache) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

// Lookup returns the cached fact ids for q when the entry has enough
// recorded successes. Matching fact anchors surface ahead of cached
// paths.
func (c *QueryCache) Lookup(q string) ([]string, bool) {
	norm := Normalize(q)
	c.mu.RLock()
	defer c.mu.RUnlock()

	var anchored []string
	for _, a := range c.anchors {
		if a.AnchorPattern != "" && strings.Contains(norm, strings.ToLower(a.AnchorPattern)) {
			anchored = append(anchored, a.FactID)
		}
	}

	e, ok := c.entries[norm]
	if !ok || e.successCount < c.cfg.MinSuccesses {
		if len(anchored) > 0 {
			metrics.QueryCacheHits.Inc()
			return anchored, true
		}
		metrics.QueryCacheMisses.Inc()
		return nil, false
	}

	metrics.QueryCacheHits.Inc()
	out := make([]string, 0, len(anchored)+len(e.factIDs))
	seen := map[string]bool{}
	for _, f := range anchored {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	for _, f := range e.factIDs {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out, true
}

// RecordSuccess merges factIDs into the entry for q: fact paths are
// re-ranked by cumulative frequency, the top MaxPaths retained, and the
// success counter bumped.
func (c *QueryCache) RecordSuccess(q string, factIDs []string) {
	if len(factIDs) == 0 {
		return
	}
	norm := Normalize(q)
	now := time.Now().UTC()

	c.mu.Lock()
	e, ok := c.entries[norm]
	if !ok {
		e = &cacheEntry{factCounts: map[string]int{}}
		c.entries[norm] = e
	}
	for _, f := range factIDs {
		e.factCounts[f]++
	}
	type fc struct {
		id string
		n  int
	}
	ranked := make([]fc, 0, len(e.factCounts))
	for id, n := range e.factCounts {
		ranked = append(ranked, fc{id, n})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].n != ranked[j].n {
			return ranked[i].n > ranked[j].n
		}
		return ranked[i].id < ranked[j].id
	})
	if len(ranked) > c.cfg.MaxPaths {
		ranked = ranked[:c.cfg.MaxPaths]
	}
	e.factIDs = make([]string, len(ranked))
	for i, r := range ranked {
		e.factIDs[i] = r.id
	}
	e.successCount++
	e.lastSuccessAt = now

	snapshot := persistence.QueryCacheEntry{
		NormalizedQuery: norm,
		FactIDs:         append([]string(nil), e.factIDs...),
		SuccessCount:    e.successCount,
		LastSuccessAt:   now,
	}
	c.mu.Unlock()

	c.writeThrough(snapshot)
}

func (c *QueryCache) writeThrough(e persistence.QueryCacheEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if c.persist != nil {
		if err := c.persist.SaveQueryCacheEntry(ctx, e); err != nil {
			c.logger.Warn("query cache persist failed, entry kept in memory", zap.Error(err))
		}
	}
	if c.rdb != nil {
		key := "qc:" + QueryHash(e.NormalizedQuery)
		val := strings.Join(e.FactIDs, ",")
		if err := c.rdb.Set(ctx, key, val, c.cfg.RedisTTL).Err(); err != nil {
			c.logger.Warn("query cache redis mirror failed", zap.Error(err))
		}
	}
}

// InvalidatePath drops every entry whose fact list contains path. Called
// when a fact is corrected or forgotten.
func (c *QueryCache) InvalidatePath(path string) {
	c.mu.Lock()
	var dropped []string
	for norm, e := range c.entries {
		for _, f := range e.factIDs {
			if f == path {
				dropped = append(dropped, norm)
				break
			}
		}
	}
	for _, norm := range dropped {
		delete(c.entries, norm)
	}
	c.mu.Unlock()

	if len(dropped) == 0 {
		return
	}
	c.logger.Info("query cache invalidated", zap.String("path", path), zap.Int("entries", len(dropped)))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if c.persist != nil {
		if err := c.persist.DeleteQueryCacheEntries(ctx, dropped); err != nil {
			c.logger.Warn("query cache invalidation persist failed", zap.Error(err))
		}
	}
	if c.rdb != nil {
		keys := make([]string, len(dropped))
		for i, norm := range dropped {
			keys[i] = "qc:" + QueryHash(norm)
		}
		if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
			c.logger.Warn("query cache redis invalidation failed", zap.Error(err))
		}
	}
}

// AddAnchor registers a fact anchor and persists it.
func (c *QueryCache) AddAnchor(a persistence.FactAnchor) {
	c.mu.Lock()
	c.anchors = append(c.anchors, a)
	c.mu.Unlock()

	if c.persist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.persist.AddAnchor(ctx, a); err != nil {
		c.logger.Warn("anchor persist failed", zap.Error(err))
	}
}

// DropAnchorsForFact removes anchors for a forgotten fact.
func (c *QueryCache) DropAnchorsForFact(factID string) {
	c.mu.Lock()
	kept := c.anchors[:0]
	for _, a := range c.anchors {
		if a.FactID != factID {
			kept = append(kept, a)
		}
	}
	c.anchors = kept
	c.mu.Unlock()

	if c.persist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.persist.DeleteAnchorsForFact(ctx, factID); err != nil {
		c.logger.Warn("anchor delete failed", zap.Error(err))
	}
}
