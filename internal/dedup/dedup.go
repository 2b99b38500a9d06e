// Package dedup detects duplicate captures before they are written.
// Exact duplicates are caught by a fingerprint ring over recent normalized
// content; near-duplicates need both high cosine similarity and high
// token-set overlap against the closest stored vectors.
package dedup

import (
	"encoding/hex"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/abbudjoe/tribalmemory/internal/metrics"
	"github.com/abbudjoe/tribalmemory/internal/util"
)

// Candidate is a stored memory close to the incoming content in vector
// space: its id, content, and cosine similarity.
type Candidate struct {
	ID      string
	Content string
	Score   float64
}

// Decision is the dedup verdict for one capture.
type Decision struct {
	Duplicate   bool
	DuplicateOf string
	Kind        string // "exact" or "near"
}

// Config holds the dedup knobs.
type Config struct {
	// RecentWindow bounds the fingerprint ring (entries, not bytes).
	RecentWindow int
	// Threshold is the minimum cosine similarity for a near-duplicate.
	Threshold float64
	// JaccardFloor is the minimum token-set Jaccard for a near-duplicate.
	JaccardFloor float64
}

// DefaultConfig returns the standard dedup settings.
func DefaultConfig() Config {
	return Config{RecentWindow: 10000, Threshold: 0.92, JaccardFloor: 0.8}
}

// Engine holds the fingerprint ring. Safe for concurrent use.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	ids   map[string]string // fingerprint -> memory id
	order []string          // FIFO of fingerprints for eviction
	head  int
}

// New builds an engine with defaults filled in.
func New(cfg Config, logger *zap.Logger) *Engine {
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = 10000
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.92
	}
	if cfg.JaccardFloor <= 0 {
		cfg.JaccardFloor = 0.8
	}
	return &Engine{
		cfg:    cfg,
		logger: logger,
		ids:    make(map[string]string, cfg.RecentWindow),
		order:  make([]string, 0, cfg.RecentWindow),
	}
}

// Fingerprint hashes the normalized form of content.
func Fingerprint(content string) string {
	sum := blake2b.Sum256([]byte(util.NormalizeText(content)))
	return hex.EncodeToString(sum[:])
}

// Warm seeds the ring from already-stored memories, oldest last so the
// newest entries survive eviction longest. Called once at startup.
func (e *Engine) Warm(entries []struct{ ID, Content string }) {
	for i := len(entries) - 1; i >= 0; i-- {
		e.Observe(entries[i].ID, entries[i].Content)
	}
}

// Observe records a stored memory's fingerprint, evicting the oldest
// entry once the window is full.
func (e *Engine) Observe(id, content string) {
	fp := Fingerprint(content)
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.ids[fp]; exists {
		e.ids[fp] = id
		return
	}
	if len(e.order) >= e.cfg.RecentWindow {
		oldest := e.order[e.head]
		delete(e.ids, oldest)
		e.order[e.head] = fp
		e.head = (e.head + 1) % e.cfg.RecentWindow
	} else {
		e.order = append(e.order, fp)
	}
	e.ids[fp] = id
}

// Forget drops the fingerprint for content so a re-capture after forget is
// not rejected as a duplicate.
func (e *Engine) Forget(content string) {
	fp := Fingerprint(content)
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.ids, fp)
}

// Check classifies content against the ring and the given vector
// candidates. candidates should be the top few matches by cosine.
func (e *Engine) Check(content string, candidates []Candidate) Decision {
	fp := Fingerprint(content)
	e.mu.Lock()
	existing, hit := e.ids[fp]
	e.mu.Unlock()
	if hit {
		metrics.DedupHits.WithLabelValues("exact").Inc()
		return Decision{Duplicate: true, DuplicateOf: existing, Kind: "exact"}
	}

	tokens := tokenSet(content)
	for _, c := range candidates {
		if c.Score < e.cfg.Threshold {
			continue
		}
		if jaccard(tokens, tokenSet(c.Content)) >= e.cfg.JaccardFloor {
			metrics.DedupHits.WithLabelValues("near").Inc()
			e.logger.Debug("near-duplicate capture rejected",
				zap.String("duplicate_of", c.ID),
				zap.Float64("cosine", c.Score))
			return Decision{Duplicate: true, DuplicateOf: c.ID, Kind: "near"}
		}
	}
	return Decision{}
}

func tokenSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.Fields(util.NormalizeText(s)) {
		out[w] = true
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
