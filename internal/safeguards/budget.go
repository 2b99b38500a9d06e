package safeguards

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/abbudjoe/tribalmemory/internal/metrics"
)

// BudgetConfig holds the three token caps and the turn-tracking bounds.
type BudgetConfig struct {
	PerRecall  int // default 500
	PerTurn    int // default 750
	PerSession int // default 5000

	// MaxTurns bounds the tracked turn map (default 200).
	MaxTurns int
	// TurnMaxAge evicts turns idle past this age (default 30m).
	TurnMaxAge time.Duration
}

type turnUsage struct {
	tokens   int
	lastSeen time.Time
}

type sessionUsage struct {
	tokens   int
	lastSeen time.Time
}

// Budget enforces per-recall, per-turn, and per-session token caps over
// returned snippets. Results are admitted in relevance order; the first
// result that would exceed any cap ends the recall (no backfilling with
// cheaper results further down the ranking).
type Budget struct {
	cfg    BudgetConfig
	logger *zap.Logger

	mu       sync.Mutex
	turns    map[string]*turnUsage
	sessions map[string]*sessionUsage
}

// NewBudget builds a budget manager with defaults filled in.
func NewBudget(cfg BudgetConfig, logger *zap.Logger) *Budget {
	if cfg.PerRecall <= 0 {
		cfg.PerRecall = 500
	}
	if cfg.PerTurn <= 0 {
		cfg.PerTurn = 750
	}
	if cfg.PerSession <= 0 {
		cfg.PerSession = 5000
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 200
	}
	if cfg.TurnMaxAge <= 0 {
		cfg.TurnMaxAge = 30 * time.Minute
	}
	return &Budget{
		cfg:      cfg,
		logger:   logger,
		turns:    make(map[string]*turnUsage),
		sessions: make(map[string]*sessionUsage),
	}
}

// Admit walks tokenCounts in order and returns how many leading results
// fit within all three caps, recording the admitted tokens against the
// turn and session. truncated is true when at least one result was cut.
func (b *Budget) Admit(sessionID, turnID string, tokenCounts []int) (n int, truncated bool) {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanupLocked(now)

	su := b.sessions[sessionID]
	if su == nil {
		su = &sessionUsage{}
		b.sessions[sessionID] = su
	}
	su.lastSeen = now
	tu := b.turns[turnID]
	if tu == nil {
		tu = &turnUsage{}
		b.turns[turnID] = tu
	}
	tu.lastSeen = now

	recall := 0
	for _, cost := range tokenCounts {
		if recall+cost > b.cfg.PerRecall ||
			tu.tokens+cost > b.cfg.PerTurn ||
			su.tokens+cost > b.cfg.PerSession {
			truncated = true
			break
		}
		recall += cost
		tu.tokens += cost
		su.tokens += cost
		n++
	}

	if truncated {
		metrics.BudgetTruncations.Inc()
		b.logger.Debug("token budget cut recall short",
			zap.String("session_id", sessionID),
			zap.Int("admitted", n),
			zap.Int("offered", len(tokenCounts)))
	}
	if recall > 0 {
		metrics.BudgetTokensRecorded.WithLabelValues("recall").Add(float64(recall))
	}
	return n, truncated
}

// SessionUtilization returns session token usage as a fraction of the cap.
func (b *Budget) SessionUtilization(sessionID string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	su := b.sessions[sessionID]
	if su == nil {
		return 0
	}
	return float64(su.tokens) / float64(b.cfg.PerSession)
}

// TurnUtilization returns turn token usage as a fraction of the cap.
func (b *Budget) TurnUtilization(turnID string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	tu := b.turns[turnID]
	if tu == nil {
		return 0
	}
	return float64(tu.tokens) / float64(b.cfg.PerTurn)
}

// ResetSession clears a session's accumulated usage.
func (b *Budget) ResetSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
}

// cleanupLocked keeps the turn map bounded by age and count. Caller
// holds mu.
func (b *Budget) cleanupLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.TurnMaxAge)
	for id, tu := range b.turns {
		if tu.lastSeen.Before(cutoff) {
			delete(b.turns, id)
		}
	}
	for id, su := range b.sessions {
		if su.lastSeen.Before(cutoff) {
			delete(b.sessions, id)
		}
	}
	if len(b.turns) <= b.cfg.MaxTurns {
		return
	}
	// over count: drop the oldest until bounded
	for len(b.turns) > b.cfg.MaxTurns {
		oldestID := ""
		var oldest time.Time
		for id, tu := range b.turns {
			if oldestID == "" || tu.lastSeen.Before(oldest) {
				oldestID = id
				oldest = tu.lastSeen
			}
		}
		delete(b.turns, oldestID)
	}
}
