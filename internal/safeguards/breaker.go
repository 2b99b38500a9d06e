package safeguards

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/abbudjoe/tribalmemory/internal/metrics"
)

// BreakerConfig holds the circuit breaker knobs.
type BreakerConfig struct {
	// MaxEmpty is the consecutive-empty-recall count that trips the
	// breaker (default 5).
	MaxEmpty int
	// Cooldown is how long a tripped session stays blocked (default 5m).
	Cooldown time.Duration
	// StaleAfter bounds how long idle session state is kept (default 1h).
	StaleAfter time.Duration
}

type breakerState struct {
	consecutiveEmpty int
	open             bool
	trippedAt        time.Time
	lastSeen         time.Time
}

// Breaker blocks recall for sessions whose queries keep coming back
// empty, so a misbehaving agent loop cannot hammer the stores.
type Breaker struct {
	cfg           BreakerConfig
	logger        *zap.Logger
	onStateChange func(sessionID string, open bool)

	mu       sync.Mutex
	sessions map[string]*breakerState
}

// NewBreaker builds a breaker with defaults filled in.
func NewBreaker(cfg BreakerConfig, logger *zap.Logger) *Breaker {
	if cfg.MaxEmpty <= 0 {
		cfg.MaxEmpty = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Hour
	}
	return &Breaker{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*breakerState),
	}
}

// OnStateChange registers a callback fired on every open/close
// transition. Must be called before the breaker is shared.
func (b *Breaker) OnStateChange(fn func(sessionID string, open bool)) {
	b.onStateChange = fn
}

// Allow reports whether the session may run a recall now. An open
// breaker past its cooldown closes and allows the query.
func (b *Breaker) Allow(sessionID string) bool {
	now := time.Now()
	b.mu.Lock()
	st := b.state(sessionID, now)
	if st.open {
		if now.Sub(st.trippedAt) >= b.cfg.Cooldown {
			st.open = false
			st.consecutiveEmpty = 0
			b.mu.Unlock()
			b.notify(sessionID, false)
			b.logger.Info("circuit breaker reset after cooldown", zap.String("session_id", sessionID))
			return true
		}
		b.mu.Unlock()
		metrics.BreakerSuppressed.Inc()
		return false
	}
	b.mu.Unlock()
	return true
}

// RecordResult feeds a recall outcome back into the session's counter.
// Any non-empty result resets it; the MaxEmpty-th consecutive empty
// trips the breaker.
func (b *Breaker) RecordResult(sessionID string, empty bool) {
	now := time.Now()
	b.mu.Lock()
	st := b.state(sessionID, now)
	if !empty {
		st.consecutiveEmpty = 0
		b.mu.Unlock()
		return
	}
	st.consecutiveEmpty++
	if st.open || st.consecutiveEmpty < b.cfg.MaxEmpty {
		b.mu.Unlock()
		return
	}
	st.open = true
	st.trippedAt = now
	n := st.consecutiveEmpty
	b.mu.Unlock()

	metrics.BreakerTrips.Inc()
	b.notify(sessionID, true)
	b.logger.Warn("circuit breaker tripped",
		zap.String("session_id", sessionID),
		zap.Int("consecutive_empty", n),
		zap.Duration("cooldown", b.cfg.Cooldown))
}

// Open reports whether the session's breaker is currently open.
func (b *Breaker) Open(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.sessions[sessionID]
	return ok && st.open
}

// Prune drops session state idle past StaleAfter. Called opportunistically
// by the owner.
func (b *Breaker) Prune() int {
	cutoff := time.Now().Add(-b.cfg.StaleAfter)
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for id, st := range b.sessions {
		if st.lastSeen.Before(cutoff) {
			delete(b.sessions, id)
			removed++
		}
	}
	return removed
}

// state returns the session entry, creating it if needed. Caller holds mu.
func (b *Breaker) state(sessionID string, now time.Time) *breakerState {
	st, ok := b.sessions[sessionID]
	if !ok {
		st = &breakerState{}
		b.sessions[sessionID] = st
	}
	st.lastSeen = now
	return st
}

func (b *Breaker) notify(sessionID string, open bool) {
	if b.onStateChange != nil {
		b.onStateChange(sessionID, open)
	}
}
