package safeguards

import (
	"container/list"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/abbudjoe/tribalmemory/internal/metrics"
)

// IdentityKey is the dedup identity for one returned result: the file
// coordinates when the result carries a path, otherwise the memory id
// plus a hash of the snippet text.
func IdentityKey(path string, startLine, endLine int, memoryID, snippet string) string {
	if path != "" {
		return fmt.Sprintf("%s:%d:%d", path, startLine, endLine)
	}
	sum := blake2b.Sum256([]byte(snippet))
	return memoryID + ":" + hex.EncodeToString(sum[:8])
}

// DedupConfig holds the session dedup knobs.
type DedupConfig struct {
	// Cooldown is how long a returned result stays suppressed (default 5m).
	Cooldown time.Duration
	// MaxSessions bounds tracked sessions, evicted LRU (default 1000).
	MaxSessions int
}

type sessionSeen struct {
	id   string
	seen map[string]time.Time // identity key -> last returned
}

// SessionDedup suppresses results already returned to the same session
// within the cooldown window.
type SessionDedup struct {
	cfg DedupConfig

	mu    sync.Mutex
	order *list.List               // front = most recently used
	index map[string]*list.Element // session id -> element holding *sessionSeen
}

// NewSessionDedup builds a dedup filter with defaults filled in.
func NewSessionDedup(cfg DedupConfig) *SessionDedup {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1000
	}
	return &SessionDedup{
		cfg:   cfg,
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// Filter returns the indexes of keys not yet shown to the session within
// the cooldown, and marks them as shown. Touching a session moves it to
// most-recently-used.
func (d *SessionDedup) Filter(sessionID string, keys []string) []int {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	ss := d.touch(sessionID)

	kept := make([]int, 0, len(keys))
	suppressed := 0
	for i, key := range keys {
		if last, ok := ss.seen[key]; ok && now.Sub(last) < d.cfg.Cooldown {
			suppressed++
			continue
		}
		ss.seen[key] = now
		kept = append(kept, i)
	}
	// drop expired marks so long sessions do not grow unbounded
	for key, last := range ss.seen {
		if now.Sub(last) >= d.cfg.Cooldown {
			delete(ss.seen, key)
		}
	}
	if suppressed > 0 {
		metrics.SessionDedupSuppressed.Add(float64(suppressed))
	}
	return kept
}

// Sessions returns the number of tracked sessions.
func (d *SessionDedup) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}

// touch returns the session's state, creating it and evicting the LRU
// session when over capacity. Caller holds mu.
func (d *SessionDedup) touch(sessionID string) *sessionSeen {
	if el, ok := d.index[sessionID]; ok {
		d.order.MoveToFront(el)
		return el.Value.(*sessionSeen)
	}
	ss := &sessionSeen{id: sessionID, seen: make(map[string]time.Time)}
	d.index[sessionID] = d.order.PushFront(ss)
	for d.order.Len() > d.cfg.MaxSessions {
		back := d.order.Back()
		d.order.Remove(back)
		delete(d.index, back.Value.(*sessionSeen).id)
	}
	return ss
}
