package safeguards

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/abbudjoe/tribalmemory/internal/knowledge"
	"github.com/abbudjoe/tribalmemory/internal/util"
)

func testTrigger(t *testing.T) *Trigger {
	t.Helper()
	base, err := knowledge.Default()
	require.NoError(t, err)
	return NewTrigger(2, base)
}

func TestTriggerSkipsTrivialQueries(t *testing.T) {
	tr := testTrigger(t)

	cases := []struct {
		query  string
		run    bool
		reason string
	}{
		{"what is my timezone", true, ""},
		{"k", false, SkipTooShort},
		{"  ?!  ", false, SkipTooShort},
		{"👍", false, SkipEmojiOnly},
		{"👍🏽 🎉", false, SkipEmojiOnly},
		{"deploy 👍", true, ""}, // text next to emoji still runs
		{"thanks", false, SkipSkipPhrase},
	}
	for _, tc := range cases {
		d := tr.Evaluate(tc.query)
		assert.Equal(t, tc.run, d.Run, "query %q", tc.query)
		if !tc.run {
			assert.Equal(t, tc.reason, d.Reason, "query %q", tc.query)
		}
	}
}

func TestTriggerSkipPhrases(t *testing.T) {
	base, err := knowledge.Default()
	require.NoError(t, err)
	if len(base.SkipPhrases) == 0 {
		t.Skip("no skip phrases in default knowledge")
	}
	tr := NewTrigger(2, base)
	d := tr.Evaluate(base.SkipPhrases[0])
	assert.False(t, d.Run)
	assert.Equal(t, SkipSkipPhrase, d.Reason)
}

func TestBreakerTripsAfterMaxEmpty(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxEmpty: 3, Cooldown: time.Hour}, zaptest.NewLogger(t))

	var transitions []bool
	b.OnStateChange(func(_ string, open bool) { transitions = append(transitions, open) })

	for i := 0; i < 2; i++ {
		require.True(t, b.Allow("s1"))
		b.RecordResult("s1", true)
	}
	require.True(t, b.Allow("s1"), "still under the limit")
	b.RecordResult("s1", true)

	assert.False(t, b.Allow("s1"), "third consecutive empty should trip")
	assert.True(t, b.Open("s1"))
	assert.Equal(t, []bool{true}, transitions)

	// other sessions unaffected
	assert.True(t, b.Allow("s2"))
}

func TestBreakerNonEmptyResetsCounter(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxEmpty: 3, Cooldown: time.Hour}, zaptest.NewLogger(t))

	b.RecordResult("s", true)
	b.RecordResult("s", true)
	b.RecordResult("s", false) // resets
	b.RecordResult("s", true)
	b.RecordResult("s", true)
	assert.True(t, b.Allow("s"), "counter was reset by the non-empty result")
}

func TestBreakerCooldownReset(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxEmpty: 1, Cooldown: 10 * time.Millisecond}, zaptest.NewLogger(t))

	b.RecordResult("s", true)
	require.False(t, b.Allow("s"))

	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.Allow("s"), "breaker should auto-reset after cooldown")
	assert.False(t, b.Open("s"))
}

func TestBreakerPrune(t *testing.T) {
	b := NewBreaker(BreakerConfig{StaleAfter: time.Nanosecond}, zaptest.NewLogger(t))
	b.RecordResult("old", true)
	time.Sleep(time.Millisecond)
	assert.Equal(t, 1, b.Prune())
}

func TestTruncateSnippet(t *testing.T) {
	short := "a handful of words"
	got, cut := TruncateSnippet(short, 100)
	assert.Equal(t, short, got)
	assert.False(t, cut)

	long := strings.Repeat("word ", 400)
	got, cut = TruncateSnippet(long, 100)
	assert.True(t, cut)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.LessOrEqual(t, util.EstimateTokens(got), 100)
}

func TestBudgetPerRecallCap(t *testing.T) {
	b := NewBudget(BudgetConfig{PerRecall: 100, PerTurn: 1000, PerSession: 1000}, zaptest.NewLogger(t))

	// 40+40 fit; the third 40 would exceed 100 and ends the recall even
	// though a later cheaper result would fit.
	n, truncated := b.Admit("s", "t", []int{40, 40, 40, 5})
	assert.Equal(t, 2, n)
	assert.True(t, truncated)
}

func TestBudgetSessionCapAccumulates(t *testing.T) {
	b := NewBudget(BudgetConfig{PerRecall: 500, PerTurn: 750, PerSession: 120}, zaptest.NewLogger(t))

	n, _ := b.Admit("s", "t1", []int{60})
	require.Equal(t, 1, n)
	n, _ = b.Admit("s", "t2", []int{60})
	require.Equal(t, 1, n)

	n, truncated := b.Admit("s", "t3", []int{10})
	assert.Equal(t, 0, n, "session budget exhausted")
	assert.True(t, truncated)
	assert.InDelta(t, 1.0, b.SessionUtilization("s"), 0.001)
}

func TestBudgetTurnCleanupByCount(t *testing.T) {
	b := NewBudget(BudgetConfig{MaxTurns: 5}, zaptest.NewLogger(t))
	for i := 0; i < 20; i++ {
		b.Admit("s", fmt.Sprintf("turn-%d", i), []int{1})
	}
	b.mu.Lock()
	n := len(b.turns)
	b.mu.Unlock()
	assert.LessOrEqual(t, n, 6, "turn map must stay bounded")
}

func TestSessionDedupSuppressesRepeats(t *testing.T) {
	d := NewSessionDedup(DedupConfig{Cooldown: time.Hour})

	k1 := IdentityKey("src/auth.go", 10, 20, "", "")
	k2 := IdentityKey("", 0, 0, "mem-1", "some snippet text")

	kept := d.Filter("s", []string{k1, k2})
	assert.Equal(t, []int{0, 1}, kept)

	kept = d.Filter("s", []string{k1, k2})
	assert.Empty(t, kept, "both were just shown")

	// a different session sees everything
	kept = d.Filter("other", []string{k1, k2})
	assert.Equal(t, []int{0, 1}, kept)
}

func TestSessionDedupCooldownExpiry(t *testing.T) {
	d := NewSessionDedup(DedupConfig{Cooldown: 10 * time.Millisecond})
	key := IdentityKey("a.go", 1, 2, "", "")

	d.Filter("s", []string{key})
	time.Sleep(20 * time.Millisecond)
	kept := d.Filter("s", []string{key})
	assert.Equal(t, []int{0}, kept, "cooldown expired, result may repeat")
}

func TestSessionDedupLRUEviction(t *testing.T) {
	d := NewSessionDedup(DedupConfig{Cooldown: time.Hour, MaxSessions: 2})

	d.Filter("a", []string{"k"})
	d.Filter("b", []string{"k"})
	d.Filter("a", []string{"k2"}) // touch a -> MRU
	d.Filter("c", []string{"k"})  // evicts b

	assert.Equal(t, 2, d.Sessions())
	kept := d.Filter("b", []string{"k"})
	assert.Equal(t, []int{0}, kept, "evicted session forgets what it saw")
}

func TestAlertsFireOnTransitionOnly(t *testing.T) {
	a := NewAlerts(0.8, zaptest.NewLogger(t))

	var got []Alert
	a.AddListener(func(al Alert) { got = append(got, al) })

	a.ObserveBudgets("s", 0.5, 0.1)
	assert.Empty(t, got)

	a.ObserveBudgets("s", 0.85, 0.1)
	require.Len(t, got, 1)
	assert.Equal(t, AlertSessionBudgetHigh, got[0].Condition)

	// still active: no re-fire
	a.ObserveBudgets("s", 0.9, 0.1)
	assert.Len(t, got, 1)

	// clears, then re-fires
	a.ObserveBudgets("s", 0.5, 0.1)
	a.ObserveBudgets("s", 0.95, 0.1)
	assert.Len(t, got, 2)
}

func TestAlertListenerIsolation(t *testing.T) {
	a := NewAlerts(0.8, zaptest.NewLogger(t))

	var reached bool
	a.AddListener(func(Alert) { panic("bad listener") })
	a.AddListener(func(Alert) { reached = true })

	a.ObserveBreaker("s", true)
	assert.True(t, reached, "panic in one listener must not starve the next")
}

func TestAlertHistoryCap(t *testing.T) {
	a := NewAlerts(0.8, zaptest.NewLogger(t))
	for i := 0; i < 150; i++ {
		a.ObserveBreaker(fmt.Sprintf("s%d", i), true)
	}
	h := a.History()
	require.Len(t, h, 100)
	assert.Equal(t, "s50", h[0].SessionID, "oldest surviving entry")
	assert.Equal(t, "s149", h[99].SessionID)
}
