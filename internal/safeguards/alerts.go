package safeguards

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/abbudjoe/tribalmemory/internal/metrics"
)

// Alert conditions.
const (
	AlertSessionBudgetHigh = "session_budget_high"
	AlertTurnBudgetHigh    = "turn_budget_high"
	AlertBreakerTripped    = "circuit_breaker_tripped"
)

const alertHistoryCap = 100

// Alert is one emitted transition event.
type Alert struct {
	Condition string
	SessionID string
	Value     float64
	At        time.Time
}

// AlertListener receives emitted alerts. Listeners run synchronously and
// are isolated: a panicking listener does not stop the others.
type AlertListener func(Alert)

// Alerts emits each condition once per inactive-to-active transition and
// re-arms when the condition clears. Budget conditions activate at the
// utilization threshold; the breaker condition follows its state machine.
type Alerts struct {
	threshold float64
	logger    *zap.Logger

	mu        sync.Mutex
	active    map[string]bool // condition + "\x00" + session
	listeners []AlertListener
	history   []Alert
	head      int
	full      bool
}

// NewAlerts builds an alert manager. threshold is the budget utilization
// that activates the budget conditions (default 0.8).
func NewAlerts(threshold float64, logger *zap.Logger) *Alerts {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}
	return &Alerts{
		threshold: threshold,
		logger:    logger,
		active:    make(map[string]bool),
		history:   make([]Alert, 0, alertHistoryCap),
	}
}

// AddListener registers a listener for future alerts.
func (a *Alerts) AddListener(fn AlertListener) {
	a.mu.Lock()
	a.listeners = append(a.listeners, fn)
	a.mu.Unlock()
}

// ObserveBudgets evaluates the budget conditions for a session/turn pair
// after a recall recorded its usage.
func (a *Alerts) ObserveBudgets(sessionID string, sessionUtil, turnUtil float64) {
	a.set(AlertSessionBudgetHigh, sessionID, sessionUtil >= a.threshold, sessionUtil)
	a.set(AlertTurnBudgetHigh, sessionID, turnUtil >= a.threshold, turnUtil)
}

// ObserveBreaker mirrors the circuit breaker state into the alert
// condition. Wire it to Breaker.OnStateChange.
func (a *Alerts) ObserveBreaker(sessionID string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	a.set(AlertBreakerTripped, sessionID, open, v)
}

// History returns emitted alerts, oldest first, capped at 100.
func (a *Alerts) History() []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.full {
		return append([]Alert(nil), a.history...)
	}
	out := make([]Alert, 0, alertHistoryCap)
	out = append(out, a.history[a.head:]...)
	out = append(out, a.history[:a.head]...)
	return out
}

// set transitions one (condition, session) pair and emits on
// inactive -> active.
func (a *Alerts) set(condition, sessionID string, nowActive bool, value float64) {
	key := condition + "\x00" + sessionID

	a.mu.Lock()
	wasActive := a.active[key]
	if nowActive == wasActive {
		a.mu.Unlock()
		return
	}
	if !nowActive {
		delete(a.active, key)
		a.mu.Unlock()
		return
	}
	a.active[key] = true

	alert := Alert{Condition: condition, SessionID: sessionID, Value: value, At: time.Now().UTC()}
	if len(a.history) < alertHistoryCap {
		a.history = append(a.history, alert)
	} else {
		a.history[a.head] = alert
		a.head = (a.head + 1) % alertHistoryCap
		a.full = true
	}
	listeners := append([]AlertListener(nil), a.listeners...)
	a.mu.Unlock()

	metrics.AlertsEmitted.WithLabelValues(condition).Inc()
	a.logger.Warn("alert emitted",
		zap.String("condition", condition),
		zap.String("session_id", sessionID),
		zap.Float64("value", value))

	for _, fn := range listeners {
		a.dispatch(fn, alert)
	}
}

func (a *Alerts) dispatch(fn AlertListener, alert Alert) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("alert listener panicked", zap.Any("panic", r))
		}
	}()
	fn(alert)
}
