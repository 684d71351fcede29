package risk

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/config"
)

// ErrHalted is returned by every Check once the breaker has latched open.
// Callers detect it with errors.Is and stop scanning.
var ErrHalted = errors.New("trading halted by circuit breaker")

// Breaker latches trading off when the portfolio breaches the daily-loss or
// drawdown limit. Once open it stays open across every subsequent Check
// until an operator calls ManualReset.
//
// The daily baseline re-anchors itself the first time a check lands on a new
// day past the reset hour. The drawdown peak is the running maximum balance
// since process start and never decreases.
type Breaker struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu         sync.Mutex
	open       bool
	reason     string
	trippedAt  time.Time
	dailyStart decimal.Decimal
	peak       decimal.Decimal
	anchorDay  time.Time

	resetHour int
	now       func() time.Time
}

// State is a point-in-time view of the breaker for dashboards and alerts.
type State struct {
	Open       bool            `json:"open"`
	Reason     string          `json:"reason,omitempty"`
	TrippedAt  time.Time       `json:"tripped_at"`
	DailyStart decimal.Decimal `json:"daily_start_balance"`
	Peak       decimal.Decimal `json:"peak_balance"`
}

// NewBreaker creates a closed breaker anchored at the given starting balance.
func NewBreaker(cfg config.RiskConfig, initialBalance decimal.Decimal, logger *slog.Logger) *Breaker {
	b := &Breaker{
		cfg:        cfg,
		logger:     logger.With("component", "breaker"),
		dailyStart: initialBalance,
		peak:       initialBalance,
		now:        time.Now,
	}
	b.anchorDay = anchorDay(b.now(), b.resetHour)
	return b
}

// Check evaluates both latch conditions against the current portfolio.
// It returns nil while trading may continue and ErrHalted (wrapped with the
// trip reason) once the breaker is open. dailyPnL is recorded for the trip
// log; the loss condition itself is computed from balances.
func (b *Breaker) Check(balance, dailyPnL decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.open {
		return fmt.Errorf("%w: %s", ErrHalted, b.reason)
	}

	now := b.now()
	if day := anchorDay(now, b.resetHour); day.After(b.anchorDay) {
		b.dailyStart = balance
		b.anchorDay = day
		b.logger.Info("daily loss baseline re-anchored", "balance", balance)
	}

	// Peak only ratchets upward.
	if balance.GreaterThan(b.peak) {
		b.peak = balance
	}

	if b.dailyStart.IsPositive() {
		loss := b.dailyStart.Sub(balance).Div(b.dailyStart)
		if loss.GreaterThanOrEqual(decimal.NewFromFloat(b.cfg.MaxDailyLossPct)) {
			b.trip(now, fmt.Sprintf("daily loss %s%% breached %.1f%% limit (start %s, now %s, pnl %s)",
				loss.Mul(decimal.NewFromInt(100)).StringFixed(1), b.cfg.MaxDailyLossPct*100,
				b.dailyStart.StringFixed(2), balance.StringFixed(2), dailyPnL.StringFixed(2)))
			return fmt.Errorf("%w: %s", ErrHalted, b.reason)
		}
	}

	if b.peak.IsPositive() {
		drawdown := b.peak.Sub(balance).Div(b.peak)
		if drawdown.GreaterThanOrEqual(decimal.NewFromFloat(b.cfg.MaxDrawdownPct)) {
			b.trip(now, fmt.Sprintf("drawdown %s%% breached %.1f%% limit (peak %s, now %s)",
				drawdown.Mul(decimal.NewFromInt(100)).StringFixed(1), b.cfg.MaxDrawdownPct*100,
				b.peak.StringFixed(2), balance.StringFixed(2)))
			return fmt.Errorf("%w: %s", ErrHalted, b.reason)
		}
	}

	return nil
}

// Open reports whether the breaker has latched.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// ManualReset closes the breaker. Baselines are left untouched, so a reset
// into a still-breaching portfolio trips again on the next check.
func (b *Breaker) ManualReset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return
	}
	b.open = false
	b.reason = ""
	b.logger.Warn("circuit breaker manually reset")
}

// Snapshot returns the current breaker state for the dashboard.
func (b *Breaker) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return State{
		Open:       b.open,
		Reason:     b.reason,
		TrippedAt:  b.trippedAt,
		DailyStart: b.dailyStart,
		Peak:       b.peak,
	}
}

func (b *Breaker) trip(now time.Time, reason string) {
	b.open = true
	b.reason = reason
	b.trippedAt = now
	b.logger.Error("CIRCUIT BREAKER OPEN", "reason", reason)
}

// anchorDay buckets a timestamp into the trading day it belongs to, where
// days roll over at resetHour UTC rather than midnight.
func anchorDay(t time.Time, resetHour int) time.Time {
	t = t.UTC().Add(-time.Duration(resetHour) * time.Hour)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
