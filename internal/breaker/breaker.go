// Package breaker implements the headless trading lockout. It reads only
// persisted closed-trade rows; it holds no mutable state of its own and
// accepts no override input. Separately, io.go wraps transient I/O in
// gobreaker circuits with retry.
package breaker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/sovereign/internal/db"
	"github.com/ajitpratap0/sovereign/internal/money"
)

// Lockout rules. These are compile-time immutable: changing a threshold means
// shipping a new binary, not flipping a config key.
const (
	dailyLossLockoutAfter = 24 * time.Hour
	lossStreakLockout     = 12 * time.Hour
	lossStreakLength      = 3
)

// dailyLossLockPct is the daily PnL ratio at or below which trading locks.
var dailyLossLockPct = decimal.RequireFromString("-0.03")

// Lockout rule names.
const (
	RuleDailyLoss  = "DAILY_LOSS"
	RuleLossStreak = "CONSECUTIVE_LOSSES"
)

// LockoutDecision is the recomputed breaker state for one check.
type LockoutDecision struct {
	Allowed           bool
	Rule              string
	LockUntil         time.Time
	DailyPnLPct       decimal.Decimal
	ConsecutiveLosses int
}

// EquityFunc returns the starting equity of the current UTC day in ZAR.
type EquityFunc func(ctx context.Context) (decimal.Decimal, error)

// Breaker recomputes the lockout state from trade history on every check.
type Breaker struct {
	trades      *db.TradeStore
	startEquity EquityFunc
	log         zerolog.Logger
	now         func() time.Time
}

// New creates a trade-history breaker.
func New(trades *db.TradeStore, startEquity EquityFunc, log zerolog.Logger) *Breaker {
	return &Breaker{
		trades:      trades,
		startEquity: startEquity,
		log:         log.With().Str("component", "circuit_breaker").Logger(),
		now:         time.Now,
	}
}

// CheckTradingAllowed evaluates the lockout rules in order against the
// current UTC day's closed trades. Errors are returned to the caller, which
// must treat them as a denial.
func (b *Breaker) CheckTradingAllowed(ctx context.Context, correlationID uuid.UUID) (*LockoutDecision, error) {
	now := b.now().UTC()
	dayStart := now.Truncate(24 * time.Hour)

	decision := &LockoutDecision{Allowed: true}

	recent, err := b.trades.RecentTrades(ctx, lossStreakLength)
	if err != nil {
		return nil, err
	}

	// Rule 1: daily PnL at or below -3% of starting equity locks for 24h.
	pnl, err := b.trades.SumDailyPnL(ctx, dayStart)
	if err != nil {
		return nil, err
	}
	equity, err := b.startEquity(ctx)
	if err != nil {
		return nil, err
	}
	if equity.IsPositive() {
		decision.DailyPnLPct = pnl.Div(equity).RoundBank(money.ScalePct)
		if decision.DailyPnLPct.LessThanOrEqual(dailyLossLockPct) {
			until := lockAnchor(recent, dayStart).Add(dailyLossLockoutAfter)
			if now.Before(until) {
				decision.Allowed = false
				decision.Rule = RuleDailyLoss
				decision.LockUntil = until
				b.logLockout(correlationID, decision)
				return decision, nil
			}
		}
	}

	// Rule 2: three most recent closed trades all LOSS locks for 12h,
	// regardless of which day they closed on.
	streak := 0
	for _, t := range recent {
		if t.Outcome != db.OutcomeLoss {
			break
		}
		streak++
	}
	decision.ConsecutiveLosses = streak
	if streak >= lossStreakLength {
		until := recent[0].ClosedAt.Add(lossStreakLockout)
		if now.Before(until) {
			decision.Allowed = false
			decision.Rule = RuleLossStreak
			decision.LockUntil = until
			b.logLockout(correlationID, decision)
			return decision, nil
		}
	}

	return decision, nil
}

// lockAnchor picks the timestamp the lockout window counts from: the most
// recent close, falling back to the day boundary when history is empty.
func lockAnchor(recent []db.ClosedTrade, dayStart time.Time) time.Time {
	if len(recent) > 0 {
		return recent[0].ClosedAt
	}
	return dayStart
}

func (b *Breaker) logLockout(correlationID uuid.UUID, d *LockoutDecision) {
	b.log.Warn().
		Str("correlation_id", correlationID.String()).
		Str("rule", d.Rule).
		Time("lock_until", d.LockUntil).
		Str("daily_pnl_pct", d.DailyPnLPct.String()).
		Int("consecutive_losses", d.ConsecutiveLosses).
		Msg("Circuit breaker lockout active")
}
