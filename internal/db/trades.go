package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/sovereign/internal/money"
)

// Trade outcomes.
const (
	OutcomeWin       = "WIN"
	OutcomeLoss      = "LOSS"
	OutcomeBreakeven = "BREAKEVEN"
)

// ClosedTrade is a settled trade result. The circuit breaker reads only from
// these rows.
type ClosedTrade struct {
	CorrelationID uuid.UUID
	Symbol        string
	Side          string
	PnLZAR        decimal.Decimal
	Outcome       string
	ClosedAt      time.Time
}

// LearningEvent holds the structured features of a closed trade for the
// trust trainer. No raw source text is ever persisted here.
type LearningEvent struct {
	CorrelationID       uuid.UUID
	Symbol              string
	Side                string
	Timeframe           string
	ATRPct              decimal.Decimal
	VolatilityRegime    string
	TrendState          string
	SpreadPct           decimal.Decimal
	VolumeRatio         decimal.Decimal
	AdvisoryConfidence  decimal.Decimal
	ConsensusScore      decimal.Decimal
	PnLZAR              decimal.Decimal
	MaxDrawdown         decimal.Decimal
	Outcome             string
	StrategyFingerprint string
	RegimeTag           string
	CreatedAt           time.Time
}

// TradeStore persists closed trades and learning events.
type TradeStore struct {
	pool Pool
}

// NewTradeStore creates a trade store.
func NewTradeStore(pool Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// InsertClosedTrade records a settled trade result.
func (s *TradeStore) InsertClosedTrade(ctx context.Context, t *ClosedTrade) error {
	query := `
		INSERT INTO closed_trades (correlation_id, symbol, side, pnl_zar, outcome, closed_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)
	`
	_, err := s.pool.Exec(ctx, query,
		t.CorrelationID, t.Symbol, t.Side,
		money.Canonical(t.PnLZAR, money.ScaleZAR), t.Outcome, t.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert closed trade: %w", err)
	}
	return nil
}

// SumDailyPnL sums realized PnL for trades closed at or after dayStart.
func (s *TradeStore) SumDailyPnL(ctx context.Context, dayStart time.Time) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(pnl_zar), 0)::text
		FROM closed_trades
		WHERE closed_at >= $1
	`
	var sum string
	if err := s.pool.QueryRow(ctx, query, dayStart).Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum daily pnl: %w", err)
	}
	return money.ZAR(sum)
}

// RecentOutcomes returns the outcomes of the n most recently closed trades,
// newest first.
func (s *TradeStore) RecentOutcomes(ctx context.Context, n int) ([]string, error) {
	query := `
		SELECT outcome
		FROM closed_trades
		ORDER BY closed_at DESC
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent outcomes: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// OutcomeCounts tallies wins and total settled trades recorded for one
// strategy fingerprint in one regime. Breakeven trades count toward the
// total but not the wins.
func (s *TradeStore) OutcomeCounts(ctx context.Context, fingerprint, regime string) (wins, total int64, err error) {
	query := `
		SELECT COUNT(*) FILTER (WHERE outcome = 'WIN'), COUNT(*)
		FROM trade_learning_events
		WHERE strategy_fingerprint = $1 AND regime_tag = $2
	`
	if err := s.pool.QueryRow(ctx, query, fingerprint, regime).Scan(&wins, &total); err != nil {
		return 0, 0, fmt.Errorf("failed to count outcomes: %w", err)
	}
	return wins, total, nil
}

// RecentTrades returns the n most recently closed trades, newest first.
func (s *TradeStore) RecentTrades(ctx context.Context, n int) ([]ClosedTrade, error) {
	query := `
		SELECT correlation_id, symbol, side, pnl_zar::text, outcome, closed_at
		FROM closed_trades
		ORDER BY closed_at DESC
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent trades: %w", err)
	}
	defer rows.Close()

	var out []ClosedTrade
	for rows.Next() {
		var t ClosedTrade
		var pnl string
		if err := rows.Scan(&t.CorrelationID, &t.Symbol, &t.Side, &pnl, &t.Outcome, &t.ClosedAt); err != nil {
			return nil, fmt.Errorf("failed to scan closed trade: %w", err)
		}
		if t.PnLZAR, err = money.ZAR(pnl); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// InsertLearningEvent records the structured features of a closed trade.
func (s *TradeStore) InsertLearningEvent(ctx context.Context, e *LearningEvent) error {
	query := `
		INSERT INTO trade_learning_events (
			correlation_id, symbol, side, timeframe, atr_pct, volatility_regime,
			trend_state, spread_pct, volume_ratio, advisory_confidence,
			consensus_score, pnl_zar, max_drawdown, outcome,
			strategy_fingerprint, regime_tag, created_at
		) VALUES (
			$1, $2, $3, $4, $5::numeric, $6, $7, $8::numeric, $9::numeric,
			$10::numeric, $11::numeric, $12::numeric, $13::numeric, $14, $15, $16, $17
		)
	`
	_, err := s.pool.Exec(ctx, query,
		e.CorrelationID, e.Symbol, e.Side, e.Timeframe,
		money.Canonical(e.ATRPct, money.ScalePct), e.VolatilityRegime,
		e.TrendState, money.Canonical(e.SpreadPct, money.ScalePct),
		money.Canonical(e.VolumeRatio, money.ScalePct),
		money.Canonical(e.AdvisoryConfidence, money.ScaleTrust),
		money.Canonical(e.ConsensusScore, money.ScaleTrust),
		money.Canonical(e.PnLZAR, money.ScaleZAR),
		money.Canonical(e.MaxDrawdown, money.ScaleZAR),
		e.Outcome, e.StrategyFingerprint, e.RegimeTag, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert learning event: %w", err)
	}
	return nil
}
