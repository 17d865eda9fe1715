// Package risk derives bounded execution permits. Sizing is a pure function
// of equity, entry, and stop; a permit is immutable once issued and can be
// consumed at most once.
package risk

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/sovereign/internal/config"
	"github.com/ajitpratap0/sovereign/internal/money"
	"github.com/ajitpratap0/sovereign/internal/outcome"
)

// minStopDistanceRatio rejects stops placed so close to entry that sizing
// degenerates (|entry - stop| / entry below this is a refusal).
var minStopDistanceRatio = decimal.RequireFromString("0.0001")

// Permit defaults. Callers may narrow these through config but never widen
// them past the defaults.
var (
	defaultMaxSlippagePct = decimal.RequireFromString("0.005")
	defaultTimeoutSeconds = 30
)

// ExecutionPermit is the bounded authorization for a single order. Immutable
// after issue; Consume succeeds exactly once.
type ExecutionPermit struct {
	CorrelationID  uuid.UUID
	ApprovedQty    decimal.Decimal
	EntryPrice     decimal.Decimal
	StopPrice      decimal.Decimal
	MaxSlippagePct decimal.Decimal
	TimeoutSeconds int
	PlannedRiskZAR decimal.Decimal
	CreatedAt      time.Time

	consumed atomic.Bool
}

// Consume marks the permit used. Returns false if it was already consumed.
func (p *ExecutionPermit) Consume() bool {
	return p.consumed.CompareAndSwap(false, true)
}

// Timeout returns the permit's execution deadline as a duration.
func (p *ExecutionPermit) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Governor sizes trades from account equity and stop distance.
type Governor struct {
	cfg config.RiskConfig
	log zerolog.Logger
}

// NewGovernor creates a risk governor.
func NewGovernor(cfg config.RiskConfig, log zerolog.Logger) *Governor {
	return &Governor{cfg: cfg, log: log.With().Str("component", "risk_governor").Logger()}
}

// Issue computes a permit for the given account state. atr is optional; pass
// a nil pointer when no volatility reading is available. A refusal carries
// RISK-001 (degenerate size) or RISK-002 (risk bound violated).
func (g *Governor) Issue(correlationID uuid.UUID, equityZAR, entry, stop decimal.Decimal, atr *decimal.Decimal) (*ExecutionPermit, error) {
	if !entry.IsPositive() {
		return nil, outcome.Refuse(outcome.CodeRiskZeroQty, "entry price must be positive")
	}
	if !stop.IsPositive() {
		return nil, outcome.Refuse(outcome.CodeRiskZeroQty, "stop price must be positive")
	}
	if atr != nil && !atr.IsPositive() {
		return nil, outcome.Refuse(outcome.CodeRiskZeroQty, "atr must be positive when supplied")
	}

	stopDistance := entry.Sub(stop).Abs()
	// Sizing uses the wider of the stop distance and the ATR: a stop placed
	// inside the noise band must not inflate the position.
	if atr != nil && atr.GreaterThan(stopDistance) {
		stopDistance = *atr
	}
	if stopDistance.Div(entry).LessThan(minStopDistanceRatio) {
		return nil, outcome.Refuse(outcome.CodeRiskZeroQty, "stop too close to entry")
	}

	riskZAR := equityZAR.Mul(g.cfg.RiskPerTrade)
	if riskZAR.GreaterThan(g.cfg.MaxRiskZAR) {
		riskZAR = g.cfg.MaxRiskZAR
	}
	riskZAR = riskZAR.RoundBank(money.ScaleZAR)
	if !riskZAR.IsPositive() {
		return nil, outcome.Refuse(outcome.CodeRiskCapExceeded, "risk budget is zero")
	}

	qty := money.RoundDownToLot(riskZAR.Div(stopDistance), g.cfg.LotSize)
	if qty.IsZero() {
		return nil, outcome.Refuse(outcome.CodeRiskZeroQty, "position size rounds to zero").
			WithContext(map[string]interface{}{
				"risk_zar": money.Canonical(riskZAR, money.ScaleZAR),
			})
	}

	notional := qty.Mul(entry).RoundBank(money.ScaleZAR)
	if notional.LessThan(g.cfg.MinTradeZAR) {
		return nil, outcome.Refuse(outcome.CodeRiskCapExceeded, "notional below minimum trade size").
			WithContext(map[string]interface{}{
				"notional_zar":  money.Canonical(notional, money.ScaleZAR),
				"min_trade_zar": money.Canonical(g.cfg.MinTradeZAR, money.ScaleZAR),
			})
	}

	// Config may narrow the defaults, never widen them.
	maxSlip := defaultMaxSlippagePct
	if g.cfg.MaxSlippagePct.IsPositive() && g.cfg.MaxSlippagePct.LessThan(maxSlip) {
		maxSlip = g.cfg.MaxSlippagePct
	}
	timeout := defaultTimeoutSeconds
	if g.cfg.TimeoutSeconds > 0 && g.cfg.TimeoutSeconds < timeout {
		timeout = g.cfg.TimeoutSeconds
	}

	permit := &ExecutionPermit{
		CorrelationID:  correlationID,
		ApprovedQty:    qty,
		EntryPrice:     entry.RoundBank(money.ScalePrice),
		StopPrice:      stop.RoundBank(money.ScalePrice),
		MaxSlippagePct: maxSlip,
		TimeoutSeconds: timeout,
		PlannedRiskZAR: riskZAR,
		CreatedAt:      time.Now().UTC(),
	}

	g.log.Info().
		Str("correlation_id", correlationID.String()).
		Str("qty", permit.ApprovedQty.String()).
		Str("risk_zar", permit.PlannedRiskZAR.String()).
		Str("max_slippage_pct", permit.MaxSlippagePct.String()).
		Msg("Execution permit issued")

	return permit, nil
}
