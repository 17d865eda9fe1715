// Package orders executes approved trades under the bounds of an execution
// permit and reconciles the final order state. A permit authorizes exactly
// one execution; the manager never widens its slippage or timeout.
package orders

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/sovereign/internal/audit"
	"github.com/ajitpratap0/sovereign/internal/events"
	"github.com/ajitpratap0/sovereign/internal/exchange"
	"github.com/ajitpratap0/sovereign/internal/metrics"
	"github.com/ajitpratap0/sovereign/internal/money"
	"github.com/ajitpratap0/sovereign/internal/outcome"
	"github.com/ajitpratap0/sovereign/internal/risk"
)

// Reconciliation outcomes.
const (
	OutcomeFilled          = "FILLED"
	OutcomePartiallyFilled = "PARTIALLY_FILLED"
	OutcomeCancelled       = "CANCELLED"
	OutcomeMockFilled      = "MOCK_FILLED"
	OutcomeFailed          = "FAILED"
)

// defaultPollInterval is the order status poll cadence.
const defaultPollInterval = 3 * time.Second

// Reconciliation is the final record of one execution attempt.
type Reconciliation struct {
	OrderID         string
	Outcome         string
	FilledQty       decimal.Decimal
	AvgPrice        decimal.Decimal
	SlippagePct     decimal.Decimal
	ExecutionTimeMS int64
}

// Manager submits and reconciles orders.
type Manager struct {
	client       exchange.Client
	bus          events.Emitter
	audit        *audit.Logger
	log          zerolog.Logger
	mockMode     bool
	pollInterval time.Duration
}

// NewManager creates an order manager.
func NewManager(client exchange.Client, bus events.Emitter, auditLog *audit.Logger, mockMode bool, log zerolog.Logger) *Manager {
	return &Manager{
		client:       client,
		bus:          bus,
		audit:        auditLog,
		log:          log.With().Str("component", "orders").Logger(),
		mockMode:     mockMode,
		pollInterval: defaultPollInterval,
	}
}

// SetPollInterval overrides the status poll cadence. Mock venues fill on the
// first poll; live deployments keep the default.
func (m *Manager) SetPollInterval(d time.Duration) {
	if d > 0 {
		m.pollInterval = d
	}
}

// Execute submits a limit order under the permit's bounds and polls until a
// terminal state or the permit timeout, cancelling the remainder on timeout.
func (m *Manager) Execute(ctx context.Context, symbol, side string, permit *risk.ExecutionPermit) (*Reconciliation, error) {
	if !permit.Consume() {
		return nil, outcome.Refuse(outcome.CodeInvalidState, "execution permit already consumed")
	}

	start := time.Now()
	limit := limitPrice(permit.EntryPrice, permit.MaxSlippagePct, side)

	order, err := m.client.PlaceLimitOrder(ctx, exchange.PlaceLimitOrderRequest{
		Symbol:     symbol,
		Side:       side,
		Qty:        permit.ApprovedQty,
		LimitPrice: limit,
	})
	if err != nil {
		m.log.Error().Err(err).
			Str("correlation_id", permit.CorrelationID.String()).
			Msg("Order submission failed")
		rec := &Reconciliation{Outcome: OutcomeFailed, ExecutionTimeMS: time.Since(start).Milliseconds()}
		m.record(ctx, permit, rec, err)
		return rec, err
	}

	m.log.Info().
		Str("correlation_id", permit.CorrelationID.String()).
		Str("order_id", order.ID).
		Str("limit_price", limit.String()).
		Str("qty", permit.ApprovedQty.String()).
		Msg("Limit order submitted")

	final, err := m.poll(ctx, order.ID, permit.Timeout())
	if err != nil {
		rec := &Reconciliation{OrderID: order.ID, Outcome: OutcomeFailed, ExecutionTimeMS: time.Since(start).Milliseconds()}
		m.record(ctx, permit, rec, err)
		return rec, err
	}

	rec := m.reconcile(permit, final, time.Since(start))
	m.record(ctx, permit, rec, nil)
	return rec, nil
}

// poll checks order status every poll interval until terminal or deadline.
// On deadline it cancels and re-polls once for the final state.
func (m *Manager) poll(ctx context.Context, orderID string, timeout time.Duration) (*exchange.Order, error) {
	deadline := time.After(timeout)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			if _, err := m.client.CancelOrder(ctx, orderID); err != nil {
				m.log.Error().Err(err).Str("order_id", orderID).Msg("Cancel on timeout failed")
			}
			return m.client.GetOrder(ctx, orderID)
		case <-ticker.C:
			order, err := m.client.GetOrder(ctx, orderID)
			if err != nil {
				return nil, err
			}
			switch order.Status {
			case exchange.StatusFilled, exchange.StatusCancelled, exchange.StatusRejected:
				return order, nil
			}
		}
	}
}

func (m *Manager) reconcile(permit *risk.ExecutionPermit, order *exchange.Order, elapsed time.Duration) *Reconciliation {
	rec := &Reconciliation{
		OrderID:         order.ID,
		FilledQty:       order.FilledQty,
		AvgPrice:        order.AvgFillPrice,
		ExecutionTimeMS: elapsed.Milliseconds(),
	}

	switch {
	case order.Status == exchange.StatusFilled && m.mockMode:
		rec.Outcome = OutcomeMockFilled
	case order.Status == exchange.StatusFilled:
		rec.Outcome = OutcomeFilled
	case order.FilledQty.IsPositive():
		rec.Outcome = OutcomePartiallyFilled
	case order.Status == exchange.StatusCancelled:
		rec.Outcome = OutcomeCancelled
	default:
		rec.Outcome = OutcomeFailed
	}

	if order.FilledQty.IsPositive() && permit.EntryPrice.IsPositive() {
		rec.SlippagePct = order.AvgFillPrice.Sub(permit.EntryPrice).Abs().
			Div(permit.EntryPrice).
			Mul(decimal.NewFromInt(100)).
			RoundBank(money.ScalePct)
		f, _ := rec.SlippagePct.Float64()
		metrics.SlippagePct.Observe(f)
	}
	if rec.Outcome == OutcomeFilled || rec.Outcome == OutcomeMockFilled {
		metrics.SignalsExecuted.Inc()
	}
	return rec
}

func (m *Manager) record(ctx context.Context, permit *risk.ExecutionPermit, rec *Reconciliation, execErr error) {
	auditCtx := map[string]interface{}{
		"order_id":          rec.OrderID,
		"outcome":           rec.Outcome,
		"filled_qty":        money.Canonical(rec.FilledQty, money.ScalePrice),
		"avg_price":         money.Canonical(rec.AvgPrice, money.ScalePrice),
		"slippage_pct":      money.Canonical(rec.SlippagePct, money.ScalePct),
		"execution_time_ms": rec.ExecutionTimeMS,
	}
	if execErr != nil {
		auditCtx["error"] = execErr.Error()
	}

	severity := audit.SeverityInfo
	if rec.Outcome == OutcomeFailed {
		severity = audit.SeverityError
	}
	_ = m.audit.Append(ctx, &audit.Record{
		CorrelationID: permit.CorrelationID,
		Actor:         "orders",
		Action:        "order.reconcile",
		Result:        rec.Outcome,
		Severity:      severity,
		Context:       auditCtx,
	})

	m.bus.Emit(events.TypeOrderReconciled, permit.CorrelationID, map[string]interface{}{
		"order_id":     rec.OrderID,
		"outcome":      rec.Outcome,
		"filled_qty":   money.Canonical(rec.FilledQty, money.ScalePrice),
		"avg_price":    money.Canonical(rec.AvgPrice, money.ScalePrice),
		"slippage_pct": money.Canonical(rec.SlippagePct, money.ScalePct),
	})
}

// limitPrice pads the entry price by max slippage in the marketable
// direction: up for buys, down for sells.
func limitPrice(entry, maxSlippage decimal.Decimal, side string) decimal.Decimal {
	pad := entry.Mul(maxSlippage)
	if side == exchange.SideSell {
		return entry.Sub(pad).RoundBank(money.ScalePrice)
	}
	return entry.Add(pad).RoundBank(money.ScalePrice)
}
