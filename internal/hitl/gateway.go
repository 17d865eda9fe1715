// Package hitl is the human-in-the-loop approval gateway. It exclusively
// owns ApprovalRequest mutation: every transition is a conditional write
// keyed on the prior status, hash-verified on read, audited with before and
// after hashes, and mirrored onto the event bus.
package hitl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/sovereign/internal/audit"
	"github.com/ajitpratap0/sovereign/internal/config"
	"github.com/ajitpratap0/sovereign/internal/db"
	"github.com/ajitpratap0/sovereign/internal/events"
	"github.com/ajitpratap0/sovereign/internal/market"
	"github.com/ajitpratap0/sovereign/internal/metrics"
	"github.com/ajitpratap0/sovereign/internal/money"
	"github.com/ajitpratap0/sovereign/internal/outcome"
)

// Operator decisions.
const (
	DecisionApprove = "APPROVE"
	DecisionReject  = "REJECT"
)

// System rejection reasons stored on the record.
const (
	ReasonHITLDisabled = "HITL_DISABLED"
)

// GuardianState is the read-only view of the hard stop the gateway consults.
type GuardianState interface {
	IsLocked() bool
}

// RecoveryReport summarizes recover-on-startup results.
type RecoveryReport struct {
	Recovered       []uuid.UUID
	RejectedCorrupt []uuid.UUID
	RejectedExpired []uuid.UUID
}

// Gateway mediates every approval decision.
type Gateway struct {
	cfg      config.HITLConfig
	store    *db.ApprovalStore
	guardian GuardianState
	quotes   market.Provider
	bus      events.Emitter
	audit    *audit.Logger
	log      zerolog.Logger
	now      func() time.Time

	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer
}

// New creates a HITL gateway.
func New(cfg config.HITLConfig, store *db.ApprovalStore, guardian GuardianState, quotes market.Provider, bus events.Emitter, auditLog *audit.Logger, log zerolog.Logger) *Gateway {
	return &Gateway{
		cfg:      cfg,
		store:    store,
		guardian: guardian,
		quotes:   quotes,
		bus:      bus,
		audit:    auditLog,
		log:      log.With().Str("component", "hitl").Logger(),
		now:      time.Now,
		timers:   make(map[uuid.UUID]*time.Timer),
	}
}

// Create opens an approval request for a signal. The Guardian is consulted
// first, even in disabled mode. When HITL is disabled the record is created
// already APPROVED with decision channel SYSTEM.
func (g *Gateway) Create(ctx context.Context, sig *db.Signal, qty, requestPrice decimal.Decimal, ttl time.Duration) (*db.ApprovalRequest, error) {
	if g.guardian.IsLocked() {
		metrics.BlockedByGuardian.Inc()
		ref := outcome.Refuse(outcome.CodeGuardianLocked, "guardian lock active; approval refused")
		_ = g.audit.Refusal(ctx, sig.CorrelationID, "hitl", "hitl.create", ref)
		return nil, ref
	}

	if ttl <= 0 {
		ttl = g.cfg.HITLTimeout()
	}

	quote, err := g.quotes.Quote(ctx, sig.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot quote for %s: %w", sig.Symbol, err)
	}

	now := g.now().UTC()
	req := &db.ApprovalRequest{
		CorrelationID:  sig.CorrelationID,
		TradeID:        uuid.New(),
		Symbol:         sig.Symbol,
		Side:           sig.Side,
		Qty:            qty,
		RequestPrice:   requestPrice,
		Bid:            quote.Bid,
		Ask:            quote.Ask,
		SpreadPct:      quote.SpreadPct,
		QuoteLatencyMS: quote.LatencyMS,
		TTLSeconds:     int(ttl / time.Second),
		Status:         db.StatusAwaitingApproval,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}

	if !g.cfg.Enabled {
		req.Status = db.StatusApproved
		req.DecidedAt = &now
		req.DecisionChannel = db.ChannelSystem
		req.Reason = ReasonHITLDisabled
	}

	if req.RowHash, err = req.ComputeHash(); err != nil {
		return nil, err
	}
	if err := g.store.Insert(ctx, req); err != nil {
		return nil, err
	}

	metrics.HITLRequests.Inc()

	if !g.cfg.Enabled {
		metrics.HITLApprovals.Inc()
		_ = g.audit.Append(ctx, &audit.Record{
			CorrelationID: req.CorrelationID,
			Actor:         "system",
			Action:        "hitl.auto_approve",
			Result:        db.StatusApproved,
			AfterHash:     req.RowHash,
			Context:       map[string]interface{}{"trade_id": req.TradeID.String(), "reason": ReasonHITLDisabled},
		})
		g.bus.Emit(events.TypeHITLAutoApproved, req.CorrelationID, eventPayload(req))
		return req, nil
	}

	_ = g.audit.Append(ctx, &audit.Record{
		CorrelationID: req.CorrelationID,
		Actor:         "hitl",
		Action:        "hitl.create",
		Result:        db.StatusAwaitingApproval,
		AfterHash:     req.RowHash,
		Context: map[string]interface{}{
			"trade_id":   req.TradeID.String(),
			"symbol":     req.Symbol,
			"expires_at": req.ExpiresAt.Format(time.RFC3339),
		},
	})
	g.bus.Emit(events.TypeHITLCreated, req.CorrelationID, eventPayload(req))
	g.startTimer(req.TradeID, req.ExpiresAt)

	g.log.Info().
		Str("correlation_id", req.CorrelationID.String()).
		Str("trade_id", req.TradeID.String()).
		Str("symbol", req.Symbol).
		Time("expires_at", req.ExpiresAt).
		Msg("Approval request created")
	return req, nil
}

// Decide applies an operator decision. The sequence is fixed: operator
// whitelist, reload and hash check, expiry check, Guardian recheck, slippage
// guard on approval, then the conditional terminal write. reason is the
// operator's free-form rejection reason; it is stored and audited on REJECT
// and ignored on APPROVE.
func (g *Gateway) Decide(ctx context.Context, tradeID uuid.UUID, operatorID, decision string, currentPrice decimal.Decimal, channel, reason string) (*db.ApprovalRequest, error) {
	if !g.cfg.OperatorAllowed(operatorID) {
		ref := outcome.Refuse(outcome.CodeOperatorDenied, "operator %q not whitelisted", operatorID)
		_ = g.audit.Refusal(ctx, uuid.Nil, operatorID, "hitl.decide", ref)
		return nil, ref
	}
	if decision != DecisionApprove && decision != DecisionReject {
		return nil, outcome.Refuse(outcome.CodeInvalidState, "unknown decision %q", decision)
	}

	req, err := g.store.GetByTradeID(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	ok, err := req.VerifyHash()
	if err != nil {
		return nil, err
	}
	if !ok {
		ref := outcome.Refuse(outcome.CodeHashMismatch, "stored row hash does not match recomputed hash")
		_ = g.audit.Refusal(ctx, req.CorrelationID, operatorID, "hitl.decide", ref)
		return nil, ref
	}

	if req.IsTerminal() {
		// A row the expiry path already rejected answers as expired, not as a
		// generic state conflict.
		if req.Reason == metrics.ReasonTimeout {
			ref := outcome.Refuse(outcome.CodeHITLTimeout, "request expired at %s", req.ExpiresAt.Format(time.RFC3339))
			_ = g.audit.Refusal(ctx, req.CorrelationID, operatorID, "hitl.decide", ref)
			return nil, ref
		}
		ref := outcome.Refuse(outcome.CodeInvalidState, "request already %s", req.Status)
		_ = g.audit.Refusal(ctx, req.CorrelationID, operatorID, "hitl.decide", ref)
		return nil, ref
	}

	// An overdue row the timer has not swept yet is expired here rather than
	// decided stale.
	if g.now().UTC().After(req.ExpiresAt) {
		if err := g.expireOne(ctx, req); err != nil {
			return nil, err
		}
		ref := outcome.Refuse(outcome.CodeHITLTimeout, "request expired at %s", req.ExpiresAt.Format(time.RFC3339))
		_ = g.audit.Refusal(ctx, req.CorrelationID, operatorID, "hitl.decide", ref)
		return nil, ref
	}

	if g.guardian.IsLocked() {
		metrics.BlockedByGuardian.Inc()
		ref := outcome.Refuse(outcome.CodeGuardianLocked, "guardian lock active; decision refused")
		_ = g.audit.Refusal(ctx, req.CorrelationID, operatorID, "hitl.decide", ref)
		return nil, ref
	}

	if decision == DecisionApprove {
		deviation := currentPrice.Sub(req.RequestPrice).Abs().
			Div(req.RequestPrice).
			Mul(decimal.NewFromInt(100)).
			RoundBank(money.ScalePct)
		if deviation.GreaterThan(g.cfg.SlippageMaxPct) {
			// The price moved too far while the human deliberated. The
			// record is terminally rejected, not left pending.
			rejected, terr := g.transition(ctx, req, db.StatusRejected, operatorID, channel, metrics.ReasonSlippage, metrics.ReasonSlippage)
			if terr != nil {
				return nil, terr
			}
			metrics.HITLResponseLatency.Observe(rejected.DecidedAt.Sub(rejected.CreatedAt).Seconds())
			ref := outcome.Refuse(outcome.CodeSlippageExceeded,
				"price deviated %s%% against a %s%% limit", deviation.String(), g.cfg.SlippageMaxPct.String()).
				WithContext(map[string]interface{}{
					"request_price": money.Canonical(req.RequestPrice, money.ScalePrice),
					"current_price": money.Canonical(currentPrice, money.ScalePrice),
				})
			_ = g.audit.Refusal(ctx, req.CorrelationID, operatorID, "hitl.decide", ref)
			return rejected, ref
		}
	}

	status := db.StatusApproved
	stored := ""
	if decision == DecisionReject {
		status = db.StatusRejected
		stored = metrics.ReasonOperator
		if reason != "" {
			stored = reason
		}
	}

	updated, err := g.transition(ctx, req, status, operatorID, channel, stored, metrics.ReasonOperator)
	if err != nil {
		return nil, err
	}

	if status == db.StatusApproved {
		metrics.HITLApprovals.Inc()
	}
	metrics.HITLResponseLatency.Observe(updated.DecidedAt.Sub(updated.CreatedAt).Seconds())

	g.log.Info().
		Str("trade_id", tradeID.String()).
		Str("operator_id", operatorID).
		Str("status", status).
		Msg("Approval decision applied")
	return updated, nil
}

// transition applies a terminal status via conditional write, recomputing
// the row hash and auditing before/after hashes. A lost race returns SEC-030.
// reason is stored on the row verbatim; metricReason keeps the rejection
// counter label bounded when reason carries operator free text.
func (g *Gateway) transition(ctx context.Context, req *db.ApprovalRequest, status, operatorID, channel, reason, metricReason string) (*db.ApprovalRequest, error) {
	beforeHash := req.RowHash
	now := g.now().UTC()

	updated := *req
	updated.Status = status
	updated.DecidedAt = &now
	updated.DecisionChannel = channel
	updated.OperatorID = operatorID
	updated.Reason = reason

	var err error
	if updated.RowHash, err = updated.ComputeHash(); err != nil {
		return nil, err
	}

	ok, err := g.store.Transition(ctx, &updated, db.StatusAwaitingApproval)
	if err != nil {
		return nil, err
	}
	if !ok {
		ref := outcome.Refuse(outcome.CodeInvalidState, "request left %s before the decision landed", db.StatusAwaitingApproval)
		_ = g.audit.Refusal(ctx, req.CorrelationID, operatorID, "hitl.transition", ref)
		return nil, ref
	}

	g.stopTimer(updated.TradeID)
	if status == db.StatusRejected {
		metrics.RecordRejection(metricReason)
	}

	_ = g.audit.Append(ctx, &audit.Record{
		CorrelationID: updated.CorrelationID,
		Actor:         operatorID,
		Action:        "hitl.transition",
		Result:        status,
		BeforeHash:    beforeHash,
		AfterHash:     updated.RowHash,
		Context: map[string]interface{}{
			"trade_id":         updated.TradeID.String(),
			"decision_channel": channel,
			"reason":           reason,
		},
	})
	// System transitions announce themselves as hitl.expired or through the
	// cascade; hitl.decided is reserved for operator action.
	if channel != db.ChannelSystem {
		g.bus.Emit(events.TypeHITLDecided, updated.CorrelationID, eventPayload(&updated))
	}
	return &updated, nil
}

// Pending returns non-terminal requests ordered by expiry. Rows failing hash
// verification are omitted and reported, never returned.
func (g *Gateway) Pending(ctx context.Context) ([]*db.ApprovalRequest, error) {
	rows, err := g.store.ListAwaiting(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*db.ApprovalRequest, 0, len(rows))
	for _, r := range rows {
		ok, err := r.VerifyHash()
		if err != nil || !ok {
			g.log.Error().
				Str("trade_id", r.TradeID.String()).
				Msg("Pending request failed hash verification; omitted")
			_ = g.audit.Refusal(ctx, r.CorrelationID, "hitl", "hitl.pending",
				outcome.Refuse(outcome.CodeHashMismatch, "pending row failed hash verification"))
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// RecoverOnStartup revalidates every awaiting request after a restart.
// Corrupt rows are rejected with HASH_MISMATCH, stale rows with
// HITL_TIMEOUT, and healthy rows get their expiry timer restarted.
func (g *Gateway) RecoverOnStartup(ctx context.Context) (*RecoveryReport, error) {
	rows, err := g.store.ListAwaiting(ctx)
	if err != nil {
		return nil, err
	}

	report := &RecoveryReport{}
	now := g.now().UTC()

	for _, r := range rows {
		ok, err := r.VerifyHash()
		if err != nil || !ok {
			if _, terr := g.transition(ctx, r, db.StatusRejected, "system", db.ChannelSystem, metrics.ReasonHashMismatch, metrics.ReasonHashMismatch); terr != nil {
				g.log.Error().Err(terr).Str("trade_id", r.TradeID.String()).Msg("Failed to reject corrupt request")
				continue
			}
			report.RejectedCorrupt = append(report.RejectedCorrupt, r.TradeID)
			continue
		}

		if now.After(r.ExpiresAt) {
			if _, terr := g.transition(ctx, r, db.StatusRejected, "system", db.ChannelSystem, metrics.ReasonTimeout, metrics.ReasonTimeout); terr != nil {
				g.log.Error().Err(terr).Str("trade_id", r.TradeID.String()).Msg("Failed to expire stale request")
				continue
			}
			report.RejectedExpired = append(report.RejectedExpired, r.TradeID)
			continue
		}

		g.startTimer(r.TradeID, r.ExpiresAt)
		g.bus.Emit(events.TypeHITLRecovered, r.CorrelationID, eventPayload(r))
		report.Recovered = append(report.Recovered, r.TradeID)
	}

	g.log.Info().
		Int("recovered", len(report.Recovered)).
		Int("rejected_corrupt", len(report.RejectedCorrupt)).
		Int("rejected_expired", len(report.RejectedExpired)).
		Msg("HITL recovery complete")
	return report, nil
}

// ExpireDue sweeps awaiting requests whose expiry has passed and terminally
// rejects them with HITL_TIMEOUT. Used by the expiry worker as a backstop
// behind the per-request timers.
func (g *Gateway) ExpireDue(ctx context.Context) (int, error) {
	rows, err := g.store.ListAwaitingExpiredBefore(ctx, g.now().UTC())
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, r := range rows {
		if terr := g.expireOne(ctx, r); terr != nil {
			g.log.Error().Err(terr).Str("trade_id", r.TradeID.String()).Msg("Failed to expire request")
			continue
		}
		expired++
	}
	return expired, nil
}

func (g *Gateway) expireOne(ctx context.Context, r *db.ApprovalRequest) error {
	updated, err := g.transition(ctx, r, db.StatusRejected, "system", db.ChannelSystem, metrics.ReasonTimeout, metrics.ReasonTimeout)
	if err != nil {
		// A lost race means an operator decided first; that is not a failure.
		if outcome.CodeOf(err) == outcome.CodeInvalidState {
			return nil
		}
		return err
	}
	g.bus.Emit(events.TypeHITLExpired, updated.CorrelationID, eventPayload(updated))
	return nil
}

// RejectAllPending terminally rejects every awaiting request. Invoked from
// the Guardian lock cascade.
func (g *Gateway) RejectAllPending(ctx context.Context, reason string) (int, error) {
	rows, err := g.store.ListAwaiting(ctx)
	if err != nil {
		return 0, err
	}

	rejected := 0
	for _, r := range rows {
		if _, terr := g.transition(ctx, r, db.StatusRejected, "system", db.ChannelSystem, reason, reason); terr != nil {
			g.log.Error().Err(terr).Str("trade_id", r.TradeID.String()).Msg("Failed to reject pending request")
			continue
		}
		if reason == metrics.ReasonGuardianLock {
			metrics.BlockedByGuardian.Inc()
		}
		rejected++
	}
	return rejected, nil
}

// ExpiryInterval is the sweep cadence: a tenth of the TTL, floored at one
// second.
func (g *Gateway) ExpiryInterval() time.Duration {
	interval := g.cfg.HITLTimeout() / 10
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// Close stops all pending expiry timers.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, t := range g.timers {
		t.Stop()
		delete(g.timers, id)
	}
}

func (g *Gateway) startTimer(tradeID uuid.UUID, expiresAt time.Time) {
	delay := time.Until(expiresAt)
	if delay < 0 {
		delay = 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.timers[tradeID]; ok {
		old.Stop()
	}
	g.timers[tradeID] = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		r, err := g.store.GetByTradeID(ctx, tradeID)
		if err != nil {
			g.log.Error().Err(err).Str("trade_id", tradeID.String()).Msg("Expiry timer failed to load request")
			return
		}
		if r.IsTerminal() {
			return
		}
		if err := g.expireOne(ctx, r); err != nil {
			g.log.Error().Err(err).Str("trade_id", tradeID.String()).Msg("Expiry timer failed to expire request")
		}
	})
}

func (g *Gateway) stopTimer(tradeID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.timers[tradeID]; ok {
		t.Stop()
		delete(g.timers, tradeID)
	}
}

func eventPayload(r *db.ApprovalRequest) map[string]interface{} {
	return map[string]interface{}{
		"trade_id":         r.TradeID.String(),
		"symbol":           r.Symbol,
		"side":             r.Side,
		"status":           r.Status,
		"reason":           r.Reason,
		"operator_id":      r.OperatorID,
		"decision_channel": r.DecisionChannel,
		"expires_at":       r.ExpiresAt.UTC().Format(time.RFC3339),
	}
}
