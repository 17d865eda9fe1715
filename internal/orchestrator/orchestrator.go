// Package orchestrator wires the safety chain together and runs the main
// signal pulse. It owns no safety decision itself: every verdict comes from
// the policy evaluator, the risk governor, the HITL gateway, or the
// Guardian, and every refusal is audited under the signal's correlation id.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/sovereign/internal/audit"
	"github.com/ajitpratap0/sovereign/internal/breaker"
	"github.com/ajitpratap0/sovereign/internal/config"
	"github.com/ajitpratap0/sovereign/internal/db"
	"github.com/ajitpratap0/sovereign/internal/events"
	"github.com/ajitpratap0/sovereign/internal/exchange"
	"github.com/ajitpratap0/sovereign/internal/guardian"
	"github.com/ajitpratap0/sovereign/internal/hitl"
	"github.com/ajitpratap0/sovereign/internal/market"
	"github.com/ajitpratap0/sovereign/internal/metrics"
	"github.com/ajitpratap0/sovereign/internal/money"
	"github.com/ajitpratap0/sovereign/internal/orders"
	"github.com/ajitpratap0/sovereign/internal/outcome"
	"github.com/ajitpratap0/sovereign/internal/policy"
	"github.com/ajitpratap0/sovereign/internal/rgi"
	"github.com/ajitpratap0/sovereign/internal/risk"
)

// defaultStopDistanceRatio places the protective stop when the signal source
// supplies none: 1% from entry.
var defaultStopDistanceRatio = decimal.RequireFromString("0.01")

// Worker supervision backoff bounds.
const (
	supervisorBackoffBase = time.Second
	supervisorBackoffCap  = 30 * time.Second
)

// HealthFunc reports dependency liveness for the policy health gate.
type HealthFunc func(context.Context) string

// Deps are the fully constructed components the orchestrator coordinates.
type Deps struct {
	Bus      *events.Bus
	Audit    *audit.Logger
	Guardian *guardian.Guardian
	Breaker  *breaker.Breaker
	Governor *risk.Governor
	Policy   *policy.Evaluator
	RGI      *rgi.Synthesizer
	Trainer  *rgi.Trainer
	Gateway  *hitl.Gateway
	Orders   *orders.Manager
	Client   exchange.Client
	Trades   *db.TradeStore
	Signals  <-chan *db.Signal

	// Health feeds the policy health gate. Nil reads GREEN.
	Health HealthFunc
}

// Orchestrator runs the per-signal pulse and the supervised background
// workers (HITL expiry, Guardian vitals).
type Orchestrator struct {
	cfg  *config.Config
	deps Deps
	log  zerolog.Logger

	// Signal prices accrue into candles; the classifier turns them into the
	// regime tag that partitions trust state.
	recorder   *market.Recorder
	classifier *market.Classifier

	// Permits for approvals still awaiting a human. An approval decision
	// consumes the permit; rejection and expiry drop it.
	mu      sync.Mutex
	permits map[uuid.UUID]*pendingTrade

	cancel context.CancelFunc
	done   chan struct{}
}

type pendingTrade struct {
	signal *db.Signal
	permit *risk.ExecutionPermit
	regime *market.Regime
}

// New creates the orchestrator and registers its event subscriptions.
func New(cfg *config.Config, deps Deps, log zerolog.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		deps:       deps,
		log:        log.With().Str("component", "orchestrator").Logger(),
		recorder:   market.NewRecorder(time.Minute, 240),
		classifier: market.NewClassifier(),
		permits:    make(map[uuid.UUID]*pendingTrade),
		done:       make(chan struct{}),
	}

	// The lock cascade runs synchronously inside the Guardian's critical
	// section: all pending approvals are rejected before Emit returns.
	deps.Bus.Subscribe(o.onGuardianLocked, events.TypeGuardianLocked)
	deps.Bus.Subscribe(o.onApprovalDecided,
		events.TypeHITLDecided, events.TypeHITLExpired)

	return o
}

// Start recovers persisted HITL state and launches the workers. It returns
// once startup recovery is complete; workers run until Stop.
func (o *Orchestrator) Start(ctx context.Context) error {
	report, err := o.deps.Gateway.RecoverOnStartup(ctx)
	if err != nil {
		return fmt.Errorf("hitl startup recovery failed: %w", err)
	}
	o.log.Info().
		Int("recovered", len(report.Recovered)).
		Int("rejected_corrupt", len(report.RejectedCorrupt)).
		Int("rejected_expired", len(report.RejectedExpired)).
		Msg("HITL startup recovery complete")

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return o.supervise(gctx, "pulse", o.pulseWorker) })
	g.Go(func() error { return o.supervise(gctx, "hitl_expiry", o.expiryWorker) })
	g.Go(func() error { return o.supervise(gctx, "vitals", o.vitalsWorker) })

	go func() {
		_ = g.Wait()
		close(o.done)
	}()
	return nil
}

// Stop cancels the workers and waits for them to drain.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
		<-o.done
	}
	o.deps.Gateway.Close()
}

// supervise restarts a worker with exponential backoff when it returns an
// error. A single failing service idles and retries; it never takes the
// process down (Safe-Idle).
func (o *Orchestrator) supervise(ctx context.Context, name string, fn func(context.Context) error) error {
	backoff := supervisorBackoffBase
	for {
		started := time.Now()
		err := fn(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > time.Minute {
			backoff = supervisorBackoffBase
		}

		o.log.Error().Err(err).
			Str("worker", name).
			Dur("restart_in", backoff).
			Msg("Worker exited; restarting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > supervisorBackoffCap {
			backoff = supervisorBackoffCap
		}
	}
}

// pulseWorker drains the ingress queue, one signal at a time.
func (o *Orchestrator) pulseWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-o.deps.Signals:
			if !ok {
				return fmt.Errorf("signal queue closed")
			}
			o.runPulse(ctx, sig)
		}
	}
}

// runPulse walks one signal through the safety chain. Refusals end the pulse
// for that signal only; panics are caught at this boundary and audited.
func (o *Orchestrator) runPulse(ctx context.Context, sig *db.Signal) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().
				Str("correlation_id", sig.CorrelationID.String()).
				Interface("panic", r).
				Msg("Pulse panicked; signal refused")
			_ = o.deps.Audit.Critical(ctx, sig.CorrelationID, "orchestrator", "pulse.panic",
				fmt.Errorf("pulse panic: %v", r))
		}
	}()

	if err := o.processSignal(ctx, sig); err != nil {
		if ref, ok := outcome.AsRefusal(err); ok {
			o.log.Warn().
				Str("correlation_id", sig.CorrelationID.String()).
				Str("code", string(ref.Code)).
				Str("reason", ref.Reason).
				Msg("Signal refused")
			return
		}
		o.log.Error().Err(err).
			Str("correlation_id", sig.CorrelationID.String()).
			Msg("Pulse failed")
	}
}

func (o *Orchestrator) processSignal(ctx context.Context, sig *db.Signal) error {
	// Breaker state and Guardian flag feed the policy snapshot; the policy
	// evaluator is the single authority that judges it.
	lockout, err := o.deps.Breaker.CheckTradingAllowed(ctx, sig.CorrelationID)
	if err != nil {
		// Unknown breaker state is a denial, not a pass-through.
		return outcome.Refuse(outcome.CodeInvalidState, "circuit breaker state unavailable: %v", err)
	}

	health := policy.HealthGreen
	if o.deps.Health != nil {
		health = o.deps.Health(ctx)
	}
	in := policy.Inputs{
		KillSwitchActive: o.deps.Guardian.IsLocked(),
		BudgetSignal:     policy.BudgetAllow,
		HealthStatus:     health,
		RiskAssessment:   "NORMAL",
	}
	if !lockout.Allowed {
		in.RiskAssessment = policy.RiskCritical
	}

	decision := o.deps.Policy.Evaluate(ctx, in, sig.CorrelationID)
	if decision.Verdict != policy.VerdictAllow {
		ref := outcome.Refuse(outcome.CodeInvalidState,
			"policy verdict %s at gate %s: %s", decision.Verdict, decision.Gate, decision.Reason)
		_ = o.deps.Audit.Refusal(ctx, sig.CorrelationID, "orchestrator", "pulse.policy", ref)
		return ref
	}

	equity, err := o.deps.Client.Equity(ctx)
	if err != nil {
		return fmt.Errorf("failed to read account equity: %w", err)
	}

	// Every signal price feeds the candle recorder; until enough history
	// accrues, the regime stays nil and trades train under the default tag.
	o.recorder.Observe(sig.Price)
	regime, _ := o.classifier.Classify(o.recorder.Candles())

	var atr *decimal.Decimal
	if regime != nil {
		atr = &regime.ATR
	}
	stop := stopPrice(sig.Side, sig.Price)
	permit, err := o.deps.Governor.Issue(sig.CorrelationID, equity, sig.Price, stop, atr)
	if err != nil {
		if ref, ok := outcome.AsRefusal(err); ok {
			_ = o.deps.Audit.Refusal(ctx, sig.CorrelationID, "orchestrator", "pulse.risk", ref)
		}
		return err
	}

	// Trust is advisory on this path: it is recorded for the operator, while
	// the HITL gateway remains the execution gate.
	rec := o.deps.RGI.Recommend(ctx, fingerprint(sig), regimeTag(regime), decimal.NewFromInt(1), decimal.NewFromInt(1))
	o.log.Info().
		Str("correlation_id", sig.CorrelationID.String()).
		Str("rgi_action", rec.Action).
		Str("trust_probability", rec.TrustProbability.String()).
		Msg("Trust synthesis consulted")

	req, err := o.deps.Gateway.Create(ctx, sig, permit.ApprovedQty, sig.Price, o.cfg.HITL.HITLTimeout())
	if err != nil {
		return err
	}

	if req.Status == db.StatusApproved {
		// Disabled-mode auto-approval executes immediately.
		return o.execute(ctx, sig, permit, regime)
	}

	o.mu.Lock()
	o.permits[sig.CorrelationID] = &pendingTrade{signal: sig, permit: permit, regime: regime}
	o.mu.Unlock()
	return nil
}

// onApprovalDecided executes approved trades and drops permits for rejected
// or expired ones. Execution runs off the bus goroutine.
func (o *Orchestrator) onApprovalDecided(ev events.Event) {
	o.mu.Lock()
	pending, ok := o.permits[ev.CorrelationID]
	if ok {
		delete(o.permits, ev.CorrelationID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	status, _ := ev.Payload["status"].(string)
	if status != db.StatusApproved {
		o.log.Info().
			Str("correlation_id", ev.CorrelationID.String()).
			Str("status", status).
			Msg("Permit dropped with approval outcome")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), pending.permit.Timeout()+time.Minute)
		defer cancel()
		if err := o.execute(ctx, pending.signal, pending.permit, pending.regime); err != nil {
			o.log.Error().Err(err).
				Str("correlation_id", ev.CorrelationID.String()).
				Msg("Approved trade failed to execute")
		}
	}()
}

func (o *Orchestrator) execute(ctx context.Context, sig *db.Signal, permit *risk.ExecutionPermit, regime *market.Regime) error {
	rec, err := o.deps.Orders.Execute(ctx, sig.Symbol, sig.Side, permit)
	if err != nil {
		return err
	}

	o.log.Info().
		Str("correlation_id", sig.CorrelationID.String()).
		Str("outcome", rec.Outcome).
		Str("filled_qty", rec.FilledQty.String()).
		Msg("Order reconciled")

	// Mock mode settles immediately against the request price so the
	// learning loop runs end to end without a live settlement feed.
	if o.cfg.Exchange.MockMode && rec.FilledQty.IsPositive() {
		pnl := markToRequest(sig.Side, sig.Price, rec.AvgPrice, rec.FilledQty)
		event := &db.LearningEvent{
			CorrelationID:       sig.CorrelationID,
			Symbol:              sig.Symbol,
			Side:                sig.Side,
			Timeframe:           "1m",
			SpreadPct:           rec.SlippagePct,
			AdvisoryConfidence:  decimal.NewFromInt(1),
			PnLZAR:              pnl,
			Outcome:             outcomeFor(pnl),
			StrategyFingerprint: fingerprint(sig),
			RegimeTag:           regimeTag(regime),
			CreatedAt:           time.Now().UTC(),
		}
		if regime != nil {
			event.ATRPct = regime.ATRPct
			event.VolatilityRegime = regime.Volatility
			event.TrendState = regime.Trend
		}
		return o.RecordTradeClose(ctx, &db.ClosedTrade{
			CorrelationID: sig.CorrelationID,
			Symbol:        sig.Symbol,
			Side:          sig.Side,
			PnLZAR:        pnl,
			Outcome:       outcomeFor(pnl),
			ClosedAt:      time.Now().UTC(),
		}, event)
	}
	return nil
}

// RecordTradeClose is the settlement entry point: it persists the closed
// trade and its learning event, then retrains trust for the strategy. Live
// deployments call it from the settlement feed; mock mode calls it inline.
func (o *Orchestrator) RecordTradeClose(ctx context.Context, trade *db.ClosedTrade, event *db.LearningEvent) error {
	if err := o.deps.Trades.InsertClosedTrade(ctx, trade); err != nil {
		return err
	}
	if event != nil {
		if err := o.deps.Trades.InsertLearningEvent(ctx, event); err != nil {
			return err
		}
		if _, err := o.deps.Trainer.Train(ctx, event.StrategyFingerprint, event.RegimeTag); err != nil {
			// Learning faults never block trading.
			o.log.Error().Err(err).Msg("Trust retraining failed")
		}
	}

	_ = o.deps.Audit.Append(ctx, &audit.Record{
		CorrelationID: trade.CorrelationID,
		Actor:         "orchestrator",
		Action:        "trade.close",
		Result:        trade.Outcome,
		Context: map[string]interface{}{
			"symbol":  trade.Symbol,
			"side":    trade.Side,
			"pnl_zar": money.Canonical(trade.PnLZAR, money.ScaleZAR),
		},
	})
	return nil
}

// onGuardianLocked rejects every pending approval and drops their permits.
// Runs synchronously inside the Guardian's lock transition.
func (o *Orchestrator) onGuardianLocked(ev events.Event) {
	o.mu.Lock()
	dropped := len(o.permits)
	o.permits = make(map[uuid.UUID]*pendingTrade)
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := o.deps.Gateway.RejectAllPending(ctx, metrics.ReasonGuardianLock)
	if err != nil {
		o.log.Error().Err(err).Msg("Guardian lock cascade failed to reject pending approvals")
	}
	o.log.Warn().
		Int("rejected", n).
		Int("permits_dropped", dropped).
		Str("reason", fmt.Sprint(ev.Payload["reason"])).
		Msg("Guardian lock cascade complete")
}

// PendingPermits reports the number of approvals awaiting a decision.
func (o *Orchestrator) PendingPermits() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.permits)
}

func stopPrice(side string, entry decimal.Decimal) decimal.Decimal {
	pad := entry.Mul(defaultStopDistanceRatio)
	if side == exchange.SideSell {
		return entry.Add(pad).RoundBank(money.ScalePrice)
	}
	return entry.Sub(pad).RoundBank(money.ScalePrice)
}

// markToRequest values the fill against the request price: positive when the
// fill beat the request, negative when it slipped against it.
func markToRequest(side string, request, avg, qty decimal.Decimal) decimal.Decimal {
	diff := request.Sub(avg)
	if side == exchange.SideSell {
		diff = avg.Sub(request)
	}
	return diff.Mul(qty).RoundBank(money.ScaleZAR)
}

func outcomeFor(pnl decimal.Decimal) string {
	switch {
	case pnl.IsPositive():
		return db.OutcomeWin
	case pnl.IsNegative():
		return db.OutcomeLoss
	default:
		return db.OutcomeBreakeven
	}
}

func fingerprint(sig *db.Signal) string {
	return sig.Source + ":" + sig.Symbol + ":" + sig.Side
}

// regimeTag falls back to the default partition when the classifier has too
// little history to produce a regime.
func regimeTag(r *market.Regime) string {
	if r == nil {
		return market.DefaultRegimeTag
	}
	return r.Tag
}
