// Package policy is the final authority on whether a trade may proceed. The
// evaluator runs a fixed, ordered gate chain and latches on HALT: once any
// evaluation halts, every later one halts until an operator resets the latch
// with an audited reason. Advisory confidence is not an input here.
package policy

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ajitpratap0/sovereign/internal/audit"
)

// Verdicts.
const (
	VerdictAllow   = "ALLOW"
	VerdictNeutral = "NEUTRAL"
	VerdictHalt    = "HALT"
)

// Input values. A source that fails to report is represented by the empty
// string, which each gate treats as its most restrictive value.
const (
	BudgetAllow  = "ALLOW"
	HealthGreen  = "GREEN"
	RiskCritical = "CRITICAL"
)

// Gate names, in evaluation order.
const (
	GateLatch      = "latch"
	GateKillSwitch = "kill_switch"
	GateBudget     = "budget"
	GateHealth     = "health"
	GateRisk       = "risk"
)

// Inputs is the snapshot the evaluator judges. Callers populate it from the
// Guardian, the circuit breaker, and system health probes.
type Inputs struct {
	KillSwitchActive bool
	BudgetSignal     string
	HealthStatus     string
	RiskAssessment   string
}

// Decision is the evaluator's output.
type Decision struct {
	Verdict string
	Gate    string
	Reason  string
}

// Evaluator runs the ordered gate chain with a monotonic HALT latch.
type Evaluator struct {
	latched atomic.Bool
	audit   *audit.Logger
	log     zerolog.Logger
}

// New creates a policy evaluator with the latch clear.
func New(auditLog *audit.Logger, log zerolog.Logger) *Evaluator {
	return &Evaluator{
		audit: auditLog,
		log:   log.With().Str("component", "policy").Logger(),
	}
}

// Latched reports whether the HALT latch is set.
func (e *Evaluator) Latched() bool {
	return e.latched.Load()
}

// Evaluate runs the gates in order and short-circuits at the first one that
// fires. A HALT verdict sets the latch.
func (e *Evaluator) Evaluate(ctx context.Context, in Inputs, correlationID uuid.UUID) Decision {
	if e.latched.Load() {
		return Decision{
			Verdict: VerdictHalt,
			Gate:    GateLatch,
			Reason:  "HALT latch set by a prior evaluation",
		}
	}

	d := e.evaluateGates(in)
	if d.Verdict == VerdictHalt {
		e.latched.Store(true)
		e.log.Warn().
			Str("correlation_id", correlationID.String()).
			Str("gate", d.Gate).
			Str("reason", d.Reason).
			Msg("Policy HALT; latch set")
		_ = e.audit.Append(ctx, &audit.Record{
			CorrelationID: correlationID,
			Actor:         "policy",
			Action:        "policy.evaluate",
			Result:        VerdictHalt,
			Severity:      audit.SeverityWarning,
			Context: map[string]interface{}{
				"gate":   d.Gate,
				"reason": d.Reason,
			},
		})
	}
	return d
}

func (e *Evaluator) evaluateGates(in Inputs) Decision {
	if in.KillSwitchActive {
		return Decision{VerdictHalt, GateKillSwitch, "kill switch active"}
	}
	if in.BudgetSignal != BudgetAllow {
		return Decision{VerdictHalt, GateBudget, fmt.Sprintf("budget signal %q", in.BudgetSignal)}
	}
	if in.HealthStatus != HealthGreen {
		return Decision{VerdictNeutral, GateHealth, fmt.Sprintf("health status %q", in.HealthStatus)}
	}
	if in.RiskAssessment == RiskCritical || in.RiskAssessment == "" {
		return Decision{VerdictHalt, GateRisk, fmt.Sprintf("risk assessment %q", in.RiskAssessment)}
	}
	return Decision{Verdict: VerdictAllow}
}

// ResetLatch clears the HALT latch. The reset is refused without a reason
// and always audited.
func (e *Evaluator) ResetLatch(ctx context.Context, actor, reason string, correlationID uuid.UUID) (bool, error) {
	if reason == "" {
		return false, fmt.Errorf("latch reset requires a reason")
	}
	if !e.latched.CompareAndSwap(true, false) {
		return false, nil
	}

	e.log.Warn().
		Str("actor", actor).
		Str("reason", reason).
		Msg("Policy HALT latch reset")
	if err := e.audit.Append(ctx, &audit.Record{
		CorrelationID: correlationID,
		Actor:         actor,
		Action:        "policy.reset_latch",
		Result:        "RESET",
		Severity:      audit.SeverityWarning,
		Context:       map[string]interface{}{"reason": reason},
	}); err != nil {
		return true, err
	}
	return true, nil
}
