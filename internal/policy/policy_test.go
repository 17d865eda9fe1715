package policy

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/sovereign/internal/audit"
)

func cleanInputs() Inputs {
	return Inputs{
		BudgetSignal:   BudgetAllow,
		HealthStatus:   HealthGreen,
		RiskAssessment: "LOW",
	}
}

func newEvaluator() *Evaluator {
	return New(audit.NewLogger(nil), zerolog.Nop())
}

func TestEvaluateAllow(t *testing.T) {
	e := newEvaluator()
	d := e.Evaluate(context.Background(), cleanInputs(), uuid.New())
	assert.Equal(t, VerdictAllow, d.Verdict)
	assert.Empty(t, d.Gate)
	assert.False(t, e.Latched())
}

func TestEvaluateGateOrder(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Inputs)
		verdict string
		gate    string
	}{
		{"kill switch", func(in *Inputs) { in.KillSwitchActive = true }, VerdictHalt, GateKillSwitch},
		{"budget denied", func(in *Inputs) { in.BudgetSignal = "DENY" }, VerdictHalt, GateBudget},
		{"budget missing", func(in *Inputs) { in.BudgetSignal = "" }, VerdictHalt, GateBudget},
		{"health degraded", func(in *Inputs) { in.HealthStatus = "AMBER" }, VerdictNeutral, GateHealth},
		{"health missing", func(in *Inputs) { in.HealthStatus = "" }, VerdictNeutral, GateHealth},
		{"risk critical", func(in *Inputs) { in.RiskAssessment = RiskCritical }, VerdictHalt, GateRisk},
		{"risk missing", func(in *Inputs) { in.RiskAssessment = "" }, VerdictHalt, GateRisk},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEvaluator()
			in := cleanInputs()
			tc.mutate(&in)
			d := e.Evaluate(context.Background(), in, uuid.New())
			assert.Equal(t, tc.verdict, d.Verdict)
			assert.Equal(t, tc.gate, d.Gate)
		})
	}
}

func TestKillSwitchShortCircuitsBudget(t *testing.T) {
	e := newEvaluator()
	in := cleanInputs()
	in.KillSwitchActive = true
	in.BudgetSignal = "DENY"

	d := e.Evaluate(context.Background(), in, uuid.New())
	assert.Equal(t, GateKillSwitch, d.Gate)
}

func TestHaltLatches(t *testing.T) {
	e := newEvaluator()
	in := cleanInputs()
	in.KillSwitchActive = true

	d := e.Evaluate(context.Background(), in, uuid.New())
	require.Equal(t, VerdictHalt, d.Verdict)
	require.True(t, e.Latched())

	// Clean inputs still halt while the latch holds.
	d = e.Evaluate(context.Background(), cleanInputs(), uuid.New())
	assert.Equal(t, VerdictHalt, d.Verdict)
	assert.Equal(t, GateLatch, d.Gate)
}

func TestNeutralDoesNotLatch(t *testing.T) {
	e := newEvaluator()
	in := cleanInputs()
	in.HealthStatus = "AMBER"

	d := e.Evaluate(context.Background(), in, uuid.New())
	require.Equal(t, VerdictNeutral, d.Verdict)
	assert.False(t, e.Latched())

	d = e.Evaluate(context.Background(), cleanInputs(), uuid.New())
	assert.Equal(t, VerdictAllow, d.Verdict)
}

func TestResetLatch(t *testing.T) {
	e := newEvaluator()
	in := cleanInputs()
	in.KillSwitchActive = true
	e.Evaluate(context.Background(), in, uuid.New())
	require.True(t, e.Latched())

	// Reason is mandatory.
	_, err := e.ResetLatch(context.Background(), "operator-1", "", uuid.New())
	require.Error(t, err)
	assert.True(t, e.Latched())

	ok, err := e.ResetLatch(context.Background(), "operator-1", "incident closed", uuid.New())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, e.Latched())

	// Resetting a clear latch reports false.
	ok, err = e.ResetLatch(context.Background(), "operator-1", "again", uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)

	d := e.Evaluate(context.Background(), cleanInputs(), uuid.New())
	assert.Equal(t, VerdictAllow, d.Verdict)
}
