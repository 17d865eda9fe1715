package orders

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/sovereign/internal/audit"
	"github.com/ajitpratap0/sovereign/internal/events"
	"github.com/ajitpratap0/sovereign/internal/exchange"
	"github.com/ajitpratap0/sovereign/internal/outcome"
	"github.com/ajitpratap0/sovereign/internal/risk"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testPermit(timeoutSeconds int) *risk.ExecutionPermit {
	return &risk.ExecutionPermit{
		CorrelationID:  uuid.New(),
		ApprovedQty:    dec("0.2"),
		EntryPrice:     dec("500000"),
		StopPrice:      dec("490000"),
		MaxSlippagePct: dec("0.005"),
		TimeoutSeconds: timeoutSeconds,
		PlannedRiskZAR: dec("1000.00"),
		CreatedAt:      time.Now().UTC(),
	}
}

func newManager(client exchange.Client, mockMode bool) (*Manager, *[]events.Event) {
	bus := events.NewBus(zerolog.Nop())
	var seen []events.Event
	bus.Subscribe(func(ev events.Event) { seen = append(seen, ev) })
	m := NewManager(client, bus, audit.NewLogger(nil), mockMode, zerolog.Nop())
	m.pollInterval = time.Millisecond
	return m, &seen
}

func TestExecuteFilled(t *testing.T) {
	client := exchange.NewMockClient(dec("100000.00"))
	client.AutoFill(2, dec("1"), dec("500"))
	m, seen := newManager(client, false)

	rec, err := m.Execute(context.Background(), "XBTZAR", exchange.SideBuy, testPermit(5))
	require.NoError(t, err)

	assert.Equal(t, OutcomeFilled, rec.Outcome)
	assert.Equal(t, "0.2", rec.FilledQty.String())
	// Limit = 500000 * 1.005 = 502500; fill at +500 skew.
	assert.Equal(t, "503000", rec.AvgPrice.String())
	// |503000 - 500000| / 500000 * 100 = 0.6%.
	assert.Equal(t, "0.6", rec.SlippagePct.String())

	require.Len(t, *seen, 1)
	assert.Equal(t, events.TypeOrderReconciled, (*seen)[0].Type)
}

func TestExecuteMockModeOutcome(t *testing.T) {
	client := exchange.NewMockClient(dec("100000.00"))
	client.AutoFill(1, dec("1"), decimal.Zero)
	m, _ := newManager(client, true)

	rec, err := m.Execute(context.Background(), "XBTZAR", exchange.SideBuy, testPermit(5))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMockFilled, rec.Outcome)
}

func TestExecuteTimeoutCancels(t *testing.T) {
	client := exchange.NewMockClient(dec("100000.00"))
	m, _ := newManager(client, false)

	// Nothing ever fills: after the 1s permit timeout the order is
	// cancelled and reconciled as CANCELLED.
	rec, err := m.Execute(context.Background(), "XBTZAR", exchange.SideBuy, testPermit(1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, rec.Outcome)
	assert.True(t, rec.FilledQty.IsZero())
}

func TestExecutePartialFillOnTimeout(t *testing.T) {
	client := exchange.NewMockClient(dec("100000.00"))
	client.AutoFill(1, dec("0.5"), decimal.Zero)
	m, _ := newManager(client, false)

	rec, err := m.Execute(context.Background(), "XBTZAR", exchange.SideBuy, testPermit(1))
	require.NoError(t, err)
	assert.Equal(t, OutcomePartiallyFilled, rec.Outcome)
	assert.Equal(t, "0.1", rec.FilledQty.String())
}

func TestExecutePermitConsumedOnce(t *testing.T) {
	client := exchange.NewMockClient(dec("100000.00"))
	client.AutoFill(1, dec("1"), decimal.Zero)
	m, _ := newManager(client, false)
	permit := testPermit(5)

	_, err := m.Execute(context.Background(), "XBTZAR", exchange.SideBuy, permit)
	require.NoError(t, err)

	_, err = m.Execute(context.Background(), "XBTZAR", exchange.SideBuy, permit)
	require.Error(t, err)
	assert.Equal(t, outcome.CodeInvalidState, outcome.CodeOf(err))
}

func TestLimitPriceDirection(t *testing.T) {
	assert.Equal(t, "502500", limitPrice(dec("500000"), dec("0.005"), exchange.SideBuy).String())
	assert.Equal(t, "497500", limitPrice(dec("500000"), dec("0.005"), exchange.SideSell).String())
}
