package hitl

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/sovereign/internal/audit"
	"github.com/ajitpratap0/sovereign/internal/config"
	"github.com/ajitpratap0/sovereign/internal/db"
	"github.com/ajitpratap0/sovereign/internal/events"
	"github.com/ajitpratap0/sovereign/internal/market"
	"github.com/ajitpratap0/sovereign/internal/metrics"
	"github.com/ajitpratap0/sovereign/internal/outcome"
)

type fakeGuardian struct{ locked bool }

func (f *fakeGuardian) IsLocked() bool { return f.locked }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	mock     pgxmock.PgxPoolIface
	gw       *Gateway
	bus      *events.Bus
	guardian *fakeGuardian
	events   *[]events.Event
}

func newFixture(t *testing.T, enabled bool) *fixture {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	quotes := market.NewMockProvider()
	quotes.Set("XBTZAR", dec("499000"), dec("501000"))

	bus := events.NewBus(zerolog.Nop())
	var seen []events.Event
	bus.Subscribe(func(ev events.Event) { seen = append(seen, ev) })

	guardian := &fakeGuardian{}
	cfg := config.HITLConfig{
		Enabled:          enabled,
		TimeoutSeconds:   300,
		SlippageMaxPct:   dec("0.5"),
		AllowedOperators: []string{"operator-1"},
	}
	gw := New(cfg, db.NewApprovalStore(mock), guardian, quotes, bus, audit.NewLogger(nil), zerolog.Nop())
	t.Cleanup(gw.Close)

	return &fixture{mock: mock, gw: gw, bus: bus, guardian: guardian, events: &seen}
}

func testSignal() *db.Signal {
	return &db.Signal{
		CorrelationID: uuid.New(),
		Source:        "tradingview",
		ExternalID:    "sig-1",
		Symbol:        "XBTZAR",
		Side:          "BUY",
		Price:         dec("500000"),
		ReceivedAt:    time.Now().UTC(),
	}
}

// awaitingRow builds a persisted awaiting request with a valid row hash and
// returns both the struct and the pgxmock row for it.
func awaitingRow(t *testing.T, expiresIn time.Duration) (*db.ApprovalRequest, *pgxmock.Rows) {
	t.Helper()
	now := time.Now().UTC()
	req := &db.ApprovalRequest{
		CorrelationID:  uuid.New(),
		TradeID:        uuid.New(),
		Symbol:         "XBTZAR",
		Side:           "BUY",
		Qty:            dec("0.1"),
		RequestPrice:   dec("500000"),
		Bid:            dec("499000"),
		Ask:            dec("501000"),
		SpreadPct:      dec("0.4"),
		QuoteLatencyMS: 1,
		TTLSeconds:     300,
		Status:         db.StatusAwaitingApproval,
		CreatedAt:      now.Add(-time.Minute),
		ExpiresAt:      now.Add(expiresIn),
	}
	var err error
	req.RowHash, err = req.ComputeHash()
	require.NoError(t, err)
	return req, rowsFor(req)
}

func rowsFor(reqs ...*db.ApprovalRequest) *pgxmock.Rows {
	rows := pgxmock.NewRows([]string{
		"correlation_id", "trade_id", "symbol", "side", "qty", "request_price",
		"bid", "ask", "spread_pct", "quote_latency_ms", "ttl_seconds",
		"status", "created_at", "expires_at", "decided_at", "decision_channel",
		"operator_id", "reason", "row_hash",
	})
	for _, r := range reqs {
		rows.AddRow(
			r.CorrelationID, r.TradeID, r.Symbol, r.Side,
			r.Qty.String(), r.RequestPrice.String(),
			r.Bid.String(), r.Ask.String(), r.SpreadPct.String(),
			r.QuoteLatencyMS, r.TTLSeconds,
			r.Status, r.CreatedAt, r.ExpiresAt, r.DecidedAt, r.DecisionChannel,
			r.OperatorID, r.Reason, r.RowHash,
		)
	}
	return rows
}

func anyArgs(n int) []interface{} {
	args := make([]interface{}, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestCreateAwaitingApproval(t *testing.T) {
	f := newFixture(t, true)
	f.mock.ExpectExec("INSERT INTO hitl_approvals").
		WithArgs(anyArgs(19)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	req, err := f.gw.Create(context.Background(), testSignal(), dec("0.1"), dec("500000"), 0)
	require.NoError(t, err)

	assert.Equal(t, db.StatusAwaitingApproval, req.Status)
	assert.Equal(t, 300, req.TTLSeconds)
	assert.Equal(t, "499000", req.Bid.String())
	assert.Equal(t, "501000", req.Ask.String())

	ok, err := req.VerifyHash()
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, *f.events, 1)
	assert.Equal(t, events.TypeHITLCreated, (*f.events)[0].Type)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreateRefusedWhenGuardianLocked(t *testing.T) {
	f := newFixture(t, true)
	f.guardian.locked = true

	_, err := f.gw.Create(context.Background(), testSignal(), dec("0.1"), dec("500000"), 0)
	require.Error(t, err)
	assert.Equal(t, outcome.CodeGuardianLocked, outcome.CodeOf(err))
	assert.Empty(t, *f.events)
}

func TestCreateDisabledModeAutoApproves(t *testing.T) {
	f := newFixture(t, false)
	f.mock.ExpectExec("INSERT INTO hitl_approvals").
		WithArgs(anyArgs(19)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	req, err := f.gw.Create(context.Background(), testSignal(), dec("0.1"), dec("500000"), 0)
	require.NoError(t, err)

	assert.Equal(t, db.StatusApproved, req.Status)
	assert.Equal(t, db.ChannelSystem, req.DecisionChannel)
	assert.Equal(t, ReasonHITLDisabled, req.Reason)
	require.NotNil(t, req.DecidedAt)

	require.Len(t, *f.events, 1)
	assert.Equal(t, events.TypeHITLAutoApproved, (*f.events)[0].Type)
}

func TestCreateDisabledModeStillConsultsGuardian(t *testing.T) {
	f := newFixture(t, false)
	f.guardian.locked = true

	_, err := f.gw.Create(context.Background(), testSignal(), dec("0.1"), dec("500000"), 0)
	require.Error(t, err)
	assert.Equal(t, outcome.CodeGuardianLocked, outcome.CodeOf(err))
}

func TestDecideApprove(t *testing.T) {
	f := newFixture(t, true)
	req, rows := awaitingRow(t, 5*time.Minute)

	f.mock.ExpectQuery("SELECT").WithArgs(req.TradeID).WillReturnRows(rows)
	f.mock.ExpectExec("UPDATE hitl_approvals").
		WithArgs(anyArgs(8)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	updated, err := f.gw.Decide(context.Background(), req.TradeID, "operator-1", DecisionApprove, dec("500100"), db.ChannelAPI, "")
	require.NoError(t, err)

	assert.Equal(t, db.StatusApproved, updated.Status)
	assert.Equal(t, "operator-1", updated.OperatorID)
	assert.Equal(t, db.ChannelAPI, updated.DecisionChannel)
	assert.NotEqual(t, req.RowHash, updated.RowHash)

	ok, err := updated.VerifyHash()
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, *f.events, 1)
	assert.Equal(t, events.TypeHITLDecided, (*f.events)[0].Type)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDecideRejectsUnknownOperator(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.gw.Decide(context.Background(), uuid.New(), "intruder", DecisionApprove, dec("500000"), db.ChannelAPI, "")
	require.Error(t, err)
	assert.Equal(t, outcome.CodeOperatorDenied, outcome.CodeOf(err))
}

func TestDecideRejectsHashMismatch(t *testing.T) {
	f := newFixture(t, true)
	req, _ := awaitingRow(t, 5*time.Minute)
	req.RowHash = "tampered"
	f.mock.ExpectQuery("SELECT").WithArgs(req.TradeID).WillReturnRows(rowsFor(req))

	_, err := f.gw.Decide(context.Background(), req.TradeID, "operator-1", DecisionApprove, dec("500000"), db.ChannelAPI, "")
	require.Error(t, err)
	assert.Equal(t, outcome.CodeHashMismatch, outcome.CodeOf(err))
}

func TestDecideRejectsTerminalRequest(t *testing.T) {
	f := newFixture(t, true)
	req, _ := awaitingRow(t, 5*time.Minute)
	now := time.Now().UTC()
	req.Status = db.StatusApproved
	req.DecidedAt = &now
	req.DecisionChannel = db.ChannelAPI
	req.OperatorID = "operator-1"
	var err error
	req.RowHash, err = req.ComputeHash()
	require.NoError(t, err)

	f.mock.ExpectQuery("SELECT").WithArgs(req.TradeID).WillReturnRows(rowsFor(req))

	_, err = f.gw.Decide(context.Background(), req.TradeID, "operator-1", DecisionReject, dec("500000"), db.ChannelAPI, "")
	require.Error(t, err)
	assert.Equal(t, outcome.CodeInvalidState, outcome.CodeOf(err))
}

func TestDecideGuardianRecheck(t *testing.T) {
	f := newFixture(t, true)
	req, rows := awaitingRow(t, 5*time.Minute)
	f.mock.ExpectQuery("SELECT").WithArgs(req.TradeID).WillReturnRows(rows)

	// Lock lands between create and decide.
	f.guardian.locked = true

	_, err := f.gw.Decide(context.Background(), req.TradeID, "operator-1", DecisionApprove, dec("500000"), db.ChannelAPI, "")
	require.Error(t, err)
	assert.Equal(t, outcome.CodeGuardianLocked, outcome.CodeOf(err))
}

func TestDecideSlippageGuard(t *testing.T) {
	f := newFixture(t, true)
	req, rows := awaitingRow(t, 5*time.Minute)
	f.mock.ExpectQuery("SELECT").WithArgs(req.TradeID).WillReturnRows(rows)
	f.mock.ExpectExec("UPDATE hitl_approvals").
		WithArgs(anyArgs(8)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	before := latencySampleCount(t)

	// 1% move against a 0.5% limit.
	rejected, err := f.gw.Decide(context.Background(), req.TradeID, "operator-1", DecisionApprove, dec("505000"), db.ChannelAPI, "")
	require.Error(t, err)
	assert.Equal(t, outcome.CodeSlippageExceeded, outcome.CodeOf(err))

	// The record itself is terminally rejected, not left pending.
	require.NotNil(t, rejected)
	assert.Equal(t, db.StatusRejected, rejected.Status)
	assert.Equal(t, metrics.ReasonSlippage, rejected.Reason)

	// A slippage rejection is still an operator response.
	assert.Equal(t, before+1, latencySampleCount(t))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func latencySampleCount(t *testing.T) uint64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.HITLResponseLatency.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestDecideLostRace(t *testing.T) {
	f := newFixture(t, true)
	req, rows := awaitingRow(t, 5*time.Minute)
	f.mock.ExpectQuery("SELECT").WithArgs(req.TradeID).WillReturnRows(rows)
	// Another transition won: zero rows updated.
	f.mock.ExpectExec("UPDATE hitl_approvals").
		WithArgs(anyArgs(8)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	_, err := f.gw.Decide(context.Background(), req.TradeID, "operator-1", DecisionReject, dec("500000"), db.ChannelAPI, "")
	require.Error(t, err)
	assert.Equal(t, outcome.CodeInvalidState, outcome.CodeOf(err))
}

func TestExpireDue(t *testing.T) {
	f := newFixture(t, true)
	req, rows := awaitingRow(t, -time.Minute)
	f.mock.ExpectQuery("SELECT").WithArgs(anyArgs(2)...).WillReturnRows(rows)
	f.mock.ExpectExec("UPDATE hitl_approvals").
		WithArgs(anyArgs(8)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	n, err := f.gw.ExpireDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var expiredEvent *events.Event
	for i := range *f.events {
		if (*f.events)[i].Type == events.TypeHITLExpired {
			expiredEvent = &(*f.events)[i]
		}
		// Expiry is a system transition, not an operator decision.
		assert.NotEqual(t, events.TypeHITLDecided, (*f.events)[i].Type)
	}
	require.NotNil(t, expiredEvent)
	assert.Equal(t, req.CorrelationID, expiredEvent.CorrelationID)
}

func TestDecideRejectStoresOperatorReason(t *testing.T) {
	f := newFixture(t, true)
	req, rows := awaitingRow(t, 5*time.Minute)

	f.mock.ExpectQuery("SELECT").WithArgs(req.TradeID).WillReturnRows(rows)
	f.mock.ExpectExec("UPDATE hitl_approvals").
		WithArgs(anyArgs(8)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	updated, err := f.gw.Decide(context.Background(), req.TradeID, "operator-1",
		DecisionReject, dec("500000"), db.ChannelAPI, "spread too wide for this size")
	require.NoError(t, err)

	assert.Equal(t, db.StatusRejected, updated.Status)
	assert.Equal(t, "spread too wide for this size", updated.Reason)

	ok, err := updated.VerifyHash()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDecideRejectDefaultsReason(t *testing.T) {
	f := newFixture(t, true)
	req, rows := awaitingRow(t, 5*time.Minute)

	f.mock.ExpectQuery("SELECT").WithArgs(req.TradeID).WillReturnRows(rows)
	f.mock.ExpectExec("UPDATE hitl_approvals").
		WithArgs(anyArgs(8)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	updated, err := f.gw.Decide(context.Background(), req.TradeID, "operator-1",
		DecisionReject, dec("500000"), db.ChannelAPI, "")
	require.NoError(t, err)
	assert.Equal(t, metrics.ReasonOperator, updated.Reason)
}

func TestDecideExpiredRowReturnsTimeout(t *testing.T) {
	f := newFixture(t, true)
	req, _ := awaitingRow(t, -time.Minute)
	now := time.Now().UTC()
	req.Status = db.StatusRejected
	req.DecidedAt = &now
	req.DecisionChannel = db.ChannelSystem
	req.OperatorID = "system"
	req.Reason = metrics.ReasonTimeout
	var err error
	req.RowHash, err = req.ComputeHash()
	require.NoError(t, err)

	f.mock.ExpectQuery("SELECT").WithArgs(req.TradeID).WillReturnRows(rowsFor(req))

	_, err = f.gw.Decide(context.Background(), req.TradeID, "operator-1",
		DecisionApprove, dec("500000"), db.ChannelAPI, "")
	require.Error(t, err)
	assert.Equal(t, outcome.CodeHITLTimeout, outcome.CodeOf(err))
}

func TestDecideOverdueRequestExpires(t *testing.T) {
	f := newFixture(t, true)
	// Still AWAITING but past its expiry; the decision expires it instead of
	// landing stale.
	req, rows := awaitingRow(t, -time.Minute)

	f.mock.ExpectQuery("SELECT").WithArgs(req.TradeID).WillReturnRows(rows)
	f.mock.ExpectExec("UPDATE hitl_approvals").
		WithArgs(anyArgs(8)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	_, err := f.gw.Decide(context.Background(), req.TradeID, "operator-1",
		DecisionApprove, dec("500000"), db.ChannelAPI, "")
	require.Error(t, err)
	assert.Equal(t, outcome.CodeHITLTimeout, outcome.CodeOf(err))

	var sawExpired bool
	for _, ev := range *f.events {
		assert.NotEqual(t, events.TypeHITLDecided, ev.Type)
		if ev.Type == events.TypeHITLExpired {
			sawExpired = true
		}
	}
	assert.True(t, sawExpired)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRejectAllPendingOnGuardianLock(t *testing.T) {
	f := newFixture(t, true)
	r1, _ := awaitingRow(t, 5*time.Minute)
	r2, _ := awaitingRow(t, 10*time.Minute)
	f.mock.ExpectQuery("SELECT").WithArgs(anyArgs(1)...).WillReturnRows(rowsFor(r1, r2))
	f.mock.ExpectExec("UPDATE hitl_approvals").WithArgs(anyArgs(8)...).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	f.mock.ExpectExec("UPDATE hitl_approvals").WithArgs(anyArgs(8)...).WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	n, err := f.gw.RejectAllPending(context.Background(), metrics.ReasonGuardianLock)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRecoverOnStartup(t *testing.T) {
	f := newFixture(t, true)

	healthy, _ := awaitingRow(t, 5*time.Minute)
	stale, _ := awaitingRow(t, -time.Minute)
	corrupt, _ := awaitingRow(t, 5*time.Minute)
	corrupt.RowHash = "tampered"

	f.mock.ExpectQuery("SELECT").WithArgs(anyArgs(1)...).WillReturnRows(rowsFor(corrupt, stale, healthy))
	// Corrupt and stale rows each get a terminal transition.
	f.mock.ExpectExec("UPDATE hitl_approvals").WithArgs(anyArgs(8)...).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	f.mock.ExpectExec("UPDATE hitl_approvals").WithArgs(anyArgs(8)...).WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	report, err := f.gw.RecoverOnStartup(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{corrupt.TradeID}, report.RejectedCorrupt)
	assert.Equal(t, []uuid.UUID{stale.TradeID}, report.RejectedExpired)
	assert.Equal(t, []uuid.UUID{healthy.TradeID}, report.Recovered)

	var recovered bool
	for _, ev := range *f.events {
		if ev.Type == events.TypeHITLRecovered {
			recovered = true
		}
	}
	assert.True(t, recovered)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestPendingOmitsCorruptRows(t *testing.T) {
	f := newFixture(t, true)
	healthy, _ := awaitingRow(t, 5*time.Minute)
	corrupt, _ := awaitingRow(t, 5*time.Minute)
	corrupt.RowHash = "tampered"

	f.mock.ExpectQuery("SELECT").WithArgs(anyArgs(1)...).WillReturnRows(rowsFor(corrupt, healthy))

	pending, err := f.gw.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, healthy.TradeID, pending[0].TradeID)
}
