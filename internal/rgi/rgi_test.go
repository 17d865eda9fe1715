package rgi

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/sovereign/internal/db"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func expectTrustRow(mock pgxmock.PgxPoolIface, fingerprint, regime, prob string) {
	mock.ExpectQuery("SELECT strategy_fingerprint, regime_tag, trust_probability").
		WithArgs(fingerprint, regime).
		WillReturnRows(pgxmock.NewRows([]string{
			"strategy_fingerprint", "regime_tag", "trust_probability",
			"training_sample_count", "updated_at",
		}).AddRow(fingerprint, regime, prob, int64(40), time.Now()))
}

func TestTrustProbabilityFromStore(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectTrustRow(mock, "fp-1", "trending", "0.9000")

	s := New(db.NewTrustStore(mock), zerolog.Nop())
	p := s.TrustProbability(context.Background(), "fp-1", "trending")
	assert.Equal(t, "0.9", p.String())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTrustProbabilityNeutralFallbacks(t *testing.T) {
	t.Run("missing row", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectQuery("SELECT strategy_fingerprint").
			WithArgs("fp-x", "ranging").
			WillReturnRows(pgxmock.NewRows([]string{
				"strategy_fingerprint", "regime_tag", "trust_probability",
				"training_sample_count", "updated_at",
			}))

		s := New(db.NewTrustStore(mock), zerolog.Nop())
		assert.Equal(t, "0.5", s.TrustProbability(context.Background(), "fp-x", "ranging").String())
	})

	t.Run("store error", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectQuery("SELECT strategy_fingerprint").
			WithArgs("fp-x", "ranging").
			WillReturnError(errors.New("connection reset"))

		s := New(db.NewTrustStore(mock), zerolog.Nop())
		assert.Equal(t, "0.5", s.TrustProbability(context.Background(), "fp-x", "ranging").String())
	})

	t.Run("nil store", func(t *testing.T) {
		s := New(nil, zerolog.Nop())
		assert.Equal(t, "0.5", s.TrustProbability(context.Background(), "fp-x", "ranging").String())
	})
}

func TestAdjustedConfidenceClamps(t *testing.T) {
	s := New(nil, zerolog.Nop())

	adjusted := s.AdjustedConfidence(dec("0.98"), dec("0.9"), dec("1"))
	assert.Equal(t, "0.882", adjusted.String())

	// Products above 1 clamp down.
	adjusted = s.AdjustedConfidence(dec("1"), dec("1"), dec("1.5"))
	assert.Equal(t, "1", adjusted.String())

	adjusted = s.AdjustedConfidence(dec("-0.2"), dec("1"), dec("1"))
	assert.Equal(t, "0", adjusted.String())
}

func TestRecommendGate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	// 0.99 x 0.97 x 1.0 = 0.9603 rounds above the 0.95 gate.
	expectTrustRow(mock, "fp-1", "trending", "0.9700")
	s := New(db.NewTrustStore(mock), zerolog.Nop())

	rec := s.Recommend(context.Background(), "fp-1", "trending", dec("0.99"), dec("1"))
	assert.Equal(t, ActionProceed, rec.Action)
	assert.Equal(t, "0.9603", rec.AdjustedConfidence.String())

	// 0.99 x 0.90 x 1.0 = 0.891 falls below the gate.
	expectTrustRow(mock, "fp-1", "trending", "0.9000")
	rec = s.Recommend(context.Background(), "fp-1", "trending", dec("0.99"), dec("1"))
	assert.Equal(t, ActionNeutral, rec.Action)
}

func TestSafeModeLatch(t *testing.T) {
	s := New(nil, zerolog.Nop())
	require.False(t, s.SafeMode())

	// Above the floor: no latch.
	s.RecordGoldenSetAccuracy(dec("0.80"))
	assert.False(t, s.SafeMode())

	s.RecordGoldenSetAccuracy(dec("0.69"))
	assert.True(t, s.SafeMode())

	// Latched: even a strong strategy reads neutral.
	assert.Equal(t, "0.5", s.TrustProbability(context.Background(), "fp-1", "trending").String())

	assert.True(t, s.ResetSafeMode("operator-1", "model redeployed"))
	assert.False(t, s.SafeMode())
	assert.False(t, s.ResetSafeMode("operator-1", "again"))
}

func TestTrainerLaplaceSmoothing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("fp-1", "trending").
		WillReturnRows(pgxmock.NewRows([]string{"wins", "total"}).AddRow(int64(7), int64(10)))
	mock.ExpectExec("INSERT INTO trust_state").
		WithArgs("fp-1", "trending", "0.6667", int64(10), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	trainer := NewTrainer(db.NewTradeStore(mock), db.NewTrustStore(mock), zerolog.Nop())
	state, err := trainer.Train(context.Background(), "fp-1", "trending")
	require.NoError(t, err)

	// (7 + 1) / (10 + 2) = 0.6667 at trust scale.
	assert.Equal(t, "0.6667", state.TrustProbability.String())
	require.NoError(t, mock.ExpectationsWereMet())
}
