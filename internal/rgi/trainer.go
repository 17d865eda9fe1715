package rgi

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/sovereign/internal/db"
	"github.com/ajitpratap0/sovereign/internal/money"
)

// Trainer recomputes trust probabilities from persisted learning events.
// Trust is a Laplace-smoothed win rate: (wins + 1) / (total + 2), which
// pulls sparse strategies toward neutral instead of letting two lucky
// trades claim certainty.
type Trainer struct {
	trades *db.TradeStore
	trust  *db.TrustStore
	log    zerolog.Logger
}

// NewTrainer creates a trust trainer.
func NewTrainer(trades *db.TradeStore, trust *db.TrustStore, log zerolog.Logger) *Trainer {
	return &Trainer{
		trades: trades,
		trust:  trust,
		log:    log.With().Str("component", "rgi_trainer").Logger(),
	}
}

// Train recomputes and persists the trust probability for one
// (fingerprint, regime) pair.
func (t *Trainer) Train(ctx context.Context, fingerprint, regime string) (*db.TrustState, error) {
	wins, total, err := t.trades.OutcomeCounts(ctx, fingerprint, regime)
	if err != nil {
		return nil, err
	}

	p := decimal.NewFromInt(wins + 1).
		Div(decimal.NewFromInt(total + 2)).
		RoundBank(money.ScaleTrust)

	state := &db.TrustState{
		StrategyFingerprint: fingerprint,
		RegimeTag:           regime,
		TrustProbability:    p,
		SampleCount:         total,
		UpdatedAt:           time.Now().UTC(),
	}
	if err := t.trust.Upsert(ctx, state); err != nil {
		return nil, err
	}

	t.log.Info().
		Str("fingerprint", fingerprint).
		Str("regime", regime).
		Int64("samples", total).
		Str("trust_probability", p.String()).
		Msg("Trust state retrained")
	return state, nil
}
