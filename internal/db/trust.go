package db

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/sovereign/internal/money"
)

// TrustState is the learned trust record for a (strategy, regime) pair.
type TrustState struct {
	StrategyFingerprint string
	RegimeTag           string
	TrustProbability    decimal.Decimal
	SampleCount         int64
	UpdatedAt           time.Time
}

// TrustStore persists trust state rows.
type TrustStore struct {
	pool Pool
}

// NewTrustStore creates a trust store.
func NewTrustStore(pool Pool) *TrustStore {
	return &TrustStore{pool: pool}
}

// Get loads the trust state for a (fingerprint, regime) pair. Missing rows
// return nil, nil: the governor falls back to neutral.
func (s *TrustStore) Get(ctx context.Context, fingerprint, regime string) (*TrustState, error) {
	query := `
		SELECT strategy_fingerprint, regime_tag, trust_probability::text,
			training_sample_count, updated_at
		FROM trust_state
		WHERE strategy_fingerprint = $1 AND regime_tag = $2
	`
	var ts TrustState
	var prob string
	err := s.pool.QueryRow(ctx, query, fingerprint, regime).Scan(
		&ts.StrategyFingerprint, &ts.RegimeTag, &prob, &ts.SampleCount, &ts.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load trust state: %w", err)
	}
	if ts.TrustProbability, err = money.Trust(prob); err != nil {
		return nil, err
	}
	return &ts, nil
}

// Upsert writes the trust state for a (fingerprint, regime) pair.
func (s *TrustStore) Upsert(ctx context.Context, ts *TrustState) error {
	query := `
		INSERT INTO trust_state (strategy_fingerprint, regime_tag, trust_probability,
			training_sample_count, updated_at)
		VALUES ($1, $2, $3::numeric, $4, $5)
		ON CONFLICT (strategy_fingerprint, regime_tag) DO UPDATE
		SET trust_probability = EXCLUDED.trust_probability,
			training_sample_count = EXCLUDED.training_sample_count,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.pool.Exec(ctx, query,
		ts.StrategyFingerprint, ts.RegimeTag,
		money.Canonical(money.Clamp01(ts.TrustProbability), money.ScaleTrust),
		ts.SampleCount, ts.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert trust state: %w", err)
	}
	return nil
}
