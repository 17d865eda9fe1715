package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/sovereign/internal/money"
)

// Signal is a persisted ingress signal. Immutable after insert; unique on
// (source, external_id).
type Signal struct {
	CorrelationID uuid.UUID
	Source        string
	ExternalID    string
	Symbol        string
	Side          string // BUY or SELL
	Price         decimal.Decimal
	ReceivedAt    time.Time
}

// SignalStore persists ingress signals.
type SignalStore struct {
	pool Pool
}

// NewSignalStore creates a signal store.
func NewSignalStore(pool Pool) *SignalStore {
	return &SignalStore{pool: pool}
}

// InsertIdempotent inserts the signal once. On a (source, external_id)
// duplicate the existing correlation id is returned and duplicate=true;
// nothing is re-inserted.
func (s *SignalStore) InsertIdempotent(ctx context.Context, sig *Signal) (uuid.UUID, bool, error) {
	insert := `
		INSERT INTO signals (correlation_id, source, external_id, symbol, side, price, received_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7)
		ON CONFLICT (source, external_id) DO NOTHING
		RETURNING correlation_id
	`

	var id uuid.UUID
	err := s.pool.QueryRow(ctx, insert,
		sig.CorrelationID,
		sig.Source,
		sig.ExternalID,
		sig.Symbol,
		sig.Side,
		money.Canonical(sig.Price, money.ScalePrice),
		sig.ReceivedAt,
	).Scan(&id)
	if err == nil {
		return id, false, nil
	}
	if !isNoRows(err) {
		return uuid.Nil, false, fmt.Errorf("failed to insert signal: %w", err)
	}

	// Conflict: fetch the correlation id of the original insert.
	query := `SELECT correlation_id FROM signals WHERE source = $1 AND external_id = $2`
	if err := s.pool.QueryRow(ctx, query, sig.Source, sig.ExternalID).Scan(&id); err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to load duplicate signal: %w", err)
	}
	return id, true, nil
}

// Get loads a signal by correlation id.
func (s *SignalStore) Get(ctx context.Context, correlationID uuid.UUID) (*Signal, error) {
	query := `
		SELECT correlation_id, source, external_id, symbol, side, price::text, received_at
		FROM signals
		WHERE correlation_id = $1
	`

	var sig Signal
	var priceText string
	err := s.pool.QueryRow(ctx, query, correlationID).Scan(
		&sig.CorrelationID,
		&sig.Source,
		&sig.ExternalID,
		&sig.Symbol,
		&sig.Side,
		&priceText,
		&sig.ReceivedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load signal: %w", err)
	}
	if sig.Price, err = money.Price(priceText); err != nil {
		return nil, err
	}
	return &sig, nil
}
