package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/sovereign/internal/money"
)

// Approval request statuses. Terminal states never change again; the storage
// layer enforces transitions with conditional writes keyed on prior status.
const (
	StatusAwaitingApproval = "AWAITING_APPROVAL"
	StatusApproved         = "APPROVED"
	StatusRejected         = "REJECTED"
	StatusExpired          = "EXPIRED"
)

// Decision channels.
const (
	ChannelAPI     = "API"
	ChannelDiscord = "DISCORD"
	ChannelSystem  = "SYSTEM"
)

// ApprovalRequest is a persisted HITL approval record. The row hash covers
// every field except RowHash itself and is recomputed on every transition.
type ApprovalRequest struct {
	CorrelationID   uuid.UUID
	TradeID         uuid.UUID
	Symbol          string
	Side            string
	Qty             decimal.Decimal
	RequestPrice    decimal.Decimal
	Bid             decimal.Decimal
	Ask             decimal.Decimal
	SpreadPct       decimal.Decimal
	QuoteLatencyMS  int64
	TTLSeconds      int
	Status          string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	DecidedAt       *time.Time
	DecisionChannel string
	OperatorID      string
	Reason          string
	RowHash         string
}

// HashFields returns the canonical field map the row hash is computed over.
// Key order does not matter here; canonical JSON sorts recursively.
func (r *ApprovalRequest) HashFields() map[string]interface{} {
	decidedAt := ""
	if r.DecidedAt != nil {
		decidedAt = r.DecidedAt.UTC().Format(time.RFC3339Nano)
	}
	return map[string]interface{}{
		"correlation_id":   r.CorrelationID.String(),
		"trade_id":         r.TradeID.String(),
		"symbol":           r.Symbol,
		"side":             r.Side,
		"qty":              money.Canonical(r.Qty, money.ScalePrice),
		"request_price":    money.Canonical(r.RequestPrice, money.ScalePrice),
		"bid":              money.Canonical(r.Bid, money.ScalePrice),
		"ask":              money.Canonical(r.Ask, money.ScalePrice),
		"spread_pct":       money.Canonical(r.SpreadPct, money.ScalePct),
		"quote_latency_ms": r.QuoteLatencyMS,
		"ttl_seconds":      r.TTLSeconds,
		"status":           r.Status,
		"created_at":       r.CreatedAt.UTC().Format(time.RFC3339Nano),
		"expires_at":       r.ExpiresAt.UTC().Format(time.RFC3339Nano),
		"decided_at":       decidedAt,
		"decision_channel": r.DecisionChannel,
		"operator_id":      r.OperatorID,
		"reason":           r.Reason,
	}
}

// ComputeHash computes the row hash over the canonical JSON of all fields
// except the hash itself.
func (r *ApprovalRequest) ComputeHash() (string, error) {
	return money.RowHash(r.HashFields())
}

// VerifyHash recomputes the row hash and compares it to the stored value.
func (r *ApprovalRequest) VerifyHash() (bool, error) {
	expected, err := r.ComputeHash()
	if err != nil {
		return false, err
	}
	return expected == r.RowHash, nil
}

// IsTerminal reports whether the request can no longer change.
func (r *ApprovalRequest) IsTerminal() bool {
	return r.Status != StatusAwaitingApproval
}

// ApprovalStore persists HITL approval records.
type ApprovalStore struct {
	pool Pool
}

// NewApprovalStore creates an approval store.
func NewApprovalStore(pool Pool) *ApprovalStore {
	return &ApprovalStore{pool: pool}
}

const approvalColumns = `
	correlation_id, trade_id, symbol, side, qty::text, request_price::text,
	bid::text, ask::text, spread_pct::text, quote_latency_ms, ttl_seconds,
	status, created_at, expires_at, decided_at, decision_channel,
	operator_id, reason, row_hash
`

// Insert persists a new approval record.
func (s *ApprovalStore) Insert(ctx context.Context, r *ApprovalRequest) error {
	query := `
		INSERT INTO hitl_approvals (
			correlation_id, trade_id, symbol, side, qty, request_price,
			bid, ask, spread_pct, quote_latency_ms, ttl_seconds,
			status, created_at, expires_at, decided_at, decision_channel,
			operator_id, reason, row_hash
		) VALUES (
			$1, $2, $3, $4, $5::numeric, $6::numeric,
			$7::numeric, $8::numeric, $9::numeric, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19
		)
	`
	_, err := s.pool.Exec(ctx, query,
		r.CorrelationID, r.TradeID, r.Symbol, r.Side,
		money.Canonical(r.Qty, money.ScalePrice),
		money.Canonical(r.RequestPrice, money.ScalePrice),
		money.Canonical(r.Bid, money.ScalePrice),
		money.Canonical(r.Ask, money.ScalePrice),
		money.Canonical(r.SpreadPct, money.ScalePct),
		r.QuoteLatencyMS, r.TTLSeconds,
		r.Status, r.CreatedAt, r.ExpiresAt, r.DecidedAt, r.DecisionChannel,
		r.OperatorID, r.Reason, r.RowHash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert approval request: %w", err)
	}
	return nil
}

// GetByTradeID loads a single approval record.
func (s *ApprovalStore) GetByTradeID(ctx context.Context, tradeID uuid.UUID) (*ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM hitl_approvals WHERE trade_id = $1`
	row := s.pool.QueryRow(ctx, query, tradeID)
	return scanApproval(row)
}

// ListAwaiting returns all non-terminal requests ordered by expiry ascending.
func (s *ApprovalStore) ListAwaiting(ctx context.Context) ([]*ApprovalRequest, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM hitl_approvals
		WHERE status = $1
		ORDER BY expires_at ASC
	`
	rows, err := s.pool.Query(ctx, query, StatusAwaitingApproval)
	if err != nil {
		return nil, fmt.Errorf("failed to list awaiting approvals: %w", err)
	}
	defer rows.Close()

	var out []*ApprovalRequest
	for rows.Next() {
		r, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListAwaitingExpiredBefore returns awaiting requests whose expiry has passed.
func (s *ApprovalStore) ListAwaitingExpiredBefore(ctx context.Context, now time.Time) ([]*ApprovalRequest, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM hitl_approvals
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at ASC
	`
	rows, err := s.pool.Query(ctx, query, StatusAwaitingApproval, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired approvals: %w", err)
	}
	defer rows.Close()

	var out []*ApprovalRequest
	for rows.Next() {
		r, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Transition applies a terminal status with a conditional write keyed on the
// prior status. Returns false when the row was not in fromStatus, which the
// gateway surfaces as SEC-030: a single logical request is never visible in
// two states.
func (s *ApprovalStore) Transition(ctx context.Context, r *ApprovalRequest, fromStatus string) (bool, error) {
	query := `
		UPDATE hitl_approvals
		SET status = $1, decided_at = $2, decision_channel = $3,
			operator_id = $4, reason = $5, row_hash = $6
		WHERE trade_id = $7 AND status = $8
	`
	tag, err := s.pool.Exec(ctx, query,
		r.Status, r.DecidedAt, r.DecisionChannel,
		r.OperatorID, r.Reason, r.RowHash,
		r.TradeID, fromStatus,
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition approval: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanApproval(row rowScanner) (*ApprovalRequest, error) {
	var r ApprovalRequest
	var qty, reqPrice, bid, ask, spread string
	err := row.Scan(
		&r.CorrelationID, &r.TradeID, &r.Symbol, &r.Side, &qty, &reqPrice,
		&bid, &ask, &spread, &r.QuoteLatencyMS, &r.TTLSeconds,
		&r.Status, &r.CreatedAt, &r.ExpiresAt, &r.DecidedAt, &r.DecisionChannel,
		&r.OperatorID, &r.Reason, &r.RowHash,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan approval: %w", err)
	}

	if r.Qty, err = money.Price(qty); err != nil {
		return nil, err
	}
	if r.RequestPrice, err = money.Price(reqPrice); err != nil {
		return nil, err
	}
	if r.Bid, err = money.Price(bid); err != nil {
		return nil, err
	}
	if r.Ask, err = money.Price(ask); err != nil {
		return nil, err
	}
	if r.SpreadPct, err = money.Pct(spread); err != nil {
		return nil, err
	}
	return &r, nil
}
