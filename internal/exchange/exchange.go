// Package exchange defines the order-execution contract the control plane
// consumes. The live HTTP client lives outside this repository; the mock
// implementation here backs MOCK_MODE and tests, and the resilient wrapper
// adds retry and circuit breaking around any implementation.
package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Order sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order statuses.
const (
	StatusOpen            = "OPEN"
	StatusFilled          = "FILLED"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusCancelled       = "CANCELLED"
	StatusRejected        = "REJECTED"
)

// ErrOrderNotFound is returned for unknown order ids.
var ErrOrderNotFound = errors.New("order not found")

// Order is the exchange-side view of a submitted order.
type Order struct {
	ID           string
	Symbol       string
	Side         string
	Qty          decimal.Decimal
	LimitPrice   decimal.Decimal
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Qty.Sub(o.FilledQty)
}

// PlaceLimitOrderRequest submits a limit order.
type PlaceLimitOrderRequest struct {
	Symbol     string
	Side       string
	Qty        decimal.Decimal
	LimitPrice decimal.Decimal
}

// Client is the execution venue contract.
type Client interface {
	PlaceLimitOrder(ctx context.Context, req PlaceLimitOrderRequest) (*Order, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	CancelOrder(ctx context.Context, orderID string) (*Order, error)
	Equity(ctx context.Context) (decimal.Decimal, error)
}
