package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/sovereign/internal/breaker"
)

// Resilient wraps a Client so every call runs through the exchange I/O
// circuit with retry. Callers use it exactly like the raw client.
type Resilient struct {
	inner Client
	io    *breaker.IOManager
}

// NewResilient wraps client with the exchange circuit.
func NewResilient(client Client, io *breaker.IOManager) *Resilient {
	return &Resilient{inner: client, io: io}
}

func (r *Resilient) PlaceLimitOrder(ctx context.Context, req PlaceLimitOrderRequest) (*Order, error) {
	var out *Order
	err := r.io.Execute(ctx, breaker.ServiceExchange, func() error {
		var err error
		out, err = r.inner.PlaceLimitOrder(ctx, req)
		return err
	})
	return out, err
}

func (r *Resilient) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var out *Order
	err := r.io.Execute(ctx, breaker.ServiceExchange, func() error {
		var err error
		out, err = r.inner.GetOrder(ctx, orderID)
		return err
	})
	return out, err
}

func (r *Resilient) CancelOrder(ctx context.Context, orderID string) (*Order, error) {
	var out *Order
	err := r.io.Execute(ctx, breaker.ServiceExchange, func() error {
		var err error
		out, err = r.inner.CancelOrder(ctx, orderID)
		return err
	})
	return out, err
}

func (r *Resilient) Equity(ctx context.Context) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := r.io.Execute(ctx, breaker.ServiceExchange, func() error {
		var err error
		out, err = r.inner.Equity(ctx)
		return err
	})
	return out, err
}
