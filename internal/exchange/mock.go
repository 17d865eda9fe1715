package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MockClient is a scriptable in-memory execution venue. Orders rest OPEN
// until the test (or mock-mode operator) fills or cancels them, or an
// auto-fill is armed.
type MockClient struct {
	mu      sync.Mutex
	orders  map[string]*Order
	nextID  int
	equity  decimal.Decimal
	autoOpt *autoFill
}

type autoFill struct {
	afterPolls int
	ratio      decimal.Decimal // fraction of qty to fill
	priceSkew  decimal.Decimal // added to the limit price
	polls      map[string]int
}

// NewMockClient creates a mock venue with the given starting equity.
func NewMockClient(equity decimal.Decimal) *MockClient {
	return &MockClient{
		orders: make(map[string]*Order),
		equity: equity,
	}
}

// AutoFill arms automatic fills: each order fills ratio of its quantity at
// limit price + priceSkew after afterPolls status polls.
func (m *MockClient) AutoFill(afterPolls int, ratio, priceSkew decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoOpt = &autoFill{
		afterPolls: afterPolls,
		ratio:      ratio,
		priceSkew:  priceSkew,
		polls:      make(map[string]int),
	}
}

// PlaceLimitOrder opens a resting limit order.
func (m *MockClient) PlaceLimitOrder(_ context.Context, req PlaceLimitOrderRequest) (*Order, error) {
	if req.Side != SideBuy && req.Side != SideSell {
		return nil, fmt.Errorf("invalid order side %q", req.Side)
	}
	if !req.Qty.IsPositive() || !req.LimitPrice.IsPositive() {
		return nil, fmt.Errorf("qty and limit price must be positive")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	now := time.Now().UTC()
	o := &Order{
		ID:         fmt.Sprintf("mock-%d", m.nextID),
		Symbol:     req.Symbol,
		Side:       req.Side,
		Qty:        req.Qty,
		LimitPrice: req.LimitPrice,
		Status:     StatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.orders[o.ID] = o
	out := *o
	return &out, nil
}

// GetOrder returns the current order state, advancing any armed auto-fill.
func (m *MockClient) GetOrder(_ context.Context, orderID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}

	if m.autoOpt != nil && o.Status == StatusOpen {
		m.autoOpt.polls[orderID]++
		if m.autoOpt.polls[orderID] >= m.autoOpt.afterPolls {
			m.fillLocked(o, o.Qty.Mul(m.autoOpt.ratio), o.LimitPrice.Add(m.autoOpt.priceSkew))
		}
	}

	out := *o
	return &out, nil
}

// CancelOrder cancels the unfilled remainder.
func (m *MockClient) CancelOrder(_ context.Context, orderID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.Status == StatusOpen || o.Status == StatusPartiallyFilled {
		o.Status = StatusCancelled
		o.UpdatedAt = time.Now().UTC()
	}
	out := *o
	return &out, nil
}

// Equity returns the configured account equity.
func (m *MockClient) Equity(context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.equity, nil
}

// SetEquity adjusts the account equity.
func (m *MockClient) SetEquity(equity decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = equity
}

// Fill applies a manual fill to a resting order.
func (m *MockClient) Fill(orderID string, qty, price decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	m.fillLocked(o, qty, price)
	return nil
}

func (m *MockClient) fillLocked(o *Order, qty, price decimal.Decimal) {
	if qty.GreaterThan(o.Remaining()) {
		qty = o.Remaining()
	}
	if !qty.IsPositive() {
		return
	}

	// Volume-weighted average across fills.
	prevNotional := o.AvgFillPrice.Mul(o.FilledQty)
	o.FilledQty = o.FilledQty.Add(qty)
	o.AvgFillPrice = prevNotional.Add(price.Mul(qty)).Div(o.FilledQty)

	if o.FilledQty.GreaterThanOrEqual(o.Qty) {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartiallyFilled
	}
	o.UpdatedAt = time.Now().UTC()
}
