package exchange

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func place(t *testing.T, m *MockClient) *Order {
	t.Helper()
	o, err := m.PlaceLimitOrder(context.Background(), PlaceLimitOrderRequest{
		Symbol:     "XBTZAR",
		Side:       SideBuy,
		Qty:        dec("0.2"),
		LimitPrice: dec("500000"),
	})
	require.NoError(t, err)
	return o
}

func TestMockPlaceAndFill(t *testing.T) {
	m := NewMockClient(dec("100000.00"))
	o := place(t, m)
	assert.Equal(t, StatusOpen, o.Status)

	require.NoError(t, m.Fill(o.ID, dec("0.1"), dec("500000")))
	got, err := m.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyFilled, got.Status)
	assert.Equal(t, "0.1", got.Remaining().String())

	require.NoError(t, m.Fill(o.ID, dec("0.1"), dec("500200")))
	got, err = m.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, got.Status)
	assert.Equal(t, "500100", got.AvgFillPrice.String())
}

func TestMockOverfillClamps(t *testing.T) {
	m := NewMockClient(dec("100000.00"))
	o := place(t, m)

	require.NoError(t, m.Fill(o.ID, dec("5"), dec("500000")))
	got, err := m.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, got.Status)
	assert.Equal(t, "0.2", got.FilledQty.String())
}

func TestMockCancel(t *testing.T) {
	m := NewMockClient(dec("100000.00"))
	o := place(t, m)

	cancelled, err := m.CancelOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	// Cancel is idempotent on terminal orders.
	again, err := m.CancelOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, again.Status)
}

func TestMockAutoFill(t *testing.T) {
	m := NewMockClient(dec("100000.00"))
	m.AutoFill(2, dec("1"), dec("150"))
	o := place(t, m)

	got, err := m.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)

	got, err = m.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, got.Status)
	assert.Equal(t, "500150", got.AvgFillPrice.String())
}

func TestMockRejectsBadOrders(t *testing.T) {
	m := NewMockClient(dec("100000.00"))

	_, err := m.PlaceLimitOrder(context.Background(), PlaceLimitOrderRequest{
		Symbol: "XBTZAR", Side: "HOLD", Qty: dec("1"), LimitPrice: dec("1"),
	})
	require.Error(t, err)

	_, err = m.PlaceLimitOrder(context.Background(), PlaceLimitOrderRequest{
		Symbol: "XBTZAR", Side: SideBuy, Qty: dec("0"), LimitPrice: dec("1"),
	})
	require.Error(t, err)

	_, err = m.GetOrder(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}
