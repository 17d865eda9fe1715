package market

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSpreadPct(t *testing.T) {
	// Bid 995, ask 1005: spread 10 over mid 1000 = 1%.
	assert.Equal(t, "1", SpreadPct(dec("995"), dec("1005")).String())
	assert.Equal(t, "0", SpreadPct(dec("0"), dec("0")).String())
}

func TestMockProvider(t *testing.T) {
	m := NewMockProvider()
	_, err := m.Quote(context.Background(), "XBTZAR")
	require.ErrorIs(t, err, ErrNoQuote)

	m.Set("XBTZAR", dec("499000"), dec("501000"))
	q, err := m.Quote(context.Background(), "XBTZAR")
	require.NoError(t, err)
	assert.Equal(t, "500000", q.Last.String())
	assert.Equal(t, "0.4", q.SpreadPct.String())
	assert.False(t, q.FetchedAt.IsZero())
}

type countingProvider struct {
	inner *MockProvider
	calls int
}

func (c *countingProvider) Quote(ctx context.Context, symbol string) (*Quote, error) {
	c.calls++
	return c.inner.Quote(ctx, symbol)
}

func TestCachedProviderServesFromCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	mock := NewMockProvider()
	mock.Set("XBTZAR", dec("499000"), dec("501000"))
	upstream := &countingProvider{inner: mock}
	cached := NewCachedProvider(upstream, client, 2*time.Second)

	q1, err := cached.Quote(context.Background(), "XBTZAR")
	require.NoError(t, err)
	q2, err := cached.Quote(context.Background(), "XBTZAR")
	require.NoError(t, err)

	assert.Equal(t, 1, upstream.calls)
	assert.True(t, q1.Bid.Equal(q2.Bid))

	// TTL expiry forces a refetch.
	mr.FastForward(3 * time.Second)
	_, err = cached.Quote(context.Background(), "XBTZAR")
	require.NoError(t, err)
	assert.Equal(t, 2, upstream.calls)
}

func TestCachedProviderNilClientPassesThrough(t *testing.T) {
	mock := NewMockProvider()
	mock.Set("XBTZAR", dec("499000"), dec("501000"))
	cached := NewCachedProvider(mock, nil, time.Second)

	q, err := cached.Quote(context.Background(), "XBTZAR")
	require.NoError(t, err)
	assert.Equal(t, "XBTZAR", q.Symbol)
}

func TestATRPct(t *testing.T) {
	// Constant 100-point range around a flat close: ATR converges to 100.
	candles := make([]Candle, 20)
	for i := range candles {
		candles[i] = Candle{High: 10050, Low: 9950, Close: 10000}
	}

	atr, err := ATR(candles, DefaultATRPeriod)
	require.NoError(t, err)
	assert.Equal(t, "100", atr.String())

	pct, err := ATRPct(candles, DefaultATRPeriod)
	require.NoError(t, err)
	assert.Equal(t, "1", pct.String())
}

func TestATRInsufficientData(t *testing.T) {
	_, err := ATR(make([]Candle, 5), DefaultATRPeriod)
	require.Error(t, err)
}
