// Package market provides quote snapshots for the approval pipeline. The
// HITL gateway records a bid/ask/spread/latency snapshot with every request;
// quotes pass through an optional Redis cache so a burst of signals does not
// hammer the exchange.
package market

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/sovereign/internal/money"
)

// Quote is one top-of-book snapshot.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	SpreadPct decimal.Decimal `json:"spread_pct"`
	LatencyMS int64           `json:"latency_ms"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Provider fetches quote snapshots.
type Provider interface {
	Quote(ctx context.Context, symbol string) (*Quote, error)
}

// SpreadPct computes (ask - bid) / mid at percent scale. Zero when the book
// is degenerate.
func SpreadPct(bid, ask decimal.Decimal) decimal.Decimal {
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	if !mid.IsPositive() {
		return decimal.Zero
	}
	return ask.Sub(bid).Div(mid).Mul(decimal.NewFromInt(100)).RoundBank(money.ScalePct)
}

// MockProvider serves fixed quotes for mock mode and tests.
type MockProvider struct {
	mu     sync.RWMutex
	quotes map[string]*Quote
}

// NewMockProvider creates an empty mock provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{quotes: make(map[string]*Quote)}
}

// Set installs the quote returned for a symbol.
func (m *MockProvider) Set(symbol string, bid, ask decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[symbol] = &Quote{
		Symbol:    symbol,
		Bid:       bid,
		Ask:       ask,
		Last:      bid.Add(ask).Div(decimal.NewFromInt(2)).RoundBank(money.ScalePrice),
		SpreadPct: SpreadPct(bid, ask),
	}
}

// Quote returns the installed quote, stamped with the current time.
func (m *MockProvider) Quote(_ context.Context, symbol string) (*Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.quotes[symbol]
	if !ok {
		return nil, ErrNoQuote
	}
	out := *q
	out.FetchedAt = time.Now().UTC()
	out.LatencyMS = 1
	return &out, nil
}
