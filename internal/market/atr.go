package market

import (
	"fmt"

	"github.com/cinar/indicator/v2/volatility"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/sovereign/internal/money"
)

// Candle is one OHLC bar. Floats here are an analytics boundary: ATR feeds
// volatility features and sanity checks, never a money calculation.
type Candle struct {
	High  float64
	Low   float64
	Close float64
}

// DefaultATRPeriod is the standard Wilder period.
const DefaultATRPeriod = 14

// ATR computes the Average True Range over the candles and returns it at
// price scale. Needs at least period+1 bars.
func ATR(candles []Candle, period int) (decimal.Decimal, error) {
	if period < 1 {
		return decimal.Zero, fmt.Errorf("invalid atr period %d", period)
	}
	if len(candles) <= period {
		return decimal.Zero, fmt.Errorf("need at least %d candles for atr, got %d", period+1, len(candles))
	}

	highs := make(chan float64, len(candles))
	lows := make(chan float64, len(candles))
	closings := make(chan float64, len(candles))
	for _, c := range candles {
		highs <- c.High
		lows <- c.Low
		closings <- c.Close
	}
	close(highs)
	close(lows)
	close(closings)

	atr := volatility.NewAtrWithPeriod[float64](period)
	var last float64
	seen := false
	for v := range atr.Compute(highs, lows, closings) {
		last = v
		seen = true
	}
	if !seen {
		return decimal.Zero, fmt.Errorf("no atr values produced")
	}
	return decimal.NewFromFloat(last).RoundBank(money.ScalePrice), nil
}

// ATRPct expresses ATR as a percentage of the latest close.
func ATRPct(candles []Candle, period int) (decimal.Decimal, error) {
	atr, err := ATR(candles, period)
	if err != nil {
		return decimal.Zero, err
	}
	lastClose := decimal.NewFromFloat(candles[len(candles)-1].Close)
	if !lastClose.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive close price")
	}
	return atr.Div(lastClose).Mul(decimal.NewFromInt(100)).RoundBank(money.ScalePct), nil
}
