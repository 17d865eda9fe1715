package market

import (
	"fmt"

	"github.com/cinar/indicator/v2/trend"
	"github.com/shopspring/decimal"
)

// Volatility buckets derived from ATR as a percentage of price.
const (
	VolatilityCalm     = "CALM"
	VolatilityNormal   = "NORMAL"
	VolatilityVolatile = "VOLATILE"
)

// Trend states derived from the fast/slow EMA relationship.
const (
	TrendUp   = "UP"
	TrendDown = "DOWN"
	TrendFlat = "FLAT"
)

// DefaultRegimeTag is used when too few candles have accrued to classify.
// Trust state keyed on it still converges; it just pools regimes together.
const DefaultRegimeTag = "default"

// Regime is a point-in-time classification of market conditions. Tag is the
// trust-state partition key, e.g. "VOLATILE-UP".
type Regime struct {
	Tag        string
	ATR        decimal.Decimal
	ATRPct     decimal.Decimal
	Volatility string
	Trend      string
}

// Classifier buckets recent candles into a volatility and trend regime.
type Classifier struct {
	atrPeriod int
	emaFast   int
	emaSlow   int
	calmBelow decimal.Decimal
	wildAbove decimal.Decimal
}

// NewClassifier returns a classifier with Wilder-standard periods. The ATR
// percentage thresholds are tuned for one-minute bars.
func NewClassifier() *Classifier {
	return &Classifier{
		atrPeriod: DefaultATRPeriod,
		emaFast:   9,
		emaSlow:   21,
		calmBelow: decimal.RequireFromString("0.05"),
		wildAbove: decimal.RequireFromString("0.30"),
	}
}

// minCandles is the shortest history Classify accepts.
func (c *Classifier) minCandles() int {
	if c.emaSlow > c.atrPeriod+1 {
		return c.emaSlow
	}
	return c.atrPeriod + 1
}

// Classify derives the regime from the candles, oldest first. ok is false
// when the history is too short to classify.
func (c *Classifier) Classify(candles []Candle) (*Regime, bool) {
	if len(candles) < c.minCandles() {
		return nil, false
	}

	atr, err := ATR(candles, c.atrPeriod)
	if err != nil {
		return nil, false
	}
	atrPct, err := ATRPct(candles, c.atrPeriod)
	if err != nil {
		return nil, false
	}

	volatility := VolatilityNormal
	switch {
	case atrPct.LessThan(c.calmBelow):
		volatility = VolatilityCalm
	case atrPct.GreaterThan(c.wildAbove):
		volatility = VolatilityVolatile
	}

	fast, fastOK := lastEMA(candles, c.emaFast)
	slow, slowOK := lastEMA(candles, c.emaSlow)
	trendState := TrendFlat
	if fastOK && slowOK && slow != 0 {
		// A band of a tenth of the ATR around the slow EMA absorbs crossover
		// chatter.
		band, _ := atr.Float64()
		band /= 10
		switch {
		case fast > slow+band:
			trendState = TrendUp
		case fast < slow-band:
			trendState = TrendDown
		}
	}

	return &Regime{
		Tag:        fmt.Sprintf("%s-%s", volatility, trendState),
		ATR:        atr,
		ATRPct:     atrPct,
		Volatility: volatility,
		Trend:      trendState,
	}, true
}

func lastEMA(candles []Candle, period int) (float64, bool) {
	if len(candles) < period {
		return 0, false
	}
	closings := make(chan float64, len(candles))
	for _, c := range candles {
		closings <- c.Close
	}
	close(closings)

	ema := trend.NewEmaWithPeriod[float64](period)
	var last float64
	seen := false
	for v := range ema.Compute(closings) {
		last = v
		seen = true
	}
	return last, seen
}
