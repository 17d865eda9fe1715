package market

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Recorder aggregates observed prices into fixed-interval candles. The
// control plane has no candle feed of its own; signal and vitals prices are
// enough to track the volatility features the learning loop needs.
type Recorder struct {
	mu       sync.Mutex
	interval time.Duration
	capacity int
	candles  []Candle
	open     *Candle
	openedAt time.Time
	now      func() time.Time
}

// NewRecorder creates a recorder that keeps up to capacity closed candles at
// the given interval.
func NewRecorder(interval time.Duration, capacity int) *Recorder {
	if interval <= 0 {
		interval = time.Minute
	}
	if capacity <= 0 {
		capacity = 240
	}
	return &Recorder{
		interval: interval,
		capacity: capacity,
		now:      time.Now,
	}
}

// Observe records one price into the current candle, closing it first when
// its interval has elapsed. Conversion to float is an analytics boundary;
// recorded candles never feed a money calculation.
func (r *Recorder) Observe(price decimal.Decimal) {
	f, _ := price.Float64()
	if f <= 0 {
		return
	}
	bucket := r.now().UTC().Truncate(r.interval)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.open != nil && !bucket.Equal(r.openedAt) {
		r.candles = append(r.candles, *r.open)
		if len(r.candles) > r.capacity {
			r.candles = r.candles[len(r.candles)-r.capacity:]
		}
		r.open = nil
	}

	if r.open == nil {
		r.open = &Candle{High: f, Low: f, Close: f}
		r.openedAt = bucket
		return
	}

	if f > r.open.High {
		r.open.High = f
	}
	if f < r.open.Low {
		r.open.Low = f
	}
	r.open.Close = f
}

// Candles returns a copy of the closed candles, oldest first.
func (r *Recorder) Candles() []Candle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Candle, len(r.candles))
	copy(out, r.candles)
	return out
}

// Len reports the number of closed candles.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.candles)
}
