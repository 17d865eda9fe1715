package breaker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

// Transient I/O protection: every exchange and database call runs through a
// gobreaker circuit, with exponential-backoff retry inside it. Five
// consecutive failures open the circuit for 60 seconds.
const (
	ioFailureThreshold = 5
	ioOpenTimeout      = 60 * time.Second

	retryAttempts   = 3
	retryBase       = 1 * time.Second
	retryMultiplier = 2
)

// Service names for the I/O circuits.
const (
	ServiceExchange = "exchange"
	ServiceDatabase = "database"
)

type ioMetrics struct {
	state    *prometheus.GaugeVec
	requests *prometheus.CounterVec
}

var (
	globalIOMetrics *ioMetrics
	ioMetricsOnce   sync.Once
)

func initIOMetrics() {
	ioMetricsOnce.Do(func() {
		globalIOMetrics = &ioMetrics{
			state: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "circuit_breaker_state",
					Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
				},
				[]string{"service"},
			),
			requests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "circuit_breaker_requests_total",
					Help: "Total requests through the circuit breaker",
				},
				[]string{"service", "result"},
			),
		}
	})
}

// IOManager holds one circuit per external service.
type IOManager struct {
	breakers map[string]*gobreaker.CircuitBreaker
	metrics  *ioMetrics
}

// NewIOManager creates circuits for the exchange and database services.
func NewIOManager() *IOManager {
	initIOMetrics()
	m := &IOManager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		metrics:  globalIOMetrics,
	}
	for _, name := range []string{ServiceExchange, ServiceDatabase} {
		service := name
		m.breakers[service] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    service,
			Timeout: ioOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= ioFailureThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				m.metrics.state.WithLabelValues(name).Set(stateValue(to))
			},
		})
	}
	return m
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Execute runs fn through the named circuit with retry. Each attempt passes
// through the breaker; an open circuit fails fast without consuming retries.
func (m *IOManager) Execute(ctx context.Context, service string, fn func() error) error {
	cb, ok := m.breakers[service]
	if !ok {
		return fn()
	}

	var lastErr error
	delay := retryBase
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			// Full jitter on the exponential delay.
			sleep := time.Duration(rand.Int63n(int64(delay) + 1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
			delay *= retryMultiplier
		}

		_, err := cb.Execute(func() (interface{}, error) {
			return nil, fn()
		})
		if err == nil {
			m.metrics.requests.WithLabelValues(service, "success").Inc()
			return nil
		}
		lastErr = err
		m.metrics.requests.WithLabelValues(service, "failure").Inc()

		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			// No point retrying into an open circuit.
			return err
		}
	}
	return lastErr
}
