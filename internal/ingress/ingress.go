// Package ingress accepts raw webhook signals. The HMAC signature is
// verified over the raw bytes before any parsing happens, numeric fields
// must arrive as strings or integers, and inserts are idempotent on
// (source, external_id). Accept only acks; pipeline work is handed to a
// bounded queue drained by the orchestrator.
package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ajitpratap0/sovereign/internal/config"
	"github.com/ajitpratap0/sovereign/internal/db"
	"github.com/ajitpratap0/sovereign/internal/metrics"
	"github.com/ajitpratap0/sovereign/internal/money"
	"github.com/ajitpratap0/sovereign/internal/outcome"
)

// Result is the ingress acknowledgment.
type Result struct {
	CorrelationID uuid.UUID
	Duplicate     bool
}

// ErrQueueFull is returned when the downstream queue cannot take the
// signal. The HTTP layer maps it to 503.
var ErrQueueFull = errors.New("signal queue full")

// Service verifies, parses, and persists incoming signals.
type Service struct {
	secret string
	store  *db.SignalStore
	queue  chan *db.Signal
	log    zerolog.Logger
}

// New creates an ingress service with a bounded dispatch queue.
func New(cfg config.WebhookConfig, store *db.SignalStore, log zerolog.Logger) *Service {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 256
	}
	return &Service{
		secret: cfg.HMACSecret,
		store:  store,
		queue:  make(chan *db.Signal, depth),
		log:    log.With().Str("component", "ingress").Logger(),
	}
}

// Queue exposes the dispatch queue for the orchestrator to drain.
func (s *Service) Queue() <-chan *db.Signal {
	return s.queue
}

// signalPayload is the webhook wire format. Price must be a string or
// integer token; a float token is rejected before it ever becomes a number.
type signalPayload struct {
	Source     string      `json:"source"`
	ExternalID string      `json:"external_id"`
	Symbol     string      `json:"symbol"`
	Side       string      `json:"side"`
	Price      json.Number `json:"price"`
}

// Accept verifies and persists one raw webhook body. Signature verification
// runs over the raw bytes with a constant-time compare before any parsing.
func (s *Service) Accept(ctx context.Context, raw []byte, signature string) (*Result, error) {
	if !money.HMACVerify(raw, s.secret, signature) {
		return nil, outcome.Refuse(outcome.CodeBadSignature, "webhook signature verification failed")
	}

	// Shed load before doing any work: a saturated pipeline answers 503
	// rather than stacking up acks it cannot honor.
	if len(s.queue) == cap(s.queue) {
		return nil, ErrQueueFull
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	dec.DisallowUnknownFields()

	var p signalPayload
	if err := dec.Decode(&p); err != nil {
		return nil, outcome.Refuse(outcome.CodeInvalidState, "malformed signal payload: %v", err)
	}
	// source is optional on the wire; idempotency still keys on
	// (source, external_id) with the default applied.
	if p.Source == "" {
		p.Source = "webhook"
	}
	if p.ExternalID == "" || p.Symbol == "" {
		return nil, outcome.Refuse(outcome.CodeInvalidState, "external_id and symbol are required")
	}
	if p.Side != "BUY" && p.Side != "SELL" {
		return nil, outcome.Refuse(outcome.CodeInvalidState, "side must be BUY or SELL, got %q", p.Side)
	}

	price, err := money.FromJSONNumber(p.Price, money.ScalePrice)
	if err != nil {
		if err == money.ErrFloatToken {
			return nil, outcome.Refuse(outcome.CodeFloatToken, "price must be a string or integer token")
		}
		return nil, outcome.Refuse(outcome.CodeInvalidState, "invalid price: %v", err)
	}
	if !price.IsPositive() {
		return nil, outcome.Refuse(outcome.CodeInvalidState, "price must be positive")
	}

	sig := &db.Signal{
		CorrelationID: uuid.New(),
		Source:        p.Source,
		ExternalID:    p.ExternalID,
		Symbol:        p.Symbol,
		Side:          p.Side,
		Price:         price,
		ReceivedAt:    time.Now().UTC(),
	}

	correlationID, duplicate, err := s.store.InsertIdempotent(ctx, sig)
	if err != nil {
		return nil, err
	}
	metrics.SignalsReceived.Inc()

	if duplicate {
		s.log.Info().
			Str("correlation_id", correlationID.String()).
			Str("source", p.Source).
			Str("external_id", p.ExternalID).
			Msg("Duplicate signal acknowledged")
		return &Result{CorrelationID: correlationID, Duplicate: true}, nil
	}

	sig.CorrelationID = correlationID
	select {
	case s.queue <- sig:
	default:
		s.log.Warn().Str("correlation_id", correlationID.String()).Msg("Signal queue full; shedding")
		return nil, ErrQueueFull
	}

	s.log.Info().
		Str("correlation_id", correlationID.String()).
		Str("symbol", p.Symbol).
		Str("side", p.Side).
		Msg("Signal accepted")
	return &Result{CorrelationID: correlationID}, nil
}
