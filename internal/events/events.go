// Package events carries the real-time event surface of the control plane.
// An in-process bus delivers events synchronously so ordering-sensitive
// consumers (the Guardian lock cascade in particular) observe them before
// the publisher proceeds; a NATS publisher mirrors them outward when
// configured.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types emitted by the control plane.
const (
	TypeHITLCreated      = "hitl.created"
	TypeHITLDecided      = "hitl.decided"
	TypeHITLExpired      = "hitl.expired"
	TypeHITLRecovered    = "hitl.recovered"
	TypeHITLAutoApproved = "hitl.auto_approved"
	TypeGuardianLocked   = "guardian.locked"
	TypeGuardianUnlocked = "guardian.unlocked"
	TypeOrderReconciled  = "order.reconciled"
)

// Event is the envelope published for every control-plane occurrence.
type Event struct {
	ID            uuid.UUID              `json:"id"`
	Type          string                 `json:"type"`
	CorrelationID uuid.UUID              `json:"correlation_id"`
	Time          time.Time              `json:"time"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
}

// Emitter publishes events. Transport is pluggable; the in-process Bus and
// the NATS publisher both satisfy it.
type Emitter interface {
	Emit(eventType string, correlationID uuid.UUID, payload map[string]interface{})
}

// Handler receives events from the in-process bus. Handlers run on the
// publisher's goroutine; they must be fast and must not publish recursively.
type Handler func(ev Event)

// Bus is a synchronous in-process fan-out. Subscribers registered for a type
// see every event of that type before Emit returns, in registration order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	all      []Handler
	mirrors  []Emitter
	log      zerolog.Logger
}

// NewBus creates an in-process event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		log:      log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for the given event types, or for all events
// when none are given.
func (b *Bus) Subscribe(handler Handler, eventTypes ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(eventTypes) == 0 {
		b.all = append(b.all, handler)
		return
	}
	for _, t := range eventTypes {
		b.handlers[t] = append(b.handlers[t], handler)
	}
}

// Mirror registers an additional emitter (e.g. the NATS publisher) that
// receives a copy of every event after the synchronous handlers ran.
func (b *Bus) Mirror(e Emitter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirrors = append(b.mirrors, e)
}

// Emit builds the envelope and delivers it synchronously.
func (b *Bus) Emit(eventType string, correlationID uuid.UUID, payload map[string]interface{}) {
	ev := Event{
		ID:            uuid.New(),
		Type:          eventType,
		CorrelationID: correlationID,
		Time:          time.Now().UTC(),
		Payload:       payload,
	}

	b.mu.RLock()
	typed := b.handlers[eventType]
	all := b.all
	mirrors := b.mirrors
	b.mu.RUnlock()

	for _, h := range typed {
		h(ev)
	}
	for _, h := range all {
		h(ev)
	}
	for _, m := range mirrors {
		m.Emit(eventType, correlationID, payload)
	}

	b.log.Debug().
		Str("type", eventType).
		Str("correlation_id", correlationID.String()).
		Msg("Event emitted")
}

// NopEmitter discards every event. Used by tests and disabled transports.
type NopEmitter struct{}

func (NopEmitter) Emit(string, uuid.UUID, map[string]interface{}) {}
