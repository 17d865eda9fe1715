package events

import (
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureEmitter struct {
	types []string
}

func (c *captureEmitter) Emit(eventType string, _ uuid.UUID, _ map[string]interface{}) {
	c.types = append(c.types, eventType)
}

func TestBusDeliversSynchronouslyInOrder(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var order []string
	bus.Subscribe(func(Event) { order = append(order, "first") }, TypeGuardianLocked)
	bus.Subscribe(func(Event) { order = append(order, "second") }, TypeGuardianLocked)

	bus.Emit(TypeGuardianLocked, uuid.New(), nil)

	// Both handlers ran before Emit returned, in registration order.
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestBusRoutesByType(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var typed, all int
	bus.Subscribe(func(Event) { typed++ }, TypeHITLDecided)
	bus.Subscribe(func(Event) { all++ })

	bus.Emit(TypeHITLDecided, uuid.New(), nil)
	bus.Emit(TypeHITLExpired, uuid.New(), nil)

	assert.Equal(t, 1, typed)
	assert.Equal(t, 2, all)
}

func TestBusEnvelopeFields(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	corrID := uuid.New()

	var got Event
	bus.Subscribe(func(ev Event) { got = ev })
	bus.Emit(TypeOrderReconciled, corrID, map[string]interface{}{"outcome": "FILLED"})

	require.NotEqual(t, uuid.Nil, got.ID)
	assert.Equal(t, TypeOrderReconciled, got.Type)
	assert.Equal(t, corrID, got.CorrelationID)
	assert.False(t, got.Time.IsZero())
	assert.Equal(t, "FILLED", got.Payload["outcome"])
}

func TestMirrorSeesEveryEvent(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	mirror := &captureEmitter{}
	bus.Mirror(mirror)

	bus.Emit(TypeHITLCreated, uuid.New(), nil)
	bus.Emit(TypeGuardianUnlocked, uuid.New(), nil)

	assert.Equal(t, []string{TypeHITLCreated, TypeGuardianUnlocked}, mirror.types)
}
