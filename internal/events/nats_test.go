package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEmbeddedNATS(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Host: "127.0.0.1",
		Port: -1,
	})
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestNATSPublisherMirrorsBusEvents(t *testing.T) {
	ns := startEmbeddedNATS(t)

	pub, err := NewNATSPublisher(ns.ClientURL(), "sovereign.events", zerolog.Nop())
	require.NoError(t, err)
	defer pub.Close()

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	received := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("sovereign.events.>", received)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, nc.Flush())

	bus := NewBus(zerolog.Nop())
	bus.Mirror(pub)

	corrID := uuid.New()
	bus.Emit(TypeGuardianLocked, corrID, map[string]interface{}{"reason": "PANIC"})

	select {
	case msg := <-received:
		assert.Equal(t, "sovereign.events."+TypeGuardianLocked, msg.Subject)

		var ev Event
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, TypeGuardianLocked, ev.Type)
		assert.Equal(t, corrID, ev.CorrelationID)
		assert.Equal(t, "PANIC", ev.Payload["reason"])
		assert.False(t, ev.Time.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("no event published to NATS")
	}
}

func TestNATSPublisherConnectFailure(t *testing.T) {
	// Reconnects cover drops after connect; an unreachable URL fails at
	// construction.
	_, err := NewNATSPublisher("nats://127.0.0.1:1", "sovereign.events", zerolog.Nop())
	require.Error(t, err)
}
