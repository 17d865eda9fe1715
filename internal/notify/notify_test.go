package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/sovereign/internal/events"
)

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (r *recordingAlerter) Send(_ context.Context, alert Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return r.err
}

func (r *recordingAlerter) seen() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

func TestManagerFansOutToAllAlerters(t *testing.T) {
	a, b := &recordingAlerter{}, &recordingAlerter{}
	m := NewManager(a, b)

	err := m.Send(context.Background(), Alert{Title: "test", Severity: SeverityInfo})
	require.NoError(t, err)
	assert.Len(t, a.seen(), 1)
	assert.Len(t, b.seen(), 1)
	assert.False(t, a.seen()[0].Timestamp.IsZero())
}

func TestManagerReturnsLastFailure(t *testing.T) {
	failing := &recordingAlerter{err: errors.New("webhook down")}
	healthy := &recordingAlerter{}
	m := NewManager(failing, healthy)

	err := m.Send(context.Background(), Alert{Title: "test"})
	require.Error(t, err)
	// The healthy channel still got the alert.
	assert.Len(t, healthy.seen(), 1)
}

func TestSubscribeBusTranslatesGuardianLock(t *testing.T) {
	rec := &recordingAlerter{}
	m := NewManager(rec)
	bus := events.NewBus(zerolog.Nop())
	m.SubscribeBus(bus)

	bus.Emit(events.TypeGuardianLocked, uuid.New(), map[string]interface{}{
		"reason": "DAILY_LOSS_EXCEEDED",
	})

	require.Eventually(t, func() bool { return len(rec.seen()) == 1 }, time.Second, 5*time.Millisecond)
	alert := rec.seen()[0]
	assert.Equal(t, SeverityCritical, alert.Severity)
	assert.Contains(t, alert.Message, "DAILY_LOSS_EXCEEDED")
}

func TestSubscribeBusIgnoresUnmappedEvents(t *testing.T) {
	rec := &recordingAlerter{}
	m := NewManager(rec)
	bus := events.NewBus(zerolog.Nop())
	m.SubscribeBus(bus)

	bus.Emit(events.TypeOrderReconciled, uuid.New(), nil)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.seen())
}

func TestDiscordAlerterRequiresURL(t *testing.T) {
	_, err := NewDiscordAlerter("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook URL is required")
}

func TestDiscordAlerterSend(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	alerter, err := NewDiscordAlerter(srv.URL)
	require.NoError(t, err)

	err = alerter.Send(context.Background(), Alert{
		Title:     "SYSTEM LOCKED",
		Message:   "Guardian hard stop engaged",
		Severity:  SeverityCritical,
		Timestamp: time.Now().UTC(),
		Metadata:  map[string]interface{}{"reason": "MANUAL"},
	})
	require.NoError(t, err)

	require.Len(t, got.Embeds, 1)
	assert.Equal(t, "SYSTEM LOCKED", got.Embeds[0].Title)
	assert.Equal(t, colorCritical, got.Embeds[0].Color)
	require.Len(t, got.Embeds[0].Fields, 1)
	assert.Equal(t, "reason", got.Embeds[0].Fields[0].Name)
}

func TestDiscordAlerterSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	alerter, err := NewDiscordAlerter(srv.URL)
	require.NoError(t, err)

	err = alerter.Send(context.Background(), Alert{Title: "test"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}
