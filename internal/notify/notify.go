// Package notify fans operator-facing alerts out to configured channels and
// bridges control-plane events onto them. Notification failures are logged,
// never propagated into the trading path.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/sovereign/internal/events"
)

// Severity levels for alerts.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is one operator-facing message.
type Alert struct {
	Title     string
	Message   string
	Severity  Severity
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// Alerter sends alerts to one channel.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Manager fans alerts out to all configured channels.
type Manager struct {
	alerters []Alerter
}

// NewManager creates an alert manager.
func NewManager(alerters ...Alerter) *Manager {
	return &Manager{alerters: alerters}
}

// Send delivers the alert to every channel, returning the last failure.
func (m *Manager) Send(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}

	var lastErr error
	for _, a := range m.alerters {
		if err := a.Send(ctx, alert); err != nil {
			log.Error().Err(err).Str("title", alert.Title).Msg("Failed to send alert")
			lastErr = err
		}
	}
	return lastErr
}

// SubscribeBus bridges safety-relevant bus events to alerts. Delivery runs
// on a separate goroutine so a slow webhook never blocks an event publisher.
func (m *Manager) SubscribeBus(bus *events.Bus) {
	bus.Subscribe(func(ev events.Event) {
		alert, ok := alertFor(ev)
		if !ok {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = m.Send(ctx, alert)
		}()
	},
		events.TypeGuardianLocked,
		events.TypeGuardianUnlocked,
		events.TypeHITLCreated,
		events.TypeHITLExpired,
	)
}

func alertFor(ev events.Event) (Alert, bool) {
	switch ev.Type {
	case events.TypeGuardianLocked:
		return Alert{
			Title:    "SYSTEM LOCKED",
			Message:  fmt.Sprintf("Guardian hard stop engaged: %v", ev.Payload["reason"]),
			Severity: SeverityCritical,
			Metadata: ev.Payload,
		}, true
	case events.TypeGuardianUnlocked:
		return Alert{
			Title:    "System unlocked",
			Message:  fmt.Sprintf("Guardian lock cleared by %v", ev.Payload["actor"]),
			Severity: SeverityWarning,
			Metadata: ev.Payload,
		}, true
	case events.TypeHITLCreated:
		return Alert{
			Title: "Approval required",
			Message: fmt.Sprintf("%v %v awaiting approval until %v",
				ev.Payload["side"], ev.Payload["symbol"], ev.Payload["expires_at"]),
			Severity: SeverityInfo,
			Metadata: ev.Payload,
		}, true
	case events.TypeHITLExpired:
		return Alert{
			Title:    "Approval expired",
			Message:  fmt.Sprintf("Request for %v timed out without a decision", ev.Payload["symbol"]),
			Severity: SeverityWarning,
			Metadata: ev.Payload,
		}, true
	}
	return Alert{}, false
}
