package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSPublisher mirrors bus events onto NATS subjects
// (<base>.<event type>), fire-and-forget.
type NATSPublisher struct {
	nc   *nats.Conn
	base string
	log  zerolog.Logger
}

// NewNATSPublisher connects to NATS with infinite reconnects.
func NewNATSPublisher(url, subjectBase string, log zerolog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(
		url,
		nats.Name("sovereign-events"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSPublisher{
		nc:   nc,
		base: subjectBase,
		log:  log.With().Str("component", "nats_publisher").Logger(),
	}, nil
}

// Emit publishes the event envelope as JSON. Publish failures are logged,
// never propagated: event delivery must not block the safety pipeline.
func (p *NATSPublisher) Emit(eventType string, correlationID uuid.UUID, payload map[string]interface{}) {
	ev := Event{
		ID:            uuid.New(),
		Type:          eventType,
		CorrelationID: correlationID,
		Time:          time.Now().UTC(),
		Payload:       payload,
	}

	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Error().Err(err).Str("type", eventType).Msg("Failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", p.base, eventType)
	if err := p.nc.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("Failed to publish event")
	}
}

// Close drains the connection.
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}
