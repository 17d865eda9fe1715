package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Discord embed colors per severity.
const (
	colorInfo     = 0x3498db
	colorWarning  = 0xf1c40f
	colorCritical = 0xe74c3c
)

// DiscordAlerter sends alerts to a Discord channel webhook.
type DiscordAlerter struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordAlerter creates a Discord webhook alerter.
func NewDiscordAlerter(webhookURL string) (*DiscordAlerter, error) {
	if webhookURL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	return &DiscordAlerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type discordEmbed struct {
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Color       int                 `json:"color"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
	Timestamp   string              `json:"timestamp"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

// Send posts the alert as a Discord embed.
func (d *DiscordAlerter) Send(ctx context.Context, alert Alert) error {
	embed := discordEmbed{
		Title:       alert.Title,
		Description: alert.Message,
		Color:       severityColor(alert.Severity),
		Timestamp:   alert.Timestamp.UTC().Format(time.RFC3339),
	}
	for key, value := range alert.Metadata {
		embed.Fields = append(embed.Fields, discordEmbedField{
			Name:   key,
			Value:  fmt.Sprintf("%v", value),
			Inline: true,
		})
	}

	body, err := json.Marshal(discordPayload{Embeds: []discordEmbed{embed}})
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send discord alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("discord webhook returned status %d", resp.StatusCode)
	}

	log.Debug().
		Str("alert_title", alert.Title).
		Str("severity", string(alert.Severity)).
		Msg("Discord alert sent")
	return nil
}

func severityColor(s Severity) int {
	switch s {
	case SeverityCritical:
		return colorCritical
	case SeverityWarning:
		return colorWarning
	default:
		return colorInfo
	}
}
