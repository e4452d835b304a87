// Package connector delivers operator alerts to external services.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mclisten-project/mclisten/internal/config"
	"github.com/mclisten-project/mclisten/internal/events"
)

const handlerPrefix = "discord."

// DiscordNotifier posts upstream outages and disk alerts to a Discord
// webhook.
type DiscordNotifier struct {
	cfg      config.NotifyConfig
	eventBus *events.EventBus
	client   *http.Client
	logger   zerolog.Logger

	mu       sync.Mutex
	lastUp   bool
	haveLast bool
}

// NewDiscordNotifier creates a notifier and subscribes it to the bus.
func NewDiscordNotifier(cfg config.NotifyConfig, eventBus *events.EventBus) *DiscordNotifier {
	dn := &DiscordNotifier{
		cfg:      cfg,
		eventBus: eventBus,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   log.With().Str("component", "discord").Logger(),
	}

	if cfg.OnUpstreamChange {
		eventBus.Subscribe(events.EventUpstreamHealth, handlerPrefix+"upstream", dn.onUpstreamHealth)
	}
	if cfg.OnDiskAlert {
		eventBus.Subscribe(events.EventDiskAlert, handlerPrefix+"disk", dn.onDiskAlert)
	}
	return dn
}

// Close unsubscribes the notifier.
func (dn *DiscordNotifier) Close() {
	dn.eventBus.Unsubscribe(events.EventUpstreamHealth, handlerPrefix+"upstream")
	dn.eventBus.Unsubscribe(events.EventDiskAlert, handlerPrefix+"disk")
}

// Send posts one embed to the webhook.
func (dn *DiscordNotifier) Send(ctx context.Context, title, message, level string) error {
	var color int
	switch level {
	case "critical", "error":
		color = 0xFF0000
	case "warning":
		color = 0xFFAA00
	default:
		color = 0x00FF00
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       title,
				"description": message,
				"color":       color,
				"timestamp":   time.Now().Format(time.RFC3339),
				"footer": map[string]string{
					"text": "mclisten " + config.Version,
				},
			},
		},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dn.cfg.DiscordWebhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := dn.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(body))
	}

	dn.logger.Debug().Str("title", title).Msg("Discord webhook notification sent")
	return nil
}

// onUpstreamHealth notifies when reachability flips. The first result only
// notifies when the upstream is down.
func (dn *DiscordNotifier) onUpstreamHealth(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.UpstreamHealthPayload)
	if !ok {
		return nil
	}

	dn.mu.Lock()
	changed := (!dn.haveLast && !payload.Reachable) || (dn.haveLast && dn.lastUp != payload.Reachable)
	dn.lastUp = payload.Reachable
	dn.haveLast = true
	dn.mu.Unlock()

	if !changed {
		return nil
	}
	if payload.Reachable {
		return dn.Send(ctx, "Upstream Recovered",
			fmt.Sprintf("%s answers status pings again (%d/%d players)",
				payload.Upstream, payload.PlayersOnline, payload.PlayersMax), "info")
	}
	return dn.Send(ctx, "Upstream Unreachable",
		fmt.Sprintf("%s: %s", payload.Upstream, payload.Error), "error")
}

func (dn *DiscordNotifier) onDiskAlert(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.DiskAlertPayload)
	if !ok {
		return nil
	}
	return dn.Send(ctx, "Disk Space Alert",
		fmt.Sprintf("Capture volume %s at %.1f%% (%d MB free)", payload.Path, payload.UsedPercent, payload.FreeMB),
		payload.Level)
}
