// Package alerts sends operational notifications to chat webhooks.
// Delivery is fire-and-forget: a down webhook never blocks or fails a
// trading cycle.
package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/wxedge/wxedge/internal/config"
	"github.com/wxedge/wxedge/internal/models"
)

// Notifier is the alert surface the engine talks to.
type Notifier interface {
	TradeEntry(t *models.Trade)
	Warn(title, body string)

	// SendNow delivers synchronously, for shutdown paths.
	SendNow(ctx context.Context, title, body string) error
}

// Noop drops everything. Used when no webhook is configured and in
// tests.
type Noop struct{}

func (Noop) TradeEntry(*models.Trade)                      {}
func (Noop) Warn(string, string)                           {}
func (Noop) SendNow(context.Context, string, string) error { return nil }

type webhookNotifier struct {
	client  *resty.Client
	slack   string
	discord string
}

// New builds the notifier for the configured webhooks; with none
// configured it degrades to Noop.
func New(cfg config.AlertsConfig) Notifier {
	if cfg.SlackWebhook == "" && cfg.DiscordWebhook == "" {
		return Noop{}
	}
	return &webhookNotifier{
		client:  resty.New().SetTimeout(5 * time.Second),
		slack:   cfg.SlackWebhook,
		discord: cfg.DiscordWebhook,
	}
}

func (w *webhookNotifier) TradeEntry(t *models.Trade) {
	body := fmt.Sprintf("%s %s %s %s %q @ %.2f x%.0f ($%.2f) [%s]",
		t.Venue, t.City, t.Date, t.Side, t.RangeName, t.EntryPrice, t.Shares, t.Cost, t.EntryReason)
	w.post("Trade entered", body)
}

func (w *webhookNotifier) Warn(title, body string) {
	w.post(title, body)
}

func (w *webhookNotifier) SendNow(ctx context.Context, title, body string) error {
	return w.deliver(ctx, title, body)
}

// post delivers in the background with its own deadline.
func (w *webhookNotifier) post(title, body string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.deliver(ctx, title, body); err != nil {
			log.Warn().Err(err).Str("title", title).Msg("alert delivery failed")
		}
	}()
}

func (w *webhookNotifier) deliver(ctx context.Context, title, body string) error {
	text := fmt.Sprintf("*%s*\n%s", title, body)
	if w.slack != "" {
		if _, err := w.client.R().
			SetContext(ctx).
			SetBody(map[string]string{"text": text}).
			Post(w.slack); err != nil {
			return fmt.Errorf("slack: %w", err)
		}
	}
	if w.discord != "" {
		if _, err := w.client.R().
			SetContext(ctx).
			SetBody(map[string]string{"content": text}).
			Post(w.discord); err != nil {
			return fmt.Errorf("discord: %w", err)
		}
	}
	return nil
}
