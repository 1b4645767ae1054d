package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/carpool/internal/events"
	"github.com/example/carpool/internal/observability"
)

// Notification is one message for one user.
type Notification struct {
	Kind      events.Kind    `json:"kind"`
	Recipient string         `json:"recipient"`
	Payload   map[string]any `json:"payload"`
}

// Notifier delivers a notification over one channel. Callers treat every
// error as best-effort and never fail a ride transition over it.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

var ErrNoRecipient = errors.New("no address for recipient")

// WebhookNotifier posts notifications to an email/SMS gateway that resolves
// the recipient's contact details itself.
type WebhookNotifier struct {
	Endpoint string
	Client   *http.Client
}

func NewWebhookNotifier(endpoint string) *WebhookNotifier {
	return &WebhookNotifier{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (d *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned %d", resp.StatusCode)
	}
	observability.NotificationsSent.WithLabelValues(string(n.Kind), "webhook").Inc()
	return nil
}

// LogNotifier only logs. Used when no delivery channel is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "kind", n.Kind, "recipient", n.Recipient, "payload", n.Payload)
	observability.NotificationsSent.WithLabelValues(string(n.Kind), "log").Inc()
	return nil
}
