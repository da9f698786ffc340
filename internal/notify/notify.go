// Package notify posts job completion events to an external webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"callscribe/pkg/logger"
)

// Event describes a finished job for downstream consumers.
type Event struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	Provider  string    `json:"provider,omitempty"`
	Score     float64   `json:"score"`
	Escalated bool      `json:"escalated"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier delivers completion events.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// WebhookNotifier POSTs events as JSON to a configured URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *logger.Logger
}

// NewWebhookNotifier creates a webhook notifier. An empty URL yields a
// notifier whose Notify is a no-op.
func NewWebhookNotifier(url string, timeout time.Duration, log *logger.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: log.Named("notify"),
	}
}

// Notify posts the event. Failures are returned but callers treat delivery
// as best-effort.
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n.url == "" {
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	n.logger.Debug("Delivered webhook event",
		logger.String("job_id", event.JobID),
		logger.String("status", event.Status))
	return nil
}
