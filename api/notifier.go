package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// LogNotifier writes notifications to the process log. Used when no external
// notification endpoint is configured.
type LogNotifier struct{}

// Notify logs the message.
func (LogNotifier) Notify(_ context.Context, followerID int64, message string) {
	log.Printf("[Notifier] follower=%d: %s", followerID, message)
}

// WebhookNotifier POSTs notifications to an external front end (the Telegram
// bot service). Failures are logged and swallowed; notifications are never
// allowed to fail a replication attempt.
type WebhookNotifier struct {
	endpoint   string
	httpClient *http.Client
}

// NewWebhookNotifier creates a notifier for the given endpoint.
func NewWebhookNotifier(endpoint string) *WebhookNotifier {
	return &WebhookNotifier{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Notify delivers the message, fire-and-forget.
func (n *WebhookNotifier) Notify(ctx context.Context, followerID int64, message string) {
	payload, err := json.Marshal(map[string]interface{}{
		"follower_id": followerID,
		"message":     message,
	})
	if err != nil {
		log.Printf("[Notifier] marshal failed: %v", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(payload))
	if err != nil {
		log.Printf("[Notifier] request build failed: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		log.Printf("[Notifier] delivery failed for follower %d: %v", followerID, err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Printf("[Notifier] delivery rejected for follower %d: status %d", followerID, resp.StatusCode)
	}
}
