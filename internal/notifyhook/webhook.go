package notifyhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cc-agency/agency/internal/config"
	"github.com/cc-agency/agency/internal/model"
)

// webhookHook posts the terminal batch payload as JSON to a configured URL,
// with optional basic auth, and retries a non-2xx response a bounded number
// of times before giving up (spec §6: delivery is best-effort, never blocks
// the voiding/registration pipeline).
type webhookHook struct {
	url      string
	username string
	password string
	client   *http.Client
}

func newWebhookHook(h config.NotificationHook) *webhookHook {
	wh := &webhookHook{url: h.URL, client: &http.Client{Timeout: 10 * time.Second}}
	if h.Auth != nil {
		wh.username = h.Auth.Username
		wh.password = h.Auth.Password
	}
	return wh
}

var webhookRetryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

func (w *webhookHook) Notify(ctx context.Context, batches []model.Batch) error {
	body, err := json.Marshal(toPayload(batches))
	if err != nil {
		return fmt.Errorf("notifyhook: marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= len(webhookRetryDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(webhookRetryDelays[attempt-1]):
			}
		}
		if lastErr = w.deliver(ctx, body); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("notifyhook: webhook delivery to %s failed after retries: %w", w.url, lastErr)
}

func (w *webhookHook) deliver(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.username != "" {
		req.SetBasicAuth(w.username, w.password)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
