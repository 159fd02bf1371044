// Package alert delivers human-readable notifications to a chat webhook.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mgazza/meter-datafeeds/internal/datafeed"
	"github.com/mgazza/meter-datafeeds/internal/logger"
)

// DefaultTimeout bounds one webhook delivery.
const DefaultTimeout = 10 * time.Second

// Webhook posts alerts as JSON {"channel": ..., "text": ...}.
type Webhook struct {
	url    string
	client *http.Client
	log    logger.Logger
}

// NewWebhook returns an alerter posting to url.
func NewWebhook(url string, timeout time.Duration, log logger.Logger) *Webhook {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Webhook{url: url, client: &http.Client{Timeout: timeout}, log: log}
}

type payload struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

// Send delivers a. A non-2xx response is an error.
func (w *Webhook) Send(ctx context.Context, a datafeed.Alert) error {
	body, err := json.Marshal(payload{Channel: a.Channel, Text: a.Text})
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("send alert: unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	w.log.Info("Alert sent", logger.String("channel", a.Channel))
	return nil
}
