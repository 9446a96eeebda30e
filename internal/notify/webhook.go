package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Webhook relays notices as JSON to an outbound mail relay.
type Webhook struct {
	URL  string
	HTTP *http.Client
}

// NewWebhook returns a Webhook posting to url with the given timeout.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	return &Webhook{URL: url, HTTP: &http.Client{Timeout: timeout}}
}

type webhookPayload struct {
	Event   string `json:"event"`
	Address string `json:"address"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

func (w *Webhook) Notify(ctx context.Context, n Notice) error {
	b, err := json.Marshal(webhookPayload{
		Event:   string(n.Kind),
		Address: n.Address,
		Title:   n.Title,
		Message: n.Message,
	})
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}
	client := w.HTTP
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode}
	}
	return nil
}

// HTTPError reports a non-2xx webhook response.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return "webhook http status " + http.StatusText(e.StatusCode)
}
