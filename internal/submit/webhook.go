package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/matthew-callmother/estimator/pkg/logging"
)

// Webhook delivers lead payloads to the configured endpoint. Delivery is
// single-shot: a failed POST surfaces to the caller, which keeps the session
// open so the visitor can retry.
type Webhook struct {
	url        string
	httpClient *http.Client
	logger     *logging.Logger
}

// WebhookOption is a functional option for configuring the Webhook.
type WebhookOption func(*Webhook)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(w *Webhook) {
		w.httpClient = client
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *logging.Logger) WebhookOption {
	return func(w *Webhook) {
		w.logger = logger
	}
}

// NewWebhook creates a webhook client for the given endpoint URL.
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url: url,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logging.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Send POSTs the payload as JSON. Any non-2xx response is an error.
func (w *Webhook) Send(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("submit: encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("submit: create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("submit: webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("submit: webhook returned status %d: %s", resp.StatusCode, string(snippet))
	}

	w.logger.Info("lead delivered", "session_id", payload.SessionID, "status", resp.StatusCode)
	return nil
}
