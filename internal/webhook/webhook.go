// Package webhook implements C6: a best-effort callback client that
// posts OutputProject status transitions to an externally configured
// URL. Fire and forget with a bounded timeout; never blocks the caller
// and never retries synchronously.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Client posts status-change notifications to a configured webhook.
type Client struct {
	url    string
	token  string
	http   *http.Client
	logger *slog.Logger
}

// New builds a Client. If url is empty, Notify is a no-op, so callers
// can construct a Client unconditionally and call Notify without
// checking whether a webhook was configured.
func New(url, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:   url,
		token: token,
		http: &http.Client{
			Timeout: 5 * time.Second,
		},
		logger: logger,
	}
}

type statusPayload struct {
	OutputProjectID string    `json:"output_project_id"`
	Status          string    `json:"status"`
	At              time.Time `json:"at"`
}

// Notify fires a POST reporting the new status for projectID. Runs in
// the background; the caller's flow is never blocked on delivery.
func (c *Client) Notify(projectID, status string) {
	if c.url == "" {
		return
	}
	go c.post(statusPayload{OutputProjectID: projectID, Status: status, At: time.Now()})
}

func (c *Client) post(payload statusPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("webhook: marshal payload", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		c.logger.Error("webhook: build request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("webhook: delivery failed", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		c.logger.Warn("webhook: non-2xx response", "status", resp.StatusCode)
	}
}
