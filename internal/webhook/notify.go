package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agentbridge/agentbridge/internal/notification"
)

type notificationPayload struct {
	Kind  string `json:"kind"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// NotifyDetected implements notification.Sink, posting a detected OSC
// notification (C7) to the same webhook URL used for status changes.
func (c *Client) NotifyDetected(n notification.Notification) {
	if c.url == "" {
		return
	}

	kind := string(n.Type)
	title := n.Title
	body := n.Body
	if n.Type == notification.TypeOSC9 {
		body = n.Message
	}

	go c.postNotification(notificationPayload{Kind: kind, Title: title, Body: body})
}

func (c *Client) postNotification(payload notificationPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("webhook: marshal notification payload", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		c.logger.Error("webhook: build notification request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("webhook: notification delivery failed", "error", err)
		return
	}
	defer resp.Body.Close()
}
