// Package hook posts to simple two-value webhook endpoints, the lightweight
// notification channel some destinations fall back to when the platform API
// is not worth the round trips.
package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type payload struct {
	Value1 string `json:"value1"`
	Value2 string `json:"value2,omitempty"`
}

type Client struct {
	httpc *http.Client
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{httpc: &http.Client{Timeout: timeout}}
}

// Trigger fires the webhook with the text and an optional image URL.
func (c *Client) Trigger(ctx context.Context, url, text, imageURL string) error {
	body, err := json.Marshal(payload{Value1: text, Value2: imageURL})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	}
	return nil
}
