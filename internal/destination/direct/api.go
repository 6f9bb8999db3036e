package direct

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// API is the platform surface the adapter drives: per-item media upload,
// an optional content-warning annotation, and one publish call.
type API interface {
	UploadMedia(ctx context.Context, data []byte, mime string) (string, error)
	SetMediaWarning(ctx context.Context, mediaID, label string) error
	CreatePost(ctx context.Context, text string, mediaIDs []string) error
}

// Client is the HTTP implementation of API.
type Client struct {
	base  string
	token string
	httpc *http.Client
}

func NewClient(base, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{base: base, token: token, httpc: &http.Client{Timeout: timeout}}
}

func (c *Client) UploadMedia(ctx context.Context, data []byte, mime string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/media", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mime)

	var out struct {
		MediaID string `json:"media_id"`
	}
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	if out.MediaID == "" {
		return "", fmt.Errorf("upload media: empty id")
	}
	return out.MediaID, nil
}

func (c *Client) SetMediaWarning(ctx context.Context, mediaID, label string) error {
	body, err := json.Marshal(map[string]any{
		"sensitive_media_warning": []string{label},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/media/"+mediaID+"/metadata", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("media metadata: %w", err)
	}
	return nil
}

func (c *Client) CreatePost(ctx context.Context, text string, mediaIDs []string) error {
	payload := map[string]any{"text": text}
	if len(mediaIDs) > 0 {
		payload["media"] = map[string]any{"media_ids": mediaIDs}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/posts", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("create post: %w", err)
	}
	return nil
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw, 256))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("malformed response: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
