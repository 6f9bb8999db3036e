// Package graph is the client for the staged-container publication API:
// content is created as a container, polled until the platform finishes
// processing it, then published in a second call. The bearer token is
// long-lived but rotates; Refresh exchanges it before expiry.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// ContainerSpec describes one container to create. Exactly one of the
// media fields (or none, for text) is set.
type ContainerSpec struct {
	MediaType      string   `json:"media_type"`
	Text           string   `json:"text,omitempty"`
	ImageURL       string   `json:"image_url,omitempty"`
	VideoURL       string   `json:"video_url,omitempty"`
	IsCarouselItem bool     `json:"is_carousel_item,omitempty"`
	Children       []string `json:"children,omitempty"`
}

const (
	MediaTypeText     = "TEXT"
	MediaTypeImage    = "IMAGE"
	MediaTypeVideo    = "VIDEO"
	MediaTypeCarousel = "CAROUSEL"
)

type Client struct {
	base   string
	httpc  *http.Client
	userID string

	mu    sync.RWMutex
	token string
}

func NewClient(base, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:  base,
		token: token,
		httpc: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) SetToken(tok string) {
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
}

// Resolve looks up the account identifier the container endpoints are
// scoped to. Must be called once before any publish.
func (c *Client) Resolve(ctx context.Context) error {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.get(ctx, c.base+"/me", &out); err != nil {
		return fmt.Errorf("resolve account: %w", err)
	}
	if out.ID == "" {
		return fmt.Errorf("resolve account: empty id")
	}
	c.userID = out.ID
	return nil
}

// CreateContainer stages a container and returns its identifier.
func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, c.base+"/"+c.userID+"/threads", spec, &out); err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("create container: empty id")
	}
	return out.ID, nil
}

// ContainerReady reports whether the container finished processing.
func (c *Client) ContainerReady(ctx context.Context, id string) (bool, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.get(ctx, c.base+"/"+id+"?fields=status", &out); err != nil {
		return false, fmt.Errorf("container status: %w", err)
	}
	return out.Status == "FINISHED" || out.Status == "PUBLISHED", nil
}

// PublishContainer makes a staged container publicly visible.
func (c *Client) PublishContainer(ctx context.Context, id string) error {
	body := map[string]string{"creation_id": id}
	if err := c.post(ctx, c.base+"/"+c.userID+"/threads_publish", body, nil); err != nil {
		return fmt.Errorf("publish container: %w", err)
	}
	return nil
}

// TokenInfo is the validity report for an access token.
type TokenInfo struct {
	Valid     bool
	ExpiresAt time.Time
}

// DebugToken asks the platform whether the current token is still valid.
func (c *Client) DebugToken(ctx context.Context) (TokenInfo, error) {
	tok := c.Token()
	u := c.base + "/debug_token?access_token=" + url.QueryEscape(tok) + "&input_token=" + url.QueryEscape(tok)
	var out struct {
		Data struct {
			IsValid   bool  `json:"is_valid"`
			ExpiresAt int64 `json:"expires_at"`
		} `json:"data"`
	}
	if err := c.get(ctx, u, &out); err != nil {
		return TokenInfo{}, err
	}
	info := TokenInfo{Valid: out.Data.IsValid}
	if out.Data.ExpiresAt > 0 {
		info.ExpiresAt = time.Unix(out.Data.ExpiresAt, 0)
	}
	return info, nil
}

// Refresh exchanges the current token for a fresh one and installs it on
// the client. The new expiry is returned for persistence.
func (c *Client) Refresh(ctx context.Context) (string, time.Time, error) {
	u := c.base + "/refresh_access_token?grant_type=th_refresh_token&access_token=" + url.QueryEscape(c.Token())
	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := c.get(ctx, u, &out); err != nil {
		return "", time.Time{}, fmt.Errorf("refresh token: %w", err)
	}
	if out.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("refresh token: empty response")
	}
	expires := time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	c.SetToken(out.AccessToken)
	return out.AccessToken, expires, nil
}

func (c *Client) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.Token())
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
