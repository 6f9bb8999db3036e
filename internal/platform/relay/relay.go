// Package relay posts signed notes to simple relay endpoints. A note is a
// small JSON document; its identifier is the hash of the serialized
// payload and the signature is an HMAC over that hash with the account's
// signing key, so each relay can verify the sender independently.
package relay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Note is one broadcast message. Tags carry structured annotations such as
// a content warning; each tag is a name followed by its values.
type Note struct {
	ID        string     `json:"id"`
	CreatedAt int64      `json:"created_at"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Signature string     `json:"sig"`
}

type Client struct {
	httpc      *http.Client
	signingKey []byte
}

func NewClient(signingKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		httpc:      &http.Client{Timeout: timeout},
		signingKey: []byte(signingKey),
	}
}

// Sign computes the note identifier and signature in place.
func (c *Client) Sign(n *Note) error {
	n.ID, n.Signature = "", ""
	serialized, err := json.Marshal(n)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(serialized)
	n.ID = hex.EncodeToString(sum[:])

	mac := hmac.New(sha256.New, c.signingKey)
	mac.Write(sum[:])
	n.Signature = hex.EncodeToString(mac.Sum(nil))
	return nil
}

// Publish delivers one signed note to one endpoint.
func (c *Client) Publish(ctx context.Context, endpoint string, n Note) error {
	if n.ID == "" || n.Signature == "" {
		if err := c.Sign(&n); err != nil {
			return err
		}
	}
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
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
		return fmt.Errorf("relay %s: status %d", endpoint, resp.StatusCode)
	}
	return nil
}
