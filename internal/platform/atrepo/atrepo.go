// Package atrepo is the client for the personal-data-repository platform:
// session login, blob upload, record creation, and the delegated video
// service that transcodes uploads asynchronously behind short-lived
// service credentials.
package atrepo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrVideoRejected marks a video the service will never accept (too large
// or too long); resubmitting the same bytes cannot help.
var ErrVideoRejected = errors.New("video rejected by service")

// Blob is the platform's reference to uploaded bytes, kept opaque and
// echoed verbatim into record embeds.
type Blob = json.RawMessage

// JobStatus is one observation of an async transcode job.
type JobStatus struct {
	JobID string `json:"jobId"`
	State string `json:"state"`
	Blob  Blob   `json:"blob,omitempty"`
}

const (
	JobStateCompleted = "JOB_STATE_COMPLETED"
	JobStateFailed    = "JOB_STATE_FAILED"
)

type Client struct {
	service      string // PDS base URL
	videoService string // transcode service base URL
	httpc        *http.Client

	mu        sync.RWMutex
	did       string
	accessJwt string
	aud       string
}

func NewClient(service, videoService string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		service:      service,
		videoService: videoService,
		httpc:        &http.Client{Timeout: timeout},
	}
}

// Login creates a session and derives the audience identifier service-auth
// requests must be scoped to. The audience is carried in the session
// token's aud claim; the token is not verified locally, only read.
func (c *Client) Login(ctx context.Context, identifier, password string) error {
	in := map[string]string{"identifier": identifier, "password": password}
	var out struct {
		DID       string `json:"did"`
		AccessJwt string `json:"accessJwt"`
	}
	if err := c.postJSON(ctx, c.service+"/xrpc/com.atproto.server.createSession", "", in, &out); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if out.DID == "" || out.AccessJwt == "" {
		return errors.New("login: incomplete session response")
	}

	aud, err := audienceClaim(out.AccessJwt)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	c.mu.Lock()
	c.did, c.accessJwt, c.aud = out.DID, out.AccessJwt, aud
	c.mu.Unlock()
	return nil
}

func (c *Client) DID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.did
}

func (c *Client) session() (jwt, aud string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessJwt, c.aud
}

// audienceClaim reads the aud claim without signature verification; the
// value only scopes our own outbound credential requests.
func audienceClaim(token string) (string, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse session token: %w", err)
	}
	auds, err := claims.GetAudience()
	if err != nil || len(auds) == 0 {
		return "", errors.New("session token has no audience claim")
	}
	return auds[0], nil
}

// UploadBlob stores bytes on the repository and returns the blob reference.
func (c *Client) UploadBlob(ctx context.Context, data []byte, mime string) (Blob, error) {
	tok, _ := c.session()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.service+"/xrpc/com.atproto.repo.uploadBlob", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mime)
	req.Header.Set("Authorization", "Bearer "+tok)

	var out struct {
		Blob Blob `json:"blob"`
	}
	if err := c.doJSON(req, &out); err != nil {
		return nil, fmt.Errorf("upload blob: %w", err)
	}
	if len(out.Blob) == 0 {
		return nil, errors.New("upload blob: empty reference")
	}
	return out.Blob, nil
}

// CreateRecord writes one record into the signed-in repository.
func (c *Client) CreateRecord(ctx context.Context, collection string, record any) error {
	tok, _ := c.session()
	in := map[string]any{
		"repo":       c.DID(),
		"collection": collection,
		"record":     record,
	}
	if err := c.postJSON(ctx, c.service+"/xrpc/com.atproto.repo.createRecord", tok, in, nil); err != nil {
		return fmt.Errorf("create record: %w", err)
	}
	return nil
}

// ServiceAuth fetches a short-lived credential scoped to one audience and
// one method. Called once per delegated request; the tokens are not cached.
func (c *Client) ServiceAuth(ctx context.Context, aud, lxm string) (string, error) {
	tok, _ := c.session()
	u := c.service + "/xrpc/com.atproto.server.getServiceAuth?aud=" + url.QueryEscape(aud) + "&lxm=" + url.QueryEscape(lxm)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	var out struct {
		Token string `json:"token"`
	}
	if err := c.doJSON(req, &out); err != nil {
		return "", fmt.Errorf("service auth: %w", err)
	}
	if out.Token == "" {
		return "", errors.New("service auth: empty token")
	}
	return out.Token, nil
}

// SubmitVideo sends bytes to the transcode service and returns the job.
// A conflict response means the same bytes are already processed; the
// returned status carries the reusable job. A bad-request response is
// terminal and surfaces as ErrVideoRejected.
func (c *Client) SubmitVideo(ctx context.Context, data []byte, name string) (JobStatus, error) {
	_, aud := c.session()
	authTok, err := c.ServiceAuth(ctx, aud, "com.atproto.repo.uploadBlob")
	if err != nil {
		return JobStatus{}, err
	}

	u := c.videoService + "/xrpc/app.bsky.video.uploadVideo?did=" + url.QueryEscape(c.DID()) + "&name=" + url.QueryEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return JobStatus{}, err
	}
	req.Header.Set("Content-Type", "video/mp4")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+authTok)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return JobStatus{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return JobStatus{}, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusConflict:
		// already uploaded, body still describes the job
	case resp.StatusCode == http.StatusBadRequest:
		return JobStatus{}, fmt.Errorf("%w: %s", ErrVideoRejected, truncate(raw, 256))
	default:
		return JobStatus{}, fmt.Errorf("submit video: status %d: %s", resp.StatusCode, truncate(raw, 256))
	}

	var job struct {
		JobID     string     `json:"jobId"`
		JobStatus *JobStatus `json:"jobStatus"`
	}
	if err := json.Unmarshal(raw, &job); err != nil {
		return JobStatus{}, fmt.Errorf("submit video: malformed response: %w", err)
	}
	if job.JobStatus != nil {
		return *job.JobStatus, nil
	}
	if job.JobID == "" {
		return JobStatus{}, errors.New("submit video: no job identifier")
	}
	return JobStatus{JobID: job.JobID}, nil
}

// VideoJobStatus polls one transcode job, fetching a fresh delegated
// credential for the call.
func (c *Client) VideoJobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	authTok, err := c.ServiceAuth(ctx, c.videoAudience(), "app.bsky.video.getJobStatus")
	if err != nil {
		return JobStatus{}, err
	}

	u := c.videoService + "/xrpc/app.bsky.video.getJobStatus?jobId=" + url.QueryEscape(jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return JobStatus{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+authTok)

	var out struct {
		JobStatus JobStatus `json:"jobStatus"`
	}
	if err := c.doJSON(req, &out); err != nil {
		return JobStatus{}, fmt.Errorf("job status: %w", err)
	}
	return out.JobStatus, nil
}

// videoAudience derives the transcode service's identity from its host.
func (c *Client) videoAudience() string {
	u, err := url.Parse(c.videoService)
	if err != nil || u.Host == "" {
		return "did:web:video.invalid"
	}
	return "did:web:" + u.Hostname()
}

func (c *Client) postJSON(ctx context.Context, url, bearer string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return c.doJSON(req, out)
}

func (c *Client) doJSON(req *http.Request, out any) error {
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
