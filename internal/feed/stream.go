package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	logx "crosspost/pkg/logx"
)

// StreamSource consumes a newline-delimited JSON event stream over HTTP.
//
// The real subscription transport is an external collaborator; this source
// covers deployments where the feed relay exposes its firehose as NDJSON.
// Reconnection is the caller's job (supervisor restart loop).
type StreamSource struct {
	url         string
	readTimeout time.Duration
	http        *http.Client
	log         logx.Logger
}

type StreamConfig struct {
	URL string
	// ReadTimeout bounds the gap between two stream lines. 0 disables it.
	ReadTimeout time.Duration
}

func NewStreamSource(cfg StreamConfig, log logx.Logger) (*StreamSource, error) {
	u := strings.TrimSpace(cfg.URL)
	if u == "" {
		return nil, errors.New("stream url is empty")
	}
	if _, err := url.Parse(u); err != nil {
		return nil, fmt.Errorf("stream url: %w", err)
	}
	return &StreamSource{
		url:         u,
		readTimeout: cfg.ReadTimeout,
		http:        &http.Client{}, // no overall timeout; the body is a long-lived stream
		log:         log,
	}, nil
}

func (s *StreamSource) Start(ctx context.Context, out chan<- Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream connect: unexpected status %d", resp.StatusCode)
	}

	s.log.Info("feed stream connected", logx.String("url", s.url))

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	deadline := func() {}
	if s.readTimeout > 0 {
		// AfterFunc-based read deadline: if no line arrives in time the
		// request context is not canceled, so close via a timer that the
		// read loop keeps pushing forward.
		tmr := time.AfterFunc(s.readTimeout, func() { resp.Body.Close() })
		defer tmr.Stop()
		deadline = func() { tmr.Reset(s.readTimeout) }
	}

	for sc.Scan() {
		deadline()
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			s.log.Debug("feed stream: skipping malformed line", logx.Err(err))
			continue
		}
		if ev.ID == "" {
			continue
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("stream read: %w", err)
	}
	return ctx.Err()
}

// HTTPResolver implements Resolver against the feed API.
type HTTPResolver struct {
	base string
	http *http.Client
}

func NewHTTPResolver(apiBase string, timeout time.Duration) *HTTPResolver {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPResolver{
		base: strings.TrimRight(strings.TrimSpace(apiBase), "/"),
		http: &http.Client{Timeout: timeout},
	}
}

func (r *HTTPResolver) Resolve(ctx context.Context, id string) (Event, error) {
	if r.base == "" {
		return Event{}, errors.New("resolver: api base not configured")
	}
	u := r.base + "/messages/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Event{}, err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return Event{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Event{}, fmt.Errorf("resolve %s: unexpected status %d", id, resp.StatusCode)
	}

	var ev Event
	if err := json.NewDecoder(resp.Body).Decode(&ev); err != nil {
		return Event{}, fmt.Errorf("resolve %s: decode: %w", id, err)
	}
	return ev, nil
}
