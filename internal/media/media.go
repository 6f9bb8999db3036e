// Package media fetches the assets referenced by a post and normalizes them
// for the destinations: images are downscaled and recompressed under a byte
// ceiling, videos pass through untouched, and every asset carries an aspect
// ratio and the sensitivity flag of its source reference.
package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"crosspost/internal/message"
	"crosspost/internal/metrics"
	"crosspost/pkg/logx"
)

// Asset is one fetched, normalized media item ready for upload.
type Asset struct {
	URL     string
	Data    []byte
	MIME    string
	Kind    message.Kind
	Width   int
	Height  int
	AspectW int
	AspectH int
	Flag    string
}

// Options tune the normalization pass. Zero values fall back to the
// defaults the destinations were sized for.
type Options struct {
	MaxImageBytes  int
	MaxImageWidth  int
	DefaultAspectW int
	DefaultAspectH int
	FetchTimeout   time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxImageBytes <= 0 {
		o.MaxImageBytes = 976560
	}
	if o.MaxImageWidth <= 0 {
		o.MaxImageWidth = 2048
	}
	if o.DefaultAspectW <= 0 || o.DefaultAspectH <= 0 {
		o.DefaultAspectW, o.DefaultAspectH = 4, 3
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 60 * time.Second
	}
	return o
}

// Pipeline resolves media references concurrently. A reference that cannot
// be fetched or decoded is dropped; the rest of the post still goes out.
type Pipeline struct {
	client *http.Client
	opts   Options
	log    logx.Logger
}

func NewPipeline(opts Options, log logx.Logger) *Pipeline {
	opts = opts.withDefaults()
	return &Pipeline{
		client: &http.Client{Timeout: opts.FetchTimeout},
		opts:   opts,
		log:    log,
	}
}

// Resolve fetches and normalizes refs, preserving their order. Failed items
// are logged, counted, and omitted from the result.
func (p *Pipeline) Resolve(ctx context.Context, refs []message.MediaRef) []Asset {
	if len(refs) == 0 {
		return nil
	}

	results := make([]*Asset, len(refs))
	var wg sync.WaitGroup
	for i, ref := range refs {
		wg.Add(1)
		go func(i int, ref message.MediaRef) {
			defer wg.Done()
			asset, err := p.resolveOne(ctx, ref)
			if err != nil {
				p.log.Warn("media item dropped",
					logx.String("url", ref.URL),
					logx.String("kind", string(ref.Kind)),
					logx.Err(err))
				metrics.MediaResolved.WithLabelValues(string(ref.Kind), "error").Inc()
				return
			}
			metrics.MediaResolved.WithLabelValues(string(ref.Kind), "ok").Inc()
			results[i] = asset
		}(i, ref)
	}
	wg.Wait()

	assets := make([]Asset, 0, len(refs))
	for _, a := range results {
		if a != nil {
			assets = append(assets, *a)
		}
	}
	return assets
}

func (p *Pipeline) resolveOne(ctx context.Context, ref message.MediaRef) (*Asset, error) {
	data, mime, err := p.fetch(ctx, ref.URL)
	if err != nil {
		return nil, err
	}

	switch ref.Kind {
	case message.KindImage:
		return p.normalizeImage(ref, data, mime)
	case message.KindVideo:
		return p.normalizeVideo(ref, data, mime)
	default:
		return nil, fmt.Errorf("unknown media kind %q", ref.Kind)
	}
}

func (p *Pipeline) fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", url, err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("fetch %s: empty body", url)
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" || mime == "application/octet-stream" {
		mime = http.DetectContentType(data)
	}
	return data, mime, nil
}

// reduceRatio returns w:h divided by their greatest common divisor.
func reduceRatio(w, h int) (int, int) {
	if w <= 0 || h <= 0 {
		return 0, 0
	}
	a, b := w, h
	for b != 0 {
		a, b = b, a%b
	}
	return w / a, h / a
}
