// Package direct publishes through a synchronous-upload platform: each
// asset is uploaded individually, flagged assets get a content-warning
// annotation, and one publish call carries every surviving media id.
// Simple posts can bypass the API entirely through webhook fallbacks.
package direct

import (
	"context"
	"sync"
	"time"

	"crosspost/internal/destination"
	"crosspost/internal/media"
	"crosspost/internal/platform/hook"
	"crosspost/internal/retry"
	"crosspost/pkg/logx"
)

const (
	uploadAttempts = 3
	uploadDelay    = time.Second
)

// warningLabels maps the feed's sensitivity vocabulary onto the platform's
// fixed warning categories. Unknown flags fall back to the generic label.
var warningLabels = map[string]string{
	"porn": "adult_content",
	"hard": "graphic_violence",
	"nude": "adult_content",
	"warn": "other",
}

const fallbackWarningLabel = "other"

func warningLabel(flag string) string {
	if l, ok := warningLabels[flag]; ok {
		return l
	}
	return fallbackWarningLabel
}

type Destination struct {
	api   API
	hooks *hook.Client
	log   logx.Logger

	webhookURL      string // text-only fallback
	webhookImageURL string // single-clean-image fallback
}

func New(api API, hooks *hook.Client, webhookURL, webhookImageURL string, log logx.Logger) *Destination {
	return &Destination{
		api:             api,
		hooks:           hooks,
		log:             log,
		webhookURL:      webhookURL,
		webhookImageURL: webhookImageURL,
	}
}

func (d *Destination) Name() string { return "direct" }

func (d *Destination) Publish(ctx context.Context, p destination.Payload) error {
	flagged := false
	for _, a := range p.Assets {
		if a.Flag != "" {
			flagged = true
			break
		}
	}

	switch {
	case len(p.Assets) == 1 && p.Assets[0].MIME == "image/jpeg" && d.webhookImageURL != "" && !flagged:
		// One clean image: the lightweight channel carries the source URL
		// instead of re-uploading the bytes.
		return d.hooks.Trigger(ctx, d.webhookImageURL, p.Text, p.Assets[0].URL)

	case len(p.Assets) > 0:
		ids := d.uploadAll(ctx, p)
		return d.api.CreatePost(ctx, p.Text, ids)

	case d.webhookURL != "":
		return d.hooks.Trigger(ctx, d.webhookURL, p.Text, "")

	default:
		return d.api.CreatePost(ctx, p.Text, nil)
	}
}

// uploadAll uploads every asset concurrently, each behind the retry policy.
// Flagged assets get their warning annotation inside the retried operation,
// so an annotation failure re-runs the upload too. Exhausted assets are
// dropped from the post rather than aborting it.
func (d *Destination) uploadAll(ctx context.Context, p destination.Payload) []string {
	results := make([]string, len(p.Assets))
	var wg sync.WaitGroup
	for i, asset := range p.Assets {
		wg.Add(1)
		go func(i int, asset media.Asset) {
			defer wg.Done()
			id, err := retry.Do(ctx, uploadAttempts, uploadDelay, func(ctx context.Context) (string, error) {
				id, err := d.api.UploadMedia(ctx, asset.Data, asset.MIME)
				if err != nil {
					return "", err
				}
				if asset.Flag != "" {
					if err := d.api.SetMediaWarning(ctx, id, warningLabel(asset.Flag)); err != nil {
						return "", err
					}
				}
				return id, nil
			})
			if err != nil {
				d.log.Warn("media upload dropped",
					logx.String("event", p.EventID),
					logx.String("url", asset.URL),
					logx.Err(err))
				return
			}
			results[i] = id
		}(i, asset)
	}
	wg.Wait()

	var ids []string
	for _, id := range results {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
