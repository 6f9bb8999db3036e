// Package jobqueue publishes to a platform where video must be transcoded
// remotely before it can be embedded: submit the bytes, poll the job, and
// fall back through image uploads, a link-preview card, and finally plain
// text when no richer embed can be produced.
package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"crosspost/internal/destination"
	"crosspost/internal/linkpreview"
	"crosspost/internal/media"
	"crosspost/internal/platform/atrepo"
	"crosspost/internal/retry"
	"crosspost/pkg/logx"
)

const (
	recordCollection = "app.bsky.feed.post"

	uploadAttempts = 3
	uploadDelay    = time.Second

	// submissionCeiling bounds how many times the same video is handed to
	// the transcode service, the initial submission included.
	submissionCeiling = 3
)

type Destination struct {
	client   *atrepo.Client
	previews *linkpreview.Fetcher
	log      logx.Logger
	langs    []string

	pollInterval time.Duration
}

type Option func(*Destination)

// WithPollInterval overrides the job status poll spacing.
func WithPollInterval(d time.Duration) Option {
	return func(dst *Destination) { dst.pollInterval = d }
}

func New(client *atrepo.Client, previews *linkpreview.Fetcher, langs []string, log logx.Logger, opts ...Option) *Destination {
	if len(langs) == 0 {
		langs = []string{"ja"}
	}
	d := &Destination{
		client:       client,
		previews:     previews,
		log:          log,
		langs:        langs,
		pollInterval: time.Second,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Destination) Name() string { return "jobqueue" }

// Login opens the repo session used by every publish.
func (d *Destination) Login(ctx context.Context, identifier, password string) error {
	return d.client.Login(ctx, identifier, password)
}

type postRecord struct {
	Type      string   `json:"$type"`
	Text      string   `json:"text"`
	CreatedAt string   `json:"createdAt"`
	Langs     []string `json:"langs"`
	Embed     any      `json:"embed,omitempty"`
}

// Publish builds the richest embed the assets allow and writes the record.
// Embed precedence: video, then images, then a link-preview card, then none.
func (d *Destination) Publish(ctx context.Context, p destination.Payload) error {
	embed := d.buildEmbed(ctx, p)
	rec := postRecord{
		Type:      recordCollection,
		Text:      p.Text,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Langs:     d.langs,
		Embed:     embed,
	}
	return d.client.CreateRecord(ctx, recordCollection, rec)
}

func (d *Destination) buildEmbed(ctx context.Context, p destination.Payload) any {
	if video := p.FirstVideo(); video != nil {
		embed, err := d.videoEmbed(ctx, video)
		if err != nil {
			d.log.Error("video embed abandoned",
				logx.String("event", p.EventID), logx.Err(err))
		} else {
			return embed
		}
	}

	if embed := d.imagesEmbed(ctx, p.Images()); embed != nil {
		return embed
	}

	if u := p.FirstURL(); u != "" && d.previews != nil {
		if embed := d.externalEmbed(ctx, u); embed != nil {
			return embed
		}
	}
	return nil
}

// videoEmbed runs the transcode job to completion. A failed job is
// resubmitted with the same bytes until the submission ceiling; a rejected
// video (the service refuses the bytes outright) aborts immediately.
func (d *Destination) videoEmbed(ctx context.Context, video *media.Asset) (any, error) {
	name := time.Now().UTC().Format("2006-01-02-15-04-05") + ".mp4"

	job, err := d.client.SubmitVideo(ctx, video.Data, name)
	if err != nil {
		return nil, err
	}
	submissions := 1

	for {
		if job.State == atrepo.JobStateCompleted && len(job.Blob) > 0 {
			return map[string]any{
				"$type": "app.bsky.embed.video",
				"video": job.Blob,
				"aspectRatio": map[string]int{
					"width":  video.AspectW,
					"height": video.AspectH,
				},
			}, nil
		}
		if job.State == atrepo.JobStateFailed {
			if submissions >= submissionCeiling {
				return nil, fmt.Errorf("transcode failed after %d submissions", submissions)
			}
			// ErrVideoRejected comes back here too: resubmitting bytes the
			// service refuses outright cannot help, so it aborts as-is.
			job, err = d.client.SubmitVideo(ctx, video.Data, name)
			if err != nil {
				return nil, err
			}
			submissions++
			continue
		}

		if err := sleepCtx(ctx, d.pollInterval); err != nil {
			return nil, err
		}
		job, err = d.client.VideoJobStatus(ctx, job.JobID)
		if err != nil {
			return nil, err
		}
	}
}

// imagesEmbed uploads every image concurrently, each behind the retry
// policy. Exhausted items are dropped; nil means nothing uploaded.
func (d *Destination) imagesEmbed(ctx context.Context, images []media.Asset) any {
	if len(images) == 0 {
		return nil
	}

	type uploaded struct {
		blob atrepo.Blob
		w, h int
	}
	results := make([]*uploaded, len(images))
	var wg sync.WaitGroup
	for i, img := range images {
		wg.Add(1)
		go func(i int, img media.Asset) {
			defer wg.Done()
			blob, err := retry.Do(ctx, uploadAttempts, uploadDelay, func(ctx context.Context) (atrepo.Blob, error) {
				return d.client.UploadBlob(ctx, img.Data, img.MIME)
			})
			if err != nil {
				d.log.Warn("image upload dropped",
					logx.String("url", img.URL), logx.Err(err))
				return
			}
			results[i] = &uploaded{blob: blob, w: img.AspectW, h: img.AspectH}
		}(i, img)
	}
	wg.Wait()

	var items []map[string]any
	for _, r := range results {
		if r == nil {
			continue
		}
		items = append(items, map[string]any{
			"alt":   "",
			"image": r.blob,
			"aspectRatio": map[string]int{
				"width":  r.w,
				"height": r.h,
			},
		})
	}
	if len(items) == 0 {
		return nil
	}
	return map[string]any{
		"$type":  "app.bsky.embed.images",
		"images": items,
	}
}

// externalEmbed builds a link card for the post's representative URL,
// degrading to no-thumbnail when the page or its image cannot be fetched.
func (d *Destination) externalEmbed(ctx context.Context, pageURL string) any {
	preview, err := d.previews.Fetch(ctx, pageURL)
	if err != nil {
		d.log.Debug("link preview skipped", logx.String("url", pageURL), logx.Err(err))
		return nil
	}

	external := map[string]any{
		"uri":         preview.URL,
		"title":       preview.Title,
		"description": preview.Description,
	}
	if len(preview.ImageData) > 0 {
		blob, err := retry.Do(ctx, uploadAttempts, uploadDelay, func(ctx context.Context) (atrepo.Blob, error) {
			return d.client.UploadBlob(ctx, preview.ImageData, preview.ImageMIME)
		})
		if err != nil {
			d.log.Warn("link preview thumbnail dropped", logx.Err(err))
		} else {
			external["thumb"] = blob
		}
	}
	return map[string]any{
		"$type":    "app.bsky.embed.external",
		"external": external,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
