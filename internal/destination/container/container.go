// Package container publishes through a staged-container platform: every
// post is first created as one or more containers, polled until the
// platform reports them finished, then published. No partial carousel is
// ever published; any creation or status failure abandons the post.
package container

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"crosspost/internal/destination"
	"crosspost/internal/platform/graph"
	"crosspost/internal/statestore"
	"crosspost/pkg/logx"
)

const storeKey = "container"

// Waits spaces the status polls. The platform finishes image containers in
// about a second, video takes far longer, and a carousel parent needs a
// settle pause before its first poll.
type Waits struct {
	Image        time.Duration
	Video        time.Duration
	Child        time.Duration
	Parent       time.Duration
	ParentSettle time.Duration
}

func defaultWaits() Waits {
	return Waits{
		Image:        time.Second,
		Video:        35 * time.Second,
		Child:        10 * time.Second,
		Parent:       5 * time.Second,
		ParentSettle: time.Second,
	}
}

type Destination struct {
	client *graph.Client
	store  statestore.Store
	log    logx.Logger
	waits  Waits
}

type Option func(*Destination)

// WithWaits overrides the poll spacing.
func WithWaits(w Waits) Option {
	return func(d *Destination) { d.waits = w }
}

func New(client *graph.Client, store statestore.Store, log logx.Logger, opts ...Option) *Destination {
	d := &Destination{
		client: client,
		store:  store,
		log:    log,
		waits:  defaultWaits(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Destination) Name() string { return "container" }

// Init restores a persisted token if one is newer than the configured one,
// verifies it, and resolves the account identifier. A token within 30 days
// of expiry is refreshed immediately.
func (d *Destination) Init(ctx context.Context) error {
	if d.store != nil {
		if tok, ok, err := d.store.GetToken(ctx, storeKey); err == nil && ok && tok.Value != "" {
			d.client.SetToken(tok.Value)
		}
	}

	info, err := d.client.DebugToken(ctx)
	if err != nil {
		return fmt.Errorf("container: verify token: %w", err)
	}
	if !info.Valid {
		return fmt.Errorf("container: access token is not valid")
	}
	if !info.ExpiresAt.IsZero() && time.Until(info.ExpiresAt) < 30*24*time.Hour {
		if err := d.RefreshToken(ctx); err != nil {
			d.log.Warn("container token refresh at startup failed", logx.Err(err))
		}
	}
	return d.client.Resolve(ctx)
}

// RefreshToken rotates the access token and persists the replacement.
func (d *Destination) RefreshToken(ctx context.Context) error {
	tok, expires, err := d.client.Refresh(ctx)
	if err != nil {
		return err
	}
	d.log.Info("container access token refreshed", logx.Time("expires_at", expires))
	if d.store != nil {
		if err := d.store.PutToken(ctx, storeKey, statestore.Token{Value: tok, ExpiresAt: expires}); err != nil {
			d.log.Warn("container token not persisted", logx.Err(err))
		}
	}
	return nil
}

func (d *Destination) Publish(ctx context.Context, p destination.Payload) error {
	switch len(p.Assets) {
	case 0:
		return d.publishText(ctx, p.Text)
	case 1:
		return d.publishSingle(ctx, p)
	default:
		return d.publishCarousel(ctx, p)
	}
}

func (d *Destination) publishText(ctx context.Context, text string) error {
	id, err := d.client.CreateContainer(ctx, graph.ContainerSpec{
		MediaType: graph.MediaTypeText,
		Text:      text,
	})
	if err != nil {
		return err
	}
	if err := d.awaitReady(ctx, id, d.waits.Image); err != nil {
		return err
	}
	return d.client.PublishContainer(ctx, id)
}

func (d *Destination) publishSingle(ctx context.Context, p destination.Payload) error {
	asset := p.Assets[0]
	spec := graph.ContainerSpec{Text: p.Text}
	wait := d.waits.Image
	if strings.HasPrefix(asset.MIME, "image") {
		spec.MediaType = graph.MediaTypeImage
		spec.ImageURL = asset.URL
	} else {
		spec.MediaType = graph.MediaTypeVideo
		spec.VideoURL = asset.URL
		wait = d.waits.Video
	}

	id, err := d.client.CreateContainer(ctx, spec)
	if err != nil {
		return err
	}
	if err := d.awaitReady(ctx, id, wait); err != nil {
		return err
	}
	return d.client.PublishContainer(ctx, id)
}

// publishCarousel creates one child container per asset concurrently, waits
// for every child to finish, then stages and publishes the parent. The
// parent is never created unless all children are ready.
func (d *Destination) publishCarousel(ctx context.Context, p destination.Payload) error {
	children := make([]string, len(p.Assets))
	errs := make([]error, len(p.Assets))

	var wg sync.WaitGroup
	for i, asset := range p.Assets {
		wg.Add(1)
		go func(i int, asset carouselItem) {
			defer wg.Done()
			spec := graph.ContainerSpec{IsCarouselItem: true}
			if strings.HasPrefix(asset.MIME, "image") {
				spec.MediaType = graph.MediaTypeImage
				spec.ImageURL = asset.URL
			} else {
				spec.MediaType = graph.MediaTypeVideo
				spec.VideoURL = asset.URL
			}
			id, err := d.client.CreateContainer(ctx, spec)
			if err != nil {
				errs[i] = err
				return
			}
			children[i] = id
			errs[i] = d.awaitReady(ctx, id, d.waits.Child)
		}(i, carouselItem{MIME: asset.MIME, URL: asset.URL})
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("carousel item %d: %w", i+1, err)
		}
	}

	parent, err := d.client.CreateContainer(ctx, graph.ContainerSpec{
		MediaType: graph.MediaTypeCarousel,
		Children:  children,
		Text:      p.Text,
	})
	if err != nil {
		return err
	}
	if err := sleepCtx(ctx, d.waits.ParentSettle); err != nil {
		return err
	}
	if err := d.awaitReady(ctx, parent, d.waits.Parent); err != nil {
		return err
	}
	return d.client.PublishContainer(ctx, parent)
}

type carouselItem struct {
	MIME string
	URL  string
}

// awaitReady polls until the container finishes. The attempt count is
// unbounded; the caller's context deadline is the only escape hatch besides
// a definitive status or a fetch error.
func (d *Destination) awaitReady(ctx context.Context, id string, wait time.Duration) error {
	for {
		ready, err := d.client.ContainerReady(ctx, id)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
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
