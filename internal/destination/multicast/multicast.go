// Package multicast broadcasts one composed message to a fixed set of
// relay endpoints. No binary ever re-uploads; each asset contributes one
// reference URL line. Endpoints succeed and fail independently.
package multicast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"crosspost/internal/destination"
	"crosspost/internal/platform/relay"
	"crosspost/pkg/logx"
)

type Destination struct {
	client    *relay.Client
	endpoints []string
	limiter   *rate.Limiter
	log       logx.Logger
}

func New(client *relay.Client, endpoints []string, ratePerSec float64, log logx.Logger) *Destination {
	if ratePerSec <= 0 {
		ratePerSec = 5
	}
	return &Destination{
		client:    client,
		endpoints: endpoints,
		limiter:   rate.NewLimiter(rate.Limit(ratePerSec), 1),
		log:       log,
	}
}

func (d *Destination) Name() string { return "multicast" }

// Publish composes the note once and sends it to every endpoint. The call
// is complete once all endpoints have been tried; failures are reported
// per endpoint in one aggregate error without aborting the others.
func (d *Destination) Publish(ctx context.Context, p destination.Payload) error {
	note := d.compose(p)
	if err := d.client.Sign(&note); err != nil {
		return err
	}

	errs := make([]error, len(d.endpoints))
	var wg sync.WaitGroup
	for i, endpoint := range d.endpoints {
		if err := d.limiter.Wait(ctx); err != nil {
			errs[i] = err
			continue
		}
		wg.Add(1)
		go func(i int, endpoint string) {
			defer wg.Done()
			if err := d.client.Publish(ctx, endpoint, note); err != nil {
				d.log.Warn("relay endpoint failed",
					logx.String("event", p.EventID),
					logx.String("endpoint", endpoint),
					logx.Err(err))
				errs[i] = fmt.Errorf("%s: %w", endpoint, err)
			}
		}(i, endpoint)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// compose renders the note body: text plus one line per asset URL, with a
// content-warning tag when any asset carries a sensitivity flag.
func (d *Destination) compose(p destination.Payload) relay.Note {
	var b strings.Builder
	b.WriteString(p.Text)
	for _, a := range p.Assets {
		b.WriteByte('\n')
		b.WriteString(a.URL)
	}

	var flags []string
	for _, a := range p.Assets {
		if a.Flag != "" {
			flags = append(flags, a.Flag)
		}
	}

	note := relay.Note{
		CreatedAt: time.Now().Unix(),
		Content:   b.String(),
		Tags:      [][]string{},
	}
	if len(flags) > 0 {
		note.Tags = append(note.Tags, []string{"content-warning", strings.Join(flags, ",")})
	}
	return note
}
