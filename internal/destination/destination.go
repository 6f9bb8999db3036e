// Package destination defines the uniform publish contract every
// downstream platform adapter implements, regardless of whether the
// platform wants a synchronous upload, a staged container, an async
// transcode job, or a broadcast to many endpoints.
package destination

import (
	"context"

	"crosspost/internal/media"
	"crosspost/internal/message"
)

// Payload is one normalized post ready for publication: the text, the
// first extracted URL (if any), and the resolved media assets. Adapters
// read the assets but never mutate them.
type Payload struct {
	EventID string
	Text    string
	URLs    []string
	Assets  []media.Asset
}

// Destination publishes a payload to one downstream platform. An error is
// terminal for that destination only; the dispatcher logs and absorbs it so
// sibling destinations are never affected.
type Destination interface {
	Name() string
	Publish(ctx context.Context, p Payload) error
}

// FirstVideo returns the first video asset of the payload, honoring the
// single-attachment cap of destinations that transcode remotely.
func (p Payload) FirstVideo() *media.Asset {
	for i := range p.Assets {
		if p.Assets[i].Kind == message.KindVideo {
			return &p.Assets[i]
		}
	}
	return nil
}

// Images returns the image assets in payload order.
func (p Payload) Images() []media.Asset {
	var out []media.Asset
	for _, a := range p.Assets {
		if a.Kind == message.KindImage {
			out = append(out, a)
		}
	}
	return out
}

// FirstURL returns the representative URL for link previews, or "".
func (p Payload) FirstURL() string {
	if len(p.URLs) > 0 {
		return p.URLs[0]
	}
	return ""
}
