// Package feed defines the upstream content feed contract: the Event shape
// delivered by the subscription transport and the capabilities the router
// needs from it.
package feed

import "context"

// Recognized content schemas. Events carrying any other schema are ignored
// by the router.
const (
	SchemaMarkdown = "https://schema.concrnt.world/m/markdown.json"
	SchemaMedia    = "https://schema.concrnt.world/m/media.json"
)

// Event is one inbound content-creation notification. It is immutable and
// consumed exactly once by the router.
type Event struct {
	// ID is the unique resource identifier used for duplicate suppression.
	ID string `json:"id"`
	// Signer identifies the author. Only events from the configured identity
	// are republished.
	Signer string `json:"signer"`
	// Schema tags the content type of Body.
	Schema string `json:"schema"`
	// Body is the raw markup-formatted content.
	Body string `json:"body"`
	// Timelines are the routing labels the event belongs to.
	Timelines []string `json:"timelines"`
	// Media lists inline attached-media descriptors, as opposed to media
	// referenced from Body markup.
	Media []InlineMedia `json:"medias,omitempty"`
}

// InlineMedia is an attached-media descriptor carried on the event itself.
type InlineMedia struct {
	URL  string `json:"mediaURL"`
	Type string `json:"mediaType"` // MIME type, e.g. "image/png"
	Flag string `json:"flag,omitempty"`
}

// Source delivers events from the upstream subscription transport.
// Start blocks until ctx is canceled or the connection is lost; callers run
// it under a restart loop.
type Source interface {
	Start(ctx context.Context, out chan<- Event) error
}

// Resolver fetches the full event by identifier when the delivered event
// lacks a body (the transport may notify with a reference only).
type Resolver interface {
	Resolve(ctx context.Context, id string) (Event, error)
}
