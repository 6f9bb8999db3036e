// Package message turns a raw markup-formatted event body into the
// normalized form destinations publish: plain text, extracted URLs, and
// media references with optional sensitivity flags.
//
// Everything here is a pure function of its input: same body in, same
// normalized post out, no I/O.
package message

// Kind classifies a media reference.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// MediaRef points at one media item referenced by a post body.
// Flag carries the enclosing sensitivity wrapper's label, or "" when the
// reference sits outside any wrapper.
type MediaRef struct {
	URL  string
	Kind Kind
	Flag string
}

// Post is the normalized, immutable form of one event body.
type Post struct {
	// Text is the body with markup stripped, emoji shorthand substituted,
	// and mention-triggering characters neutralized.
	Text string
	// URLs holds the first URL-like substring found in Text (at most one);
	// destinations use it for link-preview generation only.
	URLs []string
	// Media lists the media references extracted from the un-stripped body,
	// in document order: references outside sensitivity wrappers first, then
	// wrapper contents.
	Media []MediaRef
}

// Extract builds the normalized post for a raw body.
func Extract(body string) Post {
	text := PlainText(body)
	return Post{
		Text:  text,
		URLs:  ExtractURLs(text),
		Media: MediaRefs(body),
	}
}

// PlainText runs the strip pipeline, emoji substitution, and mention
// neutralization, in that order.
func PlainText(body string) string {
	return escapeMentions(substituteEmoji(stripMarkup(body)))
}

// ExtractURLs returns the first URL-like substring of text (len 0 or 1).
func ExtractURLs(text string) []string {
	if m := urlPattern.FindString(text); m != "" {
		return []string{m}
	}
	return nil
}
