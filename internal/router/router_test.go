package router

import (
	"context"
	"testing"
	"time"

	"crosspost/internal/destination"
	"crosspost/internal/feed"
	"crosspost/internal/media"
	"crosspost/internal/runtime/supervisor"
	"crosspost/pkg/logx"
)

type stubDest struct {
	name      string
	published chan destination.Payload
}

func newStubDest(name string) *stubDest {
	return &stubDest{name: name, published: make(chan destination.Payload, 16)}
}

func (s *stubDest) Name() string { return s.name }

func (s *stubDest) Publish(_ context.Context, p destination.Payload) error {
	s.published <- p
	return nil
}

func (s *stubDest) awaitPublish(t *testing.T) destination.Payload {
	t.Helper()
	select {
	case p := <-s.published:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publish")
		return destination.Payload{}
	}
}

func (s *stubDest) assertNoPublish(t *testing.T) {
	t.Helper()
	select {
	case p := <-s.published:
		t.Fatalf("unexpected publish: %+v", p)
	case <-time.After(100 * time.Millisecond):
	}
}

type stubResolver struct {
	events map[string]feed.Event
}

func (r *stubResolver) Resolve(_ context.Context, id string) (feed.Event, error) {
	return r.events[id], nil
}

func newRouter(t *testing.T, targets []Target, resolver feed.Resolver) (*Router, *supervisor.Supervisor) {
	t.Helper()
	sup := supervisor.New(context.Background(), supervisor.WithLogger(logx.Nop()))
	t.Cleanup(sup.Cancel)
	pipeline := media.NewPipeline(media.Options{}, logx.Nop())
	r := New(Config{
		Signer:          "signer-1",
		DefaultTimeline: "home",
	}, resolver, pipeline, targets, sup, logx.Nop())
	return r, sup
}

func goodEvent(id, body string) feed.Event {
	return feed.Event{
		ID:        id,
		Signer:    "signer-1",
		Schema:    feed.SchemaMarkdown,
		Body:      body,
		Timelines: []string{"home"},
	}
}

func TestUnrecognizedSchemaIgnored(t *testing.T) {
	t.Parallel()
	dest := newStubDest("d")
	r, _ := newRouter(t, []Target{{Dest: dest}}, nil)

	ev := goodEvent("ev1", "hello")
	ev.Schema = "https://schema.example/unknown.json"
	r.OnEvent(ev)

	dest.assertNoPublish(t)
}

func TestForeignSignerIgnored(t *testing.T) {
	t.Parallel()
	dest := newStubDest("d")
	r, _ := newRouter(t, []Target{{Dest: dest}}, nil)

	ev := goodEvent("ev1", "hello")
	ev.Signer = "someone-else"
	r.OnEvent(ev)

	dest.assertNoPublish(t)
}

func TestDuplicateDeliverySuppressed(t *testing.T) {
	t.Parallel()
	dest := newStubDest("d")
	r, _ := newRouter(t, []Target{{Dest: dest}}, nil)

	r.OnEvent(goodEvent("ev1", "hello"))
	dest.awaitPublish(t)

	r.OnEvent(goodEvent("ev1", "hello"))
	dest.assertNoPublish(t)

	// A different identifier goes through again.
	r.OnEvent(goodEvent("ev2", "next"))
	dest.awaitPublish(t)
}

func TestTimelineRouting(t *testing.T) {
	t.Parallel()
	home := newStubDest("home-dest")
	niche := newStubDest("niche-dest")
	r, _ := newRouter(t, []Target{
		{Dest: home}, // default label
		{Dest: niche, Timeline: "special"},
	}, nil)

	ev := goodEvent("ev1", "hello")
	ev.Timelines = []string{"home"}
	r.OnEvent(ev)

	home.awaitPublish(t)
	niche.assertNoPublish(t)

	ev2 := goodEvent("ev2", "again")
	ev2.Timelines = []string{"special", "other"}
	r.OnEvent(ev2)

	niche.awaitPublish(t)
	home.assertNoPublish(t)
}

func TestEmptyPostSkipsPipeline(t *testing.T) {
	t.Parallel()
	dest := newStubDest("d")
	r, _ := newRouter(t, []Target{{Dest: dest}}, nil)

	r.OnEvent(goodEvent("ev1", ""))
	dest.assertNoPublish(t)
}

func TestBodyResolvedWhenMissing(t *testing.T) {
	t.Parallel()
	dest := newStubDest("d")
	resolver := &stubResolver{events: map[string]feed.Event{
		"ev1": {ID: "ev1", Body: "fetched body"},
	}}
	r, _ := newRouter(t, []Target{{Dest: dest}}, resolver)

	ev := goodEvent("ev1", "")
	r.OnEvent(ev)

	p := dest.awaitPublish(t)
	if p.Text != "fetched body" {
		t.Fatalf("text = %q, want the resolved body", p.Text)
	}
}

func TestInlineMediaAppended(t *testing.T) {
	t.Parallel()
	dest := newStubDest("d")
	r, _ := newRouter(t, []Target{{Dest: dest}}, nil)

	ev := goodEvent("ev1", "caption")
	ev.Schema = feed.SchemaMedia
	ev.Media = []feed.InlineMedia{
		{URL: "https://cdn/broken.png", Type: "image/png", Flag: "warn"},
	}
	r.OnEvent(ev)

	// The inline ref fails to fetch (no server) and is dropped by the
	// pipeline, but the dispatch still reaches the destination with text.
	p := dest.awaitPublish(t)
	if p.Text != "caption" {
		t.Fatalf("text = %q", p.Text)
	}
	if len(p.Assets) != 0 {
		t.Fatalf("assets = %+v, want unresolvable ref dropped", p.Assets)
	}
}

func TestConcurrentFanOut(t *testing.T) {
	t.Parallel()
	d1 := newStubDest("d1")
	d2 := newStubDest("d2")
	r, _ := newRouter(t, []Target{{Dest: d1}, {Dest: d2}}, nil)

	r.OnEvent(goodEvent("ev1", "to everyone"))

	p1 := d1.awaitPublish(t)
	p2 := d2.awaitPublish(t)
	if p1.Text != p2.Text || p1.EventID != "ev1" {
		t.Fatalf("payloads differ: %+v vs %+v", p1, p2)
	}
}
