package container

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"crosspost/internal/destination"
	"crosspost/internal/media"
	"crosspost/internal/message"
	"crosspost/internal/platform/graph"
	"crosspost/pkg/logx"
)

// fakeGraph simulates the staged-container API: containers become FINISHED
// after a configurable number of status polls, or never.
type fakeGraph struct {
	mu        sync.Mutex
	nextID    int
	pollsLeft map[string]int // -1 means never ready
	created   []graph.ContainerSpec
	published []string
	srv       *httptest.Server
}

func newFakeGraph(t *testing.T) *fakeGraph {
	t.Helper()
	f := &fakeGraph{pollsLeft: map[string]int{}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /me", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "acct1"})
	})
	mux.HandleFunc("POST /acct1/threads", func(w http.ResponseWriter, r *http.Request) {
		var spec graph.ContainerSpec
		_ = json.NewDecoder(r.Body).Decode(&spec)
		f.mu.Lock()
		f.nextID++
		id := fmt.Sprintf("c%d", f.nextID)
		f.created = append(f.created, spec)
		if _, ok := f.pollsLeft[readyKey(spec)]; ok {
			f.pollsLeft[id] = f.pollsLeft[readyKey(spec)]
		} else {
			f.pollsLeft[id] = 1
		}
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
	})
	mux.HandleFunc("POST /acct1/threads_publish", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.published = append(f.published, body["creation_id"])
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /{id}", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/")
		f.mu.Lock()
		left := f.pollsLeft[id]
		status := "IN_PROGRESS"
		if left == 0 {
			status = "FINISHED"
		} else if left > 0 {
			f.pollsLeft[id] = left - 1
		}
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

// readyKey lets a test pre-seed poll counts per source URL before the
// container id exists.
func readyKey(spec graph.ContainerSpec) string {
	if spec.ImageURL != "" {
		return spec.ImageURL
	}
	if spec.VideoURL != "" {
		return spec.VideoURL
	}
	return spec.MediaType
}

func (f *fakeGraph) neverReady(sourceURL string) {
	f.mu.Lock()
	f.pollsLeft[sourceURL] = -1
	f.mu.Unlock()
}

func (f *fakeGraph) snapshot() ([]graph.ContainerSpec, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]graph.ContainerSpec(nil), f.created...), append([]string(nil), f.published...)
}

func fastWaits() Waits {
	return Waits{
		Image:        time.Millisecond,
		Video:        time.Millisecond,
		Child:        time.Millisecond,
		Parent:       time.Millisecond,
		ParentSettle: time.Millisecond,
	}
}

func newDest(t *testing.T, f *fakeGraph) *Destination {
	t.Helper()
	client := graph.NewClient(f.srv.URL, "tok", 0)
	d := New(client, nil, logx.Nop(), WithWaits(fastWaits()))
	if err := client.Resolve(context.Background()); err != nil {
		t.Fatal(err)
	}
	return d
}

func imageAsset(url string) media.Asset {
	return media.Asset{URL: url, MIME: "image/jpeg", Kind: message.KindImage}
}

func TestPublishTextOnly(t *testing.T) {
	t.Parallel()
	f := newFakeGraph(t)
	d := newDest(t, f)

	if err := d.Publish(context.Background(), destination.Payload{Text: "hello"}); err != nil {
		t.Fatal(err)
	}

	created, published := f.snapshot()
	if len(created) != 1 || created[0].MediaType != graph.MediaTypeText || created[0].Text != "hello" {
		t.Fatalf("created = %+v", created)
	}
	if len(published) != 1 || published[0] != "c1" {
		t.Fatalf("published = %v", published)
	}
}

func TestPublishSingleVideoSetsVideoURL(t *testing.T) {
	t.Parallel()
	f := newFakeGraph(t)
	d := newDest(t, f)

	p := destination.Payload{
		Text:   "clip",
		Assets: []media.Asset{{URL: "https://cdn/v.mp4", MIME: "video/mp4", Kind: message.KindVideo}},
	}
	if err := d.Publish(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	created, _ := f.snapshot()
	if len(created) != 1 || created[0].MediaType != graph.MediaTypeVideo || created[0].VideoURL != "https://cdn/v.mp4" {
		t.Fatalf("created = %+v", created)
	}
}

func TestCarouselParentAfterAllChildrenReady(t *testing.T) {
	t.Parallel()
	f := newFakeGraph(t)
	d := newDest(t, f)

	p := destination.Payload{
		Text: "gallery",
		Assets: []media.Asset{
			imageAsset("https://cdn/1.jpg"),
			imageAsset("https://cdn/2.jpg"),
			imageAsset("https://cdn/3.jpg"),
		},
	}
	if err := d.Publish(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	created, published := f.snapshot()
	if len(created) != 4 {
		t.Fatalf("created %d containers, want 4 (3 children + parent)", len(created))
	}
	parent := created[len(created)-1]
	if parent.MediaType != graph.MediaTypeCarousel {
		t.Fatalf("last creation = %+v, want the carousel parent", parent)
	}
	if len(parent.Children) != 3 {
		t.Fatalf("parent children = %v", parent.Children)
	}
	for _, c := range created[:3] {
		if !c.IsCarouselItem {
			t.Fatalf("child not marked as carousel item: %+v", c)
		}
	}
	if len(published) != 1 {
		t.Fatalf("published = %v, want exactly the parent", published)
	}
}

func TestCarouselStuckChildNeverCreatesParent(t *testing.T) {
	t.Parallel()
	f := newFakeGraph(t)
	f.neverReady("https://cdn/2.jpg")
	d := newDest(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	p := destination.Payload{
		Text: "gallery",
		Assets: []media.Asset{
			imageAsset("https://cdn/1.jpg"),
			imageAsset("https://cdn/2.jpg"),
			imageAsset("https://cdn/3.jpg"),
		},
	}
	if err := d.Publish(ctx, p); err == nil {
		t.Fatal("expected failure when a child never becomes ready")
	}

	created, published := f.snapshot()
	for _, c := range created {
		if c.MediaType == graph.MediaTypeCarousel {
			t.Fatalf("carousel parent was created despite stuck child: %+v", c)
		}
	}
	if len(published) != 0 {
		t.Fatalf("published = %v, want none", published)
	}
}

func TestCreateFailureAbandonsPost(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/me" {
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "acct1"})
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := graph.NewClient(srv.URL, "tok", 0)
	if err := client.Resolve(context.Background()); err != nil {
		t.Fatal(err)
	}
	d := New(client, nil, logx.Nop(), WithWaits(fastWaits()))

	if err := d.Publish(context.Background(), destination.Payload{Text: "hi"}); err == nil {
		t.Fatal("expected error from failed container creation")
	}
}
