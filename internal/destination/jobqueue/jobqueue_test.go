package jobqueue

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

	"github.com/golang-jwt/jwt/v5"

	"crosspost/internal/destination"
	"crosspost/internal/linkpreview"
	"crosspost/internal/media"
	"crosspost/internal/message"
	"crosspost/internal/platform/atrepo"
	"crosspost/pkg/logx"
)

// fakeRepo simulates the PDS plus its delegated video service on one
// listener. failBeforeSuccess controls how many transcode jobs report
// failure before one completes.
type fakeRepo struct {
	mu                sync.Mutex
	submissions       int
	failBeforeSuccess int
	blobUploads       int
	failBlobUploads   bool
	records           []json.RawMessage
	srv               *httptest.Server
}

func sessionToken(t *testing.T, aud string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"aud": aud,
		"sub": "did:plc:tester",
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func newFakeRepo(t *testing.T, failBeforeSuccess int) *fakeRepo {
	t.Helper()
	f := &fakeRepo{failBeforeSuccess: failBeforeSuccess}
	accessJwt := sessionToken(t, "did:web:pds.example")

	mux := http.NewServeMux()
	mux.HandleFunc("POST /xrpc/com.atproto.server.createSession", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"did":       "did:plc:tester",
			"accessJwt": accessJwt,
		})
	})
	mux.HandleFunc("GET /xrpc/com.atproto.server.getServiceAuth", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "svc-token"})
	})
	mux.HandleFunc("POST /xrpc/app.bsky.video.uploadVideo", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		f.submissions++
		id := fmt.Sprintf("job%d", f.submissions)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"jobId": id})
	})
	mux.HandleFunc("GET /xrpc/app.bsky.video.getJobStatus", func(w http.ResponseWriter, r *http.Request) {
		jobID := r.URL.Query().Get("jobId")
		var n int
		_, _ = fmt.Sscanf(jobID, "job%d", &n)
		status := map[string]any{"jobId": jobID, "state": atrepo.JobStateFailed}
		if n > f.failBeforeSuccess {
			status["state"] = atrepo.JobStateCompleted
			status["blob"] = map[string]string{"ref": "blob-" + jobID}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"jobStatus": status})
	})
	mux.HandleFunc("POST /xrpc/com.atproto.repo.uploadBlob", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		f.blobUploads++
		fail := f.failBlobUploads
		n := f.blobUploads
		f.mu.Unlock()
		if fail {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"blob": map[string]string{"ref": fmt.Sprintf("img-blob-%d", n)},
		})
	})
	mux.HandleFunc("POST /xrpc/com.atproto.repo.createRecord", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Record json.RawMessage `json:"record"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		f.mu.Lock()
		f.records = append(f.records, in.Record)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRepo) counts() (submissions, blobUploads, records int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submissions, f.blobUploads, len(f.records)
}

func (f *fakeRepo) lastRecord(t *testing.T) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) == 0 {
		t.Fatal("no record was created")
	}
	var rec map[string]any
	if err := json.Unmarshal(f.records[len(f.records)-1], &rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func newDest(t *testing.T, f *fakeRepo) *Destination {
	t.Helper()
	client := atrepo.NewClient(f.srv.URL, f.srv.URL, 0)
	if err := client.Login(context.Background(), "tester", "app-password"); err != nil {
		t.Fatal(err)
	}
	previews := linkpreview.NewFetcher(0, logx.Nop())
	return New(client, previews, nil, logx.Nop(), WithPollInterval(time.Millisecond))
}

func videoAsset() media.Asset {
	return media.Asset{
		URL: "https://cdn/v.mp4", Data: []byte("video-bytes"), MIME: "video/mp4",
		Kind: message.KindVideo, AspectW: 16, AspectH: 9,
	}
}

func TestVideoSucceedsOnThirdSubmission(t *testing.T) {
	t.Parallel()
	f := newFakeRepo(t, 2) // job1 and job2 fail, job3 completes
	d := newDest(t, f)

	err := d.Publish(context.Background(), destination.Payload{
		EventID: "ev1", Text: "clip", Assets: []media.Asset{videoAsset()},
	})
	if err != nil {
		t.Fatal(err)
	}

	submissions, _, records := f.counts()
	if submissions != 3 {
		t.Fatalf("submissions = %d, want exactly 3", submissions)
	}
	if records != 1 {
		t.Fatalf("records = %d, want 1", records)
	}

	rec := f.lastRecord(t)
	embed, ok := rec["embed"].(map[string]any)
	if !ok || embed["$type"] != "app.bsky.embed.video" {
		t.Fatalf("embed = %v, want video embed", rec["embed"])
	}
	blob, _ := embed["video"].(map[string]any)
	if blob["ref"] != "blob-job3" {
		t.Fatalf("video blob = %v, want the third job's handle", embed["video"])
	}
}

func TestVideoCeilingAbortsOnlyVideo(t *testing.T) {
	t.Parallel()
	f := newFakeRepo(t, 100) // never completes
	d := newDest(t, f)

	err := d.Publish(context.Background(), destination.Payload{
		EventID: "ev2", Text: "clip", Assets: []media.Asset{videoAsset()},
	})
	if err != nil {
		t.Fatal(err)
	}

	submissions, _, _ := f.counts()
	if submissions != 3 {
		t.Fatalf("submissions = %d, want the ceiling of 3", submissions)
	}
	rec := f.lastRecord(t)
	if _, hasEmbed := rec["embed"]; hasEmbed {
		t.Fatalf("embed = %v, want plain text after ceiling", rec["embed"])
	}
	if rec["text"] != "clip" {
		t.Fatalf("text = %v", rec["text"])
	}
}

func TestImagesEmbed(t *testing.T) {
	t.Parallel()
	f := newFakeRepo(t, 0)
	d := newDest(t, f)

	p := destination.Payload{
		Text: "pics",
		Assets: []media.Asset{
			{URL: "https://cdn/1.jpg", Data: []byte("a"), MIME: "image/jpeg", Kind: message.KindImage, AspectW: 4, AspectH: 3},
			{URL: "https://cdn/2.jpg", Data: []byte("b"), MIME: "image/jpeg", Kind: message.KindImage, AspectW: 1, AspectH: 1},
		},
	}
	if err := d.Publish(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	rec := f.lastRecord(t)
	embed, ok := rec["embed"].(map[string]any)
	if !ok || embed["$type"] != "app.bsky.embed.images" {
		t.Fatalf("embed = %v, want images embed", rec["embed"])
	}
	images, _ := embed["images"].([]any)
	if len(images) != 2 {
		t.Fatalf("images = %v, want 2", images)
	}
}

func TestFailedImageUploadsFallBackToLinkPreview(t *testing.T) {
	t.Parallel()
	f := newFakeRepo(t, 0)
	f.failBlobUploads = true

	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><head><meta property="og:title" content="Card"/></head></html>`))
	}))
	defer page.Close()

	client := atrepo.NewClient(f.srv.URL, f.srv.URL, 0)
	if err := client.Login(context.Background(), "tester", "pw"); err != nil {
		t.Fatal(err)
	}
	d := New(client, linkpreview.NewFetcher(0, logx.Nop()), nil, logx.Nop(), WithPollInterval(time.Millisecond))

	p := destination.Payload{
		Text: "see link",
		URLs: []string{page.URL},
		Assets: []media.Asset{
			{URL: "https://cdn/1.jpg", Data: []byte("a"), MIME: "image/jpeg", Kind: message.KindImage},
		},
	}
	if err := d.Publish(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	rec := f.lastRecord(t)
	embed, ok := rec["embed"].(map[string]any)
	if !ok || embed["$type"] != "app.bsky.embed.external" {
		t.Fatalf("embed = %v, want external card", rec["embed"])
	}
	external, _ := embed["external"].(map[string]any)
	if external["title"] != "Card" {
		t.Fatalf("external = %v", external)
	}
}

func TestPlainTextRecord(t *testing.T) {
	t.Parallel()
	f := newFakeRepo(t, 0)
	d := newDest(t, f)

	if err := d.Publish(context.Background(), destination.Payload{Text: "just words"}); err != nil {
		t.Fatal(err)
	}
	rec := f.lastRecord(t)
	if _, hasEmbed := rec["embed"]; hasEmbed {
		t.Fatalf("embed = %v, want none", rec["embed"])
	}
	if !strings.Contains(rec["createdAt"].(string), "T") {
		t.Fatalf("createdAt = %v", rec["createdAt"])
	}
}
