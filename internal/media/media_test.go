package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"

	"crosspost/internal/message"
	"crosspost/pkg/logx"
)

func TestReduceRatio(t *testing.T) {
	t.Parallel()
	tests := []struct {
		w, h         int
		wantW, wantH int
	}{
		{1920, 1080, 16, 9},
		{2048, 2048, 1, 1},
		{640, 480, 4, 3},
		{1, 3, 1, 3},
		{0, 100, 0, 0},
		{100, 0, 0, 0},
	}
	for _, tt := range tests {
		gotW, gotH := reduceRatio(tt.w, tt.h)
		if gotW != tt.wantW || gotH != tt.wantH {
			t.Errorf("reduceRatio(%d, %d) = %d:%d, want %d:%d", tt.w, tt.h, gotW, gotH, tt.wantW, tt.wantH)
		}
	}
}

// noisyImage defeats JPEG compression enough to force quality reduction.
func noisyImage(w, h int) image.Image {
	rng := rand.New(rand.NewSource(1))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256)), 255})
		}
	}
	return img
}

func flatImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{40, 90, 200, 255})
		}
	}
	return img
}

func TestEncodeUnderLimit(t *testing.T) {
	t.Parallel()
	img := noisyImage(256, 256)

	data, quality, err := encodeUnderLimit(img, 20000)
	if err != nil {
		t.Fatal(err)
	}
	if quality >= 100 {
		t.Fatalf("expected quality reduction, still at %d", quality)
	}
	if quality > 5 && len(data) >= 20000 {
		t.Fatalf("len = %d, want < 20000 at quality %d", len(data), quality)
	}
	if _, err := jpeg.Decode(bytes.NewReader(data)); err != nil {
		t.Fatalf("output not decodable: %v", err)
	}
}

func TestEncodeUnderLimitNoReductionNeeded(t *testing.T) {
	t.Parallel()
	_, quality, err := encodeUnderLimit(flatImage(16, 16), 976560)
	if err != nil {
		t.Fatal(err)
	}
	if quality != 100 {
		t.Fatalf("quality = %d, want 100", quality)
	}
}

func TestDownscaleKeepsAspect(t *testing.T) {
	t.Parallel()
	dst := downscale(flatImage(4096, 2048), 2048)
	b := dst.Bounds()
	if b.Dx() != 2048 || b.Dy() != 1024 {
		t.Fatalf("bounds = %dx%d, want 2048x1024", b.Dx(), b.Dy())
	}
}

func TestNormalizeImageReencodesPNG(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := png.Encode(&buf, flatImage(100, 75)); err != nil {
		t.Fatal(err)
	}

	p := NewPipeline(Options{}, logx.Nop())
	asset, err := p.normalizeImage(message.MediaRef{URL: "https://example.com/a.png", Kind: message.KindImage}, buf.Bytes(), "image/png")
	if err != nil {
		t.Fatal(err)
	}
	if asset.MIME != "image/jpeg" {
		t.Fatalf("MIME = %q, want image/jpeg", asset.MIME)
	}
	if asset.AspectW != 4 || asset.AspectH != 3 {
		t.Fatalf("aspect = %d:%d, want 4:3", asset.AspectW, asset.AspectH)
	}
	if _, err := jpeg.Decode(bytes.NewReader(asset.Data)); err != nil {
		t.Fatalf("output not jpeg: %v", err)
	}
}

func TestNormalizeImageSmallJPEGPassthrough(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, flatImage(40, 30), &jpeg.Options{Quality: 80}); err != nil {
		t.Fatal(err)
	}
	original := append([]byte(nil), buf.Bytes()...)

	p := NewPipeline(Options{}, logx.Nop())
	asset, err := p.normalizeImage(message.MediaRef{URL: "https://example.com/a.jpg", Kind: message.KindImage}, original, "image/jpeg")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(asset.Data, original) {
		t.Fatal("compliant jpeg should pass through unchanged")
	}
	if asset.Width != 40 || asset.Height != 30 {
		t.Fatalf("dims = %dx%d, want 40x30", asset.Width, asset.Height)
	}
}

func TestNormalizeImageDownscalesWide(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, flatImage(3000, 1500), &jpeg.Options{Quality: 90}); err != nil {
		t.Fatal(err)
	}

	p := NewPipeline(Options{MaxImageWidth: 2048}, logx.Nop())
	asset, err := p.normalizeImage(message.MediaRef{URL: "https://example.com/wide.jpg", Kind: message.KindImage}, buf.Bytes(), "image/jpeg")
	if err != nil {
		t.Fatal(err)
	}
	if asset.Width != 2048 || asset.Height != 1024 {
		t.Fatalf("dims = %dx%d, want 2048x1024", asset.Width, asset.Height)
	}
	if asset.AspectW != 2 || asset.AspectH != 1 {
		t.Fatalf("aspect = %d:%d, want 2:1", asset.AspectW, asset.AspectH)
	}
}

func TestNormalizeImageIdempotent(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, noisyImage(512, 384), &jpeg.Options{Quality: 100}); err != nil {
		t.Fatal(err)
	}

	const ceiling = 40000
	p := NewPipeline(Options{MaxImageBytes: ceiling, MaxImageWidth: 2048}, logx.Nop())
	ref := message.MediaRef{URL: "https://example.com/n.jpg", Kind: message.KindImage}

	first, err := p.normalizeImage(ref, buf.Bytes(), "image/jpeg")
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Data) >= ceiling {
		t.Fatalf("first pass size = %d, want < %d", len(first.Data), ceiling)
	}

	second, err := p.normalizeImage(ref, first.Data, "image/jpeg")
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Data) >= ceiling {
		t.Fatalf("second pass size = %d, want < %d", len(second.Data), ceiling)
	}
	if second.AspectW != first.AspectW || second.AspectH != first.AspectH {
		t.Fatalf("aspect changed across passes: %d:%d -> %d:%d",
			first.AspectW, first.AspectH, second.AspectW, second.AspectH)
	}
	if !bytes.Equal(second.Data, first.Data) {
		t.Fatal("already-compliant output should pass through unchanged")
	}
}

func TestInjectExif(t *testing.T) {
	t.Parallel()
	app1 := []byte{0xff, 0xe1, 0x00, 0x08, 'E', 'x', 'i', 'f', 0x00, 0x00}
	stream := []byte{0xff, 0xd8, 0xff, 0xdb, 0x00, 0x02}

	out, err := injectExif(stream, app1)
	if err != nil {
		t.Fatal(err)
	}
	want := append([]byte{0xff, 0xd8}, append(append([]byte(nil), app1...), 0xff, 0xdb, 0x00, 0x02)...)
	if !bytes.Equal(out, want) {
		t.Fatalf("out = % x, want % x", out, want)
	}

	if got := exifSegment(out); !bytes.Equal(got, app1) {
		t.Fatalf("exifSegment = % x, want % x", got, app1)
	}
}

func box(typ string, payload []byte) []byte {
	out := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(out)))
	copy(out[4:8], typ)
	copy(out[8:], payload)
	return out
}

func TestMP4Dimensions(t *testing.T) {
	t.Parallel()
	tkhd := make([]byte, 84) // version 0 track header
	binary.BigEndian.PutUint32(tkhd[76:], 640<<16)
	binary.BigEndian.PutUint32(tkhd[80:], 480<<16)
	data := append(box("ftyp", []byte("isom0000")), box("moov", box("trak", box("tkhd", tkhd)))...)

	w, h, ok := mp4Dimensions(data)
	if !ok || w != 640 || h != 480 {
		t.Fatalf("got %dx%d ok=%v, want 640x480", w, h, ok)
	}

	if _, _, ok := mp4Dimensions([]byte("not an mp4 container")); ok {
		t.Fatal("expected probe failure on garbage input")
	}
}

func TestNormalizeVideoDefaultAspect(t *testing.T) {
	t.Parallel()
	p := NewPipeline(Options{}, logx.Nop())
	asset, err := p.normalizeVideo(message.MediaRef{URL: "https://example.com/v.mp4", Kind: message.KindVideo, Flag: "nsfw"}, []byte("opaque"), "")
	if err != nil {
		t.Fatal(err)
	}
	if asset.AspectW != 4 || asset.AspectH != 3 {
		t.Fatalf("aspect = %d:%d, want default 4:3", asset.AspectW, asset.AspectH)
	}
	if asset.MIME != "video/mp4" {
		t.Fatalf("MIME = %q, want video/mp4", asset.MIME)
	}
	if asset.Flag != "nsfw" {
		t.Fatalf("Flag = %q, want nsfw", asset.Flag)
	}
}

func TestResolveDropsFailedItems(t *testing.T) {
	t.Parallel()
	var pngBuf bytes.Buffer
	if err := png.Encode(&pngBuf, flatImage(20, 20)); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/good.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(pngBuf.Bytes())
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewPipeline(Options{}, logx.Nop())
	assets := p.Resolve(context.Background(), []message.MediaRef{
		{URL: srv.URL + "/missing.png", Kind: message.KindImage},
		{URL: srv.URL + "/good.png", Kind: message.KindImage, Flag: "warn"},
	})

	if len(assets) != 1 {
		t.Fatalf("got %d assets, want 1", len(assets))
	}
	if assets[0].Flag != "warn" {
		t.Fatalf("Flag = %q, want warn", assets[0].Flag)
	}
}

func TestResolveEmpty(t *testing.T) {
	t.Parallel()
	p := NewPipeline(Options{}, logx.Nop())
	if got := p.Resolve(context.Background(), nil); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}
