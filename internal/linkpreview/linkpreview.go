// Package linkpreview builds link-card material for a URL: Open Graph
// title/description plus a thumbnail sized for embed upload.
package linkpreview

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/image/draw"

	"crosspost/pkg/logx"
)

const (
	maxThumbWidth   = 800
	thumbQuality    = 80
	maxDocumentSize = 4 << 20
	maxImageSize    = 16 << 20
)

// Preview is the card material for one external URL. ImageData is nil when
// the page offers no usable thumbnail.
type Preview struct {
	URL         string
	Title       string
	Description string
	ImageData   []byte
	ImageMIME   string
}

type Fetcher struct {
	client *http.Client
	log    logx.Logger
}

func NewFetcher(timeout time.Duration, log logx.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Fetcher{
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

// Fetch downloads pageURL and extracts its card material. Thumbnail trouble
// degrades to a text-only card; only an unreachable or unparsable page is an
// error.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (*Preview, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", pageURL, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", pageURL, err)
	}

	p := &Preview{
		URL:         pageURL,
		Title:       metaContent(doc, "og:title", "twitter:title"),
		Description: metaContent(doc, "og:description", "twitter:description", "description"),
	}
	if p.Title == "" {
		p.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	if p.Title == "" {
		p.Title = pageURL
	}

	if imgURL := metaContent(doc, "og:image", "twitter:image"); imgURL != "" {
		if abs := absoluteURL(pageURL, imgURL); abs != "" {
			data, mime, err := f.thumbnail(ctx, abs)
			if err != nil {
				f.log.Debug("link preview thumbnail skipped",
					logx.String("page", pageURL),
					logx.String("image", abs),
					logx.Err(err))
			} else {
				p.ImageData, p.ImageMIME = data, mime
			}
		}
	}
	return p, nil
}

// metaContent returns the first non-empty content attribute among the named
// meta properties, checking both property= and name= forms.
func metaContent(doc *goquery.Document, names ...string) string {
	for _, n := range names {
		sel := fmt.Sprintf(`meta[property=%q], meta[name=%q]`, n, n)
		if v, ok := doc.Find(sel).First().Attr("content"); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

func absoluteURL(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	abs := b.ResolveReference(r)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	return abs.String()
}

// thumbnail fetches imgURL and re-encodes it as a JPEG no wider than the
// card limit.
func (f *Fetcher) thumbnail(ctx context.Context, imgURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imgURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize))
	if err != nil {
		return nil, "", err
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, "", fmt.Errorf("decode: %w", err)
	}

	b := img.Bounds()
	if b.Dx() > maxThumbWidth {
		h := b.Dy() * maxThumbWidth / b.Dx()
		dst := image.NewRGBA(image.Rect(0, 0, maxThumbWidth, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
		img = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: thumbQuality}); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "image/jpeg", nil
}
