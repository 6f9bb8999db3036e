package media

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"strings"

	"golang.org/x/image/draw"

	"crosspost/internal/message"
	"crosspost/pkg/logx"
)

// normalizeImage downscales wide images and recompresses until the encoded
// size fits under the byte ceiling. Source JPEGs keep their Exif block.
func (p *Pipeline) normalizeImage(ref message.MediaRef, data []byte, mime string) (*Asset, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	// Already a compliant JPEG: pass the original bytes through so the
	// metadata survives without a re-encode.
	if format == "jpeg" && w <= p.opts.MaxImageWidth && len(data) < p.opts.MaxImageBytes {
		aw, ah := reduceRatio(w, h)
		return &Asset{
			URL: ref.URL, Data: data, MIME: "image/jpeg", Kind: message.KindImage,
			Width: w, Height: h, AspectW: aw, AspectH: ah, Flag: ref.Flag,
		}, nil
	}

	if w > p.opts.MaxImageWidth {
		img = downscale(img, p.opts.MaxImageWidth)
		bounds = img.Bounds()
		w, h = bounds.Dx(), bounds.Dy()
	}

	var exif []byte
	if format == "jpeg" {
		exif = exifSegment(data)
	}

	encoded, quality, err := encodeUnderLimit(img, p.opts.MaxImageBytes)
	if err != nil {
		return nil, err
	}
	if exif != nil {
		if spliced, err := injectExif(encoded, exif); err == nil {
			encoded = spliced
		}
	}

	p.log.Debug("image normalized",
		logx.String("url", ref.URL),
		logx.String("format", format),
		logx.Int("width", w),
		logx.Int("quality", quality),
		logx.Int("bytes", len(encoded)))

	aw, ah := reduceRatio(w, h)
	return &Asset{
		URL: ref.URL, Data: encoded, MIME: "image/jpeg", Kind: message.KindImage,
		Width: w, Height: h, AspectW: aw, AspectH: ah, Flag: ref.Flag,
	}, nil
}

// downscale resizes img to maxWidth, keeping the aspect ratio.
func downscale(img image.Image, maxWidth int) image.Image {
	b := img.Bounds()
	h := b.Dy() * maxWidth / b.Dx()
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// encodeUnderLimit encodes img as JPEG, stepping the quality down from 100
// in increments of 5 until the output is smaller than maxBytes. The lowest
// attempt is returned even if it still exceeds the limit.
func encodeUnderLimit(img image.Image, maxBytes int) ([]byte, int, error) {
	var buf bytes.Buffer
	quality := 100
	for {
		buf.Reset()
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, 0, fmt.Errorf("encode jpeg: %w", err)
		}
		if buf.Len() < maxBytes || quality <= 5 {
			return append([]byte(nil), buf.Bytes()...), quality, nil
		}
		quality -= 5
	}
}

const (
	markerSOI  = 0xd8
	markerAPP0 = 0xe0
	markerAPP1 = 0xe1
	markerSOS  = 0xda
)

// exifSegment returns the raw APP1 Exif segment (marker included) of a JPEG,
// or nil when the image carries none.
func exifSegment(data []byte) []byte {
	segs := jpegSegments(data)
	for _, s := range segs {
		if s.marker == markerAPP1 && len(s.raw) >= 10 &&
			strings.HasPrefix(string(s.raw[4:]), "Exif\x00\x00") {
			return s.raw
		}
	}
	return nil
}

// injectExif inserts an APP1 segment into encoded right after the SOI marker
// and any APP0 header the encoder emitted.
func injectExif(encoded, app1 []byte) ([]byte, error) {
	if len(encoded) < 2 || encoded[0] != 0xff || encoded[1] != markerSOI {
		return nil, fmt.Errorf("not a jpeg stream")
	}
	at := 2
	if len(encoded) >= at+4 && encoded[at] == 0xff && encoded[at+1] == markerAPP0 {
		at += 2 + int(binary.BigEndian.Uint16(encoded[at+2:at+4]))
	}
	out := make([]byte, 0, len(encoded)+len(app1))
	out = append(out, encoded[:at]...)
	out = append(out, app1...)
	out = append(out, encoded[at:]...)
	return out, nil
}

type jpegSegment struct {
	marker byte
	raw    []byte // marker bytes + length + payload
}

// jpegSegments walks the marker segments up to the start of scan data.
func jpegSegments(data []byte) []jpegSegment {
	if len(data) < 2 || data[0] != 0xff || data[1] != markerSOI {
		return nil
	}
	var segs []jpegSegment
	at := 2
	for at+4 <= len(data) {
		if data[at] != 0xff {
			return segs
		}
		marker := data[at+1]
		if marker == markerSOS {
			return segs
		}
		length := int(binary.BigEndian.Uint16(data[at+2 : at+4]))
		end := at + 2 + length
		if length < 2 || end > len(data) {
			return segs
		}
		segs = append(segs, jpegSegment{marker: marker, raw: data[at:end]})
		at = end
	}
	return segs
}
