package media

import (
	"encoding/binary"

	"crosspost/internal/message"
)

// normalizeVideo passes the bytes through untouched. Dimensions are probed
// from the container when possible; otherwise the configured default aspect
// applies.
func (p *Pipeline) normalizeVideo(ref message.MediaRef, data []byte, mime string) (*Asset, error) {
	if mime == "" || mime == "application/octet-stream" {
		mime = "video/mp4"
	}
	asset := &Asset{
		URL: ref.URL, Data: data, MIME: mime, Kind: message.KindVideo,
		AspectW: p.opts.DefaultAspectW, AspectH: p.opts.DefaultAspectH, Flag: ref.Flag,
	}
	if w, h, ok := mp4Dimensions(data); ok {
		asset.Width, asset.Height = w, h
		asset.AspectW, asset.AspectH = reduceRatio(w, h)
	}
	return asset, nil
}

// mp4Dimensions reads the track header of the first video track:
// moov > trak > tkhd, width and height as 16.16 fixed point in the last
// eight bytes of the box payload.
func mp4Dimensions(data []byte) (int, int, bool) {
	moov, ok := findBox(data, "moov")
	if !ok {
		return 0, 0, false
	}
	for rest := moov; len(rest) > 8; {
		trak, tail, ok := nextBox(rest, "trak")
		if !ok {
			return 0, 0, false
		}
		rest = tail
		tkhd, ok := findBox(trak, "tkhd")
		if !ok || len(tkhd) < 8 {
			continue
		}
		w := int(binary.BigEndian.Uint32(tkhd[len(tkhd)-8:]) >> 16)
		h := int(binary.BigEndian.Uint32(tkhd[len(tkhd)-4:]) >> 16)
		if w > 0 && h > 0 {
			return w, h, true
		}
	}
	return 0, 0, false
}

// findBox returns the payload of the first box named typ among the sibling
// boxes of data.
func findBox(data []byte, typ string) ([]byte, bool) {
	body, _, ok := nextBox(data, typ)
	return body, ok
}

// nextBox scans sibling boxes for typ, returning its payload and the bytes
// that follow the box.
func nextBox(data []byte, typ string) (body, tail []byte, ok bool) {
	at := 0
	for at+8 <= len(data) {
		size := int(binary.BigEndian.Uint32(data[at : at+4]))
		name := string(data[at+4 : at+8])
		header := 8
		if size == 1 {
			// 64-bit largesize
			if at+16 > len(data) {
				return nil, nil, false
			}
			size64 := binary.BigEndian.Uint64(data[at+8 : at+16])
			if size64 > uint64(len(data)-at) {
				return nil, nil, false
			}
			size = int(size64)
			header = 16
		}
		if size < header || at+size > len(data) {
			return nil, nil, false
		}
		if name == typ {
			return data[at+header : at+size], data[at+size:], true
		}
		at += size
	}
	return nil, nil, false
}
