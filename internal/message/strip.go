package message

import (
	"regexp"
	"strings"
)

var (
	imagePattern   = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	videoPattern   = regexp.MustCompile(`<video[^>]*>(?s:.*?)</video>|<video[^>]*/>`)
	detailsPattern = regexp.MustCompile(`(?s)<details>.*?</details>`)
	summaryPattern = regexp.MustCompile(`(?s)<summary>.*?</summary>`)
	urlPattern     = regexp.MustCompile(`https?://[\w/:%#$&?~.=+\-]+`)

	tagPattern        = regexp.MustCompile(`</?[^>]+(>|$)`)
	tagOrNewlinePat   = regexp.MustCompile(`<[^>]*>|\r?\n`)
	emphasisPattern   = regexp.MustCompile(`(\*{1,2}|_{1,2}|~{2})(.*?)(\*{1,2}|_{1,2}|~{2})`)
	headerPattern     = regexp.MustCompile(`(?m)^#{1,6}\s+(.*)`)
	inlineCodePattern = regexp.MustCompile("`([^`]*)`")
	codeBlockPattern  = regexp.MustCompile("(?s)```.*?```")
	linkPattern       = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	rulePattern       = regexp.MustCompile(`(?m)^(-{3,}|_{3,}|\*{3,})$`)
	ulistPattern      = regexp.MustCompile(`(?m)^\s*[-*+]\s+`)
	olistPattern      = regexp.MustCompile(`(?m)^\s*\d+\.\s+`)
	blankRunPattern   = regexp.MustCompile(`\n{2,}`)
)

// stripMarkup removes structural markup in a fixed, order-sensitive pass.
// The order matters: sensitivity wrapper labels go first (so their text never
// leaks into the output), generic tags before link/image syntax, and inline
// code before code blocks. The inline pass consumes fence backticks pairwise,
// so a fenced block's body stays in the published text.
func stripMarkup(s string) string {
	s = stripSummaries(s)
	s = stripTags(s)
	s = stripEmphasis(s)
	s = stripHeaders(s)
	s = stripInlineCode(s)
	s = stripCodeBlocks(s)
	s = stripImages(s)
	s = stripLinks(s)
	s = stripRules(s)
	s = stripListMarkers(s)
	return collapseAndTrim(s)
}

func stripSummaries(s string) string { return summaryPattern.ReplaceAllString(s, "") }
func stripTags(s string) string      { return tagPattern.ReplaceAllString(s, "") }

func stripEmphasis(s string) string {
	// Matched pairs only: **bold**, *italic*, __bold__, ~~strike~~.
	return emphasisPattern.ReplaceAllStringFunc(s, func(m string) string {
		sub := emphasisPattern.FindStringSubmatch(m)
		if sub[1] != sub[3] {
			return m
		}
		return sub[2]
	})
}

func stripHeaders(s string) string    { return headerPattern.ReplaceAllString(s, "$1") }
func stripInlineCode(s string) string { return inlineCodePattern.ReplaceAllString(s, "$1") }
func stripCodeBlocks(s string) string { return codeBlockPattern.ReplaceAllString(s, "") }
func stripImages(s string) string     { return imagePattern.ReplaceAllString(s, "") }
func stripLinks(s string) string      { return linkPattern.ReplaceAllString(s, "$1") }
func stripRules(s string) string      { return rulePattern.ReplaceAllString(s, "") }

func stripListMarkers(s string) string {
	s = ulistPattern.ReplaceAllString(s, "")
	return olistPattern.ReplaceAllString(s, "")
}

func collapseAndTrim(s string) string {
	s = blankRunPattern.ReplaceAllString(s, "\n")
	return strings.TrimSpace(s)
}

// escapeMentions neutralizes the literal @ so the text cannot address third
// parties on destinations that interpret it as a mention/reply.
func escapeMentions(s string) string {
	return strings.ReplaceAll(s, "@", "[@]")
}

// MediaRefs scans the un-stripped body for image and video markup.
// References outside any sensitivity wrapper come first (Flag ""), then the
// contents of each wrapper tagged with the wrapper's summary label.
func MediaRefs(body string) []MediaRef {
	refs := scanMedia(detailsPattern.ReplaceAllString(body, ""))
	for _, block := range detailsPattern.FindAllString(body, -1) {
		refs = append(refs, scanMedia(block)...)
	}
	return refs
}

// scanMedia extracts the media references of one body fragment. If the
// fragment contains a <summary> label it becomes the Flag of every reference
// found in the fragment.
func scanMedia(fragment string) []MediaRef {
	flag := ""
	if m := summaryPattern.FindString(fragment); m != "" {
		flag = strings.TrimSpace(tagOrNewlinePat.ReplaceAllString(m, ""))
	}

	var refs []MediaRef
	for _, img := range imagePattern.FindAllString(fragment, -1) {
		refs = append(refs, MediaRef{URL: urlPattern.FindString(img), Kind: KindImage, Flag: flag})
	}
	for _, vid := range videoPattern.FindAllString(fragment, -1) {
		refs = append(refs, MediaRef{URL: urlPattern.FindString(vid), Kind: KindVideo, Flag: flag})
	}
	return refs
}
