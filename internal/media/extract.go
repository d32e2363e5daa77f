// Package media finds image references in agent replies and prepares them for upload.
package media

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Kind classifies an image reference.
type Kind string

const (
	KindHTTP    Kind = "http"
	KindDataURL Kind = "dataUrl"
)

// ImageRef is an image found in text.
type ImageRef struct {
	URL  string
	Kind Kind
}

// Extracted holds the distinct image URLs of a text in order of first appearance.
type Extracted struct {
	HTTP []string
	Data []string
}

// Refs returns data URLs first, then http URLs.
func (e Extracted) Refs() []ImageRef {
	out := make([]ImageRef, 0, len(e.Data)+len(e.HTTP))
	for _, u := range e.Data {
		out = append(out, ImageRef{URL: u, Kind: KindDataURL})
	}
	for _, u := range e.HTTP {
		out = append(out, ImageRef{URL: u, Kind: KindHTTP})
	}
	return out
}

// KnownImageHosts serve images from URLs that have no file extension.
var KnownImageHosts = []string{
	"picsum.photos",
	"unsplash.com",
	"images.unsplash.com",
	"source.unsplash.com",
	"placekitten.com",
	"placehold.co",
	"placeholder.com",
}

var (
	markdownDataURL = regexp.MustCompile(`(?i)!\[[^\]]*\]\((data:image/[^;\s)]+;base64,[A-Za-z0-9+/=]+)\)`)
	bareDataURL     = regexp.MustCompile(`(?i)data:image/[^;\s)]+;base64,[A-Za-z0-9+/=]+`)
	markdownHTTP    = regexp.MustCompile(`(?i)!\[[^\]]*\]\((https?://[^\s)]+\.(?:png|jpg|jpeg|gif|webp)(?:\?[^\s)]*)?)\)`)
	bareHTTP        = regexp.MustCompile(`(?i)https?://[^\s<>"']+\.(?:png|jpg|jpeg|gif|webp)(?:\?[^\s<>"']*)?`)
	anyHTTP         = regexp.MustCompile(`(?i)https?://[^\s<>"')\]]+`)
	blankLines      = regexp.MustCompile(`\n{3,}`)
)

type orderedSet struct {
	seen  map[string]bool
	items []string
}

func (s *orderedSet) add(v string) {
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	if v == "" || s.seen[v] {
		return
	}
	s.seen[v] = true
	s.items = append(s.items, v)
}

// ExtractImageURLs finds data URLs, http(s) URLs with an image extension and
// URLs on known image hosts, both bare and inside markdown image syntax.
func ExtractImageURLs(text string) Extracted {
	var data, web orderedSet

	masked := []byte(text)
	mask := func(re *regexp.Regexp) {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			for i := loc[0]; i < loc[1]; i++ {
				masked[i] = ' '
			}
		}
	}

	for _, m := range markdownDataURL.FindAllStringSubmatch(text, -1) {
		data.add(m[1])
	}
	for _, u := range bareMatches(bareDataURL, text) {
		data.add(u)
	}

	for _, m := range markdownHTTP.FindAllStringSubmatch(text, -1) {
		web.add(m[1])
	}
	for _, u := range bareMatches(bareHTTP, text) {
		web.add(u)
	}

	// Hide what the earlier passes matched so a URL glued to the end of
	// another is still seen on its own.
	for _, re := range []*regexp.Regexp{markdownDataURL, bareDataURL, markdownHTTP, bareHTTP} {
		mask(re)
	}
	for _, u := range anyHTTP.FindAllString(string(masked), -1) {
		if isKnownImageHost(u) {
			web.add(u)
		}
	}

	return Extracted{HTTP: web.items, Data: data.items}
}

// bareMatches returns matches that are not wrapped in parentheses;
// parenthesized ones are left to the markdown patterns.
func bareMatches(re *regexp.Regexp, text string) []string {
	var out []string
	for _, loc := range re.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		if start > 0 && text[start-1] == '(' {
			continue
		}
		if end < len(text) && text[end] == ')' {
			continue
		}
		out = append(out, text[start:end])
	}
	return out
}

func isKnownImageHost(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, known := range KnownImageHosts {
		if host == known || strings.HasSuffix(host, "."+known) {
			return true
		}
	}
	return false
}

// ProcessImagesInText extracts every image from text and returns the text with
// the images removed, together with the image URLs (data URLs first).
// Removal repeats until the text holds no image, so applying it to its own
// output text is a no-op.
func ProcessImagesInText(text string) (string, []string) {
	var data, web orderedSet
	for {
		ex := ExtractImageURLs(text)
		if len(ex.Data) == 0 && len(ex.HTTP) == 0 {
			break
		}
		for _, u := range ex.Data {
			data.add(u)
		}
		for _, u := range ex.HTTP {
			web.add(u)
		}
		text = removeImages(text, append(ex.Data, ex.HTTP...))
	}

	refs := Extracted{HTTP: web.items, Data: data.items}.Refs()
	urls := make([]string, 0, len(refs))
	for _, ref := range refs {
		urls = append(urls, ref.URL)
	}
	return strings.TrimSpace(blankLines.ReplaceAllString(text, "\n\n")), urls
}

// removeImages deletes urls from text, markdown-wrapped occurrences first.
func removeImages(text string, urls []string) string {
	// Longest first, so a URL that is a prefix of another cannot break it.
	byLength := append([]string(nil), urls...)
	sort.SliceStable(byLength, func(i, j int) bool { return len(byLength[i]) > len(byLength[j]) })

	out := text
	for _, u := range byLength {
		out = removeMarkdownImage(out, u)
	}
	for _, u := range byLength {
		out = strings.ReplaceAll(out, u, "")
	}
	return out
}

// removeMarkdownImage drops every "![alt](u)" from text.
func removeMarkdownImage(text, u string) string {
	needle := "](" + u + ")"
	if !strings.Contains(text, needle) {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	for {
		i := strings.Index(text, needle)
		if i < 0 {
			b.WriteString(text)
			return b.String()
		}
		start := strings.LastIndex(text[:i], "![")
		if start >= 0 && !strings.Contains(text[start+2:i], "]") {
			b.WriteString(text[:start])
		} else {
			b.WriteString(text[:i+len(needle)])
		}
		text = text[i+len(needle):]
	}
}
