package media

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"wemp/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tinyPNG = "data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mP8z8BQDwAEhQGAhKmMIQAAAABJRU5ErkJggg=="

func TestExtractImageURLs(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantHTTP []string
		wantData []string
	}{
		{
			name:     "markdown http image",
			text:     "Here: ![cat](https://example.com/cat.png) done",
			wantHTTP: []string{"https://example.com/cat.png"},
		},
		{
			name:     "bare http image with query",
			text:     "see https://cdn.example.com/a/b.JPG?w=100&h=50 now",
			wantHTTP: []string{"https://cdn.example.com/a/b.JPG?w=100&h=50"},
		},
		{
			name:     "non image link ignored",
			text:     "docs at https://example.com/readme.html",
			wantHTTP: nil,
		},
		{
			name:     "known host without extension",
			text:     "random https://picsum.photos/200/300 and https://fastly.picsum.photos/id/1",
			wantHTTP: []string{"https://picsum.photos/200/300", "https://fastly.picsum.photos/id/1"},
		},
		{
			name:     "lookalike host ignored",
			text:     "https://notpicsum.photos/200",
			wantHTTP: nil,
		},
		{
			name:     "markdown data url",
			text:     "![x](" + tinyPNG + ")",
			wantData: []string{tinyPNG},
		},
		{
			name:     "bare data url",
			text:     "inline " + tinyPNG + " end",
			wantData: []string{tinyPNG},
		},
		{
			name:     "duplicates collapse in first-seen order",
			text:     "https://a.test/2.gif ![x](https://a.test/1.png) https://a.test/2.gif",
			wantHTTP: []string{"https://a.test/1.png", "https://a.test/2.gif"},
		},
		{
			name:     "parenthesized bare url skipped",
			text:     "(https://a.test/1.png)",
			wantHTTP: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractImageURLs(tt.text)
			assert.Equal(t, tt.wantHTTP, got.HTTP)
			assert.Equal(t, tt.wantData, got.Data)
		})
	}
}

func TestProcessImagesInText_DataBeforeHTTP(t *testing.T) {
	text := "Intro ![chart](https://example.com/chart.png)\n\n\n\nmiddle " + tinyPNG +
		" and https://images.unsplash.com/photo-1?w=400\n\n\n\nOutro"

	residual, urls := ProcessImagesInText(text)

	require.Len(t, urls, 3)
	assert.Equal(t, tinyPNG, urls[0])
	assert.Equal(t, "https://example.com/chart.png", urls[1])
	assert.Equal(t, "https://images.unsplash.com/photo-1?w=400", urls[2])

	for _, u := range urls {
		assert.NotContains(t, residual, u)
	}
	assert.NotContains(t, residual, "![")
	assert.NotContains(t, residual, "\n\n\n")
	assert.True(t, strings.HasPrefix(residual, "Intro"))
	assert.True(t, strings.HasSuffix(residual, "Outro"))
}

func TestProcessImagesInText_MarkdownDataAndExtension(t *testing.T) {
	text := "![logo](https://example.com/logo.png) then " + tinyPNG + " and https://cdn.test/photo.jpeg end"

	residual, urls := ProcessImagesInText(text)

	assert.Equal(t, []string{tinyPNG, "https://example.com/logo.png", "https://cdn.test/photo.jpeg"}, urls)
	for _, u := range urls {
		assert.NotContains(t, residual, u)
	}
	assert.NotContains(t, residual, "![")
	assert.Equal(t, "then  and  end", residual)
}

func TestExtracted_Refs(t *testing.T) {
	ex := Extracted{HTTP: []string{"https://a.test/1.png"}, Data: []string{tinyPNG}}
	assert.Equal(t, []ImageRef{
		{URL: tinyPNG, Kind: KindDataURL},
		{URL: "https://a.test/1.png", Kind: KindHTTP},
	}, ex.Refs())
}

func TestExtractImageURLs_GluedKnownHost(t *testing.T) {
	got := ExtractImageURLs("https://x.test/a.pnghttps://picsum.photos/200")
	assert.Equal(t, []string{"https://x.test/a.png", "https://picsum.photos/200"}, got.HTTP)
}

func TestProcessImagesInText_Idempotent(t *testing.T) {
	inputs := []string{
		"plain text only",
		"  padded\n\n\n\n\ntext  ",
		"![a](https://x.test/a.webp) ![b](" + tinyPNG + ") https://placehold.co/600x400 tail",
		"https://x.test/a.png https://x.test/a.png?v=2",
		"https://x.test/a.pnghttps://picsum.photos/200\n",
		"https://picsum.photos/1https://x.test/b.gif",
		"![a](https://x.test/a.png)https://placehold.co/1x1 text",
		"https://x.test/c.jp![a](https://y.test/z.png)g",
		"",
	}
	for _, in := range inputs {
		once, _ := ProcessImagesInText(in)
		twice, urls := ProcessImagesInText(once)
		assert.Equal(t, once, twice, "input %q", in)
		assert.Empty(t, urls, "input %q", in)
	}
}

func TestProcessImagesInText_PrefixURLs(t *testing.T) {
	residual, urls := ProcessImagesInText("a https://x.test/a.png b https://x.test/a.png?v=2 c")
	assert.ElementsMatch(t, []string{"https://x.test/a.png", "https://x.test/a.png?v=2"}, urls)
	assert.Equal(t, "a  b  c", residual)
}

func TestProcessImagesInText_KeepsOtherMarkdown(t *testing.T) {
	residual, urls := ProcessImagesInText("[docs](https://example.com/docs) ![img](https://example.com/i.gif)")
	assert.Equal(t, []string{"https://example.com/i.gif"}, urls)
	assert.Equal(t, "[docs](https://example.com/docs)", residual)
}

func TestDecodeDataURL(t *testing.T) {
	data, mime, err := DecodeDataURL(tinyPNG)
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
	assert.Equal(t, []byte("\x89PNG"), data[:4])
	assert.Equal(t, ".png", FileExtension(mime))

	_, _, err = DecodeDataURL("https://example.com/a.png")
	assert.True(t, errors.Is(err, domain.ErrValidation))

	_, _, err = DecodeDataURL("data:image/png,rawbytes")
	assert.True(t, errors.Is(err, domain.ErrValidation))

	big := "data:image/png;base64," + base64.StdEncoding.EncodeToString(make([]byte, MaxDataURLBytes+10))
	_, _, err = DecodeDataURL(big)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}
