// Package richtext converts between the markdown-like text the model
// produces and the HTML subset the content backend stores.
//
// Descriptions travel to the backend as HTML (headings, unordered lists,
// bold/italic, auto-linked URLs, paragraphs); previews travel back to the
// user as plain text.
package richtext

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// md renders the subset the backend accepts. Linkify turns bare URLs
// into anchors, matching what the backend's own editor emits.
var md = goldmark.New(
	goldmark.WithExtensions(extension.Linkify),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// ToHTML converts a markdown-like description to HTML for the backend's
// content body field. Empty input yields an empty string, not an empty
// paragraph.
func ToHTML(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}

	var buf strings.Builder
	if err := md.Convert([]byte(text), &buf); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}
