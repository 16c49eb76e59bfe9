package agent

import (
	"regexp"
	"strings"
)

// markdownLink matches [text](target) links in assistant output.
var markdownLink = regexp.MustCompile(`\[([^\]]*)\]\(([^)\s]*)\)`)

// placeholderTargets are literal non-resolving targets models emit when
// they know a link belongs somewhere but don't have the URL.
var placeholderTargets = map[string]bool{
	"":            true,
	"#":           true,
	"url":         true,
	"link":        true,
	"placeholder": true,
	"about:blank": true,
}

// isPlaceholderTarget reports whether a link target is a stand-in
// rather than a real URL.
func isPlaceholderTarget(target string) bool {
	t := strings.ToLower(strings.TrimSpace(target))
	if placeholderTargets[t] {
		return true
	}
	return strings.Contains(t, "example.com")
}

// SubstituteLinks rewrites placeholder links positionally: the Nth
// placeholder in text gets the Nth link collected from executed search
// results. Placeholders beyond the available links are left unchanged;
// real links are never touched.
func SubstituteLinks(text string, links []string) string {
	if len(links) == 0 {
		return text
	}

	next := 0
	return markdownLink.ReplaceAllStringFunc(text, func(m string) string {
		if next >= len(links) {
			return m
		}
		parts := markdownLink.FindStringSubmatch(m)
		if parts == nil || !isPlaceholderTarget(parts[2]) {
			return m
		}
		link := links[next]
		next++
		return "[" + parts[1] + "](" + link + ")"
	})
}
