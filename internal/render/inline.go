package render

import (
	"html"
	"regexp"
	"strings"
)

var (
	codeRe   = regexp.MustCompile("`([^`]+)`")
	boldRe   = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	italicRe = regexp.MustCompile(`\*([^*]+)\*`)
)

// Inline applies the minimal inline-formatting transform used by the
// message list: HTML escaping, `code`, **bold**, *italic* and line breaks.
// Anything beyond this is deliberately out of scope.
func Inline(text string) string {
	out := html.EscapeString(text)
	out = codeRe.ReplaceAllString(out, "<code>$1</code>")
	out = boldRe.ReplaceAllString(out, "<strong>$1</strong>")
	out = italicRe.ReplaceAllString(out, "<em>$1</em>")
	out = strings.ReplaceAll(out, "\n", "<br>")
	return out
}
