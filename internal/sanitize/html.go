package sanitize

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// StrictPolicy removes all HTML tags and attributes.
var StrictPolicy = bluemonday.StrictPolicy()

// Text strips all HTML and returns plain text. Entities escaped by the policy
// are decoded again because the result is stored and served as text, never
// rendered as markup.
func Text(input string) string {
	return html.UnescapeString(StrictPolicy.Sanitize(input))
}

// Line is Text with runs of whitespace, including newlines, collapsed to a
// single space. Use for titles and labels.
func Line(input string) string {
	return strings.Join(strings.Fields(Text(input)), " ")
}

// Multiline is Text with surrounding whitespace trimmed and at most one blank
// line between paragraphs. Use for descriptions.
func Multiline(input string) string {
	text := strings.ReplaceAll(Text(input), "\r\n", "\n")
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" {
			if blank || len(out) == 0 {
				continue
			}
			blank = true
			out = append(out, "")
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
