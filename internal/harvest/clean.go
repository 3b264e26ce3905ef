package harvest

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxTextRunes bounds the text stored for a single item.
const MaxTextRunes = 8000

var strictPolicy = bluemonday.StrictPolicy()

// CleanText strips markup from s, collapses whitespace and truncates the
// result to maxRunes, marking truncation with "...". maxRunes <= 0 disables
// truncation.
func CleanText(s string, maxRunes int) string {
	if s == "" {
		return ""
	}
	// Block-level tags would otherwise glue neighbouring words together.
	s = strings.NewReplacer("<br>", " ", "<br/>", " ", "<br />", " ", "</p>", " </p>", "</li>", " </li>", "</div>", " </div>").Replace(s)
	s = html.UnescapeString(strictPolicy.Sanitize(s))
	s = strings.Join(strings.Fields(s), " ")

	if maxRunes <= 0 || utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	if maxRunes <= 3 {
		return string([]rune(s)[:maxRunes])
	}
	r := []rune(s)[:maxRunes-3]
	return strings.TrimRight(string(r), " ") + "..."
}
