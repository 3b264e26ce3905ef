package taxonomy

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Tokens folds s (NFKC + Unicode case folding) and splits it into word
// tokens. Letters and digits form words; an apostrophe between two word
// characters stays inside the word so "don't" is one token. Everything else
// is a boundary, which makes "rule-of-thumb" and "rule of thumb" equal.
func Tokens(s string) []string {
	if s == "" {
		return nil
	}
	folded := cases.Fold().String(norm.NFKC.String(s))
	runes := []rune(folded)

	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for i, r := range runes {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r):
			cur.WriteRune(r)
		case isApostrophe(r) && cur.Len() > 0 && i+1 < len(runes) && isWordRune(runes[i+1]):
			cur.WriteRune('\'')
		default:
			flush()
		}
	}
	flush()
	return out
}

func isApostrophe(r rune) bool {
	return r == '\'' || r == '’' || r == 'ʼ'
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
