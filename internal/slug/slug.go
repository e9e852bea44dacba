// Package slug folds free text into URL and filename safe tokens.
package slug

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxLength caps generated slugs.
const MaxLength = 190

var replacer = strings.NewReplacer(
	"æ", "ae", "Æ", "ae",
	"ø", "o", "Ø", "o",
	"å", "aa", "Å", "aa",
	"ß", "ss",
	"&", "-",
)

// Make lowercases s, strips accents, and joins alphanumeric runs with '-'.
func Make(s string) string {
	s = replacer.Replace(s)
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	b.Grow(len(folded))
	dash := false
	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if b.Len() > 0 && !dash {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if len(out) > MaxLength {
		out = strings.TrimRight(out[:MaxLength], "-")
	}
	return out
}

// Or returns Make(s), or fallback when s folds to nothing.
func Or(s, fallback string) string {
	if out := Make(s); out != "" {
		return out
	}
	return fallback
}
