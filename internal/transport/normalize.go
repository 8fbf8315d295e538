package transport

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// NormalizeReference folds a document reference for comparison: compatibility
// normalisation, whitespace removed, upper case.
func NormalizeReference(ref string) string {
	ref = norm.NFKC.String(ref)
	ref = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, ref)
	return cases.Upper(language.Und).String(ref)
}
