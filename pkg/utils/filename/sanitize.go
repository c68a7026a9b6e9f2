// Package filename turns untrusted strings, such as remote identities and
// remote media ids, into single safe path segments.
package filename

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// invalidCharsRe matches characters not safe in filenames on common OSes.
var invalidCharsRe = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

// multiDash collapses runs of dashes and underscores.
var multiDash = regexp.MustCompile(`[-_]{2,}`)

// DefaultMaxLen caps Sanitize output when maxLen is not positive.
const DefaultMaxLen = 120

// Sanitize converts name into a single path segment. Accents are folded to
// their base letters, separators and control characters become dashes, and
// leading or trailing dashes and dots are stripped so the result is never
// hidden, "." or "..". The result is at most maxLen bytes.
func Sanitize(name string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}

	s := strings.TrimSpace(foldAccents(name))
	if s == "" {
		return ""
	}
	s = invalidCharsRe.ReplaceAllString(s, "-")
	s = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsSpace(r):
			return '-'
		case !unicode.IsPrint(r):
			return -1
		}
		return r
	}, s)
	s = multiDash.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-.")

	if len(s) > maxLen {
		s = s[:maxLen]
		for len(s) > 0 && !utf8.ValidString(s) {
			s = s[:len(s)-1]
		}
		s = strings.TrimRight(s, "-.")
	}
	return s
}

// foldAccents decomposes s and drops combining marks, e.g. "José" -> "Jose".
func foldAccents(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
