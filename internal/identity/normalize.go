package identity

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// RemoveDiacritics removes diacritical marks from a string (e.g., "Jiří" -> "Jiri").
func RemoveDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

// NormalizeUsername normalizes a social handle for comparison
// (no leading @, lowercase, no diacritics, no trailing dots).
func NormalizeUsername(username string) string {
	username = strings.TrimSpace(username)
	username = strings.TrimLeft(username, "@")
	username = RemoveDiacritics(username)
	username = strings.ToLower(username)
	return strings.TrimRight(username, ".")
}

// NormalizeLabel collapses whitespace in an operator supplied label.
func NormalizeLabel(label string) string {
	return strings.Join(strings.Fields(label), " ")
}

func isUsernameRune(r rune) bool {
	return r == '_' || r == '.' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
