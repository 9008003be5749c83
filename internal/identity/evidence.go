package identity

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxUsernameLength is the longest handle accepted by the tracked platforms.
const maxUsernameLength = 30

// Evidence is the text-derived evidence of one post or story.
type Evidence struct {
	Usernames []string `json:"usernames,omitempty"` // mentions extracted upstream
	OCRText   string   `json:"ocr_text,omitempty"`
	Caption   string   `json:"caption,omitempty"`
}

// ExtractUsernames returns the normalized @mentions found in text, in order of
// first appearance and without duplicates.
func ExtractUsernames(text string) []string {
	var out []string
	for i := 0; i < len(text); i++ {
		if text[i] != '@' {
			continue
		}
		// Skip e-mail addresses such as jane@example.com.
		if prev, _ := utf8.DecodeLastRuneInString(text[:i]); i > 0 && isUsernameRune(prev) {
			continue
		}
		end := strings.IndexFunc(text[i+1:], func(r rune) bool { return !isUsernameRune(r) })
		if end < 0 {
			end = len(text) - i - 1
		}
		candidate := NormalizeUsername(text[i+1 : i+1+end])
		i += end
		if candidate == "" || len(candidate) > maxUsernameLength || slices.Contains(out, candidate) {
			continue
		}
		out = append(out, candidate)
	}
	return out
}

// AllUsernames returns the normalized union of upstream usernames and the
// mentions found in OCR text and caption.
func (e Evidence) AllUsernames() []string {
	var out []string
	for _, u := range e.Usernames {
		if n := NormalizeUsername(u); n != "" && !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	for _, text := range []string{e.OCRText, e.Caption} {
		for _, u := range ExtractUsernames(text) {
			if !slices.Contains(out, u) {
				out = append(out, u)
			}
		}
	}
	return out
}

// Mentions reports whether username appears in the evidence, either as a
// mention or as a bare word in the OCR text or caption (watermarks, signatures).
func (e Evidence) Mentions(username string) bool {
	username = NormalizeUsername(username)
	if username == "" {
		return false
	}
	if slices.Contains(e.AllUsernames(), username) {
		return true
	}
	for _, text := range []string{e.OCRText, e.Caption} {
		for _, word := range usernameTokens(text) {
			if NormalizeUsername(word) == username {
				return true
			}
		}
	}
	return false
}

var firstPersonWords = map[string]bool{
	"i": true, "i'm": true, "im": true, "i've": true, "i'll": true, "i'd": true,
	"me": true, "my": true, "mine": true, "myself": true,
}

// FirstPerson reports whether the caption or OCR text speaks in the first person.
func (e Evidence) FirstPerson() bool {
	for _, text := range []string{e.Caption, e.OCRText} {
		words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return r != '\'' && r != '’' && !unicode.IsLetter(r)
		})
		for _, w := range words {
			if firstPersonWords[strings.ReplaceAll(w, "’", "'")] {
				return true
			}
		}
	}
	return false
}

func usernameTokens(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool { return !isUsernameRune(r) && r != '@' })
}
