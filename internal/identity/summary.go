package identity

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kozaktomas/face-identity/internal/database"
)

// RenderSummary renders the short participant sentence shown in the review UI
// and passed to the comment pipeline.
func RenderSummary(participants []database.Participant) string {
	if len(participants) == 0 {
		return "No people detected."
	}

	names := make([]string, 0, len(participants))
	ownerPresent := false
	for _, p := range participants {
		if p.OwnerMatch || p.Role == database.RolePrimaryUser {
			ownerPresent = true
		}
		names = append(names, describeParticipant(p))
	}

	var b strings.Builder
	if len(participants) == 1 {
		fmt.Fprintf(&b, "%s appears alone.", capitalize(names[0]))
	} else {
		fmt.Fprintf(&b, "%s appear together.", capitalize(joinNames(names)))
	}
	if !ownerPresent {
		b.WriteString(" The profile owner is not identified.")
	}
	return b.String()
}

func describeParticipant(p database.Participant) string {
	var name string
	switch {
	case p.Role == database.RolePrimaryUser && p.Label != "":
		name = fmt.Sprintf("the profile owner (%s)", p.Label)
	case p.Role == database.RolePrimaryUser:
		name = "the profile owner"
	case p.Label != "":
		name = p.Label
	case p.RecurringFace:
		name = "a recurring person"
	default:
		name = "a new face"
	}
	if p.Relationship != database.RelationshipNone {
		name += fmt.Sprintf(" (%s)", strings.ReplaceAll(string(p.Relationship), "_", " "))
	}
	return name
}

func joinNames(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	case 2:
		return names[0] + " and " + names[1]
	}
	return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
