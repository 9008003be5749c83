package identity

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/kozaktomas/face-identity/internal/database"
)

// Detection is one face of a source that the Matcher resolved to a person.
type Detection struct {
	PersonID  string `json:"person_id"`
	FaceIndex int    `json:"face_index"`
}

// Resolution is the outcome of classifying the participants of one source.
type Resolution struct {
	Skipped bool                         `json:"skipped"`
	Reason  string                       `json:"reason,omitempty"`
	Summary *database.ParticipantSummary `json:"summary,omitempty"`
	Owner   *database.Person             `json:"owner,omitempty"`
	Demoted []string                     `json:"demoted,omitempty"`
}

// Classifier decides which detected person is the profile owner and records
// participant roles for a source.
type Classifier struct {
	store    database.Store
	settings Settings
	logger   *zap.Logger
}

// NewClassifier creates a classifier over store.
func NewClassifier(store database.Store, settings Settings, logger *zap.Logger) *Classifier {
	return &Classifier{store: store, settings: settings, logger: logger}
}

// ResolveForObservation classifies the persons detected in src and writes the
// participant summary. Empty or malformed input is skipped without touching any
// previously stored summary.
func (c *Classifier) ResolveForObservation(ctx context.Context, profileID string, src database.Source,
	detected []Detection, evidence Evidence) (*Resolution, error) {
	if len(detected) == 0 {
		return skipped("no detected persons"), nil
	}

	var res *Resolution
	err := c.store.WithScope(ctx, profileID, database.LockMatch, func(tx database.Tx) error {
		profile, err := tx.Profile(ctx)
		if err != nil {
			return fmt.Errorf("loading profile: %w", err)
		}
		res, err = c.resolveInTx(ctx, tx, profile, src, detected, evidence)
		if err == nil && res.Skipped {
			return errSkipped
		}
		return err
	})
	if errors.Is(err, errSkipped) {
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// errSkipped rolls back a scope transaction whose input turned out unusable.
var errSkipped = errors.New("resolution skipped")

func skipped(reason string) *Resolution {
	return &Resolution{Skipped: true, Reason: reason}
}

// classification is the per-source working state of resolveInTx.
type classification struct {
	profile   *database.Profile
	owner     string // normalized profile username
	persons   []*database.Person
	faces     int
	evidence  Evidence
	primary   *database.Person
	changed   map[string]bool
	demoted   []*database.Person
	ownerSeen bool // owner identified through a linked username or mention
}

func (c *Classifier) resolveInTx(ctx context.Context, tx database.Tx, profile *database.Profile,
	src database.Source, detected []Detection, evidence Evidence) (*Resolution, error) {
	if len(detected) == 0 {
		return skipped("no detected persons"), nil
	}

	cl := &classification{
		profile:  profile,
		owner:    NormalizeUsername(profile.Username),
		evidence: evidence,
		changed:  make(map[string]bool),
	}
	seen := make(map[string]bool)
	faces := make(map[int]bool)
	for _, d := range detected {
		if d.PersonID == "" || d.FaceIndex < 0 {
			return skipped("malformed detection"), nil
		}
		faces[d.FaceIndex] = true
		p, err := tx.GetPerson(ctx, d.PersonID)
		if errors.Is(err, database.ErrNotFound) {
			return skipped(fmt.Sprintf("unknown person %s", d.PersonID)), nil
		}
		if err != nil {
			return nil, fmt.Errorf("loading person %s: %w", d.PersonID, err)
		}
		if p, err = resolveLive(ctx, tx, p); err != nil {
			return nil, err
		}
		if !p.Active() || seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		cl.persons = append(cl.persons, p)
	}
	if len(cl.persons) == 0 {
		return skipped("no active persons detected"), nil
	}
	cl.faces = len(faces)

	if err := c.decideOwner(ctx, tx, cl); err != nil {
		return nil, err
	}
	if err := c.crossReference(ctx, tx, cl, src); err != nil {
		return nil, err
	}

	for _, p := range cl.persons {
		if cl.changed[p.ID] {
			p.IdentityConfidence = scoreConfidence(c.settings.Confidence, p)
			if err := tx.UpdatePerson(ctx, p); err != nil {
				return nil, fmt.Errorf("updating person %s: %w", p.ID, err)
			}
		}
	}
	for _, p := range cl.demoted {
		if err := tx.UpdatePerson(ctx, p); err != nil {
			return nil, fmt.Errorf("demoting person %s: %w", p.ID, err)
		}
	}

	if err := c.writeObservationRoles(ctx, tx, cl, src); err != nil {
		return nil, err
	}

	summary := c.buildSummary(cl, src)
	if err := tx.SaveSummary(ctx, summary); err != nil {
		return nil, fmt.Errorf("saving participant summary: %w", err)
	}

	res := &Resolution{Summary: summary, Owner: cl.primary}
	for _, p := range cl.demoted {
		res.Demoted = append(res.Demoted, p.ID)
	}
	c.logger.Info("resolved participants",
		zap.String("profile_id", profile.ID),
		zap.String("source", src.String()),
		zap.Int("participants", len(summary.Participants)),
		zap.Bool("owner_present", cl.primary != nil),
		zap.Int("demoted", len(cl.demoted)))
	return res, nil
}

// decideOwner applies the ownership decision order to the detected persons.
func (c *Classifier) decideOwner(ctx context.Context, tx database.Tx, cl *classification) error {
	// (a) a detected person linked to the profile username.
	var linked []*database.Person
	for _, p := range cl.persons {
		if cl.owner != "" && hasNormalizedUsername(p, cl.owner) {
			linked = append(linked, p)
		}
	}
	if len(linked) > 0 {
		cl.primary = mostRecurrent(linked)
		cl.ownerSeen = true
	} else if cl.owner != "" && cl.evidence.Mentions(cl.owner) {
		// A mention only names the owner while nobody is confirmed. The inferred
		// role is not backed by a username link; linking stays an operator action.
		confirmed, err := scopeHasConfirmedOwner(ctx, tx)
		if err != nil {
			return err
		}
		if !confirmed {
			if len(cl.persons) == 1 {
				cl.primary = cl.persons[0]
			} else {
				cl.primary = uniqueMostRecurrent(cl.persons)
			}
			cl.ownerSeen = cl.primary != nil
		}
	}

	if cl.primary != nil {
		if cl.primary.Role != database.RolePrimaryUser {
			cl.primary.Role = database.RolePrimaryUser
			cl.changed[cl.primary.ID] = true
		}
		if err := c.demoteOthers(ctx, tx, cl); err != nil {
			return err
		}
	} else {
		// (b) exactly one detected person confirmed as the owner keeps the role.
		var confirmed []*database.Person
		for _, p := range cl.persons {
			if p.ConfirmedOwner() {
				confirmed = append(confirmed, p)
			}
		}
		if len(confirmed) == 1 {
			cl.primary = confirmed[0]
		}
	}

	// (c) everyone else is a secondary person pending further evidence.
	for _, p := range cl.persons {
		if p == cl.primary {
			continue
		}
		switch {
		case p.Role == database.RoleUnknown:
			p.Role = database.RoleSecondaryPerson
			cl.changed[p.ID] = true
		case p.Role == database.RolePrimaryUser && cl.primary != nil:
			p.Role = database.RoleSecondaryPerson
			cl.changed[p.ID] = true
		}
	}
	if cl.primary == nil {
		// An unconfirmed primary keeps its role until stronger evidence arrives.
		for _, p := range cl.persons {
			if p.Role == database.RolePrimaryUser {
				cl.primary = p
			}
		}
	} else if cl.primary.ConfirmedOwner() {
		cl.ownerSeen = true
	}
	return nil
}

func scopeHasConfirmedOwner(ctx context.Context, tx database.Tx) (bool, error) {
	all, err := tx.ListPersons(ctx)
	if err != nil {
		return false, fmt.Errorf("listing persons: %w", err)
	}
	for i := range all {
		if all[i].ConfirmedOwner() {
			return true, nil
		}
	}
	return false, nil
}

// demoteOthers demotes every primary of the scope other than cl.primary.
func (c *Classifier) demoteOthers(ctx context.Context, tx database.Tx, cl *classification) error {
	all, err := tx.ListPersons(ctx)
	if err != nil {
		return fmt.Errorf("listing persons: %w", err)
	}
	for i := range all {
		p := &all[i]
		if p.ID == cl.primary.ID || p.Role != database.RolePrimaryUser {
			continue
		}
		if detected := findPerson(cl.persons, p.ID); detected != nil {
			detected.Role = database.RoleSecondaryPerson
			cl.changed[detected.ID] = true
			continue
		}
		p.Role = database.RoleSecondaryPerson
		cl.demoted = append(cl.demoted, p)
		c.logger.Info("demoted previous primary user",
			zap.String("profile_id", cl.profile.ID),
			zap.String("person_id", p.ID),
			zap.String("new_primary_id", cl.primary.ID))
	}
	return nil
}

// crossReference links usernames of other tracked profiles to the single
// non-owner person of the source.
func (c *Classifier) crossReference(ctx context.Context, tx database.Tx, cl *classification, src database.Source) error {
	var others []*database.Person
	for _, p := range cl.persons {
		if p != cl.primary {
			others = append(others, p)
		}
	}
	if len(others) != 1 {
		return nil
	}
	mentioned := cl.evidence.AllUsernames()
	if len(mentioned) == 0 {
		return nil
	}

	tracked, err := tx.TrackedProfiles(ctx)
	if err != nil {
		return fmt.Errorf("loading tracked profiles: %w", err)
	}
	var matches []string
	for _, tp := range tracked {
		u := NormalizeUsername(tp.Username)
		if tp.ID == cl.profile.ID || u == "" || u == cl.owner {
			continue
		}
		if slices.Contains(mentioned, u) {
			matches = append(matches, u)
		}
	}
	if len(matches) == 0 {
		return nil
	}

	p := others[0]
	for _, u := range matches {
		if !hasNormalizedUsername(p, u) {
			p.LinkedUsernames = append(p.LinkedUsernames, u)
		}
	}
	sources := metaStrings(p.Metadata, database.MetaUsernameMentions)
	if !slices.Contains(sources, src.String()) {
		sources = append(sources, src.String())
	}
	if p.Metadata == nil {
		p.Metadata = make(map[string]any)
	}
	p.Metadata[database.MetaUsernameMentions] = sources

	rel := database.RelationshipOccasionalCollaborator
	if c.settings.CollaboratorEscalation > 0 && len(sources) >= c.settings.CollaboratorEscalation {
		rel = database.RelationshipFrequentCollaborator
	}
	p.Relationship = rel
	cl.changed[p.ID] = true
	c.logger.Debug("linked collaborator usernames",
		zap.String("profile_id", cl.profile.ID),
		zap.String("person_id", p.ID),
		zap.Strings("usernames", matches),
		zap.String("relationship", string(rel)))
	return nil
}

// writeObservationRoles records the decided role on every observation of src.
func (c *Classifier) writeObservationRoles(ctx context.Context, tx database.Tx, cl *classification, src database.Source) error {
	observations, err := tx.ObservationsBySource(ctx, src)
	if err != nil {
		return fmt.Errorf("loading observations of %s: %w", src, err)
	}
	for i := range observations {
		o := &observations[i]
		p := findPerson(cl.persons, o.PersonID)
		if p == nil || o.Role == p.Role {
			continue
		}
		o.Role = p.Role
		if err := tx.SaveObservation(ctx, o); err != nil {
			return fmt.Errorf("saving observation %s: %w", o.ID, err)
		}
	}
	return nil
}

func (c *Classifier) buildSummary(cl *classification, src database.Source) *database.ParticipantSummary {
	ordered := slices.Clone(cl.persons)
	slices.SortStableFunc(ordered, func(a, b *database.Person) int {
		if (a == cl.primary) != (b == cl.primary) {
			if a == cl.primary {
				return -1
			}
			return 1
		}
		return cmp.Compare(b.AppearanceCount, a.AppearanceCount)
	})

	participants := make([]database.Participant, 0, len(ordered))
	for _, p := range ordered {
		participants = append(participants, participantOf(p, p == cl.primary && cl.ownerSeen))
	}
	return &database.ParticipantSummary{
		ProfileID:    cl.profile.ID,
		Source:       src,
		Participants: participants,
		Text:         RenderSummary(participants),
		Evidence: database.SourceEvidence{
			SoleFace:       cl.faces == 1,
			FirstPerson:    cl.evidence.FirstPerson(),
			OwnerMentioned: cl.owner != "" && cl.evidence.Mentions(cl.owner),
		},
		ResolvedAt: c.settings.now(),
	}
}

func participantOf(p *database.Person, ownerMatch bool) database.Participant {
	return database.Participant{
		PersonID:      p.ID,
		Role:          p.Role,
		Label:         p.Label,
		OwnerMatch:    ownerMatch,
		RecurringFace: p.AppearanceCount > 1,
		Relationship:  p.Relationship,
		Confidence:    p.IdentityConfidence,
	}
}

func hasNormalizedUsername(p *database.Person, username string) bool {
	for _, u := range p.LinkedUsernames {
		if NormalizeUsername(u) == username {
			return true
		}
	}
	return false
}

func findPerson(persons []*database.Person, id string) *database.Person {
	for _, p := range persons {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// mostRecurrent returns the person with most appearances, earliest id on ties.
func mostRecurrent(persons []*database.Person) *database.Person {
	best := persons[0]
	for _, p := range persons[1:] {
		if p.AppearanceCount > best.AppearanceCount ||
			(p.AppearanceCount == best.AppearanceCount && p.ID < best.ID) {
			best = p
		}
	}
	return best
}

// uniqueMostRecurrent returns the person with strictly most appearances, or nil on a tie.
func uniqueMostRecurrent(persons []*database.Person) *database.Person {
	var best *database.Person
	tie := false
	for _, p := range persons {
		switch {
		case best == nil || p.AppearanceCount > best.AppearanceCount:
			best, tie = p, false
		case p.AppearanceCount == best.AppearanceCount:
			tie = true
		}
	}
	if tie {
		return nil
	}
	return best
}

// metaStrings reads a string list from metadata that may have passed through JSON.
func metaStrings(meta map[string]any, key string) []string {
	switch v := meta[key].(type) {
	case []string:
		return slices.Clone(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
