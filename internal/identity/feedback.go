package identity

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-identity/internal/database"
)

// MergeResult is returned by Merge.
type MergeResult struct {
	Target     *database.Person `json:"target"`
	Source     *database.Person `json:"source"`
	Reassigned int              `json:"reassigned"`
	Repointed  []string         `json:"repointed,omitempty"` // persons previously merged into source
	Noop       bool             `json:"noop"`
}

// SeparateResult is returned by Separate.
type SeparateResult struct {
	Original    *database.Person          `json:"original"`
	Created     *database.Person          `json:"created"`
	Observation *database.FaceObservation `json:"observation"`
}

// RoleChange is returned by MarkIncorrect, Confirm and LinkProfileOwner.
type RoleChange struct {
	Person       *database.Person `json:"person"`
	Demoted      []string         `json:"demoted,omitempty"`
	Observations int              `json:"observations,omitempty"` // observations stamped with feedback
}

// Feedback applies operator corrections to the person registry. Every operation
// runs in one serializable scope transaction and aborts without partial writes
// when it would break a registry invariant.
type Feedback struct {
	store    database.Store
	settings Settings
	logger   *zap.Logger
}

// NewFeedback creates a feedback service over store.
func NewFeedback(store database.Store, settings Settings, logger *zap.Logger) *Feedback {
	return &Feedback{store: store, settings: settings, logger: logger}
}

func (f *Feedback) inScope(ctx context.Context, profileID string, fn func(tx database.Tx) error) error {
	return f.store.WithScope(ctx, profileID, database.LockFeedback, fn)
}

// Merge folds sourceID into targetID: observations, ledger, usernames and
// appearance evidence move to the target and the source becomes an inert merged record.
func (f *Feedback) Merge(ctx context.Context, profileID, sourceID, targetID string) (*MergeResult, error) {
	var res *MergeResult
	err := f.inScope(ctx, profileID, func(tx database.Tx) error {
		var err error
		res, err = f.mergeInTx(ctx, tx, sourceID, targetID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (f *Feedback) mergeInTx(ctx context.Context, tx database.Tx, sourceID, targetID string) (*MergeResult, error) {
	if sourceID == targetID {
		return nil, fmt.Errorf("%w: cannot merge person %s into itself", ErrInvalidFeedback, sourceID)
	}
	src, err := tx.GetPerson(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("loading source person: %w", err)
	}
	tgt, err := tx.GetPerson(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("loading target person: %w", err)
	}
	if tgt, err = resolveLive(ctx, tx, tgt); err != nil {
		return nil, err
	}
	if !tgt.Active() {
		return nil, fmt.Errorf("%w: merge target %s is %s", ErrInactivePerson, tgt.ID, tgt.Role)
	}

	if src.Role == database.RoleMerged {
		live, err := resolveLive(ctx, tx, src)
		if err != nil {
			return nil, err
		}
		if live.ID == tgt.ID {
			return &MergeResult{Target: tgt, Source: src, Noop: true}, nil
		}
		src = live
	}
	if src.ID == tgt.ID {
		return nil, fmt.Errorf("%w: %s and %s are already the same person", ErrInvalidFeedback, sourceID, targetID)
	}
	if !src.Active() {
		return nil, fmt.Errorf("%w: merge source %s is %s", ErrInactivePerson, src.ID, src.Role)
	}

	srcObservations, err := tx.ObservationsByPerson(ctx, src.ID)
	if err != nil {
		return nil, fmt.Errorf("loading observations of %s: %w", src.ID, err)
	}

	prevRole := tgt.Role
	combineInto(tgt, src)
	tgt.IdentityConfidence = scoreConfidence(f.settings.Confidence, tgt)
	addMetaString(tgt, database.MetaMergedFrom, src.ID)

	src.Role = database.RoleMerged
	src.MergedIntoPersonID = tgt.ID
	src.CanonicalEmbedding = nil
	src.AppearanceCount = 0
	src.Signatures = nil
	src.IdentityConfidence = 0

	// The source gives up its ledger before the target claims it.
	if err := tx.UpdatePerson(ctx, src); err != nil {
		return nil, fmt.Errorf("retiring merged person %s: %w", src.ID, err)
	}
	if _, err := f.demoteOtherPrimaries(ctx, tx, tgt); err != nil {
		return nil, err
	}
	if err := tx.UpdatePerson(ctx, tgt); err != nil {
		return nil, fmt.Errorf("updating merge target %s: %w", tgt.ID, err)
	}

	n, err := tx.ReassignObservations(ctx, src.ID, tgt.ID, tgt.Role)
	if err != nil {
		return nil, fmt.Errorf("reassigning observations: %w", err)
	}
	if tgt.Role != prevRole {
		// The target inherited a stronger role; its own observations follow.
		if _, err := tx.ReassignObservations(ctx, tgt.ID, tgt.ID, tgt.Role); err != nil {
			return nil, fmt.Errorf("updating observation roles of %s: %w", tgt.ID, err)
		}
	}

	res := &MergeResult{Target: tgt, Source: src, Reassigned: n}
	persons, err := tx.ListPersons(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing persons: %w", err)
	}
	for i := range persons {
		p := &persons[i]
		if p.Role != database.RoleMerged || p.MergedIntoPersonID != src.ID {
			continue
		}
		p.MergedIntoPersonID = tgt.ID
		if err := tx.UpdatePerson(ctx, p); err != nil {
			return nil, fmt.Errorf("re-pointing merged person %s: %w", p.ID, err)
		}
		res.Repointed = append(res.Repointed, p.ID)
	}

	if err := f.refreshSummaries(ctx, tx, sourcesOf(srcObservations), map[string]string{src.ID: tgt.ID}); err != nil {
		return nil, err
	}

	f.logger.Info("merged persons",
		zap.String("profile_id", tgt.ProfileID),
		zap.String("source_id", src.ID),
		zap.String("target_id", tgt.ID),
		zap.Int("reassigned", n),
		zap.Int("appearances", tgt.AppearanceCount))
	return res, nil
}

// combineInto folds the evidence of src into tgt.
func combineInto(tgt, src *database.Person) {
	tgtCount, srcCount := float64(len(tgt.Signatures)), float64(len(src.Signatures))
	switch {
	case len(tgt.CanonicalEmbedding) == 0:
		tgt.CanonicalEmbedding = slices.Clone(src.CanonicalEmbedding)
	case len(src.CanonicalEmbedding) == len(tgt.CanonicalEmbedding) && srcCount > 0:
		tgt.CanonicalEmbedding = weightedMean(tgt.CanonicalEmbedding, max(tgtCount, 1), src.CanonicalEmbedding, srcCount)
	}

	for _, sig := range src.Signatures {
		if !tgt.HasSignature(sig) {
			tgt.Signatures = append(tgt.Signatures, sig)
		}
	}
	tgt.AppearanceCount = len(tgt.Signatures)
	for _, u := range src.LinkedUsernames {
		if !tgt.HasUsername(u) {
			tgt.LinkedUsernames = append(tgt.LinkedUsernames, u)
		}
	}
	if !src.FirstSeenAt.IsZero() {
		touchSeen(tgt, src.FirstSeenAt)
	}
	if !src.LastSeenAt.IsZero() {
		touchSeen(tgt, src.LastSeenAt)
	}
	if roleRank(src.Role) > roleRank(tgt.Role) {
		tgt.Role = src.Role
	}
	if tgt.RealPersonStatus != database.StatusConfirmedRealPerson && src.RealPersonStatus == database.StatusConfirmedRealPerson {
		tgt.RealPersonStatus = database.StatusConfirmedRealPerson
	}
	if tgt.Label == "" {
		tgt.Label = src.Label
	}
	if relationshipRank(src.Relationship) > relationshipRank(tgt.Relationship) {
		tgt.Relationship = src.Relationship
	}
	for _, s := range metaStrings(src.Metadata, database.MetaUsernameMentions) {
		addMetaString(tgt, database.MetaUsernameMentions, s)
	}
}

func roleRank(r database.Role) int {
	switch r {
	case database.RolePrimaryUser:
		return 2
	case database.RoleSecondaryPerson:
		return 1
	}
	return 0
}

func relationshipRank(r database.Relationship) int {
	switch r {
	case database.RelationshipFrequentCollaborator:
		return 2
	case database.RelationshipOccasionalCollaborator:
		return 1
	}
	return 0
}

func addMetaString(p *database.Person, key, value string) {
	values := metaStrings(p.Metadata, key)
	if slices.Contains(values, value) {
		return
	}
	if p.Metadata == nil {
		p.Metadata = make(map[string]any)
	}
	p.Metadata[key] = append(values, value)
}

// Separate detaches one observation from personID into a brand-new person
// seeded from that observation's embedding.
func (f *Feedback) Separate(ctx context.Context, profileID, personID, observationID string) (*SeparateResult, error) {
	var res *SeparateResult
	err := f.inScope(ctx, profileID, func(tx database.Tx) error {
		var err error
		res, err = f.separateInTx(ctx, tx, profileID, personID, observationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (f *Feedback) separateInTx(ctx context.Context, tx database.Tx, profileID, personID, observationID string) (*SeparateResult, error) {
	person, err := tx.GetPerson(ctx, personID)
	if err != nil {
		return nil, fmt.Errorf("loading person: %w", err)
	}
	if person.Role == database.RoleMerged {
		return nil, fmt.Errorf("%w: person %s was merged into %s", ErrInactivePerson, person.ID, person.MergedIntoPersonID)
	}
	obs, err := tx.GetObservation(ctx, observationID)
	if err != nil {
		return nil, fmt.Errorf("loading observation: %w", err)
	}
	if obs.PersonID != person.ID {
		return nil, fmt.Errorf("%w: observation %s is not linked to person %s", ErrInvalidFeedback, obs.ID, person.ID)
	}
	if !person.HasSignature(obs.Signature) {
		return nil, fmt.Errorf("%w: signature %s of observation %s is not in the ledger of %s",
			ErrInvalidFeedback, obs.Signature, obs.ID, person.ID)
	}
	if err := ValidateEmbedding(obs.Embedding, f.settings.EmbeddingDim); err != nil {
		return nil, fmt.Errorf("%w: observation %s cannot seed a person: %w", ErrInvalidFeedback, obs.ID, err)
	}

	remaining, err := tx.ObservationsByPerson(ctx, person.ID)
	if err != nil {
		return nil, fmt.Errorf("loading observations of %s: %w", person.ID, err)
	}
	remaining = slices.DeleteFunc(remaining, func(o database.FaceObservation) bool { return o.ID == obs.ID })

	person.Signatures = slices.DeleteFunc(person.Signatures, func(s string) bool { return s == obs.Signature })
	person.AppearanceCount = len(person.Signatures)
	switch {
	case len(person.Signatures) == 0:
		// An empty ledger has nothing left to match on.
		person.CanonicalEmbedding = nil
	case person.Matchable() && f.settings.Refresh == RefreshMean:
		person.CanonicalEmbedding = meanEmbedding(remaining, f.settings.EmbeddingDim)
	}
	person.IdentityConfidence = scoreConfidence(f.settings.Confidence, person)
	if err := tx.UpdatePerson(ctx, person); err != nil {
		return nil, fmt.Errorf("updating person %s: %w", person.ID, err)
	}

	seenAt := obs.CreatedAt
	if seenAt.IsZero() {
		seenAt = f.settings.now()
	}
	created := &database.Person{
		ID:                 uuid.NewString(),
		ProfileID:          profileID,
		Role:               database.RoleUnknown,
		CanonicalEmbedding: database.Normalize(obs.Embedding),
		AppearanceCount:    1,
		FirstSeenAt:        seenAt,
		LastSeenAt:         seenAt,
		RealPersonStatus:   database.StatusUnverified,
		Signatures:         []string{obs.Signature},
		Metadata:           map[string]any{database.MetaSeparatedFromPersonID: person.ID},
	}
	created.IdentityConfidence = scoreConfidence(f.settings.Confidence, created)
	if err := tx.CreatePerson(ctx, created); err != nil {
		return nil, fmt.Errorf("creating separated person: %w", err)
	}

	obs.PersonID = created.ID
	obs.Role = created.Role
	if obs.Metadata == nil {
		obs.Metadata = make(map[string]any)
	}
	obs.Metadata[database.MetaSeparatedFromPersonID] = person.ID
	if err := tx.SaveObservation(ctx, obs); err != nil {
		return nil, fmt.Errorf("saving observation %s: %w", obs.ID, err)
	}

	if err := f.refreshSummaries(ctx, tx, []database.Source{obs.Source}, nil); err != nil {
		return nil, err
	}

	f.logger.Info("separated observation",
		zap.String("profile_id", profileID),
		zap.String("person_id", person.ID),
		zap.String("observation_id", obs.ID),
		zap.String("new_person_id", created.ID))
	return &SeparateResult{Original: person, Created: created, Observation: obs}, nil
}

// MarkIncorrect retires a false-positive person. Its ledger is kept so the same
// detections are never counted again; observations keep their link and get the
// reason stamped into their metadata.
func (f *Feedback) MarkIncorrect(ctx context.Context, profileID, personID, reason string) (*RoleChange, error) {
	var res *RoleChange
	err := f.inScope(ctx, profileID, func(tx database.Tx) error {
		person, err := tx.GetPerson(ctx, personID)
		if err != nil {
			return fmt.Errorf("loading person: %w", err)
		}
		if person.Role == database.RoleMerged {
			return fmt.Errorf("%w: person %s was merged into %s", ErrInactivePerson, person.ID, person.MergedIntoPersonID)
		}

		now := f.settings.now()
		person.Role = database.RoleIncorrect
		person.RealPersonStatus = database.StatusIncorrect
		person.CanonicalEmbedding = nil
		person.IdentityConfidence = 0
		if person.Metadata == nil {
			person.Metadata = make(map[string]any)
		}
		person.Metadata[database.MetaFeedbackReason] = reason
		person.Metadata[database.MetaFeedbackAt] = now.Format(time.RFC3339)
		if err := tx.UpdatePerson(ctx, person); err != nil {
			return fmt.Errorf("updating person %s: %w", person.ID, err)
		}

		observations, err := tx.ObservationsByPerson(ctx, person.ID)
		if err != nil {
			return fmt.Errorf("loading observations of %s: %w", person.ID, err)
		}
		for i := range observations {
			o := &observations[i]
			if o.Metadata == nil {
				o.Metadata = make(map[string]any)
			}
			o.Metadata[database.MetaFeedbackReason] = reason
			o.Metadata[database.MetaFeedbackAt] = now.Format(time.RFC3339)
			if err := tx.SaveObservation(ctx, o); err != nil {
				return fmt.Errorf("stamping observation %s: %w", o.ID, err)
			}
		}

		res = &RoleChange{Person: person, Observations: len(observations)}
		f.logger.Info("marked person incorrect",
			zap.String("profile_id", profileID),
			zap.String("person_id", person.ID),
			zap.String("reason", reason),
			zap.Int("observations", len(observations)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Confirm marks personID as the verified profile owner and applies label.
// Any other primary user of the scope is demoted.
func (f *Feedback) Confirm(ctx context.Context, profileID, personID, label string) (*RoleChange, error) {
	var res *RoleChange
	err := f.inScope(ctx, profileID, func(tx database.Tx) error {
		person, err := f.activePerson(ctx, tx, personID)
		if err != nil {
			return err
		}
		person.RealPersonStatus = database.StatusConfirmedRealPerson
		person.Role = database.RolePrimaryUser
		if l := NormalizeLabel(label); l != "" {
			person.Label = l
		}
		person.IdentityConfidence = scoreConfidence(f.settings.Confidence, person)

		demoted, err := f.demoteOtherPrimaries(ctx, tx, person)
		if err != nil {
			return err
		}
		if err := tx.UpdatePerson(ctx, person); err != nil {
			return fmt.Errorf("updating person %s: %w", person.ID, err)
		}
		res = &RoleChange{Person: person, Demoted: demoted}
		f.logger.Info("confirmed person",
			zap.String("profile_id", profileID),
			zap.String("person_id", person.ID),
			zap.String("label", person.Label),
			zap.Strings("demoted", res.Demoted))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// LinkProfileOwner links the tracked profile's own username to personID.
func (f *Feedback) LinkProfileOwner(ctx context.Context, profileID, personID string) (*RoleChange, error) {
	var res *RoleChange
	err := f.inScope(ctx, profileID, func(tx database.Tx) error {
		profile, err := tx.Profile(ctx)
		if err != nil {
			return fmt.Errorf("loading profile: %w", err)
		}
		owner := NormalizeUsername(profile.Username)
		if owner == "" {
			return fmt.Errorf("%w: profile %s has no username", ErrInvalidFeedback, profileID)
		}
		person, err := f.activePerson(ctx, tx, personID)
		if err != nil {
			return err
		}
		if !hasNormalizedUsername(person, owner) {
			person.LinkedUsernames = append(person.LinkedUsernames, owner)
			if err := tx.UpdatePerson(ctx, person); err != nil {
				return fmt.Errorf("updating person %s: %w", person.ID, err)
			}
		}
		res = &RoleChange{Person: person}
		f.logger.Info("linked profile owner username",
			zap.String("profile_id", profileID),
			zap.String("person_id", person.ID),
			zap.String("username", owner))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (f *Feedback) activePerson(ctx context.Context, tx database.Tx, personID string) (*database.Person, error) {
	person, err := tx.GetPerson(ctx, personID)
	if err != nil {
		return nil, fmt.Errorf("loading person: %w", err)
	}
	if !person.Active() {
		return nil, fmt.Errorf("%w: person %s is %s", ErrInactivePerson, person.ID, person.Role)
	}
	return person, nil
}

// demoteOtherPrimaries demotes every primary user other than keep when keep is
// primary and returns the demoted ids.
func (f *Feedback) demoteOtherPrimaries(ctx context.Context, tx database.Tx, keep *database.Person) ([]string, error) {
	if keep.Role != database.RolePrimaryUser {
		return nil, nil
	}
	persons, err := tx.ListPersons(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing persons: %w", err)
	}
	var demoted []string
	for i := range persons {
		p := &persons[i]
		if p.ID == keep.ID || p.Role != database.RolePrimaryUser {
			continue
		}
		p.Role = database.RoleSecondaryPerson
		if err := tx.UpdatePerson(ctx, p); err != nil {
			return nil, fmt.Errorf("demoting person %s: %w", p.ID, err)
		}
		demoted = append(demoted, p.ID)
	}
	return demoted, nil
}

// refreshSummaries rebuilds the participant list of the given sources after
// observation references were rewritten. renamed maps retired person ids to
// the person that replaced them.
func (f *Feedback) refreshSummaries(ctx context.Context, tx database.Tx, sources []database.Source, renamed map[string]string) error {
	for _, src := range sources {
		summary, err := tx.GetSummary(ctx, src)
		if errors.Is(err, database.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("loading summary of %s: %w", src, err)
		}
		ownerMatch := make(map[string]bool)
		for _, p := range summary.Participants {
			id := p.PersonID
			if to, ok := renamed[id]; ok {
				id = to
			}
			ownerMatch[id] = ownerMatch[id] || p.OwnerMatch
		}

		observations, err := tx.ObservationsBySource(ctx, src)
		if err != nil {
			return fmt.Errorf("loading observations of %s: %w", src, err)
		}
		var persons []*database.Person
		for _, o := range observations {
			if o.PersonID == "" || findPerson(persons, o.PersonID) != nil {
				continue
			}
			p, err := tx.GetPerson(ctx, o.PersonID)
			if err != nil {
				return fmt.Errorf("loading person %s: %w", o.PersonID, err)
			}
			persons = append(persons, p)
		}
		slices.SortStableFunc(persons, func(a, b *database.Person) int {
			if ownerMatch[a.ID] != ownerMatch[b.ID] {
				if ownerMatch[a.ID] {
					return -1
				}
				return 1
			}
			return cmp.Compare(b.AppearanceCount, a.AppearanceCount)
		})

		summary.Participants = summary.Participants[:0]
		for _, p := range persons {
			summary.Participants = append(summary.Participants, participantOf(p, ownerMatch[p.ID]))
		}
		summary.Text = RenderSummary(summary.Participants)
		if err := tx.SaveSummary(ctx, summary); err != nil {
			return fmt.Errorf("saving summary of %s: %w", src, err)
		}
	}
	return nil
}

func sourcesOf(observations []database.FaceObservation) []database.Source {
	var out []database.Source
	for _, o := range observations {
		if !slices.Contains(out, o.Source) {
			out = append(out, o.Source)
		}
	}
	return out
}
