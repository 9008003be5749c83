package database

import (
	"fmt"
	"slices"
	"time"
)

// Role is a person's current classification within a profile scope.
type Role string

const (
	RoleUnknown         Role = "unknown"
	RolePrimaryUser     Role = "primary_user"
	RoleSecondaryPerson Role = "secondary_person"
	RoleMerged          Role = "merged"    // terminal
	RoleIncorrect       Role = "incorrect" // terminal
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUnknown, RolePrimaryUser, RoleSecondaryPerson, RoleMerged, RoleIncorrect:
		return true
	}
	return false
}

// Terminal reports whether r is an administrative end state.
func (r Role) Terminal() bool {
	return r == RoleMerged || r == RoleIncorrect
}

// RealPersonStatus records operator verification of a person.
type RealPersonStatus string

const (
	StatusUnverified          RealPersonStatus = "unverified"
	StatusConfirmedRealPerson RealPersonStatus = "confirmed_real_person"
	StatusIncorrect           RealPersonStatus = "incorrect"
)

// Relationship tags a recurring companion linked to another tracked profile.
type Relationship string

const (
	RelationshipNone                   Relationship = ""
	RelationshipOccasionalCollaborator Relationship = "occasional_collaborator"
	RelationshipFrequentCollaborator   Relationship = "frequent_collaborator"
)

// SourceKind distinguishes the record a face observation belongs to.
type SourceKind string

const (
	SourcePost  SourceKind = "post"
	SourceStory SourceKind = "story"
)

// Source is the post or story an observation was detected in.
type Source struct {
	Kind SourceKind `json:"kind"`
	ID   string     `json:"id"`
}

// PostSource returns the source for a post.
func PostSource(id string) Source { return Source{Kind: SourcePost, ID: id} }

// StorySource returns the source for a story.
func StorySource(id string) Source { return Source{Kind: SourceStory, ID: id} }

// ParseSource builds a Source from its kind and id, rejecting unknown kinds.
func ParseSource(kind, id string) (Source, error) {
	if id == "" {
		return Source{}, fmt.Errorf("source id is required")
	}
	switch SourceKind(kind) {
	case SourcePost, SourceStory:
		return Source{Kind: SourceKind(kind), ID: id}, nil
	default:
		return Source{}, fmt.Errorf("unknown source kind %q", kind)
	}
}

func (s Source) String() string {
	return string(s.Kind) + ":" + s.ID
}

// Signature returns the dedup signature of the face at faceIndex in this source.
func (s Source) Signature(faceIndex int) string {
	return fmt.Sprintf("%s:%s:%d", s.Kind, s.ID, faceIndex)
}

// Profile is a tracked social profile; every person and observation belongs to one.
type Profile struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	MatchThreshold float64   `json:"match_threshold,omitempty"` // 0 means no per-profile override
	CreatedAt      time.Time `json:"created_at"`
}

// Person is a resolved identity within one profile scope.
type Person struct {
	ID                 string           `json:"id"`
	ProfileID          string           `json:"profile_id"`
	Role               Role             `json:"role"`
	CanonicalEmbedding []float32        `json:"canonical_embedding,omitempty"`
	AppearanceCount    int              `json:"appearance_count"`
	FirstSeenAt        time.Time        `json:"first_seen_at"`
	LastSeenAt         time.Time        `json:"last_seen_at"`
	Label              string           `json:"label,omitempty"`
	LinkedUsernames    []string         `json:"linked_usernames,omitempty"`
	IdentityConfidence float64          `json:"identity_confidence"`
	RealPersonStatus   RealPersonStatus `json:"real_person_status"`
	MergedIntoPersonID string           `json:"merged_into_person_id,omitempty"`
	Relationship       Relationship     `json:"relationship,omitempty"`
	Signatures         []string         `json:"signatures,omitempty"` // dedup ledger
	Metadata           map[string]any   `json:"metadata,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// Active reports whether the person can still be matched and reclassified.
func (p *Person) Active() bool {
	return !p.Role.Terminal() && p.RealPersonStatus != StatusIncorrect
}

// Matchable reports whether the person takes part in similarity matching.
func (p *Person) Matchable() bool {
	return p.Active() && len(p.CanonicalEmbedding) > 0
}

// ConfirmedOwner reports whether an operator confirmed this person as the profile owner.
func (p *Person) ConfirmedOwner() bool {
	return p.Role == RolePrimaryUser && p.RealPersonStatus == StatusConfirmedRealPerson
}

// HasSignature reports whether sig is already in the dedup ledger.
func (p *Person) HasSignature(sig string) bool {
	return slices.Contains(p.Signatures, sig)
}

// HasUsername reports whether username is linked to the person.
func (p *Person) HasUsername(username string) bool {
	return slices.Contains(p.LinkedUsernames, username)
}

// Clone returns a deep copy so callers can keep before/after state.
func (p *Person) Clone() *Person {
	c := *p
	c.CanonicalEmbedding = slices.Clone(p.CanonicalEmbedding)
	c.LinkedUsernames = slices.Clone(p.LinkedUsernames)
	c.Signatures = slices.Clone(p.Signatures)
	if p.Metadata != nil {
		c.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// FaceObservation is one detected face attached to a post or story.
type FaceObservation struct {
	ID         string         `json:"id"`
	ProfileID  string         `json:"profile_id"`
	Source     Source         `json:"source"`
	FaceIndex  int            `json:"face_index"`
	Signature  string         `json:"signature"`
	PersonID   string         `json:"person_id"` // weak reference, rewritten by merge and separate
	Role       Role           `json:"role"`      // role at the time of this observation
	Embedding  []float32      `json:"embedding,omitempty"`
	Confidence float64        `json:"confidence"`
	BBox       []float64      `json:"bbox,omitempty"` // [x1, y1, x2, y2]
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Clone returns a deep copy of the observation.
func (o *FaceObservation) Clone() *FaceObservation {
	c := *o
	c.Embedding = slices.Clone(o.Embedding)
	c.BBox = slices.Clone(o.BBox)
	if o.Metadata != nil {
		c.Metadata = make(map[string]any, len(o.Metadata))
		for k, v := range o.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Participant is one person appearing in a resolved source.
type Participant struct {
	PersonID      string       `json:"person_id"`
	Role          Role         `json:"role"`
	Label         string       `json:"label,omitempty"`
	OwnerMatch    bool         `json:"owner_match"`
	RecurringFace bool         `json:"recurring_face"`
	Relationship  Relationship `json:"relationship,omitempty"`
	Confidence    float64      `json:"confidence"`
}

// SourceEvidence records the indirect ownership evidence seen in a source.
type SourceEvidence struct {
	SoleFace       bool `json:"sole_face"`
	FirstPerson    bool `json:"first_person"`
	OwnerMentioned bool `json:"owner_mentioned"`
}

// ParticipantSummary is the resolved participant list written onto a source.
type ParticipantSummary struct {
	ProfileID    string         `json:"profile_id"`
	Source       Source         `json:"source"`
	Participants []Participant  `json:"participants"`
	Text         string         `json:"participant_summary_text"`
	Evidence     SourceEvidence `json:"evidence"`
	ResolvedAt   time.Time      `json:"resolved_at"`
}
