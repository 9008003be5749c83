package database

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a profile, person or observation does not exist in the scope.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write loses a race on a unique constraint
	// (e.g. two transactions claiming the same observation signature).
	ErrConflict = errors.New("conflict")
)

// LockMode selects how strongly a scope transaction is isolated.
type LockMode int

const (
	// LockMatch serialises writers of one profile scope; used by matching and classification.
	LockMatch LockMode = iota
	// LockFeedback additionally runs the transaction at serializable isolation;
	// used by operator feedback and aggregation that rewrite observation references.
	LockFeedback
)

// Store opens profile-scoped transactions over the person registry.
type Store interface {
	// WithScope runs fn inside one transaction scoped to profileID.
	// The transaction commits when fn returns nil and rolls back otherwise.
	WithScope(ctx context.Context, profileID string, mode LockMode, fn func(tx Tx) error) error
	// UpsertProfile registers or updates a tracked profile.
	UpsertProfile(ctx context.Context, profile *Profile) error
	// ListProfiles returns all tracked profiles.
	ListProfiles(ctx context.Context) ([]Profile, error)
}

// ProfileReader provides read access to tracked profiles from inside a scope.
type ProfileReader interface {
	// Profile returns the profile the transaction is scoped to.
	Profile(ctx context.Context) (*Profile, error)
	// TrackedProfiles returns every tracked profile, used for username cross-references.
	TrackedProfiles(ctx context.Context) ([]Profile, error)
}

// PersonReader provides read access to the person registry of one scope.
type PersonReader interface {
	// GetPerson returns the person with the given id or ErrNotFound.
	GetPerson(ctx context.Context, id string) (*Person, error)
	// ListPersons returns every person in the scope, including merged and incorrect ones.
	ListPersons(ctx context.Context) ([]Person, error)
	// MatchCandidates returns active persons with a canonical embedding.
	// When limit > 0 the store may narrow the result to the limit nearest candidates.
	MatchCandidates(ctx context.Context, embedding []float32, limit int) ([]Person, error)
	// PersonBySignature returns the person whose ledger holds sig, or ErrNotFound.
	PersonBySignature(ctx context.Context, sig string) (*Person, error)
}

// PersonWriter provides write access to the person registry of one scope.
type PersonWriter interface {
	PersonReader

	// CreatePerson inserts a new person. Returns ErrConflict if one of its
	// signatures is already claimed in the scope.
	CreatePerson(ctx context.Context, p *Person) error
	// UpdatePerson replaces the stored person, including its ledger.
	UpdatePerson(ctx context.Context, p *Person) error
}

// ObservationReader provides read access to face observations of one scope.
type ObservationReader interface {
	GetObservation(ctx context.Context, id string) (*FaceObservation, error)
	ObservationsByPerson(ctx context.Context, personID string) ([]FaceObservation, error)
	ObservationsBySource(ctx context.Context, src Source) ([]FaceObservation, error)
	ListObservations(ctx context.Context) ([]FaceObservation, error)
}

// ObservationWriter provides write access to face observations of one scope.
type ObservationWriter interface {
	ObservationReader

	// SaveObservation upserts the observation keyed by (source, face index).
	SaveObservation(ctx context.Context, o *FaceObservation) error
	// ReassignObservations points every observation of fromPersonID at toPersonID
	// and returns how many were rewritten.
	ReassignObservations(ctx context.Context, fromPersonID, toPersonID string, role Role) (int, error)
}

// SummaryWriter stores participant summaries written onto sources.
type SummaryWriter interface {
	GetSummary(ctx context.Context, src Source) (*ParticipantSummary, error)
	ListSummaries(ctx context.Context) ([]ParticipantSummary, error)
	SaveSummary(ctx context.Context, s *ParticipantSummary) error
}

// Tx is a profile-scoped transaction.
type Tx interface {
	ProfileReader
	PersonWriter
	ObservationWriter
	SummaryWriter
}
