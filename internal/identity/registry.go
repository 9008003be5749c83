package identity

import (
	"context"
	"fmt"

	"github.com/kozaktomas/face-identity/internal/database"
)

// PersonDetail is a person together with the observations linked to it.
type PersonDetail struct {
	Person       *database.Person
	Observations []database.FaceObservation
}

// Registry is the read side of the person registry for operator tooling.
type Registry struct {
	store database.Store
}

// NewRegistry creates a registry reader over store.
func NewRegistry(store database.Store) *Registry {
	return &Registry{store: store}
}

// Persons lists every person of the scope, including merged and incorrect ones.
func (r *Registry) Persons(ctx context.Context, profileID string) ([]database.Person, error) {
	var persons []database.Person
	err := r.store.WithScope(ctx, profileID, database.LockMatch, func(tx database.Tx) error {
		if _, err := tx.Profile(ctx); err != nil {
			return err
		}
		var err error
		persons, err = tx.ListPersons(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing persons of %s: %w", profileID, err)
	}
	return persons, nil
}

// Person returns one person with its observations.
func (r *Registry) Person(ctx context.Context, profileID, personID string) (*PersonDetail, error) {
	detail := &PersonDetail{}
	err := r.store.WithScope(ctx, profileID, database.LockMatch, func(tx database.Tx) error {
		var err error
		if detail.Person, err = tx.GetPerson(ctx, personID); err != nil {
			return err
		}
		detail.Observations, err = tx.ObservationsByPerson(ctx, personID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("loading person %s: %w", personID, err)
	}
	return detail, nil
}

// Summary returns the participant summary stored for src.
func (r *Registry) Summary(ctx context.Context, profileID string, src database.Source) (*database.ParticipantSummary, error) {
	var summary *database.ParticipantSummary
	err := r.store.WithScope(ctx, profileID, database.LockMatch, func(tx database.Tx) error {
		var err error
		summary, err = tx.GetSummary(ctx, src)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("loading summary of %s: %w", src, err)
	}
	return summary, nil
}

// RegisterProfile stores a tracked profile with its username normalized.
func (r *Registry) RegisterProfile(ctx context.Context, profile *database.Profile) error {
	if profile.ID == "" {
		return fmt.Errorf("%w: profile id is required", ErrInvalidFeedback)
	}
	if profile.MatchThreshold < 0 || profile.MatchThreshold > 1 {
		return fmt.Errorf("%w: match threshold must be within [0, 1]", ErrInvalidFeedback)
	}
	profile.Username = NormalizeUsername(profile.Username)
	if err := r.store.UpsertProfile(ctx, profile); err != nil {
		return fmt.Errorf("registering profile %s: %w", profile.ID, err)
	}
	return nil
}
