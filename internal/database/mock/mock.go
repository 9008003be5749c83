// Package mock provides an in-memory implementation of the database interfaces for testing.
package mock

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/kozaktomas/face-identity/internal/database"
)

// scopeState is everything stored for one profile scope.
type scopeState struct {
	persons      map[string]*database.Person
	observations map[string]*database.FaceObservation
	summaries    map[database.Source]*database.ParticipantSummary
}

func newScopeState() *scopeState {
	return &scopeState{
		persons:      make(map[string]*database.Person),
		observations: make(map[string]*database.FaceObservation),
		summaries:    make(map[database.Source]*database.ParticipantSummary),
	}
}

func (s *scopeState) clone() *scopeState {
	c := newScopeState()
	for id, p := range s.persons {
		c.persons[id] = p.Clone()
	}
	for id, o := range s.observations {
		c.observations[id] = o.Clone()
	}
	for src, sum := range s.summaries {
		cp := *sum
		cp.Participants = slices.Clone(sum.Participants)
		c.summaries[src] = &cp
	}
	return c
}

// Store is an in-memory database.Store. Each scope transaction works on a copy
// of the scope state that replaces the committed state only when fn succeeds,
// so a failed operation leaves no partial mutation behind.
type Store struct {
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	profiles map[string]database.Profile
	scopes   map[string]*scopeState

	// Error injection
	WithScopeError     error
	UpsertProfileError error
	SaveSummaryError   error
	SaveObservationErr error
	RacePerson         *database.Person // committed by the next CreatePerson, which then fails with ErrConflict
	Commits            int
	Rollbacks          int
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		locks:    make(map[string]*sync.Mutex),
		profiles: make(map[string]database.Profile),
		scopes:   make(map[string]*scopeState),
	}
}

// AddProfile registers a profile without going through UpsertProfile error injection.
func (m *Store) AddProfile(p database.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	m.profiles[p.ID] = p
}

// AddPerson stores a person directly into the committed state.
func (m *Store) AddPerson(p database.Person) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scope(p.ProfileID).persons[p.ID] = p.Clone()
}

// AddObservation stores an observation directly into the committed state.
func (m *Store) AddObservation(o database.FaceObservation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scope(o.ProfileID).observations[o.ID] = o.Clone()
}

// Person returns a copy of a committed person, or nil.
func (m *Store) Person(profileID, id string) *database.Person {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.scope(profileID).persons[id]; ok {
		return p.Clone()
	}
	return nil
}

// Observation returns a copy of a committed observation, or nil.
func (m *Store) Observation(profileID, id string) *database.FaceObservation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.scope(profileID).observations[id]; ok {
		return o.Clone()
	}
	return nil
}

// scope must be called with m.mu held.
func (m *Store) scope(profileID string) *scopeState {
	st, ok := m.scopes[profileID]
	if !ok {
		st = newScopeState()
		m.scopes[profileID] = st
	}
	return st
}

func (m *Store) scopeLock(profileID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[profileID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[profileID] = l
	}
	return l
}

// WithScope runs fn against a private copy of the scope and commits it on success.
func (m *Store) WithScope(ctx context.Context, profileID string, mode database.LockMode, fn func(tx database.Tx) error) error {
	if m.WithScopeError != nil {
		return m.WithScopeError
	}

	lock := m.scopeLock(profileID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	working := m.scope(profileID).clone()
	m.mu.Unlock()

	tx := &Tx{store: m, profileID: profileID, st: working}
	if err := fn(tx); err != nil {
		m.mu.Lock()
		m.Rollbacks++
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.scopes[profileID] = working
	m.Commits++
	m.mu.Unlock()
	return nil
}

// UpsertProfile registers or updates a tracked profile.
func (m *Store) UpsertProfile(ctx context.Context, profile *database.Profile) error {
	if m.UpsertProfileError != nil {
		return m.UpsertProfileError
	}
	m.AddProfile(*profile)
	return nil
}

// ListProfiles returns all tracked profiles ordered by id.
func (m *Store) ListProfiles(ctx context.Context) ([]database.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]database.Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b database.Profile) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// Tx is a scope transaction over a working copy.
type Tx struct {
	store     *Store
	profileID string
	st        *scopeState
}

// Profile returns the profile the transaction is scoped to.
func (t *Tx) Profile(ctx context.Context) (*database.Profile, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	p, ok := t.store.profiles[t.profileID]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", t.profileID, database.ErrNotFound)
	}
	return &p, nil
}

// TrackedProfiles returns every tracked profile.
func (t *Tx) TrackedProfiles(ctx context.Context) ([]database.Profile, error) {
	return t.store.ListProfiles(ctx)
}

// GetPerson returns a copy of the person with the given id.
func (t *Tx) GetPerson(ctx context.Context, id string) (*database.Person, error) {
	p, ok := t.st.persons[id]
	if !ok {
		return nil, fmt.Errorf("person %s: %w", id, database.ErrNotFound)
	}
	return p.Clone(), nil
}

func sortPersons(persons []database.Person) {
	slices.SortFunc(persons, func(a, b database.Person) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// ListPersons returns every person in the scope ordered by creation.
func (t *Tx) ListPersons(ctx context.Context) ([]database.Person, error) {
	out := make([]database.Person, 0, len(t.st.persons))
	for _, p := range t.st.persons {
		out = append(out, *p.Clone())
	}
	sortPersons(out)
	return out, nil
}

// MatchCandidates returns matchable persons; with limit > 0 only the nearest ones.
func (t *Tx) MatchCandidates(ctx context.Context, embedding []float32, limit int) ([]database.Person, error) {
	var out []database.Person
	for _, p := range t.st.persons {
		if p.Matchable() {
			out = append(out, *p.Clone())
		}
	}
	sortPersons(out)
	if limit > 0 && len(out) > limit {
		slices.SortStableFunc(out, func(a, b database.Person) int {
			return cmp.Compare(
				database.CosineDistance(embedding, a.CanonicalEmbedding),
				database.CosineDistance(embedding, b.CanonicalEmbedding),
			)
		})
		out = out[:limit]
	}
	return out, nil
}

// PersonBySignature returns the person whose ledger contains sig.
func (t *Tx) PersonBySignature(ctx context.Context, sig string) (*database.Person, error) {
	for _, p := range t.st.persons {
		if p.HasSignature(sig) {
			return p.Clone(), nil
		}
	}
	return nil, fmt.Errorf("signature %s: %w", sig, database.ErrNotFound)
}

func (t *Tx) signatureOwner(sig, exceptID string) (string, bool) {
	for id, p := range t.st.persons {
		if id != exceptID && p.HasSignature(sig) {
			return id, true
		}
	}
	return "", false
}

// CreatePerson inserts a new person, enforcing scope-wide signature uniqueness.
func (t *Tx) CreatePerson(ctx context.Context, p *database.Person) error {
	if race := t.store.RacePerson; race != nil {
		t.store.RacePerson = nil
		t.store.mu.Lock()
		t.store.scope(t.profileID).persons[race.ID] = race.Clone()
		t.store.mu.Unlock()
		return fmt.Errorf("create person: %w", database.ErrConflict)
	}
	if _, exists := t.st.persons[p.ID]; exists {
		return fmt.Errorf("person %s already exists: %w", p.ID, database.ErrConflict)
	}
	for _, sig := range p.Signatures {
		if _, taken := t.signatureOwner(sig, p.ID); taken {
			return fmt.Errorf("signature %s already claimed: %w", sig, database.ErrConflict)
		}
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	t.st.persons[p.ID] = p.Clone()
	return nil
}

// UpdatePerson replaces a stored person.
func (t *Tx) UpdatePerson(ctx context.Context, p *database.Person) error {
	if _, ok := t.st.persons[p.ID]; !ok {
		return fmt.Errorf("person %s: %w", p.ID, database.ErrNotFound)
	}
	for _, sig := range p.Signatures {
		if _, taken := t.signatureOwner(sig, p.ID); taken {
			return fmt.Errorf("signature %s already claimed: %w", sig, database.ErrConflict)
		}
	}
	p.UpdatedAt = time.Now()
	t.st.persons[p.ID] = p.Clone()
	return nil
}

// GetObservation returns a copy of an observation.
func (t *Tx) GetObservation(ctx context.Context, id string) (*database.FaceObservation, error) {
	o, ok := t.st.observations[id]
	if !ok {
		return nil, fmt.Errorf("observation %s: %w", id, database.ErrNotFound)
	}
	return o.Clone(), nil
}

func (t *Tx) filterObservations(keep func(*database.FaceObservation) bool) []database.FaceObservation {
	var out []database.FaceObservation
	for _, o := range t.st.observations {
		if keep(o) {
			out = append(out, *o.Clone())
		}
	}
	slices.SortFunc(out, func(a, b database.FaceObservation) int {
		if c := cmp.Compare(a.Source.String(), b.Source.String()); c != 0 {
			return c
		}
		return cmp.Compare(a.FaceIndex, b.FaceIndex)
	})
	return out
}

// ObservationsByPerson returns the observations linked to a person.
func (t *Tx) ObservationsByPerson(ctx context.Context, personID string) ([]database.FaceObservation, error) {
	return t.filterObservations(func(o *database.FaceObservation) bool { return o.PersonID == personID }), nil
}

// ObservationsBySource returns the observations of one post or story.
func (t *Tx) ObservationsBySource(ctx context.Context, src database.Source) ([]database.FaceObservation, error) {
	return t.filterObservations(func(o *database.FaceObservation) bool { return o.Source == src }), nil
}

// ListObservations returns every observation in the scope.
func (t *Tx) ListObservations(ctx context.Context) ([]database.FaceObservation, error) {
	return t.filterObservations(func(*database.FaceObservation) bool { return true }), nil
}

// SaveObservation upserts an observation keyed by source and face index.
func (t *Tx) SaveObservation(ctx context.Context, o *database.FaceObservation) error {
	if t.store.SaveObservationErr != nil {
		return t.store.SaveObservationErr
	}
	for id, existing := range t.st.observations {
		if existing.Source == o.Source && existing.FaceIndex == o.FaceIndex && id != o.ID {
			o.ID = id
			o.CreatedAt = existing.CreatedAt
			break
		}
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	o.ProfileID = t.profileID
	t.st.observations[o.ID] = o.Clone()
	return nil
}

// ReassignObservations rewrites the person reference of every observation of fromPersonID.
func (t *Tx) ReassignObservations(ctx context.Context, fromPersonID, toPersonID string, role database.Role) (int, error) {
	n := 0
	for _, o := range t.st.observations {
		if o.PersonID == fromPersonID {
			o.PersonID = toPersonID
			o.Role = role
			n++
		}
	}
	return n, nil
}

// GetSummary returns the participant summary of a source.
func (t *Tx) GetSummary(ctx context.Context, src database.Source) (*database.ParticipantSummary, error) {
	s, ok := t.st.summaries[src]
	if !ok {
		return nil, fmt.Errorf("summary %s: %w", src, database.ErrNotFound)
	}
	cp := *s
	cp.Participants = slices.Clone(s.Participants)
	return &cp, nil
}

// ListSummaries returns every summary of the scope ordered by source.
func (t *Tx) ListSummaries(ctx context.Context) ([]database.ParticipantSummary, error) {
	out := make([]database.ParticipantSummary, 0, len(t.st.summaries))
	for _, s := range t.st.summaries {
		cp := *s
		cp.Participants = slices.Clone(s.Participants)
		out = append(out, cp)
	}
	slices.SortFunc(out, func(a, b database.ParticipantSummary) int {
		return cmp.Compare(a.Source.String(), b.Source.String())
	})
	return out, nil
}

// SaveSummary stores the participant summary of a source.
func (t *Tx) SaveSummary(ctx context.Context, s *database.ParticipantSummary) error {
	if t.store.SaveSummaryError != nil {
		return t.store.SaveSummaryError
	}
	cp := *s
	cp.ProfileID = t.profileID
	cp.Participants = slices.Clone(s.Participants)
	t.st.summaries[s.Source] = &cp
	return nil
}

// Verify interface compliance.
var _ database.Store = (*Store)(nil)
var _ database.Tx = (*Tx)(nil)
