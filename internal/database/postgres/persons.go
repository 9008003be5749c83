package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/kozaktomas/face-identity/internal/database"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

const personColumns = `
	p.id, p.profile_id, p.role, p.canonical_embedding, p.appearance_count,
	p.first_seen_at, p.last_seen_at, p.label, p.linked_usernames, p.identity_confidence,
	p.real_person_status, COALESCE(p.merged_into_person_id, ''), p.relationship, p.metadata,
	p.created_at, p.updated_at,
	COALESCE((SELECT array_agg(s.signature ORDER BY s.position)
	          FROM person_signatures s WHERE s.person_id = p.id), '{}')`

const matchableCondition = `p.role NOT IN ('merged', 'incorrect')
	AND p.real_person_status <> 'incorrect'
	AND p.canonical_embedding IS NOT NULL`

func scanPerson(row interface{ Scan(dest ...any) error }) (*database.Person, error) {
	var (
		p          database.Person
		embedding  *pgvector.Vector
		firstSeen  sql.NullTime
		lastSeen   sql.NullTime
		usernames  pq.StringArray
		signatures pq.StringArray
		metadata   []byte
	)
	err := row.Scan(
		&p.ID, &p.ProfileID, &p.Role, &embedding, &p.AppearanceCount,
		&firstSeen, &lastSeen, &p.Label, &usernames, &p.IdentityConfidence,
		&p.RealPersonStatus, &p.MergedIntoPersonID, &p.Relationship, &metadata,
		&p.CreatedAt, &p.UpdatedAt, &signatures,
	)
	if err != nil {
		return nil, err
	}
	if embedding != nil {
		p.CanonicalEmbedding = embedding.Slice()
	}
	p.FirstSeenAt = firstSeen.Time
	p.LastSeenAt = lastSeen.Time
	p.LinkedUsernames = []string(usernames)
	p.Signatures = []string(signatures)
	if p.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return nil, fmt.Errorf("person %s metadata: %w", p.ID, err)
	}
	return &p, nil
}

func (t *Tx) queryPersons(ctx context.Context, query string, args ...any) ([]database.Person, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query persons: %w", err)
	}
	defer rows.Close()

	var out []database.Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate persons: %w", err)
	}
	return out, nil
}

// GetPerson returns the person with the given id.
func (t *Tx) GetPerson(ctx context.Context, id string) (*database.Person, error) {
	row := t.tx.QueryRowContext(ctx,
		"SELECT "+personColumns+" FROM persons p WHERE p.profile_id = $1 AND p.id = $2", t.profileID, id)
	p, err := scanPerson(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("person %s: %w", id, database.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get person %s: %w", id, err)
	}
	return p, nil
}

// ListPersons returns every person in the scope ordered by creation.
func (t *Tx) ListPersons(ctx context.Context) ([]database.Person, error) {
	return t.queryPersons(ctx,
		"SELECT "+personColumns+" FROM persons p WHERE p.profile_id = $1 ORDER BY p.created_at, p.id", t.profileID)
}

// MatchCandidates returns matchable persons. With limit > 0 the nearest ones are
// selected through the person index when configured, otherwise by pgvector
// cosine distance.
func (t *Tx) MatchCandidates(ctx context.Context, embedding []float32, limit int) ([]database.Person, error) {
	if limit <= 0 {
		return t.queryPersons(ctx, "SELECT "+personColumns+" FROM persons p WHERE p.profile_id = $1 AND "+
			matchableCondition+" ORDER BY p.created_at, p.id", t.profileID)
	}
	if t.store.index != nil {
		return t.indexCandidates(ctx, embedding, limit)
	}
	return t.queryPersons(ctx, "SELECT "+personColumns+" FROM persons p WHERE p.profile_id = $1 AND "+
		matchableCondition+" ORDER BY p.canonical_embedding <=> $2 LIMIT $3",
		t.profileID, pgvector.NewVector(embedding), limit)
}

func (t *Tx) indexCandidates(ctx context.Context, embedding []float32, limit int) ([]database.Person, error) {
	if err := t.syncIndex(ctx); err != nil {
		return nil, err
	}

	ids, err := t.store.index.Search(t.profileID, embedding, limit)
	if err != nil {
		return nil, fmt.Errorf("searching person index: %w", err)
	}
	// Persons written earlier in this transaction are not indexed yet.
	for id := range t.touched {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	persons, err := t.queryPersons(ctx, "SELECT "+personColumns+" FROM persons p WHERE p.profile_id = $1 AND p.id = ANY($2) AND "+
		matchableCondition+" ORDER BY p.created_at, p.id", t.profileID, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(persons, func(a, b database.Person) int {
		da := database.CosineDistance(embedding, a.CanonicalEmbedding)
		db := database.CosineDistance(embedding, b.CanonicalEmbedding)
		switch {
		case da < db:
			return -1
		case da > db:
			return 1
		}
		return 0
	})
	if len(persons) > limit {
		persons = persons[:limit]
	}
	return persons, nil
}

// scopeStamp reads the matchable count and latest person update of the scope.
func (t *Tx) scopeStamp(ctx context.Context) (database.IndexStamp, error) {
	var (
		stamp database.IndexStamp
		last  sql.NullTime
	)
	err := t.tx.QueryRowContext(ctx, "SELECT COUNT(*) FILTER (WHERE "+matchableCondition+
		"), MAX(p.updated_at) FROM persons p WHERE p.profile_id = $1", t.profileID).Scan(&stamp.Matchable, &last)
	if err != nil {
		return stamp, fmt.Errorf("read person index stamp: %w", err)
	}
	stamp.LastUpdate = last.Time
	return stamp, nil
}

// syncIndex validates the scope graph against the database once per
// transaction. Other processes writing the same profile move the stamp, which
// forces a rebuild from the persisted graph or from the persons table.
func (t *Tx) syncIndex(ctx context.Context) error {
	if t.synced {
		return nil
	}
	index := t.store.index
	stamp, err := t.scopeStamp(ctx)
	if err != nil {
		return err
	}
	if !index.Has(t.profileID) && t.store.indexDir != "" {
		if _, err := index.Load(t.store.indexDir, t.profileID); err != nil {
			return err
		}
	}
	if !index.Fresh(t.profileID, stamp) {
		persons, err := t.ListPersons(ctx)
		if err != nil {
			return err
		}
		index.Build(t.profileID, persons)
	}
	t.synced = true
	return nil
}

// PersonBySignature returns the person whose ledger contains sig.
func (t *Tx) PersonBySignature(ctx context.Context, sig string) (*database.Person, error) {
	row := t.tx.QueryRowContext(ctx, "SELECT "+personColumns+` FROM persons p
		JOIN person_signatures ps ON ps.person_id = p.id
		WHERE ps.profile_id = $1 AND ps.signature = $2`, t.profileID, sig)
	p, err := scanPerson(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("signature %s: %w", sig, database.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get person by signature %s: %w", sig, err)
	}
	return p, nil
}

// CreatePerson inserts a new person and claims its signatures.
func (t *Tx) CreatePerson(ctx context.Context, p *database.Person) error {
	p.ProfileID = t.profileID
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	args, err := personArgs(p)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO persons (
			id, profile_id, role, canonical_embedding, appearance_count,
			first_seen_at, last_seen_at, label, linked_usernames, identity_confidence,
			real_person_status, merged_into_person_id, relationship, metadata,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, args...)
	if err != nil {
		return fmt.Errorf("insert person %s: %w", p.ID, mapError(err))
	}
	if err := t.writeLedger(ctx, p); err != nil {
		return err
	}
	t.touch(p)
	return nil
}

// UpdatePerson replaces the stored person, including its ledger.
func (t *Tx) UpdatePerson(ctx context.Context, p *database.Person) error {
	p.ProfileID = t.profileID
	p.UpdatedAt = time.Now()
	args, err := personArgs(p)
	if err != nil {
		return err
	}
	// created_at is immutable.
	args = append(args[:14:14], args[15])
	res, err := t.tx.ExecContext(ctx, `
		UPDATE persons SET
			role = $3, canonical_embedding = $4, appearance_count = $5,
			first_seen_at = $6, last_seen_at = $7, label = $8, linked_usernames = $9,
			identity_confidence = $10, real_person_status = $11, merged_into_person_id = $12,
			relationship = $13, metadata = $14, updated_at = $15
		WHERE id = $1 AND profile_id = $2
	`, args...)
	if err != nil {
		return fmt.Errorf("update person %s: %w", p.ID, mapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update person %s: %w", p.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("person %s: %w", p.ID, database.ErrNotFound)
	}
	if err := t.writeLedger(ctx, p); err != nil {
		return err
	}
	t.touch(p)
	return nil
}

// writeLedger makes person_signatures hold exactly p.Signatures. A signature
// claimed by another person leaves the upsert without effect and is reported
// as ErrConflict.
func (t *Tx) writeLedger(ctx context.Context, p *database.Person) error {
	sigs := pq.Array(p.Signatures)
	if _, err := t.tx.ExecContext(ctx,
		"DELETE FROM person_signatures WHERE person_id = $1 AND NOT (signature = ANY($2::text[]))",
		p.ID, sigs); err != nil {
		return fmt.Errorf("trim ledger of %s: %w", p.ID, err)
	}
	if len(p.Signatures) == 0 {
		return nil
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO person_signatures (profile_id, signature, person_id, position)
		SELECT $1, sig, $2, ord FROM unnest($3::text[]) WITH ORDINALITY AS t(sig, ord)
		ON CONFLICT (profile_id, signature) DO UPDATE SET position = EXCLUDED.position
		WHERE person_signatures.person_id = EXCLUDED.person_id
	`, t.profileID, p.ID, sigs)
	if err != nil {
		return fmt.Errorf("write ledger of %s: %w", p.ID, mapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write ledger of %s: %w", p.ID, err)
	}
	if int(n) != len(p.Signatures) {
		return fmt.Errorf("ledger of %s: signature already claimed: %w", p.ID, database.ErrConflict)
	}
	return nil
}

func (t *Tx) touch(p *database.Person) {
	t.touched[p.ID] = p.Clone()
}

func personArgs(p *database.Person) ([]any, error) {
	var embedding any
	if len(p.CanonicalEmbedding) > 0 {
		embedding = pgvector.NewVector(p.CanonicalEmbedding)
	}
	var merged any
	if p.MergedIntoPersonID != "" {
		merged = p.MergedIntoPersonID
	}
	metadata, err := marshalMetadata(p.Metadata)
	if err != nil {
		return nil, fmt.Errorf("person %s metadata: %w", p.ID, err)
	}
	usernames := p.LinkedUsernames
	if usernames == nil {
		usernames = []string{}
	}
	return []any{
		p.ID, p.ProfileID, string(p.Role), embedding, p.AppearanceCount,
		nullTime(p.FirstSeenAt), nullTime(p.LastSeenAt), p.Label, pq.Array(usernames), p.IdentityConfidence,
		string(p.RealPersonStatus), merged, string(p.Relationship), metadata,
		p.CreatedAt, p.UpdatedAt,
	}, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// marshalMetadata encodes m for a JSONB parameter. lib/pq sends []byte as
// bytea, so the document is passed as a string.
func marshalMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalMetadata(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}
