package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/face-identity/internal/database"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

const observationColumns = `id, profile_id, source_kind, source_id, face_index, signature,
	person_id, role, embedding, confidence, bbox, metadata, created_at`

func scanObservation(row interface{ Scan(dest ...any) error }) (*database.FaceObservation, error) {
	var (
		o         database.FaceObservation
		embedding *pgvector.Vector
		bbox      pq.Float64Array
		metadata  []byte
	)
	err := row.Scan(&o.ID, &o.ProfileID, &o.Source.Kind, &o.Source.ID, &o.FaceIndex, &o.Signature,
		&o.PersonID, &o.Role, &embedding, &o.Confidence, &bbox, &metadata, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	if embedding != nil {
		o.Embedding = embedding.Slice()
	}
	if len(bbox) > 0 {
		o.BBox = []float64(bbox)
	}
	if o.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return nil, fmt.Errorf("observation %s metadata: %w", o.ID, err)
	}
	return &o, nil
}

func (t *Tx) queryObservations(ctx context.Context, where string, args ...any) ([]database.FaceObservation, error) {
	rows, err := t.tx.QueryContext(ctx, "SELECT "+observationColumns+" FROM face_observations WHERE profile_id = $1"+
		where+" ORDER BY source_kind, source_id, face_index", append([]any{t.profileID}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	var out []database.FaceObservation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate observations: %w", err)
	}
	return out, nil
}

// GetObservation returns one observation of the scope.
func (t *Tx) GetObservation(ctx context.Context, id string) (*database.FaceObservation, error) {
	row := t.tx.QueryRowContext(ctx,
		"SELECT "+observationColumns+" FROM face_observations WHERE profile_id = $1 AND id = $2", t.profileID, id)
	o, err := scanObservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("observation %s: %w", id, database.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get observation %s: %w", id, err)
	}
	return o, nil
}

// ObservationsByPerson returns the observations linked to a person.
func (t *Tx) ObservationsByPerson(ctx context.Context, personID string) ([]database.FaceObservation, error) {
	return t.queryObservations(ctx, " AND person_id = $2", personID)
}

// ObservationsBySource returns the observations of one post or story.
func (t *Tx) ObservationsBySource(ctx context.Context, src database.Source) ([]database.FaceObservation, error) {
	return t.queryObservations(ctx, " AND source_kind = $2 AND source_id = $3", string(src.Kind), src.ID)
}

// ListObservations returns every observation in the scope.
func (t *Tx) ListObservations(ctx context.Context) ([]database.FaceObservation, error) {
	return t.queryObservations(ctx, "")
}

// SaveObservation upserts the observation keyed by source and face index. An
// existing row keeps its id and creation time, both written back into o.
func (t *Tx) SaveObservation(ctx context.Context, o *database.FaceObservation) error {
	o.ProfileID = t.profileID
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	var embedding any
	if len(o.Embedding) > 0 {
		embedding = pgvector.NewVector(o.Embedding)
	}
	var bbox any
	if len(o.BBox) > 0 {
		bbox = pq.Array(o.BBox)
	}
	metadata, err := marshalMetadata(o.Metadata)
	if err != nil {
		return fmt.Errorf("observation %s metadata: %w", o.Signature, err)
	}

	err = t.tx.QueryRowContext(ctx, `
		INSERT INTO face_observations (
			id, profile_id, source_kind, source_id, face_index, signature,
			person_id, role, embedding, confidence, bbox, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (profile_id, source_kind, source_id, face_index) DO UPDATE SET
			signature = EXCLUDED.signature,
			person_id = EXCLUDED.person_id,
			role = EXCLUDED.role,
			embedding = EXCLUDED.embedding,
			confidence = EXCLUDED.confidence,
			bbox = EXCLUDED.bbox,
			metadata = EXCLUDED.metadata
		RETURNING id, created_at
	`, o.ID, o.ProfileID, string(o.Source.Kind), o.Source.ID, o.FaceIndex, o.Signature,
		o.PersonID, string(o.Role), embedding, o.Confidence, bbox, metadata, o.CreatedAt,
	).Scan(&o.ID, &o.CreatedAt)
	if err != nil {
		return fmt.Errorf("save observation %s: %w", o.Signature, mapError(err))
	}
	return nil
}

// ReassignObservations points every observation of fromPersonID at toPersonID.
func (t *Tx) ReassignObservations(ctx context.Context, fromPersonID, toPersonID string, role database.Role) (int, error) {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE face_observations SET person_id = $3, role = $4 WHERE profile_id = $1 AND person_id = $2",
		t.profileID, fromPersonID, toPersonID, string(role))
	if err != nil {
		return 0, fmt.Errorf("reassign observations of %s: %w", fromPersonID, mapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reassign observations of %s: %w", fromPersonID, err)
	}
	return int(n), nil
}

const summaryColumns = `source_kind, source_id, participants, summary_text, evidence, resolved_at`

func (t *Tx) scanSummary(row interface{ Scan(dest ...any) error }) (*database.ParticipantSummary, error) {
	s := database.ParticipantSummary{ProfileID: t.profileID}
	var participants, evidence []byte
	if err := row.Scan(&s.Source.Kind, &s.Source.ID, &participants, &s.Text, &evidence, &s.ResolvedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(participants, &s.Participants); err != nil {
		return nil, fmt.Errorf("summary %s participants: %w", s.Source, err)
	}
	if err := json.Unmarshal(evidence, &s.Evidence); err != nil {
		return nil, fmt.Errorf("summary %s evidence: %w", s.Source, err)
	}
	return &s, nil
}

// GetSummary returns the participant summary of a source.
func (t *Tx) GetSummary(ctx context.Context, src database.Source) (*database.ParticipantSummary, error) {
	row := t.tx.QueryRowContext(ctx, "SELECT "+summaryColumns+
		" FROM participant_summaries WHERE profile_id = $1 AND source_kind = $2 AND source_id = $3",
		t.profileID, string(src.Kind), src.ID)
	s, err := t.scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("summary %s: %w", src, database.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get summary %s: %w", src, err)
	}
	return s, nil
}

// ListSummaries returns every participant summary of the scope.
func (t *Tx) ListSummaries(ctx context.Context) ([]database.ParticipantSummary, error) {
	rows, err := t.tx.QueryContext(ctx, "SELECT "+summaryColumns+
		" FROM participant_summaries WHERE profile_id = $1 ORDER BY source_kind, source_id", t.profileID)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()

	var out []database.ParticipantSummary
	for rows.Next() {
		s, err := t.scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summaries: %w", err)
	}
	return out, nil
}

// SaveSummary writes the participant summary of a source, replacing any previous one.
func (t *Tx) SaveSummary(ctx context.Context, s *database.ParticipantSummary) error {
	s.ProfileID = t.profileID
	participants := s.Participants
	if participants == nil {
		participants = []database.Participant{}
	}
	pj, err := json.Marshal(participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	ej, err := json.Marshal(s.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO participant_summaries (profile_id, source_kind, source_id, participants, summary_text, evidence, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (profile_id, source_kind, source_id) DO UPDATE SET
			participants = EXCLUDED.participants,
			summary_text = EXCLUDED.summary_text,
			evidence = EXCLUDED.evidence,
			resolved_at = EXCLUDED.resolved_at
	`, t.profileID, string(s.Source.Kind), s.Source.ID, string(pj), s.Text, string(ej), s.ResolvedAt)
	if err != nil {
		return fmt.Errorf("save summary %s: %w", s.Source, err)
	}
	return nil
}
