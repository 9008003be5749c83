package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-identity/internal/database"
)

// Face is one detector output for a post or story.
type Face struct {
	Embedding  []float32 `json:"embedding"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox,omitempty"`
}

// SourceInput is everything the detector produced for one post or story.
type SourceInput struct {
	Faces      []Face    `json:"faces"`
	Evidence   Evidence  `json:"evidence"`
	Hashtags   []string  `json:"hashtags,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// FaceOutcome reports what happened to one face of a source.
type FaceOutcome struct {
	FaceIndex     int     `json:"face_index"`
	Signature     string  `json:"signature"`
	PersonID      string  `json:"person_id,omitempty"`
	ObservationID string  `json:"observation_id,omitempty"`
	Similarity    float64 `json:"similarity,omitempty"`
	Created       bool    `json:"created,omitempty"`
	Duplicate     bool    `json:"duplicate,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// SourceResult is the outcome of processing one post or story.
type SourceResult struct {
	Source     database.Source `json:"source"`
	Faces      []FaceOutcome   `json:"faces"`
	Resolution *Resolution     `json:"resolution"`
}

// Resolver runs the per-source pipeline: match every face, record its observation
// and classify the participants, all inside one scope transaction.
type Resolver struct {
	store      database.Store
	matcher    *Matcher
	classifier *Classifier
	settings   Settings
	logger     *zap.Logger
}

// NewResolver creates a resolver using the given matcher and classifier.
func NewResolver(store database.Store, matcher *Matcher, classifier *Classifier, settings Settings, logger *zap.Logger) *Resolver {
	return &Resolver{store: store, matcher: matcher, classifier: classifier, settings: settings, logger: logger}
}

// ProcessSource resolves the faces detected in src. Faces with malformed
// embeddings are rejected individually; an input without any usable face is
// skipped and leaves the stored summary of src untouched.
func (r *Resolver) ProcessSource(ctx context.Context, profileID string, src database.Source, in SourceInput) (*SourceResult, error) {
	result := &SourceResult{Source: src}
	if len(in.Faces) == 0 {
		result.Resolution = skipped("no faces detected")
		return result, nil
	}
	observedAt := in.ObservedAt
	if observedAt.IsZero() {
		observedAt = r.settings.now()
	}

	err := withConflictRetry(ctx, r.logger, "process_source", func() error {
		result.Faces = nil
		result.Resolution = nil
		return r.store.WithScope(ctx, profileID, database.LockMatch, func(tx database.Tx) error {
			profile, err := tx.Profile(ctx)
			if err != nil {
				return fmt.Errorf("loading profile: %w", err)
			}
			detected, err := r.matchFaces(ctx, tx, profile, src, in, observedAt, result)
			if err != nil {
				return err
			}
			if len(detected) == 0 {
				result.Resolution = skipped("no usable faces")
				return nil
			}
			result.Resolution, err = r.classifier.resolveInTx(ctx, tx, profile, src, detected, in.Evidence)
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("processing %s: %w", src, err)
	}

	r.logger.Info("processed source",
		zap.String("profile_id", profileID),
		zap.String("source", src.String()),
		zap.Int("faces", len(in.Faces)),
		zap.Bool("skipped", result.Resolution.Skipped))
	return result, nil
}

func (r *Resolver) matchFaces(ctx context.Context, tx database.Tx, profile *database.Profile, src database.Source,
	in SourceInput, observedAt time.Time, result *SourceResult) ([]Detection, error) {
	var detected []Detection
	var accepted [][]float64
	for i, face := range in.Faces {
		out := FaceOutcome{FaceIndex: i, Signature: src.Signature(i)}

		if err := ValidateEmbedding(face.Embedding, r.settings.EmbeddingDim); err != nil {
			out.Error = err.Error()
			result.Faces = append(result.Faces, out)
			r.logger.Warn("rejected face", zap.String("signature", out.Signature), zap.Error(err))
			continue
		}
		if !ValidBBox(face.BBox) {
			out.Error = fmt.Sprintf("malformed bounding box %v", face.BBox)
			result.Faces = append(result.Faces, out)
			continue
		}
		if isDuplicateFace(face.BBox, accepted) {
			out.Error = "duplicate detection of an earlier face"
			result.Faces = append(result.Faces, out)
			continue
		}

		match, err := r.matcher.matchInTx(ctx, tx, profile, face.Embedding, out.Signature, observedAt)
		if errors.Is(err, ErrRejectedSignature) {
			out.Error = err.Error()
			result.Faces = append(result.Faces, out)
			continue
		}
		if err != nil {
			return nil, err
		}

		obs := &database.FaceObservation{
			ID:         uuid.NewString(),
			ProfileID:  profile.ID,
			Source:     src,
			FaceIndex:  i,
			Signature:  out.Signature,
			PersonID:   match.Person.ID,
			Role:       match.Person.Role,
			Embedding:  face.Embedding,
			Confidence: face.Confidence,
			BBox:       face.BBox,
		}
		if match.Duplicate {
			// Keep operator annotations of an already stored observation.
			if existing := findObservation(ctx, tx, src, i); existing != nil {
				obs.ID = existing.ID
				obs.Metadata = existing.Metadata
			}
		}
		if err := tx.SaveObservation(ctx, obs); err != nil {
			return nil, fmt.Errorf("saving observation %s: %w", obs.Signature, err)
		}

		out.PersonID = match.Person.ID
		out.ObservationID = obs.ID
		out.Similarity = match.Similarity
		out.Created = match.Created
		out.Duplicate = match.Duplicate
		result.Faces = append(result.Faces, out)
		accepted = append(accepted, face.BBox)
		detected = append(detected, Detection{PersonID: match.Person.ID, FaceIndex: i})
	}
	return detected, nil
}

func findObservation(ctx context.Context, tx database.Tx, src database.Source, faceIndex int) *database.FaceObservation {
	observations, err := tx.ObservationsBySource(ctx, src)
	if err != nil {
		return nil
	}
	for i := range observations {
		if observations[i].FaceIndex == faceIndex {
			return &observations[i]
		}
	}
	return nil
}

func isDuplicateFace(bbox []float64, accepted [][]float64) bool {
	if len(bbox) == 0 {
		return false
	}
	for _, other := range accepted {
		if ComputeIoU(bbox, other) >= duplicateFaceIoU {
			return true
		}
	}
	return false
}
