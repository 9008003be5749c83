package identity

import (
	"fmt"
	"math"

	"github.com/kozaktomas/face-identity/internal/database"
)

// Comparator scores the similarity of two embeddings; higher is more similar.
type Comparator func(a, b []float32) float64

// RefreshPolicy controls how a person's canonical embedding follows new matches.
type RefreshPolicy string

const (
	// RefreshMean keeps the canonical embedding as the normalized running mean of
	// every counted observation.
	RefreshMean RefreshPolicy = "mean"
	// RefreshNone keeps the embedding the person was created with.
	RefreshNone RefreshPolicy = "none"
)

// ParseRefreshPolicy validates a configured refresh policy name.
func ParseRefreshPolicy(s string) (RefreshPolicy, error) {
	switch RefreshPolicy(s) {
	case RefreshMean, RefreshNone:
		return RefreshPolicy(s), nil
	case "":
		return RefreshMean, nil
	}
	return "", fmt.Errorf("unknown embedding refresh policy %q", s)
}

// ValidateEmbedding rejects embeddings the comparator cannot score.
func ValidateEmbedding(embedding []float32, dim int) error {
	if len(embedding) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidEmbedding)
	}
	if dim > 0 && len(embedding) != dim {
		return fmt.Errorf("%w: expected %d dimensions, got %d", ErrInvalidEmbedding, dim, len(embedding))
	}
	var norm float64
	for i, v := range embedding {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite value at index %d", ErrInvalidEmbedding, i)
		}
		norm += f * f
	}
	if norm == 0 {
		return fmt.Errorf("%w: zero vector", ErrInvalidEmbedding)
	}
	return nil
}

// apply folds a newly counted embedding into current, which already represents
// prevCount observations.
func (r RefreshPolicy) apply(current []float32, prevCount int, added []float32) []float32 {
	if r == RefreshNone || len(current) != len(added) || prevCount <= 0 {
		if len(current) == 0 {
			return database.Normalize(added)
		}
		return current
	}
	return weightedMean(current, float64(prevCount), added, 1)
}

// weightedMean returns the normalized weighted mean of two embeddings.
func weightedMean(a []float32, wa float64, b []float32, wb float64) []float32 {
	if len(a) != len(b) || wa+wb <= 0 {
		return nil
	}
	out := make([]float32, len(a))
	for i := range a {
		out[i] = float32((float64(a[i])*wa + float64(b[i])*wb) / (wa + wb))
	}
	if n := database.Normalize(out); n != nil {
		return n
	}
	// Opposite vectors cancel out; keep the heavier side.
	if wa >= wb {
		return a
	}
	return b
}

// meanEmbedding returns the normalized mean of the observation embeddings, or nil
// when none of them is usable.
func meanEmbedding(observations []database.FaceObservation, dim int) []float32 {
	var sum []float64
	n := 0
	for i := range observations {
		e := observations[i].Embedding
		if ValidateEmbedding(e, dim) != nil {
			continue
		}
		if sum == nil {
			sum = make([]float64, len(e))
		}
		if len(e) != len(sum) {
			continue
		}
		for j, v := range e {
			sum[j] += float64(v)
		}
		n++
	}
	if n == 0 {
		return nil
	}
	out := make([]float32, len(sum))
	for j := range sum {
		out[j] = float32(sum[j] / float64(n))
	}
	return database.Normalize(out)
}
