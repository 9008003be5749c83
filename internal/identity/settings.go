package identity

import (
	"fmt"
	"time"

	"github.com/kozaktomas/face-identity/internal/config"
	"github.com/kozaktomas/face-identity/internal/database"
)

// ThresholdFunc resolves the match threshold of a profile scope.
// override is the profile's own threshold, 0 when unset.
type ThresholdFunc func(profileID string, override float64) float64

// Settings tunes the identity engine.
type Settings struct {
	EmbeddingDim            int
	Threshold               ThresholdFunc
	Compare                 Comparator
	Refresh                 RefreshPolicy
	CandidateLimit          int
	DominanceRatio          float64
	DominanceMinAppearances int
	CollaboratorEscalation  int
	Confidence              ConfidenceScorer
	Now                     func() time.Time
}

// DefaultSettings returns settings for 512-dim embeddings compared by cosine similarity.
func DefaultSettings() Settings {
	return Settings{
		EmbeddingDim: database.FaceEmbeddingDim,
		Threshold: func(_ string, override float64) float64 {
			if override > 0 {
				return override
			}
			return config.DefaultMatchThreshold
		},
		Compare:                 database.CosineSimilarity,
		Refresh:                 RefreshMean,
		DominanceRatio:          0.6,
		DominanceMinAppearances: 3,
		CollaboratorEscalation:  3,
		Confidence:              HalfLifeConfidence(3),
		Now:                     time.Now,
	}
}

// SettingsFromConfig builds engine settings from the loaded configuration.
func SettingsFromConfig(cfg *config.Config) (Settings, error) {
	s := DefaultSettings()
	refresh, err := ParseRefreshPolicy(cfg.Identity.EmbeddingRefresh)
	if err != nil {
		return s, err
	}
	if cfg.Identity.DominanceRatio > 1 {
		return s, fmt.Errorf("dominance ratio must be in (0, 1], got %v", cfg.Identity.DominanceRatio)
	}
	s.EmbeddingDim = cfg.Identity.EmbeddingDim
	s.Threshold = cfg.MatchThreshold
	s.Refresh = refresh
	s.CandidateLimit = cfg.Identity.CandidateLimit
	s.DominanceRatio = cfg.Identity.DominanceRatio
	s.DominanceMinAppearances = cfg.Identity.DominanceMinAppearances
	s.CollaboratorEscalation = cfg.Identity.CollaboratorEscalation
	s.Confidence = HalfLifeConfidence(cfg.Identity.ConfidenceHalfLife)
	return s, nil
}

func (s Settings) threshold(p *database.Profile) float64 {
	return s.Threshold(p.ID, p.MatchThreshold)
}

func (s Settings) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}
