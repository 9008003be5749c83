package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-identity/internal/database"
)

// MatchResult is the outcome of matching one embedding against a profile scope.
type MatchResult struct {
	Person     *database.Person `json:"person"`
	Role       database.Role    `json:"role"`
	Similarity float64          `json:"similarity"`
	Matched    bool             `json:"matched"`
	Created    bool             `json:"created"`
	Duplicate  bool             `json:"duplicate"` // signature was already counted
}

// Matcher resolves embeddings to persons of a profile scope, creating persons
// for faces it has not seen before.
type Matcher struct {
	store    database.Store
	settings Settings
	logger   *zap.Logger
}

// NewMatcher creates a matcher over store.
func NewMatcher(store database.Store, settings Settings, logger *zap.Logger) *Matcher {
	return &Matcher{store: store, settings: settings, logger: logger}
}

// MatchOrCreate matches embedding against the active persons of profileID and
// counts signature once on the matched or newly created person.
func (m *Matcher) MatchOrCreate(ctx context.Context, profileID string, embedding []float32, signature string) (*MatchResult, error) {
	return m.MatchOrCreateAt(ctx, profileID, embedding, signature, m.settings.now())
}

// MatchOrCreateAt is MatchOrCreate for an observation seen at observedAt.
// A zero observedAt means now.
func (m *Matcher) MatchOrCreateAt(ctx context.Context, profileID string, embedding []float32, signature string, observedAt time.Time) (*MatchResult, error) {
	if signature == "" {
		return nil, fmt.Errorf("observation signature is required")
	}
	if observedAt.IsZero() {
		observedAt = m.settings.now()
	}
	if err := ValidateEmbedding(embedding, m.settings.EmbeddingDim); err != nil {
		return nil, err
	}

	var result *MatchResult
	err := withConflictRetry(ctx, m.logger, "match_or_create", func() error {
		return m.store.WithScope(ctx, profileID, database.LockMatch, func(tx database.Tx) error {
			profile, err := tx.Profile(ctx)
			if err != nil {
				return fmt.Errorf("loading profile: %w", err)
			}
			result, err = m.matchInTx(ctx, tx, profile, embedding, signature, observedAt)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// withConflictRetry re-runs fn once when it lost a creation race to a concurrent writer.
func withConflictRetry(ctx context.Context, logger *zap.Logger, op string, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(10*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, database.ErrConflict) }),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("retrying after concurrent person creation",
				zap.String("operation", op),
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
	)
}

// matchInTx runs one match step inside an open scope transaction. The embedding
// must already be validated.
func (m *Matcher) matchInTx(ctx context.Context, tx database.Tx, profile *database.Profile,
	embedding []float32, signature string, observedAt time.Time) (*MatchResult, error) {
	owner, err := tx.PersonBySignature(ctx, signature)
	switch {
	case err == nil:
		return m.ledgerHit(ctx, tx, owner, embedding, signature)
	case !errors.Is(err, database.ErrNotFound):
		return nil, fmt.Errorf("checking dedup ledger: %w", err)
	}

	candidates, err := tx.MatchCandidates(ctx, embedding, m.settings.CandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("loading match candidates: %w", err)
	}

	threshold := m.settings.threshold(profile)
	var best *database.Person
	bestSim := -1.0
	for i := range candidates {
		c := &candidates[i]
		if !c.Matchable() {
			continue
		}
		if sim := m.settings.Compare(embedding, c.CanonicalEmbedding); sim > bestSim {
			best, bestSim = c, sim
		}
	}

	if best != nil && bestSim >= threshold {
		m.count(best, embedding, signature, observedAt)
		if err := tx.UpdatePerson(ctx, best); err != nil {
			return nil, fmt.Errorf("updating person %s: %w", best.ID, err)
		}
		m.logger.Debug("matched person",
			zap.String("profile_id", profile.ID),
			zap.String("person_id", best.ID),
			zap.String("signature", signature),
			zap.Float64("similarity", bestSim),
			zap.Int("appearances", best.AppearanceCount))
		return &MatchResult{Person: best, Role: best.Role, Similarity: bestSim, Matched: true}, nil
	}

	// A created person reports how close the nearest existing one came.
	nearest := 0.0
	if best != nil {
		nearest = bestSim
	}
	p := &database.Person{
		ID:               uuid.NewString(),
		ProfileID:        profile.ID,
		Role:             database.RoleUnknown,
		RealPersonStatus: database.StatusUnverified,
	}
	m.count(p, embedding, signature, observedAt)
	if err := tx.CreatePerson(ctx, p); err != nil {
		return nil, fmt.Errorf("creating person: %w", err)
	}
	m.logger.Debug("created person",
		zap.String("profile_id", profile.ID),
		zap.String("person_id", p.ID),
		zap.String("signature", signature),
		zap.Float64("best_similarity", nearest),
		zap.Float64("threshold", threshold))
	return &MatchResult{Person: p, Role: p.Role, Similarity: nearest, Created: true}, nil
}

// ledgerHit handles a signature that was already counted in the scope.
func (m *Matcher) ledgerHit(ctx context.Context, tx database.Tx, owner *database.Person, embedding []float32, signature string) (*MatchResult, error) {
	if owner.Role == database.RoleIncorrect || owner.RealPersonStatus == database.StatusIncorrect {
		return nil, fmt.Errorf("%w: %s belongs to person %s marked incorrect", ErrRejectedSignature, signature, owner.ID)
	}
	live, err := resolveLive(ctx, tx, owner)
	if err != nil {
		return nil, err
	}
	if !live.Active() {
		return nil, fmt.Errorf("%w: %s resolves to inactive person %s", ErrRejectedSignature, signature, live.ID)
	}
	return &MatchResult{
		Person:     live,
		Role:       live.Role,
		Similarity: m.settings.Compare(embedding, live.CanonicalEmbedding),
		Matched:    true,
		Duplicate:  true,
	}, nil
}

// count records a new signature on p.
func (m *Matcher) count(p *database.Person, embedding []float32, signature string, observedAt time.Time) {
	prev := p.AppearanceCount
	p.Signatures = append(p.Signatures, signature)
	p.AppearanceCount = len(p.Signatures)
	touchSeen(p, observedAt)
	p.CanonicalEmbedding = m.settings.Refresh.apply(p.CanonicalEmbedding, prev, embedding)
	p.IdentityConfidence = scoreConfidence(m.settings.Confidence, p)
}

func touchSeen(p *database.Person, at time.Time) {
	if at.IsZero() {
		return
	}
	if p.FirstSeenAt.IsZero() || at.Before(p.FirstSeenAt) {
		p.FirstSeenAt = at
	}
	if at.After(p.LastSeenAt) {
		p.LastSeenAt = at
	}
}

// scoreConfidence returns the identity confidence of p; operator confirmation
// saturates it.
func scoreConfidence(score ConfidenceScorer, p *database.Person) float64 {
	if p.RealPersonStatus == database.StatusConfirmedRealPerson {
		return confirmedConfidence
	}
	if p.Role.Terminal() {
		return 0
	}
	return score(p.AppearanceCount)
}

// resolveLive follows the merge back-reference of p to the person that absorbed it.
// Merges re-point earlier merges, so one hop always reaches a live person.
func resolveLive(ctx context.Context, tx database.Tx, p *database.Person) (*database.Person, error) {
	if p.Role != database.RoleMerged || p.MergedIntoPersonID == "" {
		return p, nil
	}
	target, err := tx.GetPerson(ctx, p.MergedIntoPersonID)
	if err != nil {
		return nil, fmt.Errorf("resolving merge target of %s: %w", p.ID, err)
	}
	return target, nil
}
