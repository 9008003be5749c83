package identity

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/kozaktomas/face-identity/internal/database"
)

// DominanceStat is the appearance history of one person across a profile scope.
type DominanceStat struct {
	PersonID string  `json:"person_id"`
	Sources  int     `json:"sources"`  // distinct posts and stories the person appears in
	Evidence int     `json:"evidence"` // sources carrying indirect ownership evidence
	Share    float64 `json:"share"`
}

// Promotion is the outcome of a dominance re-evaluation.
type Promotion struct {
	ProfileID             string           `json:"profile_id"`
	Promoted              *database.Person `json:"promoted,omitempty"`
	Demoted               []string         `json:"demoted,omitempty"`
	ObservationsRewritten int              `json:"observations_rewritten"`
	Stats                 []DominanceStat  `json:"stats"`
	Skipped               bool             `json:"skipped"`
	Reason                string           `json:"reason,omitempty"`
}

// Aggregator promotes a recurring person to profile owner when frequency and
// co-occurrence evidence across the whole scope history is strong.
type Aggregator struct {
	store    database.Store
	settings Settings
	logger   *zap.Logger
}

// NewAggregator creates an aggregator over store.
func NewAggregator(store database.Store, settings Settings, logger *zap.Logger) *Aggregator {
	return &Aggregator{store: store, settings: settings, logger: logger}
}

// Reevaluate scans the observation history of profileID and applies a dominance
// promotion if exactly one person qualifies. All role changes commit together.
func (a *Aggregator) Reevaluate(ctx context.Context, profileID string) (*Promotion, error) {
	var promo *Promotion
	err := a.store.WithScope(ctx, profileID, database.LockFeedback, func(tx database.Tx) error {
		var err error
		promo, err = a.reevaluateInTx(ctx, tx, profileID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("re-evaluating dominant identity of %s: %w", profileID, err)
	}
	return promo, nil
}

func (a *Aggregator) reevaluateInTx(ctx context.Context, tx database.Tx, profileID string) (*Promotion, error) {
	promo := &Promotion{ProfileID: profileID}

	persons, err := tx.ListPersons(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing persons: %w", err)
	}
	byID := make(map[string]*database.Person, len(persons))
	for i := range persons {
		p := &persons[i]
		if p.ConfirmedOwner() {
			promo.Skipped, promo.Reason = true, fmt.Sprintf("person %s is the confirmed owner", p.ID)
			return promo, nil
		}
		if p.Active() {
			byID[p.ID] = p
		}
	}

	stats, err := a.dominanceStats(ctx, tx, byID)
	if err != nil {
		return nil, err
	}
	promo.Stats = stats

	var qualified []DominanceStat
	for _, s := range stats {
		if s.Sources >= a.settings.DominanceMinAppearances && s.Share >= a.settings.DominanceRatio {
			qualified = append(qualified, s)
		}
	}
	if len(qualified) == 0 {
		promo.Skipped, promo.Reason = true, "no dominant person"
		return promo, nil
	}
	if len(qualified) > 1 {
		promo.Skipped, promo.Reason = true, fmt.Sprintf("%d persons qualify as dominant", len(qualified))
		return promo, nil
	}

	winner := byID[qualified[0].PersonID]
	if winner.Role == database.RolePrimaryUser {
		promo.Skipped, promo.Reason = true, "dominant person is already the primary user"
		return promo, nil
	}

	for i := range persons {
		p := &persons[i]
		if p.ID == winner.ID || p.Role != database.RolePrimaryUser {
			continue
		}
		p.Role = database.RoleSecondaryPerson
		if err := tx.UpdatePerson(ctx, p); err != nil {
			return nil, fmt.Errorf("demoting person %s: %w", p.ID, err)
		}
		n, err := tx.ReassignObservations(ctx, p.ID, p.ID, p.Role)
		if err != nil {
			return nil, fmt.Errorf("rewriting observation roles of %s: %w", p.ID, err)
		}
		promo.Demoted = append(promo.Demoted, p.ID)
		promo.ObservationsRewritten += n
	}

	winner.Role = database.RolePrimaryUser
	winner.IdentityConfidence = scoreConfidence(a.settings.Confidence, winner)
	if err := tx.UpdatePerson(ctx, winner); err != nil {
		return nil, fmt.Errorf("promoting person %s: %w", winner.ID, err)
	}
	n, err := tx.ReassignObservations(ctx, winner.ID, winner.ID, winner.Role)
	if err != nil {
		return nil, fmt.Errorf("rewriting observation roles of %s: %w", winner.ID, err)
	}
	promo.ObservationsRewritten += n
	promo.Promoted = winner

	a.logger.Info("promoted dominant person to primary user",
		zap.String("profile_id", profileID),
		zap.String("person_id", winner.ID),
		zap.Int("sources", qualified[0].Sources),
		zap.Float64("share", qualified[0].Share),
		zap.Strings("demoted", promo.Demoted))
	return promo, nil
}

// dominanceStats counts, per active person, the distinct sources it appears in
// and how many of them carry ownership evidence: the person is the only face and
// the text speaks in the first person or mentions the owner.
func (a *Aggregator) dominanceStats(ctx context.Context, tx database.Tx, active map[string]*database.Person) ([]DominanceStat, error) {
	observations, err := tx.ListObservations(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing observations: %w", err)
	}
	summaries, err := tx.ListSummaries(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing participant summaries: %w", err)
	}
	evidence := make(map[database.Source]database.SourceEvidence, len(summaries))
	for _, s := range summaries {
		evidence[s.Source] = s.Evidence
	}

	faces := make(map[database.Source]map[int]bool)
	personSources := make(map[string]map[database.Source]bool)
	for _, o := range observations {
		if faces[o.Source] == nil {
			faces[o.Source] = make(map[int]bool)
		}
		faces[o.Source][o.FaceIndex] = true
		if _, ok := active[o.PersonID]; !ok {
			continue
		}
		if personSources[o.PersonID] == nil {
			personSources[o.PersonID] = make(map[database.Source]bool)
		}
		personSources[o.PersonID][o.Source] = true
	}

	stats := make([]DominanceStat, 0, len(personSources))
	for personID, sources := range personSources {
		s := DominanceStat{PersonID: personID, Sources: len(sources)}
		for src := range sources {
			ev := evidence[src]
			if len(faces[src]) == 1 && (ev.FirstPerson || ev.OwnerMentioned) {
				s.Evidence++
			}
		}
		s.Share = float64(s.Evidence) / float64(s.Sources)
		stats = append(stats, s)
	}
	slices.SortFunc(stats, func(x, y DominanceStat) int {
		if c := cmp.Compare(y.Share, x.Share); c != 0 {
			return c
		}
		return cmp.Compare(x.PersonID, y.PersonID)
	})
	return stats, nil
}
