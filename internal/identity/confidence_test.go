package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/face-identity/internal/database"
)

func TestHalfLifeConfidence_Monotone(t *testing.T) {
	for _, halfLife := range []float64{0, 0.5, 1, 3, 10, 100} {
		score := HalfLifeConfidence(halfLife)
		prev := score(0)
		assert.Zero(t, prev)
		for n := 1; n <= 500; n++ {
			got := score(n)
			assert.GreaterOrEqual(t, got, prev, "halfLife=%v n=%d", halfLife, n)
			assert.LessOrEqual(t, got, 1.0)
			prev = got
		}
	}
}

func TestHalfLifeConfidence_HalfLife(t *testing.T) {
	assert.InDelta(t, 0.5, HalfLifeConfidence(3)(3), 1e-9)
	assert.InDelta(t, 0.5, HalfLifeConfidence(0)(3), 1e-9, "non-positive half-life falls back to 3")
}

func TestScoreConfidence(t *testing.T) {
	score := HalfLifeConfidence(3)
	tests := []struct {
		name   string
		person database.Person
		want   float64
	}{
		{"unverified", database.Person{AppearanceCount: 3, Role: database.RoleSecondaryPerson}, 0.5},
		{"confirmed", database.Person{AppearanceCount: 1, RealPersonStatus: database.StatusConfirmedRealPerson}, 1},
		{"merged", database.Person{AppearanceCount: 3, Role: database.RoleMerged}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, scoreConfidence(score, &tt.person), 1e-9)
		})
	}
}

func TestMergeNeverDecreasesConfidence(t *testing.T) {
	for _, counts := range [][2]int{{1, 1}, {1, 5}, {5, 1}, {4, 4}} {
		_, e := newTestEngine(t)
		ctx := context.Background()
		src := seedPerson(t, e, embX, signatures("a", counts[0])...)
		dst := seedPerson(t, e, embY, signatures("b", counts[1])...)

		before := max(personConfidence(t, e, src), personConfidence(t, e, dst))

		res, err := e.Feedback.Merge(ctx, testProfileID, src, dst)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.Target.IdentityConfidence, before, "counts=%v", counts)
	}
}

func signatures(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = database.PostSource(prefix).Signature(i)
	}
	return out
}

func personConfidence(t *testing.T, e *Engine, id string) float64 {
	t.Helper()
	var c float64
	err := e.Matcher.store.WithScope(context.Background(), testProfileID, database.LockMatch, func(tx database.Tx) error {
		p, err := tx.GetPerson(context.Background(), id)
		if err == nil {
			c = p.IdentityConfidence
		}
		return err
	})
	require.NoError(t, err)
	return c
}
