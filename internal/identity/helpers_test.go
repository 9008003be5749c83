package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-identity/internal/database"
	"github.com/kozaktomas/face-identity/internal/database/mock"
)

const (
	testProfileID = "profile-1"
	testUsername  = "jane.doe"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// Unit vectors used as embeddings; distinct axes are orthogonal (similarity 0).
var (
	embX    = []float32{1, 0, 0, 0}
	embXish = []float32{0.98, 0.1, 0, 0} // ~0.995 similar to embX
	embY    = []float32{0, 1, 0, 0}
	embZ    = []float32{0, 0, 1, 0}
	embW    = []float32{0, 0, 0, 1}
)

func testSettings() Settings {
	s := DefaultSettings()
	s.EmbeddingDim = 4
	s.Threshold = func(_ string, override float64) float64 {
		if override > 0 {
			return override
		}
		return 0.9
	}
	s.DominanceMinAppearances = 3
	s.DominanceRatio = 0.6
	s.CollaboratorEscalation = 2
	s.Now = func() time.Time { return testNow }
	return s
}

func newTestEngine(t *testing.T) (*mock.Store, *Engine) {
	t.Helper()
	store := mock.NewStore()
	store.AddProfile(database.Profile{ID: testProfileID, Username: testUsername})
	return store, NewEngine(store, testSettings(), zap.NewNop())
}

// seedPerson creates a person through the matcher with the given embedding and
// appearances, returning its id.
func seedPerson(t *testing.T, e *Engine, emb []float32, signatures ...string) string {
	t.Helper()
	var id string
	for _, sig := range signatures {
		res, err := e.Matcher.MatchOrCreate(context.Background(), testProfileID, emb, sig)
		require.NoError(t, err)
		if id == "" {
			id = res.Person.ID
		}
		require.Equal(t, id, res.Person.ID, "seed embedding matched a different person")
	}
	return id
}

// face builds a detector face with a non-overlapping box at column i.
func face(emb []float32, i int) Face {
	x := float64(i) * 100
	return Face{Embedding: emb, Confidence: 0.99, BBox: []float64{x, 0, x + 80, 80}}
}

func countPrimaries(t *testing.T, store *mock.Store) int {
	t.Helper()
	var n int
	err := store.WithScope(context.Background(), testProfileID, database.LockMatch, func(tx database.Tx) error {
		persons, err := tx.ListPersons(context.Background())
		for _, p := range persons {
			if p.Role == database.RolePrimaryUser {
				n++
			}
		}
		return err
	})
	require.NoError(t, err)
	return n
}

func observationsOf(t *testing.T, store *mock.Store, personID string) []database.FaceObservation {
	t.Helper()
	var out []database.FaceObservation
	err := store.WithScope(context.Background(), testProfileID, database.LockMatch, func(tx database.Tx) error {
		var err error
		out, err = tx.ObservationsByPerson(context.Background(), personID)
		return err
	})
	require.NoError(t, err)
	return out
}

func summaryOf(t *testing.T, store *mock.Store, src database.Source) *database.ParticipantSummary {
	t.Helper()
	var out *database.ParticipantSummary
	err := store.WithScope(context.Background(), testProfileID, database.LockMatch, func(tx database.Tx) error {
		var err error
		out, err = tx.GetSummary(context.Background(), src)
		return err
	})
	require.NoError(t, err)
	return out
}
