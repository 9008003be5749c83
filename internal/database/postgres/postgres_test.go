//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-identity/internal/config"
	"github.com/kozaktomas/face-identity/internal/database"
	"github.com/kozaktomas/face-identity/internal/identity"
)

func setupTestContainer(t *testing.T) (*Pool, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
		return nil, func() {}
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	cfg := &config.DatabaseConfig{
		URL:          fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port()),
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}

	pool, applied, err := Open(ctx, cfg)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to open database: %v", err)
	}
	if len(applied) == 0 {
		t.Errorf("Expected migrations to be applied")
	}

	cleanup := func() {
		pool.Close()
		container.Terminate(ctx)
	}
	return pool, cleanup
}

func testSettings() identity.Settings {
	s := identity.DefaultSettings()
	s.EmbeddingDim = 4
	s.Threshold = func(string, float64) float64 { return 0.9 }
	return s
}

func mustProfile(t *testing.T, store *Store, id, username string) {
	t.Helper()
	if err := store.UpsertProfile(context.Background(), &database.Profile{ID: id, Username: username}); err != nil {
		t.Fatalf("Failed to upsert profile: %v", err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	applied, err := pool.Migrate(ctx)
	if err != nil {
		t.Fatalf("Second migration run failed: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("Expected no pending migrations, got %v", applied)
	}
	versions, err := pool.MigrationsApplied(ctx)
	if err != nil {
		t.Fatalf("Failed to list migrations: %v", err)
	}
	if len(versions) == 0 || versions[0] != "0001_init.sql" {
		t.Errorf("Unexpected migration versions %v", versions)
	}
}

func TestStore(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	store := NewStore(pool)
	mustProfile(t, store, "p1", "jane.doe")
	mustProfile(t, store, "p2", "bob")

	t.Run("ProfileRoundTrip", func(t *testing.T) {
		profiles, err := store.ListProfiles(ctx)
		if err != nil {
			t.Fatalf("Failed to list profiles: %v", err)
		}
		if len(profiles) != 2 || profiles[0].ID != "p1" || profiles[0].Username != "jane.doe" {
			t.Errorf("Unexpected profiles %+v", profiles)
		}
	})

	t.Run("UnknownProfile", func(t *testing.T) {
		err := store.WithScope(ctx, "missing", database.LockMatch, func(tx database.Tx) error {
			_, err := tx.Profile(ctx)
			return err
		})
		if !errors.Is(err, database.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	personID := uuid.NewString()
	t.Run("PersonRoundTrip", func(t *testing.T) {
		seen := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
		err := store.WithScope(ctx, "p1", database.LockMatch, func(tx database.Tx) error {
			return tx.CreatePerson(ctx, &database.Person{
				ID:                 personID,
				Role:               database.RoleUnknown,
				CanonicalEmbedding: []float32{1, 0, 0, 0},
				AppearanceCount:    1,
				FirstSeenAt:        seen,
				LastSeenAt:         seen,
				LinkedUsernames:    []string{"jane.doe"},
				RealPersonStatus:   database.StatusUnverified,
				Signatures:         []string{"post:a:0", "post:b:1"},
				Metadata:           map[string]any{database.MetaUsernameMentions: []string{"bob"}},
			})
		})
		if err != nil {
			t.Fatalf("Failed to create person: %v", err)
		}

		err = store.WithScope(ctx, "p1", database.LockMatch, func(tx database.Tx) error {
			p, err := tx.PersonBySignature(ctx, "post:b:1")
			if err != nil {
				return err
			}
			if p.ID != personID || p.ProfileID != "p1" {
				t.Errorf("Unexpected person %s in profile %s", p.ID, p.ProfileID)
			}
			if len(p.CanonicalEmbedding) != 4 || p.CanonicalEmbedding[0] != 1 {
				t.Errorf("Unexpected embedding %v", p.CanonicalEmbedding)
			}
			if len(p.Signatures) != 2 || p.Signatures[0] != "post:a:0" {
				t.Errorf("Ledger order not kept: %v", p.Signatures)
			}
			if !p.FirstSeenAt.Equal(seen) {
				t.Errorf("Expected first seen %v, got %v", seen, p.FirstSeenAt)
			}
			mentions, ok := p.Metadata[database.MetaUsernameMentions].([]any)
			if !ok || len(mentions) != 1 {
				t.Errorf("Unexpected metadata %v", p.Metadata)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Failed to read person: %v", err)
		}
	})

	t.Run("ScopesAreIsolated", func(t *testing.T) {
		err := store.WithScope(ctx, "p2", database.LockMatch, func(tx database.Tx) error {
			_, err := tx.GetPerson(ctx, personID)
			return err
		})
		if !errors.Is(err, database.ErrNotFound) {
			t.Errorf("Expected ErrNotFound across scopes, got %v", err)
		}
	})

	t.Run("SignatureConflict", func(t *testing.T) {
		err := store.WithScope(ctx, "p1", database.LockMatch, func(tx database.Tx) error {
			return tx.CreatePerson(ctx, &database.Person{
				ID:               uuid.NewString(),
				Role:             database.RoleUnknown,
				RealPersonStatus: database.StatusUnverified,
				Signatures:       []string{"post:a:0"},
			})
		})
		if !errors.Is(err, database.ErrConflict) {
			t.Errorf("Expected ErrConflict, got %v", err)
		}
		// The failed transaction must not leave a half-created person behind.
		err = store.WithScope(ctx, "p1", database.LockMatch, func(tx database.Tx) error {
			persons, err := tx.ListPersons(ctx)
			if err != nil {
				return err
			}
			if len(persons) != 1 {
				t.Errorf("Expected 1 person after rollback, got %d", len(persons))
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	})

	t.Run("ObservationUpsertKeepsID", func(t *testing.T) {
		src := database.PostSource("a")
		first := &database.FaceObservation{
			ID: uuid.NewString(), Source: src, FaceIndex: 0, Signature: src.Signature(0),
			PersonID: personID, Role: database.RoleUnknown, Embedding: []float32{1, 0, 0, 0},
			Confidence: 0.98, BBox: []float64{0, 0, 10, 10},
		}
		second := *first
		second.ID = uuid.NewString()
		second.Confidence = 0.5

		err := store.WithScope(ctx, "p1", database.LockMatch, func(tx database.Tx) error {
			if err := tx.SaveObservation(ctx, first); err != nil {
				return err
			}
			if err := tx.SaveObservation(ctx, &second); err != nil {
				return err
			}
			if second.ID != first.ID {
				t.Errorf("Expected upsert to keep id %s, got %s", first.ID, second.ID)
			}
			got, err := tx.ObservationsBySource(ctx, src)
			if err != nil {
				return err
			}
			if len(got) != 1 || got[0].Confidence != 0.5 || len(got[0].BBox) != 4 {
				t.Errorf("Unexpected observations %+v", got)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Failed to save observations: %v", err)
		}
	})

	t.Run("SummaryRoundTrip", func(t *testing.T) {
		src := database.StorySource("s1")
		err := store.WithScope(ctx, "p1", database.LockMatch, func(tx database.Tx) error {
			if err := tx.SaveSummary(ctx, &database.ParticipantSummary{
				Source:       src,
				Participants: []database.Participant{{PersonID: personID, Role: database.RolePrimaryUser, OwnerMatch: true}},
				Text:         "The profile owner appears alone.",
				Evidence:     database.SourceEvidence{SoleFace: true},
				ResolvedAt:   time.Now().UTC(),
			}); err != nil {
				return err
			}
			s, err := tx.GetSummary(ctx, src)
			if err != nil {
				return err
			}
			if len(s.Participants) != 1 || !s.Participants[0].OwnerMatch || !s.Evidence.SoleFace {
				t.Errorf("Unexpected summary %+v", s)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Failed to round-trip summary: %v", err)
		}
	})
}

func TestEngineOnPostgres(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	store := NewStore(pool)
	mustProfile(t, store, "p1", "jane.doe")
	engine := identity.NewEngine(store, testSettings(), zap.NewNop())

	x := []float32{1, 0, 0, 0}
	y := []float32{0, 1, 0, 0}

	t.Run("MatchIsIdempotent", func(t *testing.T) {
		first, err := engine.Matcher.MatchOrCreate(ctx, "p1", x, "post:m:0")
		if err != nil {
			t.Fatalf("MatchOrCreate failed: %v", err)
		}
		again, err := engine.Matcher.MatchOrCreate(ctx, "p1", x, "post:m:0")
		if err != nil {
			t.Fatalf("MatchOrCreate retry failed: %v", err)
		}
		if !again.Duplicate || again.Person.ID != first.Person.ID || again.Person.AppearanceCount != 1 {
			t.Errorf("Expected duplicate of %s, got %+v", first.Person.ID, again)
		}
	})

	t.Run("ConcurrentCreatesConverge", func(t *testing.T) {
		var wg sync.WaitGroup
		ids := make([]string, 8)
		errs := make([]error, 8)
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := engine.Matcher.MatchOrCreate(ctx, "p1", y, fmt.Sprintf("story:c:%d", i))
				if err == nil {
					ids[i] = res.Person.ID
				}
				errs[i] = err
			}(i)
		}
		wg.Wait()
		for i, err := range errs {
			if err != nil {
				t.Fatalf("MatchOrCreate %d failed: %v", i, err)
			}
			if ids[i] != ids[0] {
				t.Errorf("Expected all faces to resolve to %s, got %s", ids[0], ids[i])
			}
		}
	})

	t.Run("MergeMovesLedger", func(t *testing.T) {
		a, err := engine.Matcher.MatchOrCreate(ctx, "p1", []float32{0, 0, 1, 0}, "post:g:0")
		if err != nil {
			t.Fatal(err)
		}
		b, err := engine.Matcher.MatchOrCreate(ctx, "p1", []float32{0, 0, 0, 1}, "post:g:1")
		if err != nil {
			t.Fatal(err)
		}
		res, err := engine.Feedback.Merge(ctx, "p1", a.Person.ID, b.Person.ID)
		if err != nil {
			t.Fatalf("Merge failed: %v", err)
		}
		if !res.Target.HasSignature("post:g:0") || !res.Target.HasSignature("post:g:1") {
			t.Errorf("Expected merged ledger, got %v", res.Target.Signatures)
		}
		again, err := engine.Matcher.MatchOrCreate(ctx, "p1", []float32{0, 0, 1, 0}, "post:g:0")
		if err != nil {
			t.Fatal(err)
		}
		if again.Person.ID != b.Person.ID {
			t.Errorf("Expected replayed signature to resolve to %s, got %s", b.Person.ID, again.Person.ID)
		}
	})
}

func TestPersonIndexCandidates(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	store := NewStore(pool).WithPersonIndex(database.NewPersonIndex(), t.TempDir())
	mustProfile(t, store, "p1", "jane.doe")

	settings := testSettings()
	settings.CandidateLimit = 2
	engine := identity.NewEngine(store, settings, zap.NewNop())

	embeddings := [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}}
	var ids []string
	for i, e := range embeddings {
		res, err := engine.Matcher.MatchOrCreate(ctx, "p1", e, fmt.Sprintf("post:i:%d", i))
		if err != nil {
			t.Fatalf("MatchOrCreate %d failed: %v", i, err)
		}
		ids = append(ids, res.Person.ID)
	}

	res, err := engine.Matcher.MatchOrCreate(ctx, "p1", []float32{0, 0, 0.99, 0.05}, "post:i:9")
	if err != nil {
		t.Fatalf("MatchOrCreate failed: %v", err)
	}
	if res.Person.ID != ids[2] {
		t.Errorf("Expected match with %s, got %s", ids[2], res.Person.ID)
	}
	if err := store.SaveIndex(); err != nil {
		t.Fatalf("SaveIndex failed: %v", err)
	}
}

func TestPersonIndexSeesOtherWriters(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	settings := testSettings()
	settings.CandidateLimit = 2

	// Two workers share the database; only the first keeps a person index.
	indexed := NewStore(pool).WithPersonIndex(database.NewPersonIndex(), "")
	plain := NewStore(pool)
	mustProfile(t, indexed, "p1", "jane.doe")
	first := identity.NewEngine(indexed, settings, zap.NewNop())
	second := identity.NewEngine(plain, settings, zap.NewNop())

	x, err := first.Matcher.MatchOrCreate(ctx, "p1", []float32{1, 0, 0, 0}, "post:a:0")
	if err != nil {
		t.Fatalf("MatchOrCreate failed: %v", err)
	}
	y, err := second.Matcher.MatchOrCreate(ctx, "p1", []float32{0, 1, 0, 0}, "post:b:0")
	if err != nil {
		t.Fatalf("MatchOrCreate failed: %v", err)
	}

	res, err := first.Matcher.MatchOrCreate(ctx, "p1", []float32{0.05, 0.99, 0, 0}, "post:c:0")
	if err != nil {
		t.Fatalf("MatchOrCreate failed: %v", err)
	}
	if res.Created || res.Person.ID != y.Person.ID {
		t.Errorf("Expected match with %s written by the other worker, got %s (created=%v)", y.Person.ID, res.Person.ID, res.Created)
	}

	// The other worker drags X's embedding towards Z; the indexed worker must
	// compare against the refreshed vector.
	for i := range 3 {
		if _, err := second.Matcher.MatchOrCreate(ctx, "p1", []float32{0.95, 0, 0.31, 0}, fmt.Sprintf("post:d:%d", i)); err != nil {
			t.Fatalf("MatchOrCreate failed: %v", err)
		}
	}
	var refreshed *database.Person
	err = plain.WithScope(ctx, "p1", database.LockMatch, func(tx database.Tx) error {
		var err error
		refreshed, err = tx.GetPerson(ctx, x.Person.ID)
		return err
	})
	if err != nil {
		t.Fatalf("GetPerson failed: %v", err)
	}
	res, err = first.Matcher.MatchOrCreate(ctx, "p1", refreshed.CanonicalEmbedding, "post:e:0")
	if err != nil {
		t.Fatalf("MatchOrCreate failed: %v", err)
	}
	if res.Person.ID != x.Person.ID {
		t.Errorf("Expected match with refreshed %s, got %s", x.Person.ID, res.Person.ID)
	}
}

func TestPgvectorCandidates(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	store := NewStore(pool)
	mustProfile(t, store, "p1", "jane.doe")
	settings := testSettings()
	settings.CandidateLimit = 1
	engine := identity.NewEngine(store, settings, zap.NewNop())

	var ids []string
	for i, e := range [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}} {
		res, err := engine.Matcher.MatchOrCreate(ctx, "p1", e, fmt.Sprintf("post:v:%d", i))
		if err != nil {
			t.Fatalf("MatchOrCreate %d failed: %v", i, err)
		}
		ids = append(ids, res.Person.ID)
	}
	res, err := engine.Matcher.MatchOrCreate(ctx, "p1", []float32{0, 0.05, 0.99, 0}, "post:v:9")
	if err != nil {
		t.Fatalf("MatchOrCreate failed: %v", err)
	}
	if !res.Matched || res.Person.ID != ids[2] {
		t.Errorf("Expected pgvector ordering to surface %s, got %s", ids[2], res.Person.ID)
	}
}
