package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-identity/internal/database"
)

// Store is the PostgreSQL implementation of database.Store. Every scope
// transaction holds a transaction-level advisory lock on the profile id, so
// writers of one profile are serialised while other profiles proceed.
type Store struct {
	pool     *Pool
	index    *database.PersonIndex
	indexDir string
}

// NewStore creates a store over pool.
func NewStore(pool *Pool) *Store {
	return &Store{pool: pool}
}

// WithPersonIndex narrows limited candidate searches through an in-memory HNSW
// graph per profile. When dir is non-empty graphs are loaded from and saved to it.
func (s *Store) WithPersonIndex(index *database.PersonIndex, dir string) *Store {
	s.index = index
	s.indexDir = dir
	return s
}

// SaveIndex persists the person index when one is configured with a directory.
func (s *Store) SaveIndex() error {
	if s.index == nil || s.indexDir == "" {
		return nil
	}
	if err := s.index.SaveDir(s.indexDir); err != nil {
		return fmt.Errorf("saving person index: %w", err)
	}
	return nil
}

// WithScope runs fn inside one transaction scoped to profileID.
func (s *Store) WithScope(ctx context.Context, profileID string, mode database.LockMode, fn func(tx database.Tx) error) error {
	opts := &sql.TxOptions{}
	if mode == database.LockFeedback {
		opts.Isolation = sql.LevelSerializable
	}

	sqlTx, err := s.pool.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if _, err := sqlTx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", profileID); err != nil {
		_ = sqlTx.Rollback()
		return fmt.Errorf("locking profile %s: %w", profileID, err)
	}

	tx := &Tx{tx: sqlTx, store: s, profileID: profileID, touched: make(map[string]*database.Person)}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	// The advisory lock is still held, so the stamp read here is exactly the
	// state this commit publishes.
	var stamp database.IndexStamp
	stampErr := errNoStamp
	if s.index != nil && tx.synced {
		stamp, stampErr = tx.scopeStamp(ctx)
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing profile %s: %w", profileID, mapError(err))
	}

	if s.index != nil {
		for _, p := range tx.touched {
			s.index.Upsert(p)
		}
		// Without a stamp the graph stays marked stale and is rebuilt on next use.
		if stampErr == nil {
			s.index.MarkSynced(profileID, stamp)
		}
	}
	return nil
}

var errNoStamp = errors.New("scope stamp not read")

// UpsertProfile registers or updates a tracked profile.
func (s *Store) UpsertProfile(ctx context.Context, profile *database.Profile) error {
	if profile.ID == "" {
		return errors.New("profile id is required")
	}
	err := s.pool.db.QueryRowContext(ctx, `
		INSERT INTO profiles (id, username, match_threshold)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			match_threshold = EXCLUDED.match_threshold
		RETURNING created_at
	`, profile.ID, profile.Username, profile.MatchThreshold).Scan(&profile.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert profile %s: %w", profile.ID, err)
	}
	return nil
}

// ListProfiles returns all tracked profiles ordered by id.
func (s *Store) ListProfiles(ctx context.Context) ([]database.Profile, error) {
	return listProfiles(ctx, s.pool.db)
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const profileColumns = `id, username, match_threshold, created_at`

func scanProfile(row interface{ Scan(dest ...any) error }) (*database.Profile, error) {
	var p database.Profile
	if err := row.Scan(&p.ID, &p.Username, &p.MatchThreshold, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func listProfiles(ctx context.Context, q queryer) ([]database.Profile, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+profileColumns+" FROM profiles ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var out []database.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return out, nil
}

// Tx is a profile-scoped PostgreSQL transaction.
type Tx struct {
	tx        *sql.Tx
	store     *Store
	profileID string
	touched   map[string]*database.Person // written persons, pushed into the index after commit
	synced    bool                        // the scope graph was validated against the database
}

// Profile returns the profile the transaction is scoped to.
func (t *Tx) Profile(ctx context.Context) (*database.Profile, error) {
	p, err := scanProfile(t.tx.QueryRowContext(ctx, "SELECT "+profileColumns+" FROM profiles WHERE id = $1", t.profileID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", t.profileID, database.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", t.profileID, err)
	}
	return p, nil
}

// TrackedProfiles returns every tracked profile.
func (t *Tx) TrackedProfiles(ctx context.Context) ([]database.Profile, error) {
	return listProfiles(ctx, t.tx)
}
