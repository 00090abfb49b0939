// Package store keeps agent states in PostgreSQL, one JSONB document per
// identity. It is an alternative to the file backend in package state.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nidhogg/agentvault/internal/state"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

// Store wraps a PostgreSQL connection pool.
type Store struct {
	db         *pgxpool.Pool
	logger     *zap.Logger
	quarantine bool
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithQuarantine controls whether untrustworthy rows are moved to
// agent_states_quarantine. When disabled they are left in place.
func WithQuarantine(enabled bool) Option {
	return func(s *Store) { s.quarantine = enabled }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store with a pgx connection pool.
func New(ctx context.Context, dsn string, logger *zap.Logger, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{db: pool, logger: logger, quarantine: true, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	logger.Info("PostgreSQL connected")
	return s, nil
}

// Migrate applies the embedded .up.sql files in name order. Every
// statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := fs.ReadFile(migrations, "migrations/"+f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.db.Close()
}

// Save upserts the state inside a transaction and stamps SavedAt. Payloads
// are always stored inline.
func (s *Store) Save(ctx context.Context, st *state.AgentState) error {
	if err := state.ValidateIdentity(st.Identity); err != nil {
		return err
	}
	st.Version = state.SchemaVersion
	st.SavedAt = s.now().UTC()

	doc, err := state.Marshal(st)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save %s: %w", st.Identity, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO agent_states (identity, version, document, tools, saved_at)
		VALUES ($1, $2, $3::jsonb, $4, $5)
		ON CONFLICT (identity) DO UPDATE SET
			version = EXCLUDED.version,
			document = EXCLUDED.document,
			tools = EXCLUDED.tools,
			saved_at = EXCLUDED.saved_at`,
		st.Identity, st.Version, string(doc), len(st.Tools), st.SavedAt,
	)
	if err != nil {
		return fmt.Errorf("save agent state %s: %w", st.Identity, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit agent state %s: %w", st.Identity, err)
	}
	s.logger.Debug("saved agent state", zap.String("identity", st.Identity), zap.Int("tools", len(st.Tools)))
	return nil
}

// Load returns state.ErrNotFound for a missing row and state.ErrCorrupt for
// a document that does not decode or names another identity.
func (s *Store) Load(ctx context.Context, identity string) (*state.AgentState, error) {
	if err := state.ValidateIdentity(identity); err != nil {
		return nil, err
	}
	var doc string
	err := s.db.QueryRow(ctx,
		`SELECT document::text FROM agent_states WHERE identity = $1`, identity).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, state.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load agent state %s: %w", identity, err)
	}

	st, err := state.Unmarshal([]byte(doc))
	if err == nil && st.Identity != identity {
		err = fmt.Errorf("%w: document names %q", state.ErrCorrupt, st.Identity)
	}
	if err != nil {
		s.logger.Warn("corrupt agent state", zap.String("identity", identity), zap.Error(err))
		if s.quarantine {
			if qerr := s.quarantineRow(ctx, identity, doc, err.Error()); qerr != nil {
				s.logger.Error("quarantine failed", zap.String("identity", identity), zap.Error(qerr))
			}
		}
		return nil, err
	}
	return st, nil
}

func (s *Store) quarantineRow(ctx context.Context, identity, doc, reason string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO agent_states_quarantine (identity, document, reason) VALUES ($1, $2, $3)`,
		identity, doc, reason); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM agent_states WHERE identity = $1`, identity); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.logger.Warn("quarantined agent state", zap.String("identity", identity))
	return nil
}

// Delete removes the row. Deleting a missing identity is not an error.
func (s *Store) Delete(ctx context.Context, identity string) error {
	if err := state.ValidateIdentity(identity); err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM agent_states WHERE identity = $1`, identity); err != nil {
		return fmt.Errorf("delete agent state %s: %w", identity, err)
	}
	return nil
}

// List returns the stored identities in sorted order.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT identity FROM agent_states ORDER BY identity`)
	if err != nil {
		return nil, fmt.Errorf("list agent states: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan agent states: %w", err)
	}
	return ids, nil
}

// Exists reports whether a row exists for identity.
func (s *Store) Exists(ctx context.Context, identity string) (bool, error) {
	if err := state.ValidateIdentity(identity); err != nil {
		return false, err
	}
	var ok bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM agent_states WHERE identity = $1)`, identity).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check agent state %s: %w", identity, err)
	}
	return ok, nil
}

// Quarantined returns how many documents have been set aside for identity.
func (s *Store) Quarantined(ctx context.Context, identity string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM agent_states_quarantine WHERE identity = $1`, identity).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count quarantined %s: %w", identity, err)
	}
	return n, nil
}

var _ state.Store = (*Store)(nil)
var _ state.Exister = (*Store)(nil)
