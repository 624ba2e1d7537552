// Package postgres provides a PostgreSQL-backed usage store.
//
// Every Update runs in one transaction that first takes a transaction-scoped
// advisory lock on the user id. The lock also covers users without a row yet,
// which SELECT ... FOR UPDATE alone cannot, so two first reservations of the
// same user cannot both read "absent".
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AlexKimmel/quotagate/internal/usage"
)

// Store is a PostgreSQL-backed usage store and tier source.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ usage.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "quotagate_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a store on an existing pool. Call EnsureSchema before use.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "quotagate_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens a pool for dsn, checks it and ensures the schema.
func Connect(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := New(pool, opts...)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) usageTable() string { return s.tablePrefix + "usage" }
func (s *Store) usersTable() string { return s.tablePrefix + "users" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			user_id TEXT PRIMARY KEY,
			period TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			is_pro BOOLEAN NOT NULL DEFAULT false
		);
	`, s.usageTable(), s.usersTable())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Get(ctx context.Context, userID string) (usage.Record, bool, error) {
	var rec usage.Record
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT period, count, updated_at FROM %s WHERE user_id = $1`, s.usageTable()),
		userID,
	).Scan(&rec.Period, &rec.Count, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return usage.Record{}, false, nil
	}
	if err != nil {
		return usage.Record{}, false, fmt.Errorf("postgres: get: %w", err)
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, true, nil
}

func (s *Store) Update(ctx context.Context, userID string, fn usage.UpdateFunc) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, s.usageTable()+":"+userID); err != nil {
		return fmt.Errorf("postgres: lock: %w", err)
	}

	var cur usage.Record
	found := true
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT period, count, updated_at FROM %s WHERE user_id = $1 FOR UPDATE`, s.usageTable()),
		userID,
	).Scan(&cur.Period, &cur.Count, &cur.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		found = false
		cur = usage.Record{}
	} else if err != nil {
		return fmt.Errorf("postgres: load: %w", err)
	}

	next, write, err := fn(cur, found)
	if err != nil {
		return err
	}
	if !write {
		return nil
	}

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (user_id, period, count, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id) DO UPDATE SET period = $2, count = $3, updated_at = $4`,
			s.usageTable()),
		userID, next.Period, next.Count, next.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: write: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// IsPro reports the tier flag of userID. Unknown users are standard.
func (s *Store) IsPro(ctx context.Context, userID string) (bool, error) {
	var pro bool
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT is_pro FROM %s WHERE id = $1`, s.usersTable()),
		userID,
	).Scan(&pro)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: is pro: %w", err)
	}
	return pro, nil
}

func (s *Store) SetPro(ctx context.Context, userID string, pro bool) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, is_pro) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET is_pro = $2`, s.usersTable()),
		userID, pro,
	)
	if err != nil {
		return fmt.Errorf("postgres: set pro: %w", err)
	}
	return nil
}
