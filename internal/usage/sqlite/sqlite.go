// Package sqlite stores usage records in a SQLite database.
//
// Transactions are opened with BEGIN IMMEDIATE, so a read-modify-write holds
// the database write lock from its first read. This serialises reservations
// across goroutines and across processes sharing the file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/AlexKimmel/quotagate/internal/usage"
)

// Store is a SQLite-backed usage store and tier source.
type Store struct {
	db *sql.DB
}

var _ usage.Store = (*Store)(nil)

// Config configures the SQLite store.
type Config struct {
	// Path is the database file.
	Path string

	// BusyTimeout is how long to wait for the write lock.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// Open opens (and creates if needed) the database at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite: db path cannot be empty")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	dsn := cfg.Path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}

	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS usage_records (
		user_id TEXT PRIMARY KEY,
		period TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		is_pro INTEGER NOT NULL DEFAULT 0
	);
	`)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func load(ctx context.Context, q queryer, userID string) (usage.Record, bool, error) {
	var (
		rec       usage.Record
		updatedAt int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT period, count, updated_at FROM usage_records WHERE user_id = ?`, userID,
	).Scan(&rec.Period, &rec.Count, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return usage.Record{}, false, nil
	}
	if err != nil {
		return usage.Record{}, false, err
	}
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return rec, true, nil
}

func (s *Store) Get(ctx context.Context, userID string) (usage.Record, bool, error) {
	rec, found, err := load(ctx, s.db, userID)
	if err != nil {
		return usage.Record{}, false, fmt.Errorf("sqlite: get: %w", err)
	}
	return rec, found, nil
}

func (s *Store) Update(ctx context.Context, userID string, fn usage.UpdateFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	cur, found, err := load(ctx, tx, userID)
	if err != nil {
		return fmt.Errorf("sqlite: load: %w", err)
	}

	next, write, err := fn(cur, found)
	if err != nil {
		return err
	}
	if !write {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_records (user_id, period, count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			period = excluded.period,
			count = excluded.count,
			updated_at = excluded.updated_at
	`, userID, next.Period, next.Count, next.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite: write: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// IsPro reports the tier flag of userID. Unknown users are standard.
func (s *Store) IsPro(ctx context.Context, userID string) (bool, error) {
	var pro bool
	err := s.db.QueryRowContext(ctx, `SELECT is_pro FROM users WHERE id = ?`, userID).Scan(&pro)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite: is pro: %w", err)
	}
	return pro, nil
}

func (s *Store) SetPro(ctx context.Context, userID string, pro bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, is_pro) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET is_pro = excluded.is_pro
	`, userID, pro)
	if err != nil {
		return fmt.Errorf("sqlite: set pro: %w", err)
	}
	return nil
}
