// Package redis provides a Redis-backed usage store.
//
// Records are hashes read under WATCH and written in MULTI/EXEC. When another
// client touches the key first, EXEC fails and the whole read-modify-write is
// retried with exponential backoff. This makes it safe for multi-instance
// deployments.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	goredis "github.com/redis/go-redis/v9"

	"github.com/AlexKimmel/quotagate/internal/usage"
)

// Store is a Redis-backed usage store and tier source.
type Store struct {
	client     goredis.UniversalClient
	keyPrefix  string
	maxRetries uint64
}

var _ usage.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "quotagate:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithMaxRetries bounds the retries of a conflicting transaction (default 50).
func WithMaxRetries(n uint64) Option {
	return func(s *Store) { s.maxRetries = n }
}

// New creates a store on a connected client.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:     client,
		keyPrefix:  "quotagate:",
		maxRetries: 50,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Connect opens a client and checks the connection.
func Connect(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: connect: %w", err)
	}
	return New(client, opts...), nil
}

func (s *Store) usageKey(userID string) string { return s.keyPrefix + "usage:" + userID }
func (s *Store) userKey(userID string) string  { return s.keyPrefix + "user:" + userID }

func (s *Store) Close() error {
	return s.client.Close()
}

func decode(vals map[string]string) (usage.Record, bool, error) {
	if len(vals) == 0 {
		return usage.Record{}, false, nil
	}
	count, err := strconv.Atoi(vals["count"])
	if err != nil {
		return usage.Record{}, false, fmt.Errorf("bad count %q: %w", vals["count"], err)
	}
	rec := usage.Record{Period: vals["period"], Count: count}
	if ms, err := strconv.ParseInt(vals["updated_at"], 10, 64); err == nil {
		rec.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return rec, true, nil
}

func (s *Store) Get(ctx context.Context, userID string) (usage.Record, bool, error) {
	vals, err := s.client.HGetAll(ctx, s.usageKey(userID)).Result()
	if err != nil {
		return usage.Record{}, false, fmt.Errorf("redis: get: %w", err)
	}
	rec, found, err := decode(vals)
	if err != nil {
		return usage.Record{}, false, fmt.Errorf("redis: get: %w", err)
	}
	return rec, found, nil
}

func (s *Store) Update(ctx context.Context, userID string, fn usage.UpdateFunc) error {
	key := s.usageKey(userID)

	txf := func(tx *goredis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("redis: load: %w", err)
		}
		cur, found, err := decode(vals)
		if err != nil {
			return fmt.Errorf("redis: load: %w", err)
		}

		next, write, err := fn(cur, found)
		if err != nil || !write {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"period", next.Period,
				"count", next.Count,
				"updated_at", next.UpdatedAt.UnixMilli(),
			)
			return nil
		})
		return err
	}

	op := func() error {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, s.maxRetries), ctx))
	if errors.Is(err, goredis.TxFailedErr) {
		return fmt.Errorf("redis: update %s: too much contention: %w", userID, err)
	}
	return err
}

// IsPro reports the tier flag of userID. Unknown users are standard.
func (s *Store) IsPro(ctx context.Context, userID string) (bool, error) {
	v, err := s.client.HGet(ctx, s.userKey(userID), "is_pro").Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis: is pro: %w", err)
	}
	return v == "1", nil
}

func (s *Store) SetPro(ctx context.Context, userID string, pro bool) error {
	v := "0"
	if pro {
		v = "1"
	}
	if err := s.client.HSet(ctx, s.userKey(userID), "is_pro", v).Err(); err != nil {
		return fmt.Errorf("redis: set pro: %w", err)
	}
	return nil
}
