//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/quotagate/internal/usage"
	quotapg "github.com/AlexKimmel/quotagate/internal/usage/postgres"
	"github.com/AlexKimmel/quotagate/internal/usage/usagetest"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/quotagate_test?sslmode=disable"
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	return pool
}

func tablePrefix(t *testing.T) string {
	name := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, strings.ToLower(t.Name()))
	return fmt.Sprintf("test_%s_", name)
}

// newTestStore uses a unique table prefix per test to avoid collisions.
// The pool is closed by Store.Close.
func newTestStore(t *testing.T) *quotapg.Store {
	t.Helper()
	pool := newTestPool(t)
	prefix := tablePrefix(t)
	s := quotapg.New(pool, quotapg.WithTablePrefix(prefix))

	ctx := context.Background()
	require.NoError(t, s.EnsureSchema(ctx))
	_, err := pool.Exec(ctx, fmt.Sprintf("TRUNCATE %susage, %susers", prefix, prefix))
	require.NoError(t, err)
	t.Cleanup(func() {
		cleanup := newTestPool(t)
		defer cleanup.Close()
		cleanup.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %susage, %susers", prefix, prefix))
	})
	return s
}

func TestStore(t *testing.T) {
	usagetest.Run(t, func(t *testing.T) usage.Store { return newTestStore(t) })
}

func TestProFlag(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	pro, err := s.IsPro(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, pro)

	require.NoError(t, s.SetPro(ctx, "u1", true))
	pro, err = s.IsPro(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, pro)
}
