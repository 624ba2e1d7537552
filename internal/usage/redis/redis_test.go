//go:build integration

package redis_test

import (
	"context"
	"os"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/quotagate/internal/usage"
	quotaredis "github.com/AlexKimmel/quotagate/internal/usage/redis"
	"github.com/AlexKimmel/quotagate/internal/usage/usagetest"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	return client
}

// newTestStore uses a unique prefix per test to avoid collisions.
// The client is closed by Store.Close.
func newTestStore(t *testing.T) *quotaredis.Store {
	t.Helper()
	client := newTestClient(t)
	prefix := "test:" + t.Name() + ":"
	wipe := func() {
		c := newTestClient(t)
		defer c.Close()
		ctx := context.Background()
		iter := c.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			c.Del(ctx, iter.Val())
		}
	}
	wipe()
	t.Cleanup(wipe)
	return quotaredis.New(client, quotaredis.WithKeyPrefix(prefix))
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
