package tier_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/quotagate/internal/tier"
)

type resolverFunc func(ctx context.Context, userID string) (bool, error)

func (f resolverFunc) IsPro(ctx context.Context, userID string) (bool, error) { return f(ctx, userID) }

func TestLimitsFor(t *testing.T) {
	l := tier.Limits{Free: 3, Pro: 1000}
	assert.Equal(t, 3, l.For(false))
	assert.Equal(t, 1000, l.For(true))
	assert.Equal(t, "pro", tier.Name(true))
	assert.Equal(t, "free", tier.Name(false))
}

func TestStatic(t *testing.T) {
	s := tier.NewStatic("alice", "", "bob")
	ctx := context.Background()

	pro, err := s.IsPro(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, pro)

	pro, err = s.IsPro(ctx, "carol")
	require.NoError(t, err)
	assert.False(t, pro)

	pro, err = s.IsPro(ctx, "")
	require.NoError(t, err)
	assert.False(t, pro)
}

func TestAny(t *testing.T) {
	ctx := context.Background()
	calls := 0
	store := resolverFunc(func(_ context.Context, userID string) (bool, error) {
		calls++
		return userID == "bob", nil
	})
	r := tier.Any{tier.NewStatic("alice"), store}

	pro, err := r.IsPro(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, pro)
	assert.Equal(t, 0, calls, "static match short-circuits")

	pro, err = r.IsPro(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, pro)

	pro, err = r.IsPro(ctx, "carol")
	require.NoError(t, err)
	assert.False(t, pro)
}

func TestAny_Error(t *testing.T) {
	boom := errors.New("users table gone")
	r := tier.Any{resolverFunc(func(context.Context, string) (bool, error) { return false, boom })}

	_, err := r.IsPro(context.Background(), "u1")
	assert.ErrorIs(t, err, boom)
}
