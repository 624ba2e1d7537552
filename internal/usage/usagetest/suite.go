// Package usagetest runs the ledger rules against any usage.Store implementation.
package usagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/quotagate/internal/usage"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) usage.Store

var february = time.Date(2024, time.February, 10, 12, 0, 0, 0, time.UTC)

// Seed writes rec for userID through the store's own transaction.
func Seed(t *testing.T, s usage.Store, userID string, rec usage.Record) {
	t.Helper()
	err := s.Update(context.Background(), userID, func(usage.Record, bool) (usage.Record, bool, error) {
		return rec, true, nil
	})
	require.NoError(t, err)
}

func Run(t *testing.T, newStore Factory) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore) })
	t.Run("UpdateAbort", func(t *testing.T) { testUpdateAbort(t, newStore) })
	t.Run("ReserveUntilLimit", func(t *testing.T) { testReserveUntilLimit(t, newStore) })
	t.Run("ConcurrentReserve", func(t *testing.T) { testConcurrentReserve(t, newStore) })
	t.Run("RollbackAfterReserve", func(t *testing.T) { testRollbackAfterReserve(t, newStore) })
	t.Run("PeriodRollover", func(t *testing.T) { testPeriodRollover(t, newStore) })
	t.Run("RollbackNoop", func(t *testing.T) { testRollbackNoop(t, newStore) })
	t.Run("UsersIsolated", func(t *testing.T) { testUsersIsolated(t, newStore) })
}

func open(t *testing.T, newStore Factory) usage.Store {
	t.Helper()
	s := newStore(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newLedger(s usage.Store, hook func(string)) *usage.Ledger {
	opts := []usage.Option{usage.WithClock(func() time.Time { return february })}
	if hook != nil {
		opts = append(opts, usage.WithRollbackHook(hook))
	}
	return usage.NewLedger(s, opts...)
}

func testGetMissing(t *testing.T, newStore Factory) {
	s := open(t, newStore)

	_, found, err := s.Get(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, found)
}

func testUpdateAbort(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Update(ctx, "u1", func(usage.Record, bool) (usage.Record, bool, error) {
		return usage.Record{Period: "2024-02", Count: 9}, true, boom
	})
	assert.ErrorIs(t, err, boom)

	_, found, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, found, "aborted update must not write")
}

func testReserveUntilLimit(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	l := newLedger(s, nil)
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		res, err := l.ReserveSlot(ctx, "u1", "2024-02", 3)
		require.NoError(t, err)
		assert.Equal(t, want, res.Count)
		assert.NotEmpty(t, res.ID)
	}

	_, err := l.ReserveSlot(ctx, "u1", "2024-02", 3)
	assert.ErrorIs(t, err, usage.ErrLimitReached)

	used, err := l.ReadCount(ctx, "u1", "2024-02")
	require.NoError(t, err)
	assert.Equal(t, 3, used)

	rec, found, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2024-02", rec.Period)
	assert.Equal(t, 3, rec.Count)
	assert.False(t, rec.UpdatedAt.IsZero())
}

func testConcurrentReserve(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	l := newLedger(s, nil)
	ctx := context.Background()

	const (
		limit   = 5
		callers = 40
	)
	var reserved, limited atomic.Int64
	var wg sync.WaitGroup
	errs := make(chan error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.ReserveSlot(ctx, "hot", "2024-02", limit)
			switch {
			case err == nil:
				reserved.Add(1)
			case errors.Is(err, usage.ErrLimitReached):
				limited.Add(1)
			default:
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("reserve: %v", err)
	}
	assert.Equal(t, int64(limit), reserved.Load())
	assert.Equal(t, int64(callers-limit), limited.Load())

	used, err := l.ReadCount(ctx, "hot", "2024-02")
	require.NoError(t, err)
	assert.Equal(t, limit, used)
}

func testRollbackAfterReserve(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	var results []string
	l := newLedger(s, func(r string) { results = append(results, r) })
	ctx := context.Background()

	_, err := l.ReserveSlot(ctx, "u1", "2024-02", 10)
	require.NoError(t, err)
	res, err := l.ReserveSlot(ctx, "u1", "2024-02", 10)
	require.NoError(t, err)
	require.Equal(t, 2, res.Count)

	l.RollbackSlot(ctx, res.UserID, res.Period)

	used, err := l.ReadCount(ctx, "u1", "2024-02")
	require.NoError(t, err)
	assert.Equal(t, 1, used)
	assert.Equal(t, []string{usage.RollbackApplied}, results)
}

func testPeriodRollover(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	l := newLedger(s, nil)
	ctx := context.Background()

	Seed(t, s, "u1", usage.Record{Period: "2024-01", Count: 3, UpdatedAt: february.AddDate(0, -1, 0)})

	period := l.CurrentPeriod()
	require.Equal(t, "2024-02", period)

	used, err := l.ReadCount(ctx, "u1", period)
	require.NoError(t, err)
	assert.Equal(t, 0, used)

	res, err := l.ReserveSlot(ctx, "u1", period, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)

	rec, found, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2024-02", rec.Period)
	assert.Equal(t, 1, rec.Count)
}

func testRollbackNoop(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	var results []string
	l := newLedger(s, func(r string) { results = append(results, r) })
	ctx := context.Background()

	// No record at all.
	l.RollbackSlot(ctx, "ghost", "2024-02")
	_, found, err := s.Get(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, found)

	// Record from the previous month stays as it was.
	old := usage.Record{Period: "2024-01", Count: 2, UpdatedAt: february.AddDate(0, -1, 0)}
	Seed(t, s, "u1", old)
	l.RollbackSlot(ctx, "u1", "2024-02")
	rec, _, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "2024-01", rec.Period)
	assert.Equal(t, 2, rec.Count)
	assert.True(t, old.UpdatedAt.Equal(rec.UpdatedAt))

	// Zero count is not decremented below zero.
	Seed(t, s, "u2", usage.Record{Period: "2024-02", Count: 0, UpdatedAt: february})
	l.RollbackSlot(ctx, "u2", "2024-02")
	rec, _, err = s.Get(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Count)

	assert.Equal(t, []string{usage.RollbackNoop, usage.RollbackNoop, usage.RollbackNoop}, results)
}

func testUsersIsolated(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	l := newLedger(s, nil)
	ctx := context.Background()

	_, err := l.ReserveSlot(ctx, "alice", "2024-02", 1)
	require.NoError(t, err)
	_, err = l.ReserveSlot(ctx, "bob", "2024-02", 1)
	require.NoError(t, err)

	_, err = l.ReserveSlot(ctx, "alice", "2024-02", 1)
	assert.ErrorIs(t, err, usage.ErrLimitReached)
}
