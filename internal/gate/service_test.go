package gate_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/quotagate/internal/gate"
	"github.com/AlexKimmel/quotagate/internal/obs"
	"github.com/AlexKimmel/quotagate/internal/tier"
	"github.com/AlexKimmel/quotagate/internal/usage"
	"github.com/AlexKimmel/quotagate/internal/usage/memory"
)

var msgs = json.RawMessage(`[{"role":"user","content":"fill the form"}]`)

var fixedNow = time.Date(2024, time.March, 14, 12, 0, 0, 0, time.UTC)

type fakeCaller struct {
	calls   atomic.Int32
	content string
	err     error
	got     json.RawMessage
}

func (f *fakeCaller) Complete(_ context.Context, messages json.RawMessage) (string, error) {
	f.calls.Add(1)
	f.got = messages
	return f.content, f.err
}

type resolverFunc func(ctx context.Context, userID string) (bool, error)

func (f resolverFunc) IsPro(ctx context.Context, userID string) (bool, error) { return f(ctx, userID) }

// failingUpdates passes reads through and fails every Update after the first n.
type failingUpdates struct {
	usage.Store
	allowed atomic.Int32
}

func (f *failingUpdates) Update(ctx context.Context, userID string, fn usage.UpdateFunc) error {
	if f.allowed.Add(-1) < 0 {
		return errors.New("store unavailable")
	}
	return f.Store.Update(ctx, userID, fn)
}

type env struct {
	store   *memory.Store
	ledger  *usage.Ledger
	caller  *fakeCaller
	metrics *obs.Metrics
	svc     *gate.Service
}

func newEnv(t *testing.T, store usage.Store, tiers tier.Resolver, opts ...usage.Option) *env {
	t.Helper()
	e := &env{caller: &fakeCaller{content: `{"name":"Ada"}`}}
	if store == nil {
		e.store = memory.New()
		store = e.store
	}
	if tiers == nil {
		tiers = tier.NewStatic("pro-user")
	}
	e.metrics = obs.NewMetrics(prometheus.NewRegistry())
	opts = append([]usage.Option{
		usage.WithClock(func() time.Time { return fixedNow }),
		usage.WithRollbackHook(e.metrics.ObserveRollback),
	}, opts...)
	e.ledger = usage.NewLedger(store, opts...)
	e.svc = gate.NewService(e.ledger, tiers, tier.Limits{Free: 3, Pro: 1000}, e.caller,
		gate.WithMetrics(e.metrics))
	return e
}

func TestPreflight_NewUser(t *testing.T) {
	e := newEnv(t, nil, nil)

	u, err := e.svc.Preflight(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, gate.Usage{IsPro: false, Used: 0, Limit: 3, Period: "2024-03"}, u)

	_, found, err := e.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, found, "preflight must not create a record")
}

func TestPreflight_StalePeriodReadsZero(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.store.Put("u1", usage.Record{Period: "2024-02", Count: 3})

	u, err := e.svc.Preflight(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, u.Used)

	rec, _, err := e.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "2024-02", rec.Period, "preflight must not rewrite the record")
}

func TestPreflight_Pro(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.store.Put("pro-user", usage.Record{Period: "2024-03", Count: 42})

	u, err := e.svc.Preflight(context.Background(), "pro-user")
	require.NoError(t, err)
	assert.Equal(t, gate.Usage{IsPro: true, Used: 42, Limit: 1000, Period: "2024-03"}, u)
}

func TestUnauthenticated(t *testing.T) {
	e := newEnv(t, nil, nil)

	_, err := e.svc.Preflight(context.Background(), "")
	assert.Equal(t, gate.Unauthenticated, gate.KindOf(err))

	_, err = e.svc.Ask(context.Background(), "", msgs)
	assert.Equal(t, gate.Unauthenticated, gate.KindOf(err))
	assert.Zero(t, e.caller.calls.Load())
}

func TestAsk_InvalidMessages(t *testing.T) {
	e := newEnv(t, nil, nil)

	for _, raw := range []string{"", "null", `{"role":"user"}`, `"hi"`, `[{"role":`} {
		_, err := e.svc.Ask(context.Background(), "u1", json.RawMessage(raw))
		require.Error(t, err, raw)
		assert.Equal(t, gate.InvalidArgument, gate.KindOf(err), raw)
		assert.Equal(t, "messages must be an array", gate.Message(err))
	}
	assert.Zero(t, e.caller.calls.Load())

	_, found, err := e.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAsk_EmptyArrayIsForwarded(t *testing.T) {
	e := newEnv(t, nil, nil)

	res, err := e.svc.Ask(context.Background(), "u1", json.RawMessage(`[]`))
	require.NoError(t, err)
	assert.Equal(t, gate.TypeAutofill, res.Type)
	assert.JSONEq(t, `[]`, string(e.caller.got))
}

func TestAsk_FreeUserExhaustsQuota(t *testing.T) {
	e := newEnv(t, nil, nil)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := e.svc.Ask(ctx, "u1", msgs)
		require.NoError(t, err)
		assert.Equal(t, gate.TypeAutofill, res.Type)
		assert.Equal(t, `{"name":"Ada"}`, res.Content)
		assert.Equal(t, gate.Usage{IsPro: false, Used: i, Limit: 3}, res.Usage)
	}

	res, err := e.svc.Ask(ctx, "u1", msgs)
	require.NoError(t, err)
	assert.Equal(t, gate.TypeLimitReached, res.Type)
	assert.Empty(t, res.Content)
	assert.Equal(t, gate.Usage{IsPro: false, Used: 3, Limit: 3}, res.Usage)
	assert.EqualValues(t, 3, e.caller.calls.Load(), "upstream must not be called past the limit")

	assert.Equal(t, 3.0, testutil.ToFloat64(e.metrics.Reservations.WithLabelValues("free", "reserved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Reservations.WithLabelValues("free", "limit_reached")))
}

func TestAsk_ForwardsMessagesVerbatim(t *testing.T) {
	e := newEnv(t, nil, nil)

	_, err := e.svc.Ask(context.Background(), "u1", msgs)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(msgs, e.caller.got))
}

func TestAsk_NewPeriodResets(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.store.Put("u1", usage.Record{Period: "2024-02", Count: 3})

	res, err := e.svc.Ask(context.Background(), "u1", msgs)
	require.NoError(t, err)
	assert.Equal(t, gate.TypeAutofill, res.Type)
	assert.Equal(t, 1, res.Usage.Used)

	rec, _, err := e.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, usage.Record{Period: "2024-03", Count: 1, UpdatedAt: fixedNow}, rec)
}

func TestAsk_UpstreamFailureRollsBack(t *testing.T) {
	e := newEnv(t, nil, nil)
	ctx := context.Background()
	e.store.Put("u1", usage.Record{Period: "2024-03", Count: 1})
	e.caller.err = errors.New("upstream error 503: overloaded")

	_, err := e.svc.Ask(ctx, "u1", msgs)
	require.Error(t, err)
	assert.Equal(t, gate.Internal, gate.KindOf(err))
	assert.Equal(t, "upstream error 503: overloaded", gate.Message(err))

	used, err := e.ledger.ReadCount(ctx, "u1", "2024-03")
	require.NoError(t, err)
	assert.Equal(t, 1, used, "the reserved slot must be given back")
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Rollbacks.WithLabelValues(usage.RollbackApplied)))
	assert.Equal(t, 1, testutil.CollectAndCount(e.metrics.UpstreamDuration))
}

func TestAsk_RollbackSurvivesCancelledRequest(t *testing.T) {
	e := newEnv(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	caller := &cancellingCaller{cancel: cancel, err: errors.New("client went away")}
	svc := gate.NewService(e.ledger, tier.NewStatic(), tier.Limits{Free: 3, Pro: 10}, caller)

	_, err := svc.Ask(ctx, "u1", msgs)
	require.Error(t, err)

	used, err := e.ledger.ReadCount(context.Background(), "u1", "2024-03")
	require.NoError(t, err)
	assert.Zero(t, used)
}

type cancellingCaller struct {
	cancel context.CancelFunc
	err    error
}

func (c *cancellingCaller) Complete(context.Context, json.RawMessage) (string, error) {
	c.cancel()
	return "", c.err
}

func TestAsk_RollbackFailureIsSwallowed(t *testing.T) {
	store := &failingUpdates{Store: memory.New()}
	store.allowed.Store(1)
	var buf bytes.Buffer

	e := newEnv(t, store, nil, usage.WithLogger(zerolog.New(&buf)))
	e.caller.err = errors.New("upstream error 500: boom")

	_, err := e.svc.Ask(context.Background(), "u1", msgs)
	require.Error(t, err)
	assert.Equal(t, "upstream error 500: boom", gate.Message(err), "the upstream error wins over the rollback error")
	assert.Contains(t, buf.String(), "usage rollback failed")
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Rollbacks.WithLabelValues(usage.RollbackFailed)))

	used, err := e.ledger.ReadCount(context.Background(), "u1", "2024-03")
	require.NoError(t, err)
	assert.Equal(t, 1, used, "a failed rollback leaves the slot consumed")
}

func TestAsk_ReserveFailure(t *testing.T) {
	store := &failingUpdates{Store: memory.New()}
	e := newEnv(t, store, nil)

	_, err := e.svc.Ask(context.Background(), "u1", msgs)
	require.Error(t, err)
	assert.Equal(t, gate.Internal, gate.KindOf(err))
	assert.Zero(t, e.caller.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Reservations.WithLabelValues("free", "error")))
}

func TestTierResolutionFailure(t *testing.T) {
	tiers := resolverFunc(func(context.Context, string) (bool, error) {
		return false, errors.New("users table unreachable")
	})
	e := newEnv(t, nil, tiers)

	_, err := e.svc.Preflight(context.Background(), "u1")
	assert.Equal(t, gate.Internal, gate.KindOf(err))

	_, err = e.svc.Ask(context.Background(), "u1", msgs)
	assert.Equal(t, gate.Internal, gate.KindOf(err))
	assert.Zero(t, e.caller.calls.Load())
}

func TestAsk_ConcurrentCallsNeverExceedLimit(t *testing.T) {
	e := newEnv(t, nil, nil)

	var (
		wg      sync.WaitGroup
		granted atomic.Int32
		denied  atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.svc.Ask(context.Background(), "u1", msgs)
			if !assert.NoError(t, err) {
				return
			}
			switch res.Type {
			case gate.TypeAutofill:
				granted.Add(1)
			case gate.TypeLimitReached:
				denied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 3, granted.Load())
	assert.EqualValues(t, 17, denied.Load())
	assert.EqualValues(t, 3, e.caller.calls.Load())
}

func TestAsk_ProLimit(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.store.Put("pro-user", usage.Record{Period: "2024-03", Count: 999})

	res, err := e.svc.Ask(context.Background(), "pro-user", msgs)
	require.NoError(t, err)
	assert.Equal(t, gate.Usage{IsPro: true, Used: 1000, Limit: 1000}, res.Usage)

	res, err = e.svc.Ask(context.Background(), "pro-user", msgs)
	require.NoError(t, err)
	assert.Equal(t, gate.TypeLimitReached, res.Type)
}

func TestErrorFormatting(t *testing.T) {
	err := &gate.Error{Kind: gate.Internal, Msg: "could not read usage", Err: errors.New("io")}
	assert.Equal(t, "internal: could not read usage: io", err.Error())
	assert.Equal(t, "internal error", gate.Message(errors.New("raw")))
	assert.Equal(t, gate.Internal, gate.KindOf(errors.New("raw")))
	assert.Equal(t, "invalid_argument", gate.InvalidArgument.String())
}
