package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Rollback outcomes reported to the rollback hook.
const (
	RollbackApplied = "applied"
	RollbackNoop    = "noop"
	RollbackFailed  = "failed"
)

// Reservation is a slot taken by ReserveSlot.
type Reservation struct {
	ID     string // for log correlation only
	UserID string
	Period string
	Count  int // usage after this reservation
}

// Ledger applies the quota rules on top of a Store.
type Ledger struct {
	store      Store
	now        func() time.Time
	log        zerolog.Logger
	onRollback func(result string)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the wall clock used for periods and timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger used to report swallowed rollback failures.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// WithRollbackHook registers a callback receiving every rollback outcome.
func WithRollbackHook(fn func(result string)) Option {
	return func(l *Ledger) { l.onRollback = fn }
}

// NewLedger creates a ledger over store.
func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		now:   time.Now,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CurrentPeriod returns the period token for the ledger's clock.
func (l *Ledger) CurrentPeriod() string {
	return CurrentPeriod(l.now())
}

// ReadCount returns the usage of userID in period. It takes no lock and is
// meant for display; only ReserveSlot decides whether a call may proceed.
func (l *Ledger) ReadCount(ctx context.Context, userID, period string) (int, error) {
	rec, found, err := l.store.Get(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("usage: read %s: %w", userID, err)
	}
	if !found {
		return 0, nil
	}
	return rec.CountIn(period), nil
}

// ReserveSlot takes one slot for userID in period, or returns ErrLimitReached
// when limit slots are already used. A record from an older period is
// overwritten, which is how the monthly reset happens.
func (l *Ledger) ReserveSlot(ctx context.Context, userID, period string, limit int) (Reservation, error) {
	var next int
	err := l.store.Update(ctx, userID, func(cur Record, found bool) (Record, bool, error) {
		count := 0
		if found {
			count = cur.CountIn(period)
		}
		if count >= limit {
			return Record{}, false, ErrLimitReached
		}
		next = count + 1
		return Record{Period: period, Count: next, UpdatedAt: l.now().UTC()}, true, nil
	})
	if errors.Is(err, ErrLimitReached) {
		return Reservation{}, ErrLimitReached
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("usage: reserve %s: %w", userID, err)
	}

	return Reservation{
		ID:     uuid.NewString(),
		UserID: userID,
		Period: period,
		Count:  next,
	}, nil
}

// RollbackSlot gives back one slot of userID in period. It is best effort:
// a missing record, a record of another period or a zero count is left alone,
// and store failures are logged and dropped.
func (l *Ledger) RollbackSlot(ctx context.Context, userID, period string) {
	applied := false
	err := l.store.Update(ctx, userID, func(cur Record, found bool) (Record, bool, error) {
		applied = false
		if !found || cur.Period != period || cur.Count <= 0 {
			return cur, false, nil
		}
		applied = true
		cur.Count--
		cur.UpdatedAt = l.now().UTC()
		return cur, true, nil
	})

	result := RollbackNoop
	switch {
	case err != nil:
		result = RollbackFailed
		l.log.Error().Err(err).
			Str("user_id", userID).
			Str("period", period).
			Msg("usage rollback failed")
	case applied:
		result = RollbackApplied
	}
	if l.onRollback != nil {
		l.onRollback(result)
	}
}
