// Package usage keeps the per-user monthly usage count that gates upstream calls.
//
// A Record is only meaningful for the period it was written in. Nothing resets
// records in the background: every read and every write compares the stored
// period with the current one and treats a stale record as zero usage.
package usage

import (
	"context"
	"errors"
	"time"
)

// ErrLimitReached is returned by ReserveSlot when the user has no slot left in the period.
var ErrLimitReached = errors.New("usage: limit reached")

// Record is the stored usage document of one user.
type Record struct {
	Period    string
	Count     int
	UpdatedAt time.Time
}

// CountIn returns the number of slots consumed in period.
func (r Record) CountIn(period string) int {
	if r.Period != period || r.Count < 0 {
		return 0
	}
	return r.Count
}

// UpdateFunc computes the next record from the current one.
// found is false when the user has no record yet. Returning write=false
// leaves the record untouched; a non-nil error aborts the transaction and is
// handed back by Store.Update unchanged.
type UpdateFunc func(cur Record, found bool) (next Record, write bool, err error)

// Store is a transactional document store of usage records keyed by user id.
type Store interface {
	// Get reads the record without locking. found is false if none exists.
	Get(ctx context.Context, userID string) (rec Record, found bool, err error)

	// Update runs fn and applies its result as one atomic read-modify-write.
	// Concurrent updates of the same user never interleave. Backends with
	// optimistic transactions retry fn on conflicts, so fn may run more than once.
	Update(ctx context.Context, userID string, fn UpdateFunc) error

	Close() error
}
