// Package tier decides which monthly limit applies to a user.
package tier

import (
	"context"
	"fmt"
)

// Resolver reports whether a user has the privileged (pro) limit.
type Resolver interface {
	IsPro(ctx context.Context, userID string) (bool, error)
}

// Limits holds the monthly slot count of each tier.
type Limits struct {
	Free int
	Pro  int
}

// For returns the limit of the given tier.
func (l Limits) For(isPro bool) int {
	if isPro {
		return l.Pro
	}
	return l.Free
}

// Name is the metric/log label of a tier.
func Name(isPro bool) string {
	if isPro {
		return "pro"
	}
	return "free"
}

// Static is a fixed set of pro user ids.
type Static map[string]struct{}

func NewStatic(ids ...string) Static {
	s := make(Static, len(ids))
	for _, id := range ids {
		if id != "" {
			s[id] = struct{}{}
		}
	}
	return s
}

func (s Static) IsPro(_ context.Context, userID string) (bool, error) {
	_, ok := s[userID]
	return ok, nil
}

// Any is pro when any of its resolvers says so. Resolvers are asked in order
// and the first error stops the lookup.
type Any []Resolver

func (a Any) IsPro(ctx context.Context, userID string) (bool, error) {
	for _, r := range a {
		pro, err := r.IsPro(ctx, userID)
		if err != nil {
			return false, fmt.Errorf("tier: %w", err)
		}
		if pro {
			return true, nil
		}
	}
	return false, nil
}
