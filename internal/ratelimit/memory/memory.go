package memory

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AlexKimmel/quotagate/internal/ratelimit"
)

type bucket struct {
	policy ratelimit.Policy
	lim    *rate.Limiter
}

// Limiter keeps one token bucket per key in process memory.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

func New() *Limiter {
	return &Limiter{buckets: make(map[string]*bucket)}
}

func (l *Limiter) Close() error { return nil }

func (l *Limiter) bucketFor(key string, p ratelimit.Policy) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || b.policy != p {
		b = &bucket{
			policy: p,
			lim:    rate.NewLimiter(rate.Limit(float64(p.RPM)/60), p.Burst),
		}
		l.buckets[key] = b
	}
	return b.lim
}

func (l *Limiter) Allow(_ context.Context, key string, p ratelimit.Policy, now time.Time) (ratelimit.Decision, error) {
	if p.RPM <= 0 || p.Burst <= 0 {
		return ratelimit.Decision{Allowed: true, Limit: 60, Remaining: 60, ResetUnixSec: 0}, nil
	}

	lim := l.bucketFor(key, p)
	allow := lim.AllowN(now, 1)

	tokens := math.Max(lim.TokensAt(now), 0)
	capacity := float64(p.Burst)

	// estimate reset time (to full)
	resetSec := now.Unix()
	if tokens < capacity {
		sec := (capacity - tokens) / (float64(p.RPM) / 60)
		resetSec = now.Add(time.Duration(sec * float64(time.Second))).Unix()
	}

	return ratelimit.Decision{
		Allowed:      allow,
		Limit:        p.RPM,
		Remaining:    int(tokens),
		ResetUnixSec: resetSec,
	}, nil
}
