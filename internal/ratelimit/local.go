package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Local keeps one in-process token bucket per key. Buckets idle for longer
// than the eviction window are dropped.
type Local struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*localBucket
	swept   time.Time
}

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocal creates a per-key limiter refilling refillPerSecond tokens up to
// capacity.
func NewLocal(capacity int, refillPerSecond float64) *Local {
	if capacity <= 0 {
		capacity = 1
	}
	return &Local{
		limit:   rate.Limit(refillPerSecond),
		burst:   capacity,
		idle:    10 * time.Minute,
		now:     time.Now,
		buckets: make(map[string]*localBucket),
	}
}

func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.swept) > l.idle {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > l.idle {
				delete(l.buckets, k)
			}
		}
		l.swept = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &localBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1), nil
}

// Unlimited admits everything.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, error) { return true, nil }

var (
	_ Limiter = (*TokenBucket)(nil)
	_ Limiter = (*Local)(nil)
	_ Limiter = Unlimited{}
)
