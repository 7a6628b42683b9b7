package worker

import (
	"context"
	"time"

	"github.com/BuzzLyutic/kanban-api/internal/cache"
	"github.com/BuzzLyutic/kanban-api/internal/ratelimit"
)

// BucketEviction drops rate-limit buckets that have been idle past the
// limiter's IdleTTL.
func BucketEviction(l *ratelimit.Limiter, interval time.Duration) Job {
	return Job{
		Name:     "ratelimit-sweep",
		Interval: interval,
		Run: func(_ context.Context, now time.Time) (int, error) {
			return l.Sweep(now), nil
		},
	}
}

// CacheSweep removes expired and invalidated cache entries.
func CacheSweep(c *cache.Cache, interval time.Duration) Job {
	return Job{
		Name:     "cache-sweep",
		Interval: interval,
		Run: func(_ context.Context, now time.Time) (int, error) {
			return c.Sweep(now), nil
		},
	}
}
