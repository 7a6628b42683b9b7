// Package ratelimit admits or rejects requests per client key using
// fixed-window token buckets.
//
// Each bucket starts full. Whenever one or more whole windows have elapsed
// since the bucket's current window began, RefillTokens per elapsed window are
// added back, capped at Capacity. Buckets live in a sharded map bounded by
// MaxClients; the least recently used bucket of a full shard is evicted, and
// Sweep drops buckets idle for longer than IdleTTL. An evicted client simply
// starts over with a full bucket.
package ratelimit

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"
)

var ErrRateLimited = errors.New("rate limit exceeded")

type Config struct {
	Capacity     int           `env:"CAPACITY" envDefault:"100" validate:"gt=0"`
	RefillTokens int           `env:"REFILL_TOKENS" envDefault:"100" validate:"gt=0"`
	Window       time.Duration `env:"WINDOW" envDefault:"1m" validate:"gt=0"`
	IdleTTL      time.Duration `env:"IDLE_TTL" envDefault:"2m" validate:"gt=0"`
	MaxClients   int           `env:"MAX_CLIENTS" envDefault:"10000" validate:"gt=0"`
}

func DefaultConfig() Config {
	return Config{
		Capacity:     100,
		RefillTokens: 100,
		Window:       time.Minute,
		IdleTTL:      2 * time.Minute,
		MaxClients:   10000,
	}
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is how long until the next refill. Zero when Allowed.
	RetryAfter time.Duration
}

const maxShards = 64

type Limiter struct {
	cfg    Config
	shards []*bucketShard
	perCap int
	now    func() time.Time
}

type bucketShard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens      int
	windowStart time.Time
	lastAccess  time.Time
}

func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.RefillTokens <= 0 {
		cfg.RefillTokens = def.RefillTokens
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}

	n := min(maxShards, cfg.MaxClients)
	l := &Limiter{
		cfg:    cfg,
		shards: make([]*bucketShard, n),
		perCap: cfg.MaxClients / n,
		now:    time.Now,
	}
	for i := range l.shards {
		l.shards[i] = &bucketShard{buckets: make(map[string]*bucket)}
	}
	return l
}

func (l *Limiter) Config() Config {
	return l.cfg
}

func (l *Limiter) shard(key string) *bucketShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

// Allow consumes one token from key's bucket if one is available.
func (l *Limiter) Allow(key string) Decision {
	now := l.now()
	sh := l.shard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.buckets[key]
	if !ok {
		if len(sh.buckets) >= l.perCap {
			sh.evictOldestLocked()
		}
		b = &bucket{tokens: l.cfg.Capacity, windowStart: now}
		sh.buckets[key] = b
	}
	b.lastAccess = now
	l.refill(b, now)

	d := Decision{Limit: l.cfg.Capacity}
	if b.tokens > 0 {
		b.tokens--
		d.Allowed = true
		d.Remaining = b.tokens
		return d
	}
	d.RetryAfter = b.windowStart.Add(l.cfg.Window).Sub(now)
	return d
}

func (l *Limiter) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.windowStart)
	if elapsed < l.cfg.Window {
		return
	}
	windows := int64(elapsed / l.cfg.Window)
	b.windowStart = b.windowStart.Add(time.Duration(windows) * l.cfg.Window)

	added := int64(l.cfg.RefillTokens) * windows
	if added >= int64(l.cfg.Capacity-b.tokens) {
		b.tokens = l.cfg.Capacity
		return
	}
	b.tokens += int(added)
}

func (sh *bucketShard) evictOldestLocked() {
	var victim string
	var oldest time.Time
	found := false
	for k, b := range sh.buckets {
		if !found || b.lastAccess.Before(oldest) {
			victim, oldest, found = k, b.lastAccess, true
		}
	}
	if found {
		delete(sh.buckets, victim)
	}
}

// Sweep drops buckets that have not been used for IdleTTL and returns how
// many were removed.
func (l *Limiter) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		for k, b := range sh.buckets {
			if now.Sub(b.lastAccess) >= l.cfg.IdleTTL {
				delete(sh.buckets, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Clients returns the number of tracked buckets.
func (l *Limiter) Clients() int {
	n := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		n += len(sh.buckets)
		sh.mu.Unlock()
	}
	return n
}
