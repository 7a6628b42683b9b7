// Package cache is a read-through memoization layer over the task store.
//
// Entries are never the source of truth. Every load snapshots two
// generation counters before calling the loader (the owning shard's and the
// key namespace's) and the result is stored only if neither moved in the
// meantime. An invalidation that lands while a load is in flight therefore
// can never be overwritten by the value that load produces.
package cache

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Key identifies an entry. Namespace groups keys that are invalidated
// together.
type Key struct {
	Namespace string
	ID        string
}

func (k Key) String() string {
	return k.Namespace + ":" + k.ID
}

type Config struct {
	Shards             int `env:"SHARDS" envDefault:"32" validate:"gt=0"`
	MaxEntriesPerShard int `env:"MAX_ENTRIES_PER_SHARD" envDefault:"1024" validate:"gt=0"`
	// TTL bounds how long an entry may be served. Zero disables expiry.
	TTL time.Duration `env:"TTL" envDefault:"0s" validate:"gte=0"`
}

func DefaultConfig() Config {
	return Config{
		Shards:             32,
		MaxEntriesPerShard: 1024,
	}
}

type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
}

type Cache struct {
	shards []*shard
	cfg    Config
	now    func() time.Time

	namespaces sync.Map // string -> *atomic.Uint64
	flight     singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64
}

type shard struct {
	mu      sync.RWMutex
	gen     uint64
	entries map[Key]*entry
}

type entry struct {
	value      any
	nsGen      uint64
	storedAt   time.Time
	lastAccess atomic.Int64
}

func New(cfg Config) *Cache {
	def := DefaultConfig()
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.MaxEntriesPerShard <= 0 {
		cfg.MaxEntriesPerShard = def.MaxEntriesPerShard
	}
	c := &Cache{
		shards: make([]*shard, cfg.Shards),
		cfg:    cfg,
		now:    time.Now,
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[Key]*entry)}
	}
	return c
}

func (c *Cache) shard(key Key) *shard {
	h := fnv.New32a()
	h.Write([]byte(key.Namespace))
	h.Write([]byte{0})
	h.Write([]byte(key.ID))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

func (c *Cache) namespaceGen(ns string) *atomic.Uint64 {
	if v, ok := c.namespaces.Load(ns); ok {
		return v.(*atomic.Uint64)
	}
	v, _ := c.namespaces.LoadOrStore(ns, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

func (c *Cache) expired(e *entry, now time.Time) bool {
	return c.cfg.TTL > 0 && now.Sub(e.storedAt) >= c.cfg.TTL
}

// GetOrLoad returns the cached value for key, or calls loader and caches
// its result. Concurrent misses on the same key and generation share one
// loader call. Loader errors are returned and never cached.
func (c *Cache) GetOrLoad(ctx context.Context, key Key, loader func(ctx context.Context) (any, error)) (any, error) {
	nsGen := c.namespaceGen(key.Namespace).Load()
	sh := c.shard(key)
	now := c.now()

	sh.mu.RLock()
	e, ok := sh.entries[key]
	shardGen := sh.gen
	sh.mu.RUnlock()

	if ok && e.nsGen == nsGen && !c.expired(e, now) {
		e.lastAccess.Store(now.UnixNano())
		c.hits.Add(1)
		return e.value, nil
	}
	c.misses.Add(1)

	flightKey := fmt.Sprintf("%s|%d|%d", key, shardGen, nsGen)
	ch := c.flight.DoChan(flightKey, func() (any, error) {
		// The load is shared, so one caller giving up must not fail the rest.
		v, err := loader(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.storeIfCurrent(sh, key, v, shardGen, nsGen)
		return v, nil
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) storeIfCurrent(sh *shard, key Key, v any, shardGen, nsGen uint64) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if sh.gen != shardGen || c.namespaceGen(key.Namespace).Load() != nsGen {
		return
	}
	if _, exists := sh.entries[key]; !exists && len(sh.entries) >= c.cfg.MaxEntriesPerShard {
		c.evictOneLocked(sh)
	}

	now := c.now()
	e := &entry{value: v, nsGen: nsGen, storedAt: now}
	e.lastAccess.Store(now.UnixNano())
	sh.entries[key] = e
}

// evictOneLocked drops an entry from a stale namespace generation if there
// is one, otherwise the least recently accessed entry.
func (c *Cache) evictOneLocked(sh *shard) {
	var victim Key
	var oldest int64
	found := false
	for k, e := range sh.entries {
		if e.nsGen != c.namespaceGen(k.Namespace).Load() {
			delete(sh.entries, k)
			return
		}
		if at := e.lastAccess.Load(); !found || at < oldest {
			victim, oldest, found = k, at, true
		}
	}
	if found {
		delete(sh.entries, victim)
	}
}

// Invalidate removes key. Loads of any key in the same shard that started
// before this call will not be stored.
func (c *Cache) Invalidate(key Key) {
	sh := c.shard(key)
	sh.mu.Lock()
	sh.gen++
	delete(sh.entries, key)
	sh.mu.Unlock()
}

// InvalidateNamespace makes every entry under ns unreachable. Stale entries
// are reclaimed by eviction or Sweep.
func (c *Cache) InvalidateNamespace(ns string) {
	c.namespaceGen(ns).Add(1)
}

// Sweep removes expired entries and entries of invalidated namespaces and
// returns how many were removed.
func (c *Cache) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if c.expired(e, now) || e.nsGen != c.namespaceGen(k.Namespace).Load() {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (c *Cache) Stats() Stats {
	s := Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
	for _, sh := range c.shards {
		sh.mu.RLock()
		s.Entries += len(sh.entries)
		sh.mu.RUnlock()
	}
	return s
}

// Load is GetOrLoad for a concrete value type.
func Load[V any](ctx context.Context, c *Cache, key Key, loader func(ctx context.Context) (V, error)) (V, error) {
	v, err := c.GetOrLoad(ctx, key, func(ctx context.Context) (any, error) {
		return loader(ctx)
	})
	if err != nil {
		var zero V
		return zero, err
	}
	typed, ok := v.(V)
	if !ok {
		var zero V
		return zero, fmt.Errorf("cache: value for %s has type %T", key, v)
	}
	return typed, nil
}
