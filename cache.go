package authz

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
)

// CacheConfig tunes the decision cache. Zero values pick the defaults.
type CacheConfig struct {
	// NumCounters sizes ristretto's frequency sketch; ~10x MaxEntries.
	NumCounters int64
	// MaxEntries bounds how many permission sets are held (cost 1 each).
	MaxEntries int64
	// BufferItems is ristretto's Set buffer size.
	BufferItems int64
	// TTL bounds staleness for users whose grants change behind the
	// engine's back (e.g. another process writing the same store).
	TTL time.Duration
}

func (c CacheConfig) withDefaults() CacheConfig {
	if c.NumCounters <= 0 {
		c.NumCounters = 100_000
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 10_000
	}
	if c.BufferItems <= 0 {
		c.BufferItems = 64
	}
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
	return c
}

// PermissionCache holds resolved per-user permission sets on top of
// ristretto.
//
// Ristretto applies Sets through an internal buffer, so a plain Del cannot
// stop an in-flight Set from resurfacing a stale entry after a revocation.
// Each user therefore has a generation counter. Cache keys embed the
// generation, readers only ever look up the current one, and Invalidate
// bumps it, so an entry written for an older generation can never be read
// again no matter how the buffered writes get ordered.
type PermissionCache struct {
	backing *ristretto.Cache
	ttl     time.Duration
	gens    sync.Map // userID -> *atomic.Uint64
}

func NewPermissionCache(cfg CacheConfig) (*PermissionCache, error) {
	cfg = cfg.withDefaults()
	backing, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxEntries,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &PermissionCache{backing: backing, ttl: cfg.TTL}, nil
}

func (c *PermissionCache) gen(userID string) *atomic.Uint64 {
	if g, ok := c.gens.Load(userID); ok {
		return g.(*atomic.Uint64)
	}
	g, _ := c.gens.LoadOrStore(userID, new(atomic.Uint64))
	return g.(*atomic.Uint64)
}

func cacheKey(userID string, gen uint64) string {
	return userID + "@" + strconv.FormatUint(gen, 10)
}

// Generation returns the user's current cache generation. Resolvers capture
// it before touching the backing stores and hand it back to Put, so an
// Invalidate that lands mid-resolve wins over the in-flight write.
func (c *PermissionCache) Generation(userID string) uint64 {
	return c.gen(userID).Load()
}

func (c *PermissionCache) Get(userID string) (*EffectivePermissionSet, bool) {
	v, ok := c.backing.Get(cacheKey(userID, c.gen(userID).Load()))
	if !ok {
		return nil, false
	}
	set, ok := v.(*EffectivePermissionSet)
	return set, ok
}

// Put stores a set resolved under gen. Stale generations are dropped; even
// if one slipped through, its key would no longer be readable.
func (c *PermissionCache) Put(userID string, gen uint64, set *EffectivePermissionSet) {
	if c.gen(userID).Load() != gen {
		return
	}
	c.backing.SetWithTTL(cacheKey(userID, gen), set, 1, c.ttl)
}

// Invalidate discards the user's cached set and retires the generation so
// concurrent resolves cannot re-publish the old one.
func (c *PermissionCache) Invalidate(userID string) {
	old := c.gen(userID).Add(1) - 1
	c.backing.Del(cacheKey(userID, old))
}

func (c *PermissionCache) InvalidateAll() {
	c.gens.Range(func(_, v any) bool {
		v.(*atomic.Uint64).Add(1)
		return true
	})
	c.backing.Clear()
}

// Wait blocks until buffered writes have been applied. Tests use it before
// asserting on cache hits.
func (c *PermissionCache) Wait() { c.backing.Wait() }

func (c *PermissionCache) Close() { c.backing.Close() }
