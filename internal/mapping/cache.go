package mapping

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/framara/what-the-meta-backend/internal/domain"
	"github.com/framara/what-the-meta-backend/internal/utils"
	lru "github.com/hashicorp/golang-lru/v2"
)

// LoaderFunc loads the timers of one dungeon; nil means the dungeon is unmapped
type LoaderFunc func(ctx context.Context, seasonID, dungeonID int) (*domain.DungeonTimers, error)

type cacheKey struct {
	seasonID  int
	dungeonID int
}

type cachedTimers struct {
	timers   *domain.DungeonTimers
	cachedAt time.Time
}

// CacheStats holds cache hit/miss counters
type CacheStats struct {
	Size    int     `json:"size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Cache is an LRU cache of dungeon timers in front of the mapping table.
// Unmapped dungeons are cached too so that every shard of a missing dungeon
// does not query the store again.
type Cache struct {
	cache *lru.Cache[cacheKey, *cachedTimers]
	load  LoaderFunc
	ttl   time.Duration
	mu    sync.RWMutex
	now   func() time.Time

	hits   uint64
	misses uint64
}

// NewCache creates a timer cache backed by load
func NewCache(maxSize int, ttl time.Duration, load LoaderFunc) (*Cache, error) {
	if maxSize <= 0 {
		maxSize = 1024
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	cache, err := lru.New[cacheKey, *cachedTimers](maxSize)
	if err != nil {
		return nil, fmt.Errorf("mapping: failed to create timer cache: %w", err)
	}

	return &Cache{
		cache: cache,
		load:  load,
		ttl:   ttl,
		now:   utils.NowUTC,
	}, nil
}

// RepositoryLoader adapts a Repository to a LoaderFunc
func RepositoryLoader(r *Repository) LoaderFunc {
	return func(ctx context.Context, seasonID, dungeonID int) (*domain.DungeonTimers, error) {
		row, err := r.Get(ctx, seasonID, dungeonID)
		if err != nil || row == nil {
			return nil, err
		}
		t := row.Timers()
		return &t, nil
	}
}

// Timers returns the cached timers or loads them. Load errors are not cached.
func (c *Cache) Timers(ctx context.Context, seasonID, dungeonID int) (*domain.DungeonTimers, error) {
	key := cacheKey{seasonID: seasonID, dungeonID: dungeonID}

	c.mu.RLock()
	cached, ok := c.cache.Get(key)
	c.mu.RUnlock()

	if ok && c.now().Sub(cached.cachedAt) <= c.ttl {
		atomic.AddUint64(&c.hits, 1)
		return cached.timers, nil
	}
	atomic.AddUint64(&c.misses, 1)

	timers, err := c.load(ctx, seasonID, dungeonID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache.Add(key, &cachedTimers{timers: timers, cachedAt: c.now()})
	c.mu.Unlock()
	return timers, nil
}

// Invalidate drops one dungeon from the cache
func (c *Cache) Invalidate(seasonID, dungeonID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(cacheKey{seasonID: seasonID, dungeonID: dungeonID})
}

// InvalidateAll clears the entire cache
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}

// Stats returns cache statistics
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	size := c.cache.Len()
	c.mu.RUnlock()

	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)
	total := hits + misses

	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return CacheStats{
		Size:    size,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}
}
