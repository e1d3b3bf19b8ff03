package patterns

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/pipemend-io/pipemend/internal/issues"
)

const (
	defaultCacheSize = 64
	defaultCacheTTL  = 30 * time.Second
)

type (
	// CacheConfig tunes the read-through pattern cache.
	CacheConfig struct {
		// Size is the maximum number of category entries. Zero means 64.
		Size int
		// TTL bounds entry staleness. Zero means 30s.
		TTL time.Duration
		// Logger receives structured logs. Nil means slog.Default().
		Logger *slog.Logger
	}

	// CacheStats is a point-in-time snapshot of cache effectiveness.
	CacheStats struct {
		Hits      uint64 `json:"hits"`
		Misses    uint64 `json:"misses"`
		Evictions uint64 `json:"evictions"`
		Entries   int    `json:"entries"`
	}

	cacheEntry struct {
		patterns  []Pattern
		expiresAt time.Time
	}

	// Cache is a read-through, per-category cache over the pattern store.
	// Concurrent loads of the same category collapse into one store query;
	// writes that change a category's patterns must Invalidate it.
	Cache struct {
		store  *Store
		lru    *lru.Cache[string, *cacheEntry]
		group  singleflight.Group
		ttl    time.Duration
		logger *slog.Logger

		hits      atomic.Uint64
		misses    atomic.Uint64
		evictions atomic.Uint64
	}
)

// NewCache creates a pattern cache in front of the given store.
func NewCache(store *Store, config CacheConfig) (*Cache, error) {
	size := config.Size
	if size <= 0 {
		size = defaultCacheSize
	}

	ttl := config.TTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cache{
		store:  store,
		ttl:    ttl,
		logger: logger,
	}

	inner, err := lru.NewWithEvict[string, *cacheEntry](size, func(string, *cacheEntry) {
		c.evictions.Add(1)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pattern cache: %w", err)
	}

	c.lru = inner

	return c, nil
}

// Patterns returns the patterns of a category, served from cache when fresh.
// An empty category keys the full pattern set.
func (c *Cache) Patterns(ctx context.Context, category issues.Category) ([]Pattern, error) {
	key := cacheKey(category)

	if entry, ok := c.lru.Get(key); ok && time.Now().Before(entry.expiresAt) {
		c.hits.Add(1)

		return entry.patterns, nil
	}

	c.misses.Add(1)

	result, err, _ := c.group.Do(key, func() (any, error) {
		patterns, err := c.store.ListPatterns(ctx, category)
		if err != nil {
			return nil, err
		}

		c.lru.Add(key, &cacheEntry{
			patterns:  patterns,
			expiresAt: time.Now().Add(c.ttl),
		})

		return patterns, nil
	})
	if err != nil {
		return nil, err
	}

	return result.([]Pattern), nil
}

// Invalidate drops a category's cached entry along with the full-set entry,
// which spans every category.
func (c *Cache) Invalidate(category issues.Category) {
	c.lru.Remove(cacheKey(category))
	c.lru.Remove(cacheKey(""))

	c.logger.Debug("pattern cache invalidated", slog.String("category", string(category)))
}

// InvalidateAll drops every cached entry.
func (c *Cache) InvalidateAll() {
	c.lru.Purge()
}

// Stats reports cache effectiveness counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Entries:   c.lru.Len(),
	}
}

func cacheKey(category issues.Category) string {
	if category == "" {
		return "all"
	}

	return "category:" + string(category)
}
