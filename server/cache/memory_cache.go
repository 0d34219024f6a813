package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type MemoryCache struct {
	items   map[string]*CacheItem
	mutex   sync.RWMutex
	maxSize int
	ttl     time.Duration
	logger  *zap.Logger
	cleanup *time.Ticker
	stopCh  chan struct{}
	once    sync.Once

	hits   int64
	misses int64
}

type CacheItem struct {
	Value       any
	ExpiresAt   time.Time
	LastUsed    time.Time
	AccessCount int64
}

func NewMemoryCache(maxSize int, ttl time.Duration, logger *zap.Logger) *MemoryCache {
	if logger == nil {
		logger = zap.NewNop()
	}

	cache := &MemoryCache{
		items:   make(map[string]*CacheItem),
		maxSize: maxSize,
		ttl:     ttl,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}

	cache.cleanup = time.NewTicker(1 * time.Minute)
	go cache.cleanupExpired()

	return cache
}

func (c *MemoryCache) Set(ctx context.Context, key string, value any) error {
	return c.SetWithTTL(ctx, key, value, c.ttl)
}

func (c *MemoryCache) SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxSize {
		c.evictLRU()
	}

	now := time.Now()
	c.items[key] = &CacheItem{
		Value:       value,
		ExpiresAt:   now.Add(ttl),
		LastUsed:    now,
		AccessCount: 1,
	}

	return nil
}

func (c *MemoryCache) Get(ctx context.Context, key string) (any, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	item, exists := c.items[key]
	if !exists {
		c.misses++
		return nil, ErrCacheMiss
	}

	now := time.Now()
	if now.After(item.ExpiresAt) {
		delete(c.items, key)
		c.misses++
		return nil, ErrCacheMiss
	}

	item.LastUsed = now
	item.AccessCount++
	c.hits++

	return item.Value, nil
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.items, key)
	return nil
}

func (c *MemoryCache) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	removed := 0
	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			delete(c.items, key)
			removed++
		}
	}
	return removed, nil
}

func (c *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	item, exists := c.items[key]
	if !exists {
		return false, nil
	}

	if time.Now().After(item.ExpiresAt) {
		return false, nil
	}

	return true, nil
}

func (c *MemoryCache) GetStats(ctx context.Context) (*CacheStats, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	now := time.Now()
	expiredCount := 0
	totalAccessCount := int64(0)

	for _, item := range c.items {
		if now.After(item.ExpiresAt) {
			expiredCount++
		}
		totalAccessCount += item.AccessCount
	}

	stats := &CacheStats{
		Items:   len(c.items),
		Expired: expiredCount,
		Hits:    c.hits,
		Misses:  c.misses,
		MaxSize: c.maxSize,
		Info:    fmt.Sprintf("access_count=%d", totalAccessCount),
	}

	return stats, nil
}

func (c *MemoryCache) Close() error {
	c.once.Do(func() {
		c.cleanup.Stop()
		close(c.stopCh)
	})
	return nil
}

func (c *MemoryCache) evictLRU() {
	var oldestKey string
	var oldestTime time.Time

	for key, item := range c.items {
		if oldestKey == "" || item.LastUsed.Before(oldestTime) {
			oldestKey = key
			oldestTime = item.LastUsed
		}
	}

	if oldestKey != "" {
		delete(c.items, oldestKey)
		c.logger.Debug("Evicted cache entry", zap.String("key", oldestKey))
	}
}

func (c *MemoryCache) removeExpired() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := time.Now()
	removed := 0
	for key, item := range c.items {
		if now.After(item.ExpiresAt) {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

func (c *MemoryCache) cleanupExpired() {
	for {
		select {
		case <-c.cleanup.C:
			if n := c.removeExpired(); n > 0 {
				c.logger.Debug("Removed expired cache entries", zap.Int("count", n))
			}
		case <-c.stopCh:
			return
		}
	}
}
