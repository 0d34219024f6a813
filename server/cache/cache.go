package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrCacheMiss = errors.New("cache miss")

type Cache interface {
	Set(ctx context.Context, key string, value any) error

	SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) error

	// Get returns ErrCacheMiss for absent or expired keys.
	Get(ctx context.Context, key string) (any, error)

	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every key starting with prefix and returns how
	// many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	Exists(ctx context.Context, key string) (bool, error)

	GetStats(ctx context.Context) (*CacheStats, error)

	Close() error
}

type CacheStats struct {
	Items   int    `json:"items"`
	Expired int    `json:"expired"`
	Hits    int64  `json:"hits"`
	Misses  int64  `json:"misses"`
	MaxSize int    `json:"max_size"`
	Info    string `json:"info"`
}

// Key joins components into a namespaced cache key, e.g. "stream:cam-1:latest".
func Key(components ...string) string {
	return strings.Join(components, ":")
}
