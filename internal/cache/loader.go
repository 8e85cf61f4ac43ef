package cache

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/felipepmaragno/llm-chat-proxy/internal/metrics"
)

// Loader composes cache-aside around an expensive computation. Concurrent
// misses on the same key share one computation; errors are never cached.
type Loader struct {
	cache Cache
	ttl   time.Duration
	group singleflight.Group
}

func NewLoader(c Cache, ttl time.Duration) *Loader {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Loader{cache: c, ttl: ttl}
}

func (l *Loader) TTL() time.Duration {
	return l.ttl
}

// Load returns the cached value for key or runs compute and stores its result.
// hit reports whether the value came from the cache.
func (l *Loader) Load(ctx context.Context, key string, compute func(ctx context.Context) (string, error)) (value string, hit bool, err error) {
	if l.cache != nil {
		if cached, ok := l.cache.Get(ctx, key); ok {
			metrics.RecordCacheHit()
			return cached, true, nil
		}
	}
	metrics.RecordCacheMiss()

	v, err, _ := l.group.Do(key, func() (interface{}, error) {
		result, err := compute(ctx)
		if err != nil {
			return "", err
		}

		if l.cache != nil {
			if err := l.cache.Set(ctx, key, result, l.ttl); err != nil {
				slog.Warn("failed to cache response", "error", err)
			}
		}
		return result, nil
	})
	if err != nil {
		return "", false, err
	}

	return v.(string), false, nil
}
