// Package cache implements the read-through roster cache. Entries are
// stamped with a per-namespace generation; invalidation bumps the generation
// so every older entry, under any key, stops being served at once.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMiss is returned by Store.Get when a key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Store is the key/value backend. Implementations must be safe for
// concurrent use and replace values atomically.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open returns the Store for url: memory:// (or empty) for the in-process
// store, redis:// or rediss:// for Redis.
func Open(url string) (Store, error) {
	switch {
	case url == "" || strings.HasPrefix(url, "memory://"):
		return NewMemoryStore(), nil
	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		s, err := NewRedisStore(url)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported cache url scheme in %q", schemeOf(url))
	}
}

func schemeOf(url string) string {
	if i := strings.Index(url, "://"); i >= 0 {
		return url[:i]
	}
	return "(none)"
}
