package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is an in-process Store used for memory:// URLs, tests and as
// the fallback when Redis is unreachable at startup.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]memoryItem), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()
	if !ok || (!item.expiresAt.IsZero() && !s.now().Before(item.expiresAt)) {
		return nil, ErrMiss
	}
	out := make([]byte, len(item.value))
	copy(out, item.value)
	return out, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	item := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expiresAt = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.items[key] = item
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	for _, k := range keys {
		delete(s.items, k)
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	if item, ok := s.items[key]; ok {
		n, _ = strconv.ParseInt(string(item.value), 10, 64)
	}
	n++
	s.items[key] = memoryItem{value: []byte(strconv.FormatInt(n, 10))}
	return n, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.items = make(map[string]memoryItem)
	s.mu.Unlock()
	return nil
}
