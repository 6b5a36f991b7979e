package memcache

import (
	"context"
	"path"
	"sync"
	"time"
)

type entry struct {
	value    []byte
	storedAt time.Time
	ttl      time.Duration
}

func (e entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.storedAt) >= e.ttl
}

// MemCache — in-process тир (живёт в пределах одной page session / процесса).
// Просроченные записи вычищаются лениво, при чтении.
type MemCache struct {
	mu sync.Mutex
	m  map[string]entry

	now func() time.Time // swappable in tests
}

func New() *MemCache {
	return &MemCache{
		m:   map[string]entry{},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (c *MemCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.m[key]
	if !ok {
		return nil, false, nil
	}
	if e.expired(c.now()) {
		delete(c.m, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *MemCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = entry{value: value, storedAt: c.now(), ttl: ttl}
	return nil
}

func (c *MemCache) Invalidate(ctx context.Context, pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.m {
		if ok, _ := path.Match(pattern, k); ok {
			delete(c.m, k)
		}
	}
	return nil
}
