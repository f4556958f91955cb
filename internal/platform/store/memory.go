package store

import (
	"context"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore is a go-cache backed Store for tests and single-node
// deployments. TTL eviction rides on go-cache's janitor.
type MemoryStore struct {
	cache *gocache.Cache
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cache: gocache.New(gocache.NoExpiration, time.Minute),
	}
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := m.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	exp := gocache.NoExpiration
	if ttl > 0 {
		exp = ttl
	}
	// copy: callers may reuse the slice
	buf := make([]byte, len(value))
	copy(buf, value)
	m.cache.Set(key, buf, exp)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.cache.Delete(key)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	for key, item := range m.cache.Items() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if item.Expired() {
			continue
		}
		out[key] = item.Object.([]byte)
	}
	return out, nil
}
