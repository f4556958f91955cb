package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the identity store contract: a key-value interface with TTL
// support and prefix listing. All record types (providers, flows, MFA
// methods, devices, sessions) persist through it; the backing engine is
// an implementation detail.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// List returns all live entries whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)
}

// PutJSON marshals v and stores it under key. ttl <= 0 means no expiry.
func PutJSON(ctx context.Context, s Store, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Put(ctx, key, data, ttl)
}

// GetJSON loads key into out. Returns false when the key is absent.
func GetJSON(ctx context.Context, s Store, key string, out interface{}) (bool, error) {
	data, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return true, json.Unmarshal(data, out)
}
