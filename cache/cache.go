// Package cache provides the injected TTL cache used for agent context
// variables and widget session bindings.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Cache is a byte oriented key/value cache with per entry expiry.
// A ttl <= 0 means the entry does not expire.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// GetJSON reads and decodes a JSON value.
func GetJSON[T any](ctx context.Context, c Cache, key string) (T, bool, error) {
	var v T

	data, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return v, false, err
	}

	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, fmt.Errorf("decode cache entry %s: %w", key, err)
	}

	return v, true, nil
}

// SetJSON encodes and stores a JSON value.
func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}
	return c.Set(ctx, key, data, ttl)
}

// Key joins parts into a namespaced cache key.
func Key(namespace string, parts ...string) string {
	key := namespace
	for _, p := range parts {
		key += ":" + p
	}
	return key
}
