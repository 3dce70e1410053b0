package ports

import (
	"context"
	"time"
)

// Cache is a byte-oriented key-value cache used in front of the tenant store.
// Errors are advisory; callers fall back to the store.
type Cache interface {
	// Get returns ok=false on a miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
