package domain

import (
	"context"
	"time"
)

// KVStore is a key-value collaborator with per-key expiry.
// Set must be atomic per key; Get reports absence with ok=false, not an error.
type KVStore interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Delete(ctx context.Context, key string) error
}
