package cache

import (
	"context"
	"errors"
	"time"
)

var (
	ErrMissingAddr  = errors.New("cache: address is required")
	ErrNotConnected = errors.New("cache: store is not connected")
)

// Store is the ephemeral tier of the state store. Values are opaque bytes
// written with a TTL; implementations can be backed by Redis or any other
// KV server.
//
// Misses are never errors: GetMany leaves absent (or expired) keys out of the
// result, and DeleteMany ignores keys that are not present.
type Store interface {
	Connect(ctx context.Context) error
	GetMany(ctx context.Context, keys []string) (map[string][]byte, error)
	SetMany(ctx context.Context, items map[string][]byte, ttl time.Duration) error
	DeleteMany(ctx context.Context, keys []string) error
	Ping(ctx context.Context) error
	Close() error
}
