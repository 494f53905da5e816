// Package state persists JSON conversation state under string keys across two
// tiers: a durable authoritative store and an optional TTL cache in front of
// it. Reads are served cache-aside, writes and deletes fan out to both tiers
// concurrently.
package state

import (
	"context"
	"encoding/json"
	"time"
)

// Item is the unit of persisted state.
type Item struct {
	Key       string
	Payload   json.RawMessage
	Version   string
	WrittenAt time.Time
}

// Durability selects how long a batched durable write waits before it is
// acknowledged.
type Durability int

const (
	// DurabilityFast acknowledges before the write is replicated.
	DurabilityFast Durability = iota
	// DurabilitySafe waits for the backend's durable (replicated) acknowledgement.
	DurabilitySafe
)

func (d Durability) String() string {
	switch d {
	case DurabilitySafe:
		return "safe"
	default:
		return "fast"
	}
}

// Durable is the authoritative tier.
type Durable interface {
	Connect(ctx context.Context) error
	// FindByKeys returns the payloads of the keys that exist; missing keys are absent.
	FindByKeys(ctx context.Context, keys []string) (map[string]json.RawMessage, error)
	// BulkUpsert inserts or replaces every item in one batched request.
	BulkUpsert(ctx context.Context, items []Item, d Durability) error
	// DeleteByKeys removes every matching record; missing keys are not an error.
	DeleteByKeys(ctx context.Context, keys []string, d Durability) error
	Ping(ctx context.Context) error
	Close() error
}

// ConnectionStatus reports which tiers came up during Connect. CacheUp is nil
// when the cache tier is disabled.
type ConnectionStatus struct {
	DurableUp bool  `json:"durableStoreUp"`
	CacheUp   *bool `json:"cacheUp,omitempty"`
}

// HealthResult is the composite liveness of the enabled tiers.
type HealthResult struct {
	Overall   bool  `json:"overall"`
	DurableUp bool  `json:"durableStoreUp"`
	CacheUp   *bool `json:"cacheUp,omitempty"`
}
