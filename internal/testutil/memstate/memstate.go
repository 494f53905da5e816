// Package memstate provides in-memory durable and cache tiers with failure
// injection for tests of the state store and its HTTP surface.
package memstate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/adeilh/rakh-state/cache"
	"github.com/adeilh/rakh-state/state"
)

// ErrUnavailable is returned by a tier that has been taken down.
var ErrUnavailable = errors.New("memstate: backend unavailable")

// Operation names reported to Hook and counted by Calls.
const (
	OpConnect = "connect"
	OpFind    = "find"
	OpUpsert  = "upsert"
	OpDelete  = "delete"
	OpGet     = "get"
	OpSet     = "set"
	OpPing    = "ping"
	OpClose   = "close"
)

type tier struct {
	mu         sync.Mutex
	down       bool
	connectErr error
	opErr      error
	calls      map[string]int
	// Hook runs at the start of every operation, outside the tier lock.
	Hook func(op string)
}

func (t *tier) enter(op string) error {
	if t.Hook != nil {
		t.Hook(op)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.calls == nil {
		t.calls = make(map[string]int)
	}
	t.calls[op]++
	switch {
	case op == OpClose:
		return nil
	case t.down:
		return ErrUnavailable
	case op == OpConnect:
		return t.connectErr
	case op == OpPing:
		return nil
	default:
		return t.opErr
	}
}

// SetDown makes every call except Close fail with ErrUnavailable.
func (t *tier) SetDown(down bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.down = down
}

// FailConnect makes Connect return err.
func (t *tier) FailConnect(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectErr = err
}

// FailOps makes every data operation return err; Connect and Ping still work.
func (t *tier) FailOps(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opErr = err
}

// Calls reports how many times op was invoked.
func (t *tier) Calls(op string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[op]
}

// Durable is an in-memory state.Durable keyed like the real table: one
// record per key.
type Durable struct {
	tier
	records    map[string]state.Item
	durability []state.Durability
}

var _ state.Durable = (*Durable)(nil)

func NewDurable() *Durable {
	return &Durable{records: make(map[string]state.Item)}
}

func (d *Durable) Connect(context.Context) error { return d.enter(OpConnect) }

func (d *Durable) FindByKeys(_ context.Context, keys []string) (map[string]json.RawMessage, error) {
	if err := d.enter(OpFind); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	found := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		if item, ok := d.records[key]; ok {
			found[key] = append(json.RawMessage(nil), item.Payload...)
		}
	}
	return found, nil
}

func (d *Durable) BulkUpsert(_ context.Context, items []state.Item, mode state.Durability) error {
	if err := d.enter(OpUpsert); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.durability = append(d.durability, mode)
	for _, item := range items {
		item.Payload = append(json.RawMessage(nil), item.Payload...)
		d.records[item.Key] = item
	}
	return nil
}

func (d *Durable) DeleteByKeys(_ context.Context, keys []string, mode state.Durability) error {
	if err := d.enter(OpDelete); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.durability = append(d.durability, mode)
	for _, key := range keys {
		delete(d.records, key)
	}
	return nil
}

func (d *Durable) Ping(context.Context) error { return d.enter(OpPing) }

func (d *Durable) Close() error { return d.enter(OpClose) }

// Record returns the stored item for key.
func (d *Durable) Record(key string) (state.Item, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	item, ok := d.records[key]
	return item, ok
}

// Len reports the number of stored records.
func (d *Durable) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}

// Durabilities lists the mode of every upsert and delete in call order.
func (d *Durable) Durabilities() []state.Durability {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]state.Durability(nil), d.durability...)
}

// Cache is an in-memory cache.Store with TTL driven by an adjustable clock.
type Cache struct {
	tier
	entries map[string]cacheEntry
	now     time.Time
	lastTTL time.Duration
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

var _ cache.Store = (*Cache)(nil)

func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry), now: time.Unix(0, 0)}
}

func (c *Cache) Connect(context.Context) error { return c.enter(OpConnect) }

func (c *Cache) GetMany(_ context.Context, keys []string) (map[string][]byte, error) {
	if err := c.enter(OpGet); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	found := make(map[string][]byte, len(keys))
	for _, key := range keys {
		entry, ok := c.entries[key]
		if !ok {
			continue
		}
		if !entry.expiresAt.IsZero() && !c.now.Before(entry.expiresAt) {
			delete(c.entries, key)
			continue
		}
		found[key] = append([]byte(nil), entry.value...)
	}
	return found, nil
}

func (c *Cache) SetMany(_ context.Context, items map[string][]byte, ttl time.Duration) error {
	if err := c.enter(OpSet); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastTTL = ttl
	for key, value := range items {
		entry := cacheEntry{value: append([]byte(nil), value...)}
		if ttl > 0 {
			entry.expiresAt = c.now.Add(ttl)
		}
		c.entries[key] = entry
	}
	return nil
}

func (c *Cache) DeleteMany(_ context.Context, keys []string) error {
	if err := c.enter(OpDelete); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.entries, key)
	}
	return nil
}

func (c *Cache) Ping(context.Context) error { return c.enter(OpPing) }

func (c *Cache) Close() error { return c.enter(OpClose) }

// Advance moves the cache clock forward, expiring entries whose TTL elapsed.
func (c *Cache) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// LastTTL reports the ttl passed to the most recent SetMany.
func (c *Cache) LastTTL() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTTL
}

// Has reports whether key holds an unexpired entry.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	return ok && (entry.expiresAt.IsZero() || c.now.Before(entry.expiresAt))
}
