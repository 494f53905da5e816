// Package goredis implements cache.Store on top of github.com/redis/go-redis.
package goredis

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adeilh/rakh-state/cache"
)

type Option func(*Store)

// WithKeyPrefix prepends prefix to every key sent to Redis.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// Store is a cache.Store backed by a go-redis client.
type Store struct {
	client    *redis.Client
	prefix    string
	connected atomic.Bool
}

var _ cache.Store = (*Store)(nil)

// NewStore creates a client from opts. The address is required; everything
// else keeps go-redis defaults.
func NewStore(opts *redis.Options, options ...Option) (*Store, error) {
	if opts == nil || opts.Addr == "" {
		return nil, cache.ErrMissingAddr
	}
	return NewStoreFromClient(redis.NewClient(opts), options...), nil
}

// NewStoreFromClient wraps an existing client. The store takes ownership and
// closes it in Close.
func NewStoreFromClient(client *redis.Client, options ...Option) *Store {
	s := &Store{client: client}
	for _, opt := range options {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) Connect(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("goredis: connect: %w", err)
	}
	s.connected.Store(true)
	return nil
}

func (s *Store) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	if !s.connected.Load() {
		return nil, cache.ErrNotConnected
	}
	found := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return found, nil
	}

	vals, err := s.client.MGet(ctx, s.wireKeys(keys)...).Result()
	if err != nil {
		return nil, fmt.Errorf("goredis: mget: %w", err)
	}
	for i, v := range vals {
		if i >= len(keys) {
			break
		}
		switch val := v.(type) {
		case string:
			found[keys[i]] = []byte(val)
		case []byte:
			found[keys[i]] = val
		}
	}
	return found, nil
}

func (s *Store) SetMany(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	if !s.connected.Load() {
		return cache.ErrNotConnected
	}
	if len(items) == 0 {
		return nil
	}
	keys := make([]string, 0, len(items))
	for key := range items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if ttl < 0 {
		ttl = 0
	}

	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, key := range keys {
			p.Set(ctx, s.prefix+key, items[key], ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("goredis: set: %w", err)
	}
	return nil
}

func (s *Store) DeleteMany(ctx context.Context, keys []string) error {
	if !s.connected.Load() {
		return cache.ErrNotConnected
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, s.wireKeys(keys)...).Err(); err != nil {
		return fmt.Errorf("goredis: del: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if !s.connected.Load() {
		return cache.ErrNotConnected
	}
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	s.connected.Store(false)
	return s.client.Close()
}

func (s *Store) wireKeys(keys []string) []string {
	if s.prefix == "" {
		return keys
	}
	out := make([]string, len(keys))
	for i, key := range keys {
		out[i] = s.prefix + key
	}
	return out
}
