package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/adeilh/rakh-state/cache"
)

const (
	stateIdle int32 = iota
	stateConnecting
	stateConnected
	stateClosed
)

// Store is the cache-aside orchestrator over a durable tier and an optional
// cache tier. It holds no locks: every call fans out to the tiers and waits
// for all of them before returning. All methods are safe for concurrent use
// once Connect has returned.
//
// Concurrent writes to the same key are not serialized; each tier keeps
// whichever write it applied last.
type Store struct {
	durable    Durable
	cache      cache.Store
	ttl        time.Duration
	durability Durability
	log        zerolog.Logger
	now        func() time.Time
	newVersion func() string

	state       atomic.Int32
	durableOpen atomic.Bool
	cacheOpen   atomic.Bool
}

// New builds a Store over the given durable tier. The cache tier is enabled
// with WithCache. No connection is made until Connect.
func New(durable Durable, opts ...Option) (*Store, error) {
	if durable == nil {
		return nil, ErrMissingDurable
	}
	cfg := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &Store{
		durable:    durable,
		cache:      cfg.Cache,
		ttl:        cfg.CacheTTL,
		durability: cfg.Durability,
		log:        cfg.Logger,
		now:        cfg.Now,
		newVersion: cfg.NewVersion,
	}, nil
}

// CacheEnabled reports whether the cache tier is configured.
func (s *Store) CacheEnabled() bool { return s.cache != nil }

// Connect establishes the durable and, if enabled, the cache connection
// concurrently. Both must succeed: an unreachable configured cache is an
// error, not a reason to run without it. Connect may only succeed once.
//
// After a failure the tier that did connect stays open and a retry only
// connects the tier that failed. Close releases whatever is open, including
// after a failed Connect.
func (s *Store) Connect(ctx context.Context) (ConnectionStatus, error) {
	if !s.state.CompareAndSwap(stateIdle, stateConnecting) {
		switch s.state.Load() {
		case stateClosed:
			return ConnectionStatus{}, ErrClosed
		default:
			return ConnectionStatus{}, ErrAlreadyConnected
		}
	}

	var g errgroup.Group
	if !s.durableOpen.Load() {
		g.Go(func() error {
			if err := s.durable.Connect(ctx); err != nil {
				return fmt.Errorf("state: connect durable store: %w", err)
			}
			s.durableOpen.Store(true)
			return nil
		})
	}
	if s.cache != nil && !s.cacheOpen.Load() {
		g.Go(func() error {
			if err := s.cache.Connect(ctx); err != nil {
				return fmt.Errorf("state: connect cache: %w", err)
			}
			s.cacheOpen.Store(true)
			return nil
		})
	}
	err := g.Wait()

	status := ConnectionStatus{DurableUp: s.durableOpen.Load()}
	if s.cache != nil {
		up := s.cacheOpen.Load()
		status.CacheUp = &up
	}

	next := stateConnected
	if err != nil {
		next = stateIdle
	}
	if !s.state.CompareAndSwap(stateConnecting, next) {
		// Close ran while connecting and left the release to us.
		return status, errors.Join(ErrClosed, err, s.release())
	}
	if err != nil {
		return status, err
	}

	s.log.Info().
		Bool("cache", s.cache != nil).
		Str("durability", s.durability.String()).
		Dur("cache_ttl", s.ttl).
		Msg("state store connected")
	return status, nil
}

// Close releases both tiers. The store cannot be used afterwards. A Close
// that races an in-flight Connect returns at once; that Connect releases the
// tiers and reports ErrClosed.
func (s *Store) Close() error {
	switch s.state.Swap(stateClosed) {
	case stateIdle, stateConnected:
	default:
		return nil
	}
	err := s.release()
	s.log.Info().Err(err).Msg("state store closed")
	return err
}

func (s *Store) release() error {
	var errs []error
	if s.durableOpen.Swap(false) {
		if err := s.durable.Close(); err != nil {
			errs = append(errs, fmt.Errorf("state: close durable store: %w", err))
		}
	}
	if s.cacheOpen.Swap(false) {
		if err := s.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("state: close cache: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Store) ready() error {
	switch s.state.Load() {
	case stateConnected:
		return nil
	case stateClosed:
		return ErrClosed
	default:
		return ErrNotConnected
	}
}

// Read returns the payload of every requested key that exists in either
// tier. Keys found in neither tier are absent from the result.
//
// With the cache enabled, all keys are looked up in the cache first and only
// the misses are fetched from the durable store in one batch; cached values
// win. Values fetched from the durable store are not copied into the cache.
func (s *Store) Read(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	keys = uniqueKeys(keys)
	result := make(map[string]json.RawMessage, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	if s.cache == nil {
		found, err := s.durable.FindByKeys(ctx, keys)
		if err != nil {
			return nil, fmt.Errorf("state: read durable store: %w", err)
		}
		for key, payload := range found {
			result[key] = payload
		}
		return result, nil
	}

	cached, err := s.cache.GetMany(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("state: read cache: %w", err)
	}
	missing := make([]string, 0, len(keys))
	for _, key := range keys {
		if payload, ok := cached[key]; ok {
			result[key] = json.RawMessage(payload)
			continue
		}
		missing = append(missing, key)
	}
	s.log.Debug().Int("hits", len(result)).Int("misses", len(missing)).Msg("state cache lookup")
	if len(missing) == 0 {
		return result, nil
	}

	found, err := s.durable.FindByKeys(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("state: read durable store: %w", err)
	}
	for key, payload := range found {
		if _, ok := result[key]; !ok {
			result[key] = payload
		}
	}
	return result, nil
}

// Write replaces the payload of every key in changes. Each entry gets a fresh
// version token (see VersionField); caller-supplied versions are overwritten
// and never compared with the stored one.
//
// The durable upsert and the cache write run concurrently and Write returns
// once both have finished. If either fails the first error is returned and
// the other tier is left as written, so a failed Write must be retried as a
// whole; retrying is safe because every write is a full replace.
func (s *Store) Write(ctx context.Context, changes map[string]any) error {
	if err := s.ready(); err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}

	writtenAt := s.now().UTC()
	items := make([]Item, 0, len(changes))
	for key, value := range changes {
		if key == "" {
			return ErrEmptyKey
		}
		version := s.newVersion()
		payload, err := stampVersion(value, version)
		if err != nil {
			return fmt.Errorf("state: encode %q: %w", key, err)
		}
		items = append(items, Item{Key: key, Payload: payload, Version: version, WrittenAt: writtenAt})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })

	var g errgroup.Group
	g.Go(func() error {
		if err := s.durable.BulkUpsert(ctx, items, s.durability); err != nil {
			return fmt.Errorf("state: write durable store: %w", err)
		}
		return nil
	})
	if s.cache != nil {
		entries := make(map[string][]byte, len(items))
		for _, item := range items {
			entries[item.Key] = item.Payload
		}
		g.Go(func() error {
			if err := s.cache.SetMany(ctx, entries, s.ttl); err != nil {
				return fmt.Errorf("state: write cache: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Delete removes keys from both tiers concurrently. Keys that do not exist
// are ignored.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if err := s.ready(); err != nil {
		return err
	}
	keys = uniqueKeys(keys)
	if len(keys) == 0 {
		return nil
	}

	var g errgroup.Group
	g.Go(func() error {
		if err := s.durable.DeleteByKeys(ctx, keys, s.durability); err != nil {
			return fmt.Errorf("state: delete durable store: %w", err)
		}
		return nil
	})
	if s.cache != nil {
		g.Go(func() error {
			if err := s.cache.DeleteMany(ctx, keys); err != nil {
				return fmt.Errorf("state: delete cache: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func uniqueKeys(keys []string) []string {
	if len(keys) < 2 {
		return keys
	}
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
