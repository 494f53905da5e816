package state

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adeilh/rakh-state/cache"
)

// DefaultCacheTTL is how long written entries stay in the cache tier.
const DefaultCacheTTL = 14 * 24 * time.Hour

// Options holds the configuration resolved once by New.
type Options struct {
	Cache      cache.Store
	CacheTTL   time.Duration
	Durability Durability
	Logger     zerolog.Logger
	Now        func() time.Time
	NewVersion func() string
}

type Option func(*Options)

// WithCache enables the cache tier. A nil store leaves caching disabled.
func WithCache(store cache.Store) Option {
	return func(o *Options) {
		if store != nil {
			o.Cache = store
		}
	}
}

// WithCacheTTL sets the expiry of cache entries written by Write.
func WithCacheTTL(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.CacheTTL = d
		}
	}
}

// WithSafeWrites makes batched durable writes and deletes wait for durable
// acknowledgement instead of the default fast mode.
func WithSafeWrites() Option {
	return func(o *Options) {
		o.Durability = DurabilitySafe
	}
}

// WithDurability sets the durable write mode explicitly.
func WithDurability(d Durability) Option {
	return func(o *Options) {
		if d == DurabilityFast || d == DurabilitySafe {
			o.Durability = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// WithClock overrides the source of last-write timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		if now != nil {
			o.Now = now
		}
	}
}

// WithVersionFunc overrides how version tokens are generated.
func WithVersionFunc(fn func() string) Option {
	return func(o *Options) {
		if fn != nil {
			o.NewVersion = fn
		}
	}
}

func defaultOptions() Options {
	return Options{
		CacheTTL:   DefaultCacheTTL,
		Durability: DurabilityFast,
		Logger:     zerolog.Nop(),
		Now:        time.Now,
		NewVersion: newVersion,
	}
}

func newVersion() string {
	return uuid.Must(uuid.NewV7()).String()
}
