package postgres

import (
	"database/sql"
	"time"
)

const (
	DefaultSchema = "botstorage"
	DefaultTable  = "conversations"
)

// Options configures PostgreSQL connections, pool behavior and where state
// records live.
type Options struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Schema and Table name the namespace and collection holding state records.
	Schema string
	Table  string
	// DB, when set, is used instead of opening a pool from DSN. It is not
	// closed by the store.
	DB             *sql.DB
	SkipMigrations bool
}

type Option func(*Options)

// WithDSN sets the lib/pq connection string.
func WithDSN(dsn string) Option {
	return func(o *Options) {
		if dsn != "" {
			o.DSN = dsn
		}
	}
}

// WithMaxOpenConns controls the maximum number of open connections.
func WithMaxOpenConns(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxOpenConns = n
		}
	}
}

// WithMaxIdleConns controls the idle connection pool size.
func WithMaxIdleConns(n int) Option {
	return func(o *Options) {
		if n >= 0 {
			o.MaxIdleConns = n
		}
	}
}

// WithConnMaxLifetime controls how long a connection can be reused.
func WithConnMaxLifetime(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.ConnMaxLifetime = d
		}
	}
}

// WithSchema sets the schema that holds the state table.
func WithSchema(name string) Option {
	return func(o *Options) {
		if name != "" {
			o.Schema = name
		}
	}
}

// WithTable sets the state table name.
func WithTable(name string) Option {
	return func(o *Options) {
		if name != "" {
			o.Table = name
		}
	}
}

// WithDB reuses an existing pool.
func WithDB(db *sql.DB) Option {
	return func(o *Options) {
		if db != nil {
			o.DB = db
		}
	}
}

// WithoutMigrations skips creating the schema and table on Connect.
func WithoutMigrations() Option {
	return func(o *Options) {
		o.SkipMigrations = true
	}
}

func defaultOptions() Options {
	return Options{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		Schema:          DefaultSchema,
		Table:           DefaultTable,
	}
}

func resolveOptions(opts []Option) Options {
	cfg := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}
