package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/lib/pq"

	"github.com/adeilh/rakh-state/state"
)

// ErrMissingTable is returned when the state table or its schema does not
// exist, typically because migrations were skipped.
var ErrMissingTable = errors.New("postgres: state table does not exist")

const maxRowsPerStatement = 1000

// StateStore persists state records in one PostgreSQL table keyed by state
// key. It implements state.Durable.
type StateStore struct {
	cfg       Options
	table     string
	batchSize int

	db    atomic.Pointer[sql.DB]
	owned bool
}

var _ state.Durable = (*StateStore)(nil)

// NewStateStore validates the options without touching the network. Either a
// DSN or an existing pool must be supplied.
func NewStateStore(opts ...Option) (*StateStore, error) {
	cfg := resolveOptions(opts)
	if cfg.DSN == "" && cfg.DB == nil {
		return nil, ErrMissingDSN
	}
	return &StateStore{
		cfg:       cfg,
		table:     qualifiedTable(cfg.Schema, cfg.Table),
		batchSize: maxRowsPerStatement,
		owned:     cfg.DB == nil,
	}, nil
}

// Connect opens the pool (or adopts the injected one), pings it and creates
// the schema and table unless migrations are disabled.
func (s *StateStore) Connect(ctx context.Context) error {
	db := s.cfg.DB
	if db == nil {
		opened, err := open(ctx, s.cfg)
		if err != nil {
			return err
		}
		db = opened
	} else if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}

	if !s.cfg.SkipMigrations {
		if err := ApplyMigrations(ctx, db, StateSchema(s.cfg.Schema, s.cfg.Table)...); err != nil {
			if s.owned {
				_ = db.Close()
			}
			return err
		}
	}
	s.db.Store(db)
	return nil
}

// FindByKeys loads the payload of every key that has a record.
func (s *StateStore) FindByKeys(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	db := s.db.Load()
	if db == nil {
		return nil, ErrNotConnected
	}
	found := make(map[string]json.RawMessage, len(keys))
	if len(keys) == 0 {
		return found, nil
	}

	query := `SELECT key, state FROM ` + s.table + ` WHERE key = ANY($1)`
	rows, err := db.QueryContext(ctx, query, pq.Array(keys))
	if err != nil {
		return nil, translateError("find", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key     string
			payload []byte
		)
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, fmt.Errorf("postgres: find: %w", err)
		}
		found[key] = json.RawMessage(payload)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError("find", err)
	}
	return found, nil
}

// BulkUpsert inserts or fully replaces every item in one transaction.
func (s *StateStore) BulkUpsert(ctx context.Context, items []state.Item, d state.Durability) error {
	db := s.db.Load()
	if db == nil {
		return ErrNotConnected
	}
	items = lastWriteWins(items)
	if len(items) == 0 {
		return nil
	}

	return s.inTx(ctx, db, d, "upsert", func(tx *sql.Tx) error {
		for start := 0; start < len(items); start += s.batchSize {
			end := min(start+s.batchSize, len(items))
			query, args := s.upsertStatement(items[start:end])
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteByKeys removes the records of keys. Unknown keys are ignored.
func (s *StateStore) DeleteByKeys(ctx context.Context, keys []string, d state.Durability) error {
	db := s.db.Load()
	if db == nil {
		return ErrNotConnected
	}
	if len(keys) == 0 {
		return nil
	}

	query := `DELETE FROM ` + s.table + ` WHERE key = ANY($1)`
	return s.inTx(ctx, db, d, "delete", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, pq.Array(keys))
		return err
	})
}

func (s *StateStore) Ping(ctx context.Context) error {
	db := s.db.Load()
	if db == nil {
		return ErrNotConnected
	}
	return db.PingContext(ctx)
}

// Close releases the pool when the store opened it.
func (s *StateStore) Close() error {
	db := s.db.Swap(nil)
	if db == nil || !s.owned {
		return nil
	}
	return db.Close()
}

func (s *StateStore) inTx(ctx context.Context, db *sql.DB, d state.Durability, op string, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return translateError(op, err)
	}
	if _, err := tx.ExecContext(ctx, synchronousCommit(d)); err != nil {
		_ = tx.Rollback()
		return translateError(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return translateError(op, err)
	}
	if err := tx.Commit(); err != nil {
		return translateError(op, err)
	}
	return nil
}

func (s *StateStore) upsertStatement(items []state.Item) (string, []any) {
	var b strings.Builder
	b.WriteString(`INSERT INTO `)
	b.WriteString(s.table)
	b.WriteString(` (key, state, date, version) VALUES `)

	args := make([]any, 0, len(items)*4)
	for i, item := range items {
		if i > 0 {
			b.WriteString(", ")
		}
		n := i * 4
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4)
		// lib/pq sends []byte as bytea; the column is text.
		args = append(args, item.Key, string(item.Payload), item.WrittenAt, item.Version)
	}
	b.WriteString(` ON CONFLICT (key) DO UPDATE SET state = EXCLUDED.state, date = EXCLUDED.date, version = EXCLUDED.version`)
	return b.String(), args
}

// synchronousCommit scopes the commit acknowledgement level to the current
// transaction.
func synchronousCommit(d state.Durability) string {
	if d == state.DurabilitySafe {
		return `SET LOCAL synchronous_commit TO on`
	}
	return `SET LOCAL synchronous_commit TO off`
}

// lastWriteWins drops earlier duplicates of a key; one INSERT ... ON CONFLICT
// cannot touch the same row twice.
func lastWriteWins(items []state.Item) []state.Item {
	if len(items) < 2 {
		return items
	}
	index := make(map[string]int, len(items))
	out := make([]state.Item, 0, len(items))
	for _, item := range items {
		if i, ok := index[item.Key]; ok {
			out[i] = item
			continue
		}
		index[item.Key] = len(out)
		out = append(out, item)
	}
	return out
}

func translateError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "42P01", "3F000":
			return fmt.Errorf("postgres: %s: %w: %v", op, ErrMissingTable, err)
		}
	}
	return fmt.Errorf("postgres: %s: %w", op, err)
}
