package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// ApplyMigrations executes the provided SQL statements in order within the given context.
func ApplyMigrations(ctx context.Context, db *sql.DB, statements ...string) error {
	if db == nil {
		return fmt.Errorf("postgres: db is nil")
	}
	for _, stmt := range statements {
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}

// StateSchema returns the DDL that creates the state table inside schema.
func StateSchema(schema, table string) []string {
	return []string{
		"CREATE SCHEMA IF NOT EXISTS " + pq.QuoteIdentifier(schema),
		"CREATE TABLE IF NOT EXISTS " + qualifiedTable(schema, table) + ` (
	key     TEXT PRIMARY KEY,
	state   TEXT NOT NULL,
	date    TIMESTAMPTZ NOT NULL,
	version TEXT NOT NULL
)`,
	}
}

func qualifiedTable(schema, table string) string {
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(table)
}
