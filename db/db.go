// Package db provides database connection helpers, schema migration, and the account store
// that holds each user's Google OAuth credentials.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
	_ "modernc.org/sqlite"             // pure-Go sqlite driver registered as 'sqlite'
)

// Dialect names the SQL flavour behind a connection.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// ParseDSN picks the driver for a DSN. Postgres URLs go to pgx; "file:", "sqlite://",
// ":memory:" and *.db paths go to sqlite (local development, tests).
func ParseDSN(dsn string) (driver, source string, dialect Dialect) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "pgx", dsn, Postgres
	case strings.HasPrefix(dsn, "sqlite://"):
		return "sqlite", strings.TrimPrefix(dsn, "sqlite://"), SQLite
	case strings.HasPrefix(dsn, "file:"), dsn == ":memory:", strings.HasSuffix(dsn, ".db"):
		return "sqlite", dsn, SQLite
	}
	// key=value libpq style
	return "pgx", dsn, Postgres
}

// Connect opens the database named by dsn and reports its dialect.
func Connect(dsn string) (*sql.DB, Dialect, error) {
	driver, source, dialect := ParseDSN(dsn)
	database, err := sql.Open(driver, source)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == SQLite {
		// sqlite serializes writers anyway; one connection also keeps :memory: databases alive.
		database.SetMaxOpenConns(1)
		if _, err := database.Exec(`PRAGMA foreign_keys = ON`); err != nil {
			_ = database.Close()
			return nil, "", fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	}
	return database, dialect, nil
}

// Migrate applies the embedded idempotent schema. It is the only path for sqlite and the
// fallback for Postgres deployments where versioned migrations cannot run.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	ts := "TIMESTAMPTZ"
	if dialect == SQLite {
		ts = "TIMESTAMP"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT,
			name TEXT,
			image TEXT,
			created_at ` + ts + ` DEFAULT CURRENT_TIMESTAMP,
			updated_at ` + ts + ` DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			provider_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			access_token TEXT,
			refresh_token TEXT,
			id_token TEXT,
			access_token_expires_at ` + ts + `,
			scope TEXT,
			encryption_version INTEGER DEFAULT 0,
			encryption_key_id TEXT,
			created_at ` + ts + ` DEFAULT CURRENT_TIMESTAMP,
			updated_at ` + ts + ` DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (provider_id, account_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_user_id ON accounts(user_id)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("%s migrate step %d failed: %w", dialect, i, err)
		}
	}
	return nil
}

// rebind rewrites $N placeholders into sqlite's ?N form.
func rebind(dialect Dialect, q string) string {
	if dialect != SQLite {
		return q
	}
	return strings.ReplaceAll(q, "$", "?")
}
