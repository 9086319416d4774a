// Package store owns database connectivity, schema migrations, and the
// tenant table. Subsystem packages (ledger, evidence, webhook, auth) run
// their own SQL over the *sql.DB opened here; every statement is portable
// across the Postgres production dialect and the SQLite dialect used in
// development and tests.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Sentinel errors shared by all stores.
var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

// DBTX is the query surface shared by *sql.DB and *sql.Tx. Stores that
// must run inside the ingest transaction accept it instead of *sql.DB.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Dialect names returned by Open.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// Open connects to the database named by url. Supported schemes:
// postgres:// (production) and sqlite:// (development/test; path or
// ":memory:"). The connection is pinged before returning.
func Open(ctx context.Context, url string) (*sql.DB, string, error) {
	var (
		db      *sql.DB
		dialect string
		err     error
	)
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		db, err = sql.Open("postgres", url)
		dialect = DialectPostgres
	case strings.HasPrefix(url, "sqlite://"):
		dsn := strings.TrimPrefix(url, "sqlite://")
		if dsn == "" {
			dsn = ":memory:"
		}
		db, err = sql.Open("sqlite", dsn)
		dialect = DialectSQLite
		if err == nil {
			// Serialized access keeps the in-process engine honest under
			// the same row-lock patterns the Postgres path relies on.
			db.SetMaxOpenConns(1)
		}
	default:
		return nil, "", fmt.Errorf("store: unsupported DATABASE_URL scheme in %q", url)
	}
	if err != nil {
		return nil, "", fmt.Errorf("store: open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("store: ping database: %w", err)
	}
	return db, dialect, nil
}

// IsUniqueViolation reports whether err is a unique-constraint failure on
// either supported driver.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
