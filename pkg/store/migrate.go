package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

const migrationsDir = "migrations"

// Migrate brings the schema to head. Postgres databases run the embedded
// goose migrations; SQLite databases apply the portable schema directly
// since goose tracks versions per dialect and dev databases are throwaway.
func Migrate(ctx context.Context, db *sql.DB, dialect string) error {
	switch dialect {
	case DialectPostgres:
		goose.SetBaseFS(embeddedMigrations)
		goose.SetLogger(goose.NopLogger())
		if err := goose.SetDialect(DialectPostgres); err != nil {
			return fmt.Errorf("store: set migration dialect: %w", err)
		}
		if err := goose.UpContext(ctx, db, migrationsDir); err != nil {
			return fmt.Errorf("store: run migrations: %w", err)
		}
		return nil
	case DialectSQLite:
		if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
			return fmt.Errorf("store: apply sqlite schema: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("store: unknown dialect %q", dialect)
	}
}

// MigrationsAtHead reports whether the database schema version matches the
// newest embedded migration. Readiness checks refuse traffic on a stale
// schema rather than failing on the first missing column.
func MigrationsAtHead(ctx context.Context, db *sql.DB, dialect string) (bool, error) {
	if dialect == DialectSQLite {
		// SQLite schemas are applied wholesale at open.
		return true, nil
	}
	goose.SetBaseFS(embeddedMigrations)
	current, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return false, fmt.Errorf("store: read schema version: %w", err)
	}
	migrations, err := goose.CollectMigrations(migrationsDir, 0, goose.MaxVersion)
	if err != nil {
		return false, fmt.Errorf("store: collect migrations: %w", err)
	}
	last, err := migrations.Last()
	if err != nil {
		return false, fmt.Errorf("store: resolve head migration: %w", err)
	}
	return current == last.Version, nil
}
