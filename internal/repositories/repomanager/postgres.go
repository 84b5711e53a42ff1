// Package repomanager provides a concrete Manager for PostgreSQL, wiring
// together repository constructors and database migrations (via goose).
package repomanager

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/tenantworks/storagecore/internal/dbx"
	"github.com/tenantworks/storagecore/internal/repositories/files"
	"github.com/tenantworks/storagecore/migrations"
)

// PostgresManager vends PostgreSQL-backed repository implementations and
// exposes a schema migration hook.
type PostgresManager struct{}

// NewPostgresManager constructs a PostgreSQL-backed Manager.
func NewPostgresManager() *PostgresManager {
	return &PostgresManager{}
}

// Files returns a files.Repository bound to the provided DBTX.
func (m *PostgresManager) Files(db dbx.DBTX) files.Repository {
	return files.NewPostgresRepository(db)
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations sets up goose with the embedded migrations and runs them
// against the provided database connection.
func (m *PostgresManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, ".")
}
