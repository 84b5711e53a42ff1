// Package repomanager vends repository implementations bound to a database
// handle, so services can run the same repository code against a plain
// connection or inside a transaction.
package repomanager

import (
	"context"
	"database/sql"

	"github.com/tenantworks/storagecore/internal/dbx"
	"github.com/tenantworks/storagecore/internal/repositories/files"
)

// Manager constructs repositories bound to the given DBTX.
type Manager interface {
	Files(db dbx.DBTX) files.Repository
	RunMigrations(ctx context.Context, db *sql.DB) error
}
