package data

import (
	"context"
	"database/sql"

	"github.com/membermail/membermail/internal/migrate"
)

// RunMigrations applies the embedded schema migrations. Safe to call multiple times.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	return migrate.Run(ctx, db)
}
