// Package schema carries the Postgres DDL applied by cmd/migrate.
package schema

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	"leadmarket-platform/pkg/utils"
)

//go:embed schema.sql
var SQL string

// Apply runs the DDL in one transaction.
func Apply(ctx context.Context, db *sql.DB) error {
	return utils.WithTx(ctx, db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, SQL); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
		return nil
	})
}
