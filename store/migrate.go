package store

import (
	"context"
	"database/sql"
	"fmt"
)

// columnMigration is one additive "ADD COLUMN" step, gated on the column
// not already existing. Migrations never drop or rename columns; all
// structural evolution is purely additive (spec.md §4.1).
type columnMigration struct {
	table  string
	column string
	ddl    string // full "ALTER TABLE ... ADD COLUMN ..." statement
}

// migrations is intentionally empty at this baseline: schemaSQL already
// reflects the full current schema via CREATE TABLE IF NOT EXISTS. Future
// additive columns get appended here rather than edited into schemaSQL,
// so a database created under an older version of this binary upgrades
// cleanly on next boot without ever dropping data.
var migrations = []columnMigration{}

func (s *Store) runMigrations(ctx context.Context) error {
	for _, m := range migrations {
		has, err := s.hasColumn(ctx, m.table, m.column)
		if err != nil {
			return fmt.Errorf("check column %s.%s: %w", m.table, m.column, err)
		}
		if has {
			continue
		}
		if _, err := s.db.ExecContext(ctx, m.ddl); err != nil {
			return fmt.Errorf("apply migration %s.%s: %w", m.table, m.column, err)
		}
	}
	return nil
}

// hasColumn inspects PRAGMA table_info(table) for column.
func (s *Store) hasColumn(ctx context.Context, table, column string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notnull    int
			dfltValue  sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &primaryKey); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
