package migrations

import (
	"context"
	"database/sql"
)

// all lists every migration of the entries schema
func all() []Migration {
	return []Migration{
		migration1EntriesTable(),
		migration2EntriesIndexes(),
	}
}

// migration1EntriesTable creates the versioned entries table that acts as the
// shard's write-ahead log
func migration1EntriesTable() Migration {
	return Migration{
		Version:     1,
		Description: "Create entries table",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				CREATE TABLE IF NOT EXISTS entries (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					entry_key TEXT NOT NULL,
					as_at INTEGER NOT NULL,
					path TEXT NOT NULL UNIQUE,
					status TEXT NOT NULL CHECK (status IN ('UPDATING', 'COMMITTED', 'REMOVED'))
				)
			`)
			return err
		},
	}
}

// migration2EntriesIndexes adds the lookup indexes used by reads and compaction
func migration2EntriesIndexes() Migration {
	return Migration{
		Version:     2,
		Description: "Index entries by key and status",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_entries_key_status ON entries(entry_key, status, as_at)`); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_entries_status ON entries(status)`); err != nil {
				return err
			}
			return nil
		},
	}
}
