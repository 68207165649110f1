package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/maxiofs/shardkv/internal/db/migrations"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite. Every mutation is
// a single statement, so SQLite's statement atomicity is the only
// synchronization needed.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *logrus.Logger
}

// SQLiteOptions contains configuration options for SQLiteStore
type SQLiteOptions struct {
	Path       string
	SyncWrites bool // synchronous=FULL instead of NORMAL
	Logger     *logrus.Logger
}

// NewSQLiteStore opens the entries database at opts.Path
func NewSQLiteStore(opts SQLiteOptions) (*SQLiteStore, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}

	synchronous := "NORMAL"
	if opts.SyncWrites {
		synchronous = "FULL"
	}
	dsn := opts.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(" + synchronous + ")"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}

	// One writer at a time; readers wait on the pool instead of SQLITE_BUSY
	db.SetMaxOpenConns(1)

	opts.Logger.WithField("path", opts.Path).Debug("SQLite metadata store opened")

	return &SQLiteStore{
		db:     db,
		path:   opts.Path,
		logger: opts.Logger,
	}, nil
}

// Init migrates the schema and drops entries of interrupted writes
func (s *SQLiteStore) Init(ctx context.Context) error {
	if err := migrations.NewManager(s.db, s.logger).Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate metadata schema: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE status = ?`, StatusUpdating)
	if err != nil {
		return fmt.Errorf("failed to discard updating entries: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.WithFields(logrus.Fields{
			"path":      s.path,
			"discarded": n,
		}).Info("Discarded entries of interrupted writes")
	}

	return nil
}

// AddUpdatingEntry inserts a new Updating row
func (s *SQLiteStore) AddUpdatingEntry(ctx context.Context, ts int64, key, path string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO entries (entry_key, as_at, path, status) VALUES (?, ?, ?, ?)`,
		key, ts, path, StatusUpdating,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return false, ErrDuplicatePath
		}
		return false, fmt.Errorf("failed to insert entry: %w", err)
	}
	return exactlyOne(res)
}

// CommitEntry moves the (key, ts) Updating row to Committed
func (s *SQLiteStore) CommitEntry(ctx context.Context, ts int64, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entries SET status = ? WHERE entry_key = ? AND as_at = ? AND status = ?`,
		StatusCommitted, key, ts, StatusUpdating,
	)
	if err != nil {
		return false, fmt.Errorf("failed to commit entry: %w", err)
	}
	return exactlyOne(res)
}

// GetCommittedPath returns the path of the newest Committed row of key
func (s *SQLiteStore) GetCommittedPath(ctx context.Context, key string) (string, bool, error) {
	var path string
	err := s.db.QueryRowContext(ctx, `
		SELECT path FROM entries
		WHERE entry_key = ? AND status = ?
		ORDER BY as_at DESC, id DESC
		LIMIT 1
	`, key, StatusCommitted).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query committed path: %w", err)
	}
	return path, true, nil
}

// ListCommittedKeys returns the distinct keys with a Committed row
func (s *SQLiteStore) ListCommittedKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT entry_key FROM entries WHERE status = ? ORDER BY entry_key`,
		StatusCommitted,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list committed keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// MarkEntriesRemoved tombstones every row of key
func (s *SQLiteStore) MarkEntriesRemoved(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entries SET status = ? WHERE entry_key = ?`,
		StatusRemoved, key,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark entries removed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n >= 1, nil
}

// CompactionCandidates returns Removed rows and Committed rows that are not
// the live version of their key
func (s *SQLiteStore) CompactionCandidates(ctx context.Context) (map[int64]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.path FROM entries e
		WHERE e.status = ?
		   OR (e.status = ? AND e.id <> (
				SELECT l.id FROM entries l
				WHERE l.entry_key = e.entry_key AND l.status = ?
				ORDER BY l.as_at DESC, l.id DESC
				LIMIT 1
		   ))
	`, StatusRemoved, StatusCommitted, StatusCommitted)
	if err != nil {
		return nil, fmt.Errorf("failed to query compaction candidates: %w", err)
	}
	defer rows.Close()

	candidates := make(map[int64]string)
	for rows.Next() {
		var id int64
		var path string
		if err := rows.Scan(&id, &path); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		candidates[id] = path
	}
	return candidates, rows.Err()
}

// DeleteEntries removes the rows with the given ids in one transaction
func (s *SQLiteStore) DeleteEntries(ctx context.Context, ids []int64) (err error) {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM entries WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err = stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("failed to delete entry %d: %w", id, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// ReferencedPaths returns the path of every row
func (s *SQLiteStore) ReferencedPaths(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM entries`)
	if err != nil {
		return nil, fmt.Errorf("failed to query paths: %w", err)
	}
	defer rows.Close()

	paths := make(map[string]struct{})
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("failed to scan path: %w", err)
		}
		paths[path] = struct{}{}
	}
	return paths, rows.Err()
}

// EntriesForKey returns every row of key
func (s *SQLiteStore) EntriesForKey(ctx context.Context, key string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entry_key, as_at, path, status FROM entries WHERE entry_key = ? ORDER BY id`,
		key,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Key, &e.Timestamp, &e.Path, &e.Status); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LatestTimestamp returns the greatest as_at in the table
func (s *SQLiteStore) LatestTimestamp(ctx context.Context) (int64, error) {
	var ts int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(as_at), 0) FROM entries`).Scan(&ts); err != nil {
		return 0, fmt.Errorf("failed to query latest timestamp: %w", err)
	}
	return ts, nil
}

// Stats counts rows per status
func (s *SQLiteStore) Stats(ctx context.Context) (EntryStats, error) {
	var stats EntryStats

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM entries GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("failed to query entry stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("failed to scan entry stats: %w", err)
		}
		switch status {
		case StatusUpdating:
			stats.Updating = count
		case StatusCommitted:
			stats.Committed = count
		case StatusRemoved:
			stats.Removed = count
		}
	}
	return stats, rows.Err()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func exactlyOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// compile-time interface check
var _ Store = (*SQLiteStore)(nil)
