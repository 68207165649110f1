package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// Migration is one forward step of the entries schema
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx *sql.Tx) error
}

// Applied describes a migration recorded in schema_migrations
type Applied struct {
	Version     int
	Description string
	AppliedAt   time.Time
}

// Manager brings a shard's metadata database up to the schema this binary
// expects. Each step runs in its own transaction together with its record.
type Manager struct {
	db         *sql.DB
	migrations []Migration
	logger     *logrus.Logger
}

// NewManager creates a manager for every known migration
func NewManager(db *sql.DB, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}

	steps := all()
	sort.Slice(steps, func(i, j int) bool { return steps[i].Version < steps[j].Version })

	return &Manager{db: db, migrations: steps, logger: logger}
}

// Latest is the version Migrate brings a database to
func (m *Manager) Latest() int {
	if len(m.migrations) == 0 {
		return 0
	}
	return m.migrations[len(m.migrations)-1].Version
}

// Version reports the schema version of the database, 0 when unmigrated
func (m *Manager) Version(ctx context.Context) (int, error) {
	if err := m.ensureTable(ctx); err != nil {
		return 0, err
	}

	var version int
	if err := m.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// Migrate applies every pending migration
func (m *Manager) Migrate(ctx context.Context) error {
	return m.MigrateTo(ctx, m.Latest())
}

// MigrateTo applies pending migrations up to and including target. A
// database already past target is refused rather than downgraded.
func (m *Manager) MigrateTo(ctx context.Context, target int) error {
	current, err := m.Version(ctx)
	if err != nil {
		return err
	}
	if current > target {
		return fmt.Errorf("metadata schema version %d is newer than this binary supports (%d)", current, target)
	}

	steps := m.pending(current, target)
	if len(steps) == 0 {
		m.logger.WithField("version", current).Debug("Metadata schema is up to date")
		return nil
	}

	m.logger.WithFields(logrus.Fields{"from": current, "to": target}).Info("Migrating metadata schema")
	for _, step := range steps {
		if err := m.apply(ctx, step); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", step.Version, step.Description, err)
		}
		m.logger.WithField("version", step.Version).Debugf("Applied migration: %s", step.Description)
	}
	return nil
}

// History lists the applied migrations, oldest first
func (m *Manager) History(ctx context.Context) ([]Applied, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx, `SELECT version, description, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query migration history: %w", err)
	}
	defer rows.Close()

	var history []Applied
	for rows.Next() {
		var a Applied
		var appliedAt int64
		if err := rows.Scan(&a.Version, &a.Description, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration record: %w", err)
		}
		a.AppliedAt = time.Unix(0, appliedAt)
		history = append(history, a)
	}
	return history, rows.Err()
}

func (m *Manager) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at  INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}
	return nil
}

func (m *Manager) pending(current, target int) []Migration {
	var steps []Migration
	for _, step := range m.migrations {
		if step.Version > current && step.Version <= target {
			steps = append(steps, step)
		}
	}
	return steps
}

func (m *Manager) apply(ctx context.Context, step Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // no-op after Commit

	if err := step.Up(ctx, tx); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`,
		step.Version, step.Description, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}
