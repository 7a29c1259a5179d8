// Package sqlite provides SQLite-based persistent storage for devpilot: the
// relational Task Store backend and the work-history ledger table.
// Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/tutu-network/devpilot/internal/domain"
)

// DBFile is the database filename inside the data directory.
const DBFile = "devpilot.db"

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db    *sql.DB
	clock *domain.Clock
}

// Open creates or opens the SQLite database at dir/devpilot.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, DBFile)
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Connection pool settings for SQLite. A single connection also makes
	// every transaction below a serialized read-modify-write.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db, clock: domain.NewClock()}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		// Task Store. progress is a JSON array of strings, result a JSON
		// object; timestamps are unix nanoseconds so ordering is exact.
		`CREATE TABLE IF NOT EXISTS tasks (
			id          TEXT PRIMARY KEY,
			type        TEXT NOT NULL,
			status      TEXT NOT NULL,
			repo        TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			progress    TEXT NOT NULL DEFAULT '[]',
			branch      TEXT NOT NULL DEFAULT '',
			pr_url      TEXT NOT NULL DEFAULT '',
			result      TEXT,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_type ON tasks(type)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at)`,

		// Work-history ledger
		`CREATE TABLE IF NOT EXISTS work_history (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL DEFAULT '',
			action_type  TEXT NOT NULL,
			entity_id    TEXT NOT NULL DEFAULT '',
			repo         TEXT NOT NULL DEFAULT '',
			summary      TEXT NOT NULL,
			status       TEXT NOT NULL,
			started_at   INTEGER NOT NULL,
			completed_at INTEGER,
			metadata     TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_work_started ON work_history(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_work_entity ON work_history(entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_work_user ON work_history(user_id)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
