package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tutu-network/devpilot/internal/domain"
)

// ─── Work-History Ledger ────────────────────────────────────────────────────

// WorkStore is the WorkRepository backed by the work_history table.
type WorkStore struct {
	d *DB
}

var _ domain.WorkRepository = (*WorkStore)(nil)

// NewWorkStore returns a WorkRepository over d.
func NewWorkStore(d *DB) *WorkStore {
	return &WorkStore{d: d}
}

const workColumns = `id, user_id, action_type, entity_id, repo, summary, status, started_at, completed_at, metadata`

// InsertWork creates a started ledger entry.
func (s *WorkStore) InsertWork(ctx context.Context, e domain.WorkEntry) error {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	meta, err := encodeJSON(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if e.Status == "" {
		e.Status = domain.WorkStarted
	}
	_, err = s.d.db.ExecContext(ctx,
		`INSERT INTO work_history (`+workColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, string(e.ActionType), e.EntityID, e.Repo, e.Summary,
		string(e.Status), e.StartedAt.UnixNano(), nullableNanos(e.CompletedAt), meta,
	)
	if err != nil {
		return fmt.Errorf("insert work entry: %w", err)
	}
	return nil
}

// CompleteWork closes a started entry as completed. A non-nil metadata map
// replaces the stored one.
func (s *WorkStore) CompleteWork(ctx context.Context, id string, at time.Time, metadata map[string]any) error {
	return s.close(ctx, id, domain.WorkCompleted, at, func(stored map[string]any) map[string]any {
		if metadata == nil {
			return stored
		}
		return metadata
	})
}

// FailWork closes a started entry as failed, merging extra into the stored
// metadata so partial progress recorded before the failure survives.
func (s *WorkStore) FailWork(ctx context.Context, id string, at time.Time, extra map[string]any) error {
	return s.close(ctx, id, domain.WorkFailed, at, func(stored map[string]any) map[string]any {
		for k, v := range extra {
			stored[k] = v
		}
		return stored
	})
}

// close is a conditional update: read, merge and write happen in one
// transaction guarded by status = 'started', so an entry is closed once.
func (s *WorkStore) close(ctx context.Context, id string, status domain.WorkStatus, at time.Time, merge func(map[string]any) map[string]any) error {
	tx, err := s.d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin close: %w", err)
	}
	defer tx.Rollback()

	var current, rawMeta string
	err = tx.QueryRowContext(ctx, `SELECT status, metadata FROM work_history WHERE id = ?`, id).Scan(&current, &rawMeta)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrWorkNotFound
	}
	if err != nil {
		return fmt.Errorf("read work entry %s: %w", id, err)
	}
	if domain.WorkStatus(current) != domain.WorkStarted {
		return domain.ErrWorkClosed
	}

	stored := map[string]any{}
	if rawMeta != "" {
		if err := json.Unmarshal([]byte(rawMeta), &stored); err != nil {
			return fmt.Errorf("decode metadata for %s: %w", id, err)
		}
	}
	meta, err := encodeJSON(merge(stored))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE work_history SET status = ?, completed_at = ?, metadata = ?
		 WHERE id = ? AND status = ?`,
		string(status), at.UnixNano(), meta, id, string(domain.WorkStarted),
	)
	if err != nil {
		return fmt.Errorf("close work entry %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close work entry %s: %w", id, err)
	}
	if n == 0 {
		return domain.ErrWorkClosed
	}
	return tx.Commit()
}

// GetWork retrieves one ledger entry.
func (s *WorkStore) GetWork(ctx context.Context, id string) (*domain.WorkEntry, error) {
	row := s.d.db.QueryRowContext(ctx, `SELECT `+workColumns+` FROM work_history WHERE id = ?`, id)
	return scanWork(row)
}

// ListWork returns entries newest first.
func (s *WorkStore) ListWork(ctx context.Context, filter domain.WorkFilter) ([]domain.WorkEntry, error) {
	query := `SELECT ` + workColumns + ` FROM work_history`
	var where []string
	var args []any
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Repo != "" {
		where = append(where, "repo = ?")
		args = append(args, filter.Repo)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list work: %w", err)
	}
	defer rows.Close()

	entries := []domain.WorkEntry{}
	for rows.Next() {
		e, err := scanWork(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func scanWork(s scanner) (*domain.WorkEntry, error) {
	var e domain.WorkEntry
	var startedAt int64
	var completedAt sql.NullInt64
	var rawMeta string

	err := s.Scan(&e.ID, &e.UserID, &e.ActionType, &e.EntityID, &e.Repo, &e.Summary,
		&e.Status, &startedAt, &completedAt, &rawMeta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrWorkNotFound
	}
	if err != nil {
		return nil, err
	}

	e.StartedAt = fromNanos(startedAt)
	if completedAt.Valid {
		t := fromNanos(completedAt.Int64)
		e.CompletedAt = &t
	}
	e.Metadata = map[string]any{}
	if rawMeta != "" {
		if err := json.Unmarshal([]byte(rawMeta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", e.ID, err)
		}
	}
	return &e, nil
}
