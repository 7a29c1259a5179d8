package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/tutu-network/devpilot/internal/domain"
)

// ─── Task Repository ────────────────────────────────────────────────────────

// TaskStore is the relational TaskRepository backed by the tasks table.
type TaskStore struct {
	d *DB
}

var _ domain.TaskRepository = (*TaskStore)(nil)

// NewTaskStore returns a TaskRepository over d.
func NewTaskStore(d *DB) *TaskStore {
	return &TaskStore{d: d}
}

const taskColumns = `id, type, status, repo, description, progress, branch, pr_url, result, created_at, updated_at`

// Create inserts a new task. An empty ID is assigned; an empty status
// becomes queued.
func (s *TaskStore) Create(ctx context.Context, task domain.Task) (*domain.Task, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = domain.TaskQueued
	}
	now := s.d.clock.Next(task.CreatedAt)
	task.CreatedAt = now
	task.UpdatedAt = now
	task = task.Clone()

	progress, result, err := encodeTaskBlobs(&task)
	if err != nil {
		return nil, err
	}

	_, err = s.d.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, string(task.Type), string(task.Status), task.Repo, task.Description,
		progress, task.Branch, task.PRURL, result,
		task.CreatedAt.UnixNano(), task.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("%w: %s", domain.ErrTaskExists, task.ID)
		}
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return &task, nil
}

// Get retrieves a task by ID.
func (s *TaskStore) Get(ctx context.Context, id string) (*domain.Task, error) {
	row := s.d.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// List returns tasks matching filter ordered by updated_at descending.
func (s *TaskStore) List(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var where []string
	var args []any
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// Update applies patch inside one transaction. With the single-connection
// pool this serializes concurrent writers, so no append is lost.
func (s *TaskStore) Update(ctx context.Context, id string, patch domain.TaskPatch) (*domain.Task, error) {
	tx, err := s.d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	task, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if patch.Empty() {
		return task, nil
	}
	if err := patch.Apply(task, s.d.clock.Next(task.UpdatedAt)); err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}

	progress, result, err := encodeTaskBlobs(task)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, progress = ?, branch = ?, pr_url = ?, result = ?, updated_at = ?
		 WHERE id = ?`,
		string(task.Status), progress, task.Branch, task.PRURL, result, task.UpdatedAt.UnixNano(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return task, nil
}

// Ping checks database connectivity.
func (s *TaskStore) Ping(ctx context.Context) error {
	return s.d.db.PingContext(ctx)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func encodeTaskBlobs(t *domain.Task) (string, sql.NullString, error) {
	progress := t.Progress
	if progress == nil {
		progress = []string{}
	}
	p, err := encodeJSON(progress)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("encode progress: %w", err)
	}
	if t.Result == nil {
		return p, sql.NullString{}, nil
	}
	r, err := encodeJSON(t.Result)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("encode result: %w", err)
	}
	return p, sql.NullString{String: r, Valid: true}, nil
}

func scanTask(s scanner) (*domain.Task, error) {
	var t domain.Task
	var progress string
	var result sql.NullString
	var createdAt, updatedAt int64

	err := s.Scan(&t.ID, &t.Type, &t.Status, &t.Repo, &t.Description,
		&progress, &t.Branch, &t.PRURL, &result, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(progress), &t.Progress); err != nil {
		return nil, fmt.Errorf("decode progress for %s: %w", t.ID, err)
	}
	if t.Progress == nil {
		t.Progress = []string{}
	}
	if result.Valid {
		t.Result = &domain.TaskResult{}
		if err := json.Unmarshal([]byte(result.String), t.Result); err != nil {
			return nil, fmt.Errorf("decode result for %s: %w", t.ID, err)
		}
	}
	t.CreatedAt = fromNanos(createdAt)
	t.UpdatedAt = fromNanos(updatedAt)
	return &t, nil
}
