// Package filestore is the flat-file Task Store backend: every task lives in
// one JSON document that is rewritten atomically on each mutation.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/tutu-network/devpilot/internal/domain"
)

// FileName is the store document inside the data directory.
const FileName = "tasks.json"

const docVersion = 1

type taskDoc struct {
	Version int           `json:"version"`
	Tasks   []domain.Task `json:"tasks"`
}

// TaskStore keeps tasks in memory and persists the whole set after every
// write. A single mutex serializes read-modify-write cycles.
type TaskStore struct {
	mu    sync.RWMutex
	path  string
	tasks map[string]*domain.Task
	clock *domain.Clock
}

var _ domain.TaskRepository = (*TaskStore)(nil)

// Open loads dir/tasks.json, creating an empty store if it does not exist.
func Open(dir string) (*TaskStore, error) {
	s := &TaskStore{
		path:  filepath.Join(dir, FileName),
		tasks: make(map[string]*domain.Task),
		clock: domain.NewClock(),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file.
func (s *TaskStore) Path() string { return s.path }

func (s *TaskStore) load() error {
	data, err := readFileOrEmpty(s.path)
	if err != nil {
		return fmt.Errorf("read task store: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	var doc taskDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode task store %s: %w", s.path, err)
	}
	if doc.Version > docVersion {
		return fmt.Errorf("task store %s has version %d, newer than supported %d", s.path, doc.Version, docVersion)
	}
	for i := range doc.Tasks {
		t := doc.Tasks[i].Clone()
		s.tasks[t.ID] = &t
	}
	return nil
}

func (s *TaskStore) persistLocked() error {
	doc := taskDoc{Version: docVersion, Tasks: make([]domain.Task, 0, len(s.tasks))}
	for _, t := range s.tasks {
		doc.Tasks = append(doc.Tasks, *t)
	}
	sort.Slice(doc.Tasks, func(i, j int) bool {
		return doc.Tasks[i].CreatedAt.Before(doc.Tasks[j].CreatedAt)
	})
	data, err := marshalIndent(doc)
	if err != nil {
		return fmt.Errorf("encode task store: %w", err)
	}
	if err := atomicWrite(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write task store: %w", err)
	}
	return nil
}

// Create inserts a new task.
func (s *TaskStore) Create(_ context.Context, task domain.Task) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if _, exists := s.tasks[task.ID]; exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskExists, task.ID)
	}
	if task.Status == "" {
		task.Status = domain.TaskQueued
	}
	now := s.clock.Next(task.CreatedAt)
	task.CreatedAt = now
	task.UpdatedAt = now

	stored := task.Clone()
	s.tasks[stored.ID] = &stored
	if err := s.persistLocked(); err != nil {
		delete(s.tasks, stored.ID)
		return nil, err
	}
	out := stored.Clone()
	return &out, nil
}

// Get returns a copy of the task.
func (s *TaskStore) Get(_ context.Context, id string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	out := t.Clone()
	return &out, nil
}

// List returns matching tasks ordered by UpdatedAt descending.
func (s *TaskStore) List(_ context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []domain.Task{}
	for _, t := range s.tasks {
		if filter.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Update applies patch atomically. On a write failure the in-memory task is
// rolled back so memory and disk never diverge.
func (s *TaskStore) Update(_ context.Context, id string, patch domain.TaskPatch) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	if patch.Empty() {
		out := cur.Clone()
		return &out, nil
	}

	next := cur.Clone()
	if err := patch.Apply(&next, s.clock.Next(cur.UpdatedAt)); err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	s.tasks[id] = &next
	if err := s.persistLocked(); err != nil {
		s.tasks[id] = cur
		return nil, err
	}
	out := next.Clone()
	return &out, nil
}

// Ping verifies the backing directory exists, recreating it if needed.
func (s *TaskStore) Ping(_ context.Context) error {
	dir := filepath.Dir(s.path)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dir, 0o700)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}
