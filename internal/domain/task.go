// Package domain holds the core types shared by every layer of devpilot:
// tasks, work-history entries, sentinel errors, and the interfaces of the
// external collaborators (agent, knowledge base, repository service).
package domain

import (
	"encoding/json"
	"time"
)

// TaskStatus tracks task lifecycle.
//
//	queued -> running -> completed | failed | cancelled
//	queued -> failed | cancelled
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no further status change is allowed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskQueued, TaskRunning, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a task may move from one status to another.
// Status only moves forward; a no-op write of the same non-terminal status is
// allowed so callers can append progress alongside it.
func CanTransition(from, to TaskStatus) bool {
	if from.IsTerminal() {
		return false
	}
	switch to {
	case TaskQueued:
		return from == TaskQueued
	case TaskRunning:
		return from == TaskQueued || from == TaskRunning
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// TaskType is the kind of operation a task performs.
type TaskType string

const (
	TaskIssueSolver    TaskType = "issue-solver"
	TaskCodeWriter     TaskType = "code-writer"
	TaskCustom         TaskType = "custom-task"
	TaskCodeReview     TaskType = "code-review"
	TaskAudit          TaskType = "audit"
	TaskScaffoldPlan   TaskType = "scaffold-plan"
	TaskScaffoldCreate TaskType = "scaffold-create"
)

// TaskTypes lists every supported task type.
var TaskTypes = []TaskType{
	TaskIssueSolver, TaskCodeWriter, TaskCustom, TaskCodeReview,
	TaskAudit, TaskScaffoldPlan, TaskScaffoldCreate,
}

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	for _, known := range TaskTypes {
		if t == known {
			return true
		}
	}
	return false
}

// TaskResult is the terminal payload of a task.
type TaskResult struct {
	Summary string          `json:"summary"`
	PRURL   string          `json:"prUrl,omitempty"`
	Branch  string          `json:"branch,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"` // structured payload (review findings, plans)
}

// Task is one long-running, user-triggered operation.
type Task struct {
	ID          string      `json:"id"`
	Type        TaskType    `json:"type"`
	Status      TaskStatus  `json:"status"`
	Repo        string      `json:"repo,omitempty"`
	Description string      `json:"description"`
	Progress    []string    `json:"progress"`
	Branch      string      `json:"branch,omitempty"`
	PRURL       string      `json:"prUrl,omitempty"`
	Result      *TaskResult `json:"result,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// IsTerminal returns true if the task has reached a final state.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// Clone returns a deep copy so callers never share slices with a store.
func (t Task) Clone() Task {
	c := t
	c.Progress = append([]string(nil), t.Progress...)
	if c.Progress == nil {
		c.Progress = []string{}
	}
	if t.Result != nil {
		r := *t.Result
		r.Data = append(json.RawMessage(nil), t.Result.Data...)
		if len(r.Data) == 0 {
			r.Data = nil
		}
		c.Result = &r
	}
	return c
}

// TaskPatch describes one atomic mutation of a task. Nil fields are left
// untouched; Progress entries are appended in order.
type TaskPatch struct {
	Status   *TaskStatus
	Progress []string
	Branch   string // applied only when non-empty
	PRURL    string // applied only when non-empty
	Result   *TaskResult
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Status == nil && len(p.Progress) == 0 && p.Branch == "" && p.PRURL == "" && p.Result == nil
}

// StatusPtr is a convenience for building patches.
func StatusPtr(s TaskStatus) *TaskStatus { return &s }

// Apply mutates t according to p and the lifecycle rules. It is shared by
// every TaskRepository implementation so both backends enforce the same
// invariants. now must be strictly after t.UpdatedAt.
func (p TaskPatch) Apply(t *Task, now time.Time) error {
	if t.Status.IsTerminal() {
		// Only a late progress append survives a terminal transition.
		if p.Status != nil || p.Result != nil || p.Branch != "" || p.PRURL != "" {
			return ErrTaskTerminal
		}
	}
	if p.Status != nil && !CanTransition(t.Status, *p.Status) {
		return ErrInvalidTransition
	}

	if p.Status != nil {
		t.Status = *p.Status
	}
	t.Progress = append(t.Progress, p.Progress...)
	if p.Branch != "" {
		t.Branch = p.Branch
	}
	if p.PRURL != "" {
		t.PRURL = p.PRURL
	}
	if p.Result != nil {
		r := *p.Result
		t.Result = &r
	}
	t.UpdatedAt = now
	return nil
}

// TaskFilter narrows a task listing. Zero values match everything.
type TaskFilter struct {
	Type   TaskType
	Status TaskStatus
	Limit  int
}

// Matches reports whether t satisfies the filter (Limit is ignored).
func (f TaskFilter) Matches(t *Task) bool {
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	return true
}
