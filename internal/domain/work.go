package domain

import "time"

// ActionType is the closed set of user-triggered actions recorded in the
// work-history ledger. It overlaps TaskType but is not the same enum.
type ActionType string

const (
	ActionIssueSolve      ActionType = "issue_solve"
	ActionCodeWrite       ActionType = "code_write"
	ActionCustomTask      ActionType = "custom_task"
	ActionCodeReview      ActionType = "code_review"
	ActionComplianceAudit ActionType = "compliance_audit"
	ActionScaffoldPlan    ActionType = "scaffold_plan"
	ActionScaffoldCreate  ActionType = "scaffold_create"
)

// ActionFor maps a task type to the ledger action it is recorded under.
func ActionFor(t TaskType) ActionType {
	switch t {
	case TaskIssueSolver:
		return ActionIssueSolve
	case TaskCodeWriter:
		return ActionCodeWrite
	case TaskCodeReview:
		return ActionCodeReview
	case TaskAudit:
		return ActionComplianceAudit
	case TaskScaffoldPlan:
		return ActionScaffoldPlan
	case TaskScaffoldCreate:
		return ActionScaffoldCreate
	default:
		return ActionCustomTask
	}
}

// WorkStatus tracks a ledger entry: started -> completed | failed.
type WorkStatus string

const (
	WorkStarted   WorkStatus = "started"
	WorkCompleted WorkStatus = "completed"
	WorkFailed    WorkStatus = "failed"
)

// WorkEntry is one audit record in the work-history ledger.
type WorkEntry struct {
	ID          string         `json:"id"`
	UserID      string         `json:"userId,omitempty"`
	ActionType  ActionType     `json:"actionType"`
	EntityID    string         `json:"entityId,omitempty"`
	Repo        string         `json:"repo,omitempty"`
	Summary     string         `json:"summary"`
	Status      WorkStatus     `json:"status"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Metadata    map[string]any `json:"metadata"`
}

// Duration returns how long the action took (0 while still started).
func (e *WorkEntry) Duration() time.Duration {
	if e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(e.StartedAt)
}

// WorkStart carries the fields known when an action begins.
type WorkStart struct {
	UserID     string
	ActionType ActionType
	Repo       string
	Summary    string
	EntityID   string
}

// WorkFilter narrows a ledger listing.
type WorkFilter struct {
	UserID string
	Repo   string
	Limit  int
}
