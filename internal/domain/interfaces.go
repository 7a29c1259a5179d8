package domain

import (
	"context"
	"time"
)

// ─── Storage Interfaces ─────────────────────────────────────────────────────
// Infrastructure implements them; the application layer depends on them.

// TaskRepository is the Task Store contract. Implementations: infra/sqlite
// (relational table) and infra/filestore (flat JSON file).
//
// Every Update is applied atomically through TaskPatch.Apply, so both
// backends enforce forward-only status, terminal finality and append-only
// progress. Callers must still keep at most one producer of progress per
// task id for the order of appends to be meaningful.
type TaskRepository interface {
	Create(ctx context.Context, task Task) (*Task, error)
	Get(ctx context.Context, id string) (*Task, error)
	// List returns matching tasks ordered by UpdatedAt descending.
	List(ctx context.Context, filter TaskFilter) ([]Task, error)
	Update(ctx context.Context, id string, patch TaskPatch) (*Task, error)
	Ping(ctx context.Context) error
}

// WorkRepository persists work-history entries.
type WorkRepository interface {
	InsertWork(ctx context.Context, entry WorkEntry) error
	// CompleteWork sets status completed; metadata replaces the stored value
	// when non-nil. Returns ErrWorkClosed if the entry is no longer started.
	CompleteWork(ctx context.Context, id string, at time.Time, metadata map[string]any) error
	// FailWork sets status failed and merges extra into stored metadata.
	FailWork(ctx context.Context, id string, at time.Time, extra map[string]any) error
	GetWork(ctx context.Context, id string) (*WorkEntry, error)
	ListWork(ctx context.Context, filter WorkFilter) ([]WorkEntry, error)
}

// ─── Collaborator Interfaces ────────────────────────────────────────────────

// AgentEventKind tags an agent event.
type AgentEventKind string

const (
	EventToolCall   AgentEventKind = "tool_call"
	EventToolResult AgentEventKind = "tool_result"
	EventMessage    AgentEventKind = "message"
	EventError      AgentEventKind = "error"
)

// AgentEvent is one event emitted by the agent while it works.
type AgentEvent struct {
	Kind     AgentEventKind
	ToolName string // tool_call only
	Detail   string // tool_call (optional), tool_result, error
	Text     string // message delta
}

// Agent is the external AI agent. Invoke blocks until the agent settles,
// calling onEvent synchronously for each event, and returns its final text.
type Agent interface {
	Invoke(ctx context.Context, credential, prompt string, onEvent func(AgentEvent), timeout time.Duration) (string, error)
}

// KnowledgeMetadata describes where a knowledge-base document came from.
type KnowledgeMetadata struct {
	Filename  string    `json:"filename"`
	Category  string    `json:"category"`
	Title     string    `json:"title"`
	Tags      []string  `json:"tags,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// KnowledgeHit is one similarity-search result.
type KnowledgeHit struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata KnowledgeMetadata `json:"metadata"`
	Score    float32           `json:"score"`
}

// KnowledgeBase searches grounding documents.
type KnowledgeBase interface {
	Search(ctx context.Context, query string, topK int) ([]KnowledgeHit, error)
}

// TreeEntry is one path in a repository tree.
type TreeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"` // "blob" or "tree"
	Size int64  `json:"size,omitempty"`
}

// FileChange is a file to create or overwrite in a commit.
type FileChange struct {
	Path    string `json:"path" validate:"required"`
	Content string `json:"content"`
}

// Issue is a repository issue.
type Issue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body,omitempty"`
	State  string `json:"state"`
	URL    string `json:"url"`
}

// PullRequestInput describes a pull request to open.
type PullRequestInput struct {
	Title string
	Body  string
	Head  string
	Base  string
}

// RepoService is the GitHub-equivalent repository service. Results are
// opaque strings and URLs to the orchestration layer.
type RepoService interface {
	GetTree(ctx context.Context, credential, repo, ref string) ([]TreeEntry, error)
	GetFileContent(ctx context.Context, credential, repo, path, ref string) (string, error)
	CreateRepo(ctx context.Context, credential, name, description string, private bool) (string, error)
	CreateBranch(ctx context.Context, credential, repo, branch, fromRef string) (string, error)
	CommitFiles(ctx context.Context, credential, repo, branch, message string, files []FileChange) (string, error)
	CreatePullRequest(ctx context.Context, credential, repo string, pr PullRequestInput) (string, error)
	CreateIssue(ctx context.Context, credential, repo, title, body string) (string, error)
	ListIssues(ctx context.Context, credential, repo, state string) ([]Issue, error)
	GetIssue(ctx context.Context, credential, repo string, number int) (*Issue, error)
}
