package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/devpilot/internal/app/runner"
	"github.com/tutu-network/devpilot/internal/domain"
)

// ─── End To End ─────────────────────────────────────────────────────────────

func TestService_CodeWriterFailure(t *testing.T) {
	ctx := context.Background()
	ag := &fakeAgent{
		events: []domain.AgentEvent{{Kind: domain.EventToolCall, ToolName: "create_branch"}},
		err:    errors.New("rate limited"),
	}
	h := newHarness(t, ag, nil)

	task, err := h.svc.Submit(ctx, Caller{UserID: "u1"}, SubmitRequest{
		Type:        domain.TaskCodeWriter,
		Repo:        "acme/widgets",
		Description: "add logging",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskQueued, task.Status)

	final := h.wait(t, task.ID)
	assert.Equal(t, domain.TaskFailed, final.Status)
	assert.Equal(t, []string{
		"Agent is working on the change...",
		"Using tool: create_branch",
		"Failed: rate limited",
	}, final.Progress)
	require.NotNil(t, final.Result)
	assert.Contains(t, final.Result.Summary, "rate limited")

	entry := h.workFor(t, task.ID)
	assert.Equal(t, domain.WorkFailed, entry.Status)
	assert.Equal(t, domain.ActionCodeWrite, entry.ActionType)
	assert.Equal(t, "u1", entry.UserID)
	assert.Equal(t, "rate limited", entry.Metadata["error"])

	msg, ok := h.runner.Err(task.ID)
	require.True(t, ok)
	assert.Equal(t, "rate limited", msg)
}

func TestService_CodeWriterSuccessWithPR(t *testing.T) {
	ctx := context.Background()
	ag := &fakeAgent{
		events: []domain.AgentEvent{
			{Kind: domain.EventToolCall, ToolName: "create_pull_request"},
			{Kind: domain.EventToolResult, Detail: `{"html_url":"https://github.com/acme/widgets/pull/42","head":"refs/heads/feature/logging"}`},
		},
		text: "Added structured logging.",
	}
	h := newHarness(t, ag, nil)

	task, err := h.svc.Submit(ctx, Caller{Credential: "ghp_user"}, SubmitRequest{
		Type: domain.TaskCodeWriter, Repo: "acme/widgets", Description: "add logging",
	})
	require.NoError(t, err)

	final := h.wait(t, task.ID)
	assert.Equal(t, domain.TaskCompleted, final.Status)
	assert.Equal(t, "https://github.com/acme/widgets/pull/42", final.PRURL)
	assert.Equal(t, "feature/logging", final.Branch)
	require.NotNil(t, final.Result)
	assert.Equal(t, "Added structured logging.", final.Result.Summary)
	assert.Equal(t, "Pull request: https://github.com/acme/widgets/pull/42", final.Progress[len(final.Progress)-1])

	entry := h.workFor(t, task.ID)
	assert.Equal(t, domain.WorkCompleted, entry.Status)
	assert.Equal(t, "https://github.com/acme/widgets/pull/42", entry.Metadata["prUrl"])
}

// ─── Cancellation ───────────────────────────────────────────────────────────

func TestService_Cancel(t *testing.T) {
	ctx := context.Background()
	ag := &fakeAgent{gate: make(chan struct{}), text: "https://github.com/acme/widgets/pull/9"}
	h := newHarness(t, ag, nil)

	task, err := h.svc.Submit(ctx, Caller{}, SubmitRequest{Type: domain.TaskCustom, Description: "do it"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ag.lastPrompt() != "" }, 2*time.Second, 5*time.Millisecond)

	cancelled, err := h.svc.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, cancelled.Status)

	_, err = h.svc.Cancel(ctx, task.ID)
	assert.ErrorIs(t, err, domain.ErrNotCancellable)

	close(ag.gate)
	final := h.wait(t, task.ID)
	assert.Equal(t, domain.TaskCancelled, final.Status)
	assert.Equal(t, "Task cancelled by user", final.Progress[len(final.Progress)-1])
	assert.Empty(t, final.PRURL, "results after cancellation are not reflected")

	entry := h.workFor(t, task.ID)
	assert.Equal(t, domain.WorkCompleted, entry.Status)
	assert.Equal(t, "cancelled", entry.Metadata["outcome"])
}

func TestService_CancelWinsOverFailure(t *testing.T) {
	ctx := context.Background()
	racing := &cancelBeforeFail{}
	h := newHarnessWithStore(t, &fakeAgent{err: errors.New("rate limited")}, nil, func(r domain.TaskRepository) domain.TaskRepository {
		racing.TaskRepository = r
		return racing
	})
	racing.svc = h.svc

	task, err := h.svc.Submit(ctx, Caller{UserID: "u1"}, SubmitRequest{Type: domain.TaskCustom, Description: "x"})
	require.NoError(t, err)
	final := h.wait(t, task.ID)

	require.NoError(t, racing.cancelErr)
	assert.Equal(t, domain.TaskCancelled, final.Status)
	assert.Equal(t, "Task cancelled by user", final.Progress[len(final.Progress)-1])

	entry := h.workFor(t, task.ID)
	assert.Equal(t, domain.WorkCompleted, entry.Status)
	assert.Equal(t, "cancelled", entry.Metadata["outcome"])
	assert.NotContains(t, entry.Metadata, "error")

	status, _ := h.runner.Status(task.ID)
	assert.Equal(t, runner.StatusCancelled, status)
}

func TestService_CancelFinished(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	task, err := h.svc.Submit(ctx, Caller{}, SubmitRequest{Type: domain.TaskCustom, Description: "x"})
	require.NoError(t, err)
	h.wait(t, task.ID)

	_, err = h.svc.Cancel(ctx, task.ID)
	assert.ErrorIs(t, err, domain.ErrNotCancellable)

	_, err = h.svc.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

// ─── Validation ─────────────────────────────────────────────────────────────

func TestService_SubmitValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"unknown type", SubmitRequest{Type: "deploy", Description: "x"}},
		{"missing type", SubmitRequest{Description: "x"}},
		{"code writer needs repo", SubmitRequest{Type: domain.TaskCodeWriter, Description: "x"}},
		{"bad repo", SubmitRequest{Type: domain.TaskCodeReview, Repo: "not a repo"}},
		{"issue solver needs number", SubmitRequest{Type: domain.TaskIssueSolver, Repo: "a/b"}},
		{"custom needs description", SubmitRequest{Type: domain.TaskCustom, Description: "   "}},
		{"scaffold needs plan", SubmitRequest{Type: domain.TaskScaffoldCreate}},
		{"scaffold absolute path", SubmitRequest{Type: domain.TaskScaffoldCreate, Options: Options{Plan: &ScaffoldPlan{
			Name: "demo", Files: []domain.FileChange{{Path: "/etc/passwd"}},
		}}}},
		{"escaping review path", SubmitRequest{Type: domain.TaskCodeReview, Repo: "a/b", Options: Options{Paths: []string{"../x"}}}},
		{"unknown plan task", SubmitRequest{Type: domain.TaskScaffoldCreate, Options: Options{PlanTaskID: "nope"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Submit(ctx, Caller{}, tt.req)
			assert.ErrorIs(t, err, domain.ErrInvalidRequest)
		})
	}

	all, err := h.svc.List(ctx, domain.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, all, "rejected requests never create tasks")
}

func TestService_SubmitNeedsCredential(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.svc.cfg.DefaultCredential = ""
	_, err := h.svc.Submit(context.Background(), Caller{}, SubmitRequest{Type: domain.TaskCustom, Description: "x"})
	assert.ErrorIs(t, err, domain.ErrNoCredential)
}

// ─── Grounding ──────────────────────────────────────────────────────────────

func TestService_KnowledgeDegrades(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, &fakeKB{err: errors.New("vector store offline")})

	task, err := h.svc.Submit(ctx, Caller{}, SubmitRequest{Type: domain.TaskCustom, Description: "summarize"})
	require.NoError(t, err)
	final := h.wait(t, task.ID)

	assert.Equal(t, domain.TaskCompleted, final.Status)
	assert.Contains(t, final.Progress, "Knowledge base unavailable, continuing without grounding")
}

func TestService_KnowledgeGroundsPrompt(t *testing.T) {
	ctx := context.Background()
	kb := &fakeKB{hits: []domain.KnowledgeHit{{
		ID:       "doc-1",
		Content:  "All services log with slog.",
		Metadata: domain.KnowledgeMetadata{Filename: "logging.md", Title: "Logging"},
		Score:    0.9,
	}}}
	h := newHarness(t, nil, kb)

	task, err := h.svc.Submit(ctx, Caller{}, SubmitRequest{Type: domain.TaskCodeWriter, Repo: "acme/widgets", Description: "add logging"})
	require.NoError(t, err)
	final := h.wait(t, task.ID)

	assert.Equal(t, domain.TaskCompleted, final.Status)
	assert.Contains(t, final.Progress, "Found 1 relevant knowledge documents")
	assert.Contains(t, h.agent.lastPrompt(), "All services log with slog.")
	assert.Contains(t, h.agent.lastPrompt(), "acme/widgets")
}

// ─── Structured Results ─────────────────────────────────────────────────────

func TestService_CodeReviewNoFindings(t *testing.T) {
	ctx := context.Background()
	ag := &fakeAgent{text: "Looks good.\n```json\n{\"summary\": \"clean\", \"findings\": []}\n```"}
	h := newHarness(t, ag, nil)
	h.repos.tree = []domain.TreeEntry{{Path: "main.go", Type: "blob"}, {Path: "cmd", Type: "tree"}}

	task, err := h.svc.Submit(ctx, Caller{}, SubmitRequest{Type: domain.TaskCodeReview, Repo: "acme/widgets"})
	require.NoError(t, err)
	final := h.wait(t, task.ID)

	assert.Equal(t, domain.TaskCompleted, final.Status)
	assert.Equal(t, "No findings", final.Result.Summary)
	assert.JSONEq(t, `{"summary":"clean","findings":[]}`, string(final.Result.Data))
	assert.Contains(t, final.Progress, "Read repository tree (1 files)")
	assert.Contains(t, h.agent.lastPrompt(), "- main.go")
}

func TestService_AuditFindings(t *testing.T) {
	ctx := context.Background()
	ag := &fakeAgent{text: `{"summary":"one secret","score":70,"findings":[{"severity":"high","file":"config.go","line":3,"title":"Hardcoded token"}]}`}
	h := newHarness(t, ag, nil)

	task, err := h.svc.Submit(ctx, Caller{}, SubmitRequest{Type: domain.TaskAudit, Repo: "acme/widgets"})
	require.NoError(t, err)
	final := h.wait(t, task.ID)

	assert.Equal(t, domain.TaskCompleted, final.Status)
	assert.Equal(t, "Audit found 1 issue(s) (1 high): one secret", final.Result.Summary)
}

func TestService_UnparseableReview(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeAgent{text: "I could not finish the review."}, nil)

	task, err := h.svc.Submit(ctx, Caller{}, SubmitRequest{Type: domain.TaskCodeReview, Repo: "acme/widgets"})
	require.NoError(t, err)
	final := h.wait(t, task.ID)

	assert.Equal(t, domain.TaskFailed, final.Status)
	assert.True(t, strings.HasPrefix(final.Result.Summary, "Could not parse the agent response"), final.Result.Summary)
}

func TestService_LongErrorTruncated(t *testing.T) {
	ctx := context.Background()
	long := strings.Repeat("é", 500)
	h := newHarness(t, &fakeAgent{err: errors.New(long)}, nil)

	task, err := h.svc.Submit(ctx, Caller{}, SubmitRequest{Type: domain.TaskCustom, Description: "x"})
	require.NoError(t, err)
	final := h.wait(t, task.ID)

	assert.Equal(t, 200, utf8.RuneCountInString(final.Result.Summary))
	assert.Equal(t, long, h.workFor(t, task.ID).Metadata["error"], "ledger keeps the raw message")
}

// ─── Scaffolding ────────────────────────────────────────────────────────────

func TestService_ScaffoldPlanThenCreate(t *testing.T) {
	ctx := context.Background()
	ag := &fakeAgent{text: "```json\n" +
		`{"name":"demo","description":"a demo","private":true,"files":[{"path":"README.md","content":"# demo"},{"path":"cmd/demo/main.go","content":"package main"}]}` +
		"\n```"}
	h := newHarness(t, ag, nil)

	planTask, err := h.svc.Submit(ctx, Caller{}, SubmitRequest{Type: domain.TaskScaffoldPlan, Description: "a demo CLI"})
	require.NoError(t, err)
	planned := h.wait(t, planTask.ID)
	require.Equal(t, domain.TaskCompleted, planned.Status)
	assert.Equal(t, "Plan for demo with 2 files", planned.Result.Summary)

	createTask, err := h.svc.Submit(ctx, Caller{}, SubmitRequest{
		Type:    domain.TaskScaffoldCreate,
		Options: Options{PlanTaskID: planTask.ID},
	})
	require.NoError(t, err)
	created := h.wait(t, createTask.ID)

	assert.Equal(t, domain.TaskCompleted, created.Status)
	assert.Equal(t, []string{"README.md", "cmd/demo/main.go"}, h.repos.committed)
	assert.Equal(t, []string{
		"Creating repository...",
		"Created repository octo/demo",
		"Committed README.md (1/2)",
		"Committed cmd/demo/main.go (2/2)",
		"Completed",
	}, created.Progress)
	assert.Equal(t, "Created repository octo/demo with 2 files", created.Result.Summary)
	assert.Equal(t, domain.ActionScaffoldCreate, h.workFor(t, createTask.ID).ActionType)
}

func TestService_ScaffoldCommitFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	h.repos.failOn = "b.txt"

	task, err := h.svc.Submit(ctx, Caller{}, SubmitRequest{Type: domain.TaskScaffoldCreate, Options: Options{Plan: &ScaffoldPlan{
		Name:  "demo",
		Files: []domain.FileChange{{Path: "a.txt", Content: "a"}, {Path: "b.txt", Content: "b"}},
	}}})
	require.NoError(t, err)
	final := h.wait(t, task.ID)

	assert.Equal(t, domain.TaskFailed, final.Status)
	assert.Equal(t, "commit b.txt: commit rejected", final.Result.Summary)
	assert.Equal(t, []string{"a.txt"}, h.repos.committed)
}

// ─── Issues ─────────────────────────────────────────────────────────────────

func TestService_IssueSolver(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeAgent{text: "Fixed in https://github.com/acme/widgets/pull/5"}, nil)
	h.repos.issue = &domain.Issue{Number: 12, Title: "Crash on empty input", Body: "steps..."}

	task, err := h.svc.Submit(ctx, Caller{}, SubmitRequest{
		Type: domain.TaskIssueSolver, Repo: "acme/widgets", Options: Options{IssueNumber: 12},
	})
	require.NoError(t, err)
	assert.Equal(t, "Solve issue #12 in acme/widgets", task.Description)

	final := h.wait(t, task.ID)
	assert.Equal(t, domain.TaskCompleted, final.Status)
	assert.Equal(t, "https://github.com/acme/widgets/pull/5", final.PRURL)
	assert.Contains(t, final.Progress, "Loaded issue #12: Crash on empty input")
	assert.Contains(t, h.agent.lastPrompt(), "Resolve issue #12: Crash on empty input")
}

// ─── Listing & Reaping ──────────────────────────────────────────────────────

func TestService_ListFilters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	empty, err := h.svc.List(ctx, domain.TaskFilter{})
	require.NoError(t, err)
	assert.Equal(t, []domain.Task{}, empty)

	a, err := h.svc.Submit(ctx, Caller{}, SubmitRequest{Type: domain.TaskCustom, Description: "one"})
	require.NoError(t, err)
	h.wait(t, a.ID)
	b, err := h.svc.Submit(ctx, Caller{}, SubmitRequest{Type: domain.TaskScaffoldPlan, Description: "two"})
	require.NoError(t, err)
	h.wait(t, b.ID)

	customs, err := h.svc.List(ctx, domain.TaskFilter{Type: domain.TaskCustom})
	require.NoError(t, err)
	require.Len(t, customs, 1)
	assert.Equal(t, a.ID, customs[0].ID)

	all, err := h.svc.List(ctx, domain.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID, "most recently updated first")
}

func TestService_ReapOrphans(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	_, err := h.tasks.Create(ctx, domain.Task{ID: "stale-running", Type: domain.TaskCodeWriter})
	require.NoError(t, err)
	_, err = h.tasks.Update(ctx, "stale-running", domain.TaskPatch{Status: domain.StatusPtr(domain.TaskRunning)})
	require.NoError(t, err)
	_, err = h.tasks.Create(ctx, domain.Task{ID: "stale-queued", Type: domain.TaskAudit})
	require.NoError(t, err)
	_, err = h.tasks.Create(ctx, domain.Task{ID: "done", Type: domain.TaskAudit, Status: domain.TaskCompleted})
	require.NoError(t, err)

	n, err := h.svc.ReapOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{"stale-running", "stale-queued"} {
		got, err := h.tasks.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskFailed, got.Status)
		assert.Equal(t, InterruptedMessage, got.Progress[len(got.Progress)-1])
	}
	done, _ := h.tasks.Get(ctx, "done")
	assert.Equal(t, domain.TaskCompleted, done.Status)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}
