package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/tutu-network/devpilot/internal/app/agent"
	"github.com/tutu-network/devpilot/internal/domain"
	"github.com/tutu-network/devpilot/internal/infra/metrics"
)

// errCancelled unwinds a job that observed its cancellation flag. It is
// never written to the Task Store.
var errCancelled = errors.New("cancelled at checkpoint")

const (
	maxTreeEntries = 300
	maxSummaryLen  = 4000
)

// job is the closure state for one task.
type job struct {
	svc    *Service
	task   domain.Task
	req    SubmitRequest
	plan   *ScaffoldPlan
	cred   string
	workID string
	logger *slog.Logger
}

var startMessages = map[domain.TaskType]string{
	domain.TaskIssueSolver:    "Agent is analyzing the issue...",
	domain.TaskCodeWriter:     "Agent is working on the change...",
	domain.TaskCustom:         "Agent is working on the task...",
	domain.TaskCodeReview:     "Reviewing repository...",
	domain.TaskAudit:          "Running compliance audit...",
	domain.TaskScaffoldPlan:   "Generating repository plan...",
	domain.TaskScaffoldCreate: "Creating repository...",
}

// run is the Work handed to the runner.
func (j *job) run(ctx context.Context) (any, error) {
	defer metrics.TasksActive.Dec()

	result, err := j.execute(ctx)
	switch {
	case errors.Is(err, errCancelled):
		j.logger.Info("task stopped at checkpoint after cancellation")
		j.svc.ledger.Complete(ctx, j.workID, map[string]any{"taskId": j.task.ID, "outcome": "cancelled"})
		return nil, nil
	case err != nil:
		j.fail(ctx, err)
		return nil, err
	}

	if j.checkpoint() {
		j.svc.ledger.Complete(ctx, j.workID, map[string]any{"taskId": j.task.ID, "outcome": "cancelled"})
		return nil, nil
	}
	final := "Completed"
	if result.PRURL != "" {
		final = "Pull request: " + result.PRURL
	}
	_, err = j.svc.tasks.Update(ctx, j.task.ID, domain.TaskPatch{
		Status:   domain.StatusPtr(domain.TaskCompleted),
		Progress: []string{final},
		PRURL:    result.PRURL,
		Branch:   result.Branch,
		Result:   result,
	})
	if err != nil {
		// Losing the race to a cancel is not a failure of the work.
		if errors.Is(err, domain.ErrTaskTerminal) {
			j.svc.ledger.Complete(ctx, j.workID, map[string]any{"taskId": j.task.ID, "outcome": "cancelled"})
			return nil, nil
		}
		j.logger.Error("write completed status", "error", err)
		j.svc.ledger.Fail(ctx, j.workID, err.Error())
		return nil, err
	}

	meta := map[string]any{"taskId": j.task.ID, "summary": truncate(result.Summary, 500)}
	if result.PRURL != "" {
		meta["prUrl"] = result.PRURL
	}
	if result.Branch != "" {
		meta["branch"] = result.Branch
	}
	j.svc.ledger.Complete(ctx, j.workID, meta)
	metrics.TasksCompleted.WithLabelValues(string(j.task.Type)).Inc()
	j.logger.Info("task completed", "pr_url", result.PRURL)
	return result, nil
}

// checkpoint reports whether the task was cancelled.
func (j *job) checkpoint() bool {
	return j.svc.runner.IsCancelled(j.task.ID)
}

func (j *job) progress(ctx context.Context, msg string) {
	if j.checkpoint() {
		return
	}
	if _, err := j.svc.tasks.Update(ctx, j.task.ID, domain.TaskPatch{Progress: []string{msg}}); err != nil {
		j.logger.Warn("append progress", "error", err)
	}
}

func (j *job) execute(ctx context.Context) (*domain.TaskResult, error) {
	if j.checkpoint() {
		return nil, errCancelled
	}
	_, err := j.svc.tasks.Update(ctx, j.task.ID, domain.TaskPatch{
		Status:   domain.StatusPtr(domain.TaskRunning),
		Progress: []string{startMessages[j.task.Type]},
	})
	if err != nil {
		if errors.Is(err, domain.ErrTaskTerminal) {
			return nil, errCancelled
		}
		return nil, fmt.Errorf("mark running: %w", err)
	}

	if j.task.Type == domain.TaskScaffoldCreate {
		return j.scaffold(ctx)
	}
	return j.agentTask(ctx)
}

func (j *job) agentTask(ctx context.Context) (*domain.TaskResult, error) {
	data := promptData{
		Repo:        j.req.Repo,
		Description: j.req.Description,
		Paths:       j.req.Options.Paths,
	}

	if j.task.Type == domain.TaskIssueSolver {
		if j.checkpoint() {
			return nil, errCancelled
		}
		issue, err := j.svc.repos.GetIssue(ctx, j.cred, j.req.Repo, j.req.Options.IssueNumber)
		if err != nil {
			return nil, fmt.Errorf("fetch issue #%d: %w", j.req.Options.IssueNumber, err)
		}
		data.Issue = issue
		j.progress(ctx, fmt.Sprintf("Loaded issue #%d: %s", issue.Number, issue.Title))
	}

	if (j.task.Type == domain.TaskCodeReview || j.task.Type == domain.TaskAudit) && j.svc.repos != nil {
		if j.checkpoint() {
			return nil, errCancelled
		}
		data.Tree = j.readTree(ctx)
	}

	if j.svc.kb != nil {
		if j.checkpoint() {
			return nil, errCancelled
		}
		data.Knowledge = j.ground(ctx)
	}

	prompt, err := j.svc.prompts.render(j.task.Type, data)
	if err != nil {
		return nil, err
	}

	if j.checkpoint() {
		return nil, errCancelled
	}
	out, err := j.svc.adapter.Run(ctx, agent.Invocation{
		TaskID:     j.task.ID,
		TaskType:   j.task.Type,
		Credential: j.cred,
		Prompt:     prompt,
		Timeout:    j.svc.cfg.AgentTimeout,
	})
	if err != nil {
		return nil, err
	}
	if j.checkpoint() {
		return nil, errCancelled
	}
	return j.interpret(out)
}

// readTree lists repository files for review prompts; failures only cost
// the agent a head start.
func (j *job) readTree(ctx context.Context) []string {
	entries, err := j.svc.repos.GetTree(ctx, j.cred, j.req.Repo, "")
	if err != nil {
		j.logger.Warn("read repository tree", "error", err)
		j.progress(ctx, "Could not read repository tree, the agent will explore on its own")
		return nil
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type != "blob" {
			continue
		}
		if len(j.req.Options.Paths) > 0 && !underAny(e.Path, j.req.Options.Paths) {
			continue
		}
		files = append(files, e.Path)
	}
	j.progress(ctx, fmt.Sprintf("Read repository tree (%d files)", len(files)))
	if len(files) > maxTreeEntries {
		files = files[:maxTreeEntries]
	}
	return files
}

func underAny(p string, prefixes []string) bool {
	for _, pre := range prefixes {
		pre = strings.TrimSuffix(pre, "/")
		if p == pre || strings.HasPrefix(p, pre+"/") {
			return true
		}
	}
	return false
}

// ground searches the knowledge base. An error degrades to no grounding.
func (j *job) ground(ctx context.Context) []domain.KnowledgeHit {
	query := j.req.Description
	if query == "" {
		query = string(j.task.Type) + " " + j.req.Repo
	}
	hits, err := j.svc.kb.Search(ctx, query, j.svc.cfg.KnowledgeTopK)
	if err != nil {
		metrics.KnowledgeSearchErrors.Inc()
		j.logger.Warn("knowledge search failed", "error", err)
		j.progress(ctx, "Knowledge base unavailable, continuing without grounding")
		return nil
	}
	if len(hits) > 0 {
		j.progress(ctx, fmt.Sprintf("Found %d relevant knowledge documents", len(hits)))
	}
	return hits
}

// interpret turns agent output into a task result for the task's type.
func (j *job) interpret(out agent.Outcome) (*domain.TaskResult, error) {
	res := &domain.TaskResult{PRURL: out.PRURL, Branch: out.Branch}

	switch j.task.Type {
	case domain.TaskCodeReview, domain.TaskAudit:
		report, err := parseReport(out.Text)
		if err != nil {
			return nil, err
		}
		kind := "Review"
		if j.task.Type == domain.TaskAudit {
			kind = "Audit"
		}
		res.Summary = report.headline(kind)
		if report.Summary != "" && len(report.Findings) > 0 {
			res.Summary += ": " + report.Summary
		}
		res.Data, _ = json.Marshal(report)
	case domain.TaskScaffoldPlan:
		plan, err := parsePlan(out.Text)
		if err != nil {
			return nil, err
		}
		res.Summary = fmt.Sprintf("Plan for %s with %d files", plan.Name, len(plan.Files))
		res.Data, _ = json.Marshal(plan)
	default:
		res.Summary = truncate(strings.TrimSpace(out.Text), maxSummaryLen)
		if res.Summary == "" {
			res.Summary = "Agent finished without a summary"
		}
	}
	return res, nil
}

// scaffold creates a repository from the plan and commits each file, with a
// checkpoint before every repository call.
func (j *job) scaffold(ctx context.Context) (*domain.TaskResult, error) {
	if j.checkpoint() {
		return nil, errCancelled
	}
	repo, err := j.svc.repos.CreateRepo(ctx, j.cred, j.plan.Name, j.plan.Description, j.plan.Private)
	if err != nil {
		return nil, fmt.Errorf("create repository %s: %w", j.plan.Name, err)
	}
	j.progress(ctx, "Created repository "+repo)

	for i, f := range j.plan.Files {
		if j.checkpoint() {
			return nil, errCancelled
		}
		msg := "Add " + f.Path
		if _, err := j.svc.repos.CommitFiles(ctx, j.cred, repo, "", msg, []domain.FileChange{f}); err != nil {
			return nil, fmt.Errorf("commit %s: %w", f.Path, err)
		}
		j.progress(ctx, fmt.Sprintf("Committed %s (%d/%d)", f.Path, i+1, len(j.plan.Files)))
	}

	data, _ := json.Marshal(map[string]any{"repo": repo, "files": len(j.plan.Files)})
	return &domain.TaskResult{
		Summary: fmt.Sprintf("Created repository %s with %d files", repo, len(j.plan.Files)),
		Data:    data,
	}, nil
}

// fail writes the failed terminal status. The display message is truncated;
// the ledger keeps the raw one.
func (j *job) fail(ctx context.Context, err error) {
	raw := err.Error()
	display := truncate(userMessage(err), j.svc.cfg.DisplayErrorLen)

	if j.checkpoint() {
		j.svc.ledger.Complete(ctx, j.workID, map[string]any{"taskId": j.task.ID, "outcome": "cancelled"})
		return
	}
	_, werr := j.svc.tasks.Update(ctx, j.task.ID, domain.TaskPatch{
		Status:   domain.StatusPtr(domain.TaskFailed),
		Progress: []string{"Failed: " + display},
		Result:   &domain.TaskResult{Summary: display},
	})
	if errors.Is(werr, domain.ErrTaskTerminal) {
		// A cancel committed after the checkpoint; the task reads cancelled.
		j.logger.Info("failure superseded by cancellation", "error", raw)
		j.svc.ledger.Complete(ctx, j.workID, map[string]any{"taskId": j.task.ID, "outcome": "cancelled"})
		return
	}
	if werr != nil {
		j.logger.Warn("write failed status", "error", werr)
	}
	j.svc.ledger.Fail(ctx, j.workID, raw)
	metrics.TasksFailed.WithLabelValues(string(j.task.Type), failureReason(err)).Inc()
	j.logger.Warn("task failed", "error", raw)
}

func userMessage(err error) string {
	if errors.Is(err, domain.ErrUnparseableResponse) {
		detail := strings.TrimPrefix(err.Error(), domain.ErrUnparseableResponse.Error())
		detail = strings.TrimPrefix(detail, ": ")
		if detail == "" {
			return "Could not parse the agent response"
		}
		return "Could not parse the agent response: " + detail
	}
	if errors.Is(err, domain.ErrAgentTimeout) {
		return "The agent did not finish in time (" + err.Error() + ")"
	}
	return err.Error()
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrAgentTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrUnparseableResponse):
		return "parse"
	case errors.Is(err, domain.ErrInvalidRequest):
		return "invalid"
	default:
		return "error"
	}
}

// truncate shortens s to at most n runes, marking the cut.
func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	if n <= 3 {
		return string([]rune(s)[:n])
	}
	return string([]rune(s)[:n-3]) + "..."
}
