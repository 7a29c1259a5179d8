// Package orchestrator is the task service: it validates submissions,
// creates Task Store records, opens ledger entries and hands one closure
// per task to the runner. The closure drives the lifecycle: running,
// grounding, agent or repository calls, terminal write, ledger close.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tutu-network/devpilot/internal/app/agent"
	"github.com/tutu-network/devpilot/internal/app/ledger"
	"github.com/tutu-network/devpilot/internal/app/runner"
	"github.com/tutu-network/devpilot/internal/domain"
	"github.com/tutu-network/devpilot/internal/infra/metrics"
)

// Config tunes the service.
type Config struct {
	AgentTimeout      time.Duration
	DisplayErrorLen   int // runes of an error shown on the task
	KnowledgeTopK     int
	DefaultCredential string // used when the caller sends none
	PromptsDir        string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		AgentTimeout:    10 * time.Minute,
		DisplayErrorLen: 200,
		KnowledgeTopK:   4,
	}
}

// Deps are the collaborators of a Service. Knowledge and Repos may be nil.
type Deps struct {
	Tasks     domain.TaskRepository
	Runner    *runner.Runner
	Agent     domain.Agent
	Ledger    *ledger.Ledger
	Knowledge domain.KnowledgeBase
	Repos     domain.RepoService
	Logger    *slog.Logger
}

// Caller identifies who submitted a request.
type Caller struct {
	UserID     string
	Credential string
}

// Service orchestrates tasks.
type Service struct {
	tasks   domain.TaskRepository
	runner  *runner.Runner
	adapter *agent.Adapter
	ledger  *ledger.Ledger
	kb      domain.KnowledgeBase
	repos   domain.RepoService
	prompts *Prompts
	cfg     Config
	logger  *slog.Logger
}

// New wires a Service.
func New(cfg Config, d Deps) (*Service, error) {
	if d.Tasks == nil || d.Runner == nil {
		return nil, errors.New("orchestrator: task store and runner are required")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if d.Ledger == nil {
		d.Ledger = ledger.New(nil, logger)
	}
	if cfg.DisplayErrorLen <= 0 {
		cfg.DisplayErrorLen = 200
	}
	if cfg.KnowledgeTopK <= 0 {
		cfg.KnowledgeTopK = 4
	}
	prompts, err := LoadPrompts(cfg.PromptsDir)
	if err != nil {
		return nil, err
	}
	s := &Service{
		tasks:   d.Tasks,
		runner:  d.Runner,
		ledger:  d.Ledger,
		kb:      d.Knowledge,
		repos:   d.Repos,
		prompts: prompts,
		cfg:     cfg,
		logger:  logger.With("component", "orchestrator"),
	}
	if d.Agent != nil {
		s.adapter = agent.New(d.Agent, d.Tasks, d.Runner.IsCancelled, logger)
	}
	return s, nil
}

// Submit validates req, stores a queued task, opens a ledger entry and
// starts the work in the background. It returns as soon as the work is
// enqueued.
func (s *Service) Submit(ctx context.Context, caller Caller, req SubmitRequest) (*domain.Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	cred := caller.Credential
	if cred == "" {
		cred = s.cfg.DefaultCredential
	}
	if cred == "" {
		return nil, domain.ErrNoCredential
	}
	if err := s.ensureCollaborators(req.Type); err != nil {
		return nil, err
	}

	plan := req.Options.Plan
	if req.Type == domain.TaskScaffoldCreate && plan == nil {
		p, err := s.planFromTask(ctx, req.Options.PlanTaskID)
		if err != nil {
			return nil, err
		}
		plan = p
	}

	desc := req.Description
	if desc == "" {
		desc = defaultDescription(req, plan)
	}
	task, err := s.tasks.Create(ctx, domain.Task{
		Type:        req.Type,
		Status:      domain.TaskQueued,
		Repo:        req.Repo,
		Description: desc,
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	workID := s.ledger.Start(ctx, domain.WorkStart{
		UserID:     caller.UserID,
		ActionType: domain.ActionFor(req.Type),
		Repo:       req.Repo,
		Summary:    truncate(desc, 120),
		EntityID:   task.ID,
	})

	j := &job{
		svc:    s,
		task:   *task,
		req:    req,
		plan:   plan,
		cred:   cred,
		workID: workID,
		logger: s.logger.With("task_id", task.ID, "type", task.Type),
	}
	metrics.TasksSubmitted.WithLabelValues(string(task.Type)).Inc()
	metrics.TasksActive.Inc()
	s.runner.Enqueue(task.ID, j.run)

	s.logger.Info("task submitted", "task_id", task.ID, "type", task.Type, "repo", task.Repo, "user", caller.UserID)
	return task, nil
}

func (s *Service) ensureCollaborators(t domain.TaskType) error {
	switch t {
	case domain.TaskScaffoldCreate:
		if s.repos == nil {
			return fmt.Errorf("%w: repository service is not configured", domain.ErrInvalidRequest)
		}
	case domain.TaskIssueSolver:
		if s.repos == nil || s.adapter == nil {
			return fmt.Errorf("%w: repository service and agent are required", domain.ErrInvalidRequest)
		}
	default:
		if s.adapter == nil {
			return fmt.Errorf("%w: agent is not configured", domain.ErrInvalidRequest)
		}
	}
	return nil
}

// planFromTask loads the plan produced by a completed scaffold-plan task.
func (s *Service) planFromTask(ctx context.Context, id string) (*ScaffoldPlan, error) {
	src, err := s.tasks.Get(ctx, id)
	if errors.Is(err, domain.ErrTaskNotFound) {
		return nil, fmt.Errorf("%w: plan task %s not found", domain.ErrInvalidRequest, id)
	}
	if err != nil {
		return nil, err
	}
	if src.Type != domain.TaskScaffoldPlan || src.Status != domain.TaskCompleted || src.Result == nil || len(src.Result.Data) == 0 {
		return nil, fmt.Errorf("%w: task %s is not a completed scaffold plan", domain.ErrInvalidRequest, id)
	}
	var plan ScaffoldPlan
	if err := json.Unmarshal(src.Result.Data, &plan); err != nil {
		return nil, fmt.Errorf("%w: plan task %s has an invalid plan: %v", domain.ErrInvalidRequest, id, err)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

func defaultDescription(req SubmitRequest, plan *ScaffoldPlan) string {
	switch req.Type {
	case domain.TaskIssueSolver:
		return fmt.Sprintf("Solve issue #%d in %s", req.Options.IssueNumber, req.Repo)
	case domain.TaskCodeReview:
		return "Code review of " + req.Repo
	case domain.TaskAudit:
		return "Compliance audit of " + req.Repo
	case domain.TaskScaffoldCreate:
		return "Create repository " + plan.Name
	}
	return string(req.Type)
}

// Cancel stops a running task: it flips the runner's flag and records the
// cancelled status. Only work that is still running can be cancelled.
func (s *Service) Cancel(ctx context.Context, id string) (*domain.Task, error) {
	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.IsTerminal() || !s.runner.Cancel(id) {
		return nil, fmt.Errorf("%w: task %s is %s", domain.ErrNotCancellable, id, task.Status)
	}
	updated, err := s.tasks.Update(ctx, id, domain.TaskPatch{
		Status:   domain.StatusPtr(domain.TaskCancelled),
		Progress: []string{"Task cancelled by user"},
		Result:   &domain.TaskResult{Summary: "Cancelled by user"},
	})
	if errors.Is(err, domain.ErrTaskTerminal) {
		// The work committed its terminal write just before the flag flipped.
		return nil, fmt.Errorf("%w: task %s already finished", domain.ErrNotCancellable, id)
	}
	if err != nil {
		return nil, err
	}
	metrics.TasksCancelled.WithLabelValues(string(task.Type)).Inc()
	s.logger.Info("task cancelled", "task_id", id)
	return updated, nil
}

// Get returns the current Task Store record.
func (s *Service) Get(ctx context.Context, id string) (*domain.Task, error) {
	return s.tasks.Get(ctx, id)
}

// List returns tasks ordered by updatedAt descending.
func (s *Service) List(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	return s.tasks.List(ctx, f)
}

// RunnerCounts exposes runtime status counts for diagnostics.
func (s *Service) RunnerCounts() map[runner.Status]int {
	return s.runner.Counts()
}

// InterruptedMessage is appended to tasks found unfinished at startup.
const InterruptedMessage = "Interrupted: server restarted"

// ReapOrphans fails every non-terminal task left by a previous process.
// The runner starts empty, so such tasks could never settle or be cancelled.
func (s *Service) ReapOrphans(ctx context.Context) (int, error) {
	reaped := 0
	for _, st := range []domain.TaskStatus{domain.TaskQueued, domain.TaskRunning} {
		orphans, err := s.tasks.List(ctx, domain.TaskFilter{Status: st})
		if err != nil {
			return reaped, fmt.Errorf("list %s tasks: %w", st, err)
		}
		for _, t := range orphans {
			if _, tracked := s.runner.Status(t.ID); tracked {
				continue
			}
			_, err := s.tasks.Update(ctx, t.ID, domain.TaskPatch{
				Status:   domain.StatusPtr(domain.TaskFailed),
				Progress: []string{InterruptedMessage},
				Result:   &domain.TaskResult{Summary: InterruptedMessage},
			})
			if err != nil {
				s.logger.Warn("reap orphan", "task_id", t.ID, "error", err)
				continue
			}
			metrics.TasksFailed.WithLabelValues(string(t.Type), "interrupted").Inc()
			reaped++
		}
	}
	if reaped > 0 {
		s.logger.Info("reaped orphaned tasks", "count", reaped)
	}
	return reaped, nil
}
