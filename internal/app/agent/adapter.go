// Package agent is the Agent Invocation Adapter. It calls the external agent
// once for a task, turns the agent's events into progress entries on the
// Task Store and extracts side-channel artifacts (PR URL, branch).
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tutu-network/devpilot/internal/domain"
	"github.com/tutu-network/devpilot/internal/infra/metrics"
)

// Invocation describes one agent call on behalf of a task.
type Invocation struct {
	TaskID     string
	TaskType   domain.TaskType
	Credential string
	Prompt     string
	Timeout    time.Duration
}

// Outcome is what the adapter learned from a settled call.
type Outcome struct {
	Text   string // final aggregated text
	PRURL  string
	Branch string
}

// Adapter binds an Agent to the Task Store. The cancelled func is the
// runner's cooperative flag.
type Adapter struct {
	agent     domain.Agent
	tasks     domain.TaskRepository
	cancelled func(taskID string) bool
	logger    *slog.Logger
}

// New creates an Adapter.
func New(a domain.Agent, tasks domain.TaskRepository, cancelled func(string) bool, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		agent:     a,
		tasks:     tasks,
		cancelled: cancelled,
		logger:    logger.With("component", "agent"),
	}
}

// Run invokes the agent and blocks until it settles. Events are handled
// synchronously on the agent's goroutine, so progress for the task is
// written in event order. Once the task is cancelled every later event is
// dropped; the call itself keeps running until it settles or times out.
func (a *Adapter) Run(ctx context.Context, inv Invocation) (Outcome, error) {
	var out Outcome
	var messages strings.Builder

	onEvent := func(ev domain.AgentEvent) {
		if a.cancelled(inv.TaskID) {
			return
		}
		switch ev.Kind {
		case domain.EventToolCall:
			a.progress(ctx, inv.TaskID, "Using tool: "+ev.ToolName)
		case domain.EventToolResult:
			a.detect(ctx, inv.TaskID, ev.Detail, &out)
		case domain.EventError:
			a.progress(ctx, inv.TaskID, "Error: "+ev.Detail)
		case domain.EventMessage:
			messages.WriteString(ev.Text)
		}
	}

	callCtx := ctx
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := a.agent.Invoke(callCtx, inv.Credential, inv.Prompt, onEvent, inv.Timeout)
	metrics.AgentInvocation.WithLabelValues(string(inv.TaskType)).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return out, fmt.Errorf("%w after %s", domain.ErrAgentTimeout, inv.Timeout)
		}
		return out, err
	}

	if text == "" {
		text = messages.String()
	}
	out.Text = text

	// Fallback: the PR may only be mentioned in the final answer.
	if out.PRURL == "" && !a.cancelled(inv.TaskID) {
		if url := ExtractPRURL(text); url != "" {
			out.PRURL = url
			a.artifact(ctx, inv.TaskID, domain.TaskPatch{PRURL: url}, "pr_url")
		}
	}
	if out.Branch == "" && !a.cancelled(inv.TaskID) {
		if branch := ExtractBranch(text); branch != "" {
			out.Branch = branch
			a.artifact(ctx, inv.TaskID, domain.TaskPatch{Branch: branch}, "branch")
		}
	}
	return out, nil
}

// detect scans a tool result for artifacts. A later detection overwrites an
// earlier one; an empty scan never clears a value.
func (a *Adapter) detect(ctx context.Context, taskID, detail string, out *Outcome) {
	if url := ExtractPRURL(detail); url != "" {
		out.PRURL = url
		a.artifact(ctx, taskID, domain.TaskPatch{PRURL: url}, "pr_url")
	}
	if branch := ExtractBranch(detail); branch != "" {
		out.Branch = branch
		a.artifact(ctx, taskID, domain.TaskPatch{Branch: branch}, "branch")
	}
}

func (a *Adapter) artifact(ctx context.Context, taskID string, patch domain.TaskPatch, kind string) {
	metrics.ArtifactsDetected.WithLabelValues(kind).Inc()
	if _, err := a.tasks.Update(ctx, taskID, patch); err != nil {
		a.logger.Warn("record artifact", "task_id", taskID, "kind", kind, "error", err)
	}
}

func (a *Adapter) progress(ctx context.Context, taskID, msg string) {
	if _, err := a.tasks.Update(ctx, taskID, domain.TaskPatch{Progress: []string{msg}}); err != nil {
		a.logger.Warn("append progress", "task_id", taskID, "error", err)
	}
}
