// Package runner is the in-process Task Runner: fire-and-forget work bound
// to a task id, with cooperative cancellation and runtime-status tracking.
//
// The runner's map is process-local and never persisted. It is not the
// source of truth for clients; the Task Store is. The map only feeds
// diagnostics (health counts) and tests, and settled entries are pruned
// once they are older than the retention window.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// DefaultRetention is how long a settled task stays visible to Status,
// Result, Err and Counts before it is pruned.
const DefaultRetention = time.Hour

// Status is a task's runtime status as seen by the runner.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Work is the unit of background work. It receives context.Background, so a
// request context never leaks into it; cancellation is a flag the work polls
// through IsCancelled.
type Work func(ctx context.Context) (any, error)

// SettleFunc is called once per task after the runner records its outcome.
type SettleFunc func(taskID string, status Status, err error)

type entry struct {
	status    Status
	cancelled bool
	result    any
	err       string
	done      chan struct{}
	settledAt time.Time
}

// Runner tracks in-flight work. Construct one with New; the zero value is
// not usable.
type Runner struct {
	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup

	retention time.Duration
	logger    *slog.Logger
	onSettle  SettleFunc
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithOnSettle installs a hook called after every task settles.
func WithOnSettle(fn SettleFunc) Option {
	return func(r *Runner) { r.onSettle = fn }
}

// WithRetention sets how long settled entries are kept. Pruning happens on
// Enqueue, so the map holds in-flight work plus what settled within d.
func WithRetention(d time.Duration) Option {
	return func(r *Runner) { r.retention = d }
}

// New creates an empty runner.
func New(opts ...Option) *Runner {
	r := &Runner{
		entries:   make(map[string]*entry),
		retention: DefaultRetention,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "runner")
	return r
}

// Enqueue registers taskID as running and starts work on its own goroutine.
// It never blocks on work and never fails. Re-enqueueing an id that is still
// running is ignored.
func (r *Runner) Enqueue(taskID string, work Work) {
	r.mu.Lock()
	if e, ok := r.entries[taskID]; ok && e.status == StatusRunning {
		r.mu.Unlock()
		r.logger.Warn("task already running, enqueue ignored", "task_id", taskID)
		return
	}
	r.pruneLocked(time.Now())
	e := &entry{status: StatusRunning, done: make(chan struct{})}
	r.entries[taskID] = e
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(taskID, e, work)
}

func (r *Runner) run(taskID string, e *entry, work Work) {
	defer r.wg.Done()

	result, err := r.invoke(taskID, work)

	r.mu.Lock()
	if e.cancelled {
		// Cancellation pins the runtime status however work settled.
		e.status = StatusCancelled
	} else if err != nil {
		e.status = StatusFailed
		e.err = err.Error()
	} else {
		e.status = StatusCompleted
		e.result = result
	}
	status := e.status
	e.settledAt = time.Now()
	close(e.done)
	r.mu.Unlock()

	if err != nil && status == StatusFailed {
		r.logger.Warn("task failed", "task_id", taskID, "error", err)
	} else {
		r.logger.Debug("task settled", "task_id", taskID, "status", status)
	}
	if r.onSettle != nil {
		r.onSettle(taskID, status, err)
	}
}

// pruneLocked drops entries that settled more than retention ago. Work that
// is still running, cancelled or not, is never pruned.
func (r *Runner) pruneLocked(now time.Time) {
	for id, e := range r.entries {
		if !e.settledAt.IsZero() && now.Sub(e.settledAt) > r.retention {
			delete(r.entries, id)
		}
	}
}

// invoke runs work and converts a panic into an error.
func (r *Runner) invoke(taskID string, work Work) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("task panicked", "task_id", taskID, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return work(context.Background())
}

// Cancel flips the cancellation flag. It returns true only while the task's
// runtime status is running; a second call returns false.
func (r *Runner) Cancel(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[taskID]
	if !ok || e.status != StatusRunning {
		return false
	}
	e.cancelled = true
	e.status = StatusCancelled
	return true
}

// IsCancelled reports whether Cancel succeeded for taskID.
func (r *Runner) IsCancelled(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[taskID]
	return ok && e.cancelled
}

// Status returns the runtime status, or "" and false for unknown ids.
func (r *Runner) Status(taskID string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[taskID]
	if !ok {
		return "", false
	}
	return e.status, true
}

// Result returns the value work returned, if it completed.
func (r *Runner) Result(taskID string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[taskID]
	if !ok || e.status != StatusCompleted {
		return nil, false
	}
	return e.result, true
}

// Err returns the stringified error of a failed task.
func (r *Runner) Err(taskID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[taskID]
	if !ok || e.status != StatusFailed {
		return "", false
	}
	return e.err, true
}

// Counts aggregates runtime statuses.
func (r *Runner) Counts() map[Status]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := map[Status]int{
		StatusRunning:   0,
		StatusCompleted: 0,
		StatusFailed:    0,
		StatusCancelled: 0,
	}
	for _, e := range r.entries {
		counts[e.status]++
	}
	return counts
}

// Wait blocks until taskID's work has returned or ctx is done. A cancelled
// task is waited for too: its goroutine keeps running until work returns.
func (r *Runner) Wait(ctx context.Context, taskID string) error {
	r.mu.Lock()
	e, ok := r.entries[taskID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %s not tracked", taskID)
	}
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown waits for all in-flight work or for ctx to end.
func (r *Runner) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		var inflight int
		for _, e := range r.entries {
			select {
			case <-e.done:
			default:
				inflight++
			}
		}
		r.mu.Unlock()
		r.logger.Warn("shutdown deadline reached", "inflight", inflight)
		return ctx.Err()
	}
}
