// Package ledger is the best-effort Work-History Ledger: an audit trail of
// user-triggered actions that never fails the action it records.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tutu-network/devpilot/internal/domain"
)

// Ledger records start, completion and failure of actions.
type Ledger struct {
	repo   domain.WorkRepository
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Ledger over repo. A nil repo yields a ledger that only logs,
// for degraded environments without storage.
func New(repo domain.WorkRepository, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		repo:   repo,
		logger: logger.With("component", "ledger"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start opens a started entry and always returns its id, even when the
// write fails.
func (l *Ledger) Start(ctx context.Context, s domain.WorkStart) string {
	id := uuid.NewString()
	if l.repo == nil {
		return id
	}
	entry := domain.WorkEntry{
		ID:         id,
		UserID:     s.UserID,
		ActionType: s.ActionType,
		EntityID:   s.EntityID,
		Repo:       s.Repo,
		Summary:    s.Summary,
		Status:     domain.WorkStarted,
		StartedAt:  l.now(),
		Metadata:   map[string]any{},
	}
	if err := l.repo.InsertWork(ctx, entry); err != nil {
		l.logger.Warn("log work start", "work_id", id, "action", s.ActionType, "error", err)
	}
	return id
}

// Complete closes the entry as completed. A non-nil metadata map replaces
// whatever was stored.
func (l *Ledger) Complete(ctx context.Context, id string, metadata map[string]any) {
	if l.repo == nil {
		return
	}
	if err := l.repo.CompleteWork(ctx, id, l.now(), metadata); err != nil {
		l.closeFailed(id, "complete", err)
	}
}

// Fail closes the entry as failed and merges {error: msg} into the stored
// metadata.
func (l *Ledger) Fail(ctx context.Context, id string, msg string) {
	if l.repo == nil {
		return
	}
	if err := l.repo.FailWork(ctx, id, l.now(), map[string]any{"error": msg}); err != nil {
		l.closeFailed(id, "fail", err)
	}
}

func (l *Ledger) closeFailed(id, op string, err error) {
	if errors.Is(err, domain.ErrWorkClosed) {
		l.logger.Debug("work entry already closed", "work_id", id, "op", op)
		return
	}
	l.logger.Warn("close work entry", "work_id", id, "op", op, "error", err)
}

// List returns entries newest first.
func (l *Ledger) List(ctx context.Context, f domain.WorkFilter) ([]domain.WorkEntry, error) {
	if l.repo == nil {
		return []domain.WorkEntry{}, nil
	}
	return l.repo.ListWork(ctx, f)
}

// Get returns one entry.
func (l *Ledger) Get(ctx context.Context, id string) (*domain.WorkEntry, error) {
	if l.repo == nil {
		return nil, domain.ErrWorkNotFound
	}
	return l.repo.GetWork(ctx, id)
}
