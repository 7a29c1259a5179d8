package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure, with no infrastructure dependency.

var (
	// Task store errors
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskExists        = errors.New("task already exists")
	ErrTaskTerminal      = errors.New("task is in a terminal state")
	ErrInvalidTransition = errors.New("invalid task status transition")
	ErrNotCancellable    = errors.New("task is not cancellable")

	// Ledger errors
	ErrWorkNotFound = errors.New("work entry not found")
	ErrWorkClosed   = errors.New("work entry already closed")

	// Request errors
	ErrInvalidRequest = errors.New("invalid request")

	// Agent errors
	ErrAgentTimeout        = errors.New("agent invocation timed out")
	ErrUnparseableResponse = errors.New("could not parse the agent response")
	ErrNoCredential        = errors.New("no GitHub credential available")
)
