// Package session defines durable session lifecycle and worker invocation
// metadata primitives.
//
// A Session is one execution of a workflow from original input to terminal
// outcome. Lifecycle is explicit and one-directional: running may toggle with
// waiting_checkpoint while a human decision is pending, and completed and
// failed are absorbing. The terminal record carries the outcome and the
// governance counters observed at completion.
package session

import (
	"context"
	"errors"
	"time"

	"goa.design/ensemble"
	"goa.design/ensemble/runtime/governance"
)

type (
	// Session captures durable session lifecycle state.
	//
	// Contract:
	// - Session IDs are stable and caller-provided (typically owned by an application).
	// - Sessions are created running and finish exactly once via Complete.
	// - Terminal sessions never change again.
	Session struct {
		// ID is the durable identifier of the session.
		ID string
		// WorkflowRef names the workflow definition this session executes.
		WorkflowRef string
		// Status is the current session lifecycle state.
		Status Status
		// StartedAt records when the session was created.
		StartedAt time.Time
		// EndedAt is set when the session reaches a terminal status.
		EndedAt *time.Time
		// Outcome is the terminal outcome, empty until the session completes.
		Outcome Outcome
		// Error is a user-safe summary of the terminal failure. Empty unless
		// Outcome is OutcomeFailed.
		Error string
		// Counters is the governance counter snapshot stamped at completion.
		Counters governance.CounterSnapshot
	}

	// WorkerMeta captures persistent metadata for one worker invocation.
	// Worker outputs themselves live in the event log and the evidence map;
	// the store keeps only the lifecycle record.
	WorkerMeta struct {
		// InvocationID is the durable identifier of this worker invocation.
		InvocationID string
		// AgentID identifies which worker agent processed the invocation.
		AgentID ensemble.AgentID
		// SessionID associates the invocation with its owning session.
		SessionID string
		// Status indicates the current lifecycle state.
		Status WorkerStatus
		// StartedAt records when the invocation began. Immutable once set.
		StartedAt time.Time
		// UpdatedAt records when the metadata was last updated.
		UpdatedAt time.Time
		// Iterations is the number of reasoning iterations consumed so far.
		Iterations int
		// Degraded reports whether the invocation finished below full
		// confidence (exhausted iterations, stalled progress).
		Degraded bool
		// Summary is a short description of the invocation's result.
		Summary string
	}

	// Completion is the terminal record applied by Store.Complete.
	Completion struct {
		// Outcome is the terminal outcome for the session.
		Outcome Outcome
		// EndedAt records when the session finished.
		EndedAt time.Time
		// Error is a user-safe failure summary, empty unless Outcome is
		// OutcomeFailed.
		Error string
		// Counters is the governance snapshot at completion.
		Counters governance.CounterSnapshot
	}

	// Store persists session lifecycle state and worker invocation metadata.
	//
	// Store implementations must be durable: failures are surfaced to callers
	// so the orchestrator can fail fast when session metadata is unavailable.
	Store interface {
		// Create creates (or returns) a running session.
		//
		// Contract:
		// - Idempotent for live sessions: returns the existing session.
		// - Returns ErrSessionTerminal when the session exists but is terminal.
		Create(ctx context.Context, sessionID, workflowRef string, startedAt time.Time) (Session, error)
		// Load loads an existing session.
		// Returns ErrSessionNotFound when the session does not exist.
		Load(ctx context.Context, sessionID string) (Session, error)
		// UpdateStatus moves a session between non-terminal statuses.
		// Returns ErrInvalidTransition when the move is not in the lifecycle
		// table and ErrSessionTerminal when the session already finished.
		UpdateStatus(ctx context.Context, sessionID string, to Status) (Session, error)
		// Complete finishes a session exactly once, recording the outcome,
		// counters, and end time. Completing an already-terminal session
		// returns ErrSessionTerminal.
		Complete(ctx context.Context, sessionID string, completion Completion) (Session, error)

		// UpsertWorker inserts or updates worker invocation metadata.
		UpsertWorker(ctx context.Context, meta WorkerMeta) error
		// LoadWorker loads worker invocation metadata.
		// Returns ErrWorkerNotFound when missing.
		LoadWorker(ctx context.Context, invocationID string) (WorkerMeta, error)
		// ListWorkers lists worker invocations for the given session. When
		// statuses is non-empty, only invocations whose status matches one of
		// the provided values are returned.
		ListWorkers(ctx context.Context, sessionID string, statuses []WorkerStatus) ([]WorkerMeta, error)
	}

	// Status represents the lifecycle state of a session.
	Status string

	// WorkerStatus represents the lifecycle state of a worker invocation.
	WorkerStatus string

	// Outcome classifies how a session finished.
	Outcome string
)

const (
	// StatusRunning indicates the session is actively executing.
	StatusRunning Status = "running"
	// StatusWaitingCheckpoint indicates the session is suspended pending a
	// human decision.
	StatusWaitingCheckpoint Status = "waiting_checkpoint"
	// StatusCompleted indicates the session finished with a result.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the session failed permanently.
	StatusFailed Status = "failed"

	// WorkerRunning indicates the worker loop is actively executing.
	WorkerRunning WorkerStatus = "running"
	// WorkerCompleted indicates the worker produced a validated final output.
	WorkerCompleted WorkerStatus = "completed"
	// WorkerIncomplete indicates the worker stopped with a partial result.
	WorkerIncomplete WorkerStatus = "incomplete"
	// WorkerErrored indicates the worker failed permanently.
	WorkerErrored WorkerStatus = "errored"

	// OutcomeCompleted indicates every required step finished cleanly.
	OutcomeCompleted Outcome = "completed"
	// OutcomeCompletedWithWarnings indicates the session produced a result
	// but at least one worker degraded or completion was forced.
	OutcomeCompletedWithWarnings Outcome = "completed_with_warnings"
	// OutcomeFailed indicates the session produced no acceptable result.
	OutcomeFailed Outcome = "failed"
)

var (
	// ErrSessionNotFound indicates a session does not exist in the store.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionTerminal indicates a session exists but already finished.
	ErrSessionTerminal = errors.New("session terminal")
	// ErrInvalidTransition indicates a status change outside the lifecycle table.
	ErrInvalidTransition = errors.New("invalid session status transition")
	// ErrWorkerNotFound indicates worker metadata does not exist in the store.
	ErrWorkerNotFound = errors.New("worker invocation not found")
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a session may move from one status to
// another. Running and waiting_checkpoint toggle both ways so checkpoints
// can suspend and resume; both may move to either terminal status; terminal
// statuses accept nothing.
func CanTransition(from, to Status) bool {
	if from.Terminal() || from == to {
		return false
	}
	switch from {
	case StatusRunning:
		return to == StatusWaitingCheckpoint || to.Terminal()
	case StatusWaitingCheckpoint:
		return to == StatusRunning || to.Terminal()
	}
	return false
}

// StatusFor maps a terminal outcome to its session status.
func StatusFor(o Outcome) Status {
	if o == OutcomeFailed {
		return StatusFailed
	}
	return StatusCompleted
}
