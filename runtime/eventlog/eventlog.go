// Package eventlog provides the append-only session event log.
//
// The event log is the canonical source of truth for session replay and
// audit. Every component writes to it: the loops record iterations, the
// governance enforcer records decisions, the compiler records compilations
// and compaction archives, and the checkpoint manager records pauses and
// resolutions. Events carry a per-session sequence number that is strictly
// increasing and gapless; once appended an event is never rewritten or
// reordered.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"goa.design/ensemble"
)

// EventType identifies the kind of a session event. Values are stable strings
// because they are part of the persisted audit record.
type EventType string

const (
	// TypeSessionStarted records session creation with the workflow reference.
	TypeSessionStarted EventType = "session_started"
	// TypeSessionCompleted records the terminal outcome and evidence map.
	TypeSessionCompleted EventType = "session_completed"

	// TypeOrchestratorIteration records one orchestrator round with its
	// decision outcome.
	TypeOrchestratorIteration EventType = "orchestrator_iteration"
	// TypeWorkerStarted records a worker loop launch.
	TypeWorkerStarted EventType = "worker_started"
	// TypeWorkerIteration records one worker iteration with its decision
	// outcome.
	TypeWorkerIteration EventType = "worker_iteration"
	// TypeWorkerFinished records a worker loop reaching a terminal state.
	TypeWorkerFinished EventType = "worker_finished"

	// TypeGovernanceDecision records one governance check, permit or deny.
	TypeGovernanceDecision EventType = "governance_decision"

	// TypeModelCall records a completed model invocation with token usage.
	TypeModelCall EventType = "model_call"
	// TypeToolCall records a completed tool invocation.
	TypeToolCall EventType = "tool_call"

	// TypeContextCompiled records a context compilation with its per-stage
	// breakdown.
	TypeContextCompiled EventType = "context_compiled"
	// TypeCompactionArchive preserves the raw entries discarded by a
	// compaction, verbatim and in original order.
	TypeCompactionArchive EventType = "compaction_archive"

	// TypeCheckpointCreated records a human-in-the-loop pause point opening.
	TypeCheckpointCreated EventType = "checkpoint_created"
	// TypeCheckpointResolved records a checkpoint response or timeout outcome.
	TypeCheckpointResolved EventType = "checkpoint_resolved"
)

type (
	// Event is a single immutable session event.
	//
	// The Recorder assigns Seq before handing the event to a Store; stores
	// persist events verbatim and reject sequence conflicts so the per-session
	// ordering contract survives misuse.
	Event struct {
		// Seq is the per-session sequence number. Strictly increasing and
		// gapless, starting at 1.
		Seq int64
		// Type is the event type.
		Type EventType
		// SessionID is the session this event belongs to.
		SessionID string
		// AgentID identifies the emitting agent when the event is
		// agent-scoped. Empty for session-scoped events.
		AgentID ensemble.AgentID
		// Timestamp is the event time.
		Timestamp time.Time
		// Payload is the canonical JSON-encoded payload for the event.
		Payload json.RawMessage
	}

	// Page is a forward page of session events.
	Page struct {
		// Events are ordered by ascending sequence number.
		Events []*Event
		// NextCursor is the cursor to use to fetch the next page. It is empty
		// when there are no further events.
		NextCursor string
	}

	// Store persists session events.
	//
	// Append must be durable and must reject an event whose sequence number
	// is not exactly one greater than the last persisted sequence for the
	// session (ErrSequenceConflict). Cursor values are store-owned and opaque
	// to callers.
	Store interface {
		// Append stores the event. Failures are surfaced to callers so
		// sessions can fail fast when canonical logging is unavailable.
		Append(ctx context.Context, e *Event) error

		// List returns the next forward page of events for the session.
		// Cursor is an opaque value returned by a previous call (or empty to
		// start from the beginning). Limit must be greater than zero.
		List(ctx context.Context, sessionID, cursor string, limit int) (Page, error)
	}
)

// ErrSequenceConflict indicates an append whose sequence number does not
// extend the session's log by exactly one. It signals either a duplicate
// writer or a gap, both of which violate the ordering contract.
var ErrSequenceConflict = errors.New("eventlog: sequence conflict")

// AllEvents drains the full log of a session in sequence order. It is used by
// audit consumers and by tests that reconstruct pre-compaction history.
func AllEvents(ctx context.Context, store Store, sessionID string) ([]*Event, error) {
	var (
		all    []*Event
		cursor string
	)
	for {
		page, err := store.List(ctx, sessionID, cursor, 256)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Events...)
		if page.NextCursor == "" {
			return all, nil
		}
		cursor = page.NextCursor
	}
}
