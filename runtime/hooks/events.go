// Package hooks provides the in-process event bus that carries session
// lifecycle events from the orchestration runtime to observers: streaming
// bridges, telemetry subscribers, and test harnesses. Hook events are the
// live, typed counterpart of the durable event log; the log is the record,
// the bus is the wire.
//
// Subscribers use type switches to access event-specific fields:
//
//	func (s *MySubscriber) HandleEvent(ctx context.Context, evt Event) error {
//	    switch e := evt.(type) {
//	    case *WorkerFinishedEvent:
//	        log.Printf("worker %s: %s after %d iterations", e.Worker, e.Status, e.Iterations)
//	    case *ToolResultReceivedEvent:
//	        log.Printf("tool %s took %v", e.ToolName, e.Duration)
//	    }
//	    return nil
//	}
package hooks

import (
	"encoding/json"
	"time"

	"goa.design/ensemble"
	"goa.design/ensemble/runtime/faults"
)

// EventType identifies the category of a hook event. Subscribers use it to
// filter events or route to specific handlers without type assertions.
type EventType string

const (
	// SessionStarted fires when a session begins executing its workflow.
	SessionStarted EventType = "session_started"
	// SessionCompleted fires when a session reaches a terminal state.
	SessionCompleted EventType = "session_completed"
	// RoundStarted fires at the top of each orchestrator round.
	RoundStarted EventType = "round_started"
	// RoundCompleted fires after the orchestrator evaluates a round's results.
	RoundCompleted EventType = "round_completed"
	// WorkerStarted fires when a worker loop is dispatched.
	WorkerStarted EventType = "worker_started"
	// WorkerFinished fires when a worker loop reaches a terminal status.
	WorkerFinished EventType = "worker_finished"
	// GovernanceDecision fires for every governance check, allowed or denied.
	GovernanceDecision EventType = "governance_decision"
	// ModelCallCompleted fires after each model invocation returns.
	ModelCallCompleted EventType = "model_call_completed"
	// ToolCallScheduled fires when the runtime dispatches a tool invocation.
	ToolCallScheduled EventType = "tool_call_scheduled"
	// ToolResultReceived fires when a tool invocation completes or fails.
	ToolResultReceived EventType = "tool_result_received"
	// ContextCompiled fires after the context compiler assembles a payload.
	ContextCompiled EventType = "context_compiled"
	// CompactionPerformed fires when conversation history is compacted.
	CompactionPerformed EventType = "compaction_performed"
	// CheckpointCreated fires when execution pauses for a human decision.
	CheckpointCreated EventType = "checkpoint_created"
	// CheckpointResolved fires when a pending checkpoint receives a resolution.
	CheckpointResolved EventType = "checkpoint_resolved"
)

type (
	// Event is the interface all hook events implement. The runtime publishes
	// events through the Bus, and subscribers receive them via HandleEvent.
	// Concrete event types carry typed payloads for each lifecycle phase.
	Event interface {
		// Type returns the specific event type constant (e.g., RoundStarted,
		// ToolCallScheduled).
		Type() EventType
		// SessionID returns the session that produced this event. All events
		// within a single session share the same session ID, providing a stable
		// join key across processes and transports.
		SessionID() string
		// AgentID returns the agent that triggered this event. Subscribers can
		// use this to separate orchestrator activity from worker activity.
		AgentID() string
		// Timestamp returns the Unix timestamp in milliseconds when the event
		// occurred. Events are timestamped at creation, not at delivery, so
		// subscribers can calculate durations between related events.
		Timestamp() int64
	}

	// SessionStartedEvent fires when a session begins execution.
	SessionStartedEvent struct {
		baseEvent
		// WorkflowRef names the workflow definition the session executes.
		WorkflowRef string
		// Input is the original task input supplied by the caller.
		Input string
	}

	// SessionCompletedEvent fires when a session reaches a terminal state,
	// whether successfully or with a failure.
	SessionCompletedEvent struct {
		baseEvent
		// Outcome is the terminal outcome: "completed",
		// "completed_with_warnings", or "failed".
		Outcome string
		// Rounds is the number of orchestrator rounds the session consumed.
		Rounds int
		// Error contains the terminal error that halted the session. Nil unless
		// Outcome is "failed".
		Error error
		// ErrorKind classifies the terminal error into a stable category
		// suitable for retry and UX decisions. Empty when Error is nil.
		ErrorKind string
	}

	// RoundStartedEvent fires when the orchestrator begins a reasoning round.
	RoundStartedEvent struct {
		baseEvent
		// Round is the 1-based round number.
		Round int
	}

	// RoundCompletedEvent fires after the orchestrator evaluates the results
	// of a round and commits to a directive for the next one.
	RoundCompletedEvent struct {
		baseEvent
		// Round is the 1-based round number that completed.
		Round int
		// Directive is the kind of directive the orchestrator chose
		// (e.g., "dispatch", "complete", "checkpoint").
		Directive string
	}

	// WorkerStartedEvent fires when the orchestrator dispatches a worker loop.
	WorkerStartedEvent struct {
		baseEvent
		// Worker identifies the worker agent being dispatched.
		Worker ensemble.AgentID
		// Task is the task description handed to the worker.
		Task string
	}

	// WorkerFinishedEvent fires when a worker loop reaches a terminal status.
	WorkerFinishedEvent struct {
		baseEvent
		// Worker identifies the worker agent that finished.
		Worker ensemble.AgentID
		// Status is the worker's terminal status: "completed", "incomplete",
		// or "errored".
		Status string
		// Iterations is the number of reasoning iterations the worker consumed.
		Iterations int
		// Degraded reports whether the worker's output was accepted despite
		// validation concerns or exhausted iterations.
		Degraded bool
		// Error contains the worker's terminal error. Nil unless Status is
		// "errored".
		Error error
	}

	// GovernanceDecisionEvent fires for every governance check the runtime
	// performs, carrying the full verdict so subscribers can build an audit
	// trail independent of the durable event log.
	GovernanceDecisionEvent struct {
		baseEvent
		// Axis identifies the governance axis consulted: "agent_invocation",
		// "tool_access", or "resource_ceiling".
		Axis string
		// Subject is the agent, tool, or resource the check applied to.
		Subject string
		// Allowed reports the verdict.
		Allowed bool
		// Reason is a stable, human-readable explanation for the verdict.
		Reason string
	}

	// ModelCallCompletedEvent fires after each model invocation returns,
	// reporting usage for cost tracking and budget dashboards.
	ModelCallCompletedEvent struct {
		baseEvent
		// Provider identifies the model provider (e.g., "anthropic").
		Provider string
		// Model is the model identifier used for the invocation.
		Model string
		// InputTokens is the number of prompt tokens consumed.
		InputTokens int
		// OutputTokens is the number of completion tokens produced.
		OutputTokens int
		// Duration is the wall-clock time of the invocation.
		Duration time.Duration
	}

	// ToolCallScheduledEvent fires when the runtime dispatches a tool
	// invocation.
	ToolCallScheduledEvent struct {
		baseEvent
		// ToolName is the canonical tool identifier.
		ToolName ensemble.ToolID
		// ToolCallID uniquely identifies the invocation so result events can
		// correlate with the original request.
		ToolCallID string
		// Payload contains the canonical JSON arguments for the call.
		Payload json.RawMessage
	}

	// ToolResultReceivedEvent fires when a tool invocation completes with
	// either a result or an error. Every ToolCallScheduledEvent eventually
	// produces a ToolResultReceivedEvent.
	ToolResultReceivedEvent struct {
		baseEvent
		// ToolName is the canonical tool identifier.
		ToolName ensemble.ToolID
		// ToolCallID matches the identifier from the scheduled event.
		ToolCallID string
		// Result contains the tool's JSON output. Nil when the tool failed.
		Result json.RawMessage
		// Duration is the wall-clock execution time for the invocation.
		Duration time.Duration
		// Error contains the structured failure when the invocation failed.
		// Nil on success.
		Error *faults.Fault
	}

	// ContextCompiledEvent fires after the context compiler assembles a model
	// payload, reporting the token composition for observability.
	ContextCompiledEvent struct {
		baseEvent
		// TotalTokens is the estimated token count of the compiled payload.
		TotalTokens int
		// InputTokens is the estimated tokens of the original task input.
		InputTokens int
		// PriorOutputTokens is the estimated tokens of prior agent outputs.
		PriorOutputTokens int
		// ObservationTokens is the estimated tokens of tool observations.
		ObservationTokens int
		// Truncated reports whether budget enforcement removed content.
		Truncated bool
	}

	// CompactionPerformedEvent fires when the compiler replaces older
	// conversation history with a summary, after the verbatim original has
	// been archived.
	CompactionPerformedEvent struct {
		baseEvent
		// ArchiveRef identifies the archived verbatim history.
		ArchiveRef string
		// EntriesBefore is the history length before compaction.
		EntriesBefore int
		// EntriesAfter is the history length after compaction.
		EntriesAfter int
	}

	// CheckpointCreatedEvent fires when execution pauses pending a human
	// decision.
	CheckpointCreatedEvent struct {
		baseEvent
		// CheckpointID correlates this checkpoint with its resolution.
		CheckpointID string
		// Reason is the human-facing explanation for the pause.
		Reason string
		// Behavior names the configured timeout behavior for the checkpoint
		// (e.g., "auto_approve", "auto_reject", "cancel", "wait").
		Behavior string
	}

	// CheckpointResolvedEvent fires when a pending checkpoint receives a
	// resolution, whether from a human decision or a timeout.
	CheckpointResolvedEvent struct {
		baseEvent
		// CheckpointID matches the identifier from the created event.
		CheckpointID string
		// Resolution is the decision applied: "approved", "rejected", or
		// "canceled".
		Resolution string
		// ResolvedBy identifies the actor that provided the decision, or
		// "timeout" when the configured timeout behavior applied.
		ResolvedBy string
		// Expired reports whether the resolution came from a timeout rather
		// than an explicit decision.
		Expired bool
	}

	// baseEvent holds common fields shared by all event types. It is embedded
	// anonymously in each concrete event struct, providing implementations of
	// the SessionID, AgentID, and Timestamp methods.
	baseEvent struct {
		sessionID string
		agentID   ensemble.AgentID
		timestamp int64
	}
)

// SessionID returns the session that produced the event.
func (e baseEvent) SessionID() string { return e.sessionID }

// AgentID returns the agent that triggered the event.
func (e baseEvent) AgentID() string { return string(e.agentID) }

// Timestamp returns the Unix timestamp in milliseconds when the event occurred.
func (e baseEvent) Timestamp() int64 { return e.timestamp }

// newBaseEvent constructs a baseEvent with the current timestamp.
func newBaseEvent(sessionID string, agentID ensemble.AgentID) baseEvent {
	return baseEvent{
		sessionID: sessionID,
		agentID:   agentID,
		timestamp: time.Now().UnixMilli(),
	}
}

// NewSessionStartedEvent constructs a SessionStartedEvent for the given
// session, workflow, and original input.
func NewSessionStartedEvent(sessionID, workflowRef, input string) *SessionStartedEvent {
	return &SessionStartedEvent{
		baseEvent:   newBaseEvent(sessionID, ensemble.OrchestratorAgent),
		WorkflowRef: workflowRef,
		Input:       input,
	}
}

// NewSessionCompletedEvent constructs a SessionCompletedEvent. Outcome should
// be "completed", "completed_with_warnings", or "failed"; err may be nil.
// When err is non-nil its fault kind is recorded for subscribers that need a
// stable error category.
func NewSessionCompletedEvent(sessionID, outcome string, rounds int, err error) *SessionCompletedEvent {
	evt := &SessionCompletedEvent{
		baseEvent: newBaseEvent(sessionID, ensemble.OrchestratorAgent),
		Outcome:   outcome,
		Rounds:    rounds,
		Error:     err,
	}
	if err != nil {
		evt.ErrorKind = string(faults.FromError(err).Kind)
	}
	return evt
}

// NewRoundStartedEvent constructs a RoundStartedEvent for the given round.
func NewRoundStartedEvent(sessionID string, round int) *RoundStartedEvent {
	return &RoundStartedEvent{
		baseEvent: newBaseEvent(sessionID, ensemble.OrchestratorAgent),
		Round:     round,
	}
}

// NewRoundCompletedEvent constructs a RoundCompletedEvent recording the
// directive the orchestrator chose at the end of the round.
func NewRoundCompletedEvent(sessionID string, round int, directive string) *RoundCompletedEvent {
	return &RoundCompletedEvent{
		baseEvent: newBaseEvent(sessionID, ensemble.OrchestratorAgent),
		Round:     round,
		Directive: directive,
	}
}

// NewWorkerStartedEvent constructs a WorkerStartedEvent for a worker dispatch.
func NewWorkerStartedEvent(sessionID string, worker ensemble.AgentID, task string) *WorkerStartedEvent {
	return &WorkerStartedEvent{
		baseEvent: newBaseEvent(sessionID, worker),
		Worker:    worker,
		Task:      task,
	}
}

// NewWorkerFinishedEvent constructs a WorkerFinishedEvent. Status should be
// "completed", "incomplete", or "errored"; err may be nil.
func NewWorkerFinishedEvent(sessionID string, worker ensemble.AgentID, status string, iterations int, degraded bool, err error) *WorkerFinishedEvent {
	return &WorkerFinishedEvent{
		baseEvent:  newBaseEvent(sessionID, worker),
		Worker:     worker,
		Status:     status,
		Iterations: iterations,
		Degraded:   degraded,
		Error:      err,
	}
}

// NewGovernanceDecisionEvent constructs a GovernanceDecisionEvent carrying a
// single governance verdict.
func NewGovernanceDecisionEvent(sessionID string, agentID ensemble.AgentID, axis, subject string, allowed bool, reason string) *GovernanceDecisionEvent {
	return &GovernanceDecisionEvent{
		baseEvent: newBaseEvent(sessionID, agentID),
		Axis:      axis,
		Subject:   subject,
		Allowed:   allowed,
		Reason:    reason,
	}
}

// NewModelCallCompletedEvent constructs a ModelCallCompletedEvent reporting
// usage for a single model invocation.
func NewModelCallCompletedEvent(sessionID string, agentID ensemble.AgentID, provider, modelID string, inputTokens, outputTokens int, duration time.Duration) *ModelCallCompletedEvent {
	return &ModelCallCompletedEvent{
		baseEvent:    newBaseEvent(sessionID, agentID),
		Provider:     provider,
		Model:        modelID,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Duration:     duration,
	}
}

// NewToolCallScheduledEvent constructs a ToolCallScheduledEvent. Payload is
// the canonical JSON arguments for the scheduled tool.
func NewToolCallScheduledEvent(sessionID string, agentID ensemble.AgentID, toolName ensemble.ToolID, toolCallID string, payload json.RawMessage) *ToolCallScheduledEvent {
	return &ToolCallScheduledEvent{
		baseEvent:  newBaseEvent(sessionID, agentID),
		ToolName:   toolName,
		ToolCallID: toolCallID,
		Payload:    payload,
	}
}

// NewToolResultReceivedEvent constructs a ToolResultReceivedEvent. Exactly
// one of result and fault should be set.
func NewToolResultReceivedEvent(sessionID string, agentID ensemble.AgentID, toolName ensemble.ToolID, toolCallID string, result json.RawMessage, duration time.Duration, fault *faults.Fault) *ToolResultReceivedEvent {
	return &ToolResultReceivedEvent{
		baseEvent:  newBaseEvent(sessionID, agentID),
		ToolName:   toolName,
		ToolCallID: toolCallID,
		Result:     result,
		Duration:   duration,
		Error:      fault,
	}
}

// NewContextCompiledEvent constructs a ContextCompiledEvent reporting the
// token composition of a compiled payload.
func NewContextCompiledEvent(sessionID string, agentID ensemble.AgentID, total, input, outputs, observations int, truncated bool) *ContextCompiledEvent {
	return &ContextCompiledEvent{
		baseEvent:         newBaseEvent(sessionID, agentID),
		TotalTokens:       total,
		InputTokens:       input,
		PriorOutputTokens: outputs,
		ObservationTokens: observations,
		Truncated:         truncated,
	}
}

// NewCompactionPerformedEvent constructs a CompactionPerformedEvent recording
// an archive reference and the history sizes before and after compaction.
func NewCompactionPerformedEvent(sessionID string, agentID ensemble.AgentID, archiveRef string, before, after int) *CompactionPerformedEvent {
	return &CompactionPerformedEvent{
		baseEvent:     newBaseEvent(sessionID, agentID),
		ArchiveRef:    archiveRef,
		EntriesBefore: before,
		EntriesAfter:  after,
	}
}

// NewCheckpointCreatedEvent constructs a CheckpointCreatedEvent for a pending
// human decision.
func NewCheckpointCreatedEvent(sessionID, checkpointID, reason, behavior string) *CheckpointCreatedEvent {
	return &CheckpointCreatedEvent{
		baseEvent:    newBaseEvent(sessionID, ensemble.OrchestratorAgent),
		CheckpointID: checkpointID,
		Reason:       reason,
		Behavior:     behavior,
	}
}

// NewCheckpointResolvedEvent constructs a CheckpointResolvedEvent. ResolvedBy
// identifies the deciding actor, or "timeout" when expired is true.
func NewCheckpointResolvedEvent(sessionID, checkpointID, resolution, resolvedBy string, expired bool) *CheckpointResolvedEvent {
	return &CheckpointResolvedEvent{
		baseEvent:    newBaseEvent(sessionID, ensemble.OrchestratorAgent),
		CheckpointID: checkpointID,
		Resolution:   resolution,
		ResolvedBy:   resolvedBy,
		Expired:      expired,
	}
}

// Type implementations.

func (e *SessionStartedEvent) Type() EventType      { return SessionStarted }
func (e *SessionCompletedEvent) Type() EventType    { return SessionCompleted }
func (e *RoundStartedEvent) Type() EventType        { return RoundStarted }
func (e *RoundCompletedEvent) Type() EventType      { return RoundCompleted }
func (e *WorkerStartedEvent) Type() EventType       { return WorkerStarted }
func (e *WorkerFinishedEvent) Type() EventType      { return WorkerFinished }
func (e *GovernanceDecisionEvent) Type() EventType  { return GovernanceDecision }
func (e *ModelCallCompletedEvent) Type() EventType  { return ModelCallCompleted }
func (e *ToolCallScheduledEvent) Type() EventType   { return ToolCallScheduled }
func (e *ToolResultReceivedEvent) Type() EventType  { return ToolResultReceived }
func (e *ContextCompiledEvent) Type() EventType     { return ContextCompiled }
func (e *CompactionPerformedEvent) Type() EventType { return CompactionPerformed }
func (e *CheckpointCreatedEvent) Type() EventType   { return CheckpointCreated }
func (e *CheckpointResolvedEvent) Type() EventType  { return CheckpointResolved }
