// Package stream provides abstractions for delivering real-time session
// progress to clients. Stream events differ from hook events: stream events
// are client-facing updates (tool progress, worker status, checkpoint prompts)
// while hook events provide comprehensive internal observability across the
// entire runtime lifecycle.
//
// The Bridge subscribes to the hooks bus and forwards selected hook events as
// stream events, filtering out internal-only events (governance decisions,
// context compilation, history compaction) and transforming runtime state into
// wire-friendly payloads suitable for Server-Sent Events, WebSockets, or
// message buses like Pulse.
//
// All event types implement the Event interface and can be safely sent
// concurrently through a Sink implementation. Implementations are responsible
// for marshaling events into their wire format (JSON, protobuf, etc.).
package stream

import (
	"context"
	"encoding/json"
	"time"

	"goa.design/ensemble"
	"goa.design/ensemble/runtime/faults"
)

type (
	// Sink delivers streaming updates to clients over a transport (SSE,
	// WebSocket, Pulse). Implementations must be thread-safe: the runtime may
	// call Send concurrently from multiple goroutines when workers execute in
	// parallel.
	//
	// Naming note: Send belongs to the sink (the transmitter), not the bridge.
	// The Bridge RECEIVES events from the internal bus and forwards them by
	// invoking Sink.Send. Transports and tests implement Sink; typical
	// application code does not call Send directly unless it is acting as a
	// transport.
	Sink interface {
		// Send publishes an event to the sink's underlying transport. The
		// implementation is responsible for marshaling the event into the wire
		// format and handling transport-specific delivery semantics (retry,
		// buffering, backpressure).
		//
		// Send should return an error if delivery fails (connection closed,
		// serialization error, transport unavailable). The Bridge propagates
		// Send errors to the hook bus, which stops event delivery to remaining
		// subscribers, ensuring streaming failures surface immediately rather
		// than silently dropping events.
		//
		// Thread-safe: safe to call concurrently from multiple goroutines.
		Send(ctx context.Context, event Event) error

		// Close releases resources owned by the sink (connections, buffers,
		// background goroutines). After Close returns, subsequent Send calls
		// must return errors.
		//
		// Close is idempotent: calling it multiple times is safe and has no
		// effect after the first call. Implementations should block until all
		// pending events are flushed or ctx is canceled.
		Close(ctx context.Context) error
	}

	// Event describes a streaming event delivered to clients through a Sink.
	// All concrete event types embed Base to provide standard metadata (type,
	// session ID, payload). Sinks use the Event interface to marshal events
	// generically; consumers can type-assert to concrete types when they need
	// structured field access.
	//
	// Implementations are immutable after construction and safe to send
	// concurrently.
	Event interface {
		// Type returns the event type constant (e.g., EventToolEnd,
		// EventAgentStart). Subscribers use this to filter events by category
		// or route to type-specific handlers without performing type
		// assertions.
		Type() EventType

		// SessionID returns the session that produced this event. All events
		// within a single session share the same session ID, enabling clients
		// to filter or group events by session. This is critical for
		// multi-tenant systems where a single Sink may multiplex events from
		// multiple concurrent sessions.
		SessionID() string

		// Payload returns the event-specific data in a JSON-serializable form.
		// Sinks use this for generic marshaling when they don't need typed
		// access. Consumers that need structured access to event fields should
		// type-assert the Event itself and read fields like ToolStart.Data
		// directly.
		Payload() any
	}

	// Workflow signals lifecycle phases for a session. Emitted once with Phase
	// "started" when the session begins and once with Phase "completed" when
	// it reaches a terminal state, carrying the outcome and terminal error.
	Workflow struct {
		Base
		// Data contains the lifecycle payload. Clients read Data.Outcome on
		// the terminal event to distinguish clean completion from degraded or
		// failed sessions.
		Data WorkflowPayload
	}

	// Round streams orchestrator round boundaries. Clients use these to
	// display round counters and the directive the orchestrator committed to
	// at the end of each round.
	Round struct {
		Base
		Data RoundPayload
	}

	// AgentStart streams when the orchestrator dispatches a worker loop.
	// Clients receive this before the worker executes, allowing UIs to show
	// which agents are active and what task each one carries.
	AgentStart struct {
		Base
		Data AgentStartPayload
	}

	// AgentEnd streams when a worker loop reaches a terminal status. Every
	// AgentStart event eventually produces an AgentEnd.
	AgentEnd struct {
		Base
		Data AgentEndPayload
	}

	// ToolStart streams when the runtime schedules a tool invocation. Clients
	// receive this before the tool executes, allowing UIs to display pending
	// tool calls and prepare to receive the corresponding ToolEnd event.
	ToolStart struct {
		Base
		// Data contains the structured metadata for this tool invocation.
		// Clients access this field directly for type-safe field access
		// (e.g., event.Data.ToolCallID).
		Data ToolStartPayload
	}

	// ToolEnd streams when a tool invocation completes with either a result or
	// error. Clients receive this to update tool status, close progress
	// indicators, and display results or errors. Every ToolStart event
	// eventually produces a ToolEnd.
	ToolEnd struct {
		Base
		Data ToolEndPayload
	}

	// Usage reports token usage for a model invocation.
	Usage struct {
		Base
		Data UsagePayload
	}

	// CheckpointPending streams when execution pauses for a human decision.
	// Approval UIs subscribe to these events to surface the pending prompt;
	// the session stays suspended until a matching CheckpointResolved arrives.
	CheckpointPending struct {
		Base
		Data CheckpointPendingPayload
	}

	// CheckpointResolved streams when a pending checkpoint receives a
	// resolution, whether from a human decision or a timeout.
	CheckpointResolved struct {
		Base
		Data CheckpointResolvedPayload
	}

	// SessionStreamEnd is an explicit stream boundary marker for a session.
	//
	// Contract:
	//   - SessionStreamEnd is emitted after all stream-visible events for the
	//     session, including the terminal Workflow event.
	//   - Consumers use this marker to terminate stream consumption without
	//     relying on timers or session store polling.
	SessionStreamEnd struct {
		Base
		Data SessionStreamEndPayload
	}

	// SessionStreamEndPayload is the typed wire payload for SessionStreamEnd.
	// It is intentionally empty: SessionID is carried on the envelope/Base.
	SessionStreamEndPayload struct{}

	// WorkflowPayload describes a session lifecycle update.
	WorkflowPayload struct {
		// Workflow names the workflow definition the session executes.
		// Populated on the "started" phase and empty afterwards.
		Workflow string `json:"workflow,omitempty"`
		// Phase is the lifecycle phase: "started" or "completed".
		Phase string `json:"phase"`
		// Outcome is the terminal outcome when Phase is "completed":
		// "completed", "completed_with_warnings", or "failed".
		Outcome string `json:"outcome,omitempty"`
		// Rounds is the number of orchestrator rounds the session consumed.
		Rounds int `json:"rounds,omitempty"`
		// Error is the terminal error message. Populated only when Outcome is
		// "failed".
		Error string `json:"error,omitempty"`
		// ErrorKind classifies the terminal error into a stable category
		// suitable for retry and UX decisions. Empty when Error is empty.
		ErrorKind string `json:"error_kind,omitempty"`
	}

	// RoundPayload describes an orchestrator round boundary.
	RoundPayload struct {
		// Round is the 1-based round number.
		Round int `json:"round"`
		// Phase is "started" or "completed".
		Phase string `json:"phase"`
		// Directive is the orchestrator's decision for the next round
		// (e.g., "dispatch", "complete", "checkpoint"). Populated only on the
		// "completed" phase.
		Directive string `json:"directive,omitempty"`
	}

	// AgentStartPayload carries the metadata for a dispatched worker loop.
	AgentStartPayload struct {
		// Agent identifies the worker agent being dispatched.
		Agent ensemble.AgentID `json:"agent"`
		// Task is the task description handed to the worker.
		Task string `json:"task,omitempty"`
	}

	// AgentEndPayload carries the terminal status for a finished worker loop.
	AgentEndPayload struct {
		// Agent identifies the worker agent that finished.
		Agent ensemble.AgentID `json:"agent"`
		// Status is the worker's terminal status: "completed", "incomplete",
		// or "errored".
		Status string `json:"status"`
		// Iterations is the number of reasoning iterations the worker
		// consumed.
		Iterations int `json:"iterations"`
		// Degraded reports whether the worker's output was accepted despite
		// validation concerns or exhausted iterations.
		Degraded bool `json:"degraded,omitempty"`
		// Error is the worker's terminal error message. Empty unless Status
		// is "errored".
		Error string `json:"error,omitempty"`
	}

	// ToolStartPayload carries the metadata for a scheduled tool invocation.
	// This structure is JSON-serialized when sent over the wire.
	ToolStartPayload struct {
		// ToolCallID uniquely identifies this tool invocation. Clients use
		// this to correlate subsequent ToolEnd events with the original
		// ToolStart.
		ToolCallID string `json:"tool_call_id"`
		// ToolName is the canonical tool identifier.
		ToolName string `json:"tool_name"`
		// Payload contains the canonical JSON arguments for this call. It is
		// never decoded into Go structs for streaming to avoid schema drift
		// from untagged Go fields.
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	// ToolEndPayload carries the result metadata for a completed tool
	// invocation.
	ToolEndPayload struct {
		// ToolCallID uniquely identifies the tool invocation that completed.
		// Matches the identifier from the corresponding ToolStart event.
		ToolCallID string `json:"tool_call_id"`
		// ToolName is the canonical tool identifier that was executed.
		ToolName string `json:"tool_name"`
		// Result contains the tool's JSON output. It is the canonical
		// encoding produced by the tool gateway. Nil when the tool failed.
		Result json.RawMessage `json:"result,omitempty"`
		// Duration is the wall-clock execution time for the invocation,
		// including retries.
		Duration time.Duration `json:"duration"`
		// Error contains the structured failure when the invocation failed.
		// Nil on success. When non-nil, Result is nil.
		Error *faults.Fault `json:"error,omitempty"`
	}

	// UsagePayload describes token usage for one model invocation with
	// provider and model attribution.
	UsagePayload struct {
		// Provider identifies the model provider (e.g., "anthropic").
		Provider string `json:"provider"`
		// Model is the model identifier used for the invocation.
		Model string `json:"model"`
		// InputTokens is the number of prompt tokens consumed.
		InputTokens int `json:"input_tokens"`
		// OutputTokens is the number of completion tokens produced.
		OutputTokens int `json:"output_tokens"`
	}

	// CheckpointPendingPayload describes a checkpoint awaiting a human
	// decision.
	CheckpointPendingPayload struct {
		// CheckpointID correlates this prompt with its resolution.
		CheckpointID string `json:"checkpoint_id"`
		// Reason is the human-facing explanation for the pause.
		Reason string `json:"reason"`
		// Behavior names the configured timeout behavior for the checkpoint
		// (e.g., "auto_approve", "auto_reject", "cancel", "wait").
		Behavior string `json:"behavior,omitempty"`
	}

	// CheckpointResolvedPayload describes a checkpoint resolution.
	CheckpointResolvedPayload struct {
		// CheckpointID matches the identifier from the pending event.
		CheckpointID string `json:"checkpoint_id"`
		// Resolution is the decision applied: "approved", "rejected", or
		// "canceled".
		Resolution string `json:"resolution"`
		// ResolvedBy identifies the actor that provided the decision, or
		// "timeout" when the configured timeout behavior applied.
		ResolvedBy string `json:"resolved_by,omitempty"`
		// Expired reports whether the resolution came from a timeout rather
		// than an explicit decision.
		Expired bool `json:"expired,omitempty"`
	}

	// Base provides a default implementation of Event. Embed this struct in
	// concrete event types to inherit the Type(), SessionID(), and Payload()
	// methods. All stream event types (Workflow, ToolStart, etc.) embed Base
	// to avoid boilerplate.
	//
	// Field names are abbreviated to minimize visual clutter when
	// constructing events, since Base fields are rarely accessed directly
	// (consumers use the interface methods or type-assert to concrete types
	// for their specific fields).
	Base struct {
		// t is the event type constant (e.g., EventToolEnd, EventWorkflow).
		t EventType
		// s is the session identifier for the session that produced this
		// event. All events from a single session share the same value,
		// enabling subscribers to join streams to session-scoped stores
		// without out-of-band registries.
		s string
		// p is the JSON-serializable payload returned by the Payload()
		// method. Sinks marshal this value when publishing events.
		p any
	}

	// Profile describes which event kinds are emitted for a particular
	// audience. Profiles are applied by the Bridge when mapping hook events
	// to stream events.
	Profile struct {
		// Workflow controls emission of session lifecycle events and the
		// trailing session_stream_end marker.
		Workflow bool
		// Rounds controls emission of round boundary events.
		Rounds bool
		// Agents controls emission of agent_start and agent_end events.
		Agents bool
		// ToolStart controls emission of tool_start events.
		ToolStart bool
		// ToolEnd controls emission of tool_end events.
		ToolEnd bool
		// Usage controls emission of usage events.
		Usage bool
		// Checkpoints controls emission of checkpoint_pending and
		// checkpoint_resolved events.
		Checkpoints bool
	}
)

// DefaultProfile returns a Profile that emits all event kinds. Suitable for
// operator consoles and debugging views that want full session visibility.
func DefaultProfile() Profile {
	return Profile{
		Workflow:    true,
		Rounds:      true,
		Agents:      true,
		ToolStart:   true,
		ToolEnd:     true,
		Usage:       true,
		Checkpoints: true,
	}
}

// MetricsProfile returns a profile that emits only usage and workflow events,
// suitable for metrics/telemetry pipelines.
func MetricsProfile() Profile {
	return Profile{
		Usage:    true,
		Workflow: true,
	}
}

// ApprovalProfile returns a profile that emits only checkpoint and workflow
// events, suitable for approval inboxes that surface pending human decisions
// without streaming full execution detail.
func ApprovalProfile() Profile {
	return Profile{
		Workflow:    true,
		Checkpoints: true,
	}
}

// EventType enumerates stream payload flavors.
type EventType string

const (
	// EventWorkflow streams lifecycle phases for the session (started,
	// completed). Emitted by the Bridge when SessionStartedEvent and
	// SessionCompletedEvent hooks fire.
	EventWorkflow EventType = "workflow"

	// EventRound streams orchestrator round boundaries. Emitted by the Bridge
	// when RoundStartedEvent and RoundCompletedEvent hooks fire.
	EventRound EventType = "round"

	// EventAgentStart streams when a worker loop is dispatched. Emitted by
	// the Bridge when WorkerStartedEvent hooks fire.
	EventAgentStart EventType = "agent_start"

	// EventAgentEnd streams when a worker loop reaches a terminal status.
	// Emitted by the Bridge when WorkerFinishedEvent hooks fire.
	EventAgentEnd EventType = "agent_end"

	// EventToolStart streams when a tool invocation is scheduled. Clients
	// receive this before the tool executes, allowing UIs to display pending
	// tool calls. Emitted by the Bridge when ToolCallScheduledEvent hooks
	// fire.
	EventToolStart EventType = "tool_start"

	// EventToolEnd streams when a tool invocation completes with either a
	// result or error. This event includes execution duration and structured
	// error details if the tool failed. Emitted by the Bridge when
	// ToolResultReceivedEvent hooks fire.
	EventToolEnd EventType = "tool_end"

	// EventUsage streams token usage details for model invocations.
	EventUsage EventType = "usage"

	// EventCheckpointPending streams when execution pauses for a human
	// decision. Emitted by the Bridge when CheckpointCreatedEvent hooks fire.
	EventCheckpointPending EventType = "checkpoint_pending"

	// EventCheckpointResolved streams when a pending checkpoint receives a
	// resolution. Emitted by the Bridge when CheckpointResolvedEvent hooks
	// fire.
	EventCheckpointResolved EventType = "checkpoint_resolved"

	// EventSessionStreamEnd marks the end of stream-visible events for a
	// session.
	EventSessionStreamEnd EventType = "session_stream_end"
)

// NewBase constructs a Base event with the given type, session ID, and
// payload.
func NewBase(t EventType, sessionID string, payload any) Base {
	return Base{t: t, s: sessionID, p: payload}
}

// Type implements Event.Type.
func (e Base) Type() EventType { return e.t }

// SessionID implements Event.SessionID.
func (e Base) SessionID() string { return e.s }

// Payload implements Event.Payload.
func (e Base) Payload() any { return e.p }
