package stream

import (
	"context"
	"errors"

	"goa.design/ensemble/runtime/hooks"
)

type (
	// Bridge is a hooks.Subscriber implementation that RECEIVES hook events
	// and forwards selected ones to a Sink. Think of it as the adapter between
	// the internal observability bus and an external streaming transport (SSE,
	// WebSockets, Pulse, etc.).
	//
	// Naming note: only the sink exposes a Send method. The bridge itself does
	// not "send"; it handles incoming hook events and calls sink.Send under
	// the hood. This separation avoids confusion between receiving from the
	// bus and transmitting to the client transport.
	//
	// Forwarded (client-facing) events:
	//   - SessionStarted / SessionCompleted → EventWorkflow (+ EventSessionStreamEnd)
	//   - RoundStarted / RoundCompleted → EventRound
	//   - WorkerStarted → EventAgentStart
	//   - WorkerFinished → EventAgentEnd
	//   - ToolCallScheduled → EventToolStart
	//   - ToolResultReceived → EventToolEnd
	//   - ModelCallCompleted → EventUsage
	//   - CheckpointCreated → EventCheckpointPending
	//   - CheckpointResolved → EventCheckpointResolved
	//
	// Internal-only events (governance decisions, context compilation, history
	// compaction) are ignored as they are primarily used for observability,
	// not client streaming.
	Bridge struct {
		sink    Sink
		profile Profile
	}

	// BridgeOption customizes a Bridge at construction time.
	BridgeOption func(*Bridge)
)

// WithProfile restricts which event kinds the bridge forwards. Use
// MetricsProfile or ApprovalProfile for audiences that only need a subset of
// the stream.
func WithProfile(profile Profile) BridgeOption {
	return func(b *Bridge) { b.profile = profile }
}

// NewBridge constructs a bridge that forwards selected hook events to the
// provided stream sink. The sink is typically backed by a message bus like
// Pulse or a direct WebSocket/SSE connection. The bridge forwards all event
// kinds unless WithProfile narrows the set.
//
// NewBridge returns an error if sink is nil, as the bridge requires a valid
// sink to function.
//
// Example:
//
//	sub, err := stream.NewBridge(sink)
//	if err != nil {
//	    return err
//	}
//	subscription, _ := bus.Register(sub)
//	defer subscription.Close()
func NewBridge(sink Sink, opts ...BridgeOption) (*Bridge, error) {
	if sink == nil {
		return nil, errors.New("stream sink is required")
	}
	b := &Bridge{sink: sink, profile: DefaultProfile()}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// HandleEvent implements hooks.Subscriber by translating hook events into
// stream events and forwarding them to the configured sink. Event types not
// listed in the Bridge documentation are ignored (return nil).
//
// On SessionCompleted the bridge emits the terminal Workflow event followed
// by a SessionStreamEnd marker so consumers can terminate stream consumption
// deterministically.
//
// If the sink returns an error, HandleEvent propagates it to the bus, which
// stops event delivery to remaining subscribers. This fail-fast behavior
// ensures that streaming failures are visible to the runtime.
func (b *Bridge) HandleEvent(ctx context.Context, event hooks.Event) error {
	switch evt := event.(type) {
	case *hooks.SessionStartedEvent:
		if !b.profile.Workflow {
			return nil
		}
		payload := WorkflowPayload{
			Workflow: evt.WorkflowRef,
			Phase:    "started",
		}
		return b.sink.Send(ctx, Workflow{
			Base: NewBase(EventWorkflow, evt.SessionID(), payload),
			Data: payload,
		})
	case *hooks.SessionCompletedEvent:
		if !b.profile.Workflow {
			return nil
		}
		payload := WorkflowPayload{
			Phase:     "completed",
			Outcome:   evt.Outcome,
			Rounds:    evt.Rounds,
			ErrorKind: evt.ErrorKind,
		}
		if evt.Error != nil {
			payload.Error = evt.Error.Error()
		}
		if err := b.sink.Send(ctx, Workflow{
			Base: NewBase(EventWorkflow, evt.SessionID(), payload),
			Data: payload,
		}); err != nil {
			return err
		}
		end := SessionStreamEndPayload{}
		return b.sink.Send(ctx, SessionStreamEnd{
			Base: NewBase(EventSessionStreamEnd, evt.SessionID(), end),
			Data: end,
		})
	case *hooks.RoundStartedEvent:
		if !b.profile.Rounds {
			return nil
		}
		payload := RoundPayload{Round: evt.Round, Phase: "started"}
		return b.sink.Send(ctx, Round{
			Base: NewBase(EventRound, evt.SessionID(), payload),
			Data: payload,
		})
	case *hooks.RoundCompletedEvent:
		if !b.profile.Rounds {
			return nil
		}
		payload := RoundPayload{
			Round:     evt.Round,
			Phase:     "completed",
			Directive: evt.Directive,
		}
		return b.sink.Send(ctx, Round{
			Base: NewBase(EventRound, evt.SessionID(), payload),
			Data: payload,
		})
	case *hooks.WorkerStartedEvent:
		if !b.profile.Agents {
			return nil
		}
		payload := AgentStartPayload{Agent: evt.Worker, Task: evt.Task}
		return b.sink.Send(ctx, AgentStart{
			Base: NewBase(EventAgentStart, evt.SessionID(), payload),
			Data: payload,
		})
	case *hooks.WorkerFinishedEvent:
		if !b.profile.Agents {
			return nil
		}
		payload := AgentEndPayload{
			Agent:      evt.Worker,
			Status:     evt.Status,
			Iterations: evt.Iterations,
			Degraded:   evt.Degraded,
		}
		if evt.Error != nil {
			payload.Error = evt.Error.Error()
		}
		return b.sink.Send(ctx, AgentEnd{
			Base: NewBase(EventAgentEnd, evt.SessionID(), payload),
			Data: payload,
		})
	case *hooks.ToolCallScheduledEvent:
		if !b.profile.ToolStart {
			return nil
		}
		payload := ToolStartPayload{
			ToolCallID: evt.ToolCallID,
			ToolName:   string(evt.ToolName),
			Payload:    evt.Payload,
		}
		return b.sink.Send(ctx, ToolStart{
			Base: NewBase(EventToolStart, evt.SessionID(), payload),
			Data: payload,
		})
	case *hooks.ToolResultReceivedEvent:
		if !b.profile.ToolEnd {
			return nil
		}
		payload := ToolEndPayload{
			ToolCallID: evt.ToolCallID,
			ToolName:   string(evt.ToolName),
			Result:     evt.Result,
			Duration:   evt.Duration,
			Error:      evt.Error,
		}
		return b.sink.Send(ctx, ToolEnd{
			Base: NewBase(EventToolEnd, evt.SessionID(), payload),
			Data: payload,
		})
	case *hooks.ModelCallCompletedEvent:
		if !b.profile.Usage {
			return nil
		}
		payload := UsagePayload{
			Provider:     evt.Provider,
			Model:        evt.Model,
			InputTokens:  evt.InputTokens,
			OutputTokens: evt.OutputTokens,
		}
		return b.sink.Send(ctx, Usage{
			Base: NewBase(EventUsage, evt.SessionID(), payload),
			Data: payload,
		})
	case *hooks.CheckpointCreatedEvent:
		if !b.profile.Checkpoints {
			return nil
		}
		payload := CheckpointPendingPayload{
			CheckpointID: evt.CheckpointID,
			Reason:       evt.Reason,
			Behavior:     evt.Behavior,
		}
		return b.sink.Send(ctx, CheckpointPending{
			Base: NewBase(EventCheckpointPending, evt.SessionID(), payload),
			Data: payload,
		})
	case *hooks.CheckpointResolvedEvent:
		if !b.profile.Checkpoints {
			return nil
		}
		payload := CheckpointResolvedPayload{
			CheckpointID: evt.CheckpointID,
			Resolution:   evt.Resolution,
			ResolvedBy:   evt.ResolvedBy,
			Expired:      evt.Expired,
		}
		return b.sink.Send(ctx, CheckpointResolved{
			Base: NewBase(EventCheckpointResolved, evt.SessionID(), payload),
			Data: payload,
		})
	default:
		return nil
	}
}
