package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/ensemble/runtime/faults"
	"goa.design/ensemble/runtime/hooks"
)

// captureSink records events in the order they were sent.
type captureSink struct {
	events []Event
	closed bool
}

func (s *captureSink) Send(_ context.Context, event Event) error {
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) Close(context.Context) error {
	s.closed = true
	return nil
}

// failSink rejects every send.
type failSink struct{}

func (failSink) Send(context.Context, Event) error { return errors.New("transport closed") }

func (failSink) Close(context.Context) error { return nil }

func TestNewBridgeRequiresSink(t *testing.T) {
	t.Parallel()

	_, err := NewBridge(nil)
	require.Error(t, err)

	b, err := NewBridge(&captureSink{})
	require.NoError(t, err)
	require.NotNil(t, b)
}

func TestBridgeForwardsSessionLifecycle(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	bridge, err := NewBridge(sink)
	require.NoError(t, err)

	bus := hooks.NewBus()
	sub, err := bus.Register(bridge)
	require.NoError(t, err)
	defer sub.Close()

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, hooks.NewSessionStartedEvent("sess-1", "research", "find the answer")))
	require.NoError(t, bus.Publish(ctx, hooks.NewSessionCompletedEvent("sess-1", "completed_with_warnings", 4, nil)))

	require.Len(t, sink.events, 3)

	started, ok := sink.events[0].(Workflow)
	require.True(t, ok)
	require.Equal(t, EventWorkflow, started.Type())
	require.Equal(t, "sess-1", started.SessionID())
	require.Equal(t, "research", started.Data.Workflow)
	require.Equal(t, "started", started.Data.Phase)

	completed, ok := sink.events[1].(Workflow)
	require.True(t, ok)
	require.Equal(t, "completed", completed.Data.Phase)
	require.Equal(t, "completed_with_warnings", completed.Data.Outcome)
	require.Equal(t, 4, completed.Data.Rounds)
	require.Empty(t, completed.Data.Error)

	end, ok := sink.events[2].(SessionStreamEnd)
	require.True(t, ok)
	require.Equal(t, EventSessionStreamEnd, end.Type())
	require.Equal(t, "sess-1", end.SessionID())
}

func TestBridgeForwardsTerminalError(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	bridge, err := NewBridge(sink)
	require.NoError(t, err)

	fault := faults.New(faults.KindUnrecoverableState, "no invokable agent remains")
	require.NoError(t, bridge.HandleEvent(context.Background(),
		hooks.NewSessionCompletedEvent("sess-2", "failed", 2, fault)))

	require.Len(t, sink.events, 2)
	completed := sink.events[0].(Workflow)
	require.Equal(t, "failed", completed.Data.Outcome)
	require.Equal(t, "no invokable agent remains", completed.Data.Error)
	require.Equal(t, string(faults.KindUnrecoverableState), completed.Data.ErrorKind)
}

func TestBridgeForwardsRoundAndWorkerEvents(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	bridge, err := NewBridge(sink)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bridge.HandleEvent(ctx, hooks.NewRoundStartedEvent("sess-3", 1)))
	require.NoError(t, bridge.HandleEvent(ctx, hooks.NewWorkerStartedEvent("sess-3", "researcher", "gather sources")))
	require.NoError(t, bridge.HandleEvent(ctx, hooks.NewWorkerFinishedEvent("sess-3", "researcher", "completed", 3, false, nil)))
	require.NoError(t, bridge.HandleEvent(ctx, hooks.NewRoundCompletedEvent("sess-3", 1, "dispatch")))

	require.Len(t, sink.events, 4)

	round := sink.events[0].(Round)
	require.Equal(t, EventRound, round.Type())
	require.Equal(t, 1, round.Data.Round)
	require.Equal(t, "started", round.Data.Phase)

	start := sink.events[1].(AgentStart)
	require.Equal(t, EventAgentStart, start.Type())
	require.EqualValues(t, "researcher", start.Data.Agent)
	require.Equal(t, "gather sources", start.Data.Task)

	end := sink.events[2].(AgentEnd)
	require.Equal(t, EventAgentEnd, end.Type())
	require.Equal(t, "completed", end.Data.Status)
	require.Equal(t, 3, end.Data.Iterations)
	require.False(t, end.Data.Degraded)
	require.Empty(t, end.Data.Error)

	done := sink.events[3].(Round)
	require.Equal(t, "completed", done.Data.Phase)
	require.Equal(t, "dispatch", done.Data.Directive)
}

func TestBridgeForwardsToolEvents(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	bridge, err := NewBridge(sink)
	require.NoError(t, err)

	ctx := context.Background()
	args := json.RawMessage(`{"query":"golang"}`)
	require.NoError(t, bridge.HandleEvent(ctx,
		hooks.NewToolCallScheduledEvent("sess-4", "researcher", "web_search", "call-1", args)))

	fault := faults.New(faults.KindProviderError, "search backend unavailable")
	require.NoError(t, bridge.HandleEvent(ctx,
		hooks.NewToolResultReceivedEvent("sess-4", "researcher", "web_search", "call-1", nil, 250*time.Millisecond, fault)))

	require.Len(t, sink.events, 2)

	start := sink.events[0].(ToolStart)
	require.Equal(t, EventToolStart, start.Type())
	require.Equal(t, "sess-4", start.SessionID())
	require.Equal(t, "call-1", start.Data.ToolCallID)
	require.Equal(t, "web_search", start.Data.ToolName)
	require.JSONEq(t, `{"query":"golang"}`, string(start.Data.Payload))

	end := sink.events[1].(ToolEnd)
	require.Equal(t, EventToolEnd, end.Type())
	require.Equal(t, "call-1", end.Data.ToolCallID)
	require.Nil(t, end.Data.Result)
	require.Equal(t, 250*time.Millisecond, end.Data.Duration)
	require.NotNil(t, end.Data.Error)
	require.Equal(t, faults.KindProviderError, end.Data.Error.Kind)
}

func TestBridgeForwardsUsage(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	bridge, err := NewBridge(sink)
	require.NoError(t, err)

	require.NoError(t, bridge.HandleEvent(context.Background(),
		hooks.NewModelCallCompletedEvent("sess-5", "writer", "anthropic", "claude-sonnet-4-5", 1200, 340, 900*time.Millisecond)))

	require.Len(t, sink.events, 1)
	usage := sink.events[0].(Usage)
	require.Equal(t, EventUsage, usage.Type())
	require.Equal(t, "anthropic", usage.Data.Provider)
	require.Equal(t, "claude-sonnet-4-5", usage.Data.Model)
	require.Equal(t, 1200, usage.Data.InputTokens)
	require.Equal(t, 340, usage.Data.OutputTokens)
}

func TestBridgeForwardsCheckpointEvents(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	bridge, err := NewBridge(sink)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bridge.HandleEvent(ctx,
		hooks.NewCheckpointCreatedEvent("sess-6", "cp-1", "publish requires approval", "auto_reject")))
	require.NoError(t, bridge.HandleEvent(ctx,
		hooks.NewCheckpointResolvedEvent("sess-6", "cp-1", "approved", "operator:alice", false)))

	require.Len(t, sink.events, 2)

	pending := sink.events[0].(CheckpointPending)
	require.Equal(t, EventCheckpointPending, pending.Type())
	require.Equal(t, "cp-1", pending.Data.CheckpointID)
	require.Equal(t, "publish requires approval", pending.Data.Reason)
	require.Equal(t, "auto_reject", pending.Data.Behavior)

	resolved := sink.events[1].(CheckpointResolved)
	require.Equal(t, EventCheckpointResolved, resolved.Type())
	require.Equal(t, "cp-1", resolved.Data.CheckpointID)
	require.Equal(t, "approved", resolved.Data.Resolution)
	require.Equal(t, "operator:alice", resolved.Data.ResolvedBy)
	require.False(t, resolved.Data.Expired)
}

func TestBridgeIgnoresInternalEvents(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	bridge, err := NewBridge(sink)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bridge.HandleEvent(ctx,
		hooks.NewGovernanceDecisionEvent("sess-7", "researcher", "tool_access", "web_search", false, "tool not in allowlist")))
	require.NoError(t, bridge.HandleEvent(ctx,
		hooks.NewContextCompiledEvent("sess-7", "researcher", 900, 200, 400, 300, false)))
	require.NoError(t, bridge.HandleEvent(ctx,
		hooks.NewCompactionPerformedEvent("sess-7", "researcher", "arch-1", 12, 5)))

	require.Empty(t, sink.events)
}

func TestBridgeProfileFilters(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	bridge, err := NewBridge(sink, WithProfile(MetricsProfile()))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bridge.HandleEvent(ctx,
		hooks.NewToolCallScheduledEvent("sess-8", "researcher", "web_search", "call-1", nil)))
	require.NoError(t, bridge.HandleEvent(ctx, hooks.NewRoundStartedEvent("sess-8", 1)))
	require.NoError(t, bridge.HandleEvent(ctx,
		hooks.NewCheckpointCreatedEvent("sess-8", "cp-1", "approval", "wait")))
	require.NoError(t, bridge.HandleEvent(ctx,
		hooks.NewModelCallCompletedEvent("sess-8", "researcher", "openai", "gpt-4o", 100, 20, time.Second)))
	require.NoError(t, bridge.HandleEvent(ctx, hooks.NewSessionCompletedEvent("sess-8", "completed", 1, nil)))

	require.Len(t, sink.events, 3)
	require.Equal(t, EventUsage, sink.events[0].Type())
	require.Equal(t, EventWorkflow, sink.events[1].Type())
	require.Equal(t, EventSessionStreamEnd, sink.events[2].Type())
}

func TestBridgeApprovalProfile(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	bridge, err := NewBridge(sink, WithProfile(ApprovalProfile()))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bridge.HandleEvent(ctx,
		hooks.NewToolCallScheduledEvent("sess-9", "researcher", "web_search", "call-1", nil)))
	require.NoError(t, bridge.HandleEvent(ctx,
		hooks.NewModelCallCompletedEvent("sess-9", "researcher", "openai", "gpt-4o", 100, 20, time.Second)))
	require.NoError(t, bridge.HandleEvent(ctx,
		hooks.NewCheckpointCreatedEvent("sess-9", "cp-1", "publish requires approval", "wait")))

	require.Len(t, sink.events, 1)
	require.Equal(t, EventCheckpointPending, sink.events[0].Type())
}

func TestBridgeSinkErrorStopsDelivery(t *testing.T) {
	t.Parallel()

	bridge, err := NewBridge(failSink{})
	require.NoError(t, err)

	bus := hooks.NewBus()
	sub, err := bus.Register(bridge)
	require.NoError(t, err)
	defer sub.Close()

	err = bus.Publish(context.Background(), hooks.NewRoundStartedEvent("sess-10", 1))
	require.Error(t, err)
	require.Contains(t, err.Error(), "transport closed")
}

func TestBasePayloadRoundTrip(t *testing.T) {
	t.Parallel()

	payload := ToolStartPayload{ToolCallID: "call-1", ToolName: "web_search"}
	evt := ToolStart{Base: NewBase(EventToolStart, "sess-11", payload), Data: payload}

	require.Equal(t, EventToolStart, evt.Type())
	require.Equal(t, "sess-11", evt.SessionID())

	encoded, err := json.Marshal(evt.Payload())
	require.NoError(t, err)
	require.JSONEq(t, `{"tool_call_id":"call-1","tool_name":"web_search"}`, string(encoded))
}
