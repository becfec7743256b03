package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/ensemble/runtime/stream"
)

func TestSendPublishesEnvelope(t *testing.T) {
	client := &fakeClient{stream: newFakeStream(nil)}
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)

	endPayload := stream.ToolEndPayload{
		ToolCallID: "call-1",
		ToolName:   "lookup.weather",
		Result:     json.RawMessage(`{"status":"ok"}`),
	}
	err = sink.Send(context.Background(), stream.ToolEnd{
		Base: stream.NewBase(stream.EventToolEnd, "sess-123", endPayload),
		Data: endPayload,
	})
	require.NoError(t, err)

	require.Equal(t, "session/sess-123", client.lastStream)
	require.Equal(t, string(stream.EventToolEnd), client.stream.lastEvent)

	var env envelope
	require.NoError(t, json.Unmarshal(client.stream.lastPayload, &env))
	require.Equal(t, "sess-123", env.SessionID)
	require.Equal(t, "tool_end", env.Type)
	body, ok := env.Payload.(map[string]any)
	require.True(t, ok)
	res, ok := body["result"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "ok", res["status"])
}

func TestOnPublishedCalled(t *testing.T) {
	client := &fakeClient{stream: newFakeStream(nil)}
	client.stream.entryID = "42-0"

	var (
		called    bool
		gotEvent  stream.Event
		gotID     string
		gotStream string
	)
	sink, err := NewSink(Options{
		Client: client,
		OnPublished: func(ctx context.Context, ev PublishedEvent) error {
			require.NotNil(t, ctx)
			called = true
			gotEvent = ev.Event
			gotID = ev.EntryID
			gotStream = ev.StreamID
			return nil
		},
	})
	require.NoError(t, err)

	endPayload := stream.ToolEndPayload{ToolCallID: "call-1", ToolName: "lookup.weather"}
	err = sink.Send(context.Background(), stream.ToolEnd{
		Base: stream.NewBase(stream.EventToolEnd, "sess-123", endPayload),
		Data: endPayload,
	})
	require.NoError(t, err)
	require.True(t, called)
	require.Equal(t, "42-0", gotID)
	require.Equal(t, "session/sess-123", gotStream)
	require.Equal(t, stream.EventToolEnd, gotEvent.Type())
}

func TestOnPublishedErrorPropagates(t *testing.T) {
	client := &fakeClient{stream: newFakeStream(nil)}
	sink, err := NewSink(Options{
		Client: client,
		OnPublished: func(ctx context.Context, ev PublishedEvent) error {
			return errors.New("after-publish")
		},
	})
	require.NoError(t, err)

	err = sink.Send(context.Background(), stream.Workflow{
		Base: stream.NewBase(stream.EventWorkflow, "sess-1", stream.WorkflowPayload{Phase: "started"}),
		Data: stream.WorkflowPayload{Phase: "started"},
	})
	require.EqualError(t, err, "after-publish")
}

func TestCustomStreamID(t *testing.T) {
	client := &fakeClient{stream: newFakeStream(nil)}
	sink, err := NewSink(Options{
		Client: client,
		StreamID: func(e stream.Event) (string, error) {
			return "custom/" + e.SessionID(), nil
		},
	})
	require.NoError(t, err)

	err = sink.Send(context.Background(), stream.Round{
		Base: stream.NewBase(stream.EventRound, "sess-1", stream.RoundPayload{Round: 1, Phase: "started"}),
		Data: stream.RoundPayload{Round: 1, Phase: "started"},
	})
	require.NoError(t, err)
	require.Equal(t, "custom/sess-1", client.lastStream)
}

func TestSendRequiresSessionID(t *testing.T) {
	sink, err := NewSink(Options{Client: &fakeClient{}})
	require.NoError(t, err)
	err = sink.Send(context.Background(), stream.Workflow{Data: stream.WorkflowPayload{Phase: "started"}})
	require.EqualError(t, err, "stream event missing session id")
}

func TestStreamCreationError(t *testing.T) {
	client := &fakeClient{streamErr: errors.New("boom")}
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)
	err = sink.Send(context.Background(), stream.Workflow{
		Base: stream.NewBase(stream.EventWorkflow, "sess-1", stream.WorkflowPayload{Phase: "started"}),
		Data: stream.WorkflowPayload{Phase: "started"},
	})
	require.EqualError(t, err, "boom")
}

func TestAddError(t *testing.T) {
	client := &fakeClient{stream: newFakeStream(nil)}
	client.stream.addErr = errors.New("add-failed")
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)
	err = sink.Send(context.Background(), stream.Workflow{
		Base: stream.NewBase(stream.EventWorkflow, "sess-1", stream.WorkflowPayload{Phase: "started"}),
		Data: stream.WorkflowPayload{Phase: "started"},
	})
	require.EqualError(t, err, "add-failed")
}

func TestCloseDelegates(t *testing.T) {
	client := &fakeClient{}
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))
	require.Equal(t, 1, client.closeCount)
}
