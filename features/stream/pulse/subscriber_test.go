package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	"goa.design/ensemble/runtime/stream"
)

func TestSubscribeEmitsEvents(t *testing.T) {
	eventCh := make(chan *streaming.Event, 1)
	sinkFake := &fakeSink{events: eventCh}
	client := &fakeClient{stream: newFakeStream(sinkFake)}

	sub, err := NewSubscriber(SubscriberOptions{Client: client, Buffer: 2})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "session/sess-123")
	require.NoError(t, err)
	defer cancel()

	require.Equal(t, "session/sess-123", client.lastStream)
	require.Equal(t, "ensemble_subscriber", client.stream.lastSinkName)

	payload, _ := json.Marshal(map[string]any{
		"type":       "workflow",
		"session_id": "sess-123",
		"timestamp":  time.Now(),
		"payload":    map[string]string{"phase": "started"},
	})
	eventCh <- &streaming.Event{ID: "1-0", Payload: payload}
	close(eventCh)

	e := <-events
	require.Equal(t, stream.EventWorkflow, e.Type())
	require.Equal(t, "sess-123", e.SessionID())
	body := make(map[string]string)
	require.NoError(t, json.Unmarshal(e.Payload().(json.RawMessage), &body))
	require.Equal(t, "started", body["phase"])

	waitClosed(t, events, errs)
	require.Equal(t, []string{"1-0"}, sinkFake.ackIDs)
}

func TestSubscribeDecoderError(t *testing.T) {
	eventCh := make(chan *streaming.Event, 1)
	sinkFake := &fakeSink{events: eventCh}
	client := &fakeClient{stream: newFakeStream(sinkFake)}

	sub, err := NewSubscriber(SubscriberOptions{
		Client: client,
		Decoder: func([]byte) (stream.Event, error) {
			return nil, errors.New("decode error")
		},
	})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "session/sess-1")
	require.NoError(t, err)
	defer cancel()
	eventCh <- &streaming.Event{Payload: []byte("{}")}
	close(eventCh)

	require.Empty(t, events)
	require.EqualError(t, <-errs, "pulse decode payload: decode error")
}

func TestSubscribeAckError(t *testing.T) {
	eventCh := make(chan *streaming.Event, 1)
	sinkFake := &fakeSink{events: eventCh, ackErr: errors.New("ack down")}
	client := &fakeClient{stream: newFakeStream(sinkFake)}

	sub, err := NewSubscriber(SubscriberOptions{Client: client, Buffer: 1})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "session/sess-1")
	require.NoError(t, err)
	defer cancel()

	payload, _ := json.Marshal(map[string]any{"type": "round", "session_id": "sess-1"})
	eventCh <- &streaming.Event{ID: "7-0", Payload: payload}
	close(eventCh)

	e := <-events
	require.Equal(t, stream.EventRound, e.Type())
	require.EqualError(t, <-errs, "pulse ack: ack down")
}

func TestSubscribeRequiresClient(t *testing.T) {
	_, err := NewSubscriber(SubscriberOptions{})
	require.EqualError(t, err, "pulse client is required")
}
