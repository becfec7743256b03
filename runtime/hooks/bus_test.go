package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBusPublishFanOut(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	count := 0
	sub := SubscriberFunc(func(ctx context.Context, event Event) error {
		count++
		return nil
	})
	_, err := bus.Register(sub)
	require.NoError(t, err)
	evt1 := NewSessionStartedEvent("s1", "triage", "review the incident")
	require.NoError(t, bus.Publish(ctx, evt1))
	evt2 := NewSessionCompletedEvent("s1", "completed", 3, nil)
	require.NoError(t, bus.Publish(ctx, evt2))
	require.Equal(t, 2, count)
}

func TestBusRegisterNil(t *testing.T) {
	bus := NewBus()
	_, err := bus.Register(nil)
	require.Error(t, err)
}

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()
	count := 0
	sub := SubscriberFunc(func(ctx context.Context, event Event) error {
		count++
		return nil
	})
	subscription, err := bus.Register(sub)
	require.NoError(t, err)
	evt1 := NewRoundStartedEvent("s1", 1)
	require.NoError(t, bus.Publish(ctx, evt1))
	require.NoError(t, subscription.Close())
	require.NoError(t, subscription.Close())
	evt2 := NewRoundCompletedEvent("s1", 1, "dispatch")
	require.NoError(t, bus.Publish(ctx, evt2))
	require.Equal(t, 1, count)
}

func TestBusPublishMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	first, second := 0, 0
	_, err := bus.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
		first++
		return nil
	}))
	require.NoError(t, err)
	_, err = bus.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
		second++
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, NewRoundStartedEvent("s1", 1)))
	require.Equal(t, 1, first)
	require.Equal(t, 1, second)
}

func TestBusPublishPropagatesSubscriberError(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	boom := errors.New("persistence down")
	_, err := bus.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
		return boom
	}))
	require.NoError(t, err)

	err = bus.Publish(ctx, NewWorkerStartedEvent("s1", "researcher", "find prior art"))
	require.ErrorIs(t, err, boom)
}

func TestEventMetadata(t *testing.T) {
	evt := NewWorkerFinishedEvent("s1", "researcher", "completed", 4, false, nil)
	require.Equal(t, WorkerFinished, evt.Type())
	require.Equal(t, "s1", evt.SessionID())
	require.Equal(t, "researcher", evt.AgentID())
	require.NotZero(t, evt.Timestamp())
}

func TestSessionCompletedEventClassifiesError(t *testing.T) {
	cause := errors.New("ceiling reached")
	evt := NewSessionCompletedEvent("s1", "failed", 5, cause)
	require.Equal(t, "failed", evt.Outcome)
	require.NotEmpty(t, evt.ErrorKind)
}
