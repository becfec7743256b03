package checkpoint

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/ensemble/runtime/eventlog"
	eventloginmem "goa.design/ensemble/runtime/eventlog/inmem"
	"goa.design/ensemble/runtime/faults"
	"goa.design/ensemble/runtime/hooks"
	"goa.design/ensemble/runtime/session"
	sessioninmem "goa.design/ensemble/runtime/session/inmem"
)

func TestCreateAndResolve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	logStore := eventloginmem.New()
	rec := eventlog.NewRecorder(logStore, "s1")
	sessions := sessioninmem.New()
	_, err := sessions.Create(ctx, "s1", "research", time.Now())
	require.NoError(t, err)

	bus := hooks.NewBus()
	var mu sync.Mutex
	var published []hooks.Event
	_, err = bus.Register(hooks.SubscriberFunc(func(ctx context.Context, evt hooks.Event) error {
		mu.Lock()
		published = append(published, evt)
		mu.Unlock()
		return nil
	}))
	require.NoError(t, err)

	m := NewManager(WithRecorder(rec), WithBus(bus), WithSessionStatus("s1", sessions))

	cp, err := m.Create(ctx, Request{
		TriggerPoint: "before_publish",
		Agent:        "writer",
		Reason:       "final report needs sign-off",
		Payload:      json.RawMessage(`{"report":"draft"}`),
	})
	require.NoError(t, err)
	require.Equal(t, StatusActive, cp.Status)
	require.Equal(t, WaitIndefinitely, cp.OnTimeout)
	require.True(t, cp.Deadline.IsZero())

	loaded, err := sessions.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, session.StatusWaitingCheckpoint, loaded.Status)

	done := make(chan struct{})
	var res *Resolution
	var waitErr error
	go func() {
		defer close(done)
		res, waitErr = m.Wait(ctx, cp.ID)
	}()

	require.NoError(t, m.Resolve(ctx, cp.ID, Resolution{
		Decision:          DecisionApproved,
		Data:              json.RawMessage(`{"note":"ship it"}`),
		ResponderIdentity: "alex@example.com",
	}))
	<-done

	require.NoError(t, waitErr)
	require.Equal(t, DecisionApproved, res.Decision)
	require.Equal(t, "alex@example.com", res.ResponderIdentity)
	require.False(t, res.ResolvedAt.IsZero())

	loaded, err = sessions.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, session.StatusRunning, loaded.Status)

	got, err := m.Get(cp.ID)
	require.NoError(t, err)
	require.Equal(t, StatusResolved, got.Status)

	events, err := eventlog.AllEvents(ctx, logStore, "s1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, eventlog.TypeCheckpointCreated, events[0].Type)
	require.Equal(t, eventlog.TypeCheckpointResolved, events[1].Type)
	var created createdRecord
	require.NoError(t, json.Unmarshal(events[0].Payload, &created))
	require.True(t, created.SessionSuspended)
	var resolved resolvedRecord
	require.NoError(t, json.Unmarshal(events[1].Payload, &resolved))
	require.Equal(t, StatusResolved, resolved.Status)
	require.Equal(t, DecisionApproved, resolved.Decision)
	require.False(t, resolved.Expired)
	require.True(t, resolved.SessionResumed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, published, 2)
	require.Equal(t, hooks.CheckpointCreated, published[0].Type())
	require.Equal(t, hooks.CheckpointResolved, published[1].Type())
}

func TestCreateDuplicateTriggerPoint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewManager()
	first, err := m.Create(ctx, Request{TriggerPoint: "gate"})
	require.NoError(t, err)

	_, err = m.Create(ctx, Request{TriggerPoint: "gate"})
	require.ErrorIs(t, err, ErrCheckpointActive)

	// A different trigger point is unaffected.
	_, err = m.Create(ctx, Request{TriggerPoint: "other_gate"})
	require.NoError(t, err)

	// The slot frees once the checkpoint resolves.
	require.NoError(t, m.Resolve(ctx, first.ID, Resolution{Decision: DecisionApproved, ResponderIdentity: "op"}))
	_, err = m.Create(ctx, Request{TriggerPoint: "gate"})
	require.NoError(t, err)
}

func TestResolveRequiredRoles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewManager()
	cp, err := m.Create(ctx, Request{TriggerPoint: "gate", RequiredRoles: []string{"approver", "admin"}})
	require.NoError(t, err)

	err = m.Resolve(ctx, cp.ID, Resolution{
		Decision:          DecisionApproved,
		ResponderIdentity: "visitor",
		ResponderRoles:    []string{"viewer"},
	})
	require.ErrorIs(t, err, ErrRoleNotPermitted)

	require.NoError(t, m.Resolve(ctx, cp.ID, Resolution{
		Decision:          DecisionRejected,
		ResponderIdentity: "lead",
		ResponderRoles:    []string{"approver"},
	}))

	got, err := m.Get(cp.ID)
	require.NoError(t, err)
	require.Equal(t, StatusResolved, got.Status)
	require.Equal(t, DecisionRejected, got.Resolution.Decision)
}

func TestResolveValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewManager()
	cp, err := m.Create(ctx, Request{TriggerPoint: "gate"})
	require.NoError(t, err)

	require.Error(t, m.Resolve(ctx, cp.ID, Resolution{Decision: "maybe", ResponderIdentity: "op"}))

	err = m.Resolve(ctx, "missing", Resolution{Decision: DecisionApproved, ResponderIdentity: "op"})
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Resolve(ctx, cp.ID, Resolution{Decision: DecisionApproved, ResponderIdentity: "op"}))
	err = m.Resolve(ctx, cp.ID, Resolution{Decision: DecisionApproved, ResponderIdentity: "op"})
	require.ErrorIs(t, err, ErrNotActive)
}

func TestWaitAutoApproveOnTimeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewManager()
	cp, err := m.Create(ctx, Request{TriggerPoint: "gate", Timeout: 30 * time.Millisecond, OnTimeout: AutoApprove})
	require.NoError(t, err)

	res, err := m.Wait(ctx, cp.ID)
	require.NoError(t, err)
	require.Equal(t, DecisionApproved, res.Decision)
	require.Equal(t, "timeout", res.ResponderIdentity)

	got, err := m.Get(cp.ID)
	require.NoError(t, err)
	require.Equal(t, StatusTimeout, got.Status)
}

func TestWaitAutoRejectOnTimeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewManager()
	cp, err := m.Create(ctx, Request{TriggerPoint: "gate", Timeout: 30 * time.Millisecond, OnTimeout: AutoReject})
	require.NoError(t, err)

	res, err := m.Wait(ctx, cp.ID)
	require.NoError(t, err)
	require.Equal(t, DecisionRejected, res.Decision)
}

func TestWaitCancelOnTimeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewManager()
	cp, err := m.Create(ctx, Request{TriggerPoint: "gate", Timeout: 30 * time.Millisecond, OnTimeout: Cancel})
	require.NoError(t, err)

	_, err = m.Wait(ctx, cp.ID)
	require.Error(t, err)
	require.True(t, faults.IsKind(err, faults.KindTimeout))

	got, err := m.Get(cp.ID)
	require.NoError(t, err)
	require.Equal(t, StatusTimeout, got.Status)
	require.Nil(t, got.Resolution)
}

func TestWaitContextEndLeavesCheckpointActive(t *testing.T) {
	t.Parallel()

	m := NewManager()
	cp, err := m.Create(context.Background(), Request{TriggerPoint: "gate"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Wait(ctx, cp.ID)
	require.ErrorIs(t, err, context.Canceled)

	// A responder can still resolve it afterwards.
	got, err := m.Get(cp.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, got.Status)
	require.NoError(t, m.Resolve(context.Background(), cp.ID, Resolution{Decision: DecisionApproved, ResponderIdentity: "op"}))
}

func TestResolverBeatsTimeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewManager()
	cp, err := m.Create(ctx, Request{TriggerPoint: "gate", Timeout: 5 * time.Second, OnTimeout: AutoReject})
	require.NoError(t, err)

	require.NoError(t, m.Resolve(ctx, cp.ID, Resolution{Decision: DecisionApproved, ResponderIdentity: "op"}))

	res, err := m.Wait(ctx, cp.ID)
	require.NoError(t, err)
	require.Equal(t, DecisionApproved, res.Decision)
	require.Equal(t, "op", res.ResponderIdentity)
}

func TestCreateValidatesBehavior(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewManager()

	_, err := m.Create(ctx, Request{TriggerPoint: "gate", OnTimeout: AutoApprove})
	require.ErrorContains(t, err, "requires a timeout")

	_, err = m.Create(ctx, Request{TriggerPoint: "gate", Timeout: time.Second})
	require.ErrorContains(t, err, "requires an auto_approve")

	_, err = m.Create(ctx, Request{TriggerPoint: "gate", Timeout: time.Second, OnTimeout: "explode"})
	require.ErrorContains(t, err, "unknown timeout behavior")

	_, err = m.Create(ctx, Request{})
	require.ErrorContains(t, err, "trigger point")
}

func TestSessionResumesAfterLastCheckpoint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sessions := sessioninmem.New()
	_, err := sessions.Create(ctx, "s1", "research", time.Now())
	require.NoError(t, err)

	m := NewManager(WithSessionStatus("s1", sessions))

	first, err := m.Create(ctx, Request{TriggerPoint: "gate_one"})
	require.NoError(t, err)
	second, err := m.Create(ctx, Request{TriggerPoint: "gate_two"})
	require.NoError(t, err)

	require.NoError(t, m.Resolve(ctx, first.ID, Resolution{Decision: DecisionApproved, ResponderIdentity: "op"}))
	loaded, err := sessions.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, session.StatusWaitingCheckpoint, loaded.Status)

	require.NoError(t, m.Resolve(ctx, second.ID, Resolution{Decision: DecisionApproved, ResponderIdentity: "op"}))
	loaded, err = sessions.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, session.StatusRunning, loaded.Status)
}

func TestPendingOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	m := NewManager(WithClock(func() time.Time {
		tick++
		return now.Add(time.Duration(tick) * time.Second)
	}))

	first, err := m.Create(ctx, Request{TriggerPoint: "a"})
	require.NoError(t, err)
	second, err := m.Create(ctx, Request{TriggerPoint: "b"})
	require.NoError(t, err)

	pending := m.Pending()
	require.Len(t, pending, 2)
	require.Equal(t, first.ID, pending[0].ID)
	require.Equal(t, second.ID, pending[1].ID)

	require.NoError(t, m.Resolve(ctx, first.ID, Resolution{Decision: DecisionApproved, ResponderIdentity: "op"}))
	pending = m.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, second.ID, pending[0].ID)
}
