package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/ensemble"
	"goa.design/ensemble/runtime/governance"
	"goa.design/ensemble/runtime/session"
)

func TestCreateIdempotentWhileLive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := New()
	now := time.Now()

	first, err := store.Create(ctx, "s1", "triage", now)
	require.NoError(t, err)
	require.Equal(t, session.StatusRunning, first.Status)
	require.Equal(t, "triage", first.WorkflowRef)

	again, err := store.Create(ctx, "s1", "triage", now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, first.StartedAt, again.StartedAt)
}

func TestCreateRejectsTerminalSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := New()
	now := time.Now()

	_, err := store.Create(ctx, "s1", "triage", now)
	require.NoError(t, err)
	_, err = store.Complete(ctx, "s1", session.Completion{
		Outcome: session.OutcomeCompleted,
		EndedAt: now.Add(time.Minute),
	})
	require.NoError(t, err)

	_, err = store.Create(ctx, "s1", "triage", now.Add(time.Hour))
	require.ErrorIs(t, err, session.ErrSessionTerminal)
}

func TestCheckpointSuspensionToggle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := New()

	_, err := store.Create(ctx, "s1", "triage", time.Now())
	require.NoError(t, err)

	waiting, err := store.UpdateStatus(ctx, "s1", session.StatusWaitingCheckpoint)
	require.NoError(t, err)
	require.Equal(t, session.StatusWaitingCheckpoint, waiting.Status)

	resumed, err := store.UpdateStatus(ctx, "s1", session.StatusRunning)
	require.NoError(t, err)
	require.Equal(t, session.StatusRunning, resumed.Status)
}

func TestUpdateStatusRejectsTerminalTargets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := New()

	_, err := store.Create(ctx, "s1", "triage", time.Now())
	require.NoError(t, err)

	_, err = store.UpdateStatus(ctx, "s1", session.StatusCompleted)
	require.ErrorIs(t, err, session.ErrInvalidTransition)

	_, err = store.UpdateStatus(ctx, "s1", session.StatusRunning)
	require.ErrorIs(t, err, session.ErrInvalidTransition)
}

func TestCompleteRecordsOutcomeAndCounters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := New()
	now := time.Now()

	_, err := store.Create(ctx, "s1", "triage", now)
	require.NoError(t, err)

	done, err := store.Complete(ctx, "s1", session.Completion{
		Outcome: session.OutcomeCompletedWithWarnings,
		EndedAt: now.Add(time.Minute),
		Counters: governance.CounterSnapshot{
			TotalInvocations: 3,
			ModelCalls:       7,
			Tokens:           1500,
			ToolCalls:        4,
		},
	})
	require.NoError(t, err)
	require.Equal(t, session.StatusCompleted, done.Status)
	require.Equal(t, session.OutcomeCompletedWithWarnings, done.Outcome)
	require.NotNil(t, done.EndedAt)
	require.Equal(t, 7, done.Counters.ModelCalls)

	_, err = store.Complete(ctx, "s1", session.Completion{
		Outcome: session.OutcomeFailed,
		EndedAt: now.Add(2 * time.Minute),
	})
	require.ErrorIs(t, err, session.ErrSessionTerminal)
}

func TestCompleteFromWaitingCheckpoint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := New()
	now := time.Now()

	_, err := store.Create(ctx, "s1", "triage", now)
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, "s1", session.StatusWaitingCheckpoint)
	require.NoError(t, err)

	done, err := store.Complete(ctx, "s1", session.Completion{
		Outcome: session.OutcomeFailed,
		EndedAt: now.Add(time.Minute),
		Error:   "checkpoint canceled",
	})
	require.NoError(t, err)
	require.Equal(t, session.StatusFailed, done.Status)
	require.Equal(t, "checkpoint canceled", done.Error)
}

func TestCompleteValidatesOutcome(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := New()

	_, err := store.Create(ctx, "s1", "triage", time.Now())
	require.NoError(t, err)

	_, err = store.Complete(ctx, "s1", session.Completion{
		Outcome: session.Outcome("shrug"),
		EndedAt: time.Now(),
	})
	require.Error(t, err)
}

func TestWorkerUpsertAndList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := New()
	now := time.Now().UTC()

	require.NoError(t, store.UpsertWorker(ctx, session.WorkerMeta{
		InvocationID: "w1",
		AgentID:      "researcher",
		SessionID:    "s1",
		Status:       session.WorkerRunning,
		StartedAt:    now,
	}))
	require.NoError(t, store.UpsertWorker(ctx, session.WorkerMeta{
		InvocationID: "w2",
		AgentID:      "writer",
		SessionID:    "s1",
		Status:       session.WorkerCompleted,
		Iterations:   4,
	}))
	require.NoError(t, store.UpsertWorker(ctx, session.WorkerMeta{
		InvocationID: "w3",
		AgentID:      "researcher",
		SessionID:    "s2",
		Status:       session.WorkerErrored,
	}))

	all, err := store.ListWorkers(ctx, "s1", nil)
	require.NoError(t, err)
	require.Len(t, all, 2)

	completed, err := store.ListWorkers(ctx, "s1", []session.WorkerStatus{session.WorkerCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	require.Equal(t, "w2", completed[0].InvocationID)

	loaded, err := store.LoadWorker(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, now, loaded.StartedAt)

	_, err = store.LoadWorker(ctx, "missing")
	require.ErrorIs(t, err, session.ErrWorkerNotFound)
}

func TestWorkerStartedAtImmutable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := New()
	started := time.Now().UTC()

	require.NoError(t, store.UpsertWorker(ctx, session.WorkerMeta{
		InvocationID: "w1",
		AgentID:      "researcher",
		SessionID:    "s1",
		Status:       session.WorkerRunning,
		StartedAt:    started,
	}))

	// Zero StartedAt in an update keeps the original.
	require.NoError(t, store.UpsertWorker(ctx, session.WorkerMeta{
		InvocationID: "w1",
		AgentID:      "researcher",
		SessionID:    "s1",
		Status:       session.WorkerCompleted,
	}))
	loaded, err := store.LoadWorker(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, started, loaded.StartedAt)
	require.Equal(t, session.WorkerCompleted, loaded.Status)

	err = store.UpsertWorker(ctx, session.WorkerMeta{
		InvocationID: "w1",
		AgentID:      "researcher",
		SessionID:    "s1",
		Status:       session.WorkerCompleted,
		StartedAt:    started.Add(time.Hour),
	})
	require.Error(t, err)
}

func TestSnapshotDetachedFromStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := New()
	now := time.Now()

	_, err := store.Create(ctx, "s1", "triage", now)
	require.NoError(t, err)
	done, err := store.Complete(ctx, "s1", session.Completion{
		Outcome: session.OutcomeCompleted,
		EndedAt: now.Add(time.Minute),
		Counters: governance.CounterSnapshot{
			AgentInvocations: map[ensemble.AgentID]int{"researcher": 2},
			TotalInvocations: 2,
		},
	})
	require.NoError(t, err)

	done.Counters.AgentInvocations["researcher"] = 99
	reloaded, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 2, reloaded.Counters.AgentInvocations["researcher"])
}
