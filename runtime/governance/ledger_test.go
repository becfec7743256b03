package governance

import (
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/ensemble"
)

func TestLedgerRaceAdmitsExactlyCeiling(t *testing.T) {
	t.Parallel()

	ledger := NewLedger(&Policy{MaxModelCalls: 5})

	const contenders = 20
	decisions := make([]Decision, contenders)
	var wg sync.WaitGroup
	wg.Add(contenders)
	for i := 0; i < contenders; i++ {
		go func(i int) {
			defer wg.Done()
			decisions[i] = ledger.ReserveModelCall("worker")
		}(i)
	}
	wg.Wait()

	permitted := 0
	for _, d := range decisions {
		if d.Permitted {
			permitted++
		} else {
			require.Equal(t, ReasonModelCallCeiling, d.Reason)
		}
	}
	require.Equal(t, 5, permitted)
	require.Equal(t, 5, ledger.Snapshot().ModelCalls)
}

func TestLedgerTokenRaceNeverJointlyExceeds(t *testing.T) {
	t.Parallel()

	ledger := NewLedger(&Policy{MaxTokens: 100})

	const contenders = 20
	results := make([]Decision, contenders)
	var wg sync.WaitGroup
	wg.Add(contenders)
	for i := 0; i < contenders; i++ {
		go func(i int) {
			defer wg.Done()
			results[i] = ledger.ReserveTokens("worker", 30)
		}(i)
	}
	wg.Wait()

	permitted := 0
	for _, d := range results {
		if d.Permitted {
			permitted++
		}
	}
	require.Equal(t, 3, permitted)
	require.Equal(t, 90, ledger.Snapshot().Tokens)
}

func TestLedgerAgentInvocationCeilings(t *testing.T) {
	t.Parallel()

	ledger := NewLedger(&Policy{
		MaxInvocationsPerAgent: 2,
		MaxTotalInvocations:    3,
	})

	require.True(t, ledger.ReserveAgentInvocation(ensemble.OrchestratorAgent, "researcher").Permitted)
	require.True(t, ledger.ReserveAgentInvocation(ensemble.OrchestratorAgent, "researcher").Permitted)

	third := ledger.ReserveAgentInvocation(ensemble.OrchestratorAgent, "researcher")
	require.False(t, third.Permitted)
	require.Equal(t, ReasonAgentCeiling, third.Reason)

	require.True(t, ledger.ReserveAgentInvocation(ensemble.OrchestratorAgent, "writer").Permitted)

	fourth := ledger.ReserveAgentInvocation(ensemble.OrchestratorAgent, "reviewer")
	require.False(t, fourth.Permitted)
	require.Equal(t, ReasonInvocationCeiling, fourth.Reason)

	snap := ledger.Snapshot()
	require.Equal(t, 3, snap.TotalInvocations)
	require.Equal(t, 2, snap.AgentInvocations["researcher"])
	require.Equal(t, 1, snap.AgentInvocations["writer"])
}

func TestLedgerDecisionCapturesPreIncrementCounters(t *testing.T) {
	t.Parallel()

	ledger := NewLedger(&Policy{MaxModelCalls: 2})

	first := ledger.ReserveModelCall("worker")
	require.True(t, first.Permitted)
	require.Equal(t, 0, first.Counters.ModelCalls)

	second := ledger.ReserveModelCall("worker")
	require.True(t, second.Permitted)
	require.Equal(t, 1, second.Counters.ModelCalls)

	denied := ledger.ReserveModelCall("worker")
	require.False(t, denied.Permitted)
	require.Equal(t, 2, denied.Counters.ModelCalls)
	require.Equal(t, 2, ledger.Snapshot().ModelCalls)
}

func TestLedgerSnapshotDetached(t *testing.T) {
	t.Parallel()

	ledger := NewLedger(&Policy{})
	ledger.ReserveAgentInvocation(ensemble.OrchestratorAgent, "researcher")

	snap := ledger.Snapshot()
	ledger.ReserveAgentInvocation(ensemble.OrchestratorAgent, "researcher")
	ledger.ReserveToolCall("researcher")

	require.Equal(t, 1, snap.TotalInvocations)
	require.Equal(t, 1, snap.AgentInvocations["researcher"])
	require.Equal(t, 0, snap.ToolCalls)
}

func TestLedgerToolAccessConsumesNoCounters(t *testing.T) {
	t.Parallel()

	ledger := NewLedger(&Policy{
		ToolGrants: map[ensemble.AgentID]ToolGrant{
			"researcher": {Allow: []ensemble.ToolID{"web.search"}},
		},
		MaxToolCalls: 1,
	})

	for i := 0; i < 5; i++ {
		d := ledger.CheckToolAccess("researcher", "web.search")
		require.True(t, d.Permitted)
	}
	require.Equal(t, 0, ledger.Snapshot().ToolCalls)
}

func TestLedgerProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("token counter never exceeds the ceiling", prop.ForAll(
		func(ceiling int, amounts []int) bool {
			ledger := NewLedger(&Policy{MaxTokens: ceiling})
			for _, a := range amounts {
				ledger.ReserveTokens("worker", a%50+1)
			}
			return ledger.Snapshot().Tokens <= ceiling
		},
		gen.IntRange(1, 200),
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	properties.Property("counters are monotonic across reservations", prop.ForAll(
		func(amounts []int) bool {
			ledger := NewLedger(&Policy{MaxTokens: 500})
			prev := 0
			for _, a := range amounts {
				ledger.ReserveTokens("worker", a%50+1)
				cur := ledger.Snapshot().Tokens
				if cur < prev {
					return false
				}
				prev = cur
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}
