package governance

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/ensemble"
	"goa.design/ensemble/runtime/faults"
)

func TestDecideAgentInvocation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		policy   Policy
		counters CounterSnapshot
		target   ensemble.AgentID
		want     bool
		reason   string
	}{
		{
			name:   "no lists no ceilings permits",
			target: "researcher",
			want:   true,
			reason: ReasonPermitted,
		},
		{
			name:   "denylist wins",
			policy: Policy{AgentDenylist: []ensemble.AgentID{"researcher"}},
			target: "researcher",
			want:   false,
			reason: ReasonAgentDenylisted,
		},
		{
			name: "denylist wins over allowlist",
			policy: Policy{
				AgentAllowlist: []ensemble.AgentID{"researcher"},
				AgentDenylist:  []ensemble.AgentID{"researcher"},
			},
			target: "researcher",
			want:   false,
			reason: ReasonAgentDenylisted,
		},
		{
			name:   "allowlist membership required when declared",
			policy: Policy{AgentAllowlist: []ensemble.AgentID{"writer"}},
			target: "researcher",
			want:   false,
			reason: ReasonAgentNotAllowed,
		},
		{
			name:   "allowlist member permitted",
			policy: Policy{AgentAllowlist: []ensemble.AgentID{"writer", "researcher"}},
			target: "researcher",
			want:   true,
			reason: ReasonPermitted,
		},
		{
			name:   "per-agent ceiling reached",
			policy: Policy{MaxInvocationsPerAgent: 2},
			counters: CounterSnapshot{
				AgentInvocations: map[ensemble.AgentID]int{"researcher": 2},
				TotalInvocations: 2,
			},
			target: "researcher",
			want:   false,
			reason: ReasonAgentCeiling,
		},
		{
			name:   "per-agent ceiling applies per agent",
			policy: Policy{MaxInvocationsPerAgent: 2},
			counters: CounterSnapshot{
				AgentInvocations: map[ensemble.AgentID]int{"researcher": 2},
				TotalInvocations: 2,
			},
			target: "writer",
			want:   true,
			reason: ReasonPermitted,
		},
		{
			name:     "session ceiling reached",
			policy:   Policy{MaxTotalInvocations: 3},
			counters: CounterSnapshot{TotalInvocations: 3},
			target:   "researcher",
			want:     false,
			reason:   ReasonInvocationCeiling,
		},
		{
			name:     "zero ceilings are unbounded",
			counters: CounterSnapshot{TotalInvocations: 1000},
			target:   "researcher",
			want:     true,
			reason:   ReasonPermitted,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, reason := decideAgentInvocation(&tc.policy, tc.counters, tc.target)
			require.Equal(t, tc.want, got)
			require.Equal(t, tc.reason, reason)
		})
	}
}

func TestDecideToolAccess(t *testing.T) {
	t.Parallel()

	policy := Policy{ToolGrants: map[ensemble.AgentID]ToolGrant{
		"researcher": {
			Allow: []ensemble.ToolID{"web.search", "web.fetch"},
			Deny:  []ensemble.ToolID{"web.fetch"},
		},
	}}

	cases := []struct {
		name   string
		agent  ensemble.AgentID
		tool   ensemble.ToolID
		want   bool
		reason string
	}{
		{"allowed tool permitted", "researcher", "web.search", true, ReasonPermitted},
		{"denylist wins over allowlist", "researcher", "web.fetch", false, ReasonToolDenylisted},
		{"tool outside allowlist denied", "researcher", "shell.exec", false, ReasonToolNotAllowed},
		{"agent without grant has no access", "writer", "web.search", false, ReasonToolNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, reason := decideToolAccess(&policy, tc.agent, tc.tool)
			require.Equal(t, tc.want, got)
			require.Equal(t, tc.reason, reason)
		})
	}
}

func TestDecideResource(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		policy   Policy
		counters CounterSnapshot
		res      Resource
		amount   int
		want     bool
		reason   string
	}{
		{
			name:   "under ceiling permits",
			policy: Policy{MaxModelCalls: 10},
			res:    ResourceModelCalls, amount: 1,
			want: true, reason: ReasonPermitted,
		},
		{
			name:     "exactly filling the ceiling permits",
			policy:   Policy{MaxTokens: 100},
			counters: CounterSnapshot{Tokens: 70},
			res:      ResourceTokens, amount: 30,
			want: true, reason: ReasonPermitted,
		},
		{
			name:     "crossing the ceiling denies",
			policy:   Policy{MaxTokens: 100},
			counters: CounterSnapshot{Tokens: 71},
			res:      ResourceTokens, amount: 30,
			want: false, reason: ReasonTokenCeiling,
		},
		{
			name:     "model call ceiling reached",
			policy:   Policy{MaxModelCalls: 5},
			counters: CounterSnapshot{ModelCalls: 5},
			res:      ResourceModelCalls, amount: 1,
			want: false, reason: ReasonModelCallCeiling,
		},
		{
			name:     "tool call ceiling reached",
			policy:   Policy{MaxToolCalls: 2},
			counters: CounterSnapshot{ToolCalls: 2},
			res:      ResourceToolCalls, amount: 1,
			want: false, reason: ReasonToolCallCeiling,
		},
		{
			name:     "zero ceiling is unbounded",
			counters: CounterSnapshot{Tokens: 1 << 30},
			res:      ResourceTokens, amount: 1 << 20,
			want: true, reason: ReasonPermitted,
		},
		{
			name: "non-positive amount denied",
			res:  ResourceTokens, amount: 0,
			want: false, reason: ReasonNonPositiveReserve,
		},
		{
			name: "unknown resource denied",
			res:  Resource("disk"), amount: 1,
			want: false, reason: ReasonUnknownResource,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, reason := decideResource(&tc.policy, tc.counters, tc.res, tc.amount)
			require.Equal(t, tc.want, got)
			require.Equal(t, tc.reason, reason)
		})
	}
}

func TestDecisionCoreProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("same inputs produce the same verdict", prop.ForAll(
		func(target string, perAgent, total, used int) bool {
			p := &Policy{
				MaxInvocationsPerAgent: perAgent % 10,
				MaxTotalInvocations:    total % 20,
			}
			c := CounterSnapshot{
				AgentInvocations: map[ensemble.AgentID]int{ensemble.AgentID(target): used % 10},
				TotalInvocations: used % 20,
			}
			ok1, r1 := decideAgentInvocation(p, c, ensemble.AgentID(target))
			ok2, r2 := decideAgentInvocation(p, c, ensemble.AgentID(target))
			return ok1 == ok2 && r1 == r2
		},
		gen.AlphaString(),
		gen.IntRange(0, 100),
		gen.IntRange(0, 100),
		gen.IntRange(0, 100),
	))

	properties.Property("denylisted agent is never permitted", prop.ForAll(
		func(target string, used int) bool {
			if target == "" {
				return true
			}
			p := &Policy{
				AgentAllowlist: []ensemble.AgentID{ensemble.AgentID(target)},
				AgentDenylist:  []ensemble.AgentID{ensemble.AgentID(target)},
			}
			c := CounterSnapshot{TotalInvocations: used}
			ok, _ := decideAgentInvocation(p, c, ensemble.AgentID(target))
			return !ok
		},
		gen.AlphaString(),
		gen.IntRange(0, 1000),
	))

	properties.Property("tool access requires allowlist membership", prop.ForAll(
		func(agent, tool, other string) bool {
			if tool == "" || other == "" || tool == other {
				return true
			}
			p := &Policy{ToolGrants: map[ensemble.AgentID]ToolGrant{
				ensemble.AgentID(agent): {Allow: []ensemble.ToolID{ensemble.ToolID(other)}},
			}}
			ok, reason := decideToolAccess(p, ensemble.AgentID(agent), ensemble.ToolID(tool))
			return !ok && reason == ReasonToolNotAllowed
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("resource verdict flips exactly at the ceiling", prop.ForAll(
		func(ceiling, used, amount int) bool {
			p := &Policy{MaxTokens: ceiling}
			c := CounterSnapshot{Tokens: used}
			ok, _ := decideResource(p, c, ResourceTokens, amount)
			return ok == (used+amount <= ceiling)
		},
		gen.IntRange(1, 10000),
		gen.IntRange(0, 10000),
		gen.IntRange(1, 10000),
	))

	properties.TestingRun(t)
}

func TestDenialErrorClassification(t *testing.T) {
	t.Parallel()

	access := newDenialError(Decision{
		Axis:    AxisToolAccess,
		Agent:   "researcher",
		Subject: "shell.exec",
		Reason:  ReasonToolNotAllowed,
	})
	require.ErrorIs(t, access, ErrDenied)
	accessKind, _ := faults.KindOf(access)
	require.Equal(t, faults.KindGovernanceViolation, accessKind)

	ceiling := newDenialError(Decision{
		Axis:    AxisResourceCeiling,
		Agent:   "researcher",
		Subject: string(ResourceTokens),
		Reason:  ReasonTokenCeiling,
	})
	require.ErrorIs(t, ceiling, ErrDenied)
	ceilingKind, _ := faults.KindOf(ceiling)
	require.Equal(t, faults.KindResourceExceeded, ceilingKind)
	require.Contains(t, ceiling.Error(), "token ceiling")
}
