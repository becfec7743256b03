// Package governance enforces the three permission axes that gate every
// runtime action: agent invocation, tool access, and resource ceilings. All
// axes are deny-by-default. Checks and counter increments are atomic, so a
// race between two loops near a ceiling admits exactly one contender.
//
// The decision core is a set of pure functions over an immutable Policy and a
// CounterSnapshot. The Ledger serializes counter mutation behind a single
// mutex, and the Enforcer layers auditing on top: every check, permit or
// deny, is recorded in the event log and published on the hooks bus.
package governance

import (
	"errors"
	"fmt"

	"goa.design/ensemble"
	"goa.design/ensemble/runtime/faults"
)

// ErrDenied is the sentinel matched by errors.Is when an Enforcer check
// refuses an action. Use errors.As with *DenialError to access the full
// Decision.
var ErrDenied = errors.New("governance: denied")

// Axis identifies which of the three governance axes produced a decision.
type Axis string

const (
	// AxisAgentInvocation gates which agents the orchestrator may invoke and
	// how often.
	AxisAgentInvocation Axis = "agent_invocation"
	// AxisToolAccess gates which tools an agent may call.
	AxisToolAccess Axis = "tool_access"
	// AxisResourceCeiling gates session-wide model call, token, and tool
	// call budgets.
	AxisResourceCeiling Axis = "resource_ceiling"
)

// Resource names a session-wide counted budget.
type Resource string

const (
	// ResourceModelCalls counts model invocations across the session.
	ResourceModelCalls Resource = "model_calls"
	// ResourceTokens counts tokens reserved for model invocations across
	// the session.
	ResourceTokens Resource = "tokens"
	// ResourceToolCalls counts tool invocations across the session.
	ResourceToolCalls Resource = "tool_calls"
)

// Stable reason strings recorded on decisions. Subscribers and tests match
// on these values, so they must not change meaning between releases.
const (
	ReasonPermitted          = "permitted"
	ReasonAgentDenylisted    = "agent in denylist"
	ReasonAgentNotAllowed    = "agent not in allowlist"
	ReasonAgentCeiling       = "per-agent invocation ceiling reached"
	ReasonInvocationCeiling  = "session invocation ceiling reached"
	ReasonToolDenylisted     = "tool in agent denylist"
	ReasonToolNotAllowed     = "tool not in agent allowlist"
	ReasonModelCallCeiling   = "model call ceiling reached"
	ReasonTokenCeiling       = "token ceiling reached"
	ReasonToolCallCeiling    = "tool call ceiling reached"
	ReasonUnknownResource    = "unknown resource"
	ReasonNonPositiveReserve = "reserve amount must be positive"
)

type (
	// Policy is the immutable governance document for a session. It is built
	// from the registry snapshot at session start and never mutated afterward;
	// the zero value permits nothing beyond unbounded resource usage.
	Policy struct {
		// AgentAllowlist restricts which agents may be invoked. Empty means no
		// allowlist is declared and any agent outside the denylist qualifies.
		AgentAllowlist []ensemble.AgentID
		// AgentDenylist lists agents that may never be invoked. The denylist
		// wins over the allowlist.
		AgentDenylist []ensemble.AgentID
		// MaxInvocationsPerAgent caps how many times a single agent may be
		// invoked in one session. Zero or negative means no per-agent ceiling.
		MaxInvocationsPerAgent int
		// MaxTotalInvocations caps agent invocations across the whole session.
		// Zero or negative means no session ceiling.
		MaxTotalInvocations int
		// ToolGrants maps each agent to its tool allow and deny lists. An
		// agent absent from the map has an empty allowlist and therefore no
		// tool access at all.
		ToolGrants map[ensemble.AgentID]ToolGrant
		// MaxModelCalls caps model invocations across the session. Zero or
		// negative means no ceiling.
		MaxModelCalls int
		// MaxTokens caps reserved tokens across the session. Zero or negative
		// means no ceiling.
		MaxTokens int
		// MaxToolCalls caps tool invocations across the session. Zero or
		// negative means no ceiling.
		MaxToolCalls int
	}

	// ToolGrant holds one agent's tool access lists. Access requires
	// membership in Allow and absence from Deny; an empty Allow list grants
	// nothing, which is how pure-reasoning agents are expressed.
	ToolGrant struct {
		Allow []ensemble.ToolID
		Deny  []ensemble.ToolID
	}

	// CounterSnapshot is a point-in-time copy of the session's governance
	// counters. Decisions embed the snapshot observed at check time, before
	// any increment, so the audit trail shows exactly what the check saw.
	CounterSnapshot struct {
		// AgentInvocations counts admitted invocations per agent.
		AgentInvocations map[ensemble.AgentID]int `json:"agent_invocations,omitempty"`
		// TotalInvocations counts admitted invocations across all agents.
		TotalInvocations int `json:"total_invocations"`
		// ModelCalls counts admitted model invocations.
		ModelCalls int `json:"model_calls"`
		// Tokens counts tokens reserved for admitted model invocations.
		Tokens int `json:"tokens"`
		// ToolCalls counts admitted tool invocations.
		ToolCalls int `json:"tool_calls"`
	}

	// Decision is the auditable record of a single governance check. Exactly
	// one Decision is produced per check, whether the verdict is permit or
	// deny.
	Decision struct {
		// Axis identifies which governance axis was consulted.
		Axis Axis `json:"axis"`
		// Agent is the agent on whose behalf the check ran. For agent
		// invocation checks this is the orchestrator.
		Agent ensemble.AgentID `json:"agent"`
		// Subject is what the check applied to: the target agent, the tool,
		// or the resource name.
		Subject string `json:"subject"`
		// Permitted reports the verdict.
		Permitted bool `json:"permitted"`
		// Reason is one of the stable Reason strings.
		Reason string `json:"reason"`
		// Amount is the quantity reserved for resource checks, zero otherwise.
		Amount int `json:"amount,omitempty"`
		// Counters is the snapshot observed at check time, before any
		// increment.
		Counters CounterSnapshot `json:"counters"`
	}

	// DenialError carries the Decision behind a refused check. It matches
	// ErrDenied via errors.Is and unwraps to a fault whose kind separates
	// permission denials from exhausted ceilings.
	DenialError struct {
		// Decision is the full verdict, including the counters observed at
		// check time.
		Decision Decision

		fault *faults.Fault
	}
)

// Error returns a single-line description of the refused check.
func (e *DenialError) Error() string {
	return fmt.Sprintf("governance: %s denied %s for %s: %s", e.Decision.Axis, e.Decision.Subject, e.Decision.Agent, e.Decision.Reason)
}

// Is reports whether target is ErrDenied, letting callers detect any
// governance denial without inspecting the decision.
func (e *DenialError) Is(target error) bool { return target == ErrDenied }

// Unwrap exposes the underlying fault so faults.KindOf and errors.Is can
// classify the denial.
func (e *DenialError) Unwrap() error { return e.fault }

// newDenialError wraps a denied decision. List-based denials classify as
// governance violations; ceiling denials classify as resource exhaustion.
func newDenialError(d Decision) *DenialError {
	kind := faults.KindGovernanceViolation
	switch d.Reason {
	case ReasonAgentCeiling, ReasonInvocationCeiling, ReasonModelCallCeiling, ReasonTokenCeiling, ReasonToolCallCeiling:
		kind = faults.KindResourceExceeded
	}
	return &DenialError{
		Decision: d,
		fault:    faults.New(kind, d.Reason),
	}
}

// Clone returns a deep copy of the snapshot. Mutating the copy does not
// affect the original.
func (c CounterSnapshot) Clone() CounterSnapshot {
	out := c
	if c.AgentInvocations != nil {
		out.AgentInvocations = make(map[ensemble.AgentID]int, len(c.AgentInvocations))
		for k, v := range c.AgentInvocations {
			out.AgentInvocations[k] = v
		}
	}
	return out
}

// CanInvokeAgent reports whether an invocation of target would currently be
// admitted. It is a pure read of policy and counters: nothing is reserved and
// no decision is recorded, so the orchestrator can probe whether any agent
// remains invokable without consuming budget.
func CanInvokeAgent(p *Policy, c CounterSnapshot, target ensemble.AgentID) bool {
	ok, _ := decideAgentInvocation(p, c, target)
	return ok
}

// decideAgentInvocation evaluates the agent invocation axis: denylist wins,
// then the allowlist when one is declared, then the per-agent and session
// ceilings. Pure function of policy and counters.
func decideAgentInvocation(p *Policy, c CounterSnapshot, target ensemble.AgentID) (bool, string) {
	for _, id := range p.AgentDenylist {
		if id == target {
			return false, ReasonAgentDenylisted
		}
	}
	if len(p.AgentAllowlist) > 0 {
		allowed := false
		for _, id := range p.AgentAllowlist {
			if id == target {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, ReasonAgentNotAllowed
		}
	}
	if p.MaxInvocationsPerAgent > 0 && c.AgentInvocations[target] >= p.MaxInvocationsPerAgent {
		return false, ReasonAgentCeiling
	}
	if p.MaxTotalInvocations > 0 && c.TotalInvocations >= p.MaxTotalInvocations {
		return false, ReasonInvocationCeiling
	}
	return true, ReasonPermitted
}

// decideToolAccess evaluates the tool access axis for one agent. Denylist
// wins; membership in the allowlist is required, so an agent with no grant
// has no tool access. Pure function of the policy.
func decideToolAccess(p *Policy, agent ensemble.AgentID, tool ensemble.ToolID) (bool, string) {
	grant := p.ToolGrants[agent]
	for _, id := range grant.Deny {
		if id == tool {
			return false, ReasonToolDenylisted
		}
	}
	for _, id := range grant.Allow {
		if id == tool {
			return true, ReasonPermitted
		}
	}
	return false, ReasonToolNotAllowed
}

// decideResource evaluates a resource ceiling for a reservation of amount
// units. A ceiling of zero or below means the resource is unbounded. Pure
// function of policy and counters.
func decideResource(p *Policy, c CounterSnapshot, res Resource, amount int) (bool, string) {
	if amount <= 0 {
		return false, ReasonNonPositiveReserve
	}
	var ceiling, used int
	var reason string
	switch res {
	case ResourceModelCalls:
		ceiling, used, reason = p.MaxModelCalls, c.ModelCalls, ReasonModelCallCeiling
	case ResourceTokens:
		ceiling, used, reason = p.MaxTokens, c.Tokens, ReasonTokenCeiling
	case ResourceToolCalls:
		ceiling, used, reason = p.MaxToolCalls, c.ToolCalls, ReasonToolCallCeiling
	default:
		return false, ReasonUnknownResource
	}
	if ceiling > 0 && used+amount > ceiling {
		return false, reason
	}
	return true, ReasonPermitted
}
