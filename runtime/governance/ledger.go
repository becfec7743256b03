package governance

import (
	"sync"

	"goa.design/ensemble"
)

// Ledger is the session-wide governance counter set. All mutation happens
// through Reserve methods that evaluate the relevant axis and increment the
// counters in one critical section, so concurrent loops racing toward a
// ceiling are admitted one at a time and never jointly exceed it.
//
// Counters are monotonic: nothing ever decrements them, including failed
// actions after a successful reservation.
type Ledger struct {
	mu     sync.Mutex
	policy *Policy

	agentInvocations map[ensemble.AgentID]int
	totalInvocations int
	modelCalls       int
	tokens           int
	toolCalls        int
}

// NewLedger constructs a Ledger with all counters at zero. The policy is
// captured by reference and must not be mutated after construction.
func NewLedger(policy *Policy) *Ledger {
	if policy == nil {
		policy = &Policy{}
	}
	return &Ledger{
		policy:           policy,
		agentInvocations: make(map[ensemble.AgentID]int),
	}
}

// Snapshot returns a copy of the current counters. The copy is detached:
// later reservations do not affect it.
func (l *Ledger) Snapshot() CounterSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// snapshotLocked copies the counters. Callers must hold mu.
func (l *Ledger) snapshotLocked() CounterSnapshot {
	snap := CounterSnapshot{
		TotalInvocations: l.totalInvocations,
		ModelCalls:       l.modelCalls,
		Tokens:           l.tokens,
		ToolCalls:        l.toolCalls,
	}
	if len(l.agentInvocations) > 0 {
		snap.AgentInvocations = make(map[ensemble.AgentID]int, len(l.agentInvocations))
		for k, v := range l.agentInvocations {
			snap.AgentInvocations[k] = v
		}
	}
	return snap
}

// ReserveAgentInvocation checks the agent invocation axis for target and, on
// permit, admits the invocation by incrementing the per-agent and session
// counters. The returned decision captures the counters observed before the
// increment.
func (l *Ledger) ReserveAgentInvocation(requester, target ensemble.AgentID) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := l.snapshotLocked()
	ok, reason := decideAgentInvocation(l.policy, snap, target)
	if ok {
		l.agentInvocations[target]++
		l.totalInvocations++
	}
	return Decision{
		Axis:      AxisAgentInvocation,
		Agent:     requester,
		Subject:   string(target),
		Permitted: ok,
		Reason:    reason,
		Counters:  snap,
	}
}

// CheckToolAccess evaluates the tool access axis for agent and tool. Access
// checks consume no counters, but the decision still captures the counters
// observed at check time for the audit trail.
func (l *Ledger) CheckToolAccess(agent ensemble.AgentID, tool ensemble.ToolID) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	ok, reason := decideToolAccess(l.policy, agent, tool)
	return Decision{
		Axis:      AxisToolAccess,
		Agent:     agent,
		Subject:   string(tool),
		Permitted: ok,
		Reason:    reason,
		Counters:  l.snapshotLocked(),
	}
}

// ReserveModelCall checks the model call ceiling and, on permit, admits one
// model invocation.
func (l *Ledger) ReserveModelCall(agent ensemble.AgentID) Decision {
	return l.reserve(agent, ResourceModelCalls, 1)
}

// ReserveTokens checks the token ceiling for a reservation of amount tokens
// and, on permit, admits them. Amount is the caller's upper-bound estimate
// for the call: compiled prompt tokens plus the response token limit.
func (l *Ledger) ReserveTokens(agent ensemble.AgentID, amount int) Decision {
	return l.reserve(agent, ResourceTokens, amount)
}

// ReserveToolCall checks the tool call ceiling and, on permit, admits one
// tool invocation.
func (l *Ledger) ReserveToolCall(agent ensemble.AgentID) Decision {
	return l.reserve(agent, ResourceToolCalls, 1)
}

// reserve evaluates a resource ceiling and increments the counter when
// permitted, all within one critical section.
func (l *Ledger) reserve(agent ensemble.AgentID, res Resource, amount int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := l.snapshotLocked()
	ok, reason := decideResource(l.policy, snap, res, amount)
	if ok {
		switch res {
		case ResourceModelCalls:
			l.modelCalls += amount
		case ResourceTokens:
			l.tokens += amount
		case ResourceToolCalls:
			l.toolCalls += amount
		}
	}
	return Decision{
		Axis:      AxisResourceCeiling,
		Agent:     agent,
		Subject:   string(res),
		Permitted: ok,
		Reason:    reason,
		Amount:    amount,
		Counters:  snap,
	}
}
