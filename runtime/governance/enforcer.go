package governance

import (
	"context"
	"fmt"

	"goa.design/ensemble"
	"goa.design/ensemble/runtime/eventlog"
	"goa.design/ensemble/runtime/hooks"
	"goa.design/ensemble/runtime/telemetry"
)

// Enforcer is the session's governance gate. Every runtime action that needs
// permission flows through one of its methods; each method runs exactly one
// check against the ledger, records the resulting Decision in the event log,
// publishes it on the hooks bus, and returns a *DenialError when the action
// is refused.
//
// The Enforcer is safe for concurrent use: worker loops within a round call
// it in parallel and the ledger serializes counter mutation.
type Enforcer struct {
	ledger  *Ledger
	rec     *eventlog.Recorder
	bus     hooks.Bus
	logger  telemetry.Logger
	metrics telemetry.Metrics
}

// EnforcerOption configures an Enforcer.
type EnforcerOption func(*Enforcer)

// WithRecorder wires the event log recorder that persists decisions. Without
// it decisions are still published on the bus but not durably logged, which
// is acceptable only in tests.
func WithRecorder(rec *eventlog.Recorder) EnforcerOption {
	return func(e *Enforcer) { e.rec = rec }
}

// WithBus wires the hooks bus decisions are published on.
func WithBus(bus hooks.Bus) EnforcerOption {
	return func(e *Enforcer) { e.bus = bus }
}

// WithLogger wires structured logging for denials.
func WithLogger(logger telemetry.Logger) EnforcerOption {
	return func(e *Enforcer) { e.logger = logger }
}

// WithMetrics wires the metrics sink for permit and deny counts.
func WithMetrics(metrics telemetry.Metrics) EnforcerOption {
	return func(e *Enforcer) { e.metrics = metrics }
}

// NewEnforcer constructs an Enforcer over a fresh ledger for the given
// policy. Telemetry defaults to noop implementations.
func NewEnforcer(policy *Policy, opts ...EnforcerOption) *Enforcer {
	e := &Enforcer{
		ledger:  NewLedger(policy),
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AllowAgent checks whether the orchestrator may invoke target and, on
// permit, admits the invocation against the per-agent and session ceilings.
func (e *Enforcer) AllowAgent(ctx context.Context, target ensemble.AgentID) error {
	d := e.ledger.ReserveAgentInvocation(ensemble.OrchestratorAgent, target)
	return e.finish(ctx, d)
}

// AllowTool checks whether agent may call tool. Access checks consume no
// counters; the tool call ceiling is reserved separately via ReserveToolCall.
func (e *Enforcer) AllowTool(ctx context.Context, agent ensemble.AgentID, tool ensemble.ToolID) error {
	d := e.ledger.CheckToolAccess(agent, tool)
	return e.finish(ctx, d)
}

// ReserveModelCall admits one model invocation for agent against the session
// model call ceiling.
func (e *Enforcer) ReserveModelCall(ctx context.Context, agent ensemble.AgentID) error {
	d := e.ledger.ReserveModelCall(agent)
	return e.finish(ctx, d)
}

// ReserveTokens admits amount tokens for agent against the session token
// ceiling. Amount should be the caller's upper-bound estimate for the call:
// compiled prompt tokens plus the response token limit.
func (e *Enforcer) ReserveTokens(ctx context.Context, agent ensemble.AgentID, amount int) error {
	d := e.ledger.ReserveTokens(agent, amount)
	return e.finish(ctx, d)
}

// ReserveToolCall admits one tool invocation for agent against the session
// tool call ceiling.
func (e *Enforcer) ReserveToolCall(ctx context.Context, agent ensemble.AgentID) error {
	d := e.ledger.ReserveToolCall(agent)
	return e.finish(ctx, d)
}

// Counters returns the current counter snapshot for session bookkeeping.
func (e *Enforcer) Counters() CounterSnapshot {
	return e.ledger.Snapshot()
}

// finish records and publishes the decision, then converts denials into
// errors. Recording failures abort the action even when the check permitted
// it: an unauditable action must not proceed.
func (e *Enforcer) finish(ctx context.Context, d Decision) error {
	if e.rec != nil {
		if _, err := e.rec.Record(ctx, eventlog.TypeGovernanceDecision, d.Agent, d); err != nil {
			return fmt.Errorf("record governance decision: %w", err)
		}
	}
	if e.bus != nil {
		evt := hooks.NewGovernanceDecisionEvent(e.sessionID(), d.Agent, string(d.Axis), d.Subject, d.Permitted, d.Reason)
		if err := e.bus.Publish(ctx, evt); err != nil {
			return fmt.Errorf("publish governance decision: %w", err)
		}
	}
	if d.Permitted {
		e.metrics.IncCounter("governance_permits", 1, "axis", string(d.Axis))
		return nil
	}
	e.metrics.IncCounter("governance_denials", 1, "axis", string(d.Axis))
	e.logger.Info(ctx, "governance denied", "axis", string(d.Axis), "agent", string(d.Agent), "subject", d.Subject, "reason", d.Reason)
	return newDenialError(d)
}

// sessionID resolves the session identifier for hook events from the wired
// recorder, empty when none is configured.
func (e *Enforcer) sessionID() string {
	if e.rec != nil {
		return e.rec.SessionID()
	}
	return ""
}
