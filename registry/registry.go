// Package registry loads and validates the workflow registry: the single
// YAML document declaring agents, tools, model profiles, governance policy,
// and the workflow definition a session executes.
//
// A Snapshot is immutable after load. All references are resolved at load
// time (agent model profiles, tool grants, schemas compiled), so runtime
// components look up typed definitions instead of re-resolving strings
// mid-session.
package registry

import (
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/ensemble"
	"goa.design/ensemble/runtime/governance"
	"goa.design/ensemble/runtime/retry"
)

type (
	// Snapshot is the resolved, validated registry document. It is read-only
	// after Load/Parse returns; runtime components share one snapshot per
	// session without synchronization.
	Snapshot struct {
		workflow Workflow
		policy   *governance.Policy
		agents   map[ensemble.AgentID]*Agent
		agentIDs []ensemble.AgentID
		tools    map[ensemble.ToolID]*Tool
		toolIDs  []ensemble.ToolID
		profiles map[string]*ModelProfile
	}

	// Agent is a resolved agent definition. Zero override fields mean the
	// runtime defaults apply.
	Agent struct {
		// ID is the unique agent identifier.
		ID ensemble.AgentID
		// Description is the capability statement shown to the orchestrator
		// when it selects agents.
		Description string
		// Capabilities tags what the agent can do, used for catalog rendering.
		Capabilities []string
		// Profile is the resolved model profile for the agent's model calls.
		Profile *ModelProfile
		// AllowTools is the agent's tool allowlist. Empty means no tool
		// access: the agent reasons without acting.
		AllowTools []ensemble.ToolID
		// DenyTools lists tools the agent may never call, overriding
		// AllowTools.
		DenyTools []ensemble.ToolID
		// MaxIterations overrides the global worker iteration ceiling when
		// positive.
		MaxIterations int
		// IterationTimeout overrides the global per-iteration timeout when
		// positive.
		IterationTimeout time.Duration
		// OutputSchema validates the agent's final output. Nil means any
		// JSON output is accepted.
		OutputSchema *jsonschema.Schema
		// Budget overrides the global context budget split. Nil means the
		// global split applies.
		Budget *ContextBudget
	}

	// Tool is a resolved tool catalog entry.
	Tool struct {
		// ID is the unique tool identifier.
		ID ensemble.ToolID
		// Description tells the model what the tool does.
		Description string
		// InputSchema validates invocation parameters. Nil accepts any.
		InputSchema *jsonschema.Schema
		// RawInputSchema is the JSON-normalized input schema document kept
		// alongside the compiled form. Model adapters pass it to providers
		// for native function calling. Nil when the tool declares none.
		RawInputSchema any
		// OutputSchema validates tool results. Nil accepts any.
		OutputSchema *jsonschema.Schema
		// Endpoint is the transport address for remote tools, empty for
		// in-process handlers.
		Endpoint string
		// Idempotent marks the tool safe for result caching.
		Idempotent bool
	}

	// ModelProfile names a provider/model pair with its invocation
	// parameters and retry policy.
	ModelProfile struct {
		// ID is the unique profile identifier agents reference.
		ID string
		// Provider selects the adapter: "anthropic", "openai", "bedrock".
		Provider string
		// Model is the provider-specific model identifier.
		Model string
		// Temperature is the sampling temperature.
		Temperature float32
		// MaxTokens bounds the response length.
		MaxTokens int
		// Retry is the backoff policy for transient provider failures.
		Retry retry.Config
	}

	// Workflow is the resolved workflow definition for the session.
	Workflow struct {
		// Name identifies the workflow.
		Name string
		// Description summarizes what the workflow accomplishes.
		Description string
		// Profile is the model profile for the orchestrator's own reasoning
		// calls. Nil when the document does not name one; the orchestrator
		// then requires a profile option.
		Profile *ModelProfile
		// Sequence is the suggested agent ordering. It is a hint for the
		// orchestrator, not an execution constraint.
		Sequence []ensemble.AgentID
		// OptionalAgents may execute but are not required for completion.
		OptionalAgents []ensemble.AgentID
		// Completion gates explicit completion signals.
		Completion CompletionCriteria
		// MaxDuration caps the session wall-clock time. Zero means the
		// runtime default applies.
		MaxDuration time.Duration
		// MaxRounds caps orchestrator rounds. Zero means the runtime
		// default applies.
		MaxRounds int
	}

	// CompletionCriteria is the workflow's completion predicate. An explicit
	// completion signal from the orchestrator model validates only when
	// Satisfied reports true against the accumulated session state.
	CompletionCriteria struct {
		// RequiredAgents must all have completed at least once.
		RequiredAgents []ensemble.AgentID
		// RequiredOutputs are evidence keys that must be present.
		RequiredOutputs []string
	}

	// ContextBudget is the percentage split of the context window across
	// the three compiled sections. The three values always sum to 100; a
	// partial override is rejected at load time.
	ContextBudget struct {
		// InputPct is the share reserved for the original input.
		InputPct int
		// OutputsPct is the share reserved for prior agent outputs.
		OutputsPct int
		// ObservationsPct is the share reserved for tool observations.
		ObservationsPct int
	}
)

// Satisfied reports whether every required agent has completed and every
// required output key is present.
func (c CompletionCriteria) Satisfied(completed map[ensemble.AgentID]bool, evidence map[string]bool) bool {
	return len(c.Missing(completed, evidence)) == 0
}

// Missing returns one message per unmet criterion, in declaration order.
// An empty result means the criteria are satisfied.
func (c CompletionCriteria) Missing(completed map[ensemble.AgentID]bool, evidence map[string]bool) []string {
	var out []string
	for _, id := range c.RequiredAgents {
		if !completed[id] {
			out = append(out, fmt.Sprintf("required agent %q has not completed", id))
		}
	}
	for _, key := range c.RequiredOutputs {
		if !evidence[key] {
			out = append(out, fmt.Sprintf("required output %q is missing", key))
		}
	}
	return out
}

// Workflow returns the workflow definition.
func (s *Snapshot) Workflow() Workflow { return s.workflow }

// Policy returns the assembled governance policy: the policy document's
// lists and ceilings, tool grants derived from agent definitions, and the
// workflow invocation ceiling. The returned value is read-only.
func (s *Snapshot) Policy() *governance.Policy { return s.policy }

// Agent returns the agent definition for id.
func (s *Snapshot) Agent(id ensemble.AgentID) (*Agent, bool) {
	a, ok := s.agents[id]
	return a, ok
}

// Agents returns all agent definitions in declaration order.
func (s *Snapshot) Agents() []*Agent {
	out := make([]*Agent, 0, len(s.agentIDs))
	for _, id := range s.agentIDs {
		out = append(out, s.agents[id])
	}
	return out
}

// Tool returns the tool catalog entry for id.
func (s *Snapshot) Tool(id ensemble.ToolID) (*Tool, bool) {
	t, ok := s.tools[id]
	return t, ok
}

// Tools returns all tool catalog entries in declaration order.
func (s *Snapshot) Tools() []*Tool {
	out := make([]*Tool, 0, len(s.toolIDs))
	for _, id := range s.toolIDs {
		out = append(out, s.tools[id])
	}
	return out
}

// Profile returns the model profile for id.
func (s *Snapshot) Profile(id string) (*ModelProfile, bool) {
	p, ok := s.profiles[id]
	return p, ok
}
