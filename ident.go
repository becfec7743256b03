package ensemble

// AgentID is the strong type for agent identifiers as declared in the
// registry snapshot (e.g., "risk-analyst"). Use this type when referencing
// agents in maps or APIs to avoid accidental mixing with free-form strings.
type AgentID string

// String returns the string representation of the identifier.
func (id AgentID) String() string {
	return string(id)
}

// ToolID is the strong type for globally unique tool identifiers from the
// registry tool catalog (e.g., "lookup.policy-rules"). Use this type in maps
// and APIs to document intent at call sites.
type ToolID string

// String returns the string representation of the identifier.
func (id ToolID) String() string {
	return string(id)
}

// OrchestratorAgent is the reserved agent identifier under which the
// orchestrator's own model calls and governance checks are recorded.
const OrchestratorAgent AgentID = "orchestrator"
