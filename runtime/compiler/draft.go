package compiler

import (
	"errors"

	"goa.design/ensemble"
	"goa.design/ensemble/runtime/artifact"
	"goa.design/ensemble/runtime/memory"
	"goa.design/ensemble/runtime/model"
)

// ErrFrozen is returned when a draft is mutated or compiled again after the
// injection stage froze its message list.
var ErrFrozen = errors.New("draft is frozen")

// EntryKind classifies one unit of session history carried by a draft.
type EntryKind string

const (
	// EntryAgentOutput is a prior agent's final or partial output.
	EntryAgentOutput EntryKind = "agent_output"

	// EntryObservation is a tool result or other fact observed during the
	// session.
	EntryObservation EntryKind = "observation"

	// EntryDecision is an orchestrator decision such as an invoke set or a
	// completion signal.
	EntryDecision EntryKind = "decision"

	// EntryNote is free-form reasoning attached to the history.
	EntryNote EntryKind = "note"

	// EntrySummary is the synthesized replacement for compacted history.
	EntrySummary EntryKind = "summary"
)

type (
	// Entry is one unit of session history. Entries are appended in the order
	// they happened; the compaction stage may later replace older entries
	// with a summary after archiving them verbatim.
	Entry struct {
		// Kind classifies the entry.
		Kind EntryKind `json:"kind"`

		// Producer identifies the agent that produced the entry, when known.
		Producer ensemble.AgentID `json:"producer,omitempty"`

		// Tool identifies the tool that produced an observation, when the
		// entry is a tool result.
		Tool ensemble.ToolID `json:"tool,omitempty"`

		// Content is the entry text.
		Content string `json:"content"`
	}

	// MemoryRequest asks the retrieval stage to fetch cross-session
	// knowledge. Setting one on a draft triggers retrieval even when the
	// compiler runs in reactive mode.
	MemoryRequest struct {
		// Namespace restricts the search. Empty searches all namespaces.
		Namespace string

		// Text is the free-text query.
		Text string
	}

	// ArtifactRequest references a stored artifact. The resolution stage
	// inlines the artifact content only when Resolve is set; otherwise the
	// artifact surfaces as a lightweight reference line.
	ArtifactRequest struct {
		// Ref is the artifact handle.
		Ref artifact.Ref

		// Resolve requests content inlining.
		Resolve bool

		// Content is filled by the resolution stage when Resolve is set.
		Content []byte
	}

	// Draft is the mutable working state threaded through the compilation
	// stages. Callers build one draft per model invocation, append the
	// session history, then pass it to Compiler.Compile. After compilation
	// the draft is frozen and all mutators return ErrFrozen.
	Draft struct {
		// SessionID identifies the owning session.
		SessionID string

		// Agent is the agent the payload is compiled for.
		Agent ensemble.AgentID

		// Namespace scopes proactive memory retrieval, typically the
		// workflow name.
		Namespace string

		// System is the system preamble: agent instructions, capabilities
		// and response format.
		System string

		// Input is the original task input.
		Input string

		// Entries is the ordered session history.
		Entries []*Entry

		// Memory is the reactive retrieval request, if any.
		Memory *MemoryRequest

		// Artifacts are the attached artifact references.
		Artifacts []ArtifactRequest

		// Split overrides the compiler's budget split for this compilation.
		// Nil uses the compiler default.
		Split *Split

		// Recalled holds the memories fetched by the retrieval stage.
		Recalled []*memory.Entry

		// Archive accumulates the raw entries discarded by compaction, in
		// their original order.
		Archive []*Entry

		// ArchiveRef identifies the most recent archived batch.
		ArchiveRef string

		// Messages is the role-attributed payload built by the
		// transformation stage and frozen by injection.
		Messages []*model.Message

		// Truncated reports whether budget enforcement removed content.
		Truncated bool

		// BudgetExceeded reports that truncation could not bring the payload
		// under the token budget.
		BudgetExceeded bool

		components []string
		sizes      map[string]int
		outcomes   map[string]StageOutcome
		frozen     bool
	}
)

// NewDraft constructs an empty draft for one model invocation.
func NewDraft(sessionID string, agent ensemble.AgentID, system, input string) *Draft {
	return &Draft{
		SessionID: sessionID,
		Agent:     agent,
		System:    system,
		Input:     input,
	}
}

// Append adds a history entry to the draft.
func (d *Draft) Append(e *Entry) error {
	if d.frozen {
		return ErrFrozen
	}
	if e == nil {
		return errors.New("entry is required")
	}
	d.Entries = append(d.Entries, e)
	return nil
}

// AppendOutput appends a prior agent output.
func (d *Draft) AppendOutput(producer ensemble.AgentID, content string) error {
	return d.Append(&Entry{Kind: EntryAgentOutput, Producer: producer, Content: content})
}

// AppendObservation appends a tool result attributed to the agent that
// requested it.
func (d *Draft) AppendObservation(producer ensemble.AgentID, tool ensemble.ToolID, content string) error {
	return d.Append(&Entry{Kind: EntryObservation, Producer: producer, Tool: tool, Content: content})
}

// AppendDecision appends an orchestrator decision.
func (d *Draft) AppendDecision(producer ensemble.AgentID, content string) error {
	return d.Append(&Entry{Kind: EntryDecision, Producer: producer, Content: content})
}

// AppendNote appends free-form reasoning.
func (d *Draft) AppendNote(producer ensemble.AgentID, content string) error {
	return d.Append(&Entry{Kind: EntryNote, Producer: producer, Content: content})
}

// RequestMemory asks the retrieval stage to fetch cross-session knowledge
// matching the given query.
func (d *Draft) RequestMemory(namespace, text string) error {
	if d.frozen {
		return ErrFrozen
	}
	d.Memory = &MemoryRequest{Namespace: namespace, Text: text}
	return nil
}

// AttachArtifact references a stored artifact. Content is inlined during
// compilation only when resolve is set.
func (d *Draft) AttachArtifact(ref artifact.Ref, resolve bool) error {
	if d.frozen {
		return ErrFrozen
	}
	d.Artifacts = append(d.Artifacts, ArtifactRequest{Ref: ref, Resolve: resolve})
	return nil
}

// push appends a message with its budget component attribution.
func (d *Draft) push(component string, m *model.Message) {
	d.Messages = append(d.Messages, m)
	d.components = append(d.components, component)
}

// componentSizes estimates the token count of each budget component from the
// current message list.
func (d *Draft) componentSizes() map[string]int {
	sizes := make(map[string]int)
	for i, m := range d.Messages {
		sizes[d.components[i]] += EstimateTokens(m.Content)
	}
	return sizes
}

// noteStage records a stage outcome override picked up by Compile.
func (d *Draft) noteStage(name string, outcome StageOutcome) {
	if d.outcomes == nil {
		d.outcomes = make(map[string]StageOutcome)
	}
	d.outcomes[name] = outcome
}

// EstimateTokens approximates the token count of s using the chars/4
// heuristic. The estimate is deterministic and intentionally cheap; exact
// counts come back from providers after the call.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}
