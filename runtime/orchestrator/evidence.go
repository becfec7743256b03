package orchestrator

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"goa.design/ensemble"
	"goa.design/ensemble/runtime/session"
	"goa.design/ensemble/runtime/worker"
)

type (
	// Evidence is the session's terminal artifact: the decision the workflow
	// produced, the agent outputs supporting it, and what to read with
	// caution. It is assembled exactly once when the session reaches a
	// terminal tier and never mutated afterward.
	Evidence struct {
		// SessionID identifies the session the evidence belongs to.
		SessionID string `json:"session_id"`
		// Workflow names the workflow definition the session executed.
		Workflow string `json:"workflow"`
		// Outcome is the session's terminal outcome.
		Outcome session.Outcome `json:"outcome"`
		// Decision is the workflow result from the explicit completion
		// signal. Empty when completion was forced or the session failed.
		Decision string `json:"decision,omitempty"`
		// Assumptions lists the assumptions the completion signal declared.
		Assumptions []string `json:"assumptions,omitempty"`
		// Limitations flags why the evidence is weaker than a clean
		// completion: forced endings, degraded workers, unmet criteria.
		Limitations []string `json:"limitations,omitempty"`
		// Outputs collects every worker invocation's contribution in
		// completion order.
		Outputs []AgentOutput `json:"outputs,omitempty"`
		// Rounds is the number of orchestrator rounds the session consumed.
		Rounds int `json:"rounds"`
		// GeneratedAt records when the evidence was assembled.
		GeneratedAt time.Time `json:"generated_at"`
	}

	// AgentOutput is one worker invocation's contribution to the evidence.
	AgentOutput struct {
		// Agent identifies the worker agent.
		Agent ensemble.AgentID `json:"agent"`
		// InvocationID identifies the invocation.
		InvocationID string `json:"invocation_id"`
		// Status is the invocation's terminal status.
		Status session.WorkerStatus `json:"status"`
		// Output is the validated final output. Nil unless Status is
		// completed.
		Output json.RawMessage `json:"output,omitempty"`
		// Summary is a short description of how the invocation ended.
		Summary string `json:"summary,omitempty"`
		// Degraded reports whether the invocation finished below full
		// confidence.
		Degraded bool `json:"degraded,omitempty"`
	}
)

// buildEvidence assembles the terminal evidence map from the accumulated
// worker results. Limitation lines cover the forced ending, every degraded
// invocation, unmet completion criteria and the terminal fault, so a reader
// sees at a glance how far to trust the outputs.
func (l *Loop) buildEvidence(st *state, outcome session.Outcome, terminal string) *Evidence {
	wf := l.snapshot.Workflow()
	ev := &Evidence{
		SessionID:   st.sessionID,
		Workflow:    wf.Name,
		Outcome:     outcome,
		Rounds:      st.rounds,
		GeneratedAt: time.Now(),
	}
	if st.decision != nil {
		ev.Decision = st.decision.Decision
		ev.Assumptions = slices.Clone(st.decision.Assumptions)
	}
	for _, res := range st.results {
		ev.Outputs = append(ev.Outputs, AgentOutput{
			Agent:        res.Agent,
			InvocationID: res.InvocationID,
			Status:       res.Status,
			Output:       res.Output,
			Summary:      res.Summary,
			Degraded:     res.Degraded,
		})
	}
	if st.forced {
		ev.Limitations = append(ev.Limitations, "completion was forced: "+st.forcedWhy)
	}
	if terminal != "" {
		ev.Limitations = append(ev.Limitations, terminal)
	}
	for _, res := range st.results {
		if res.Degraded {
			ev.Limitations = append(ev.Limitations, fmt.Sprintf("agent %s ended %s: %s", res.Agent, res.Status, res.Summary))
		}
	}
	ev.Limitations = append(ev.Limitations, wf.Completion.Missing(st.completed, st.evidence)...)
	return ev
}

// markEvidence registers a completed worker output in the evidence key set
// consulted by the workflow completion criteria. The agent id itself counts
// as a key, and so does every top-level field of an object output, so
// required_outputs can name either an agent or a produced field.
func markEvidence(st *state, res *worker.Result) {
	st.evidence[string(res.Agent)] = true
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(res.Output, &obj); err == nil {
		for key := range obj {
			st.evidence[key] = true
		}
	}
}
