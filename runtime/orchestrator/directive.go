package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"goa.design/ensemble"
	"goa.design/ensemble/runtime/model"
)

// Directive actions an orchestrator model response may carry. Exactly one per
// round; anything else is a malformed directive.
const (
	actionInvoke   = "invoke"
	actionComplete = "complete"
)

type (
	// directive is the decoded sum type of one orchestrator response: either
	// a set of agents to invoke or an explicit completion signal, never both.
	directive struct {
		invoke   []invocation
		complete *completion
	}

	// invocation is one requested agent dispatch.
	invocation struct {
		Agent ensemble.AgentID
		Task  string
	}

	// completion is the explicit completion signal. The decision becomes the
	// evidence map's headline once the workflow criteria validate.
	completion struct {
		Decision    string
		Assumptions []string
	}

	// directiveDoc is the wire shape the model is prompted to produce.
	directiveDoc struct {
		Action      string          `json:"action"`
		Agents      []invocationDoc `json:"agents,omitempty"`
		Decision    string          `json:"decision,omitempty"`
		Assumptions []string        `json:"assumptions,omitempty"`
	}

	invocationDoc struct {
		Agent string `json:"agent"`
		Task  string `json:"task,omitempty"`
	}
)

// parseDirective decodes a model response into a directive. The orchestrator
// exposes no tools, so the text content must contain exactly one JSON
// directive document, optionally wrapped in a code fence or surrounding prose.
func parseDirective(resp *model.Response) (directive, error) {
	if len(resp.ToolCalls) > 0 {
		return directive{}, errors.New("unexpected native tool calls")
	}
	raw, ok := model.ExtractJSON(resp.Content)
	if !ok {
		return directive{}, errors.New("response contains no JSON directive")
	}
	var doc directiveDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return directive{}, fmt.Errorf("decode directive: %w", err)
	}
	switch doc.Action {
	case actionInvoke:
		if doc.Decision != "" {
			return directive{}, errors.New("invoke directive must not carry a decision")
		}
		if len(doc.Agents) == 0 {
			return directive{}, errors.New("invoke directive lists no agents")
		}
		invs := make([]invocation, 0, len(doc.Agents))
		for _, a := range doc.Agents {
			if a.Agent == "" {
				return directive{}, errors.New("agent request with empty agent id")
			}
			invs = append(invs, invocation{Agent: ensemble.AgentID(a.Agent), Task: a.Task})
		}
		return directive{invoke: invs}, nil
	case actionComplete:
		if len(doc.Agents) > 0 {
			return directive{}, errors.New("complete directive must not request agents")
		}
		if strings.TrimSpace(doc.Decision) == "" {
			return directive{}, errors.New("complete directive carries no decision")
		}
		return directive{complete: &completion{Decision: doc.Decision, Assumptions: doc.Assumptions}}, nil
	case "":
		return directive{}, errors.New("directive missing action")
	default:
		return directive{}, fmt.Errorf("unknown directive action %q", doc.Action)
	}
}
