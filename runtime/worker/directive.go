package worker

import (
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/ensemble"
	"goa.design/ensemble/runtime/model"
)

// Directive actions a worker model response may carry. Exactly one per
// iteration; anything else is a malformed directive.
const (
	actionUseTools    = "use_tools"
	actionFinalOutput = "final_output"
)

type (
	// directive is the decoded sum type of one model response: either a set
	// of tool requests or the final output payload, never both.
	directive struct {
		tools []toolRequest
		final json.RawMessage
	}

	// toolRequest is one requested tool invocation.
	toolRequest struct {
		Tool   ensemble.ToolID
		Params json.RawMessage
	}

	// directiveDoc is the wire shape the model is prompted to produce.
	directiveDoc struct {
		Action string          `json:"action"`
		Tools  []toolCallDoc   `json:"tools,omitempty"`
		Output json.RawMessage `json:"output,omitempty"`
	}

	toolCallDoc struct {
		Tool   string          `json:"tool"`
		Params json.RawMessage `json:"params,omitempty"`
	}
)

// parseDirective decodes a model response into a directive. Native tool calls
// take precedence; otherwise the text content must contain exactly one JSON
// directive document, optionally wrapped in a code fence or surrounding prose.
func parseDirective(resp *model.Response) (directive, error) {
	if len(resp.ToolCalls) > 0 {
		reqs := make([]toolRequest, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			if call.Name == "" {
				return directive{}, errors.New("tool call with empty name")
			}
			params, err := json.Marshal(call.Payload)
			if err != nil {
				return directive{}, fmt.Errorf("tool call %s arguments: %w", call.Name, err)
			}
			reqs = append(reqs, toolRequest{Tool: call.Name, Params: params})
		}
		return directive{tools: reqs}, nil
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
	case actionUseTools:
		if len(doc.Output) > 0 {
			return directive{}, errors.New("use_tools directive must not carry an output")
		}
		if len(doc.Tools) == 0 {
			return directive{}, errors.New("use_tools directive lists no tools")
		}
		reqs := make([]toolRequest, 0, len(doc.Tools))
		for _, t := range doc.Tools {
			if t.Tool == "" {
				return directive{}, errors.New("tool request with empty tool id")
			}
			reqs = append(reqs, toolRequest{Tool: ensemble.ToolID(t.Tool), Params: t.Params})
		}
		return directive{tools: reqs}, nil
	case actionFinalOutput:
		if len(doc.Tools) > 0 {
			return directive{}, errors.New("final_output directive must not request tools")
		}
		if len(doc.Output) == 0 {
			return directive{}, errors.New("final_output directive carries no output")
		}
		return directive{final: doc.Output}, nil
	case "":
		return directive{}, errors.New("directive missing action")
	default:
		return directive{}, fmt.Errorf("unknown directive action %q", doc.Action)
	}
}
