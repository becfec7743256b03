// Command ensemble-demo runs a two-agent briefing workflow end to end with a
// scripted model client, so the full loop (orchestrator rounds, worker
// iterations, tool gateway, governance, streaming) can be observed without
// API credentials. Swap the scripted client for features/model/anthropic to
// run against a live provider.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"goa.design/ensemble/registry"
	"goa.design/ensemble/runtime/compiler"
	"goa.design/ensemble/runtime/eventlog"
	loginmem "goa.design/ensemble/runtime/eventlog/inmem"
	"goa.design/ensemble/runtime/governance"
	"goa.design/ensemble/runtime/hooks"
	"goa.design/ensemble/runtime/model"
	"goa.design/ensemble/runtime/orchestrator"
	sessinmem "goa.design/ensemble/runtime/session/inmem"
	"goa.design/ensemble/runtime/stream"
	"goa.design/ensemble/runtime/tools"
	"goa.design/ensemble/runtime/tools/inmemcache"
	"goa.design/ensemble/runtime/worker"
)

const registryDoc = `
version: 1

workflow:
  name: briefing
  description: Research a topic and draft a brief.
  model_profile: planner
  sequence: [researcher, writer]
  completion:
    required_agents: [writer]
    required_outputs: [brief]
  constraints:
    max_rounds: 6

governance:
  resources:
    max_model_calls: 20
    max_tokens: 100000
    max_tool_calls: 10

model_profiles:
  - id: planner
    provider: anthropic
    model: claude-sonnet-4-5
    max_tokens: 1024
    retry:
      max_attempts: 1

tools:
  - id: search_notes
    description: Search the team's launch notes.
    idempotent: true
    input_schema:
      type: object
      properties:
        query:
          type: string
      required: [query]
    output_schema:
      type: object

agents:
  - id: researcher
    description: Finds and digests launch notes.
    model_profile: planner
    allow_tools: [search_notes]
  - id: writer
    description: Drafts the launch brief.
    model_profile: planner
`

// scriptedModel routes canned responses per participant, keyed by a substring
// of the system message, so each loop pops from its own queue.
type scriptedModel struct {
	mu     sync.Mutex
	routes map[string][]string
}

func (m *scriptedModel) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var system string
	if len(req.Messages) > 0 && req.Messages[0].Role == model.RoleSystem {
		system = req.Messages[0].Content
	}
	for key, steps := range m.routes {
		if !strings.Contains(system, key) {
			continue
		}
		if len(steps) == 0 {
			return nil, fmt.Errorf("script exhausted for %q", key)
		}
		m.routes[key] = steps[1:]
		return &model.Response{
			Content:    steps[0],
			StopReason: "end_turn",
			Usage:      model.TokenUsage{InputTokens: 120, OutputTokens: 40, TotalTokens: 160},
		}, nil
	}
	return nil, fmt.Errorf("no script for system prompt %.80q", system)
}

// consoleSink prints each streamed event, standing in for an SSE or Pulse
// transport.
type consoleSink struct {
	mu sync.Mutex
}

func (s *consoleSink) Send(_ context.Context, event stream.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, err := json.Marshal(event.Payload())
	if err != nil {
		return err
	}
	fmt.Printf("  %-20s %s\n", event.Type(), payload)
	return nil
}

func (s *consoleSink) Close(context.Context) error { return nil }

func main() {
	ctx := context.Background()

	// 1) Parse the workflow registry.
	snap, err := registry.Parse([]byte(registryDoc))
	if err != nil {
		panic(err)
	}

	// 2) Script the model: the orchestrator dispatches researcher then writer
	// and completes; the researcher searches notes before answering.
	client := &scriptedModel{routes: map[string][]string{
		"You are the orchestrator": {
			`{"action":"invoke","agents":[{"agent":"researcher","task":"Collect the launch findings."}]}`,
			`{"action":"invoke","agents":[{"agent":"writer","task":"Draft the launch brief."}]}`,
			`{"action":"complete","decision":"Ship the launch brief.","assumptions":["notes cover the full quarter"]}`,
		},
		"You are researcher": {
			`{"action":"use_tools","tools":[{"tool":"search_notes","params":{"query":"launch"}}]}`,
			`{"action":"final_output","output":{"notes":"Beta feedback is positive and latency is stable."}}`,
		},
		"You are writer": {
			`{"action":"final_output","output":{"brief":"Launch readiness: beta feedback positive, ship it."}}`,
		},
	}}

	// 3) Assemble the runtime: audit log, hook bus, console streaming,
	// governance, tool gateway with one in-process tool, shared compiler.
	log := loginmem.New()
	rec := eventlog.NewRecorder(log, "demo-session")
	bus := hooks.NewBus()

	bridge, err := stream.NewBridge(&consoleSink{})
	if err != nil {
		panic(err)
	}
	if _, err := bus.Register(bridge); err != nil {
		panic(err)
	}

	enforcer := governance.NewEnforcer(snap.Policy(), governance.WithRecorder(rec), governance.WithBus(bus))

	reg := tools.NewRegistry()
	if err := reg.Register("search_notes", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"matches":["beta feedback positive","API latency stable","docs reviewed"]}`), nil
	}); err != nil {
		panic(err)
	}
	gw := tools.NewGateway(snap, enforcer, reg,
		tools.WithCache(inmemcache.New()),
		tools.WithRecorder(rec),
		tools.WithBus(bus),
	)

	comp, err := compiler.New()
	if err != nil {
		panic(err)
	}
	sessions := sessinmem.New()

	workers, err := worker.New(snap, worker.Deps{
		Model:    client,
		Tools:    gw,
		Enforcer: enforcer,
		Compiler: comp,
		Sessions: sessions,
		Recorder: rec,
		Bus:      bus,
	})
	if err != nil {
		panic(err)
	}

	loop, err := orchestrator.New(snap, orchestrator.Deps{
		Model:    client,
		Workers:  workers,
		Enforcer: enforcer,
		Compiler: comp,
		Sessions: sessions,
		Recorder: rec,
		Bus:      bus,
	})
	if err != nil {
		panic(err)
	}

	// 4) Run the workflow and report the evidence.
	fmt.Println("stream:")
	res, err := loop.Run(ctx, orchestrator.Task{Input: "Write a briefing about the Q3 launch."})
	if err != nil {
		panic(err)
	}

	fmt.Println()
	fmt.Println("Session: ", res.SessionID)
	fmt.Println("Outcome: ", res.Outcome)
	fmt.Println("Rounds:  ", res.Rounds)
	fmt.Println("Decision:", res.Evidence.Decision)
	for _, out := range res.Evidence.Outputs {
		fmt.Printf("Output %s (%s): %s\n", out.Agent, out.Status, out.Output)
	}
	fmt.Printf("Usage:    %d in / %d out tokens\n", res.Usage.InputTokens, res.Usage.OutputTokens)

	events, err := eventlog.AllEvents(ctx, log, res.SessionID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("Audit:    %d events recorded\n", len(events))
}
