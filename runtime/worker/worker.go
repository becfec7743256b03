// Package worker implements the inner ReAct loop: one agent reasoning over
// compiled context, acting through governed tool calls, and validating its
// final output against the registry schema. The loop is bounded three ways:
// an iteration ceiling, a per-iteration timeout, and a validation-failure
// limit. A worker never crashes the session; it degrades to a terminal status
// the orchestrator folds into the session outcome.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/ensemble"
	"goa.design/ensemble/registry"
	"goa.design/ensemble/runtime/compiler"
	"goa.design/ensemble/runtime/eventlog"
	"goa.design/ensemble/runtime/faults"
	"goa.design/ensemble/runtime/governance"
	"goa.design/ensemble/runtime/hooks"
	"goa.design/ensemble/runtime/model"
	"goa.design/ensemble/runtime/retry"
	"goa.design/ensemble/runtime/session"
	"goa.design/ensemble/runtime/telemetry"
	"goa.design/ensemble/runtime/tools"
)

// Loop bounds applied when neither an option nor a registry override is set.
const (
	// DefaultMaxIterations caps reasoning iterations per worker invocation.
	DefaultMaxIterations = 8
	// DefaultIterationTimeout bounds one iteration including its tool calls.
	DefaultIterationTimeout = 2 * time.Minute
	// DefaultValidationLimit is the number of rejected responses (malformed
	// directives or schema-invalid final outputs) after which the worker
	// terminates errored.
	DefaultValidationLimit = 3
	// DefaultNoProgressLimit is the number of consecutive iterations with
	// byte-identical tool results after which the worker stops as incomplete.
	DefaultNoProgressLimit = 2
)

type (
	// Deps carries the session-scoped collaborators shared by every worker
	// invocation. Model, Tools, Enforcer and Compiler are required; the rest
	// default to noop or are skipped when nil.
	Deps struct {
		// Model issues the loop's LLM calls.
		Model model.Client
		// Tools is the governed tool invocation path.
		Tools *tools.Gateway
		// Enforcer gates model calls and token reservations.
		Enforcer *governance.Enforcer
		// Compiler assembles the per-iteration context payload.
		Compiler *compiler.Compiler
		// Sessions persists worker invocation metadata when set.
		Sessions session.Store
		// Recorder appends worker lifecycle events to the session log.
		Recorder *eventlog.Recorder
		// Bus publishes worker lifecycle hook events.
		Bus hooks.Bus
		// Logger receives structured loop diagnostics.
		Logger telemetry.Logger
		// Metrics receives loop counters and timers.
		Metrics telemetry.Metrics
	}

	// Task is one worker invocation request, prepared by the orchestrator.
	Task struct {
		// InvocationID is the durable identifier for this invocation. A
		// fresh one is assigned when empty.
		InvocationID string
		// SessionID is the owning session. Defaults to the recorder's
		// session when empty.
		SessionID string
		// Agent selects the registry agent definition to run.
		Agent ensemble.AgentID
		// Instruction is the task statement handed to the agent this
		// invocation.
		Instruction string
		// Input is the session's original input.
		Input string
		// Prior carries earlier agent products for the compiled context, in
		// production order.
		Prior []Output
	}

	// Output is a prior agent product included in compiled context.
	Output struct {
		// Agent produced the content.
		Agent ensemble.AgentID
		// Content is the product text (typically the JSON output).
		Content string
	}

	// Result is the terminal state of one worker invocation. Degraded mirrors
	// Status: any terminal status other than completed is a degraded result.
	Result struct {
		// InvocationID identifies the invocation.
		InvocationID string
		// Agent is the agent that ran.
		Agent ensemble.AgentID
		// Status is the terminal status: completed, incomplete or errored.
		Status session.WorkerStatus
		// Output is the validated final output. Nil unless Status is
		// completed.
		Output json.RawMessage
		// Summary is a short description of how the invocation ended.
		Summary string
		// Iterations is the number of reasoning iterations consumed.
		Iterations int
		// Degraded reports whether the result is below full confidence.
		Degraded bool
		// Fault classifies the terminal failure. Nil unless the invocation
		// ended on a fault.
		Fault *faults.Fault
		// Usage aggregates token usage across the invocation's model calls.
		Usage model.TokenUsage
	}

	// Option configures a Loop.
	Option func(*Loop)

	// Loop runs worker invocations for one session. It is safe for
	// concurrent use: one Loop serves all agents dispatched in a round.
	Loop struct {
		snapshot *registry.Snapshot
		deps     Deps

		maxIterations    int
		iterationTimeout time.Duration
		validationLimit  int
		noProgressLimit  int
	}

	// state is the mutable per-invocation loop state, mutated in place by
	// the iteration methods.
	state struct {
		task      Task
		agent     *registry.Agent
		sessionID string
		startedAt time.Time

		history    []historyEntry
		iterations int
		violations int
		stallRuns  int
		lastRound  string
		usage      model.TokenUsage
		lastText   string
	}

	// historyEntry is one accumulated context entry replayed into each
	// iteration's draft.
	historyEntry struct {
		kind    compiler.EntryKind
		tool    ensemble.ToolID
		content string
	}
)

// WithMaxIterations overrides the global iteration ceiling. Registry agent
// overrides still win for their agent.
func WithMaxIterations(n int) Option {
	return func(l *Loop) { l.maxIterations = n }
}

// WithIterationTimeout overrides the global per-iteration timeout. Registry
// agent overrides still win for their agent.
func WithIterationTimeout(d time.Duration) Option {
	return func(l *Loop) { l.iterationTimeout = d }
}

// WithValidationLimit overrides the rejected-response limit.
func WithValidationLimit(n int) Option {
	return func(l *Loop) { l.validationLimit = n }
}

// WithNoProgressLimit overrides the consecutive identical-result limit.
func WithNoProgressLimit(n int) Option {
	return func(l *Loop) { l.noProgressLimit = n }
}

// New constructs a worker Loop over the registry snapshot and session
// collaborators.
func New(snapshot *registry.Snapshot, deps Deps, opts ...Option) (*Loop, error) {
	if snapshot == nil {
		return nil, errors.New("worker: registry snapshot is required")
	}
	if deps.Model == nil {
		return nil, errors.New("worker: model client is required")
	}
	if deps.Tools == nil {
		return nil, errors.New("worker: tool gateway is required")
	}
	if deps.Enforcer == nil {
		return nil, errors.New("worker: governance enforcer is required")
	}
	if deps.Compiler == nil {
		return nil, errors.New("worker: context compiler is required")
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.NewNoopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NewNoopMetrics()
	}
	l := &Loop{
		snapshot:         snapshot,
		deps:             deps,
		maxIterations:    DefaultMaxIterations,
		iterationTimeout: DefaultIterationTimeout,
		validationLimit:  DefaultValidationLimit,
		noProgressLimit:  DefaultNoProgressLimit,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.maxIterations <= 0 {
		return nil, errors.New("worker: max iterations must be positive")
	}
	if l.validationLimit <= 0 {
		return nil, errors.New("worker: validation limit must be positive")
	}
	if l.noProgressLimit <= 0 {
		return nil, errors.New("worker: no-progress limit must be positive")
	}
	return l, nil
}

// Run executes one worker invocation to a terminal status. Degraded endings
// (incomplete, errored) are reported in the Result, not as errors: the
// returned error is reserved for infrastructure failures such as an
// unavailable event log, which the orchestrator escalates.
func (l *Loop) Run(ctx context.Context, task Task) (*Result, error) {
	agent, ok := l.snapshot.Agent(task.Agent)
	if !ok {
		return nil, fmt.Errorf("worker: unknown agent %q", task.Agent)
	}
	if task.InvocationID == "" {
		task.InvocationID = uuid.NewString()
	}
	sid := task.SessionID
	if sid == "" && l.deps.Recorder != nil {
		sid = l.deps.Recorder.SessionID()
	}

	st := &state{task: task, agent: agent, sessionID: sid, startedAt: time.Now()}
	if err := l.start(ctx, st); err != nil {
		return nil, err
	}

	maxIter := l.maxIterations
	if agent.MaxIterations > 0 {
		maxIter = agent.MaxIterations
	}
	timeout := l.iterationTimeout
	if agent.IterationTimeout > 0 {
		timeout = agent.IterationTimeout
	}

	var res *Result
	for iter := 1; iter <= maxIter && res == nil; iter++ {
		// A session cancellation lands between iterations: the current one
		// finishes, the next never starts.
		if ctx.Err() != nil {
			st.iterations = iter - 1
			res = l.terminal(st, session.WorkerIncomplete, "session ended before the worker finished", nil)
			break
		}
		st.iterations = iter
		var err error
		res, err = l.iterate(ctx, st, timeout)
		if err != nil {
			return nil, err
		}
	}
	if res == nil {
		res = l.terminal(st, session.WorkerIncomplete, fmt.Sprintf("iteration ceiling reached after %d iterations", st.iterations), nil)
	}

	if err := l.finish(ctx, st, res); err != nil {
		return nil, err
	}
	return res, nil
}

// iterate runs one reasoning iteration. A nil, nil return means the loop
// continues; a non-nil Result is terminal; a non-nil error aborts the
// invocation entirely.
func (l *Loop) iterate(ctx context.Context, st *state, timeout time.Duration) (*Result, error) {
	ictx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	comp, err := l.compile(ictx, st)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return l.terminal(st, session.WorkerIncomplete, "session ended during context compilation", nil), nil
		}
		fault := faults.WithCause(faults.KindUnrecoverableState, "context compilation failed", err)
		return l.terminal(st, session.WorkerErrored, fault.Message, fault), nil
	}

	if res, err := l.reserve(ictx, st, comp.TokensAfter); res != nil || err != nil {
		return res, err
	}

	resp, elapsed, err := l.complete(ictx, st, comp.Messages)
	if err != nil {
		return l.modelFailure(ctx, st, err)
	}
	st.usage.InputTokens += resp.Usage.InputTokens
	st.usage.OutputTokens += resp.Usage.OutputTokens
	st.usage.TotalTokens += resp.Usage.TotalTokens
	st.lastText = resp.Content
	if err := l.observeModelCall(ctx, st, resp, elapsed, nil); err != nil {
		return nil, err
	}

	dir, derr := parseDirective(resp)
	if derr != nil {
		res, err := l.reject(ctx, st, fmt.Sprintf("malformed directive: %v", derr), derr)
		if res != nil || err != nil {
			return res, err
		}
		return nil, l.recordIteration(ctx, st, "rejected", 0)
	}

	if dir.final != nil {
		if verr := l.validateOutput(st.agent, dir.final); verr != nil {
			res, err := l.reject(ctx, st, fmt.Sprintf("final output rejected: %v", verr), verr)
			if res != nil || err != nil {
				return res, err
			}
			return nil, l.recordIteration(ctx, st, "rejected", 0)
		}
		if err := l.recordIteration(ctx, st, actionFinalOutput, 0); err != nil {
			return nil, err
		}
		res := l.terminal(st, session.WorkerCompleted, summarize(resp.Content, dir.final), nil)
		res.Output = dir.final
		return res, nil
	}

	if err := l.runTools(ictx, st, dir.tools); err != nil {
		return nil, err
	}
	if err := l.recordIteration(ctx, st, actionUseTools, len(dir.tools)); err != nil {
		return nil, err
	}
	if st.stallRuns >= l.noProgressLimit {
		summary := fmt.Sprintf("stopped after %d iterations with identical tool results", st.stallRuns)
		return l.terminal(st, session.WorkerIncomplete, summary, nil), nil
	}
	return nil, nil
}

// compile builds and compiles this iteration's context draft: system prompt,
// task input, prior agent outputs and the accumulated observation history,
// under the agent's budget split when one is declared.
func (l *Loop) compile(ctx context.Context, st *state) (*compiler.Compilation, error) {
	input := st.task.Input
	if st.task.Instruction != "" {
		if input == "" {
			input = st.task.Instruction
		} else {
			input = input + "\n\nAssigned task: " + st.task.Instruction
		}
	}
	d := compiler.NewDraft(st.sessionID, st.task.Agent, l.systemPrompt(st.agent), input)
	for _, out := range st.task.Prior {
		if err := d.AppendOutput(out.Agent, out.Content); err != nil {
			return nil, err
		}
	}
	for _, h := range st.history {
		if err := d.Append(&compiler.Entry{Kind: h.kind, Producer: st.task.Agent, Tool: h.tool, Content: h.content}); err != nil {
			return nil, err
		}
	}
	if b := st.agent.Budget; b != nil {
		d.Split = &compiler.Split{InputPct: b.InputPct, OutputsPct: b.OutputsPct, ObservationsPct: b.ObservationsPct}
	}
	return l.deps.Compiler.Compile(ctx, d)
}

// reserve charges the model call and its token estimate against the session
// ledgers before dispatch. A denial ends the invocation as incomplete; the
// call that would exceed a ceiling is never issued.
func (l *Loop) reserve(ctx context.Context, st *state, promptTokens int) (*Result, error) {
	if err := l.deps.Enforcer.ReserveModelCall(ctx, st.task.Agent); err != nil {
		return l.denied(st, err)
	}
	amount := promptTokens
	if st.agent.Profile.MaxTokens > 0 {
		amount += st.agent.Profile.MaxTokens
	}
	if amount <= 0 {
		amount = 1
	}
	if err := l.deps.Enforcer.ReserveTokens(ctx, st.task.Agent, amount); err != nil {
		return l.denied(st, err)
	}
	return nil, nil
}

// denied maps a governance refusal to an incomplete terminal result. Any
// other enforcer failure is infrastructure and aborts the invocation.
func (l *Loop) denied(st *state, err error) (*Result, error) {
	if !errors.Is(err, governance.ErrDenied) {
		return nil, err
	}
	fault := faults.FromError(err)
	return l.terminal(st, session.WorkerIncomplete, fault.Message, fault), nil
}

// complete issues the model call with the profile's retry policy. Rate-limit
// and availability sentinels retry; everything else surfaces immediately.
func (l *Loop) complete(ctx context.Context, st *state, messages []*model.Message) (*model.Response, time.Duration, error) {
	profile := st.agent.Profile
	req := &model.Request{
		Provider:    profile.Provider,
		Model:       profile.Model,
		Messages:    messages,
		Temperature: profile.Temperature,
		Tools:       l.toolDefinitions(st.agent),
		MaxTokens:   profile.MaxTokens,
	}
	cfg := profile.Retry
	cfg.RetryOn = append(slices.Clone(cfg.RetryOn), model.ErrRateLimited, model.ErrUnavailable)
	var resp *model.Response
	start := time.Now()
	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		r, cerr := l.deps.Model.Complete(ctx, req)
		if cerr != nil {
			return cerr
		}
		resp = r
		return nil
	})
	return resp, time.Since(start), err
}

// modelFailure classifies a failed model call and ends the invocation. The
// failed call is still recorded: the audit trail keeps every dispatch,
// successful or not.
func (l *Loop) modelFailure(ctx context.Context, st *state, err error) (*Result, error) {
	var fault *faults.Fault
	var status session.WorkerStatus
	var summary string
	switch {
	case ctx.Err() != nil:
		status = session.WorkerIncomplete
		summary = "session ended during a model call"
	case errors.Is(err, context.DeadlineExceeded):
		fault = faults.WithCause(faults.KindTimeout, fmt.Sprintf("iteration %d timed out", st.iterations), err)
		status, summary = session.WorkerErrored, fault.Message
	default:
		fault = faults.WithCause(faults.KindProviderError, "model call failed", err)
		status, summary = session.WorkerErrored, fault.Message
	}
	recErr := l.observeModelCall(context.WithoutCancel(ctx), st, nil, 0, faults.FromError(err))
	if recErr != nil {
		return nil, recErr
	}
	return l.terminal(st, status, summary, fault), nil
}

// observeModelCall records the call in the event log, publishes usage on the
// bus and emits telemetry.
func (l *Loop) observeModelCall(ctx context.Context, st *state, resp *model.Response, elapsed time.Duration, fault *faults.Fault) error {
	profile := st.agent.Profile
	rec := modelCallRecord{
		Provider:   profile.Provider,
		Model:      profile.Model,
		DurationMS: elapsed.Milliseconds(),
		Error:      fault,
	}
	if resp != nil {
		rec.InputTokens = resp.Usage.InputTokens
		rec.OutputTokens = resp.Usage.OutputTokens
	}
	if l.deps.Recorder != nil {
		if _, err := l.deps.Recorder.Record(ctx, eventlog.TypeModelCall, st.task.Agent, rec); err != nil {
			return fmt.Errorf("record model call: %w", err)
		}
	}
	if fault == nil && l.deps.Bus != nil {
		evt := hooks.NewModelCallCompletedEvent(st.sessionID, st.task.Agent, profile.Provider, profile.Model, rec.InputTokens, rec.OutputTokens, elapsed)
		if err := l.deps.Bus.Publish(ctx, evt); err != nil {
			return fmt.Errorf("publish model call: %w", err)
		}
	}
	outcome := "ok"
	if fault != nil {
		outcome = string(fault.Kind)
	}
	l.deps.Metrics.IncCounter("model_calls", 1, "provider", profile.Provider, "outcome", outcome)
	l.deps.Metrics.RecordTimer("model_call_duration", elapsed, "provider", profile.Provider)
	return nil
}

// reject handles a rejected response: a malformed directive or an invalid
// final output. Under the limit the loop re-prompts with the rejection
// reason; at the limit the worker terminates errored.
func (l *Loop) reject(ctx context.Context, st *state, msg string, cause error) (*Result, error) {
	st.violations++
	l.deps.Logger.Info(ctx, "worker response rejected", "agent", string(st.task.Agent), "iteration", st.iterations, "violations", st.violations, "err", msg)
	l.deps.Metrics.IncCounter("worker_rejections", 1, "agent", string(st.task.Agent))
	if st.violations >= l.validationLimit {
		fault := faults.WithCause(faults.KindValidationFailure, fmt.Sprintf("%d rejected responses, limit %d", st.violations, l.validationLimit), cause)
		if err := l.recordIteration(ctx, st, "rejected", 0); err != nil {
			return nil, err
		}
		return l.terminal(st, session.WorkerErrored, fault.Message, fault), nil
	}
	st.history = append(st.history, historyEntry{
		kind:    compiler.EntryNote,
		content: fmt.Sprintf("Previous response rejected (%s). Reply with exactly one valid JSON directive.", msg),
	})
	return nil, nil
}

// validateOutput checks the final output against the agent's declared schema.
// A nil schema accepts any JSON document.
func (l *Loop) validateOutput(agent *registry.Agent, output json.RawMessage) error {
	var doc any
	if err := json.Unmarshal(output, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if agent.OutputSchema == nil {
		return nil
	}
	if err := agent.OutputSchema.Validate(doc); err != nil {
		return fmt.Errorf("schema violation: %w", err)
	}
	return nil
}

// toolOutcome pairs one requested tool with its gateway result.
type toolOutcome struct {
	req toolRequest
	res tools.Result
	err error
}

// runTools invokes one iteration's permitted tools concurrently and appends
// their results as observations in request order. Denials and tool faults
// become observations the model can react to; only audit failures abort.
func (l *Loop) runTools(ctx context.Context, st *state, reqs []toolRequest) error {
	outcomes := make([]toolOutcome, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req toolRequest) {
			defer wg.Done()
			res, err := l.deps.Tools.Invoke(ctx, tools.Call{Agent: st.task.Agent, Tool: req.Tool, Params: req.Params})
			outcomes[i] = toolOutcome{req: req, res: res, err: err}
		}(i, req)
	}
	wg.Wait()

	var round strings.Builder
	for _, out := range outcomes {
		content, err := l.toolObservation(out)
		if err != nil {
			return err
		}
		st.history = append(st.history, historyEntry{kind: compiler.EntryObservation, tool: out.req.Tool, content: content})
		writeActionFingerprint(&round, out)
	}

	fingerprint := round.String()
	if fingerprint != "" && fingerprint == st.lastRound {
		st.stallRuns++
	} else {
		st.stallRuns = 1
	}
	st.lastRound = fingerprint
	return nil
}

// toolObservation renders one tool outcome as observation text. Unexpected
// transport-level failures (an unauditable call) surface as errors.
func (l *Loop) toolObservation(out toolOutcome) (string, error) {
	switch {
	case out.err == nil:
		if len(out.res.Payload) == 0 {
			return "(empty result)", nil
		}
		return string(out.res.Payload), nil
	case errors.Is(out.err, governance.ErrDenied):
		var denial *governance.DenialError
		reason := "denied"
		if errors.As(out.err, &denial) {
			reason = denial.Decision.Reason
		}
		return fmt.Sprintf("tool %s denied: %s", out.req.Tool, reason), nil
	case errors.Is(out.err, context.Canceled):
		return fmt.Sprintf("tool %s canceled", out.req.Tool), nil
	default:
		var fault *faults.Fault
		if errors.As(out.err, &fault) {
			return fmt.Sprintf("tool %s failed: %s", out.req.Tool, fault.Message), nil
		}
		return "", out.err
	}
}

// writeActionFingerprint appends the canonical identity of one tool outcome:
// tool id, canonical parameters and canonical result. Two iterations with
// equal fingerprints performed the same actions and observed the same world.
func writeActionFingerprint(b *strings.Builder, out toolOutcome) {
	b.WriteString(string(out.req.Tool))
	b.WriteByte('\x1f')
	b.Write(canonicalOrRaw(out.req.Params))
	b.WriteByte('\x1f')
	if out.err != nil {
		b.WriteString(out.err.Error())
	} else {
		b.Write(canonicalOrRaw(out.res.Payload))
	}
	b.WriteByte('\x1e')
}

func canonicalOrRaw(raw json.RawMessage) []byte {
	c, err := tools.CanonicalJSON(raw)
	if err != nil {
		return raw
	}
	return c
}

// toolDefinitions builds the native function-calling declarations for the
// agent's granted tools. Denied tools are withheld so the model is never
// offered a call governance would refuse.
func (l *Loop) toolDefinitions(agent *registry.Agent) []*model.ToolDefinition {
	defs := make([]*model.ToolDefinition, 0, len(agent.AllowTools))
	for _, id := range agent.AllowTools {
		if slices.Contains(agent.DenyTools, id) {
			continue
		}
		t, ok := l.snapshot.Tool(id)
		if !ok {
			continue
		}
		defs = append(defs, &model.ToolDefinition{
			Name:        string(t.ID),
			Description: t.Description,
			InputSchema: t.RawInputSchema,
		})
	}
	if len(defs) == 0 {
		return nil
	}
	return defs
}

// systemPrompt renders the agent's standing instructions: identity, the
// directive contract and the granted tool catalog, in declaration order.
func (l *Loop) systemPrompt(agent *registry.Agent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s: %s\n\n", agent.ID, agent.Description)
	b.WriteString("Work in iterations. Each reply must be exactly one JSON directive:\n")
	b.WriteString(`  {"action":"use_tools","tools":[{"tool":"<tool_id>","params":{...}}]}` + "\n")
	b.WriteString(`  {"action":"final_output","output":<your result as JSON>}` + "\n\n")
	defs := l.toolDefinitions(agent)
	if len(defs) == 0 {
		b.WriteString("You have no tool access. Work from the provided context only and finish with final_output.")
		return b.String()
	}
	b.WriteString("Available tools:\n")
	for _, def := range defs {
		fmt.Fprintf(&b, "- %s: %s\n", def.Name, def.Description)
	}
	b.WriteString("\nUse tools to gather what you need, then finish with final_output.")
	return b.String()
}

// terminal assembles the invocation's terminal result.
func (l *Loop) terminal(st *state, status session.WorkerStatus, summary string, fault *faults.Fault) *Result {
	if summary == "" && st.lastText != "" {
		summary = truncate(st.lastText, 240)
	}
	return &Result{
		InvocationID: st.task.InvocationID,
		Agent:        st.task.Agent,
		Status:       status,
		Summary:      summary,
		Iterations:   st.iterations,
		Degraded:     status != session.WorkerCompleted,
		Fault:        fault,
		Usage:        st.usage,
	}
}

// summarize prefers the model's own prose over raw JSON for human-facing
// summaries. Fenced directive blocks are not prose.
func summarize(content string, output json.RawMessage) string {
	s := strings.TrimSpace(content)
	if i := strings.Index(s, "```"); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	if s != "" && !strings.HasPrefix(s, "{") {
		return truncate(s, 240)
	}
	return truncate(string(output), 240)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// start persists the running invocation metadata and announces the dispatch.
func (l *Loop) start(ctx context.Context, st *state) error {
	if l.deps.Sessions != nil {
		meta := session.WorkerMeta{
			InvocationID: st.task.InvocationID,
			AgentID:      st.task.Agent,
			SessionID:    st.sessionID,
			Status:       session.WorkerRunning,
			StartedAt:    st.startedAt,
			UpdatedAt:    st.startedAt,
		}
		if err := l.deps.Sessions.UpsertWorker(ctx, meta); err != nil {
			return fmt.Errorf("persist worker start: %w", err)
		}
	}
	if l.deps.Recorder != nil {
		rec := startRecord{InvocationID: st.task.InvocationID, Agent: st.task.Agent, Task: st.task.Instruction}
		if _, err := l.deps.Recorder.Record(ctx, eventlog.TypeWorkerStarted, st.task.Agent, rec); err != nil {
			return fmt.Errorf("record worker start: %w", err)
		}
	}
	if l.deps.Bus != nil {
		if err := l.deps.Bus.Publish(ctx, hooks.NewWorkerStartedEvent(st.sessionID, st.task.Agent, st.task.Instruction)); err != nil {
			return fmt.Errorf("publish worker start: %w", err)
		}
	}
	l.deps.Logger.Debug(ctx, "worker dispatched", "agent", string(st.task.Agent), "invocation", st.task.InvocationID)
	return nil
}

// finish persists the terminal metadata and announces the result. Audit
// failures here surface to the caller: an unrecorded ending is an
// infrastructure failure even when the worker itself succeeded.
func (l *Loop) finish(ctx context.Context, st *state, res *Result) error {
	// The terminal record must survive session-deadline cancellation.
	ctx = context.WithoutCancel(ctx)
	now := time.Now()
	if l.deps.Sessions != nil {
		meta := session.WorkerMeta{
			InvocationID: st.task.InvocationID,
			AgentID:      st.task.Agent,
			SessionID:    st.sessionID,
			Status:       res.Status,
			StartedAt:    st.startedAt,
			UpdatedAt:    now,
			Iterations:   res.Iterations,
			Degraded:     res.Degraded,
			Summary:      res.Summary,
		}
		if err := l.deps.Sessions.UpsertWorker(ctx, meta); err != nil {
			return fmt.Errorf("persist worker finish: %w", err)
		}
	}
	if l.deps.Recorder != nil {
		rec := finishRecord{
			InvocationID: st.task.InvocationID,
			Status:       res.Status,
			Iterations:   res.Iterations,
			Degraded:     res.Degraded,
			Summary:      res.Summary,
			Error:        res.Fault,
		}
		if _, err := l.deps.Recorder.Record(ctx, eventlog.TypeWorkerFinished, st.task.Agent, rec); err != nil {
			return fmt.Errorf("record worker finish: %w", err)
		}
	}
	if l.deps.Bus != nil {
		var terminalErr error
		if res.Fault != nil {
			terminalErr = res.Fault
		}
		evt := hooks.NewWorkerFinishedEvent(st.sessionID, st.task.Agent, string(res.Status), res.Iterations, res.Degraded, terminalErr)
		if err := l.deps.Bus.Publish(ctx, evt); err != nil {
			return fmt.Errorf("publish worker finish: %w", err)
		}
	}
	l.deps.Metrics.IncCounter("worker_runs", 1, "agent", string(st.task.Agent), "status", string(res.Status))
	l.deps.Metrics.RecordTimer("worker_duration", now.Sub(st.startedAt), "agent", string(st.task.Agent))
	l.deps.Logger.Info(ctx, "worker finished", "agent", string(st.task.Agent), "invocation", st.task.InvocationID, "status", string(res.Status), "iterations", res.Iterations)
	return nil
}

// recordIteration appends the iteration audit record.
func (l *Loop) recordIteration(ctx context.Context, st *state, decision string, toolCalls int) error {
	if l.deps.Recorder == nil {
		return nil
	}
	rec := iterationRecord{
		InvocationID: st.task.InvocationID,
		Iteration:    st.iterations,
		Decision:     decision,
		ToolCalls:    toolCalls,
		Violations:   st.violations,
	}
	if _, err := l.deps.Recorder.Record(ctx, eventlog.TypeWorkerIteration, st.task.Agent, rec); err != nil {
		return fmt.Errorf("record worker iteration: %w", err)
	}
	return nil
}

// Audit payloads for the event log.
type (
	startRecord struct {
		InvocationID string           `json:"invocation_id"`
		Agent        ensemble.AgentID `json:"agent"`
		Task         string           `json:"task,omitempty"`
	}

	iterationRecord struct {
		InvocationID string `json:"invocation_id"`
		Iteration    int    `json:"iteration"`
		Decision     string `json:"decision"`
		ToolCalls    int    `json:"tool_calls,omitempty"`
		Violations   int    `json:"violations,omitempty"`
	}

	modelCallRecord struct {
		Provider     string        `json:"provider"`
		Model        string        `json:"model"`
		InputTokens  int           `json:"input_tokens"`
		OutputTokens int           `json:"output_tokens"`
		DurationMS   int64         `json:"duration_ms"`
		Error        *faults.Fault `json:"error,omitempty"`
	}

	finishRecord struct {
		InvocationID string               `json:"invocation_id"`
		Status       session.WorkerStatus `json:"status"`
		Iterations   int                  `json:"iterations"`
		Degraded     bool                 `json:"degraded,omitempty"`
		Summary      string               `json:"summary,omitempty"`
		Error        *faults.Fault        `json:"error,omitempty"`
	}
)
