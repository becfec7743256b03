// Package orchestrator implements the outer control loop: a meta-agent that
// reasons over the agent catalog and prior worker outputs, dispatches workers
// concurrently and decides when the workflow is done. The loop is bounded two
// ways: a round ceiling and a session deadline. Every ending, whether the
// model declared completion, a bound forced it or the session failed, produces
// the terminal evidence map exactly once.
package orchestrator

import (
	"context"
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
	"goa.design/ensemble/runtime/worker"
)

// Loop bounds applied when neither an option nor the workflow document sets
// them.
const (
	// DefaultMaxRounds caps orchestrator rounds per session.
	DefaultMaxRounds = 10
	// DefaultMaxDuration bounds the whole session. The deadline propagates
	// to workers through the context.
	DefaultMaxDuration = 10 * time.Minute
	// DefaultCallTimeout bounds one orchestrator reasoning call, compilation
	// included. Worker dispatch is not covered; workers bound themselves.
	DefaultCallTimeout = 2 * time.Minute
	// DefaultRejectLimit is the number of rejected directives after which
	// the session fails.
	DefaultRejectLimit = 3
)

type (
	// Deps carries the session-scoped collaborators. Model, Workers,
	// Enforcer and Compiler are required; the rest default to noop or are
	// skipped when nil.
	Deps struct {
		// Model issues the orchestrator's reasoning calls.
		Model model.Client
		// Workers runs dispatched agent invocations.
		Workers *worker.Loop
		// Enforcer gates agent invocations and the orchestrator's own
		// model calls.
		Enforcer *governance.Enforcer
		// Compiler assembles the per-round context payload.
		Compiler *compiler.Compiler
		// Sessions persists the session lifecycle when set.
		Sessions session.Store
		// Recorder appends session and round events to the session log.
		Recorder *eventlog.Recorder
		// Bus publishes session lifecycle hook events.
		Bus hooks.Bus
		// Logger receives structured loop diagnostics.
		Logger telemetry.Logger
		// Metrics receives loop counters and timers.
		Metrics telemetry.Metrics
	}

	// Task is one session request.
	Task struct {
		// SessionID is the durable session identifier. Defaults to the
		// recorder's session, then to a fresh UUID.
		SessionID string
		// Input is the work the session exists to perform.
		Input string
	}

	// Result is the terminal state of one session.
	Result struct {
		// SessionID identifies the session.
		SessionID string
		// Outcome is the terminal outcome: completed, completed with
		// warnings or failed.
		Outcome session.Outcome
		// Rounds is the number of orchestrator rounds consumed.
		Rounds int
		// Evidence is the terminal evidence map. Always set.
		Evidence *Evidence
		// Fault classifies the terminal failure. Nil unless the session
		// failed.
		Fault *faults.Fault
		// Counters is the final governance ledger snapshot.
		Counters governance.CounterSnapshot
		// Usage aggregates the orchestrator's own reasoning token usage.
		// Worker usage is reported per invocation in the evidence outputs.
		Usage model.TokenUsage
	}

	// Option configures a Loop.
	Option func(*Loop)

	// Loop runs sessions over one registry snapshot. It is safe for
	// concurrent use when each session has its own recorder and stores.
	Loop struct {
		snapshot *registry.Snapshot
		deps     Deps
		profile  *registry.ModelProfile

		profileID   string
		maxRounds   int
		maxDuration time.Duration
		callTimeout time.Duration
		rejectLimit int
	}

	// state is the mutable per-session loop state, mutated in place by the
	// round methods.
	state struct {
		task      Task
		sessionID string
		startedAt time.Time

		rounds     int
		rejections int
		history    []historyEntry
		outputs    []worker.Output
		results    []*worker.Result
		completed  map[ensemble.AgentID]bool
		evidence   map[string]bool
		usage      model.TokenUsage
		degraded   bool
		forced     bool
		forcedWhy  string
		decision   *completion
	}

	// historyEntry is one accumulated context entry replayed into each
	// round's draft: a governance denial, a degraded worker ending, a
	// rejected completion or a reprompt note.
	historyEntry struct {
		kind    compiler.EntryKind
		content string
	}
)

// WithProfile selects the model profile for the orchestrator's reasoning
// calls, overriding the workflow document's model_profile.
func WithProfile(id string) Option {
	return func(l *Loop) { l.profileID = id }
}

// WithMaxRounds overrides the round ceiling. The workflow document's
// max_rounds still wins when declared.
func WithMaxRounds(n int) Option {
	return func(l *Loop) { l.maxRounds = n }
}

// WithMaxDuration overrides the session deadline. The workflow document's
// max_duration still wins when declared. Zero disables the deadline.
func WithMaxDuration(d time.Duration) Option {
	return func(l *Loop) { l.maxDuration = d }
}

// WithCallTimeout overrides the per-call reasoning timeout. Zero disables it.
func WithCallTimeout(d time.Duration) Option {
	return func(l *Loop) { l.callTimeout = d }
}

// WithRejectLimit overrides the rejected-directive limit.
func WithRejectLimit(n int) Option {
	return func(l *Loop) { l.rejectLimit = n }
}

// New constructs an orchestrator Loop over the registry snapshot and session
// collaborators.
func New(snapshot *registry.Snapshot, deps Deps, opts ...Option) (*Loop, error) {
	if snapshot == nil {
		return nil, errors.New("orchestrator: registry snapshot is required")
	}
	if deps.Model == nil {
		return nil, errors.New("orchestrator: model client is required")
	}
	if deps.Workers == nil {
		return nil, errors.New("orchestrator: worker loop is required")
	}
	if deps.Enforcer == nil {
		return nil, errors.New("orchestrator: governance enforcer is required")
	}
	if deps.Compiler == nil {
		return nil, errors.New("orchestrator: context compiler is required")
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.NewNoopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NewNoopMetrics()
	}
	l := &Loop{
		snapshot:    snapshot,
		deps:        deps,
		maxRounds:   DefaultMaxRounds,
		maxDuration: DefaultMaxDuration,
		callTimeout: DefaultCallTimeout,
		rejectLimit: DefaultRejectLimit,
	}
	for _, opt := range opts {
		opt(l)
	}
	wf := snapshot.Workflow()
	if wf.MaxRounds > 0 {
		l.maxRounds = wf.MaxRounds
	}
	if wf.MaxDuration > 0 {
		l.maxDuration = wf.MaxDuration
	}
	switch {
	case l.profileID != "":
		p, ok := snapshot.Profile(l.profileID)
		if !ok {
			return nil, fmt.Errorf("orchestrator: unknown model profile %q", l.profileID)
		}
		l.profile = p
	case wf.Profile != nil:
		l.profile = wf.Profile
	default:
		return nil, errors.New("orchestrator: model profile is required: declare workflow model_profile or use WithProfile")
	}
	if l.maxRounds <= 0 {
		return nil, errors.New("orchestrator: max rounds must be positive")
	}
	if l.rejectLimit <= 0 {
		return nil, errors.New("orchestrator: reject limit must be positive")
	}
	return l, nil
}

// Run executes one session to a terminal outcome. Forced and degraded endings
// are reported in the Result, not as errors: the returned error is reserved
// for infrastructure failures such as an unavailable event log or session
// store.
func (l *Loop) Run(ctx context.Context, task Task) (*Result, error) {
	if task.SessionID == "" {
		if l.deps.Recorder != nil {
			task.SessionID = l.deps.Recorder.SessionID()
		}
		if task.SessionID == "" {
			task.SessionID = uuid.NewString()
		}
	}
	st := &state{
		task:      task,
		sessionID: task.SessionID,
		startedAt: time.Now(),
		completed: make(map[ensemble.AgentID]bool),
		evidence:  make(map[string]bool),
	}
	if l.maxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, st.startedAt.Add(l.maxDuration))
		defer cancel()
	}
	if err := l.start(ctx, st); err != nil {
		return nil, err
	}

	var res *Result
	for st.rounds < l.maxRounds && res == nil {
		// Cancellation lands between rounds: in-flight workers have
		// already wound down through the context, the next round never
		// starts.
		if ctx.Err() != nil {
			res = l.force(st, cancelReason(ctx))
			break
		}
		st.rounds++
		var err error
		res, err = l.round(ctx, st)
		if err != nil {
			return nil, err
		}
	}
	if res == nil {
		res = l.force(st, fmt.Sprintf("round ceiling reached after %d rounds", st.rounds))
	}

	if err := l.finish(ctx, st, res); err != nil {
		return nil, err
	}
	return res, nil
}

// round runs one orchestrator round. A nil, nil return means the loop
// continues; a non-nil Result is terminal; a non-nil error aborts the
// session entirely.
func (l *Loop) round(ctx context.Context, st *state) (*Result, error) {
	if l.deps.Bus != nil {
		if err := l.deps.Bus.Publish(ctx, hooks.NewRoundStartedEvent(st.sessionID, st.rounds)); err != nil {
			return nil, fmt.Errorf("publish round start: %w", err)
		}
	}
	dir, res, err := l.reason(ctx, st)
	if res != nil || err != nil {
		return res, err
	}
	if dir == nil {
		// Rejected directive under the limit; the reprompt note is already
		// in the history.
		return nil, l.endRound(ctx, st, "rejected", 0, 0)
	}
	if dir.complete != nil {
		return l.evaluate(ctx, st, dir.complete)
	}

	permitted, denied, err := l.admit(ctx, st, dir.invoke)
	if err != nil {
		return nil, err
	}
	if len(permitted) == 0 {
		if err := l.endRound(ctx, st, "dispatch", 0, denied); err != nil {
			return nil, err
		}
		if l.anyInvokable() {
			return nil, nil
		}
		fault := faults.New(faults.KindUnrecoverableState, "no invokable agent remains")
		return l.terminal(st, session.OutcomeFailed, fault), nil
	}
	results, err := l.dispatch(ctx, st, permitted)
	if err != nil {
		return nil, err
	}
	l.fold(st, results)
	return nil, l.endRound(ctx, st, "dispatch", len(permitted), denied)
}

// reason compiles the round context, charges the ledgers and issues the
// reasoning call. A nil directive with nil Result and error means the
// response was rejected under the limit and the loop continues.
func (l *Loop) reason(ctx context.Context, st *state) (*directive, *Result, error) {
	ictx := ctx
	if l.callTimeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, l.callTimeout)
		defer cancel()
	}

	comp, err := l.compile(ictx, st)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, l.force(st, cancelReason(ctx)), nil
		}
		fault := faults.WithCause(faults.KindUnrecoverableState, "context compilation failed", err)
		return nil, l.terminal(st, session.OutcomeFailed, fault), nil
	}

	if res, err := l.reserve(ictx, st, comp.TokensAfter); res != nil || err != nil {
		return nil, res, err
	}

	resp, elapsed, err := l.complete(ictx, comp.Messages)
	if err != nil {
		res, ferr := l.modelFailure(ctx, st, err)
		return nil, res, ferr
	}
	st.usage.InputTokens += resp.Usage.InputTokens
	st.usage.OutputTokens += resp.Usage.OutputTokens
	st.usage.TotalTokens += resp.Usage.TotalTokens
	if err := l.observeModelCall(ctx, st, resp, elapsed, nil); err != nil {
		return nil, nil, err
	}

	dir, derr := parseDirective(resp)
	if derr != nil {
		res, err := l.reject(ctx, st, derr)
		return nil, res, err
	}
	return &dir, nil, nil
}

// compile builds this round's context draft: the workflow system prompt, the
// session input, every completed worker output and the accumulated
// observations.
func (l *Loop) compile(ctx context.Context, st *state) (*compiler.Compilation, error) {
	d := compiler.NewDraft(st.sessionID, ensemble.OrchestratorAgent, l.systemPrompt(), st.task.Input)
	for _, out := range st.outputs {
		if err := d.AppendOutput(out.Agent, out.Content); err != nil {
			return nil, err
		}
	}
	for _, h := range st.history {
		if err := d.Append(&compiler.Entry{Kind: h.kind, Producer: ensemble.OrchestratorAgent, Content: h.content}); err != nil {
			return nil, err
		}
	}
	return l.deps.Compiler.Compile(ctx, d)
}

// reserve charges the reasoning call and its token estimate against the
// session ledgers before dispatch. A denial forces completion: the ceiling
// blocks further reasoning, not the outputs already gathered.
func (l *Loop) reserve(ctx context.Context, st *state, promptTokens int) (*Result, error) {
	if err := l.deps.Enforcer.ReserveModelCall(ctx, ensemble.OrchestratorAgent); err != nil {
		return l.ceiling(st, err)
	}
	amount := promptTokens
	if l.profile.MaxTokens > 0 {
		amount += l.profile.MaxTokens
	}
	if amount <= 0 {
		amount = 1
	}
	if err := l.deps.Enforcer.ReserveTokens(ctx, ensemble.OrchestratorAgent, amount); err != nil {
		return l.ceiling(st, err)
	}
	return nil, nil
}

// ceiling maps a governance refusal of the orchestrator's own reasoning to a
// forced completion. Any other enforcer failure is infrastructure and aborts
// the session.
func (l *Loop) ceiling(st *state, err error) (*Result, error) {
	if !errors.Is(err, governance.ErrDenied) {
		return nil, err
	}
	return l.force(st, faults.FromError(err).Message), nil
}

// complete issues the reasoning call with the profile's retry policy.
// Rate-limit and availability sentinels retry; everything else surfaces
// immediately.
func (l *Loop) complete(ctx context.Context, messages []*model.Message) (*model.Response, time.Duration, error) {
	req := &model.Request{
		Provider:    l.profile.Provider,
		Model:       l.profile.Model,
		Messages:    messages,
		Temperature: l.profile.Temperature,
		MaxTokens:   l.profile.MaxTokens,
	}
	cfg := l.profile.Retry
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

// modelFailure classifies a failed reasoning call and ends the session. The
// failed call is still recorded: the audit trail keeps every dispatch,
// successful or not.
func (l *Loop) modelFailure(ctx context.Context, st *state, err error) (*Result, error) {
	var fault *faults.Fault
	var forcedWhy string
	switch {
	case ctx.Err() != nil:
		forcedWhy = cancelReason(ctx)
	case errors.Is(err, context.DeadlineExceeded):
		fault = faults.WithCause(faults.KindTimeout, fmt.Sprintf("round %d reasoning call timed out", st.rounds), err)
	default:
		fault = faults.WithCause(faults.KindProviderError, "model call failed", err)
	}
	recErr := l.observeModelCall(context.WithoutCancel(ctx), st, nil, 0, faults.FromError(err))
	if recErr != nil {
		return nil, recErr
	}
	if forcedWhy != "" {
		return l.force(st, forcedWhy), nil
	}
	return l.terminal(st, session.OutcomeFailed, fault), nil
}

// observeModelCall records the call in the event log, publishes usage on the
// bus and emits telemetry.
func (l *Loop) observeModelCall(ctx context.Context, st *state, resp *model.Response, elapsed time.Duration, fault *faults.Fault) error {
	rec := modelCallRecord{
		Provider:   l.profile.Provider,
		Model:      l.profile.Model,
		DurationMS: elapsed.Milliseconds(),
		Error:      fault,
	}
	if resp != nil {
		rec.InputTokens = resp.Usage.InputTokens
		rec.OutputTokens = resp.Usage.OutputTokens
	}
	if l.deps.Recorder != nil {
		if _, err := l.deps.Recorder.Record(ctx, eventlog.TypeModelCall, ensemble.OrchestratorAgent, rec); err != nil {
			return fmt.Errorf("record model call: %w", err)
		}
	}
	if fault == nil && l.deps.Bus != nil {
		evt := hooks.NewModelCallCompletedEvent(st.sessionID, ensemble.OrchestratorAgent, l.profile.Provider, l.profile.Model, rec.InputTokens, rec.OutputTokens, elapsed)
		if err := l.deps.Bus.Publish(ctx, evt); err != nil {
			return fmt.Errorf("publish model call: %w", err)
		}
	}
	outcome := "ok"
	if fault != nil {
		outcome = string(fault.Kind)
	}
	l.deps.Metrics.IncCounter("model_calls", 1, "provider", l.profile.Provider, "outcome", outcome)
	l.deps.Metrics.RecordTimer("model_call_duration", elapsed, "provider", l.profile.Provider)
	return nil
}

// reject handles a malformed directive. Under the limit the next round
// re-prompts with the rejection reason; at the limit the session fails: an
// orchestrator that cannot steer has no way forward.
func (l *Loop) reject(ctx context.Context, st *state, cause error) (*Result, error) {
	st.rejections++
	l.deps.Logger.Info(ctx, "directive rejected", "session", st.sessionID, "round", st.rounds, "rejections", st.rejections, "err", cause.Error())
	l.deps.Metrics.IncCounter("orchestrator_rejections", 1, "workflow", l.snapshot.Workflow().Name)
	if st.rejections >= l.rejectLimit {
		fault := faults.WithCause(faults.KindUnrecoverableState, fmt.Sprintf("no valid directive after %d attempts", st.rejections), cause)
		if err := l.endRound(ctx, st, "rejected", 0, 0); err != nil {
			return nil, err
		}
		return l.terminal(st, session.OutcomeFailed, fault), nil
	}
	st.history = append(st.history, historyEntry{
		kind:    compiler.EntryNote,
		content: fmt.Sprintf("Previous response rejected (malformed directive: %v). Reply with exactly one valid JSON directive.", cause),
	})
	return nil, nil
}

// evaluate validates an explicit completion signal against the workflow's
// completion criteria. A failed validation is not terminal: the loop
// continues with the unmet criteria in context.
func (l *Loop) evaluate(ctx context.Context, st *state, comp *completion) (*Result, error) {
	missing := l.snapshot.Workflow().Completion.Missing(st.completed, st.evidence)
	if len(missing) > 0 {
		st.history = append(st.history, historyEntry{
			kind:    compiler.EntryNote,
			content: fmt.Sprintf("Completion rejected: %s. Continue the workflow.", strings.Join(missing, "; ")),
		})
		l.deps.Logger.Info(ctx, "completion rejected", "session", st.sessionID, "round", st.rounds, "missing", strings.Join(missing, "; "))
		return nil, l.endRound(ctx, st, "complete_rejected", 0, 0)
	}
	st.decision = comp
	if err := l.endRound(ctx, st, "complete", 0, 0); err != nil {
		return nil, err
	}
	outcome := session.OutcomeCompleted
	if st.degraded {
		outcome = session.OutcomeCompletedWithWarnings
	}
	return l.terminal(st, outcome, nil), nil
}

// admit runs the agent axis of governance over the requested invocations.
// Unknown and denied agents are dropped with a logged observation and are
// not retried this round; only enforcer infrastructure failures surface as
// errors.
func (l *Loop) admit(ctx context.Context, st *state, invs []invocation) ([]invocation, int, error) {
	permitted := make([]invocation, 0, len(invs))
	denied := 0
	for _, inv := range invs {
		if _, ok := l.snapshot.Agent(inv.Agent); !ok {
			denied++
			st.history = append(st.history, historyEntry{
				kind:    compiler.EntryObservation,
				content: fmt.Sprintf("Requested agent %s is not in the catalog.", inv.Agent),
			})
			l.deps.Logger.Info(ctx, "unknown agent requested", "session", st.sessionID, "agent", string(inv.Agent))
			continue
		}
		if err := l.deps.Enforcer.AllowAgent(ctx, inv.Agent); err != nil {
			if !errors.Is(err, governance.ErrDenied) {
				return nil, 0, err
			}
			denied++
			st.history = append(st.history, historyEntry{
				kind:    compiler.EntryObservation,
				content: fmt.Sprintf("Agent %s was not invoked: %s.", inv.Agent, faults.FromError(err).Message),
			})
			l.deps.Metrics.IncCounter("agent_denials", 1, "agent", string(inv.Agent))
			continue
		}
		permitted = append(permitted, inv)
	}
	return permitted, denied, nil
}

// anyInvokable probes whether any catalog agent could still be admitted. The
// probe is pure: nothing is reserved and no decision is recorded.
func (l *Loop) anyInvokable() bool {
	policy := l.snapshot.Policy()
	counters := l.deps.Enforcer.Counters()
	for _, a := range l.snapshot.Agents() {
		if governance.CanInvokeAgent(policy, counters, a.ID) {
			return true
		}
	}
	return false
}

// workerOutcome pairs one permitted invocation with its worker result.
type workerOutcome struct {
	res *worker.Result
	err error
}

// dispatch fans the permitted invocations out through the worker loop and
// collects their results in request order. Each worker sees the outputs
// gathered before this round; products of concurrent siblings join the
// context next round.
func (l *Loop) dispatch(ctx context.Context, st *state, invs []invocation) ([]*worker.Result, error) {
	outcomes := make([]workerOutcome, len(invs))
	prior := slices.Clone(st.outputs)
	var wg sync.WaitGroup
	for i, inv := range invs {
		wg.Add(1)
		go func(i int, inv invocation) {
			defer wg.Done()
			res, err := l.deps.Workers.Run(ctx, worker.Task{
				SessionID:   st.sessionID,
				Agent:       inv.Agent,
				Instruction: inv.Task,
				Input:       st.task.Input,
				Prior:       prior,
			})
			outcomes[i] = workerOutcome{res: res, err: err}
		}(i, inv)
	}
	wg.Wait()

	results := make([]*worker.Result, len(invs))
	for i, out := range outcomes {
		if out.err != nil {
			return nil, fmt.Errorf("dispatch %s: %w", invs[i].Agent, out.err)
		}
		results[i] = out.res
	}
	return results, nil
}

// fold absorbs one round's worker results: completed outputs join the prior
// output set and the evidence map, degraded endings become observations the
// next round reasons over.
func (l *Loop) fold(st *state, results []*worker.Result) {
	for _, res := range results {
		st.results = append(st.results, res)
		if res.Status == session.WorkerCompleted {
			st.completed[res.Agent] = true
			st.outputs = append(st.outputs, worker.Output{Agent: res.Agent, Content: string(res.Output)})
			markEvidence(st, res)
			continue
		}
		st.degraded = true
		st.history = append(st.history, historyEntry{
			kind:    compiler.EntryObservation,
			content: fmt.Sprintf("Agent %s ended %s: %s", res.Agent, res.Status, res.Summary),
		})
	}
}

// systemPrompt renders the orchestrator's standing instructions: the
// workflow, the directive contract, the agent catalog and the completion
// criteria, in declaration order.
func (l *Loop) systemPrompt() string {
	wf := l.snapshot.Workflow()
	var b strings.Builder
	if wf.Description != "" {
		fmt.Fprintf(&b, "You are the orchestrator of workflow %s: %s\n\n", wf.Name, wf.Description)
	} else {
		fmt.Fprintf(&b, "You are the orchestrator of workflow %s.\n\n", wf.Name)
	}
	b.WriteString("Work in rounds. Each reply must be exactly one JSON directive:\n")
	b.WriteString(`  {"action":"invoke","agents":[{"agent":"<agent_id>","task":"<assignment>"}]}` + "\n")
	b.WriteString(`  {"action":"complete","decision":"<the workflow result>","assumptions":["..."]}` + "\n\n")
	b.WriteString("Available agents:\n")
	for _, a := range l.snapshot.Agents() {
		fmt.Fprintf(&b, "- %s: %s", a.ID, a.Description)
		if len(a.Capabilities) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(a.Capabilities, ", "))
		}
		b.WriteByte('\n')
	}
	if len(wf.Sequence) > 0 {
		fmt.Fprintf(&b, "\nSuggested order: %s.\n", joinAgents(wf.Sequence))
	}
	if len(wf.Completion.RequiredAgents) > 0 {
		fmt.Fprintf(&b, "Complete only after these agents have finished: %s.\n", joinAgents(wf.Completion.RequiredAgents))
	}
	if len(wf.Completion.RequiredOutputs) > 0 {
		fmt.Fprintf(&b, "Complete only after these outputs exist: %s.\n", strings.Join(wf.Completion.RequiredOutputs, ", "))
	}
	b.WriteString("\nInvoke agents until the workflow's needs are met, then finish with complete.")
	return b.String()
}

func joinAgents(ids []ensemble.AgentID) string {
	ss := make([]string, len(ids))
	for i, id := range ids {
		ss[i] = string(id)
	}
	return strings.Join(ss, ", ")
}

// force ends the session at a hard bound: the round ceiling, the session
// deadline or a resource ceiling blocking further reasoning. The session
// still completes, with warnings, on whatever evidence exists.
func (l *Loop) force(st *state, why string) *Result {
	st.forced = true
	st.forcedWhy = why
	return l.terminal(st, session.OutcomeCompletedWithWarnings, nil)
}

// terminal assembles the session's terminal result. The evidence map is
// built here, exactly once per session.
func (l *Loop) terminal(st *state, outcome session.Outcome, fault *faults.Fault) *Result {
	var terminal string
	if fault != nil {
		terminal = fault.Message
	}
	return &Result{
		SessionID: st.sessionID,
		Outcome:   outcome,
		Rounds:    st.rounds,
		Evidence:  l.buildEvidence(st, outcome, terminal),
		Fault:     fault,
		Counters:  l.deps.Enforcer.Counters(),
		Usage:     st.usage,
	}
}

// cancelReason distinguishes the session deadline from an external cancel
// for forced-completion limitations.
func cancelReason(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "session deadline reached"
	}
	return "session canceled"
}

// start creates the running session record and announces the start.
func (l *Loop) start(ctx context.Context, st *state) error {
	wf := l.snapshot.Workflow()
	if l.deps.Sessions != nil {
		if _, err := l.deps.Sessions.Create(ctx, st.sessionID, wf.Name, st.startedAt); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
	}
	if l.deps.Recorder != nil {
		rec := sessionStartRecord{Workflow: wf.Name, Input: st.task.Input}
		if _, err := l.deps.Recorder.Record(ctx, eventlog.TypeSessionStarted, ensemble.OrchestratorAgent, rec); err != nil {
			return fmt.Errorf("record session start: %w", err)
		}
	}
	if l.deps.Bus != nil {
		if err := l.deps.Bus.Publish(ctx, hooks.NewSessionStartedEvent(st.sessionID, wf.Name, st.task.Input)); err != nil {
			return fmt.Errorf("publish session start: %w", err)
		}
	}
	l.deps.Logger.Info(ctx, "session started", "session", st.sessionID, "workflow", wf.Name)
	return nil
}

// finish persists the terminal session state and announces the outcome.
// Audit failures here surface to the caller: an unrecorded ending is an
// infrastructure failure even when the session itself completed.
func (l *Loop) finish(ctx context.Context, st *state, res *Result) error {
	// The terminal record must survive session-deadline cancellation.
	ctx = context.WithoutCancel(ctx)
	now := time.Now()
	wf := l.snapshot.Workflow()
	var msg string
	if res.Fault != nil {
		msg = res.Fault.Message
	}
	if l.deps.Sessions != nil {
		completion := session.Completion{Outcome: res.Outcome, EndedAt: now, Error: msg, Counters: res.Counters}
		if _, err := l.deps.Sessions.Complete(ctx, st.sessionID, completion); err != nil {
			return fmt.Errorf("complete session: %w", err)
		}
	}
	if l.deps.Recorder != nil {
		rec := sessionFinishRecord{
			Outcome:  res.Outcome,
			Rounds:   res.Rounds,
			Forced:   st.forced,
			Evidence: res.Evidence,
			Error:    res.Fault,
		}
		if _, err := l.deps.Recorder.Record(ctx, eventlog.TypeSessionCompleted, ensemble.OrchestratorAgent, rec); err != nil {
			return fmt.Errorf("record session finish: %w", err)
		}
	}
	if l.deps.Bus != nil {
		var terminalErr error
		if res.Fault != nil {
			terminalErr = res.Fault
		}
		evt := hooks.NewSessionCompletedEvent(st.sessionID, string(res.Outcome), res.Rounds, terminalErr)
		if err := l.deps.Bus.Publish(ctx, evt); err != nil {
			return fmt.Errorf("publish session finish: %w", err)
		}
	}
	l.deps.Metrics.IncCounter("sessions", 1, "workflow", wf.Name, "outcome", string(res.Outcome))
	l.deps.Metrics.RecordTimer("session_duration", now.Sub(st.startedAt), "workflow", wf.Name)
	l.deps.Logger.Info(ctx, "session finished", "session", st.sessionID, "outcome", string(res.Outcome), "rounds", res.Rounds)
	return nil
}

// endRound appends the round audit record, publishes the round completion
// and emits telemetry.
func (l *Loop) endRound(ctx context.Context, st *state, directive string, dispatched, denied int) error {
	if l.deps.Recorder != nil {
		rec := roundRecord{
			Round:      st.rounds,
			Directive:  directive,
			Dispatched: dispatched,
			Denied:     denied,
			Rejections: st.rejections,
		}
		if _, err := l.deps.Recorder.Record(ctx, eventlog.TypeOrchestratorIteration, ensemble.OrchestratorAgent, rec); err != nil {
			return fmt.Errorf("record round: %w", err)
		}
	}
	if l.deps.Bus != nil {
		if err := l.deps.Bus.Publish(ctx, hooks.NewRoundCompletedEvent(st.sessionID, st.rounds, directive)); err != nil {
			return fmt.Errorf("publish round: %w", err)
		}
	}
	l.deps.Metrics.IncCounter("orchestrator_rounds", 1, "directive", directive)
	return nil
}

// Audit payloads for the event log.
type (
	sessionStartRecord struct {
		Workflow string `json:"workflow"`
		Input    string `json:"input,omitempty"`
	}

	roundRecord struct {
		Round      int    `json:"round"`
		Directive  string `json:"directive"`
		Dispatched int    `json:"dispatched,omitempty"`
		Denied     int    `json:"denied,omitempty"`
		Rejections int    `json:"rejections,omitempty"`
	}

	modelCallRecord struct {
		Provider     string        `json:"provider"`
		Model        string        `json:"model"`
		InputTokens  int           `json:"input_tokens"`
		OutputTokens int           `json:"output_tokens"`
		DurationMS   int64         `json:"duration_ms"`
		Error        *faults.Fault `json:"error,omitempty"`
	}

	sessionFinishRecord struct {
		Outcome  session.Outcome `json:"outcome"`
		Rounds   int             `json:"rounds"`
		Forced   bool            `json:"forced,omitempty"`
		Evidence *Evidence       `json:"evidence,omitempty"`
		Error    *faults.Fault   `json:"error,omitempty"`
	}
)
