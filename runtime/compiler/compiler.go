// Package compiler assembles the model payload for one orchestrator or worker
// invocation. A fixed pipeline of stages runs over a mutable Draft: selection
// drops noise, compaction replaces older history with a summary after
// archiving it verbatim, memory retrieval and artifact resolution enrich the
// draft, transformation produces role-attributed messages, budget enforcement
// truncates to the token budget, and injection freezes the result.
//
// Compilation is deterministic for identical drafts and configuration: the
// same inputs yield the same messages, token counts and stage outcomes. Stage
// durations are wall-clock measurements and carry no determinism guarantee.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"goa.design/ensemble"
	"goa.design/ensemble/runtime/artifact"
	"goa.design/ensemble/runtime/eventlog"
	"goa.design/ensemble/runtime/hooks"
	"goa.design/ensemble/runtime/memory"
	"goa.design/ensemble/runtime/model"
	"goa.design/ensemble/runtime/telemetry"
)

// Budget components reported in Compilation.Components. The percentage split
// governs input, prior outputs and observations; system, memory and artifact
// content count as overhead against the total budget.
const (
	ComponentSystem       = "system"
	ComponentInput        = "input"
	ComponentOutputs      = "prior_outputs"
	ComponentObservations = "observations"
	ComponentMemory       = "memory"
	ComponentArtifacts    = "artifacts"
)

// Stage names in execution order.
const (
	StageSelection          = "selection"
	StageCompaction         = "compaction"
	StageMemoryRetrieval    = "memory_retrieval"
	StageArtifactResolution = "artifact_resolution"
	StageTransformation     = "transformation"
	StageBudgetEnforcement  = "budget_enforcement"
	StageInjection          = "injection"
)

// Defaults applied by New when the corresponding option is absent.
const (
	// DefaultKeepRecent is the number of most recent entries compaction
	// always retains.
	DefaultKeepRecent = 8

	// DefaultRetrievalLimit bounds the memories fetched per compilation.
	DefaultRetrievalLimit = 4
)

// DefaultSplit returns the default budget split: 30% original input, 50%
// prior outputs, 20% observations.
func DefaultSplit() Split {
	return Split{InputPct: 30, OutputsPct: 50, ObservationsPct: 20}
}

// StageOutcome reports how a stage concluded.
type StageOutcome string

const (
	// OutcomeOK means the stage ran to completion.
	OutcomeOK StageOutcome = "ok"

	// OutcomeSkipped means the stage had nothing to do or degraded
	// gracefully after a non-critical failure.
	OutcomeSkipped StageOutcome = "skipped"

	// OutcomeFailed means the stage failed and compilation was aborted.
	OutcomeFailed StageOutcome = "failed"
)

// MemoryMode selects when the retrieval stage consults the memory store.
type MemoryMode string

const (
	// MemoryOff disables retrieval.
	MemoryOff MemoryMode = "off"

	// MemoryReactive retrieves only when the draft carries an explicit
	// MemoryRequest.
	MemoryReactive MemoryMode = "reactive"

	// MemoryProactive always retrieves, using the draft input as the query.
	MemoryProactive MemoryMode = "proactive"
)

type (
	// Stage is one step of the compilation pipeline. Run mutates the draft in
	// place; returning an error aborts the compilation.
	Stage interface {
		Name() string
		Run(ctx context.Context, d *Draft) error
	}

	// Split allocates the managed portion of the token budget across the
	// original input, prior agent outputs and observations. Percentages must
	// be non-negative and sum to 100.
	Split struct {
		InputPct        int
		OutputsPct      int
		ObservationsPct int
	}

	// Summarizer produces the replacement summary for entries discarded by
	// compaction. Implementations may call an auxiliary model; on error the
	// compiler falls back to a rule-based count summary.
	Summarizer interface {
		Summarize(ctx context.Context, entries []*Entry) (string, error)
	}

	// SummarizerFunc adapts a function to the Summarizer interface.
	SummarizerFunc func(ctx context.Context, entries []*Entry) (string, error)

	// StageResult reports one stage execution.
	StageResult struct {
		// Name is the stage name.
		Name string

		// Outcome reports how the stage concluded.
		Outcome StageOutcome

		// Duration is the stage wall-clock execution time.
		Duration time.Duration
	}

	// Compilation is the frozen result of one pipeline run. One compilation
	// backs exactly one model call.
	Compilation struct {
		// ID uniquely identifies the compilation.
		ID string

		// SessionID identifies the owning session.
		SessionID string

		// Agent is the agent the payload was compiled for.
		Agent ensemble.AgentID

		// Messages is the frozen, ordered payload for dispatch.
		Messages []*model.Message

		// TokensBefore estimates the draft size before the pipeline ran.
		TokensBefore int

		// TokensAfter estimates the final payload size.
		TokensAfter int

		// Components breaks TokensAfter down per budget component.
		Components map[string]int

		// Stages lists the executed stages in order.
		Stages []StageResult

		// Truncated reports whether budget enforcement removed content.
		Truncated bool

		// BudgetExceeded reports that truncation could not fully resolve the
		// overage.
		BudgetExceeded bool

		// Archive holds the raw entries discarded by compaction during this
		// run, in original order, so callers can persist them.
		Archive []*Entry

		// ArchiveRef identifies the archived batch, if any.
		ArchiveRef string

		// CompiledAt is the compilation time.
		CompiledAt time.Time
	}

	// Compiler runs the compilation pipeline. A compiler is immutable after
	// New and safe for concurrent use; all per-invocation state lives on the
	// draft.
	Compiler struct {
		stages []Stage

		tokenBudget    int
		split          Split
		entryThreshold int
		tokenThreshold int
		keepRecent     int
		critical       map[EntryKind]bool
		summarizer     Summarizer
		selector       func(*Entry) bool

		memory         memory.Store
		memoryMode     MemoryMode
		retrievalLimit int
		artifacts      artifact.Store

		rec     *eventlog.Recorder
		bus     hooks.Bus
		logger  telemetry.Logger
		metrics telemetry.Metrics
		clock   func() time.Time
	}

	// Option configures a Compiler.
	Option func(*Compiler)
)

// Summarize calls f.
func (f SummarizerFunc) Summarize(ctx context.Context, entries []*Entry) (string, error) {
	return f(ctx, entries)
}

func (s Split) validate() error {
	if s.InputPct < 0 || s.OutputsPct < 0 || s.ObservationsPct < 0 {
		return errors.New("budget split percentages must be non-negative")
	}
	if sum := s.InputPct + s.OutputsPct + s.ObservationsPct; sum != 100 {
		return fmt.Errorf("budget split percentages must sum to 100, got %d", sum)
	}
	return nil
}

// WithTokenBudget caps the compiled payload at n estimated tokens. Zero or
// negative leaves the payload unbounded.
func WithTokenBudget(n int) Option {
	return func(c *Compiler) { c.tokenBudget = n }
}

// WithSplit overrides the default budget split.
func WithSplit(s Split) Option {
	return func(c *Compiler) { c.split = s }
}

// WithCompaction enables the compaction stage. Compaction triggers when the
// entry count exceeds entryThreshold or the estimated entry tokens exceed
// tokenThreshold; a zero threshold disables that trigger.
func WithCompaction(entryThreshold, tokenThreshold int) Option {
	return func(c *Compiler) {
		c.entryThreshold = entryThreshold
		c.tokenThreshold = tokenThreshold
	}
}

// WithKeepRecent sets how many most recent entries compaction retains.
func WithKeepRecent(n int) Option {
	return func(c *Compiler) { c.keepRecent = n }
}

// WithCriticalKinds replaces the entry kinds compaction never discards.
// The default set is EntrySummary and EntryDecision.
func WithCriticalKinds(kinds ...EntryKind) Option {
	return func(c *Compiler) {
		c.critical = make(map[EntryKind]bool, len(kinds))
		for _, k := range kinds {
			c.critical[k] = true
		}
	}
}

// WithSummarizer installs a model-based summarizer for compacted history.
func WithSummarizer(s Summarizer) Option {
	return func(c *Compiler) { c.summarizer = s }
}

// WithSelector installs a keep-predicate applied by the selection stage in
// addition to its built-in noise filters.
func WithSelector(keep func(*Entry) bool) Option {
	return func(c *Compiler) { c.selector = keep }
}

// WithMemory enables the retrieval stage against the given store.
func WithMemory(store memory.Store, mode MemoryMode) Option {
	return func(c *Compiler) {
		c.memory = store
		c.memoryMode = mode
	}
}

// WithRetrievalLimit bounds the memories fetched per compilation.
func WithRetrievalLimit(n int) Option {
	return func(c *Compiler) { c.retrievalLimit = n }
}

// WithArtifacts enables the resolution stage against the given store.
func WithArtifacts(store artifact.Store) Option {
	return func(c *Compiler) { c.artifacts = store }
}

// WithRecorder wires the event log recorder. Each compilation records a
// context_compiled event; compaction records its archive before replacing
// history.
func WithRecorder(rec *eventlog.Recorder) Option {
	return func(c *Compiler) { c.rec = rec }
}

// WithBus wires the hooks bus for compilation and compaction events.
func WithBus(bus hooks.Bus) Option {
	return func(c *Compiler) { c.bus = bus }
}

// WithLogger sets the structured logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(c *Compiler) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(c *Compiler) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithClock overrides the time source used for stage timing and the
// compilation timestamp.
func WithClock(clock func() time.Time) Option {
	return func(c *Compiler) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// New assembles the compilation pipeline from the given options.
func New(opts ...Option) (*Compiler, error) {
	c := &Compiler{
		split:          DefaultSplit(),
		keepRecent:     DefaultKeepRecent,
		retrievalLimit: DefaultRetrievalLimit,
		critical:       map[EntryKind]bool{EntrySummary: true, EntryDecision: true},
		memoryMode:     MemoryOff,
		logger:         telemetry.NewNoopLogger(),
		metrics:        telemetry.NewNoopMetrics(),
		clock:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.split.validate(); err != nil {
		return nil, err
	}
	if c.entryThreshold < 0 || c.tokenThreshold < 0 {
		return nil, errors.New("compaction thresholds must be non-negative")
	}
	if c.keepRecent <= 0 {
		return nil, errors.New("keep-recent count must be positive")
	}
	if c.retrievalLimit <= 0 {
		return nil, errors.New("retrieval limit must be positive")
	}
	switch c.memoryMode {
	case MemoryOff, MemoryReactive, MemoryProactive:
	default:
		return nil, fmt.Errorf("unknown memory mode %q", c.memoryMode)
	}
	c.stages = []Stage{
		&selectionStage{c},
		&compactionStage{c},
		&memoryStage{c},
		&artifactStage{c},
		&transformStage{c},
		&budgetStage{c},
		&injectionStage{},
	}
	return c, nil
}

// compiledRecord is the context_compiled event payload.
type compiledRecord struct {
	CompilationID  string           `json:"compilation_id"`
	Agent          ensemble.AgentID `json:"agent_id"`
	TokensBefore   int              `json:"tokens_before"`
	TokensAfter    int              `json:"tokens_after"`
	Components     map[string]int   `json:"components"`
	Stages         []stageRecord    `json:"stages"`
	Truncated      bool             `json:"truncated,omitempty"`
	BudgetExceeded bool             `json:"budget_exceeded,omitempty"`
	ArchiveRef     string           `json:"archive_ref,omitempty"`
}

type stageRecord struct {
	Name       string       `json:"name"`
	Outcome    StageOutcome `json:"outcome"`
	DurationMS float64      `json:"duration_ms"`
}

// archiveRecord is the compaction_archive event payload. It preserves the
// discarded entries verbatim so the pre-compaction history can be
// reconstructed from the log.
type archiveRecord struct {
	ArchiveRef    string   `json:"archive_ref"`
	Summary       string   `json:"summary"`
	Entries       []*Entry `json:"entries"`
	EntriesBefore int      `json:"entries_before"`
	EntriesAfter  int      `json:"entries_after"`
}

// Compile runs the pipeline over the draft and returns the frozen result.
// The draft is consumed: compiling it again returns ErrFrozen. Stage failures
// abort the compilation; non-critical stages degrade to a skip instead of
// failing.
func (c *Compiler) Compile(ctx context.Context, d *Draft) (*Compilation, error) {
	if d == nil {
		return nil, errors.New("draft is required")
	}
	if d.frozen {
		return nil, ErrFrozen
	}

	comp := &Compilation{
		ID:           uuid.NewString(),
		SessionID:    d.SessionID,
		Agent:        d.Agent,
		TokensBefore: draftEstimate(d),
		CompiledAt:   c.clock().UTC(),
	}

	for _, st := range c.stages {
		start := c.clock()
		err := st.Run(ctx, d)
		res := StageResult{
			Name:     st.Name(),
			Outcome:  OutcomeOK,
			Duration: c.clock().Sub(start),
		}
		if o, ok := d.outcomes[st.Name()]; ok {
			res.Outcome = o
		}
		if err != nil {
			res.Outcome = OutcomeFailed
			comp.Stages = append(comp.Stages, res)
			return nil, fmt.Errorf("%s stage: %w", st.Name(), err)
		}
		comp.Stages = append(comp.Stages, res)
		c.metrics.RecordTimer("compiler_stage_duration", res.Duration, "stage", res.Name)
	}

	comp.Messages = append([]*model.Message(nil), d.Messages...)
	comp.Components = maps.Clone(d.sizes)
	comp.TokensAfter = sumSizes(d.sizes)
	comp.Truncated = d.Truncated
	comp.BudgetExceeded = d.BudgetExceeded
	comp.Archive = d.Archive
	comp.ArchiveRef = d.ArchiveRef

	if c.rec != nil {
		rec := compiledRecord{
			CompilationID:  comp.ID,
			Agent:          comp.Agent,
			TokensBefore:   comp.TokensBefore,
			TokensAfter:    comp.TokensAfter,
			Components:     comp.Components,
			Stages:         stageRecords(comp.Stages),
			Truncated:      comp.Truncated,
			BudgetExceeded: comp.BudgetExceeded,
			ArchiveRef:     comp.ArchiveRef,
		}
		if _, err := c.rec.Record(ctx, eventlog.TypeContextCompiled, d.Agent, rec); err != nil {
			return nil, fmt.Errorf("record compilation: %w", err)
		}
	}
	if c.bus != nil {
		evt := hooks.NewContextCompiledEvent(
			d.SessionID, d.Agent,
			comp.TokensAfter,
			d.sizes[ComponentInput], d.sizes[ComponentOutputs], d.sizes[ComponentObservations],
			comp.Truncated,
		)
		if err := c.bus.Publish(ctx, evt); err != nil {
			return nil, fmt.Errorf("publish compilation: %w", err)
		}
	}

	c.metrics.IncCounter("context_compilations", 1, "agent", string(d.Agent))
	c.metrics.RecordGauge("compiled_tokens", float64(comp.TokensAfter), "agent", string(d.Agent))
	c.logger.Debug(ctx, "context compiled",
		"session", d.SessionID,
		"agent", d.Agent,
		"tokens_before", comp.TokensBefore,
		"tokens_after", comp.TokensAfter,
		"truncated", comp.Truncated,
	)
	return comp, nil
}

func stageRecords(stages []StageResult) []stageRecord {
	recs := make([]stageRecord, len(stages))
	for i, s := range stages {
		recs[i] = stageRecord{
			Name:       s.Name,
			Outcome:    s.Outcome,
			DurationMS: float64(s.Duration) / float64(time.Millisecond),
		}
	}
	return recs
}

// draftEstimate sizes the draft before the pipeline runs. Memory and
// artifacts are not yet materialized at that point and are excluded.
func draftEstimate(d *Draft) int {
	t := EstimateTokens(d.System) + EstimateTokens(d.Input)
	for _, e := range d.Entries {
		t += EstimateTokens(e.Content)
	}
	return t
}

func sumSizes(sizes map[string]int) int {
	var total int
	for _, n := range sizes {
		total += n
	}
	return total
}
