package compiler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/ensemble/runtime/artifact"
	artifactinmem "goa.design/ensemble/runtime/artifact/inmem"
	"goa.design/ensemble/runtime/eventlog"
	eventloginmem "goa.design/ensemble/runtime/eventlog/inmem"
	"goa.design/ensemble/runtime/hooks"
	"goa.design/ensemble/runtime/memory"
	memoryinmem "goa.design/ensemble/runtime/memory/inmem"
	"goa.design/ensemble/runtime/model"
)

func mustCompiler(t *testing.T, opts ...Option) *Compiler {
	t.Helper()
	c, err := New(opts...)
	require.NoError(t, err)
	return c
}

func stageOutcome(t *testing.T, comp *Compilation, name string) StageOutcome {
	t.Helper()
	for _, s := range comp.Stages {
		if s.Name == name {
			return s.Outcome
		}
	}
	t.Fatalf("stage %s not in %v", name, comp.Stages)
	return ""
}

func messageContents(comp *Compilation) []string {
	contents := make([]string, len(comp.Messages))
	for i, m := range comp.Messages {
		contents[i] = m.Content
	}
	return contents
}

func TestCompileMinimal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	system := "You are a research agent. Answer with findings only."
	input := "Summarize the current Go release cadence."
	c := mustCompiler(t)
	d := NewDraft("s1", "researcher", system, input)

	comp, err := c.Compile(ctx, d)
	require.NoError(t, err)

	require.NotEmpty(t, comp.ID)
	require.Equal(t, "s1", comp.SessionID)
	require.False(t, comp.CompiledAt.IsZero())

	require.Len(t, comp.Messages, 2)
	require.Equal(t, model.RoleSystem, comp.Messages[0].Role)
	require.Equal(t, system, comp.Messages[0].Content)
	require.Equal(t, model.RoleUser, comp.Messages[1].Role)
	require.Equal(t, input, comp.Messages[1].Content)

	wantSystem := EstimateTokens(system)
	wantInput := EstimateTokens(input)
	require.Equal(t, wantSystem+wantInput, comp.TokensBefore)
	require.Equal(t, wantSystem+wantInput, comp.TokensAfter)
	require.Equal(t, map[string]int{
		ComponentSystem: wantSystem,
		ComponentInput:  wantInput,
	}, comp.Components)

	wantStages := []string{
		StageSelection, StageCompaction, StageMemoryRetrieval,
		StageArtifactResolution, StageTransformation,
		StageBudgetEnforcement, StageInjection,
	}
	require.Len(t, comp.Stages, len(wantStages))
	for i, name := range wantStages {
		require.Equal(t, name, comp.Stages[i].Name)
	}
	require.Equal(t, OutcomeOK, stageOutcome(t, comp, StageSelection))
	require.Equal(t, OutcomeSkipped, stageOutcome(t, comp, StageCompaction))
	require.Equal(t, OutcomeSkipped, stageOutcome(t, comp, StageMemoryRetrieval))
	require.Equal(t, OutcomeSkipped, stageOutcome(t, comp, StageArtifactResolution))
	require.Equal(t, OutcomeOK, stageOutcome(t, comp, StageTransformation))
	require.Equal(t, OutcomeOK, stageOutcome(t, comp, StageBudgetEnforcement))
	require.Equal(t, OutcomeOK, stageOutcome(t, comp, StageInjection))

	require.False(t, comp.Truncated)
	require.False(t, comp.BudgetExceeded)
	require.Empty(t, comp.ArchiveRef)
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, EstimateTokens(""))
	require.Equal(t, 1, EstimateTokens("a"))
	require.Equal(t, 1, EstimateTokens("abcd"))
	require.Equal(t, 2, EstimateTokens("abcde"))
	require.Equal(t, 2, EstimateTokens("abcdefgh"))
	require.Equal(t, 3, EstimateTokens("abcdefghi"))
}

func TestCompileFreezesDraft(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c := mustCompiler(t)
	d := NewDraft("s1", "researcher", "system", "input")
	_, err := c.Compile(ctx, d)
	require.NoError(t, err)

	_, err = c.Compile(ctx, d)
	require.ErrorIs(t, err, ErrFrozen)
	require.ErrorIs(t, d.AppendNote("researcher", "late"), ErrFrozen)
	require.ErrorIs(t, d.RequestMemory("", "anything"), ErrFrozen)
	require.ErrorIs(t, d.AttachArtifact(artifact.Ref{ID: "a"}, false), ErrFrozen)
}

func TestCompileSelectionDropsNoise(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c := mustCompiler(t)
	d := NewDraft("s1", "researcher", "", "task")
	require.NoError(t, d.AppendObservation("researcher", "", "alpha"))
	require.NoError(t, d.AppendNote("researcher", "   "))
	require.NoError(t, d.AppendObservation("researcher", "", "alpha"))
	require.NoError(t, d.AppendOutput("writer", "beta"))
	require.NoError(t, d.AppendObservation("researcher", "", "alpha"))

	comp, err := c.Compile(ctx, d)
	require.NoError(t, err)

	// The blank note and the consecutive duplicate are gone; the later
	// repeat survives because it is no longer adjacent to its twin.
	require.Equal(t, []string{"task", "alpha", "beta", "alpha"}, messageContents(comp))
}

func TestCompileSelectorPredicate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c := mustCompiler(t, WithSelector(func(e *Entry) bool { return e.Kind != EntryNote }))
	d := NewDraft("s1", "researcher", "", "task")
	require.NoError(t, d.AppendNote("orchestrator", "thinking out loud"))
	require.NoError(t, d.AppendObservation("researcher", "", "kept"))

	comp, err := c.Compile(ctx, d)
	require.NoError(t, err)
	require.Equal(t, []string{"task", "kept"}, messageContents(comp))
}

func TestCompileTransformAttribution(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c := mustCompiler(t)
	d := NewDraft("s1", "writer", "system", "task")
	require.NoError(t, d.AppendOutput("researcher", "Go releases twice a year."))
	require.NoError(t, d.AppendObservation("researcher", "web_search", "Go 1.24 shipped in February."))
	require.NoError(t, d.AppendDecision("orchestrator", "invoke writer next"))

	comp, err := c.Compile(ctx, d)
	require.NoError(t, err)
	require.Len(t, comp.Messages, 5)

	output := comp.Messages[2]
	require.Equal(t, model.RoleAssistant, output.Role)
	require.EqualValues(t, "researcher", output.Producer)
	require.Equal(t, "Go releases twice a year.", output.Content)

	obs := comp.Messages[3]
	require.Equal(t, model.RoleUser, obs.Role)
	require.EqualValues(t, "researcher", obs.Producer)
	require.Equal(t, "Observation from web_search: Go 1.24 shipped in February.", obs.Content)

	decision := comp.Messages[4]
	require.Equal(t, model.RoleAssistant, decision.Role)
	require.EqualValues(t, "orchestrator", decision.Producer)
}

func TestCompileCompactionArchivesVerbatim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	logStore := eventloginmem.New()
	rec := eventlog.NewRecorder(logStore, "s1")
	bus := hooks.NewBus()
	var mu sync.Mutex
	var published []hooks.Event
	_, err := bus.Register(hooks.SubscriberFunc(func(ctx context.Context, evt hooks.Event) error {
		mu.Lock()
		published = append(published, evt)
		mu.Unlock()
		return nil
	}))
	require.NoError(t, err)

	c := mustCompiler(t,
		WithCompaction(10, 0),
		WithKeepRecent(4),
		WithRecorder(rec),
		WithBus(bus),
	)

	d := NewDraft("s1", "researcher", "", "task")
	var originals []string
	for _, suffix := range []string{"01", "02", "03", "04", "05", "06", "07", "08", "09", "10", "11", "12"} {
		content := "observation " + suffix
		originals = append(originals, content)
		require.NoError(t, d.AppendObservation("researcher", "web_search", content))
	}

	comp, err := c.Compile(ctx, d)
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, stageOutcome(t, comp, StageCompaction))
	require.NotEmpty(t, comp.ArchiveRef)

	// The eight oldest entries were archived verbatim in original order.
	require.Len(t, comp.Archive, 8)
	for i, e := range comp.Archive {
		require.Equal(t, originals[i], e.Content)
		require.Equal(t, EntryObservation, e.Kind)
	}

	// The draft now opens with the synthesized summary followed by the four
	// most recent entries; archive plus kept raw entries reconstructs the
	// original history exactly.
	require.Len(t, d.Entries, 5)
	require.Equal(t, EntrySummary, d.Entries[0].Kind)
	require.Equal(t, "Compacted 8 earlier entries: 8 observations.", d.Entries[0].Content)
	var reconstructed []string
	for _, e := range comp.Archive {
		reconstructed = append(reconstructed, e.Content)
	}
	for _, e := range d.Entries[1:] {
		reconstructed = append(reconstructed, e.Content)
	}
	require.Equal(t, originals, reconstructed)

	events, err := eventlog.AllEvents(ctx, logStore, "s1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, eventlog.TypeCompactionArchive, events[0].Type)
	require.Equal(t, eventlog.TypeContextCompiled, events[1].Type)

	var archived archiveRecord
	require.NoError(t, json.Unmarshal(events[0].Payload, &archived))
	require.Equal(t, comp.ArchiveRef, archived.ArchiveRef)
	require.Equal(t, 12, archived.EntriesBefore)
	require.Equal(t, 5, archived.EntriesAfter)
	require.Len(t, archived.Entries, 8)
	for i, e := range archived.Entries {
		require.Equal(t, originals[i], e.Content)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, published, 2)
	compacted, ok := published[0].(*hooks.CompactionPerformedEvent)
	require.True(t, ok)
	require.Equal(t, comp.ArchiveRef, compacted.ArchiveRef)
	require.Equal(t, 12, compacted.EntriesBefore)
	require.Equal(t, 5, compacted.EntriesAfter)
	require.Equal(t, hooks.ContextCompiled, published[1].Type())
}

func TestCompileCompactionRetainsCriticalKinds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c := mustCompiler(t, WithCompaction(10, 0), WithKeepRecent(4))

	d := NewDraft("s1", "orchestrator", "", "task")
	require.NoError(t, d.AppendDecision("orchestrator", "invoke researcher for sources"))
	for _, suffix := range []string{"01", "02", "03", "04", "05", "06", "07", "08", "09", "10", "11"} {
		require.NoError(t, d.AppendObservation("researcher", "web_search", "observation "+suffix))
	}

	comp, err := c.Compile(ctx, d)
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, stageOutcome(t, comp, StageCompaction))

	// The decision survives compaction even though it sits in the oldest
	// part of the history.
	require.Len(t, d.Entries, 6)
	require.Equal(t, EntrySummary, d.Entries[0].Kind)
	require.Equal(t, EntryDecision, d.Entries[1].Kind)
	require.Equal(t, "invoke researcher for sources", d.Entries[1].Content)
	require.Len(t, comp.Archive, 7)
	for _, e := range comp.Archive {
		require.Equal(t, EntryObservation, e.Kind)
	}
}

func TestCompileCompactionTokenThreshold(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c := mustCompiler(t, WithCompaction(0, 50), WithKeepRecent(2))

	d := NewDraft("s1", "researcher", "", "task")
	for _, suffix := range []string{"aa", "bb", "cc", "dd", "ee", "ff"} {
		content := strings.Repeat(suffix, 20) // 40 chars, 10 tokens
		require.NoError(t, d.AppendObservation("researcher", "", content))
	}

	comp, err := c.Compile(ctx, d)
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, stageOutcome(t, comp, StageCompaction))
	require.Len(t, comp.Archive, 4)
	require.Len(t, d.Entries, 3)
}

func TestCompileCompactionModelSummarizer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	entries := func(d *Draft) {
		for _, suffix := range []string{"01", "02", "03", "04", "05", "06"} {
			require.NoError(t, d.AppendObservation("researcher", "", "observation "+suffix))
		}
	}

	c := mustCompiler(t,
		WithCompaction(4, 0),
		WithKeepRecent(2),
		WithSummarizer(SummarizerFunc(func(ctx context.Context, discarded []*Entry) (string, error) {
			require.Len(t, discarded, 4)
			return "Earlier research established the release cadence.", nil
		})),
	)
	d := NewDraft("s1", "researcher", "", "task")
	entries(d)
	_, err := c.Compile(ctx, d)
	require.NoError(t, err)
	require.Equal(t, "Earlier research established the release cadence.", d.Entries[0].Content)

	// A failing summarizer degrades to the rule-based count summary.
	c = mustCompiler(t,
		WithCompaction(4, 0),
		WithKeepRecent(2),
		WithSummarizer(SummarizerFunc(func(ctx context.Context, discarded []*Entry) (string, error) {
			return "", errors.New("auxiliary model unavailable")
		})),
	)
	d = NewDraft("s1", "researcher", "", "task")
	entries(d)
	_, err = c.Compile(ctx, d)
	require.NoError(t, err)
	require.Equal(t, "Compacted 4 earlier entries: 4 observations.", d.Entries[0].Content)
}

func TestCompileMemoryReactive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mem := memoryinmem.New()
	require.NoError(t, mem.Put(ctx, &memory.Entry{
		Namespace: "research",
		Content:   "Go 1.24 shipped in February 2025",
		Tags:      []string{"go"},
	}))
	require.NoError(t, mem.Put(ctx, &memory.Entry{
		Namespace: "research",
		Content:   "Python 3.13 removed distutils",
	}))

	c := mustCompiler(t, WithMemory(mem, MemoryReactive), WithRetrievalLimit(2))

	// Without an explicit request reactive mode stays idle.
	d := NewDraft("s1", "researcher", "", "task")
	comp, err := c.Compile(ctx, d)
	require.NoError(t, err)
	require.Equal(t, OutcomeSkipped, stageOutcome(t, comp, StageMemoryRetrieval))
	require.Empty(t, d.Recalled)

	d = NewDraft("s1", "researcher", "", "task")
	require.NoError(t, d.RequestMemory("research", "go release"))
	comp, err = c.Compile(ctx, d)
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, stageOutcome(t, comp, StageMemoryRetrieval))
	require.Len(t, d.Recalled, 1)

	var memMsg string
	for _, m := range comp.Messages {
		if strings.HasPrefix(m.Content, "Relevant knowledge from prior sessions:") {
			memMsg = m.Content
		}
	}
	require.Contains(t, memMsg, "Go 1.24 shipped in February 2025")
	require.Positive(t, comp.Components[ComponentMemory])
}

func TestCompileMemoryProactive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mem := memoryinmem.New()
	require.NoError(t, mem.Put(ctx, &memory.Entry{
		Namespace: "research",
		Content:   "Go 1.24 shipped in February 2025",
	}))

	c := mustCompiler(t, WithMemory(mem, MemoryProactive))
	d := NewDraft("s1", "researcher", "", "go release cadence")
	d.Namespace = "research"

	comp, err := c.Compile(ctx, d)
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, stageOutcome(t, comp, StageMemoryRetrieval))
	require.Len(t, d.Recalled, 1)
	require.Positive(t, comp.Components[ComponentMemory])
}

type failingMemory struct{}

func (failingMemory) Put(context.Context, *memory.Entry) error { return errors.New("store down") }

func (failingMemory) Search(context.Context, memory.Query) ([]*memory.Entry, error) {
	return nil, errors.New("store down")
}

func TestCompileMemoryFailureSkipsStage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c := mustCompiler(t, WithMemory(failingMemory{}, MemoryProactive))
	d := NewDraft("s1", "researcher", "", "task")

	comp, err := c.Compile(ctx, d)
	require.NoError(t, err)
	require.Equal(t, OutcomeSkipped, stageOutcome(t, comp, StageMemoryRetrieval))
	require.Empty(t, d.Recalled)
}

func TestCompileArtifactResolution(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := artifactinmem.New()
	report, err := store.Put(ctx, "text/markdown", []byte("# Findings\n\nGo is fine."))
	require.NoError(t, err)
	dataset, err := store.Put(ctx, "text/csv", []byte("year,releases\n2025,2"))
	require.NoError(t, err)

	c := mustCompiler(t, WithArtifacts(store))
	d := NewDraft("s1", "writer", "", "task")
	require.NoError(t, d.AttachArtifact(report, true))
	require.NoError(t, d.AttachArtifact(dataset, false))

	comp, err := c.Compile(ctx, d)
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, stageOutcome(t, comp, StageArtifactResolution))

	contents := messageContents(comp)
	var inlined, referenced bool
	for _, content := range contents {
		if strings.Contains(content, "# Findings") {
			inlined = true
		}
		if strings.HasPrefix(content, "Available artifacts:") {
			referenced = true
			require.Contains(t, content, dataset.ID)
			require.Contains(t, content, "text/csv")
			require.NotContains(t, content, report.ID)
		}
	}
	require.True(t, inlined)
	require.True(t, referenced)
	require.Positive(t, comp.Components[ComponentArtifacts])
}

func TestCompileArtifactFailureKeepsReferences(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c := mustCompiler(t, WithArtifacts(artifactinmem.New()))
	d := NewDraft("s1", "writer", "", "task")
	missing := artifact.Ref{ID: "missing", MediaType: "text/plain", Size: 3}
	require.NoError(t, d.AttachArtifact(missing, true))

	comp, err := c.Compile(ctx, d)
	require.NoError(t, err)
	require.Equal(t, OutcomeSkipped, stageOutcome(t, comp, StageArtifactResolution))

	var referenced bool
	for _, content := range messageContents(comp) {
		if strings.HasPrefix(content, "Available artifacts:") {
			referenced = true
			require.Contains(t, content, "missing")
		}
	}
	require.True(t, referenced)
}

func TestCompileBudgetTruncatesInPriorityOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c := mustCompiler(t, WithTokenBudget(100))
	d := NewDraft("s1", "writer", "", strings.Repeat("a", 80)) // 20 tokens
	require.NoError(t, d.AppendOutput("researcher", strings.Repeat("b", 80)))
	require.NoError(t, d.AppendOutput("critic", strings.Repeat("c", 80)))
	require.NoError(t, d.AppendObservation("researcher", "", strings.Repeat("x", 80)))
	require.NoError(t, d.AppendObservation("researcher", "", strings.Repeat("y", 80)))
	require.NoError(t, d.AppendObservation("researcher", "", strings.Repeat("z", 80)))

	comp, err := c.Compile(ctx, d)
	require.NoError(t, err)

	// 120 tokens over a 100 budget: observations (60 tokens, 20% cap = 20)
	// lose their two oldest messages; input and prior outputs fit their
	// slices untouched.
	require.True(t, comp.Truncated)
	require.False(t, comp.BudgetExceeded)
	require.Equal(t, 80, comp.TokensAfter)
	require.Equal(t, map[string]int{
		ComponentInput:        20,
		ComponentOutputs:      40,
		ComponentObservations: 20,
	}, comp.Components)

	contents := messageContents(comp)
	require.Equal(t, []string{
		strings.Repeat("a", 80),
		strings.Repeat("b", 80),
		strings.Repeat("c", 80),
		strings.Repeat("z", 80),
	}, contents)
}

func TestCompileBudgetExceededWhenOverheadAlone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c := mustCompiler(t, WithTokenBudget(40))
	d := NewDraft("s1", "writer", strings.Repeat("s", 200), strings.Repeat("a", 40))
	require.NoError(t, d.AppendObservation("researcher", "", strings.Repeat("x", 40)))

	comp, err := c.Compile(ctx, d)
	require.NoError(t, err)

	// The system preamble alone is 50 tokens, so every managed component is
	// squeezed to nothing and the flag reports the unresolved overage.
	require.True(t, comp.Truncated)
	require.True(t, comp.BudgetExceeded)
	require.Equal(t, 50, comp.TokensAfter)
	require.Len(t, comp.Messages, 1)
	require.Equal(t, model.RoleSystem, comp.Messages[0].Role)
}

func TestCompileBudgetSplitOverride(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c := mustCompiler(t, WithTokenBudget(100))
	d := NewDraft("s1", "writer", "", strings.Repeat("a", 320)) // 80 tokens
	require.NoError(t, d.AppendObservation("researcher", "", strings.Repeat("x", 84)))
	d.Split = &Split{InputPct: 60, OutputsPct: 20, ObservationsPct: 20}

	comp, err := c.Compile(ctx, d)
	require.NoError(t, err)

	// The override grants input 60 of the 100 managed tokens; the oversized
	// input keeps its head and gains the truncation marker.
	require.True(t, comp.Truncated)
	require.Equal(t, 60, comp.Components[ComponentInput])
	require.Equal(t, 20, comp.Components[ComponentObservations])
	input := comp.Messages[0].Content
	require.True(t, strings.HasPrefix(input, "aaaa"))
	require.True(t, strings.HasSuffix(input, truncationMarker))

	// A partial override is rejected and aborts the compilation.
	d = NewDraft("s1", "writer", "", "task")
	d.Split = &Split{InputPct: 10, OutputsPct: 10, ObservationsPct: 10}
	_, err = c.Compile(ctx, d)
	require.Error(t, err)
	require.Contains(t, err.Error(), StageBudgetEnforcement)
	require.Contains(t, err.Error(), "sum to 100")
}

func TestCompileDeterministic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	build := func() (*Compiler, *Draft) {
		c := mustCompiler(t,
			WithTokenBudget(60),
			WithCompaction(4, 0),
			WithKeepRecent(2),
			WithClock(func() time.Time { return fixed }),
		)
		d := NewDraft("s1", "researcher", "system prompt", "the task at hand")
		for _, suffix := range []string{"01", "02", "03", "04", "05", "06"} {
			require.NoError(t, d.AppendObservation("researcher", "web_search", "observation "+suffix))
		}
		return c, d
	}

	c1, d1 := build()
	comp1, err := c1.Compile(ctx, d1)
	require.NoError(t, err)
	c2, d2 := build()
	comp2, err := c2.Compile(ctx, d2)
	require.NoError(t, err)

	require.Equal(t, comp1.TokensBefore, comp2.TokensBefore)
	require.Equal(t, comp1.TokensAfter, comp2.TokensAfter)
	require.Equal(t, comp1.Components, comp2.Components)
	require.Equal(t, comp1.Stages, comp2.Stages)
	require.Equal(t, messageContents(comp1), messageContents(comp2))
	require.Equal(t, comp1.Truncated, comp2.Truncated)
}

func TestCompileRecordsCompilation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	logStore := eventloginmem.New()
	rec := eventlog.NewRecorder(logStore, "s1")
	bus := hooks.NewBus()
	var mu sync.Mutex
	var published []hooks.Event
	_, err := bus.Register(hooks.SubscriberFunc(func(ctx context.Context, evt hooks.Event) error {
		mu.Lock()
		published = append(published, evt)
		mu.Unlock()
		return nil
	}))
	require.NoError(t, err)

	c := mustCompiler(t, WithRecorder(rec), WithBus(bus))
	d := NewDraft("s1", "researcher", "system", "the task")
	require.NoError(t, d.AppendOutput("writer", "a prior draft"))

	comp, err := c.Compile(ctx, d)
	require.NoError(t, err)

	events, err := eventlog.AllEvents(ctx, logStore, "s1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, eventlog.TypeContextCompiled, events[0].Type)
	require.EqualValues(t, "researcher", events[0].AgentID)

	var recorded compiledRecord
	require.NoError(t, json.Unmarshal(events[0].Payload, &recorded))
	require.Equal(t, comp.ID, recorded.CompilationID)
	require.Equal(t, comp.TokensBefore, recorded.TokensBefore)
	require.Equal(t, comp.TokensAfter, recorded.TokensAfter)
	require.Equal(t, comp.Components, recorded.Components)
	require.Len(t, recorded.Stages, 7)
	require.Equal(t, StageSelection, recorded.Stages[0].Name)
	require.Equal(t, OutcomeOK, recorded.Stages[0].Outcome)
	require.False(t, recorded.Truncated)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, published, 1)
	compiled, ok := published[0].(*hooks.ContextCompiledEvent)
	require.True(t, ok)
	require.Equal(t, comp.TokensAfter, compiled.TotalTokens)
	require.Equal(t, comp.Components[ComponentInput], compiled.InputTokens)
	require.Equal(t, comp.Components[ComponentOutputs], compiled.PriorOutputTokens)
	require.False(t, compiled.Truncated)
}

func TestNewRejectsInvalidConfiguration(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		opts    []Option
		wantErr string
	}{
		{"split sum", []Option{WithSplit(Split{InputPct: 50, OutputsPct: 50, ObservationsPct: 10})}, "sum to 100"},
		{"split negative", []Option{WithSplit(Split{InputPct: -10, OutputsPct: 90, ObservationsPct: 20})}, "non-negative"},
		{"compaction thresholds", []Option{WithCompaction(-1, 0)}, "non-negative"},
		{"keep recent", []Option{WithKeepRecent(0)}, "positive"},
		{"retrieval limit", []Option{WithRetrievalLimit(-2)}, "positive"},
		{"memory mode", []Option{WithMemory(memoryinmem.New(), MemoryMode("sometimes"))}, "memory mode"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tc.opts...)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
