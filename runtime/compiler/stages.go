package compiler

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"goa.design/ensemble/runtime/artifact"
	"goa.design/ensemble/runtime/eventlog"
	"goa.design/ensemble/runtime/hooks"
	"goa.design/ensemble/runtime/memory"
	"goa.design/ensemble/runtime/model"
)

// selectionStage drops noisy history: entries with no content, entries
// rejected by the configured selector and consecutive duplicates.
type selectionStage struct{ c *Compiler }

func (s *selectionStage) Name() string { return StageSelection }

func (s *selectionStage) Run(_ context.Context, d *Draft) error {
	kept := make([]*Entry, 0, len(d.Entries))
	var prev *Entry
	for _, e := range d.Entries {
		if strings.TrimSpace(e.Content) == "" {
			continue
		}
		if s.c.selector != nil && !s.c.selector(e) {
			continue
		}
		if prev != nil && e.Kind == prev.Kind && e.Producer == prev.Producer && e.Tool == prev.Tool && e.Content == prev.Content {
			continue
		}
		kept = append(kept, e)
		prev = e
	}
	d.Entries = kept
	return nil
}

// compactionStage replaces older entries with a summary when the history
// grows past the configured thresholds. The discarded entries are archived
// verbatim, in original order, before any replacement happens.
type compactionStage struct{ c *Compiler }

func (s *compactionStage) Name() string { return StageCompaction }

func (s *compactionStage) Run(ctx context.Context, d *Draft) error {
	c := s.c
	if c.entryThreshold <= 0 && c.tokenThreshold <= 0 {
		d.noteStage(StageCompaction, OutcomeSkipped)
		return nil
	}
	n := len(d.Entries)
	var toks int
	for _, e := range d.Entries {
		toks += EstimateTokens(e.Content)
	}
	byCount := c.entryThreshold > 0 && n > c.entryThreshold
	byTokens := c.tokenThreshold > 0 && toks > c.tokenThreshold
	if (!byCount && !byTokens) || n <= c.keepRecent {
		d.noteStage(StageCompaction, OutcomeSkipped)
		return nil
	}

	head := d.Entries[:n-c.keepRecent]
	tail := d.Entries[n-c.keepRecent:]
	var discard, retained []*Entry
	for _, e := range head {
		if c.critical[e.Kind] {
			retained = append(retained, e)
			continue
		}
		discard = append(discard, e)
	}
	if len(discard) == 0 {
		d.noteStage(StageCompaction, OutcomeSkipped)
		return nil
	}

	var summary string
	if c.summarizer != nil {
		text, err := c.summarizer.Summarize(ctx, discard)
		if err != nil {
			c.logger.Warn(ctx, "summarizer failed, using count summary", "session", d.SessionID, "err", err.Error())
		} else {
			summary = strings.TrimSpace(text)
		}
	}
	if summary == "" {
		summary = countSummary(discard)
	}

	after := 1 + len(retained) + len(tail)
	ref := uuid.NewString()
	// The archive must be durable before any entry is discarded; without it
	// the original history cannot be reconstructed. A failed write or publish
	// therefore skips compaction for this run.
	if c.rec != nil {
		rec := archiveRecord{
			ArchiveRef:    ref,
			Summary:       summary,
			Entries:       discard,
			EntriesBefore: n,
			EntriesAfter:  after,
		}
		if _, err := c.rec.Record(ctx, eventlog.TypeCompactionArchive, d.Agent, rec); err != nil {
			c.logger.Warn(ctx, "compaction archive failed", "session", d.SessionID, "err", err.Error())
			d.noteStage(StageCompaction, OutcomeSkipped)
			return nil
		}
	}
	if c.bus != nil {
		evt := hooks.NewCompactionPerformedEvent(d.SessionID, d.Agent, ref, n, after)
		if err := c.bus.Publish(ctx, evt); err != nil {
			c.logger.Warn(ctx, "compaction publish failed", "session", d.SessionID, "err", err.Error())
			d.noteStage(StageCompaction, OutcomeSkipped)
			return nil
		}
	}

	entries := make([]*Entry, 0, after)
	entries = append(entries, &Entry{Kind: EntrySummary, Content: summary})
	entries = append(entries, retained...)
	entries = append(entries, tail...)
	d.Entries = entries
	d.Archive = append(d.Archive, discard...)
	d.ArchiveRef = ref

	c.logger.Info(ctx, "history compacted",
		"session", d.SessionID,
		"agent", d.Agent,
		"archive_ref", ref,
		"entries_before", n,
		"entries_after", after,
	)
	c.metrics.IncCounter("history_compactions", 1, "agent", string(d.Agent))
	return nil
}

// countSummary synthesizes the rule-based replacement for discarded entries.
func countSummary(entries []*Entry) string {
	counts := make(map[EntryKind]int)
	for _, e := range entries {
		counts[e.Kind]++
	}
	labels := []struct {
		kind     EntryKind
		singular string
		plural   string
	}{
		{EntryAgentOutput, "agent output", "agent outputs"},
		{EntryObservation, "observation", "observations"},
		{EntryDecision, "decision", "decisions"},
		{EntryNote, "note", "notes"},
		{EntrySummary, "summary", "summaries"},
	}
	var parts []string
	for _, l := range labels {
		n := counts[l.kind]
		if n == 0 {
			continue
		}
		label := l.plural
		if n == 1 {
			label = l.singular
		}
		parts = append(parts, fmt.Sprintf("%d %s", n, label))
	}
	noun := "entries"
	if len(entries) == 1 {
		noun = "entry"
	}
	return fmt.Sprintf("Compacted %d earlier %s: %s.", len(entries), noun, strings.Join(parts, ", "))
}

// memoryStage fetches cross-session knowledge. Reactive mode retrieves only
// when the draft carries an explicit request; proactive mode preloads using
// the draft input as the query. Retrieval is best-effort.
type memoryStage struct{ c *Compiler }

func (s *memoryStage) Name() string { return StageMemoryRetrieval }

func (s *memoryStage) Run(ctx context.Context, d *Draft) error {
	c := s.c
	if c.memory == nil || c.memoryMode == MemoryOff {
		d.noteStage(StageMemoryRetrieval, OutcomeSkipped)
		return nil
	}
	var q memory.Query
	switch {
	case d.Memory != nil:
		q = memory.Query{Namespace: d.Memory.Namespace, Text: d.Memory.Text, Limit: c.retrievalLimit}
	case c.memoryMode == MemoryProactive:
		q = memory.Query{Namespace: d.Namespace, Text: d.Input, Limit: c.retrievalLimit}
	default:
		d.noteStage(StageMemoryRetrieval, OutcomeSkipped)
		return nil
	}
	entries, err := c.memory.Search(ctx, q)
	if err != nil {
		c.logger.Warn(ctx, "memory retrieval failed", "session", d.SessionID, "err", err.Error())
		d.noteStage(StageMemoryRetrieval, OutcomeSkipped)
		return nil
	}
	if len(entries) > c.retrievalLimit {
		entries = entries[:c.retrievalLimit]
	}
	d.Recalled = entries
	return nil
}

// artifactStage inlines the content of explicitly requested artifacts.
// Everything else stays a lightweight reference. Resolution is best-effort.
type artifactStage struct{ c *Compiler }

func (s *artifactStage) Name() string { return StageArtifactResolution }

func (s *artifactStage) Run(ctx context.Context, d *Draft) error {
	c := s.c
	if len(d.Artifacts) == 0 {
		d.noteStage(StageArtifactResolution, OutcomeSkipped)
		return nil
	}
	var (
		refs []artifact.Ref
		idx  []int
	)
	for i, a := range d.Artifacts {
		if a.Resolve && len(a.Content) == 0 {
			refs = append(refs, a.Ref)
			idx = append(idx, i)
		}
	}
	if len(refs) == 0 {
		return nil
	}
	if c.artifacts == nil {
		c.logger.Warn(ctx, "artifact store not configured", "session", d.SessionID)
		d.noteStage(StageArtifactResolution, OutcomeSkipped)
		return nil
	}
	arts, err := c.artifacts.Resolve(ctx, refs)
	if err != nil {
		c.logger.Warn(ctx, "artifact resolution failed", "session", d.SessionID, "err", err.Error())
		d.noteStage(StageArtifactResolution, OutcomeSkipped)
		return nil
	}
	for j, a := range arts {
		d.Artifacts[idx[j]].Content = a.Content
	}
	return nil
}

// transformStage converts the structured draft into role-attributed message
// turns. Producer attribution survives on the message so downstream consumers
// know who produced which observation.
type transformStage struct{ c *Compiler }

func (s *transformStage) Name() string { return StageTransformation }

func (s *transformStage) Run(_ context.Context, d *Draft) error {
	d.Messages = nil
	d.components = nil

	if d.System != "" {
		d.push(ComponentSystem, &model.Message{Role: model.RoleSystem, Content: d.System})
	}
	if d.Input != "" {
		d.push(ComponentInput, &model.Message{Role: model.RoleUser, Content: d.Input})
	}
	if len(d.Recalled) > 0 {
		var b strings.Builder
		b.WriteString("Relevant knowledge from prior sessions:")
		for _, m := range d.Recalled {
			b.WriteString("\n- ")
			b.WriteString(m.Content)
		}
		d.push(ComponentMemory, &model.Message{Role: model.RoleUser, Content: b.String()})
	}
	for _, e := range d.Entries {
		switch e.Kind {
		case EntryAgentOutput:
			d.push(ComponentOutputs, &model.Message{Role: model.RoleAssistant, Content: e.Content, Producer: e.Producer})
		case EntryObservation:
			content := e.Content
			if e.Tool != "" {
				content = fmt.Sprintf("Observation from %s: %s", e.Tool, e.Content)
			}
			d.push(ComponentObservations, &model.Message{Role: model.RoleUser, Content: content, Producer: e.Producer})
		case EntrySummary:
			d.push(ComponentObservations, &model.Message{Role: model.RoleUser, Content: e.Content})
		case EntryDecision, EntryNote:
			d.push(ComponentObservations, &model.Message{Role: model.RoleAssistant, Content: e.Content, Producer: e.Producer})
		default:
			d.push(ComponentObservations, &model.Message{Role: model.RoleUser, Content: e.Content, Producer: e.Producer})
		}
	}

	var refs []string
	for _, a := range d.Artifacts {
		if a.Resolve && len(a.Content) > 0 {
			content := fmt.Sprintf("Artifact %s (%s):\n%s", a.Ref.ID, a.Ref.MediaType, a.Content)
			d.push(ComponentArtifacts, &model.Message{Role: model.RoleUser, Content: content})
			continue
		}
		refs = append(refs, fmt.Sprintf("- %s (%s, %d bytes)", a.Ref.ID, a.Ref.MediaType, a.Ref.Size))
	}
	if len(refs) > 0 {
		d.push(ComponentArtifacts, &model.Message{Role: model.RoleUser, Content: "Available artifacts:\n" + strings.Join(refs, "\n")})
	}
	return nil
}

// budgetStage enforces the token budget. Input, prior outputs and
// observations are clamped to their percentage slice of the budget remaining
// after overhead; if the total still exceeds the budget, components are
// squeezed further in priority order observations, prior outputs, input.
type budgetStage struct{ c *Compiler }

func (s *budgetStage) Name() string { return StageBudgetEnforcement }

func (s *budgetStage) Run(_ context.Context, d *Draft) error {
	c := s.c
	split := c.split
	if d.Split != nil {
		if err := d.Split.validate(); err != nil {
			return err
		}
		split = *d.Split
	}
	d.sizes = d.componentSizes()
	total := sumSizes(d.sizes)
	if c.tokenBudget <= 0 || total <= c.tokenBudget {
		return nil
	}

	overhead := d.sizes[ComponentSystem] + d.sizes[ComponentMemory] + d.sizes[ComponentArtifacts]
	managed := c.tokenBudget - overhead
	if managed < 0 {
		managed = 0
	}
	caps := map[string]int{
		ComponentInput:        managed * split.InputPct / 100,
		ComponentOutputs:      managed * split.OutputsPct / 100,
		ComponentObservations: managed * split.ObservationsPct / 100,
	}
	order := []string{ComponentObservations, ComponentOutputs, ComponentInput}
	for _, comp := range order {
		if d.sizes[comp] > caps[comp] {
			truncateComponent(d, comp, caps[comp])
			d.sizes = d.componentSizes()
		}
	}
	total = sumSizes(d.sizes)
	for _, comp := range order {
		if total <= c.tokenBudget {
			break
		}
		truncateComponent(d, comp, d.sizes[comp]-(total-c.tokenBudget))
		d.sizes = d.componentSizes()
		total = sumSizes(d.sizes)
	}
	if total > c.tokenBudget {
		d.BudgetExceeded = true
	}
	return nil
}

const truncationMarker = "[truncated]"

// truncateComponent trims the component's messages to at most target tokens.
// Whole messages are dropped oldest first; a message larger than the
// remaining overage is trimmed in place instead. The original input keeps its
// head, history components keep their most recent tail.
func truncateComponent(d *Draft, component string, target int) {
	if target < 0 {
		target = 0
	}
	var total int
	for i, m := range d.Messages {
		if d.components[i] == component {
			total += EstimateTokens(m.Content)
		}
	}
	if total <= target {
		return
	}
	keepHead := component == ComponentInput
	drop := make(map[int]bool)
	for i, m := range d.Messages {
		if total <= target {
			break
		}
		if d.components[i] != component {
			continue
		}
		t := EstimateTokens(m.Content)
		if need := total - target; t <= need {
			drop[i] = true
			total -= t
			continue
		}
		trimmed := trimContent(m.Content, t-(total-target), keepHead)
		if trimmed == "" {
			drop[i] = true
			total -= t
			continue
		}
		total += EstimateTokens(trimmed) - t
		m.Content = trimmed
	}
	d.Truncated = true
	if len(drop) == 0 {
		return
	}
	msgs := d.Messages[:0]
	comps := d.components[:0]
	for i := range d.Messages {
		if drop[i] {
			continue
		}
		msgs = append(msgs, d.Messages[i])
		comps = append(comps, d.components[i])
	}
	d.Messages = msgs
	d.components = comps
}

// trimContent cuts s down to the given token allowance, appending or
// prepending the truncation marker depending on which side is kept. Returns
// empty when the allowance cannot fit the marker.
func trimContent(s string, tokens int, keepHead bool) string {
	max := tokens * 4
	if max <= len(truncationMarker)+1 {
		return ""
	}
	n := max - len(truncationMarker) - 1
	if n >= len(s) {
		return s
	}
	if keepHead {
		return s[:n] + " " + truncationMarker
	}
	return truncationMarker + " " + s[len(s)-n:]
}

// injectionStage freezes the message list. The draft accepts no further
// mutation and the compiled order is final.
type injectionStage struct{}

func (*injectionStage) Name() string { return StageInjection }

func (*injectionStage) Run(_ context.Context, d *Draft) error {
	d.frozen = true
	return nil
}
