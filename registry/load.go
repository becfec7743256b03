package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"goa.design/ensemble"
	"goa.design/ensemble/runtime/governance"
	"goa.design/ensemble/runtime/retry"
)

// ErrInvalidDocument reports a registry document that failed load-time
// validation. All Parse validation failures wrap it.
var ErrInvalidDocument = errors.New("invalid registry document")

type (
	// document is the YAML wire form of the registry.
	document struct {
		Version       int               `yaml:"version"`
		Workflow      workflowDoc       `yaml:"workflow"`
		Governance    governanceDoc     `yaml:"governance"`
		ModelProfiles []modelProfileDoc `yaml:"model_profiles"`
		Tools         []toolDoc         `yaml:"tools"`
		Agents        []agentDoc        `yaml:"agents"`
	}

	workflowDoc struct {
		Name           string        `yaml:"name"`
		Description    string        `yaml:"description"`
		ModelProfile   string        `yaml:"model_profile"`
		Sequence       []string      `yaml:"sequence"`
		OptionalAgents []string      `yaml:"optional_agents"`
		Completion     completionDoc `yaml:"completion"`
		Constraints    constraintDoc `yaml:"constraints"`
	}

	completionDoc struct {
		RequiredAgents  []string `yaml:"required_agents"`
		RequiredOutputs []string `yaml:"required_outputs"`
	}

	constraintDoc struct {
		MaxDuration         duration `yaml:"max_duration"`
		MaxRounds           int      `yaml:"max_rounds"`
		MaxAgentInvocations int      `yaml:"max_agent_invocations"`
	}

	governanceDoc struct {
		AgentAllowlist         []string    `yaml:"agent_allowlist"`
		AgentDenylist          []string    `yaml:"agent_denylist"`
		MaxInvocationsPerAgent int         `yaml:"max_invocations_per_agent"`
		Resources              resourceDoc `yaml:"resources"`
	}

	resourceDoc struct {
		MaxModelCalls int `yaml:"max_model_calls"`
		MaxTokens     int `yaml:"max_tokens"`
		MaxToolCalls  int `yaml:"max_tool_calls"`
	}

	modelProfileDoc struct {
		ID          string    `yaml:"id"`
		Provider    string    `yaml:"provider"`
		Model       string    `yaml:"model"`
		Temperature float32   `yaml:"temperature"`
		MaxTokens   int       `yaml:"max_tokens"`
		Retry       *retryDoc `yaml:"retry"`
	}

	retryDoc struct {
		MaxAttempts    int      `yaml:"max_attempts"`
		InitialBackoff duration `yaml:"initial_backoff"`
		MaxBackoff     duration `yaml:"max_backoff"`
		Multiplier     float64  `yaml:"multiplier"`
		Jitter         float64  `yaml:"jitter"`
	}

	toolDoc struct {
		ID           string `yaml:"id"`
		Description  string `yaml:"description"`
		InputSchema  any    `yaml:"input_schema"`
		OutputSchema any    `yaml:"output_schema"`
		Endpoint     string `yaml:"endpoint"`
		Idempotent   bool   `yaml:"idempotent"`
	}

	agentDoc struct {
		ID               string     `yaml:"id"`
		Description      string     `yaml:"description"`
		Capabilities     []string   `yaml:"capabilities"`
		ModelProfile     string     `yaml:"model_profile"`
		AllowTools       []string   `yaml:"allow_tools"`
		DenyTools        []string   `yaml:"deny_tools"`
		MaxIterations    int        `yaml:"max_iterations"`
		IterationTimeout duration   `yaml:"iteration_timeout"`
		OutputSchema     any        `yaml:"output_schema"`
		ContextBudget    *budgetDoc `yaml:"context_budget"`
	}

	// budgetDoc uses pointers so a partial triple is detectable and
	// rejected rather than silently defaulted.
	budgetDoc struct {
		InputPct        *int `yaml:"input_pct"`
		OutputsPct      *int `yaml:"outputs_pct"`
		ObservationsPct *int `yaml:"observations_pct"`
	}
)

// duration decodes Go duration strings ("90s", "10m") from YAML scalars.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = duration(parsed)
	return nil
}

// Load reads and validates the registry document at path.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	snap, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return snap, nil
}

// Parse decodes and validates a registry document. Validation is fail-fast:
// the first violation is returned and the snapshot is not built.
func Parse(data []byte) (*Snapshot, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if doc.Version != 1 {
		return nil, invalidf("unsupported version %d", doc.Version)
	}

	profiles, err := buildProfiles(doc.ModelProfiles)
	if err != nil {
		return nil, err
	}
	tools, toolOrder, err := buildTools(doc.Tools)
	if err != nil {
		return nil, err
	}
	agents, agentOrder, err := buildAgents(doc.Agents, profiles, tools)
	if err != nil {
		return nil, err
	}
	workflow, err := buildWorkflow(doc.Workflow, agents, profiles)
	if err != nil {
		return nil, err
	}
	policy, err := buildPolicy(doc.Governance, doc.Workflow.Constraints, agents)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		workflow: workflow,
		policy:   policy,
		agents:   agents,
		agentIDs: agentOrder,
		tools:    tools,
		toolIDs:  toolOrder,
		profiles: profiles,
	}, nil
}

func buildProfiles(docs []modelProfileDoc) (map[string]*ModelProfile, error) {
	if len(docs) == 0 {
		return nil, invalidf("at least one model profile is required")
	}
	profiles := make(map[string]*ModelProfile, len(docs))
	for _, d := range docs {
		if d.ID == "" {
			return nil, invalidf("model profile with empty id")
		}
		if _, ok := profiles[d.ID]; ok {
			return nil, invalidf("duplicate model profile %q", d.ID)
		}
		if d.Provider == "" {
			return nil, invalidf("model profile %q: provider is required", d.ID)
		}
		if d.Model == "" {
			return nil, invalidf("model profile %q: model is required", d.ID)
		}
		if d.MaxTokens < 0 {
			return nil, invalidf("model profile %q: max_tokens must not be negative", d.ID)
		}
		profiles[d.ID] = &ModelProfile{
			ID:          d.ID,
			Provider:    d.Provider,
			Model:       d.Model,
			Temperature: d.Temperature,
			MaxTokens:   d.MaxTokens,
			Retry:       buildRetry(d.Retry),
		}
	}
	return profiles, nil
}

func buildRetry(d *retryDoc) retry.Config {
	if d == nil {
		return retry.DefaultConfig()
	}
	cfg := retry.DefaultConfig()
	if d.MaxAttempts > 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if d.InitialBackoff > 0 {
		cfg.InitialBackoff = time.Duration(d.InitialBackoff)
	}
	if d.MaxBackoff > 0 {
		cfg.MaxBackoff = time.Duration(d.MaxBackoff)
	}
	if d.Multiplier > 0 {
		cfg.BackoffMultiplier = d.Multiplier
	}
	if d.Jitter > 0 {
		cfg.Jitter = d.Jitter
	}
	return cfg
}

func buildTools(docs []toolDoc) (map[ensemble.ToolID]*Tool, []ensemble.ToolID, error) {
	tools := make(map[ensemble.ToolID]*Tool, len(docs))
	order := make([]ensemble.ToolID, 0, len(docs))
	for _, d := range docs {
		if d.ID == "" {
			return nil, nil, invalidf("tool with empty id")
		}
		id := ensemble.ToolID(d.ID)
		if _, ok := tools[id]; ok {
			return nil, nil, invalidf("duplicate tool %q", d.ID)
		}
		in, err := compileSchema(fmt.Sprintf("tool %q input", d.ID), d.InputSchema)
		if err != nil {
			return nil, nil, err
		}
		out, err := compileSchema(fmt.Sprintf("tool %q output", d.ID), d.OutputSchema)
		if err != nil {
			return nil, nil, err
		}
		raw, err := normalizeSchema(d.InputSchema)
		if err != nil {
			return nil, nil, invalidf("tool %q input schema: %v", d.ID, err)
		}
		tools[id] = &Tool{
			ID:             id,
			Description:    d.Description,
			InputSchema:    in,
			RawInputSchema: raw,
			OutputSchema:   out,
			Endpoint:       d.Endpoint,
			Idempotent:     d.Idempotent,
		}
		order = append(order, id)
	}
	return tools, order, nil
}

func buildAgents(docs []agentDoc, profiles map[string]*ModelProfile, tools map[ensemble.ToolID]*Tool) (map[ensemble.AgentID]*Agent, []ensemble.AgentID, error) {
	if len(docs) == 0 {
		return nil, nil, invalidf("at least one agent is required")
	}
	agents := make(map[ensemble.AgentID]*Agent, len(docs))
	order := make([]ensemble.AgentID, 0, len(docs))
	for _, d := range docs {
		if d.ID == "" {
			return nil, nil, invalidf("agent with empty id")
		}
		id := ensemble.AgentID(d.ID)
		if _, ok := agents[id]; ok {
			return nil, nil, invalidf("duplicate agent %q", d.ID)
		}
		profile, ok := profiles[d.ModelProfile]
		if !ok {
			return nil, nil, invalidf("agent %q: unknown model profile %q", d.ID, d.ModelProfile)
		}
		for _, t := range d.AllowTools {
			if _, ok := tools[ensemble.ToolID(t)]; !ok {
				return nil, nil, invalidf("agent %q: unknown tool %q in allow_tools", d.ID, t)
			}
		}
		for _, t := range d.DenyTools {
			if _, ok := tools[ensemble.ToolID(t)]; !ok {
				return nil, nil, invalidf("agent %q: unknown tool %q in deny_tools", d.ID, t)
			}
		}
		if d.MaxIterations < 0 {
			return nil, nil, invalidf("agent %q: max_iterations must not be negative", d.ID)
		}
		if d.IterationTimeout < 0 {
			return nil, nil, invalidf("agent %q: iteration_timeout must not be negative", d.ID)
		}
		schema, err := compileSchema(fmt.Sprintf("agent %q output", d.ID), d.OutputSchema)
		if err != nil {
			return nil, nil, err
		}
		budget, err := buildBudget(d.ID, d.ContextBudget)
		if err != nil {
			return nil, nil, err
		}
		agents[id] = &Agent{
			ID:               id,
			Description:      d.Description,
			Capabilities:     d.Capabilities,
			Profile:          profile,
			AllowTools:       toolIDs(d.AllowTools),
			DenyTools:        toolIDs(d.DenyTools),
			MaxIterations:    d.MaxIterations,
			IterationTimeout: time.Duration(d.IterationTimeout),
			OutputSchema:     schema,
			Budget:           budget,
		}
		order = append(order, id)
	}
	return agents, order, nil
}

// buildBudget resolves a context budget override. The triple is
// all-or-nothing: a partial override is a document error, not a default.
func buildBudget(agent string, d *budgetDoc) (*ContextBudget, error) {
	if d == nil {
		return nil, nil
	}
	if d.InputPct == nil || d.OutputsPct == nil || d.ObservationsPct == nil {
		return nil, invalidf("agent %q: context_budget must set input_pct, outputs_pct and observations_pct together", agent)
	}
	in, out, obs := *d.InputPct, *d.OutputsPct, *d.ObservationsPct
	if in < 0 || out < 0 || obs < 0 {
		return nil, invalidf("agent %q: context_budget percentages must not be negative", agent)
	}
	if in+out+obs != 100 {
		return nil, invalidf("agent %q: context_budget percentages must sum to 100, got %d", agent, in+out+obs)
	}
	return &ContextBudget{InputPct: in, OutputsPct: out, ObservationsPct: obs}, nil
}

func buildWorkflow(d workflowDoc, agents map[ensemble.AgentID]*Agent, profiles map[string]*ModelProfile) (Workflow, error) {
	if d.Name == "" {
		return Workflow{}, invalidf("workflow name is required")
	}
	var profile *ModelProfile
	if d.ModelProfile != "" {
		p, ok := profiles[d.ModelProfile]
		if !ok {
			return Workflow{}, invalidf("workflow: unknown model profile %q", d.ModelProfile)
		}
		profile = p
	}
	if err := checkAgentRefs("sequence", d.Sequence, agents); err != nil {
		return Workflow{}, err
	}
	if err := checkAgentRefs("optional_agents", d.OptionalAgents, agents); err != nil {
		return Workflow{}, err
	}
	if err := checkAgentRefs("completion.required_agents", d.Completion.RequiredAgents, agents); err != nil {
		return Workflow{}, err
	}
	if d.Constraints.MaxRounds < 0 {
		return Workflow{}, invalidf("workflow constraints: max_rounds must not be negative")
	}
	if d.Constraints.MaxAgentInvocations < 0 {
		return Workflow{}, invalidf("workflow constraints: max_agent_invocations must not be negative")
	}
	if d.Constraints.MaxDuration < 0 {
		return Workflow{}, invalidf("workflow constraints: max_duration must not be negative")
	}
	return Workflow{
		Name:           d.Name,
		Description:    d.Description,
		Profile:        profile,
		Sequence:       agentIDs(d.Sequence),
		OptionalAgents: agentIDs(d.OptionalAgents),
		Completion: CompletionCriteria{
			RequiredAgents:  agentIDs(d.Completion.RequiredAgents),
			RequiredOutputs: d.Completion.RequiredOutputs,
		},
		MaxDuration: time.Duration(d.Constraints.MaxDuration),
		MaxRounds:   d.Constraints.MaxRounds,
	}, nil
}

func checkAgentRefs(field string, ids []string, agents map[ensemble.AgentID]*Agent) error {
	for _, id := range ids {
		if _, ok := agents[ensemble.AgentID(id)]; !ok {
			return invalidf("workflow %s: unknown agent %q", field, id)
		}
	}
	return nil
}

func buildPolicy(d governanceDoc, c constraintDoc, agents map[ensemble.AgentID]*Agent) (*governance.Policy, error) {
	for _, id := range d.AgentAllowlist {
		if _, ok := agents[ensemble.AgentID(id)]; !ok {
			return nil, invalidf("governance agent_allowlist: unknown agent %q", id)
		}
	}
	for _, id := range d.AgentDenylist {
		if _, ok := agents[ensemble.AgentID(id)]; !ok {
			return nil, invalidf("governance agent_denylist: unknown agent %q", id)
		}
	}
	if d.MaxInvocationsPerAgent < 0 {
		return nil, invalidf("governance: max_invocations_per_agent must not be negative")
	}
	if d.Resources.MaxModelCalls < 0 || d.Resources.MaxTokens < 0 || d.Resources.MaxToolCalls < 0 {
		return nil, invalidf("governance resources: ceilings must not be negative")
	}
	grants := make(map[ensemble.AgentID]governance.ToolGrant, len(agents))
	for id, a := range agents {
		grants[id] = governance.ToolGrant{Allow: a.AllowTools, Deny: a.DenyTools}
	}
	return &governance.Policy{
		AgentAllowlist:         agentIDs(d.AgentAllowlist),
		AgentDenylist:          agentIDs(d.AgentDenylist),
		MaxInvocationsPerAgent: d.MaxInvocationsPerAgent,
		MaxTotalInvocations:    c.MaxAgentInvocations,
		ToolGrants:             grants,
		MaxModelCalls:          d.Resources.MaxModelCalls,
		MaxTokens:              d.Resources.MaxTokens,
		MaxToolCalls:           d.Resources.MaxToolCalls,
	}, nil
}

// normalizeSchema round-trips a YAML schema node through JSON so the result
// uses plain JSON types. YAML mappings decode as map[string]any so the
// round-trip is lossless for schema documents.
func normalizeSchema(raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// compileSchema converts a YAML schema node to JSON and compiles it.
func compileSchema(name string, raw any) (*jsonschema.Schema, error) {
	if raw == nil {
		return nil, nil
	}
	schemaDoc, err := normalizeSchema(raw)
	if err != nil {
		return nil, invalidf("%s schema: %v", name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", schemaDoc); err != nil {
		return nil, invalidf("%s schema: %v", name, err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, invalidf("%s schema: %v", name, err)
	}
	return schema, nil
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDocument, fmt.Sprintf(format, args...))
}

func agentIDs(ss []string) []ensemble.AgentID {
	if len(ss) == 0 {
		return nil
	}
	out := make([]ensemble.AgentID, len(ss))
	for i, s := range ss {
		out[i] = ensemble.AgentID(s)
	}
	return out
}

func toolIDs(ss []string) []ensemble.ToolID {
	if len(ss) == 0 {
		return nil
	}
	out := make([]ensemble.ToolID, len(ss))
	for i, s := range ss {
		out[i] = ensemble.ToolID(s)
	}
	return out
}
