// Package model provides the provider-agnostic contract for LLM calls made by
// the orchestrator and worker loops. It defines a normalized request/response
// pair over chat completion APIs (Anthropic, OpenAI, Bedrock) so loops can
// invoke models without coupling to specific SDKs. Implementations translate
// these types into provider-specific formats.
package model

import (
	"context"
	"errors"

	"goa.design/ensemble"
)

// Message roles. Every compiled prompt message carries one of these.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type (
	// Client defines the contract loops use to invoke LLM calls. Implementations
	// wrap provider SDKs and translate Request/Response to provider-specific
	// formats. Clients must be safe for concurrent use: worker loops running in
	// the same round share one client.
	Client interface {
		// Complete sends a chat completion request to the model provider and
		// returns the generated response with token usage. Returns an error if
		// the provider is unavailable, quota is exceeded, or the request is
		// malformed. Local retry policy is applied by the caller, not here.
		Complete(ctx context.Context, req *Request) (*Response, error)
	}

	// Request captures the normalized parameters for a model invocation. The
	// loop fills Provider/Model/Temperature/MaxTokens from the registry model
	// profile and Messages from the context compiler's frozen output.
	Request struct {
		// Provider selects the adapter when requests flow through a routing
		// gateway (e.g., "anthropic", "openai", "bedrock").
		Provider string

		// Model identifies the target model using the provider-specific
		// identifier (e.g., "claude-sonnet-4-5", "gpt-4o").
		Model string

		// Messages is the ordered, compiled conversation provided to the model.
		// The order is frozen by the compiler's injection stage and must not be
		// mutated by implementations.
		Messages []*Message

		// Temperature controls sampling temperature. Zero means greedy decoding.
		Temperature float32

		// Tools describes the tool schemas exposed to the model for native
		// function calling. Empty when the caller parses directives from text
		// content instead.
		Tools []*ToolDefinition

		// MaxTokens caps the number of completion tokens the model can generate.
		// Zero means use the provider's default.
		MaxTokens int
	}

	// Response wraps the generated content, any tool call suggestions, and the
	// token usage reported by the provider.
	Response struct {
		// Content is the assistant text returned by the model. Empty if the
		// model only requested tool calls without generating text.
		Content string

		// ToolCalls lists tool invocations requested through native function
		// calling. Empty if the model produced a text response; loops also
		// accept structured directives embedded in Content.
		ToolCalls []ToolCall

		// Usage reports token usage when available. Some providers don't report
		// usage for certain models; check TotalTokens > 0 to confirm
		// availability before charging ledgers.
		Usage TokenUsage

		// StopReason explains why the model stopped generating. Values are
		// provider-specific ("end_turn", "max_tokens", "tool_use", ...) and may
		// be empty.
		StopReason string
	}

	// Message mirrors an LLM chat message with role and content. Messages form
	// the conversation history sent to the model.
	Message struct {
		// Role is one of RoleSystem, RoleUser or RoleAssistant.
		Role string

		// Content is the message text.
		Content string

		// Producer identifies the agent whose output this message carries, when
		// the message was synthesized from another agent's observations. Empty
		// for plain user/system turns.
		Producer ensemble.AgentID

		// Meta carries provider-specific metadata. Loops ignore it; it is
		// preserved for debugging and provider round-trips.
		Meta map[string]any
	}

	// ToolDefinition describes a tool schema passed to model providers for
	// native function calling. The model uses the name and description to
	// decide when to invoke the tool, and the schema to generate valid
	// arguments.
	ToolDefinition struct {
		// Name is the identifier presented to the model. Some providers
		// restrict allowed characters (alphanumeric + underscores) or length.
		Name string

		// Description documents the tool for prompting purposes.
		Description string

		// InputSchema is the JSON Schema describing the tool's input
		// parameters, typically a map[string]any with "type": "object".
		InputSchema any
	}

	// ToolCall captures a tool invocation requested by the model provider
	// during native function calling.
	ToolCall struct {
		// Name identifies which tool should be invoked. Must match a
		// ToolDefinition.Name from the request.
		Name ensemble.ToolID

		// Payload carries the JSON arguments requested by the model, typically
		// a map[string]any conforming to the tool's input schema.
		Payload any
	}

	// TokenUsage records prompt/completion token counts when provided by the
	// model provider. The governance ledger charges TotalTokens against the
	// session token ceiling.
	TokenUsage struct {
		// InputTokens counts tokens consumed by the input prompt and history.
		InputTokens int

		// OutputTokens counts tokens produced by the model in this completion.
		OutputTokens int

		// TotalTokens reports the aggregate tokens consumed. Some providers
		// compute this differently from Input + Output (e.g., including
		// overhead), so prefer this field when available.
		TotalTokens int
	}
)

// ErrStreamingUnsupported indicates the model provider does not implement
// streaming. The loop contract is Complete only; transports that expose
// streaming natively return this when asked to stream anyway.
var ErrStreamingUnsupported = errors.New("model: streaming unsupported")

// ErrRateLimited indicates the provider is throttling requests. Gateways and
// rate-limit middleware match on this sentinel to back off.
var ErrRateLimited = errors.New("model: rate limited")

// ErrUnavailable indicates a transient provider failure (5xx, network) where
// a retry may succeed.
var ErrUnavailable = errors.New("model: provider unavailable")
