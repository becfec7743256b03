// Package anthropic provides a model.Client implementation backed by the
// Anthropic Claude Messages API. It translates ensemble requests into
// anthropic.Message calls using github.com/anthropics/anthropic-sdk-go and
// maps responses (text, tool use, usage) back into the loop-facing
// structures.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/ensemble"
	"goa.design/ensemble/runtime/model"
)

// Provider is the identifier under which gateway routing selects this
// adapter. Model profiles reference it in their provider field.
const Provider = "anthropic"

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by the
	// adapter. It is satisfied by *sdk.MessageService so callers can pass either a
	// real client or a stub in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures optional Anthropic adapter behavior.
	Options struct {
		// DefaultModel is the Claude model identifier used when
		// model.Request.Model is empty. Use the typed model constants from
		// github.com/anthropics/anthropic-sdk-go (for example,
		// string(sdk.ModelClaudeSonnet4_5_20250929)) or the identifiers listed in
		// the Anthropic model reference.
		DefaultModel string

		// MaxTokens sets the default completion cap when a request does not
		// specify MaxTokens. When zero or negative, the client requires callers to
		// set Request.MaxTokens explicitly.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float64
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int
		temp         float64
	}
)

// New builds an Anthropic-backed model client from the provided Anthropic
// Messages client and configuration options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
// It reads ANTHROPIC_API_KEY and related defaults from the environment via
// sdk.DefaultClientOptions.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming Messages.New request and translates the
// response into loop-facing structures (assistant text + tool calls).
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, provToCanon, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, translateError(err)
	}
	return translateResponse(msg, provToCanon)
}

func (c *Client) prepareRequest(req *model.Request) (*sdk.MessageNewParams, map[string]string, error) {
	if len(req.Messages) == 0 {
		return nil, nil, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	tools, provToCanon, err := encodeTools(req.Tools)
	if err != nil {
		return nil, nil, err
	}
	msgs, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, nil, err
	}
	maxTokens := c.effectiveMaxTokens(req.MaxTokens)
	if maxTokens <= 0 {
		return nil, nil, errors.New("anthropic: max_tokens must be positive")
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		params.Temperature = sdk.Float(t)
	}
	return &params, provToCanon, nil
}

func (c *Client) effectiveMaxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return c.maxTok
}

func (c *Client) effectiveTemperature(requested float32) float64 {
	if requested > 0 {
		return float64(requested)
	}
	return c.temp
}

// encodeMessages splits the compiled conversation into Anthropic system
// blocks and user/assistant turns. The compiler guarantees role attribution;
// producer metadata is already rendered into the content and is not re-encoded
// here.
func encodeMessages(msgs []*model.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	system := make([]sdk.TextBlockParam, 0, 1)
	for _, m := range msgs {
		if m == nil || m.Content == "" {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case model.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

// encodeTools renders tool definitions into Anthropic tool params. Canonical
// catalog identifiers ("lookup.policy-rules") contain characters Anthropic
// rejects, so each name is sanitized and a reverse map is returned to restore
// the canonical identifier when translating tool_use blocks.
func encodeTools(defs []*model.ToolDefinition) ([]sdk.ToolUnionParam, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil
	}
	toolList := make([]sdk.ToolUnionParam, 0, len(defs))
	provToCanon := make(map[string]string, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		if def.Description == "" {
			return nil, nil, fmt.Errorf("anthropic: tool %q is missing description", def.Name)
		}
		sanitized := sanitizeToolName(def.Name)
		if prev, ok := provToCanon[sanitized]; ok && prev != def.Name {
			return nil, nil, fmt.Errorf("anthropic: tool name %q sanitizes to %q which collides with %q", def.Name, sanitized, prev)
		}
		provToCanon[sanitized] = def.Name
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, sanitized)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		toolList = append(toolList, u)
	}
	if len(toolList) == 0 {
		return nil, nil, nil
	}
	return toolList, provToCanon, nil
}

func toolInputSchema(schema any) (sdk.ToolInputSchemaParam, error) {
	if schema == nil {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var raw json.RawMessage
	switch v := schema.(type) {
	case json.RawMessage:
		raw = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return sdk.ToolInputSchemaParam{}, err
		}
		raw = data
	}
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{
		ExtraFields: m,
	}, nil
}

// sanitizeToolName maps a canonical tool identifier to the characters allowed
// by Anthropic tool naming constraints by replacing any disallowed rune with
// '_'. Catalog identifiers use dots to namespace ("toolset.tool"), which
// Anthropic rejects.
func sanitizeToolName(in string) string {
	if isProviderSafeToolName(in) {
		return in
	}
	out := make([]rune, 0, len(in))
	for _, r := range in {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

func isProviderSafeToolName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func translateResponse(msg *sdk.Message, provToCanon map[string]string) (*model.Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	resp := &model.Response{}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(block.Text)
		case "tool_use":
			name := block.Name
			// When the model hallucinates a tool name that was not advertised in
			// this request, the reverse map will not contain it. Surface the call
			// as-is and let the gateway return an unknown tool fault.
			if canonical, ok := provToCanon[name]; ok {
				name = canonical
			}
			var payload any
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &payload); err != nil {
					payload = map[string]any{"raw": string(block.Input)}
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				Name:    ensemble.ToolID(name),
				Payload: payload,
			})
		}
	}
	resp.Content = text.String()
	if u := msg.Usage; u.InputTokens != 0 || u.OutputTokens != 0 {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(u.InputTokens),
			OutputTokens: int(u.OutputTokens),
			TotalTokens:  int(u.InputTokens + u.OutputTokens),
		}
	}
	resp.StopReason = string(msg.StopReason)
	return resp, nil
}

// translateError maps Anthropic SDK failures onto the shared provider error
// vocabulary. Rate-limit and availability failures keep the matching sentinel
// in their cause chain so retry policies match them with errors.Is. Context
// cancellation passes through untouched so loops can tell caller-side
// termination from provider failure.
func translateError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apierr *sdk.Error
	if !errors.As(err, &apierr) {
		cause := fmt.Errorf("%w: %w", model.ErrUnavailable, err)
		return model.NewProviderError(Provider, "messages.new", 0, model.ProviderErrorKindUnavailable, "", "", "", cause)
	}
	kind, code := classifyStatus(apierr.StatusCode)
	cause := err
	switch kind {
	case model.ProviderErrorKindRateLimited:
		cause = fmt.Errorf("%w: %w", model.ErrRateLimited, err)
	case model.ProviderErrorKindUnavailable:
		cause = fmt.Errorf("%w: %w", model.ErrUnavailable, err)
	}
	return model.NewProviderError(Provider, "messages.new", apierr.StatusCode, kind, code, "", responseRequestID(apierr.Response), cause)
}

// classifyStatus maps HTTP status codes to provider error kinds using the
// error table from the Anthropic API reference.
func classifyStatus(status int) (model.ProviderErrorKind, string) {
	switch status {
	case http.StatusBadRequest:
		return model.ProviderErrorKindInvalidRequest, "invalid_request_error"
	case http.StatusUnauthorized:
		return model.ProviderErrorKindAuth, "authentication_error"
	case http.StatusForbidden:
		return model.ProviderErrorKindAuth, "permission_error"
	case http.StatusNotFound:
		return model.ProviderErrorKindInvalidRequest, "not_found_error"
	case http.StatusRequestEntityTooLarge:
		return model.ProviderErrorKindInvalidRequest, "request_too_large"
	case http.StatusTooManyRequests:
		return model.ProviderErrorKindRateLimited, "rate_limit_error"
	case 529:
		return model.ProviderErrorKindUnavailable, "overloaded_error"
	}
	if status >= 500 {
		return model.ProviderErrorKindUnavailable, "api_error"
	}
	return model.ProviderErrorKindUnknown, ""
}

func responseRequestID(resp *http.Response) string {
	if resp == nil {
		return ""
	}
	return resp.Header.Get("request-id")
}
