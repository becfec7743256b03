// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API. It translates ensemble requests into chat completion
// calls using github.com/openai/openai-go and maps responses back to the
// loop-facing structures.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"goa.design/ensemble"
	"goa.design/ensemble/runtime/model"
)

// Provider is the identifier under which gateway routing selects this
// adapter.
const Provider = "openai"

// ChatClient captures the subset of the openai-go client used by the adapter.
// It is satisfied by *openai.ChatCompletionService.
type ChatClient interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	Client       ChatClient
	DefaultModel string
}

// Client implements model.Client via the OpenAI Chat Completions API.
type Client struct {
	chat  ChatClient
	model string
}

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client using the default openai-go HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := openai.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Client: &oc.Chat.Completions, DefaultModel: defaultModel})
}

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	tools, provToCanon, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelID),
		Messages: messages,
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(float64(req.Temperature))
	}
	completion, err := c.chat.New(ctx, params)
	if err != nil {
		return nil, translateError(err)
	}
	return translateResponse(completion, provToCanon), nil
}

func encodeMessages(msgs []*model.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		if m == nil || m.Content == "" {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case model.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case model.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	return out, nil
}

// encodeTools renders tool definitions into OpenAI function tools. Function
// names share Anthropic's character constraints, so dotted catalog
// identifiers are sanitized the same way and restored from the reverse map
// when translating tool calls.
func encodeTools(defs []*model.ToolDefinition) ([]openai.ChatCompletionToolUnionParam, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil
	}
	tools := make([]openai.ChatCompletionToolUnionParam, 0, len(defs))
	provToCanon := make(map[string]string, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		sanitized := sanitizeToolName(def.Name)
		if prev, ok := provToCanon[sanitized]; ok && prev != def.Name {
			return nil, nil, fmt.Errorf("openai: tool name %q sanitizes to %q which collides with %q", def.Name, sanitized, prev)
		}
		provToCanon[sanitized] = def.Name
		params, err := functionParameters(def.InputSchema)
		if err != nil {
			return nil, nil, fmt.Errorf("openai: tool %q schema: %w", def.Name, err)
		}
		fn := shared.FunctionDefinitionParam{
			Name:       sanitized,
			Parameters: params,
		}
		if def.Description != "" {
			fn.Description = openai.String(def.Description)
		}
		tools = append(tools, openai.ChatCompletionFunctionTool(fn))
	}
	if len(tools) == 0 {
		return nil, nil, nil
	}
	return tools, provToCanon, nil
}

func functionParameters(schema any) (shared.FunctionParameters, error) {
	if schema == nil {
		return nil, nil
	}
	var raw json.RawMessage
	switch v := schema.(type) {
	case json.RawMessage:
		raw = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return shared.FunctionParameters(m), nil
}

func sanitizeToolName(in string) string {
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

func translateResponse(resp *openai.ChatCompletion, provToCanon map[string]string) *model.Response {
	out := &model.Response{}
	var text strings.Builder
	for _, choice := range resp.Choices {
		msg := choice.Message
		if msg.Content != "" {
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(msg.Content)
		}
		for _, call := range msg.ToolCalls {
			name := call.Function.Name
			if canonical, ok := provToCanon[name]; ok {
				name = canonical
			}
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				Name:    ensemble.ToolID(name),
				Payload: parseToolArguments(call.Function.Arguments),
			})
		}
	}
	out.Content = text.String()
	out.Usage = model.TokenUsage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:  int(resp.Usage.TotalTokens),
	}
	if len(resp.Choices) > 0 {
		out.StopReason = string(resp.Choices[0].FinishReason)
	}
	return out
}

func parseToolArguments(raw string) any {
	if raw == "" {
		return nil
	}
	var payload any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return map[string]any{"raw": raw}
	}
	return payload
}

// translateError maps openai-go failures onto the shared provider error
// vocabulary, keeping the retry sentinels in the cause chain. Context
// cancellation passes through untouched.
func translateError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apierr *openai.Error
	if !errors.As(err, &apierr) {
		cause := fmt.Errorf("%w: %w", model.ErrUnavailable, err)
		return model.NewProviderError(Provider, "chat.completions.new", 0, model.ProviderErrorKindUnavailable, "", "", "", cause)
	}
	kind := classifyStatus(apierr.StatusCode)
	cause := err
	switch kind {
	case model.ProviderErrorKindRateLimited:
		cause = fmt.Errorf("%w: %w", model.ErrRateLimited, err)
	case model.ProviderErrorKindUnavailable:
		cause = fmt.Errorf("%w: %w", model.ErrUnavailable, err)
	}
	return model.NewProviderError(Provider, "chat.completions.new", apierr.StatusCode, kind, apierr.Code, apierr.Message, responseRequestID(apierr.Response), cause)
}

func classifyStatus(status int) model.ProviderErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return model.ProviderErrorKindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return model.ProviderErrorKindAuth
	case status == http.StatusBadRequest || status == http.StatusNotFound || status == http.StatusUnprocessableEntity:
		return model.ProviderErrorKindInvalidRequest
	case status >= 500:
		return model.ProviderErrorKindUnavailable
	}
	return model.ProviderErrorKindUnknown
}

func responseRequestID(resp *http.Response) string {
	if resp == nil {
		return ""
	}
	return resp.Header.Get("x-request-id")
}
