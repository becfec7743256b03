// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock Converse API. It splits system from conversational messages,
// encodes tool schemas into Bedrock's ToolConfiguration and translates
// Converse responses (text + tool_use blocks) back into the loop-facing
// structures.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/ensemble"
	"goa.design/ensemble/runtime/model"
)

// Provider is the identifier under which gateway routing selects this
// adapter.
const Provider = "bedrock"

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client required
// by the adapter. It matches *bedrockruntime.Client so callers can pass either
// the real client or a mock in tests.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the Bedrock client adapter.
type Options struct {
	// Runtime provides access to the Bedrock runtime. Required.
	Runtime RuntimeClient

	// DefaultModel is the model identifier used when model.Request.Model is
	// empty (e.g., "anthropic.claude-sonnet-4-5-v1:0").
	DefaultModel string

	// MaxTokens sets the default completion cap when a request does not specify
	// MaxTokens. When zero or negative, the client omits MaxTokens so Bedrock
	// uses its own default.
	MaxTokens int

	// Temperature is used when a request does not specify Temperature.
	Temperature float32
}

// Client implements model.Client on top of AWS Bedrock Converse.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	maxTok       int
	temp         float32
}

// New builds a Bedrock-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		runtime:      opts.Runtime,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromConfig constructs a client from a resolved AWS configuration using
// the default Bedrock runtime client.
func NewFromConfig(cfg aws.Config, opts Options) (*Client, error) {
	opts.Runtime = bedrockruntime.NewFromConfig(cfg)
	return New(opts)
}

// Complete issues a Converse request to the configured Bedrock model and
// translates the response into loop-facing structures.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	input, provToCanon, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return nil, translateError(err)
	}
	return translateResponse(output, provToCanon)
}

func (c *Client) prepareRequest(req *model.Request) (*bedrockruntime.ConverseInput, map[string]string, error) {
	if len(req.Messages) == 0 {
		return nil, nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	toolConfig, provToCanon, err := encodeTools(req.Tools)
	if err != nil {
		return nil, nil, err
	}
	messages, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, nil, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: messages,
	}
	if len(system) > 0 {
		input.System = system
	}
	if toolConfig != nil {
		input.ToolConfig = toolConfig
	}
	if cfg := c.inferenceConfig(req.MaxTokens, req.Temperature); cfg != nil {
		input.InferenceConfig = cfg
	}
	return input, provToCanon, nil
}

func (c *Client) inferenceConfig(maxTokens int, temp float32) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	tokens := maxTokens
	if tokens <= 0 {
		tokens = c.maxTok
	}
	if tokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(tokens)) //nolint:gosec // AWS SDK requires int32
	}
	t := temp
	if t <= 0 {
		t = c.temp
	}
	if t > 0 {
		cfg.Temperature = aws.Float32(t)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

func encodeMessages(msgs []*model.Message) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	conversation := make([]brtypes.Message, 0, len(msgs))
	system := make([]brtypes.SystemContentBlock, 0, 1)
	for _, m := range msgs {
		if m == nil || m.Content == "" {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
		case model.RoleUser:
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		case model.RoleAssistant:
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		default:
			return nil, nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

// encodeTools builds Bedrock's ToolConfiguration from the tool definitions.
// Canonical catalog identifiers are sanitized for Bedrock's name constraints
// and a reverse map is returned to restore them on translation.
func encodeTools(defs []*model.ToolDefinition) (*brtypes.ToolConfiguration, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	provToCanon := make(map[string]string, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		if def.Description == "" {
			return nil, nil, fmt.Errorf("bedrock: tool %q is missing description", def.Name)
		}
		sanitized := sanitizeToolName(def.Name)
		if prev, ok := provToCanon[sanitized]; ok && prev != def.Name {
			return nil, nil, fmt.Errorf("bedrock: tool name %q sanitizes to %q which collides with %q", def.Name, sanitized, prev)
		}
		provToCanon[sanitized] = def.Name
		schemaDoc, err := schemaDocument(def.InputSchema)
		if err != nil {
			return nil, nil, fmt.Errorf("bedrock: tool %q schema: %w", def.Name, err)
		}
		spec := brtypes.ToolSpecification{
			Name:        aws.String(sanitized),
			Description: aws.String(def.Description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: schemaDoc},
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	if len(toolList) == 0 {
		return nil, nil, nil
	}
	return &brtypes.ToolConfiguration{Tools: toolList}, provToCanon, nil
}

func schemaDocument(schema any) (document.Interface, error) {
	if schema == nil {
		return document.NewLazyDocument(map[string]any{"type": "object"}), nil
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
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return document.NewLazyDocument(m), nil
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

func translateResponse(output *bedrockruntime.ConverseOutput, provToCanon map[string]string) (*model.Response, error) {
	if output == nil {
		return nil, errors.New("bedrock: response is nil")
	}
	resp := &model.Response{}
	var text strings.Builder
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				if v.Value == "" {
					continue
				}
				if text.Len() > 0 {
					text.WriteString("\n")
				}
				text.WriteString(v.Value)
			case *brtypes.ContentBlockMemberToolUse:
				name := aws.ToString(v.Value.Name)
				if canonical, ok := provToCanon[name]; ok {
					name = canonical
				}
				resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
					Name:    ensemble.ToolID(name),
					Payload: decodeDocument(v.Value.Input),
				})
			}
		}
	}
	resp.Content = text.String()
	if usage := output.Usage; usage != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(aws.ToInt32(usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(usage.OutputTokens)),
			TotalTokens:  int(aws.ToInt32(usage.TotalTokens)),
		}
	}
	resp.StopReason = string(output.StopReason)
	return resp, nil
}

func decodeDocument(doc document.Interface) any {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return map[string]any{"raw": string(data)}
	}
	return payload
}

// translateError maps Bedrock failures onto the shared provider error
// vocabulary. Classification prefers the smithy error code over the HTTP
// status because Bedrock surfaces throttling both ways. Context cancellation
// passes through untouched.
func translateError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var (
		status int
		code   string
		msg    string
	)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		msg = apiErr.ErrorMessage()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	kind := classify(code, status)
	cause := err
	switch kind {
	case model.ProviderErrorKindRateLimited:
		cause = fmt.Errorf("%w: %w", model.ErrRateLimited, err)
	case model.ProviderErrorKindUnavailable:
		cause = fmt.Errorf("%w: %w", model.ErrUnavailable, err)
	}
	return model.NewProviderError(Provider, "converse", status, kind, code, msg, "", cause)
}

func classify(code string, status int) model.ProviderErrorKind {
	switch code {
	case "ThrottlingException", "TooManyRequestsException":
		return model.ProviderErrorKindRateLimited
	case "ServiceUnavailableException", "InternalServerException", "ModelTimeoutException", "ModelNotReadyException":
		return model.ProviderErrorKindUnavailable
	case "ValidationException", "ResourceNotFoundException":
		return model.ProviderErrorKindInvalidRequest
	case "AccessDeniedException", "UnauthorizedException":
		return model.ProviderErrorKindAuth
	}
	switch {
	case status == http.StatusTooManyRequests:
		return model.ProviderErrorKindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return model.ProviderErrorKindAuth
	case status == http.StatusBadRequest || status == http.StatusNotFound:
		return model.ProviderErrorKindInvalidRequest
	case status >= http.StatusInternalServerError:
		return model.ProviderErrorKindUnavailable
	case status == 0 && code == "":
		// Transport-level failure with no provider response.
		return model.ProviderErrorKindUnavailable
	}
	return model.ProviderErrorKindUnknown
}
