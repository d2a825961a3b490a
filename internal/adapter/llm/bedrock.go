package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/trace"

	"floorbot/internal/domain"
	"floorbot/internal/infra/config"
	"floorbot/internal/infra/tracer"
)

const (
	defaultBedrockRegion    = "us-east-1"
	defaultBedrockMaxTokens = 1000
)

// converser is the slice of the Bedrock runtime client the provider needs.
type converser interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockProvider implements domain.LLMProvider over the Bedrock Converse API.
// Credentials come from the default AWS chain.
type BedrockProvider struct {
	name   string
	model  string
	client converser
	logger *slog.Logger
}

// NewBedrockProvider loads AWS configuration for cfg.Region and shares the
// provider HTTP transport settings with the SDK client.
func NewBedrockProvider(cfg config.ProviderConfig, logger *slog.Logger) (*BedrockProvider, error) {
	region := cfg.Region
	if region == "" {
		region = defaultBedrockRegion
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(NewHTTPClient(cfg)),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newBedrockProviderWithClient(cfg.Name, cfg.Model, bedrockruntime.NewFromConfig(awsCfg), logger), nil
}

func newBedrockProviderWithClient(name, model string, client converser, logger *slog.Logger) *BedrockProvider {
	return &BedrockProvider{name: name, model: model, client: client, logger: logger}
}

// Chat implements domain.LLMProvider.
func (p *BedrockProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if req.Model == "" {
		req.Model = p.model
	}

	ctx, span := tracer.StartSpan(ctx, "llm.chat",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", req.Model),
			tracer.IntAttr("llm.tools", len(req.Tools)),
		),
	)
	defer span.End()

	out, err := p.client.Converse(ctx, toBedrockConverseInput(req))
	if err != nil {
		err = mapBedrockError(ctx, err)
		tracer.RecordError(span, err)
		return nil, err
	}

	result := fromBedrockConverseOutput(out, req.Model)
	setUsageAttrs(span, result.Usage)
	tracer.SetOK(span)
	logChatCompleted(p.logger, p.name, result)
	return result, nil
}

// Name implements domain.LLMProvider.
func (p *BedrockProvider) Name() string { return p.name }

func toBedrockConverseInput(req domain.ChatRequest) *bedrockruntime.ConverseInput {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultBedrockMaxTokens
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(req.Model),
		InferenceConfig: &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(maxTokens))},
	}
	if req.Temperature > 0 {
		input.InferenceConfig.Temperature = aws.Float32(float32(req.Temperature))
	}

	var conv bedrockConversation
	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: m.Content}}
			continue
		}
		conv.add(m)
	}
	input.Messages = conv.messages

	if len(req.Tools) > 0 {
		input.ToolConfig = bedrockToolConfig(req.Tools)
	}
	return input
}

// bedrockConversation accumulates Converse messages. Converse requires
// alternating roles, so the results of one assistant turn share a single
// user message.
type bedrockConversation struct {
	messages    []types.Message
	openResults bool
}

func (c *bedrockConversation) add(m domain.Message) {
	switch m.Role {
	case domain.RoleTool:
		block := &types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
			ToolUseId: aws.String(m.ToolCallID),
			Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: m.Content}},
		}}
		if c.openResults {
			last := &c.messages[len(c.messages)-1]
			last.Content = append(last.Content, block)
			return
		}
		c.push(types.ConversationRoleUser, block)
		c.openResults = true
		return
	case domain.RoleAssistant:
		var blocks []types.ContentBlock
		if m.Content != "" {
			blocks = append(blocks, &types.ContentBlockMemberText{Value: m.Content})
		}
		for _, call := range m.ToolCalls {
			blocks = append(blocks, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
				ToolUseId: aws.String(call.ID),
				Name:      aws.String(call.Name),
				Input:     document.NewLazyDocument(jsonObject(call.Arguments, nil)),
			}})
		}
		c.push(types.ConversationRoleAssistant, blocks...)
	case domain.RoleUser:
		c.push(types.ConversationRoleUser, &types.ContentBlockMemberText{Value: m.Content})
	default:
		return
	}
	c.openResults = false
}

func (c *bedrockConversation) push(role types.ConversationRole, blocks ...types.ContentBlock) {
	c.messages = append(c.messages, types.Message{Role: role, Content: blocks})
}

func bedrockToolConfig(schemas []domain.ToolSchema) *types.ToolConfiguration {
	tools := make([]types.Tool, 0, len(schemas))
	for _, s := range schemas {
		tools = append(tools, &types.ToolMemberToolSpec{Value: types.ToolSpecification{
			Name:        aws.String(s.Name),
			Description: aws.String(s.Description),
			InputSchema: &types.ToolInputSchemaMemberJson{
				Value: document.NewLazyDocument(jsonObject(s.Parameters, map[string]any{"type": "object"})),
			},
		}})
	}
	return &types.ToolConfiguration{Tools: tools}
}

// jsonObject decodes raw into a map, returning fallback (or an empty map)
// when raw is empty or not an object.
func jsonObject(raw json.RawMessage, fallback map[string]any) map[string]any {
	var obj map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &obj)
	}
	if obj != nil {
		return obj
	}
	if fallback != nil {
		return fallback
	}
	return map[string]any{}
}

func fromBedrockConverseOutput(out *bedrockruntime.ConverseOutput, model string) *domain.ChatResponse {
	now := time.Now()
	result := &domain.ChatResponse{
		Model:     model,
		CreatedAt: now,
		Message:   domain.Message{Role: domain.RoleAssistant, Timestamp: now},
	}
	if u := out.Usage; u != nil {
		in, outTok := int(aws.ToInt32(u.InputTokens)), int(aws.ToInt32(u.OutputTokens))
		result.Usage = domain.Usage{PromptTokens: in, CompletionTokens: outTok, TotalTokens: in + outTok}
	}
	if out.StopReason != "" {
		result.Message.Metadata = map[string]string{"finish_reason": string(out.StopReason)}
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return result
	}
	var text []string
	for _, block := range msg.Value.Content {
		switch b := block.(type) {
		case *types.ContentBlockMemberText:
			text = append(text, b.Value)
		case *types.ContentBlockMemberToolUse:
			result.Message.ToolCalls = append(result.Message.ToolCalls, domain.ToolCall{
				ID:        aws.ToString(b.Value.ToolUseId),
				Name:      aws.ToString(b.Value.Name),
				Arguments: documentJSON(b.Value.Input),
			})
		}
	}
	result.Message.Content = strings.Join(text, "\n")
	return result
}

func documentJSON(doc document.Interface) json.RawMessage {
	empty := json.RawMessage("{}")
	if doc == nil {
		return empty
	}
	var v any
	if err := doc.UnmarshalSmithyDocument(&v); err != nil {
		return empty
	}
	data, err := json.Marshal(v)
	if err != nil {
		return empty
	}
	return data
}

// bedrockErrorKinds maps Bedrock API error codes to domain sentinels.
var bedrockErrorKinds = map[string]error{
	"ThrottlingException":           domain.ErrRateLimit,
	"TooManyRequestsException":      domain.ErrRateLimit,
	"ServiceQuotaExceededException": domain.ErrRateLimit,
	"AccessDeniedException":         domain.ErrAuthInvalid,
	"UnrecognizedClientException":   domain.ErrAuthInvalid,
	"ModelNotReadyException":        domain.ErrProviderError,
	"ServiceUnavailableException":   domain.ErrProviderError,
	"InternalServerException":       domain.ErrProviderError,
	"ModelTimeoutException":         domain.ErrTimeout,
}

func mapBedrockError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: bedrock: %w", domain.ErrTimeout, err)
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: bedrock: %w", domain.ErrProviderError, err)
	}
	code := apiErr.ErrorCode()
	if code == "ValidationException" && strings.Contains(apiErr.ErrorMessage(), "too long") {
		return fmt.Errorf("%w: %s", domain.ErrContextOverflow, err.Error())
	}
	if kind, ok := bedrockErrorKinds[code]; ok {
		return fmt.Errorf("%w: %s", kind, err.Error())
	}
	return fmt.Errorf("%w: bedrock %s: %s", domain.ErrUpstream, code, err.Error())
}
