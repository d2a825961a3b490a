package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"floorbot/internal/domain"
	"floorbot/internal/infra/config"
	"floorbot/internal/infra/tracer"
)

// OpenAIProvider implements domain.LLMProvider for any OpenAI-compatible API.
type OpenAIProvider struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewOpenAIProvider creates a provider with configured timeouts.
func NewOpenAIProvider(cfg config.ProviderConfig, logger *slog.Logger) *OpenAIProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	return &OpenAIProvider{
		name:    cfg.Name,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  NewHTTPClient(cfg),
		logger:  logger,
	}
}

// Chat implements domain.LLMProvider.
func (p *OpenAIProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
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

	body, err := json.Marshal(toOpenAIRequest(req))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}

	respBody, err := doJSONRequest(ctx, p.client, p.baseURL+"/chat/completions", body, headers)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var oaiResp openaiResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("%w: unmarshal response: %w", domain.ErrUpstream, err)
	}
	if len(oaiResp.Choices) == 0 {
		err := fmt.Errorf("%w: response has no choices", domain.ErrUpstream)
		tracer.RecordError(span, err)
		return nil, err
	}

	result := fromOpenAIResponse(oaiResp)
	setUsageAttrs(span, result.Usage)
	tracer.SetOK(span)
	logChatCompleted(p.logger, p.name, result)

	return result, nil
}

// Name implements domain.LLMProvider.
func (p *OpenAIProvider) Name() string { return p.name }

// --- OpenAI API wire types ---

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Tools       []openaiTool    `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openaiToolCall struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Function openaiToolCallFunction `json:"function"`
}

type openaiToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
	Created int64          `json:"created"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func toOpenAIRequest(req domain.ChatRequest) openaiRequest {
	out := openaiRequest{
		Model:     req.Model,
		Messages:  make([]openaiMessage, 0, len(req.Messages)),
		MaxTokens: max(req.MaxTokens, 0),
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, openaiMessageFrom(m))
	}
	if req.Temperature > 0 {
		t := req.Temperature
		out.Temperature = &t
	}
	if len(req.Tools) > 0 {
		out.ToolChoice = "auto"
		out.Tools = openaiToolsFrom(req.Tools)
	}
	return out
}

// openaiMessageFrom converts one transcript entry. An assistant turn that only
// requests tools is sent with null content.
func openaiMessageFrom(m domain.Message) openaiMessage {
	content := m.Content
	msg := openaiMessage{
		Role:       m.Role,
		Content:    &content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	if m.Role != domain.RoleAssistant || len(m.ToolCalls) == 0 {
		return msg
	}
	if content == "" {
		msg.Content = nil
	}
	msg.ToolCalls = make([]openaiToolCall, 0, len(m.ToolCalls))
	for _, call := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, openaiToolCall{
			ID:       call.ID,
			Type:     "function",
			Function: openaiToolCallFunction{Name: call.Name, Arguments: argumentsOrEmpty(call.Arguments)},
		})
	}
	return msg
}

func openaiToolsFrom(schemas []domain.ToolSchema) []openaiTool {
	tools := make([]openaiTool, 0, len(schemas))
	for _, s := range schemas {
		tools = append(tools, openaiTool{
			Type:     "function",
			Function: openaiToolFunction{Name: s.Name, Description: s.Description, Parameters: s.Parameters},
		})
	}
	return tools
}

func argumentsOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func fromOpenAIResponse(resp openaiResponse) *domain.ChatResponse {
	created := time.Unix(resp.Created, 0)
	result := &domain.ChatResponse{
		ID:        resp.ID,
		Model:     resp.Model,
		Usage:     domain.Usage(resp.Usage),
		CreatedAt: created,
		Message:   domain.Message{Role: domain.RoleAssistant, Timestamp: created},
	}
	if len(resp.Choices) == 0 {
		return result
	}

	reply := resp.Choices[0].Message
	result.Message.Name = reply.Name
	if reply.Content != nil {
		result.Message.Content = *reply.Content
	}
	for _, call := range reply.ToolCalls {
		result.Message.ToolCalls = append(result.Message.ToolCalls, domain.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: json.RawMessage(call.Function.Arguments),
		})
	}
	if reason := resp.Choices[0].FinishReason; reason != "" {
		result.Message.Metadata = map[string]string{"finish_reason": reason}
	}
	return result
}
