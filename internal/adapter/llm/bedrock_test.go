package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"floorbot/internal/domain"
)

// fakeConverser records the last input and replies with out or err.
type fakeConverser struct {
	got *bedrockruntime.ConverseInput
	out *bedrockruntime.ConverseOutput
	err error
}

func (f *fakeConverser) Converse(_ context.Context, in *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.got = in
	return f.out, f.err
}

func reply(in, out int32, blocks ...types.ContentBlock) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		Output: &types.ConverseOutputMemberMessage{Value: types.Message{
			Role:    types.ConversationRoleAssistant,
			Content: blocks,
		}},
		Usage: &types.TokenUsage{InputTokens: aws.Int32(in), OutputTokens: aws.Int32(out)},
	}
}

func text(s string) types.ContentBlock { return &types.ContentBlockMemberText{Value: s} }

func TestBedrockChat(t *testing.T) {
	fake := &fakeConverser{out: reply(10, 5, text("We stock 12 oak laminates."))}
	fake.out.StopReason = types.StopReasonEndTurn
	p := newBedrockProviderWithClient("bedrock-test", "anthropic.claude-3-5-sonnet", fake, newTestLogger())

	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "You are a flooring assistant."},
			{Role: domain.RoleUser, Content: "Any oak laminate?"},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if resp.Message.Content != "We stock 12 oak laminates." {
		t.Errorf("Content = %q", resp.Message.Content)
	}
	if resp.Usage != (domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}) {
		t.Errorf("Usage = %+v", resp.Usage)
	}
	if resp.Message.Metadata["finish_reason"] != "end_turn" {
		t.Errorf("finish_reason = %q", resp.Message.Metadata["finish_reason"])
	}
	if aws.ToString(fake.got.ModelId) != "anthropic.claude-3-5-sonnet" {
		t.Errorf("ModelId = %q, want provider default", aws.ToString(fake.got.ModelId))
	}
	if aws.ToInt32(fake.got.InferenceConfig.MaxTokens) != defaultBedrockMaxTokens {
		t.Errorf("MaxTokens = %d, want default", aws.ToInt32(fake.got.InferenceConfig.MaxTokens))
	}
	if fake.got.InferenceConfig.Temperature != nil {
		t.Error("zero temperature should be omitted")
	}
	if len(fake.got.System) != 1 || len(fake.got.Messages) != 1 {
		t.Errorf("system = %d, messages = %d, want 1 and 1", len(fake.got.System), len(fake.got.Messages))
	}
	if p.Name() != "bedrock-test" {
		t.Errorf("Name = %q", p.Name())
	}
}

func TestBedrockChatToolUse(t *testing.T) {
	fake := &fakeConverser{out: reply(20, 15,
		text("Let me check our carpets."),
		&types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
			ToolUseId: aws.String("toolu_123"),
			Name:      aws.String("search_products"),
			Input:     document.NewLazyDocument(map[string]any{"product_type": "carpet"}),
		}},
	)}
	p := newBedrockProviderWithClient("test", "model", fake, newTestLogger())

	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Show me grey carpet"}},
		Tools: []domain.ToolSchema{
			{Name: "search_products", Description: "Search the flooring catalog", Parameters: json.RawMessage(`{"type":"object"}`)},
			{Name: "calculate_area", Description: "Room area"},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if fake.got.ToolConfig == nil || len(fake.got.ToolConfig.Tools) != 2 {
		t.Fatalf("ToolConfig = %+v, want 2 tools", fake.got.ToolConfig)
	}
	if resp.Message.Content != "Let me check our carpets." {
		t.Errorf("Content = %q", resp.Message.Content)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(resp.Message.ToolCalls))
	}
	call := resp.Message.ToolCalls[0]
	if call.ID != "toolu_123" || call.Name != "search_products" {
		t.Errorf("call = %+v", call)
	}
	if string(call.Arguments) != `{"product_type":"carpet"}` {
		t.Errorf("Arguments = %s", call.Arguments)
	}
}

func TestBedrockJoinsTextBlocks(t *testing.T) {
	resp := fromBedrockConverseOutput(reply(1, 1, text("Oak is warm."), text("Slate is cool.")), "m")
	if resp.Message.Content != "Oak is warm.\nSlate is cool." {
		t.Errorf("Content = %q", resp.Message.Content)
	}
}

func TestBedrockRequestConversion(t *testing.T) {
	input := toBedrockConverseInput(domain.ChatRequest{
		Model: "anthropic.claude-3-haiku",
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "Be helpful"},
			{Role: domain.RoleUser, Content: "My room is 5 by 4"},
			{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{
				{ID: "toolu_abc", Name: "calculate_area", Arguments: json.RawMessage(`{"width":5,"length":4}`)},
			}},
			{Role: domain.RoleTool, ToolCallID: "toolu_abc", Content: `{"area":20}`},
			{Role: domain.RoleAssistant, Content: "That is 20 square meters."},
		},
		MaxTokens:   2048,
		Temperature: 0.7,
	})

	if aws.ToString(input.ModelId) != "anthropic.claude-3-haiku" {
		t.Errorf("ModelId = %q", aws.ToString(input.ModelId))
	}
	if aws.ToInt32(input.InferenceConfig.MaxTokens) != 2048 {
		t.Errorf("MaxTokens = %d", aws.ToInt32(input.InferenceConfig.MaxTokens))
	}
	if aws.ToFloat32(input.InferenceConfig.Temperature) != 0.7 {
		t.Errorf("Temperature = %f", aws.ToFloat32(input.InferenceConfig.Temperature))
	}

	wantRoles := []types.ConversationRole{
		types.ConversationRoleUser,
		types.ConversationRoleAssistant,
		types.ConversationRoleUser,
		types.ConversationRoleAssistant,
	}
	if len(input.Messages) != len(wantRoles) {
		t.Fatalf("Messages = %d, want %d", len(input.Messages), len(wantRoles))
	}
	for i, want := range wantRoles {
		if input.Messages[i].Role != want {
			t.Errorf("message %d role = %q, want %q", i, input.Messages[i].Role, want)
		}
	}
	use, ok := input.Messages[1].Content[0].(*types.ContentBlockMemberToolUse)
	if !ok || aws.ToString(use.Value.ToolUseId) != "toolu_abc" {
		t.Errorf("tool use block = %#v", input.Messages[1].Content[0])
	}
	result, ok := input.Messages[2].Content[0].(*types.ContentBlockMemberToolResult)
	if !ok || aws.ToString(result.Value.ToolUseId) != "toolu_abc" {
		t.Errorf("tool result block = %#v", input.Messages[2].Content[0])
	}
}

func TestBedrockMergesConsecutiveToolResults(t *testing.T) {
	input := toBedrockConverseInput(domain.ChatRequest{
		Model: "m",
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "sys"},
			{Role: domain.RoleUser, Content: "quote 20 m2 of product 1"},
			{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{
				{ID: "a", Name: "calculate_quantity", Arguments: json.RawMessage(`{"product_id":1,"area":20}`)},
				{ID: "b", Name: "search_products"},
			}},
			{Role: domain.RoleTool, ToolCallID: "a", Content: `{"quantity":9}`},
			{Role: domain.RoleTool, ToolCallID: "b", Content: `{"products":[]}`},
			{Role: domain.RoleUser, Content: "and product 2?"},
		},
	})

	if len(input.Messages) != 4 {
		t.Fatalf("Messages = %d, want 4", len(input.Messages))
	}
	results := input.Messages[2]
	if results.Role != types.ConversationRoleUser || len(results.Content) != 2 {
		t.Fatalf("tool results message = %+v", results)
	}
	for i, want := range []string{"a", "b"} {
		tr, ok := results.Content[i].(*types.ContentBlockMemberToolResult)
		if !ok {
			t.Fatalf("block %d is %T", i, results.Content[i])
		}
		if aws.ToString(tr.Value.ToolUseId) != want {
			t.Errorf("block %d ToolUseId = %q, want %q", i, aws.ToString(tr.Value.ToolUseId), want)
		}
	}
	if len(input.Messages[3].Content) != 1 {
		t.Errorf("follow-up user message merged into tool results")
	}
}

func TestJSONObject(t *testing.T) {
	fallback := map[string]any{"type": "object"}
	if got := jsonObject(json.RawMessage(`{"area":20}`), fallback); got["area"] != float64(20) {
		t.Errorf("object = %v", got)
	}
	if got := jsonObject(nil, fallback); got["type"] != "object" {
		t.Errorf("empty = %v, want fallback", got)
	}
	if got := jsonObject(json.RawMessage(`[1,2]`), nil); got == nil || len(got) != 0 {
		t.Errorf("array = %v, want empty map", got)
	}
}

type apiError struct {
	code, message string
}

func (e *apiError) Error() string                 { return e.code + ": " + e.message }
func (e *apiError) ErrorCode() string             { return e.code }
func (e *apiError) ErrorMessage() string          { return e.message }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultServer }

func TestBedrockErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"throttling", &apiError{"ThrottlingException", "rate limited"}, domain.ErrRateLimit},
		{"too many requests", &apiError{"TooManyRequestsException", "too many"}, domain.ErrRateLimit},
		{"quota", &apiError{"ServiceQuotaExceededException", "quota"}, domain.ErrRateLimit},
		{"access denied", &apiError{"AccessDeniedException", "no access"}, domain.ErrAuthInvalid},
		{"context too long", &apiError{"ValidationException", "input is too long"}, domain.ErrContextOverflow},
		{"other validation", &apiError{"ValidationException", "bad field"}, domain.ErrUpstream},
		{"internal", &apiError{"InternalServerException", "server error"}, domain.ErrProviderError},
		{"unavailable", &apiError{"ServiceUnavailableException", "unavailable"}, domain.ErrProviderError},
		{"model timeout", &apiError{"ModelTimeoutException", "slow"}, domain.ErrTimeout},
		{"network", errors.New("connection reset"), domain.ErrProviderError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newBedrockProviderWithClient("test", "model", &fakeConverser{err: tt.err}, newTestLogger())
			_, err := p.Chat(context.Background(), domain.ChatRequest{
				Messages: []domain.Message{{Role: domain.RoleUser, Content: "test"}},
			})
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBedrockCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := newBedrockProviderWithClient("test", "model", &fakeConverser{err: context.Canceled}, newTestLogger())

	_, err := p.Chat(ctx, domain.ChatRequest{Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}}})
	if !errors.Is(err, domain.ErrTimeout) || !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want timeout wrapping context.Canceled", err)
	}
}
